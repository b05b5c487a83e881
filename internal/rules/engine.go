package rules

import (
	"strconv"
	"strings"
	"time"

	"github.com/edgeflow/meshgate/internal/cache"
	"github.com/edgeflow/meshgate/internal/pipeline"
	"github.com/edgeflow/meshgate/internal/registry"
)

// Tick runs one pass of the ~5s verify/trigger cycle: the currently
// pointed non-deleted rule is trigger-checked and binding-verified,
// then the round-robin iterator advances.
func (e *Engine) Tick(now time.Time, inNetwork bool) {
	if len(e.order) == 0 {
		return
	}
	e.verifyIter %= len(e.order)
	r := e.rules[e.order[e.verifyIter]]
	e.verifyIter++

	if r.State != Normal {
		return
	}
	e.TriggerCheck(r, now, inNetwork)
	e.BindingVerification(r, now)
}

// SaveTick flushes trigger metadata for every rule mutated since the
// last flush, implementing the 3s coalescing debounce.
func (e *Engine) SaveTick() {
	if e.Persist == nil {
		return
	}
	for _, r := range e.rules {
		if r.dirty {
			e.Persist(r)
			r.dirty = false
		}
	}
}

// TriggerCheck implements trigger_rule_if_needed.
func (e *Engine) TriggerCheck(r *Rule, now time.Time, inNetwork bool) {
	if !inNetwork || r.State != Normal || r.Status != Enabled || r.Periodic < 0 {
		return
	}
	if r.Periodic == 0 {
		return // event-driven; no synthetic periodic evaluation
	}
	if r.LastTriggered != "" {
		last, err := time.Parse("2006-01-02T15:04:05", r.LastTriggered)
		if err == nil && now.Sub(last) < time.Duration(r.Periodic)*time.Millisecond {
			return
		}
	}

	for _, c := range r.Conditions {
		if !e.conditionHolds(c, now) {
			return
		}
	}

	triggered := false
	for _, a := range r.Actions {
		if a.Method != "PUT" {
			continue
		}
		if notHandled := e.replay(r.Owner, a.Method, a.Address, a.Body); notHandled {
			return // abort remaining actions; last_triggered unchanged
		}
		triggered = true
	}
	if triggered {
		r.LastTriggered = now.UTC().Format("2006-01-02T15:04:05")
		r.TimesTriggered++
		r.dirty = true
	}
}

// conditionHolds evaluates one condition in the periodic path. Only
// /state/illuminance with lt|gt is supported there;
// every other attribute — including buttonevent, which is reactive
// only — causes the rule to be skipped for this tick.
func (e *Engine) conditionHolds(c Condition, now time.Time) bool {
	sensor, attr, ok := resolveSensorAddress(e.reg, c.Address)
	if !ok || !sensor.Config.Reachable {
		return false
	}
	if attr != "illuminance" || (c.Operator != "lt" && c.Operator != "gt") {
		return false
	}

	k := cache.Key{ExtAddr: sensor.ExtAddr, Cluster: 0x0400, Attribute: 0}
	if !e.cch.Fresh(k, e.cfg.MaxRuleAttrAge, now) {
		if e.cch.NeedsForcedRead(k, e.cfg.MaxRuleAttrAge, now) {
			e.cch.MarkReadRequested(k, now)
			e.pipe.Enqueue(&pipeline.Task{
				ID:      "illum-read-" + strconv.FormatUint(sensor.ExtAddr, 16),
				Type:    pipeline.TaskReadAttributes,
				Dest:    pipeline.Destination{ExtAddr: sensor.ExtAddr, Endpoint: sensor.Fingerprint.Endpoint},
				Cluster: 0x0400,
			})
		}
		return false
	}

	entry, ok := e.cch.Get(k)
	if !ok {
		return false
	}
	threshold, err := strconv.Atoi(c.Value)
	if err != nil {
		return false
	}
	lux := int(entry.Value.U32)
	switch c.Operator {
	case "lt":
		return lux < threshold
	case "gt":
		return lux > threshold
	}
	return false
}

type bindingSrc struct {
	extAddr   uint64
	endpoint  uint8
	sensorOff bool
}

// resolveBindingSrc finds the (sensor, endpoint) pair a rule's eq
// condition names; the condition value selects the source endpoint.
func (e *Engine) resolveBindingSrc(r *Rule) (bindingSrc, bool) {
	for _, c := range r.Conditions {
		if c.Operator != "eq" {
			continue
		}
		sensor, attr, ok := resolveSensorAddress(e.reg, c.Address)
		if !ok || (attr != "buttonevent" && attr != "illuminance" && attr != "presence") {
			continue
		}
		epVal, err := strconv.Atoi(c.Value)
		if err != nil {
			continue
		}
		ep := uint8(epVal)
		if !e.reg.HasActiveEndpoint(sensor.ExtAddr, ep) {
			continue
		}
		return bindingSrc{extAddr: sensor.ExtAddr, endpoint: ep, sensorOff: !sensor.Config.On}, true
	}
	return bindingSrc{}, false
}

type bindDst struct {
	isGroup  bool
	group    uint16
	extAddr  uint64
	endpoint uint8
}

func resolveBindDestination(reg *registry.Registry, a Action) (bindDst, pipeline.BindingCluster, bool) {
	cluster, ok := clusterFromBody(a.Body)
	if !ok {
		return bindDst{}, 0, false
	}
	switch {
	case strings.HasPrefix(a.Address, "/groups/") && strings.HasSuffix(a.Address, "/action"):
		id := strings.TrimSuffix(strings.TrimPrefix(a.Address, "/groups/"), "/action")
		g, ok := reg.GroupByID(id)
		if !ok {
			return bindDst{}, 0, false
		}
		return bindDst{isGroup: true, group: g.Address}, cluster, true
	case strings.HasPrefix(a.Address, "/lights/") && strings.HasSuffix(a.Address, "/state"):
		id := strings.TrimSuffix(strings.TrimPrefix(a.Address, "/lights/"), "/state")
		l, ok := reg.LightByID(id)
		if !ok {
			return bindDst{}, 0, false
		}
		return bindDst{extAddr: l.ExtAddr, endpoint: l.Endpoint}, cluster, true
	}
	return bindDst{}, 0, false
}

// clusterFromBody selects a ZCL cluster by substring match on the
// action body text, checked in this order: on, bri, scene, illum,
// occ.
func clusterFromBody(body map[string]interface{}) (pipeline.BindingCluster, bool) {
	text := bodyText(body)
	switch {
	case strings.Contains(text, "on"):
		return pipeline.ClusterOnOff, true
	case strings.Contains(text, "bri"):
		return pipeline.ClusterLevel, true
	case strings.Contains(text, "scene"):
		return pipeline.ClusterScene, true
	case strings.Contains(text, "illum"):
		return pipeline.ClusterIlluminanceMeasurement, true
	case strings.Contains(text, "occ"):
		return pipeline.ClusterOccupancySensing, true
	}
	return 0, false
}

// bodyText concatenates an action body's keys (and any string values)
// into the text clusterFromBody searches for a cluster hint —
// body keys carry the signal ("on", "bri", "scene", ...); non-string
// values never contribute a matchable substring.
func bodyText(body map[string]interface{}) string {
	var sb strings.Builder
	for k, v := range body {
		sb.WriteString(k)
		sb.WriteString(" ")
		if s, ok := v.(string); ok {
			sb.WriteString(s)
			sb.WriteString(" ")
		}
	}
	return sb.String()
}

// BindingVerification is the throttled source-binding installer:
// bindings derived from a rule's sensor condition and BIND actions.
func (e *Engine) BindingVerification(r *Rule, now time.Time) {
	if e.pipe.BindingQueueLen() >= e.cfg.MaxBindingQueueForVerify {
		return
	}
	if !r.lastVerify.IsZero() && now.Before(r.lastVerify.Add(e.cfg.MaxVerifyDelay)) {
		return
	}
	r.lastVerify = now

	src, ok := e.resolveBindingSrc(r)
	if !ok {
		return
	}

	ruleActive := r.State == Normal && r.Status == Enabled
	action := pipeline.BindBind
	if src.sensorOff || !ruleActive {
		action = pipeline.BindUnbind
	}

	for _, a := range r.Actions {
		if a.Method != "BIND" {
			continue
		}
		dst, cluster, ok := resolveBindDestination(e.reg, a)
		if !ok {
			continue
		}
		bt := pipeline.BindingTask{
			SrcExtAddr: src.extAddr, SrcEndpoint: src.endpoint,
			DstIsGroup: dst.isGroup, DstGroup: dst.group,
			DstExtAddr: dst.extAddr, DstEndpoint: dst.endpoint,
			Cluster: cluster, Action: action,
		}
		e.pipe.EnqueueBinding(bt)
	}
}

// enqueueUnbindPass forces an Unbind BindingTask for every BIND action
// on r, regardless of the rule's current state — used by Update
// (structural change) and Delete.
func (e *Engine) enqueueUnbindPass(r *Rule) {
	src, ok := e.resolveBindingSrc(r)
	if !ok {
		return
	}
	for _, a := range r.Actions {
		if a.Method != "BIND" {
			continue
		}
		dst, cluster, ok := resolveBindDestination(e.reg, a)
		if !ok {
			continue
		}
		e.pipe.EnqueueBinding(pipeline.BindingTask{
			SrcExtAddr: src.extAddr, SrcEndpoint: src.endpoint,
			DstIsGroup: dst.isGroup, DstGroup: dst.group,
			DstExtAddr: dst.extAddr, DstEndpoint: dst.endpoint,
			Cluster: cluster, Action: pipeline.BindUnbind,
		})
	}
}
