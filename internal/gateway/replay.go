package gateway

import (
	"strings"

	"github.com/edgeflow/meshgate/internal/etag"
	"github.com/edgeflow/meshgate/internal/pipeline"
	"github.com/edgeflow/meshgate/internal/registry"
)

// applyRESTCall is the internal REST replay: a rule action's (method,
// address, body) is applied exactly as an external PUT to that
// resource would be, entirely on the loop goroutine. Only the subset
// of resources a rule action can legally target needs replaying — the
// action address-prefix validation already restricts addresses to
// /lights, /groups, /scenes, /sensors, /schedules before a rule is
// ever stored.
func (g *Gateway) applyRESTCall(apikey, method, path string, body map[string]interface{}) bool {
	if method != "PUT" {
		return false
	}
	switch {
	case strings.HasPrefix(path, "/lights/") && strings.HasSuffix(path, "/state"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/lights/"), "/state")
		return g.putLightState(id, body)
	case strings.HasPrefix(path, "/groups/") && strings.HasSuffix(path, "/action"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/groups/"), "/action")
		return g.putGroupAction(id, body)
	case strings.HasPrefix(path, "/groups/"):
		// Bare /groups/<id> (no /action suffix): rule actions address
		// groups this way too.
		id := strings.TrimPrefix(path, "/groups/")
		if id == "" || strings.Contains(id, "/") {
			return false
		}
		return g.putGroupAction(id, body)
	}
	return false
}

func (g *Gateway) putLightState(id string, body map[string]interface{}) bool {
	l, ok := g.reg.LightByID(id)
	if !ok || !l.Reachable {
		return false
	}

	payload := make([]byte, 0, 4)
	cluster := uint16(0x0006)
	taskType := pipeline.TaskSetOnOff

	if on, ok := body["on"].(bool); ok {
		l.On = on
		if on {
			payload = append(payload, 1)
		} else {
			payload = append(payload, 0)
		}
	}
	if briF, ok := body["bri"].(float64); ok {
		bri := uint8(briF)
		l.Level = bri
		cluster = 0x0008
		taskType = pipeline.TaskSetLevel
		payload = append(payload, bri)
	}
	l.Etag = etag.New()
	g.dirty |= dirtyLights

	g.pipe.Enqueue(&pipeline.Task{
		ID:      "light-state-" + id,
		Type:    taskType,
		Dest:    pipeline.Destination{ExtAddr: l.ExtAddr, Endpoint: l.Endpoint},
		Cluster: cluster,
		Payload: payload,
	})
	return true
}

func (g *Gateway) putGroupAction(id string, body map[string]interface{}) bool {
	grp, ok := g.reg.GroupByID(id)
	if !ok {
		return false
	}

	on, hasOn := body["on"].(bool)
	briF, hasBri := body["bri"].(float64)

	if hasOn {
		payload := byte(0)
		if on {
			payload = 1
		}
		g.pipe.Enqueue(&pipeline.Task{
			ID:        "group-onoff-" + id,
			Type:      pipeline.TaskGroupBroadcast,
			Dest:      pipeline.Destination{DstGroup: grp.Address, Broadcast: true},
			Cluster:   0x0006,
			Payload:   []byte{payload},
		})
		wasOff := !grp.On
		grp.On = on
		if on && wasOff {
			grp.ColorLoopActive = false
		}
	}
	if hasBri {
		bri := uint8(briF)
		g.pipe.Enqueue(&pipeline.Task{
			ID:        "group-level-" + id,
			Type:      pipeline.TaskGroupBroadcast,
			Dest:      pipeline.Destination{DstGroup: grp.Address, Broadcast: true},
			Cluster:   0x0008,
			Payload:   []byte{bri},
		})
		grp.Level = bri
	}
	if !hasOn && !hasBri {
		return false
	}
	grp.Etag = etag.New()
	g.dirty |= dirtyGroups

	for _, l := range g.reg.Lights() {
		m, member := l.GroupMembership[grp.Address]
		if !member || m.State != registry.GroupStateInGroup {
			continue
		}
		if hasOn {
			l.On = on
		}
		if hasBri {
			l.Level = uint8(briF)
		}
		l.Etag = etag.New()
	}
	g.dirty |= dirtyLights
	return true
}
