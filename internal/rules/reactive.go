package rules

import (
	"strconv"
	"strings"
	"time"

	"github.com/edgeflow/meshgate/internal/etag"
	"github.com/edgeflow/meshgate/internal/pipeline"
	"github.com/edgeflow/meshgate/internal/registry"
)

// HandleGreenPowerButton is the reactive button-event path, invoked
// for every green-power data indication carrying a button command id.
func (e *Engine) HandleGreenPowerButton(sensorID string, buttonEvent int, now time.Time) {
	sensor, ok := e.reg.SensorByID(sensorID)
	if !ok {
		return
	}
	prevUpdated := sensor.State.LastUpdated
	sensor.State.ButtonEvent = buttonEvent
	sensor.State.LastUpdated = now
	sensor.Etag = etag.New()

	for _, r := range e.List() {
		if !e.reactiveConditionsHold(r, sensor, buttonEvent, prevUpdated, now) {
			continue
		}
		e.executeReactiveActions(r, now)
	}
}

// reactiveConditionsHold evaluates only the conditions that reference
// sensor; a rule with no such condition never fires reactively, and
// every condition attached to that sensor must hold.
func (e *Engine) reactiveConditionsHold(r *Rule, sensor *registry.Sensor, buttonEvent int, prevUpdated, now time.Time) bool {
	matched := false
	for _, c := range r.Conditions {
		ref, attr, ok := resolveSensorAddress(e.reg, c.Address)
		if !ok || ref.ID != sensor.ID {
			continue
		}
		matched = true
		switch attr {
		case "buttonevent":
			if c.Operator != "eq" {
				return false
			}
			val, err := strconv.Atoi(c.Value)
			if err != nil || val != buttonEvent {
				return false
			}
		case "lastupdated":
			if c.Operator != "dx" || !now.After(prevUpdated) {
				return false
			}
		default:
			return false
		}
	}
	return matched
}

func (e *Engine) executeReactiveActions(r *Rule, now time.Time) {
	triggered := false
	for _, a := range r.Actions {
		switch {
		case isSceneRecallAddress(a.Address):
			if e.recallSceneAction(a.Address) {
				triggered = true
			}
		case isGroupOnOffAddress(a.Address):
			if e.broadcastGroupOnOffAction(a.Address, a.Body) {
				triggered = true
			}
		case strings.HasPrefix(a.Address, "/lights/"):
			// placeholder: per-light reactive actions are not implemented
			// in the current design.
		}
	}
	if triggered {
		r.LastTriggered = now.UTC().Format("2006-01-02T15:04:05")
		r.TimesTriggered++
		r.dirty = true
	}
}

func isSceneRecallAddress(address string) bool {
	_, _, ok := parseGroupSceneAddress(address)
	return ok
}

func parseGroupSceneAddress(address string) (groupID string, sceneID uint8, ok bool) {
	parts := strings.Split(strings.TrimPrefix(address, "/"), "/")
	if len(parts) != 4 || parts[0] != "groups" || parts[2] != "scenes" {
		return "", 0, false
	}
	n, err := strconv.Atoi(parts[3])
	if err != nil || n < 0 || n > 255 {
		return "", 0, false
	}
	return parts[1], uint8(n), true
}

// recallSceneAction implements the scene-recall reactive action: enqueue
// the wire recall, then reconcile colorloop/on/level state for every
// stored light still reachable, re-recalling if colorloop was
// deactivated server-side.
func (e *Engine) recallSceneAction(address string) bool {
	groupID, sceneID, ok := parseGroupSceneAddress(address)
	if !ok {
		return false
	}
	g, ok := e.reg.GroupByID(groupID)
	if !ok {
		return false
	}
	var scene *registry.Scene
	for _, sc := range g.Scenes {
		if sc.ID == sceneID {
			scene = sc
			break
		}
	}
	if scene == nil {
		return false
	}

	recallID := "scene-recall-" + groupID + "-" + strconv.Itoa(int(sceneID))
	recallPayload := []byte{byte(g.Address), byte(g.Address >> 8), sceneID}
	e.pipe.Enqueue(&pipeline.Task{
		ID:      recallID,
		Type:    pipeline.TaskSceneRecall,
		Dest:    pipeline.Destination{DstGroup: g.Address},
		Cluster: 0x0005,
		Payload: recallPayload,
	})

	for _, ls := range scene.Lights {
		l, ok := e.reg.LightByID(ls.LID)
		if !ok || !l.Reachable {
			continue
		}
		hadColorloop := l.ColorLoopActive
		l.On = ls.On
		l.Level = ls.Bri
		l.ColorX = ls.X
		l.ColorY = ls.Y
		l.ColorLoopActive = ls.ColorLoopActive
		l.Etag = etag.New()

		if hadColorloop && !ls.ColorLoopActive {
			e.pipe.Enqueue(&pipeline.Task{
				ID:      recallID + "-retry",
				Type:    pipeline.TaskSceneRecall,
				Dest:    pipeline.Destination{DstGroup: g.Address},
				Cluster: 0x0005,
				Payload: recallPayload,
			})
		}
	}
	return true
}

func isGroupOnOffAddress(address string) bool {
	_, ok := parseGroupAddress(address)
	return ok
}

func parseGroupAddress(address string) (groupID string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(address, "/"), "/")
	if len(parts) != 2 || parts[0] != "groups" {
		return "", false
	}
	return parts[1], true
}

// broadcastGroupOnOffAction implements the group-on/off reactive
// action: broadcast, update the cached group and member lights, and
// kill any active colorloop on an on-transition.
func (e *Engine) broadcastGroupOnOffAction(address string, body map[string]interface{}) bool {
	groupID, ok := parseGroupAddress(address)
	if !ok {
		return false
	}
	on, ok := body["on"].(bool)
	if !ok {
		return false
	}
	g, ok := e.reg.GroupByID(groupID)
	if !ok {
		return false
	}

	payload := byte(0)
	if on {
		payload = 1
	}
	e.pipe.Enqueue(&pipeline.Task{
		ID:        "group-onoff-" + groupID,
		Type:      pipeline.TaskGroupBroadcast,
		Dest:      pipeline.Destination{DstGroup: g.Address, Broadcast: true},
		Cluster:   0x0006,
		Payload:   []byte{payload},
	})

	wasOff := !g.On
	g.On = on
	if on && wasOff {
		g.ColorLoopActive = false
	}
	g.Etag = etag.New()

	for _, l := range e.reg.Lights() {
		m, ok := l.GroupMembership[g.Address]
		if !ok || m.State != registry.GroupStateInGroup {
			continue
		}
		l.On = on
		if on && wasOff {
			l.ColorLoopActive = false
		}
		l.Etag = etag.New()
	}
	return true
}
