package synchronizer

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflow/meshgate/internal/cache"
	"github.com/edgeflow/meshgate/internal/pipeline"
	"github.com/edgeflow/meshgate/internal/radio"
	"github.com/edgeflow/meshgate/internal/radio/sim"
	"github.com/edgeflow/meshgate/internal/registry"
)

func newGroupTestSynchronizer() (*Synchronizer, *registry.Registry, *pipeline.Pipeline, *sim.Driver) {
	reg := registry.New()
	drv := sim.New()
	pipe := pipeline.New(drv, zap.NewNop(), 10*time.Millisecond, 4)
	cfg := Config{
		IdleUserLimit:           time.Second,
		IdleReadLimit:           10 * time.Second,
		IdleAttrReportBindLimit: time.Minute,
		MaxRuleAttrAge:          15 * time.Second,
	}
	return New(cfg, reg, pipe, cache.New(), zap.NewNop()), reg, pipe, drv
}

// Once membership drift flips the light's action bit to Add, a
// group-task tick must emit the add-to-group request.
func TestGroupTaskTickEmitsAddToGroupAfterDrift(t *testing.T) {
	s, reg, pipe, drv := newGroupTestSynchronizer()
	light := reg.AdmitLight(1, registry.SimpleDescriptor{Endpoint: 1, ProfileID: 0x0104, DeviceID: 0x0000}).Light

	// The light reports membership of group 4, then a later response
	// omits it while group 4 has no device memberships.
	reg.ApplyGroupMembership(light.ID, 10, 1, []uint16{4})
	reg.ApplyGroupMembership(light.ID, 10, 0, nil)
	if light.GroupMembership[4].Action != registry.GroupActionAdd {
		t.Fatal("drift against a user-created group should force a rejoin")
	}

	s.GroupTaskTick(time.Now())
	if pipe.TasksLen() != 1 {
		t.Fatalf("expected one add-to-group task, got %d", pipe.TasksLen())
	}

	pipe.DispatchTick(context.Background(), time.Now())
	sent := drv.Sent()
	if len(sent) != 1 || sent[0].Cluster != ClusterGroups || sent[0].DstAddr != 1 {
		t.Fatalf("expected an AddGroup request to the light, got %+v", sent)
	}
	p := sent[0].Payload
	if len(p) < 3 || p[0] != cmdAddGroup || p[1] != 4 || p[2] != 0 {
		t.Fatalf("AddGroup payload should carry command 0x00 and group 4 LE, got %v", p)
	}

	if light.GroupMembership[4].Action != registry.GroupActionNone {
		t.Fatal("the action bit should clear once the request is queued")
	}
}

func TestGroupTaskTickFlushesPendingSceneRemoval(t *testing.T) {
	s, reg, pipe, _ := newGroupTestSynchronizer()
	light := reg.AdmitLight(1, registry.SimpleDescriptor{Endpoint: 1, ProfileID: 0x0104, DeviceID: 0x0000}).Light

	reg.ApplyGroupMembership(light.ID, 10, 1, []uint16{4})
	light.GroupMembership[4].RemoveScenes = []uint8{7}

	s.GroupTaskTick(time.Now())
	if pipe.TasksLen() != 1 {
		t.Fatalf("expected one scene-remove task, got %d", pipe.TasksLen())
	}
}

func TestGroupTaskTickBacksOffWhenQueueBusy(t *testing.T) {
	s, reg, pipe, _ := newGroupTestSynchronizer()
	light := reg.AdmitLight(1, registry.SimpleDescriptor{Endpoint: 1, ProfileID: 0x0104, DeviceID: 0x0000}).Light
	reg.ApplyGroupMembership(light.ID, 10, 1, []uint16{4})
	reg.ApplyGroupMembership(light.ID, 10, 0, nil)

	// MaxGroupTasks is 4 in the test pipeline; exceed it.
	for i := 0; i < 5; i++ {
		pipe.Enqueue(&pipeline.Task{ID: string(rune('a' + i)), Type: pipeline.TaskReadAttributes, Dest: pipeline.Destination{ExtAddr: uint64(i) + 100}})
	}

	before := pipe.TasksLen()
	s.GroupTaskTick(time.Now())
	if pipe.TasksLen() != before {
		t.Fatal("the group tick must back off while the ready queue is busy")
	}
}

func TestGroupMembershipIndicationUpdatesCounters(t *testing.T) {
	s, reg, _, _ := newGroupTestSynchronizer()
	light := reg.AdmitLight(1, registry.SimpleDescriptor{Endpoint: 1, ProfileID: 0x0104, DeviceID: 0x0000}).Light

	// GetGroupMembership.Response: cmd, capacity, count, group 5 LE.
	s.HandleIndication(radio.Indication{
		SrcAddr: 1, Endpoint: 1, Cluster: ClusterGroups,
		Payload: []byte{cmdGetGroupMembershipRsp, 9, 1, 5, 0},
	}, time.Now())

	if light.GroupCapacity != 9 || light.GroupCount != 1 {
		t.Fatalf("capacity/count should mirror the response, got %d/%d", light.GroupCapacity, light.GroupCount)
	}
	if _, ok := reg.GroupByAddress(5); !ok {
		t.Fatal("a reported group must be ensured present in the group table")
	}
	if light.GroupMembership[5].State != registry.GroupStateInGroup {
		t.Fatal("the light should be marked a member of the reported group")
	}
}

func TestAddGroupResponseMovesCapacity(t *testing.T) {
	s, reg, _, _ := newGroupTestSynchronizer()
	light := reg.AdmitLight(1, registry.SimpleDescriptor{Endpoint: 1, ProfileID: 0x0104, DeviceID: 0x0000}).Light
	light.GroupCapacity = 10

	// AddGroup.Response: cmd, status success, group 5 LE.
	s.HandleIndication(radio.Indication{
		SrcAddr: 1, Endpoint: 1, Cluster: ClusterGroups,
		Payload: []byte{cmdAddGroup, 0, 5, 0},
	}, time.Now())

	if light.GroupCount != 1 || light.GroupCapacity != 9 {
		t.Fatalf("AddGroup success should move count/capacity, got %d/%d", light.GroupCount, light.GroupCapacity)
	}
}

func TestSceneMembershipIndicationRegistersScenes(t *testing.T) {
	s, reg, _, _ := newGroupTestSynchronizer()
	light := reg.AdmitLight(1, registry.SimpleDescriptor{Endpoint: 1, ProfileID: 0x0104, DeviceID: 0x0000}).Light

	// GetSceneMembership.Response: cmd, status, capacity, group LE, count, scene ids.
	s.HandleIndication(radio.Indication{
		SrcAddr: 1, Endpoint: 1, Cluster: ClusterScenes,
		Payload: []byte{cmdGetSceneMembershipRsp, 0, 14, 4, 0, 2, 1, 7},
	}, time.Now())

	g, ok := reg.GroupByAddress(4)
	if !ok {
		t.Fatal("scene membership should ensure the group exists")
	}
	if len(g.Scenes) != 2 {
		t.Fatalf("expected 2 scenes registered, got %d", len(g.Scenes))
	}
	if g.Scenes[0].Name != "Scene 1" {
		t.Fatalf("default scene name should be \"Scene 1\", got %q", g.Scenes[0].Name)
	}
	m := light.GroupMembership[4]
	if !m.PendingScenes[1] || !m.PendingScenes[7] {
		t.Fatal("each reported scene should be pending a details read")
	}
}

func TestViewSceneResponseFillsStoredLightState(t *testing.T) {
	s, reg, _, _ := newGroupTestSynchronizer()
	light := reg.AdmitLight(1, registry.SimpleDescriptor{Endpoint: 1, ProfileID: 0x0104, DeviceID: 0x0000}).Light
	s.HandleIndication(radio.Indication{
		SrcAddr: 1, Endpoint: 1, Cluster: ClusterScenes,
		Payload: []byte{cmdGetSceneMembershipRsp, 0, 14, 4, 0, 1, 7},
	}, time.Now())

	// ViewScene.Response: cmd, status, group LE, scene, transition LE,
	// then extension records for on/off, level, and color x/y.
	payload := []byte{
		cmdViewSceneRsp, 0, 4, 0, 7, 10, 0,
		0x06, 0x00, 1, 1, // on/off: on
		0x08, 0x00, 1, 200, // level: 200
		0x00, 0x03, 4, 0x10, 0x27, 0x20, 0x4E, // color: x=0x2710 y=0x4E20
	}
	s.HandleIndication(radio.Indication{SrcAddr: 1, Endpoint: 1, Cluster: ClusterScenes, Payload: payload}, time.Now())

	g, _ := reg.GroupByAddress(4)
	var ls *registry.LightState
	for _, sc := range g.Scenes {
		if sc.ID == 7 && len(sc.Lights) > 0 {
			ls = sc.Lights[0]
		}
	}
	if ls == nil {
		t.Fatal("view response should record the light's stored scene state")
	}
	if !ls.On || ls.Bri != 200 || ls.X != 0x2710 || ls.Y != 0x4E20 || ls.TransitionTime != 10 {
		t.Fatalf("stored light state mismatch: %+v", ls)
	}
	if light.GroupMembership[4].PendingScenes[7] {
		t.Fatal("the pending details flag should clear once the view arrives")
	}
}
