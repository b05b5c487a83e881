package rules

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflow/meshgate/internal/cache"
	"github.com/edgeflow/meshgate/internal/pipeline"
	"github.com/edgeflow/meshgate/internal/radio/sim"
	"github.com/edgeflow/meshgate/internal/registry"
)

func newTestEngine(replay ReplayFunc) (*Engine, *registry.Registry, *pipeline.Pipeline, *cache.Cache, *sim.Driver) {
	reg := registry.New()
	drv := sim.New()
	pipe := pipeline.New(drv, zap.NewNop(), 10*time.Millisecond, 4)
	cch := cache.New()
	cfg := Config{
		VerifyTick:               5 * time.Second,
		MaxVerifyDelay:           30 * time.Second,
		MaxBindingQueueForVerify: 16,
		SaveDebounce:             3 * time.Second,
		MaxRuleAttrAge:           15 * time.Second,
	}
	if replay == nil {
		replay = func(string, string, string, map[string]interface{}) bool { return false }
	}
	return New(cfg, reg, cch, pipe, replay, zap.NewNop()), reg, pipe, cch, drv
}

// --- Validation matrix ---

func TestValidateConditionDxForbidsValue(t *testing.T) {
	reg, _ := registryWithZHALightSensor()
	c := Condition{Address: "/sensors/1/state/illuminance", Operator: "dx", Value: "5"}
	if err := ValidateCondition(reg, c); err == nil {
		t.Fatal("dx with a non-empty value must be rejected")
	}
}

func TestValidateConditionRejectsNonIntegerValue(t *testing.T) {
	reg, _ := registryWithZHALightSensor()
	c := Condition{Address: "/sensors/1/state/illuminance", Operator: "eq", Value: "not-a-number"}
	if err := ValidateCondition(reg, c); err == nil {
		t.Fatal("non-integer value for an int bucket must be rejected")
	}
}

func TestValidateConditionUnknownAddress(t *testing.T) {
	reg, _ := registryWithZHALightSensor()
	c := Condition{Address: "/sensors/999/state/illuminance", Operator: "eq", Value: "5"}
	if err := ValidateCondition(reg, c); err == nil {
		t.Fatal("condition on a nonexistent sensor must be rejected")
	}
}

func TestValidateActionRejectsUnknownNamespace(t *testing.T) {
	a := Action{Address: "/outlets/1", Method: "PUT"}
	if err := ValidateAction(a); err == nil {
		t.Fatal("/outlets is not a valid resource namespace")
	}
}

func TestValidateRuleTooManyConditions(t *testing.T) {
	reg, _ := registryWithZHALightSensor()
	conds := make([]Condition, 9)
	for i := range conds {
		conds[i] = Condition{Address: "/sensors/1/state/illuminance", Operator: "dx"}
	}
	actions := []Action{{Address: "/groups/1", Method: "PUT", Body: map[string]interface{}{"on": true}}}
	if err := ValidateRule(reg, "too many", Enabled, conds, actions); err == nil {
		t.Fatal("9 conditions must be rejected with ERR_TOO_MANY_ITEMS")
	} else if apiErr, ok := err.(*APIError); !ok || apiErr.Type != ErrTooManyItems {
		t.Fatalf("expected ErrTooManyItems, got %v", err)
	}
}

func TestValidateRuleDuplicateActionAddress(t *testing.T) {
	reg, _ := registryWithZHALightSensor()
	conds := []Condition{{Address: "/sensors/1/state/illuminance", Operator: "dx"}}
	actions := []Action{
		{Address: "/groups/1", Method: "PUT", Body: map[string]interface{}{"on": true}},
		{Address: "/groups/1", Method: "PUT", Body: map[string]interface{}{"on": false}},
	}
	if err := ValidateRule(reg, "dup", Enabled, conds, actions); err == nil {
		t.Fatal("duplicate action address must be rejected")
	}
}

// --- Create / dedup / replace ---

func TestCreateReplacesDuplicateKeepingID(t *testing.T) {
	e, reg, _, _, _ := newTestEngine(nil)
	registerZHALightSensor(reg)
	conds := []Condition{{Address: "/sensors/1/state/illuminance", Operator: "lt", Value: "200"}}
	actions := []Action{{Address: "/groups/0", Method: "PUT", Body: map[string]interface{}{"on": true}}}

	now := time.Now()
	r1, err := e.Create("api1", "first", Enabled, 30000, conds, actions, now)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	sizeBefore := len(e.List())

	r2, err := e.Create("api1", "second", Enabled, 30000, conds, actions, now)
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if r2.ID != r1.ID {
		t.Fatalf("duplicate rule should keep the existing id: got %s want %s", r2.ID, r1.ID)
	}
	if len(e.List()) != sizeBefore {
		t.Fatalf("duplicate create should not grow the rule set: got %d want %d", len(e.List()), sizeBefore)
	}
}

func TestCreateEnforcesMaxRulesCount(t *testing.T) {
	e, reg, _, _, _ := newTestEngine(nil)
	registerZHALightSensor(reg)
	now := time.Now()
	for i := 0; i < MaxRulesCount; i++ {
		actions := []Action{{Address: "/groups/0", Method: "PUT", Body: map[string]interface{}{"id": i}}}
		conds := []Condition{{Address: "/sensors/1/state/illuminance", Operator: "dx"}}
		if _, err := e.Create("api1", "r", Enabled, 0, conds, actions, now); err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
	}
	actions := []Action{{Address: "/groups/0", Method: "PUT", Body: map[string]interface{}{"id": "overflow"}}}
	conds := []Condition{{Address: "/sensors/1/state/illuminance", Operator: "dx"}}
	if _, err := e.Create("api1", "overflow", Enabled, 0, conds, actions, now); err == nil {
		t.Fatal("the 501st distinct rule should be rejected")
	}
}

func TestDeleteThenGetIsNotFound(t *testing.T) {
	e, reg, _, _, _ := newTestEngine(nil)
	registerZHALightSensor(reg)
	conds := []Condition{{Address: "/sensors/1/state/illuminance", Operator: "dx"}}
	actions := []Action{{Address: "/groups/0", Method: "PUT", Body: map[string]interface{}{"on": true}}}
	r, _ := e.Create("api1", "r", Enabled, 0, conds, actions, time.Now())

	if err := e.Delete(r.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := e.Get(r.ID); err == nil {
		t.Fatal("a deleted rule must read as not-found")
	}
}

func TestUpdateNoChangeLeavesEtag(t *testing.T) {
	e, reg, _, _, _ := newTestEngine(nil)
	registerZHALightSensor(reg)
	conds := []Condition{{Address: "/sensors/1/state/illuminance", Operator: "dx"}}
	actions := []Action{{Address: "/groups/0", Method: "PUT", Body: map[string]interface{}{"on": true}}}
	r, _ := e.Create("api1", "r", Enabled, 0, conds, actions, time.Now())
	oldEtag := r.Etag

	name := r.Name
	updated, err := e.Update(r.ID, UpdateFields{Name: &name}, time.Now())
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Etag != oldEtag {
		t.Fatal("a no-op update must leave the etag unchanged")
	}
}

// --- Illuminance threshold ---

func TestTriggerCheckFiresOnFreshLuxBelowThreshold(t *testing.T) {
	var replayed []string
	replay := func(apikey, method, path string, body map[string]interface{}) bool {
		replayed = append(replayed, method+" "+path)
		return false
	}
	e, reg, _, cch, _ := newTestEngine(replay)
	registerZHALightSensor(reg)

	k := cache.Key{ExtAddr: 1, Cluster: 0x0400, Attribute: 0}
	now := time.Now()
	cch.SetByReport(k, cache.Value{U32: 150}, now)

	conds := []Condition{{Address: "/sensors/1/state/illuminance", Operator: "lt", Value: "200"}}
	actions := []Action{{Address: "/groups/1", Method: "PUT", Body: map[string]interface{}{"on": true}}}
	r, err := e.Create("api1", "illum", Enabled, 30000, conds, actions, now)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	e.TriggerCheck(r, now, true)

	if len(replayed) != 1 || replayed[0] != "PUT /groups/1" {
		t.Fatalf("expected one PUT replay to /groups/1, got %v", replayed)
	}
	if r.TimesTriggered != 1 {
		t.Fatalf("times_triggered should be 1, got %d", r.TimesTriggered)
	}
}

func TestTriggerCheckOnStaleLuxEnqueuesReadInstead(t *testing.T) {
	e, reg, pipe, cch, _ := newTestEngine(nil)
	registerZHALightSensor(reg)

	k := cache.Key{ExtAddr: 1, Cluster: 0x0400, Attribute: 0}
	stale := time.Now().Add(-60 * time.Second)
	cch.SetByReport(k, cache.Value{U32: 150}, stale)

	conds := []Condition{{Address: "/sensors/1/state/illuminance", Operator: "lt", Value: "200"}}
	actions := []Action{{Address: "/groups/1", Method: "PUT", Body: map[string]interface{}{"on": true}}}
	r, err := e.Create("api1", "illum", Enabled, 30000, conds, actions, stale)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	now := time.Now()
	e.TriggerCheck(r, now, true)

	if r.TimesTriggered != 0 {
		t.Fatal("a stale reading must not trigger the rule")
	}
	if pipe.TasksLen() != 1 {
		t.Fatalf("expected one read-attribute task enqueued, got %d", pipe.TasksLen())
	}
}

// --- Binding install ---

func TestBindingVerificationInstallsBindAndUnbindOnDelete(t *testing.T) {
	e, reg, pipe, _, _ := newTestEngine(nil)
	reg.SetActiveEndpoints(12, []uint8{2})
	sensor := reg.AdmitSensor(12, registry.Fingerprint{Endpoint: 2, InClusters: []uint16{0x0007}})
	if sensor == nil {
		t.Fatal("sensor admission failed")
	}
	light := reg.AdmitLight(8, registry.SimpleDescriptor{Endpoint: 1, ProfileID: 0x0104, DeviceID: 0x0101}).Light

	conds := []Condition{{Address: "/sensors/" + sensor.ID + "/state/buttonevent", Operator: "eq", Value: "2"}}
	actions := []Action{{Address: "/lights/" + light.ID + "/state", Method: "BIND", Body: map[string]interface{}{"bri": 128}}}
	r, err := e.Create("api1", "bind", Enabled, 0, conds, actions, time.Now())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	e.BindingVerification(r, time.Now())
	if pipe.BindingQueueLen() != 1 {
		t.Fatalf("expected one queued binding task, got %d", pipe.BindingQueueLen())
	}
	bt := pipe.BindingQueue()[0]
	if bt.Action != pipeline.BindBind || bt.Cluster != pipeline.ClusterLevel {
		t.Fatalf("expected a Bind/Level binding task, got %+v", bt)
	}
	if bt.SrcExtAddr != 12 || bt.SrcEndpoint != 2 || bt.DstExtAddr != light.ExtAddr || bt.DstEndpoint != light.Endpoint {
		t.Fatalf("binding task endpoints mismatch: %+v", bt)
	}

	if err := e.Delete(r.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	found := false
	for _, b := range pipe.BindingQueue() {
		if b.Action == pipeline.BindUnbind && b.Cluster == pipeline.ClusterLevel {
			found = true
		}
	}
	if !found {
		t.Fatal("deleting the rule should queue an Unbind binding task")
	}
}

// --- Button-to-scene ---

func TestReactiveButtonRecallsScene(t *testing.T) {
	e, reg, pipe, _, drv := newTestEngine(nil)
	sensor := reg.AdmitGreenPowerSwitch(0xAABBCCDD, 0x02)
	if sensor == nil {
		t.Fatal("green-power sensor admission failed")
	}
	light := reg.AdmitLight(100, registry.SimpleDescriptor{Endpoint: 1, ProfileID: 0x0104, DeviceID: 0x0101}).Light
	group := reg.EnsureGroup(3)
	group.Scenes = append(group.Scenes, &registry.Scene{
		ID:           10,
		GroupAddress: 3,
		Lights:       []*registry.LightState{{LID: light.ID, On: true, Bri: 200}},
	})

	conds := []Condition{{Address: "/sensors/" + sensor.ID + "/state/buttonevent", Operator: "eq", Value: "16"}}
	actions := []Action{{Address: "/groups/" + group.ID + "/scenes/10", Method: "PUT", Body: map[string]interface{}{}}}
	r, err := e.Create("api1", "button-scene", Enabled, 0, conds, actions, time.Now())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	e.HandleGreenPowerButton(sensor.ID, 16, time.Now())

	if r.TimesTriggered != 1 {
		t.Fatalf("times_triggered should be 1, got %d", r.TimesTriggered)
	}
	if pipe.TasksLen() != 1 {
		t.Fatalf("expected a scene-recall task enqueued, got %d tasks", pipe.TasksLen())
	}
	if !light.On || light.Level != 200 {
		t.Fatalf("scene recall should reconcile the light's stored state: on=%v level=%d", light.On, light.Level)
	}

	ctx := context.Background()
	pipe.DispatchTick(ctx, time.Now())
	sent := drv.Sent()
	if len(sent) != 1 || sent[0].DstGroup != group.Address {
		t.Fatalf("expected the recall sent to group %d, got %+v", group.Address, sent)
	}
}

func TestReactiveButtonIgnoresUnrelatedSensor(t *testing.T) {
	e, reg, _, _, _ := newTestEngine(nil)
	sensor := reg.AdmitGreenPowerSwitch(0x11223344, 0x02)
	other := reg.AdmitGreenPowerSwitch(0x55667788, 0x02)
	group := reg.EnsureGroup(3)
	group.Scenes = append(group.Scenes, &registry.Scene{ID: 10, GroupAddress: 3})

	conds := []Condition{{Address: "/sensors/" + sensor.ID + "/state/buttonevent", Operator: "eq", Value: "16"}}
	actions := []Action{{Address: "/groups/" + group.ID + "/scenes/10", Method: "PUT", Body: map[string]interface{}{}}}
	r, err := e.Create("api1", "button-scene", Enabled, 0, conds, actions, time.Now())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	e.HandleGreenPowerButton(other.ID, 16, time.Now())
	if r.TimesTriggered != 0 {
		t.Fatal("a button event on an unrelated sensor must not trigger the rule")
	}
}

// --- helpers ---

func registryWithZHALightSensor() (*registry.Registry, *registry.Sensor) {
	reg := registry.New()
	s := registerZHALightSensor(reg)
	return reg, s
}

func registerZHALightSensor(reg *registry.Registry) *registry.Sensor {
	return reg.AdmitSensor(1, registry.Fingerprint{Endpoint: 1, InClusters: []uint16{0x0400}})
}
