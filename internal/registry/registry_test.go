package registry

import "testing"

func TestNextIDPicksSmallestUnused(t *testing.T) {
	cases := []struct {
		existing map[string]bool
		want     string
	}{
		{map[string]bool{}, "1"},
		{map[string]bool{"1": true, "2": true}, "3"},
		{map[string]bool{"1": true, "3": true}, "2"},
		{map[string]bool{"2": true, "3": true}, "1"},
	}
	for _, c := range cases {
		if got := NextID(c.existing); got != c.want {
			t.Errorf("NextID(%v) = %q, want %q", c.existing, got, c.want)
		}
	}
}

func TestAdmitLightWhitelist(t *testing.T) {
	r := New()
	// not in the whitelist: unknown (profile, device) pair
	if r.AdmitLight(1, SimpleDescriptor{Endpoint: 1, ProfileID: 0x9999, DeviceID: 0x1234}) != nil {
		t.Fatal("unwhitelisted descriptor should not admit a light")
	}
	a := r.AdmitLight(1, SimpleDescriptor{Endpoint: 1, ProfileID: profileHA, DeviceID: deviceDimmableLight})
	if a == nil || !a.Created || !a.NeedsPersist {
		t.Fatalf("expected a freshly created light, got %+v", a)
	}
	if a.Light.ID != "1" {
		t.Fatalf("first light should get id 1, got %s", a.Light.ID)
	}
	if a.Light.UniqueID != FormatUniqueID(1, 1) {
		t.Fatalf("unexpected unique id %s", a.Light.UniqueID)
	}

	// re-admitting the same endpoint refreshes rather than duplicates.
	b := r.AdmitLight(1, SimpleDescriptor{Endpoint: 1, ProfileID: profileHA, DeviceID: deviceDimmableLight})
	if b == nil || b.Created {
		t.Fatalf("re-admission should refresh, not create: %+v", b)
	}
	if len(r.Lights()) != 1 {
		t.Fatalf("expected exactly one light, got %d", len(r.Lights()))
	}
}

func TestZLLColorControllerRequiresColorAndLevel(t *testing.T) {
	r := New()
	// color cluster only, no level: must not admit (distinguishes the
	// vendor 4-key switch from an actual light).
	if r.AdmitLight(2, SimpleDescriptor{
		Endpoint: 1, ProfileID: profileZLL, DeviceID: deviceZLLColorController,
		InClusters: []uint16{clusterColorControl},
	}) != nil {
		t.Fatal("color-only ZLL color-controller descriptor should not admit")
	}
	a := r.AdmitLight(2, SimpleDescriptor{
		Endpoint: 1, ProfileID: profileZLL, DeviceID: deviceZLLColorController,
		InClusters: []uint16{clusterColorControl, clusterLevel},
	})
	if a == nil || !a.Created {
		t.Fatal("color+level ZLL color-controller descriptor should admit as a light")
	}
}

func TestGroupCapacityInvariantClamped(t *testing.T) {
	r := New()
	a := r.AdmitLight(3, SimpleDescriptor{Endpoint: 1, ProfileID: profileHA, DeviceID: deviceOnOffLight})
	l := a.Light
	l.GroupCapacity = 0
	l.GroupCount = 0

	// JoinGroup must not drive capacity below zero:
	// group_capacity + group_count stays within [0, 255].
	r.JoinGroup(l.ID, 10)
	if l.GroupCapacity != 0 {
		t.Fatalf("capacity should clamp at 0, got %d", l.GroupCapacity)
	}
	if l.GroupCount != 1 {
		t.Fatalf("count should increment to 1, got %d", l.GroupCount)
	}

	l.GroupCount = 255
	r.JoinGroup(l.ID, 11)
	if l.GroupCount != 255 {
		t.Fatalf("count should clamp at 255, got %d", l.GroupCount)
	}

	r.LeaveGroup(l.ID, 10)
	if l.GroupCount != 254 {
		t.Fatalf("leaving should decrement count, got %d", l.GroupCount)
	}
}

func TestApplyGroupMembershipDriftUserCreatedVsSwitchAuthored(t *testing.T) {
	r := New()
	a := r.AdmitLight(4, SimpleDescriptor{Endpoint: 1, ProfileID: profileHA, DeviceID: deviceOnOffLight})
	l := a.Light

	// Scenario: light believes it's in groups 5 (user-created) and 6
	// (switch-authored), but GetGroupMembership reports neither.
	r.ApplyGroupMembership(l.ID, 10, 2, []uint16{5, 6})
	if m := l.GroupMembership[5]; m == nil || m.State != GroupStateInGroup {
		t.Fatal("light should be recorded InGroup for 5 after initial report")
	}
	r.MarkGroupAuthored(6, "sensor-1")

	// Now a later membership response omits both.
	r.ApplyGroupMembership(l.ID, 10, 0, nil)

	mUser := l.GroupMembership[5]
	if mUser.Action != GroupActionAdd {
		t.Fatalf("user-created group drift should flip to Add, got %v", mUser.Action)
	}
	mSwitch := l.GroupMembership[6]
	if mSwitch.State != GroupStateNotInGroup {
		t.Fatalf("switch-authored group drift should flip to NotInGroup, got %v", mSwitch.State)
	}
}

func TestReachabilityGreenPowerAlwaysReachable(t *testing.T) {
	r := New()
	s := &Sensor{ID: "1", ExtAddr: 0xABCD, HasFingerprint: false}
	r.LoadSensor(s)
	r.SetNodeZombie(0xABCD, true)
	if !sensorReachable(s, r.node(0xABCD)) {
		t.Fatal("endpoint-less (green-power) sensors are always reachable")
	}
}

func TestReachabilityFollowsZombieAndActiveEndpoints(t *testing.T) {
	r := New()
	a := r.AdmitLight(5, SimpleDescriptor{Endpoint: 3, ProfileID: profileHA, DeviceID: deviceOnOffLight})
	l := a.Light

	r.SetActiveEndpoints(5, []uint8{3})
	if !l.Reachable {
		t.Fatal("light should be reachable once its endpoint is active and node is not a zombie")
	}

	r.SetNodeZombie(5, true)
	if l.Reachable {
		t.Fatal("a zombie node makes every hosted light unreachable")
	}

	r.SetNodeZombie(5, false)
	r.SetActiveEndpoints(5, []uint8{1}) // light's endpoint 3 no longer active
	if l.Reachable {
		t.Fatal("light should be unreachable once its endpoint drops out of the active set")
	}
}
