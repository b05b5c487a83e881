package registry

import "github.com/edgeflow/meshgate/internal/etag"

// clamp255 clamps to [0, 255]; a light's group capacity and count
// must stay within that range.
func clamp255(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// ApplyGroupMembership processes a Groups.GetGroupMembership.Response
// (ZCL cluster 0x0004, command 0x02) for one light, reconciling the
// cached membership view against what the device reports.
func (r *Registry) ApplyGroupMembership(lightID string, capacity, count uint8, reportedGroups []uint16) {
	l, ok := r.LightByID(lightID)
	if !ok {
		return
	}
	l.GroupCapacity = capacity
	l.GroupCount = count

	reported := make(map[uint16]bool, len(reportedGroups))
	for _, addr := range reportedGroups {
		reported[addr] = true
		r.EnsureGroup(addr)
		m := l.membership(addr)
		m.State = GroupStateInGroup
		m.Action = GroupActionNone
	}

	// For groups the light was already a member of but the response
	// omits, flip according to the group's authorship.
	for addr, m := range l.GroupMembership {
		if reported[addr] || m.State != GroupStateInGroup {
			continue
		}
		g, ok := r.GroupByAddress(addr)
		if !ok {
			continue
		}
		if len(g.DeviceMemberships) == 0 {
			m.Action = GroupActionAdd // user-created group: force rejoin
		} else {
			m.State = GroupStateNotInGroup
			m.Action = GroupActionNone // switch removed it; accept the drift
		}
	}

	l.Etag = etag.New()
}

// JoinGroup applies a confirmed AddGroup: count += 1, capacity -= 1 per
// endpoint occupied, clamped to [0,255].
func (r *Registry) JoinGroup(lightID string, addr uint16) {
	l, ok := r.LightByID(lightID)
	if !ok {
		return
	}
	r.EnsureGroup(addr)
	l.GroupCount = clamp255(int(l.GroupCount) + 1)
	l.GroupCapacity = clamp255(int(l.GroupCapacity) - 1)
	m := l.membership(addr)
	m.State = GroupStateInGroup
	m.Action = GroupActionNone
	l.Etag = etag.New()
}

// LeaveGroup applies a confirmed RemoveGroup: count -= 1, capacity += 1
// per endpoint occupied, clamped to [0,255].
func (r *Registry) LeaveGroup(lightID string, addr uint16) {
	l, ok := r.LightByID(lightID)
	if !ok {
		return
	}
	l.GroupCount = clamp255(int(l.GroupCount) - 1)
	l.GroupCapacity = clamp255(int(l.GroupCapacity) + 1)
	if m, ok := l.GroupMembership[addr]; ok {
		m.State = GroupStateNotInGroup
		m.Action = GroupActionNone
	}
	l.Etag = etag.New()
}

// MarkGroupAuthored records that a sensor (switch) authored a group's
// membership — used by ApplyGroupMembership to tell user-created groups
// apart from switch-created ones.
func (r *Registry) MarkGroupAuthored(addr uint16, sensorID string) {
	g := r.EnsureGroup(addr)
	g.DeviceMemberships[sensorID] = true
}
