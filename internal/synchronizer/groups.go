package synchronizer

import (
	"encoding/binary"
	"sort"
	"strconv"
	"time"

	"github.com/edgeflow/meshgate/internal/pipeline"
	"github.com/edgeflow/meshgate/internal/registry"
)

// Group and Scene cluster command ids the synchronizer produces and
// consumes. All multi-byte fields are
// little-endian.
const (
	cmdAddGroup              = 0x00
	cmdGetGroupMembershipRsp = 0x02
	cmdRemoveGroup           = 0x03

	cmdAddSceneRsp           = 0x00
	cmdViewSceneRsp          = 0x01
	cmdRemoveScene           = 0x02
	cmdStoreSceneRsp         = 0x04
	cmdGetSceneMembershipRsp = 0x06
)

// GroupTaskTick is the ~250ms group task loop: walk lights
// round-robin and flush at most one pending group-membership
// change or scene removal per invocation, backing off when the ready
// queue is already carrying more than MaxGroupTasks.
func (s *Synchronizer) GroupTaskTick(now time.Time) {
	if !s.pipe.CanEnqueueGroupTask() {
		return
	}
	lights := s.reg.Lights()
	if len(lights) == 0 {
		return
	}
	for range lights {
		s.groupRR %= len(lights)
		l := lights[s.groupRR]
		s.groupRR++
		if s.flushGroupWork(l) {
			return
		}
	}
}

func (s *Synchronizer) flushGroupWork(l *registry.Light) bool {
	addrs := make([]uint16, 0, len(l.GroupMembership))
	for addr := range l.GroupMembership {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	for _, addr := range addrs {
		m := l.GroupMembership[addr]
		switch m.Action {
		case registry.GroupActionAdd:
			if s.enqueueGroupChange(l, addr, cmdAddGroup) {
				m.Action = registry.GroupActionNone
				return true
			}
		case registry.GroupActionRemove:
			if s.enqueueGroupChange(l, addr, cmdRemoveGroup) {
				m.Action = registry.GroupActionNone
				return true
			}
		}
	}

	for _, addr := range addrs {
		m := l.GroupMembership[addr]
		if len(m.RemoveScenes) == 0 {
			continue
		}
		sceneID := m.RemoveScenes[0]
		payload := []byte{cmdRemoveScene, byte(addr), byte(addr >> 8), sceneID}
		ok := s.pipe.Enqueue(&pipeline.Task{
			ID:      "scene-remove-" + l.ID + "-" + strconv.Itoa(int(sceneID)),
			Type:    pipeline.TaskSceneRemove,
			Dest:    pipeline.Destination{ExtAddr: l.ExtAddr, Endpoint: l.Endpoint},
			Cluster: ClusterScenes,
			Payload: payload,
		})
		if ok {
			return true
		}
	}
	return false
}

func (s *Synchronizer) enqueueGroupChange(l *registry.Light, addr uint16, cmd byte) bool {
	payload := []byte{cmd, byte(addr), byte(addr >> 8)}
	if cmd == cmdAddGroup {
		payload = append(payload, 0) // empty group name string
	}
	typ := pipeline.TaskAddToGroup
	if cmd == cmdRemoveGroup {
		typ = pipeline.TaskRemoveFromGroup
	}
	return s.pipe.Enqueue(&pipeline.Task{
		ID:      "group-change-" + l.ID + "-" + strconv.Itoa(int(addr)),
		Type:    typ,
		Dest:    pipeline.Destination{ExtAddr: l.ExtAddr, Endpoint: l.Endpoint},
		Cluster: ClusterGroups,
		Payload: payload,
	})
}

// handleGroupsIndication consumes Groups cluster command responses
//: membership reports feed reconciliation,
// add/remove confirmations move the capacity counters.
func (s *Synchronizer) handleGroupsIndication(l *registry.Light, lightOK bool, payload []byte) {
	if !lightOK || len(payload) < 1 {
		return
	}
	cmd := payload[0]
	body := payload[1:]

	switch cmd {
	case cmdGetGroupMembershipRsp:
		if len(body) < 2 {
			return
		}
		capacity, count := body[0], body[1]
		groups := make([]uint16, 0, count)
		for off := 2; off+2 <= len(body); off += 2 {
			groups = append(groups, binary.LittleEndian.Uint16(body[off:off+2]))
		}
		s.reg.ApplyGroupMembership(l.ID, capacity, count, groups)

	case cmdAddGroup:
		if len(body) < 3 || body[0] != 0 {
			return
		}
		s.reg.JoinGroup(l.ID, binary.LittleEndian.Uint16(body[1:3]))

	case cmdRemoveGroup:
		if len(body) < 3 || body[0] != 0 {
			return
		}
		s.reg.LeaveGroup(l.ID, binary.LittleEndian.Uint16(body[1:3]))
	}
}

// handleScenesIndication consumes Scenes cluster command responses:
// membership reports, store/remove/add confirmations, and per-scene
// view details.
func (s *Synchronizer) handleScenesIndication(l *registry.Light, lightOK bool, payload []byte) {
	if !lightOK || len(payload) < 1 {
		return
	}
	cmd := payload[0]
	body := payload[1:]

	switch cmd {
	case cmdGetSceneMembershipRsp:
		if len(body) < 5 || body[0] != 0 {
			return
		}
		capacity := body[1]
		group := binary.LittleEndian.Uint16(body[2:4])
		count := body[4]
		scenes := append([]uint8(nil), body[5:]...)
		s.reg.ApplySceneMembership(l.ID, group, capacity, count, scenes)

	case cmdRemoveScene:
		if len(body) < 4 || body[0] != 0 {
			return
		}
		group := binary.LittleEndian.Uint16(body[1:3])
		s.reg.ClearRemoveScene(l.ID, group, body[3])

	case cmdAddSceneRsp, cmdStoreSceneRsp:
		if len(body) < 4 || body[0] != 0 {
			return
		}
		group := binary.LittleEndian.Uint16(body[1:3])
		if l.SceneCount == nil {
			l.SceneCount = make(map[uint16]uint8)
		}
		l.SceneCount[group]++

	case cmdViewSceneRsp:
		s.handleViewSceneRsp(l, body)
	}
}

// handleViewSceneRsp decodes a ViewScene response: status, group (u16),
// scene (u8), transition time (u16, 1/10s units), then per-cluster
// extension records [cluster u16, len u8, data] carrying on (0x0006),
// level (0x0008), and x/y (0x0300).
func (s *Synchronizer) handleViewSceneRsp(l *registry.Light, body []byte) {
	if len(body) < 6 || body[0] != 0 {
		return
	}
	group := binary.LittleEndian.Uint16(body[1:3])
	sceneID := body[3]
	st := registry.LightState{
		TransitionTime: binary.LittleEndian.Uint16(body[4:6]),
	}

	off := 6
	for off+3 <= len(body) {
		cluster := binary.LittleEndian.Uint16(body[off : off+2])
		n := int(body[off+2])
		off += 3
		if off+n > len(body) {
			break
		}
		data := body[off : off+n]
		off += n
		switch cluster {
		case ClusterOnOff:
			if n >= 1 {
				st.On = data[0] != 0
			}
		case ClusterLevel:
			if n >= 1 {
				st.Bri = data[0]
			}
		case ClusterColorControl:
			if n >= 4 {
				st.X = binary.LittleEndian.Uint16(data[0:2])
				st.Y = binary.LittleEndian.Uint16(data[2:4])
			}
		}
	}

	s.reg.ApplySceneDetails(l.ID, group, sceneID, st)
}
