package registry

import "fmt"

// ApplySceneMembership processes a Scenes.GetSceneMembership.Response
// (ZCL cluster 0x0005, command 0x06) for one light. Each
// reported scene id is ensured present on the group with a default
// "Scene N" name, and the light is flagged to fetch per-scene details.
func (r *Registry) ApplySceneMembership(lightID string, groupAddr uint16, capacity, count uint8, reportedScenes []uint8) {
	l, ok := r.LightByID(lightID)
	if !ok {
		return
	}
	g := r.EnsureGroup(groupAddr)
	l.SceneCapacity = capacity
	if l.SceneCount == nil {
		l.SceneCount = make(map[uint16]uint8)
	}
	l.SceneCount[groupAddr] = count

	present := make(map[uint8]bool, len(reportedScenes))
	for _, id := range reportedScenes {
		present[id] = true
		if sceneByID(g, id) == nil {
			g.Scenes = append(g.Scenes, &Scene{
				ID:           id,
				GroupAddress: groupAddr,
				Name:         fmt.Sprintf("Scene %d", id),
			})
		}
		m := l.membership(groupAddr)
		if m.PendingScenes == nil {
			m.PendingScenes = make(map[uint8]bool)
		}
		m.PendingScenes[id] = true // READ_SCENE_DETAILS pending
	}

	// Deferred scene deletion: a scene the group has marked deleted but
	// which the light still reports is queued for removal from that
	// light rather than deleted immediately.
	for _, sc := range g.Scenes {
		if sc.deleted && present[sc.ID] {
			m := l.membership(groupAddr)
			m.RemoveScenes = append(m.RemoveScenes, sc.ID)
		}
	}
}

func sceneByID(g *Group, id uint8) *Scene {
	for _, sc := range g.Scenes {
		if sc.ID == id {
			return sc
		}
	}
	return nil
}

// ApplySceneDetails folds a ViewScene response into the scene's stored
// light-state snapshot for the reporting light, and clears that light's
// pending details flag — each reported scene id marks a details read
// pending, and this is that read completing.
func (r *Registry) ApplySceneDetails(lightID string, groupAddr uint16, sceneID uint8, st LightState) {
	l, ok := r.LightByID(lightID)
	if !ok {
		return
	}
	g, ok := r.GroupByAddress(groupAddr)
	if !ok {
		return
	}
	sc := sceneByID(g, sceneID)
	if sc == nil {
		return
	}

	st.LID = lightID
	replaced := false
	for i, ls := range sc.Lights {
		if ls.LID == lightID {
			sc.Lights[i] = &st
			replaced = true
			break
		}
	}
	if !replaced {
		sc.Lights = append(sc.Lights, &st)
	}

	if m, ok := l.GroupMembership[groupAddr]; ok && m.PendingScenes != nil {
		delete(m.PendingScenes, sceneID)
	}
}

// ClearRemoveScene drops a confirmed scene removal from the light's
// pending remove list and decrements its per-group scene count.
func (r *Registry) ClearRemoveScene(lightID string, groupAddr uint16, sceneID uint8) {
	l, ok := r.LightByID(lightID)
	if !ok {
		return
	}
	if l.SceneCount != nil && l.SceneCount[groupAddr] > 0 {
		l.SceneCount[groupAddr]--
	}
	m, ok := l.GroupMembership[groupAddr]
	if !ok {
		return
	}
	for i, id := range m.RemoveScenes {
		if id == sceneID {
			m.RemoveScenes = append(m.RemoveScenes[:i], m.RemoveScenes[i+1:]...)
			return
		}
	}
}

// DeleteScene marks a scene deleted on the group without evicting the
// in-memory row, mirroring every other entity's Deleted-state lifecycle.
func (r *Registry) DeleteScene(groupAddr uint16, sceneID uint8) {
	g, ok := r.GroupByAddress(groupAddr)
	if !ok {
		return
	}
	if sc := sceneByID(g, sceneID); sc != nil {
		sc.deleted = true
	}
}
