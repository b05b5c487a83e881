package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// fileStore is the dependency-free backend: one subdirectory per
// entity type, one JSON file per entity — the fallback for boards
// without a database driver.
type fileStore struct {
	basePath string
	mu       sync.RWMutex
}

// NewFileStore creates the subdirectory layout under basePath if
// absent and returns a Store backed by it.
func NewFileStore(basePath string) (Store, error) {
	for _, sub := range []string{"lights", "sensors", "groups", "scenes", "rules"} {
		if err := os.MkdirAll(filepath.Join(basePath, sub), 0o755); err != nil {
			return nil, fmt.Errorf("storage: create %s directory: %w", sub, err)
		}
	}
	return &fileStore{basePath: basePath}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) path(kind, name string) string {
	return filepath.Join(s.basePath, kind, name+".json")
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("storage: write %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func listJSON(dir string, newItem func() interface{}, append func(interface{})) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("storage: read %s: %w", dir, err)
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		item := newItem()
		if err := readJSON(filepath.Join(dir, f.Name()), item); err != nil {
			continue
		}
		append(item)
	}
	return nil
}

// --- lights ---

func (s *fileStore) SaveLight(l *Light) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.path("lights", l.ID), l)
}

func (s *fileStore) GetLight(id string) (*Light, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var l Light
	if err := readJSON(s.path("lights", id), &l); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage: light not found: %s", id)
		}
		return nil, fmt.Errorf("storage: get light: %w", err)
	}
	return &l, nil
}

func (s *fileStore) ListLights() ([]*Light, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*Light{}
	err := listJSON(filepath.Join(s.basePath, "lights"),
		func() interface{} { return &Light{} },
		func(v interface{}) { out = append(out, v.(*Light)) })
	return out, err
}

func (s *fileStore) DeleteLight(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path("lights", id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete light: %w", err)
	}
	return nil
}

// --- sensors ---

func (s *fileStore) SaveSensor(sn *Sensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.path("sensors", sn.ID), sn)
}

func (s *fileStore) GetSensor(id string) (*Sensor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sn Sensor
	if err := readJSON(s.path("sensors", id), &sn); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage: sensor not found: %s", id)
		}
		return nil, fmt.Errorf("storage: get sensor: %w", err)
	}
	return &sn, nil
}

func (s *fileStore) ListSensors() ([]*Sensor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*Sensor{}
	err := listJSON(filepath.Join(s.basePath, "sensors"),
		func() interface{} { return &Sensor{} },
		func(v interface{}) { out = append(out, v.(*Sensor)) })
	return out, err
}

func (s *fileStore) DeleteSensor(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path("sensors", id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete sensor: %w", err)
	}
	return nil
}

// --- groups ---

func (s *fileStore) SaveGroup(g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.path("groups", g.ID), g)
}

func (s *fileStore) GetGroup(id string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var g Group
	if err := readJSON(s.path("groups", id), &g); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage: group not found: %s", id)
		}
		return nil, fmt.Errorf("storage: get group: %w", err)
	}
	return &g, nil
}

func (s *fileStore) ListGroups() ([]*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*Group{}
	err := listJSON(filepath.Join(s.basePath, "groups"),
		func() interface{} { return &Group{} },
		func(v interface{}) { out = append(out, v.(*Group)) })
	return out, err
}

func (s *fileStore) DeleteGroup(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path("groups", id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete group: %w", err)
	}
	return nil
}

// --- scenes ---

func sceneName(groupAddr uint16, id uint8) string {
	return fmt.Sprintf("%d-%d", groupAddr, id)
}

func (s *fileStore) SaveScene(sc *Scene) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.path("scenes", sceneName(sc.GroupAddress, sc.ID)), sc)
}

func (s *fileStore) GetScene(groupAddr uint16, id uint8) (*Scene, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sc Scene
	if err := readJSON(s.path("scenes", sceneName(groupAddr, id)), &sc); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage: scene not found: %d/%d", groupAddr, id)
		}
		return nil, fmt.Errorf("storage: get scene: %w", err)
	}
	return &sc, nil
}

func (s *fileStore) ListScenes(groupAddr uint16) ([]*Scene, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := fmt.Sprintf("%d-", groupAddr)
	out := []*Scene{}
	err := listJSON(filepath.Join(s.basePath, "scenes"),
		func() interface{} { return &Scene{} },
		func(v interface{}) { out = append(out, v.(*Scene)) })
	if err != nil {
		return nil, err
	}
	filtered := out[:0]
	for _, sc := range out {
		if strings.HasPrefix(sceneName(sc.GroupAddress, sc.ID), prefix) {
			filtered = append(filtered, sc)
		}
	}
	return filtered, nil
}

func (s *fileStore) DeleteScene(groupAddr uint16, id uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path("scenes", sceneName(groupAddr, id))); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete scene: %w", err)
	}
	return nil
}

// --- rules ---

func (s *fileStore) SaveRule(r *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.path("rules", r.ID), r)
}

func (s *fileStore) GetRule(id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var r Rule
	if err := readJSON(s.path("rules", id), &r); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage: rule not found: %s", id)
		}
		return nil, fmt.Errorf("storage: get rule: %w", err)
	}
	return &r, nil
}

func (s *fileStore) ListRules() ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*Rule{}
	err := listJSON(filepath.Join(s.basePath, "rules"),
		func() interface{} { return &Rule{} },
		func(v interface{}) { out = append(out, v.(*Rule)) })
	return out, err
}

func (s *fileStore) DeleteRule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path("rules", id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete rule: %w", err)
	}
	return nil
}
