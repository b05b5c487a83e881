package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflow/meshgate/internal/registry"
	"github.com/edgeflow/meshgate/internal/rules"
)

func newTestFileStore(t *testing.T) Store {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestFileStore_LightRoundTrip(t *testing.T) {
	store := newTestFileStore(t)

	light := &registry.Light{ID: "light-1", ExtAddr: 99, Model: "LCT015"}
	require.NoError(t, store.SaveLight(light))

	got, err := store.GetLight("light-1")
	require.NoError(t, err)
	assert.Equal(t, "LCT015", got.Model)

	all, err := store.ListLights()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.DeleteLight("light-1"))
	_, err = store.GetLight("light-1")
	assert.Error(t, err)
}

func TestFileStore_GroupAndScene(t *testing.T) {
	store := newTestFileStore(t)

	g := &registry.Group{ID: "group-1", Address: 12}
	require.NoError(t, store.SaveGroup(g))

	sc1 := &registry.Scene{ID: 1, GroupAddress: 12, Name: "Relax"}
	sc2 := &registry.Scene{ID: 2, GroupAddress: 12, Name: "Concentrate"}
	otherGroup := &registry.Scene{ID: 1, GroupAddress: 120, Name: "Unrelated"}
	require.NoError(t, store.SaveScene(sc1))
	require.NoError(t, store.SaveScene(sc2))
	require.NoError(t, store.SaveScene(otherGroup))

	scenes, err := store.ListScenes(12)
	require.NoError(t, err)
	assert.Len(t, scenes, 2)

	scenesOther, err := store.ListScenes(120)
	require.NoError(t, err)
	assert.Len(t, scenesOther, 1)

	require.NoError(t, store.DeleteScene(12, 1))
	scenes, err = store.ListScenes(12)
	require.NoError(t, err)
	assert.Len(t, scenes, 1)
}

func TestFileStore_RuleRoundTrip(t *testing.T) {
	store := newTestFileStore(t)

	r := &rules.Rule{ID: "rule-1", Name: "dusk-on", Status: rules.Enabled}
	require.NoError(t, store.SaveRule(r))

	got, err := store.GetRule("rule-1")
	require.NoError(t, err)
	assert.Equal(t, "dusk-on", got.Name)

	require.NoError(t, store.DeleteRule("rule-1"))
	_, err = store.GetRule("rule-1")
	assert.Error(t, err)
}

func TestFileStore_GetNonExistentSensor(t *testing.T) {
	store := newTestFileStore(t)

	_, err := store.GetSensor("missing")
	assert.Error(t, err)
}

func TestFileStore_EmptyLists(t *testing.T) {
	store := newTestFileStore(t)

	lights, err := store.ListLights()
	require.NoError(t, err)
	assert.Empty(t, lights)
}
