package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentciv/agentciv/pkg/civ"
	"github.com/agentciv/agentciv/pkg/store"
)

func testState(id, name string) *civ.State {
	return &civ.State{
		ID:        id,
		Name:      name,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		AgentStates: []civ.AgentState{
			{ID: "a1", Name: "Prime", Role: "founder", Memory: civ.NewMemory()},
		},
		Alliances:     map[string]*civ.Alliance{},
		CreationGraph: map[string][]string{},
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	state := testState("civ-1", "alpha")
	state.AgentStates[0].Memory.SetKnowledge("k", "v")
	require.NoError(t, fs.Save(state))

	loaded, err := fs.Load("civ-1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", loaded.Name)
	require.Len(t, loaded.AgentStates, 1)
	assert.Equal(t, "Prime", loaded.AgentStates[0].Name)
	assert.Equal(t, "v", loaded.AgentStates[0].Memory.Knowledge["k"])
}

func TestLoadMissing(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Load("nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestIndexUpsert(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fs.Save(testState("civ-1", "alpha")))
	require.NoError(t, fs.Save(testState("civ-2", "beta")))

	// Saving again must update, not duplicate.
	updated := testState("civ-1", "alpha-renamed")
	require.NoError(t, fs.Save(updated))

	entries, err := fs.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byID := map[string]store.IndexEntry{}
	for _, e := range entries {
		byID[e.ID] = e
	}
	assert.Equal(t, "alpha-renamed", byID["civ-1"].Name)
	assert.Equal(t, 1, byID["civ-1"].AgentCount)
}

func TestListOrdersByUpdatedAt(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fs.Save(testState("old", "old")))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, fs.Save(testState("new", "new")))

	entries, err := fs.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "new", entries[0].ID)
}

func TestDelete(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fs.Save(testState("civ-1", "alpha")))
	require.NoError(t, fs.Delete("civ-1"))

	_, err = fs.Load("civ-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	entries, err := fs.List()
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.ErrorIs(t, fs.Delete("civ-1"), store.ErrNotFound)
}
