package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sharedDef(name, owner string) *Definition {
	return &Definition{
		Name:             name,
		Description:      "test tool " + name,
		InputSchema:      map[string]any{"type": "object"},
		Scope:            ScopeShared,
		CreatedByAgentID: owner,
	}
}

func echoHandler(out string, err error) HandlerFunc {
	return func(ctx context.Context, agentID string, input map[string]any) (string, error) {
		return out, err
	}
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(sharedDef("summarize", "a1")))

	err := r.Register(sharedDef("summarize", "a2"))
	require.ErrorIs(t, err, ErrConflict)
}

func TestRegisterRejectsInvalidName(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register(sharedDef("bad name!", "a1"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConflict)
}

func TestBuiltinIsImmutable(t *testing.T) {
	r := NewRegistry(nil)
	def := &Definition{Name: "sandbox", Description: "builtin", InputSchema: map[string]any{"type": "object"}}
	require.NoError(t, r.RegisterBuiltin(def, echoHandler("ok", nil)))

	newDesc := "changed"
	_, err := r.Update(def.ID, Update{Description: &newDesc}, "a1")
	require.ErrorIs(t, err, ErrPermission)

	_, err = r.Delete(def.ID, "a1")
	require.ErrorIs(t, err, ErrPermission)
}

func TestPrivateToolOwnerOnly(t *testing.T) {
	r := NewRegistry(nil)
	def := sharedDef("secret", "owner")
	def.Scope = ScopePrivate
	require.NoError(t, r.Register(def))

	newDesc := "changed"
	_, err := r.Update(def.ID, Update{Description: &newDesc}, "intruder")
	require.ErrorIs(t, err, ErrPermission)

	updated, err := r.Update(def.ID, Update{Description: &newDesc}, "owner")
	require.NoError(t, err)
	assert.Equal(t, "changed", updated.Description)
}

func TestSharedToolEditableByAnyone(t *testing.T) {
	r := NewRegistry(nil)
	def := sharedDef("communal", "owner")
	require.NoError(t, r.Register(def))

	newDesc := "edited by someone else"
	updated, err := r.Update(def.ID, Update{Description: &newDesc}, "other-agent")
	require.NoError(t, err)
	assert.Equal(t, newDesc, updated.Description)
}

func TestUpdateIncrementsVersionOnce(t *testing.T) {
	r := NewRegistry(nil)
	def := sharedDef("versioned", "a1")
	require.NoError(t, r.Register(def))
	assert.Equal(t, 1, def.Version)

	newName := "renamed"
	newDesc := "new description"
	updated, err := r.Update(def.ID, Update{Name: &newName, Description: &newDesc}, "a1")
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	// Rename moved the name index.
	_, ok := r.GetByName("versioned")
	assert.False(t, ok)
	got, ok := r.GetByName("renamed")
	require.True(t, ok)
	assert.Equal(t, def.ID, got.ID)
}

func TestUpdateClearingSourceUnbindsHandler(t *testing.T) {
	r := NewRegistry(nil)
	def := sharedDef("scripted", "a1")
	def.SourceCode = "print(1)"
	require.NoError(t, r.Register(def))

	empty := ""
	_, err := r.Update(def.ID, Update{SourceCode: &empty}, "a1")
	require.NoError(t, err)

	// The stale sandbox handler must not survive the cleared source.
	_, err = r.Execute(context.Background(), "scripted", nil, "a1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRejectsNameCollision(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(sharedDef("first", "a1")))
	second := sharedDef("second", "a1")
	require.NoError(t, r.Register(second))

	taken := "first"
	_, err := r.Update(second.ID, Update{Name: &taken}, "a1")
	require.ErrorIs(t, err, ErrConflict)
}

func TestDeleteRemovesTool(t *testing.T) {
	r := NewRegistry(nil)
	def := sharedDef("doomed", "a1")
	require.NoError(t, r.Register(def))

	name, err := r.Delete(def.ID, "a1")
	require.NoError(t, err)
	assert.Equal(t, "doomed", name)

	_, ok := r.Get(def.ID)
	assert.False(t, ok)
	_, err = r.Delete(def.ID, "a1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Execute(context.Background(), "ghost", nil, "a1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExecuteRecordsSuccessAndFailure(t *testing.T) {
	r := NewRegistry(nil)
	good := &Definition{Name: "good", InputSchema: map[string]any{"type": "object"}}
	require.NoError(t, r.RegisterBuiltin(good, echoHandler("done", nil)))
	bad := &Definition{Name: "bad", InputSchema: map[string]any{"type": "object"}}
	require.NoError(t, r.RegisterBuiltin(bad, echoHandler("", errors.New("boom"))))

	out, err := r.Execute(context.Background(), "good", map[string]any{"x": 1}, "a1")
	require.NoError(t, err)
	assert.Equal(t, "done", out)

	_, err = r.Execute(context.Background(), "bad", nil, "a1")
	require.Error(t, err)

	log := r.Log()
	require.Len(t, log, 2)
	assert.True(t, log[0].Success)
	assert.Equal(t, "done", log[0].Output)
	assert.False(t, log[1].Success)
	assert.Equal(t, "boom", log[1].Output)

	// Usage counts even for failed invocations.
	def, _ := r.GetByName("bad")
	assert.Equal(t, 1, def.UsageCount)
}

func TestSearch(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(sharedDef("csv_loader", "a1")))
	weather := sharedDef("forecast", "a1")
	weather.Description = "Fetch the weather forecast"
	require.NoError(t, r.Register(weather))

	assert.Len(t, r.Search("CSV"), 1)
	assert.Len(t, r.Search("weather"), 1)
	assert.Empty(t, r.Search("nothing"))
}

func TestListsByScope(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.RegisterBuiltin(&Definition{Name: "b1", InputSchema: map[string]any{}}, echoHandler("", nil)))
	require.NoError(t, r.Register(sharedDef("s1", "a1")))
	priv := sharedDef("p1", "a1")
	priv.Scope = ScopePrivate
	require.NoError(t, r.Register(priv))

	assert.Len(t, r.Builtins(), 1)
	assert.Len(t, r.Shared(), 1)
	assert.Len(t, r.All(), 3)
}
