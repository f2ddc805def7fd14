package civ_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentciv/agentciv/pkg/civ"
	"github.com/agentciv/agentciv/pkg/config"
	"github.com/agentciv/agentciv/pkg/llm"
	"github.com/agentciv/agentciv/pkg/store"
	"github.com/agentciv/agentciv/pkg/tool"
)

func echoClient() *mockClient {
	return &mockClient{script: func(int, llm.Request) (*llm.Response, error) {
		return textResponse("ok"), nil
	}}
}

func TestNewCivilizationHasPrimaryAgent(t *testing.T) {
	c := newTestCiv(t, echoClient())

	require.NotEmpty(t, c.PrimaryAgentID())
	agents := c.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, 0, agents[0].Depth)
	assert.Empty(t, agents[0].CreatedBy)

	// All ten builtins are registered.
	assert.Len(t, c.Registry().Builtins(), 10)
}

func TestCreateAgentLineage(t *testing.T) {
	c := newTestCiv(t, echoClient())

	child, err := c.CreateAgent("Child", "helper", "You help.", c.PrimaryAgentID())
	require.NoError(t, err)
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, c.PrimaryAgentID(), child.CreatedBy)

	grandchild, err := c.CreateAgent("Grandchild", "helper", "You help.", child.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, grandchild.Depth)
}

func TestCreateAgentDepthLimit(t *testing.T) {
	cfg := config.Default()
	cfg.MaxAgentDepth = 1
	c, err := civ.New(&cfg, echoClient(), nil, nopStore{}, "testciv")
	require.NoError(t, err)

	child, err := c.CreateAgent("Child", "helper", "p", c.PrimaryAgentID())
	require.NoError(t, err)

	_, err = c.CreateAgent("TooDeep", "helper", "p", child.ID)
	require.ErrorIs(t, err, civ.ErrMaxDepth)
}

func TestCreateAgentPopulationLimit(t *testing.T) {
	cfg := config.Default()
	cfg.MaxAgents = 2
	c, err := civ.New(&cfg, echoClient(), nil, nopStore{}, "testciv")
	require.NoError(t, err)

	_, err = c.CreateAgent("Second", "helper", "p", c.PrimaryAgentID())
	require.NoError(t, err)

	_, err = c.CreateAgent("Third", "helper", "p", c.PrimaryAgentID())
	require.ErrorIs(t, err, civ.ErrMaxAgents)
}

func TestCreateAgentUnknownCreator(t *testing.T) {
	c := newTestCiv(t, echoClient())
	_, err := c.CreateAgent("Orphan", "helper", "p", "missing-id")
	require.ErrorIs(t, err, civ.ErrNotFound)
}

func TestCreateAlliance(t *testing.T) {
	c := newTestCiv(t, echoClient())
	bob, err := c.CreateAgent("Bob", "helper", "p", c.PrimaryAgentID())
	require.NoError(t, err)

	al, err := c.CreateAlliance("analysts", "crunch numbers", []string{bob.ID}, c.PrimaryAgentID())
	require.NoError(t, err)
	// The creator joins even when not listed.
	assert.ElementsMatch(t, []string{bob.ID, c.PrimaryAgentID()}, al.AgentIDs)
	assert.Len(t, c.Alliances(), 1)
}

func TestCreateAllianceUnknownMember(t *testing.T) {
	c := newTestCiv(t, echoClient())
	_, err := c.CreateAlliance("ghosts", "haunt", []string{"missing-id"}, c.PrimaryAgentID())
	require.ErrorIs(t, err, civ.ErrNotFound)
}

func TestAgentCreatedEvents(t *testing.T) {
	c := newTestCiv(t, echoClient())
	_, err := c.CreateAgent("Bob", "helper", "p", c.PrimaryAgentID())
	require.NoError(t, err)

	events := c.Events().RecentByType("agent_created", 10)
	// Primary agent plus Bob.
	require.Len(t, events, 2)
	assert.Equal(t, "Bob", events[1].Data["agent_name"])
}

func TestToolOwnershipTracked(t *testing.T) {
	c := newTestCiv(t, echoClient())

	_, err := c.Registry().Execute(context.Background(), "create_tool", map[string]any{
		"name":        "adder",
		"description": "adds numbers",
		"source_code": "print(params['a'] + params['b'])",
		"scope":       "private",
	}, c.PrimaryAgentID())
	require.NoError(t, err)

	def, ok := c.Registry().GetByName("adder")
	require.True(t, ok)

	prime := agentState(t, c, c.PrimaryAgentID())
	assert.Contains(t, prime.ToolIDs, def.ID)
	assert.Equal(t, 1, prime.TotalToolsCreated)

	_, err = c.Registry().Execute(context.Background(), "delete_tool",
		map[string]any{"tool_id": def.ID}, c.PrimaryAgentID())
	require.NoError(t, err)
	assert.Empty(t, agentState(t, c, c.PrimaryAgentID()).ToolIDs)
}

func TestQueryKnowledgeSearch(t *testing.T) {
	client := &mockClient{script: func(call int, req llm.Request) (*llm.Response, error) {
		switch call {
		case 1:
			return toolUseResponse("call-1", "evolve", map[string]any{
				"knowledge_key":   "fibonacci_impl",
				"knowledge_value": "iterative beats recursive here",
			}), nil
		default:
			return textResponse("noted"), nil
		}
	}}
	c := newTestCiv(t, client)

	_, err := c.Process(context.Background(), c.PrimaryAgentID(), "remember this")
	require.NoError(t, err)

	out, err := c.Registry().Execute(context.Background(), "query_civilization",
		map[string]any{"topic": "knowledge_search", "search": "fibonacci"}, c.PrimaryAgentID())
	require.NoError(t, err)
	assert.Contains(t, out, "Prime knows fibonacci_impl")

	out, err = c.Registry().Execute(context.Background(), "query_civilization",
		map[string]any{"topic": "knowledge_search", "search": "nonexistent"}, c.PrimaryAgentID())
	require.NoError(t, err)
	assert.Equal(t, "No matching knowledge found.", out)
}

func TestSaveAndResume(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	cfg := config.Default()
	c, err := civ.New(&cfg, echoClient(), nil, fs, "roundtrip")
	require.NoError(t, err)

	bob, err := c.CreateAgent("Bob", "analyst", "You analyze.", c.PrimaryAgentID())
	require.NoError(t, err)
	_, err = c.CreateAlliance("team", "work together", []string{bob.ID}, c.PrimaryAgentID())
	require.NoError(t, err)
	require.NoError(t, c.Registry().Register(&tool.Definition{
		Name:             "custom_sum",
		Description:      "adds numbers",
		InputSchema:      map[string]any{"type": "object"},
		Scope:            tool.ScopeShared,
		CreatedByAgentID: bob.ID,
		SourceCode:       "print(sum(params['values']))",
	}))

	require.NoError(t, c.Save())

	resumed, err := civ.Resume(&cfg, echoClient(), nil, fs, c.ID())
	require.NoError(t, err)

	assert.Equal(t, c.ID(), resumed.ID())
	assert.Equal(t, "roundtrip", resumed.Name())
	assert.Equal(t, c.PrimaryAgentID(), resumed.PrimaryAgentID())
	assert.Len(t, resumed.Agents(), 2)
	assert.Len(t, resumed.Alliances(), 1)

	def, ok := resumed.Registry().GetByName("custom_sum")
	require.True(t, ok)
	assert.Equal(t, tool.ScopeShared, def.Scope)
	assert.Equal(t, bob.ID, def.CreatedByAgentID)
	// Builtins are re-registered, not persisted.
	assert.Len(t, resumed.Registry().Builtins(), 10)

	// Delegation still works against restored agents.
	reply, err := resumed.Delegate(context.Background(), resumed.PrimaryAgentID(), "Bob", "hello")
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
}

func TestResumeUnknownID(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	cfg := config.Default()
	_, err = civ.Resume(&cfg, echoClient(), nil, fs, "no-such-id")
	require.ErrorIs(t, err, store.ErrNotFound)
}
