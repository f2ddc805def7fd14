package toolify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentciv/agentciv/pkg/tool"
)

func TestExtractSkeletonIgnoresLiterals(t *testing.T) {
	a := ExtractSkeleton(`df = load("a.csv")` + "\n" + `print(df.head(5))`)
	b := ExtractSkeleton(`df = load("b.csv")` + "\n" + `print(df.head(10))`)
	assert.Equal(t, a, b)

	c := ExtractSkeleton("x = 5")
	d := ExtractSkeleton("x = 123.45")
	assert.Equal(t, c, d)

	e := ExtractSkeleton("name = 'alice'")
	f := ExtractSkeleton("name = 'bob'")
	assert.Equal(t, e, f)
}

func TestExtractSkeletonDistinguishesStructure(t *testing.T) {
	a := ExtractSkeleton(`load("a.csv")`)
	b := ExtractSkeleton(`save("a.csv")`)
	assert.NotEqual(t, a, b)
}

func execSandbox(t *testing.T, r *tool.Registry, agentID, code string) {
	t.Helper()
	_, err := r.Execute(context.Background(), "sandbox",
		map[string]any{"action": "exec_python", "code": code}, agentID)
	require.NoError(t, err)
}

func newLoggedRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry(nil)
	ok := tool.HandlerFunc(func(ctx context.Context, agentID string, input map[string]any) (string, error) {
		return "ok", nil
	})
	for _, name := range []string{"sandbox", "query_civilization", "evolve"} {
		def := &tool.Definition{Name: name, InputSchema: map[string]any{"type": "object"}}
		require.NoError(t, r.RegisterBuiltin(def, ok))
	}
	return r
}

func TestDetectCodePatterns(t *testing.T) {
	r := newLoggedRegistry(t)
	e := NewEngine(r, 3)

	execSandbox(t, r, "a1", `df = load("one.csv")`)
	execSandbox(t, r, "a1", `df = load("two.csv")`)
	execSandbox(t, r, "a1", `df = load("three.csv")`)
	// Different structure, below threshold on its own.
	execSandbox(t, r, "a1", `print(1)`)

	candidates := e.Analyze("a1", "Prime")
	require.NotEmpty(t, candidates)
	found := false
	for _, c := range candidates {
		if c.Skeleton != "" {
			found = true
			assert.Equal(t, 3, c.Frequency)
			assert.NotEmpty(t, c.ExampleInvocations)
			assert.Contains(t, c.SuggestedName, "prime")
		}
	}
	assert.True(t, found, "expected a code pattern candidate")
}

func TestDetectCodePatternsBelowThreshold(t *testing.T) {
	r := newLoggedRegistry(t)
	e := NewEngine(r, 3)

	execSandbox(t, r, "a1", `df = load("one.csv")`)
	execSandbox(t, r, "a1", `df = load("two.csv")`)

	assert.Empty(t, e.Analyze("a1", "Prime"))
}

func TestDetectCodePatternsIgnoresOtherAgents(t *testing.T) {
	r := newLoggedRegistry(t)
	e := NewEngine(r, 3)

	execSandbox(t, r, "other", `df = load("one.csv")`)
	execSandbox(t, r, "other", `df = load("two.csv")`)
	execSandbox(t, r, "other", `df = load("three.csv")`)

	assert.Empty(t, e.Analyze("a1", "Prime"))
}

func TestDetectSequencePatterns(t *testing.T) {
	r := newLoggedRegistry(t)
	e := NewEngine(r, 2)

	run := func(name string) {
		_, err := r.Execute(context.Background(), name, map[string]any{}, "a1")
		require.NoError(t, err)
	}
	// The pair query_civilization -> evolve appears three times; the
	// self-repeat evolve -> evolve must not count.
	for i := 0; i < 3; i++ {
		run("query_civilization")
		run("evolve")
	}
	run("evolve")

	candidates := e.Analyze("a1", "Prime")
	require.NotEmpty(t, candidates)

	var seq *Candidate
	for i := range candidates {
		if candidates[i].SuggestedName == "workflow_query_civilization_then_evolve" {
			seq = &candidates[i]
		}
		assert.NotEqual(t, "workflow_evolve_then_evolve", candidates[i].SuggestedName)
	}
	require.NotNil(t, seq)
	assert.GreaterOrEqual(t, seq.Frequency, 2)
}

type scriptedAgent struct {
	received string
	reply    string
}

func (a *scriptedAgent) Process(ctx context.Context, message string) (string, error) {
	a.received = message
	return a.reply, nil
}

func TestProposeSendsPatternToAgent(t *testing.T) {
	e := NewEngine(tool.NewRegistry(nil), 3)
	agent := &scriptedAgent{reply: "I'll create it."}

	resp, err := e.Propose(context.Background(), agent, Candidate{
		PatternDescription: "Repeated code pattern detected (3 occurrences)",
		SuggestedName:      "auto_prime_tool_0",
	})
	require.NoError(t, err)
	assert.Equal(t, "I'll create it.", resp)
	assert.Contains(t, agent.received, "auto_prime_tool_0")
	assert.Contains(t, agent.received, "create_tool")
}
