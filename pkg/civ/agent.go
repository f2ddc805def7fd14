package civ

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentciv/agentciv/pkg/llm"
	"github.com/agentciv/agentciv/pkg/tool"
)

// Status is an agent's externally visible activity state.
type Status string

const (
	StatusIdle               Status = "idle"
	StatusThinking           Status = "thinking"
	StatusExecutingTool      Status = "executing_tool"
	StatusWaitingForSubagent Status = "waiting_for_subagent"
	StatusError              Status = "error"
)

// AgentState is the serializable identity and memory of one agent.
type AgentState struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Role             string    `json:"role"`
	SystemPromptBase string    `json:"system_prompt_base"`
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	// CreatedBy is empty for the primary agent.
	CreatedBy string  `json:"created_by,omitempty"`
	Depth     int     `json:"depth"`
	Memory    *Memory `json:"memory"`
	// ToolIDs lists the tools this agent created, in creation order.
	ToolIDs []string `json:"tool_ids,omitempty"`

	TotalAPICalls      int `json:"total_api_calls"`
	TotalTokensUsed    int `json:"total_tokens_used"`
	TotalToolsCreated  int `json:"total_tools_created"`
	TotalAgentsCreated int `json:"total_agents_created"`
}

// Agent pairs persistent state with runtime coordination. mu is the
// run lock: an agent handles one message at a time, and Memory is
// touched only by the goroutine holding it. Identity fields (ID, Name,
// Role, Depth, ...) are immutable after creation; statusMu guards the
// mutable status and counters so observers never need the run lock.
type Agent struct {
	mu    sync.Mutex
	state *AgentState

	statusMu sync.Mutex

	// delegationChain is the caller lineage for the currently running
	// task, used to refuse circular delegation. Written only while the
	// run lock is held, so a concurrent delegation cannot clobber the
	// lineage of an in-flight task.
	chainMu         sync.Mutex
	delegationChain []string
}

func newAgent(state *AgentState) *Agent {
	if state.Memory == nil {
		state.Memory = NewMemory()
	}
	if state.Status == "" {
		state.Status = StatusIdle
	}
	return &Agent{state: state}
}

// State returns a snapshot of the agent's serializable state. The
// Memory pointer is shared; callers must treat it as read-only.
func (a *Agent) State() AgentState {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	return *a.state
}

func (a *Agent) setStatus(s Status) {
	a.statusMu.Lock()
	a.state.Status = s
	a.statusMu.Unlock()
}

func (a *Agent) addUsage(apiCalls, tokens int) {
	a.statusMu.Lock()
	a.state.TotalAPICalls += apiCalls
	a.state.TotalTokensUsed += tokens
	a.statusMu.Unlock()
}

func (a *Agent) countToolCreated() {
	a.statusMu.Lock()
	a.state.TotalToolsCreated++
	a.statusMu.Unlock()
}

func (a *Agent) countAgentCreated() {
	a.statusMu.Lock()
	a.state.TotalAgentsCreated++
	a.statusMu.Unlock()
}

func (a *Agent) addToolID(id string) {
	a.statusMu.Lock()
	a.state.ToolIDs = append(a.state.ToolIDs, id)
	a.statusMu.Unlock()
}

func (a *Agent) removeToolID(id string) {
	a.statusMu.Lock()
	kept := make([]string, 0, len(a.state.ToolIDs))
	for _, t := range a.state.ToolIDs {
		if t != id {
			kept = append(kept, t)
		}
	}
	a.state.ToolIDs = kept
	a.statusMu.Unlock()
}

func (a *Agent) toolIDs() []string {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	out := make([]string, len(a.state.ToolIDs))
	copy(out, a.state.ToolIDs)
	return out
}

func (a *Agent) setChain(chain []string) {
	a.chainMu.Lock()
	a.delegationChain = chain
	a.chainMu.Unlock()
}

func (a *Agent) chain() []string {
	a.chainMu.Lock()
	defer a.chainMu.Unlock()
	out := make([]string, len(a.delegationChain))
	copy(out, a.delegationChain)
	return out
}

const maxResponsePreview = 200

// Process runs one agent's decision loop on an incoming message: call
// the model, execute any requested tools, feed results back, and repeat
// until the model stops requesting tools or the iteration cap is hit.
// Returns the agent's final text response.
func (c *Civilization) Process(ctx context.Context, agentID, message string) (string, error) {
	return c.process(ctx, agentID, message, nil)
}

// process is Process with a delegation lineage attached to the call.
// The chain is installed only after the run lock is acquired and
// cleared before it is released, so it always describes the task this
// agent is actually running.
func (c *Civilization) process(ctx context.Context, agentID, message string, chain []string) (string, error) {
	agent, err := c.agent(agentID)
	if err != nil {
		return "", err
	}

	agent.mu.Lock()
	defer agent.mu.Unlock()
	agent.setChain(chain)
	defer agent.setChain(nil)

	state := agent.state
	state.Memory.AddTurn(llm.Message{Role: llm.RoleUser, Content: []llm.Content{llm.TextBlock(message)}})

	var final string
	iterations := 0
	for i := 0; i < c.config.MaxLoopIterations; i++ {
		iterations = i + 1
		agent.setStatus(StatusThinking)

		// The prompt is rebuilt each iteration so tools created or
		// knowledge gained mid-task are visible immediately.
		req := llm.Request{
			System:    c.buildSystemPrompt(state),
			Messages:  state.Memory.Conversation,
			Tools:     c.availableTools(agentID),
			MaxTokens: c.config.MaxTokensPerTurn,
		}

		resp, err := c.llm.CreateMessage(ctx, req)
		if err != nil {
			agent.setStatus(StatusError)
			return "", fmt.Errorf("agent %s: %w", state.Name, err)
		}
		agent.addUsage(1, resp.Usage.InputTokens+resp.Usage.OutputTokens)

		state.Memory.AddTurn(llm.Message{Role: llm.RoleAssistant, Content: resp.Content})

		if resp.StopReason != llm.StopReasonToolUse {
			final = llm.JoinText(resp.Content)
			break
		}

		agent.setStatus(StatusExecutingTool)
		var results []llm.Content
		for _, call := range llm.ToolCalls(resp.Content) {
			results = append(results, c.executeToolCall(ctx, agent, call.ToolUse))
		}
		state.Memory.AddTurn(llm.Message{Role: llm.RoleUser, Content: results})

		if i == c.config.MaxLoopIterations-1 {
			final = llm.JoinText(resp.Content)
			slog.Warn("Agent hit iteration cap", "agent", state.Name, "iterations", c.config.MaxLoopIterations)
		}
	}

	agent.setStatus(StatusIdle)

	c.events.Emit("agent_responded", map[string]any{
		"agent_id":        state.ID,
		"agent_name":      state.Name,
		"message_preview": preview(final, maxResponsePreview),
		"iteration_count": iterations,
	})
	return final, nil
}

// executeToolCall dispatches one model-requested invocation through the
// registry. Failures come back as error-flagged tool results so the
// model can react; they never abort the loop.
func (c *Civilization) executeToolCall(ctx context.Context, agent *Agent, call *llm.ToolUseContent) llm.Content {
	state := agent.state
	slog.Debug("Executing tool", "agent", state.Name, "tool", call.Name)

	out, err := c.registry.Execute(ctx, call.Name, call.Input, state.ID)
	if err != nil {
		c.events.Emit("tool_failed", map[string]any{
			"agent_id": state.ID,
			"tool":     call.Name,
			"error":    err.Error(),
		})
		return llm.ToolResultBlock(call.ID, "Error: "+err.Error(), true)
	}

	c.events.Emit("tool_executed", map[string]any{
		"agent_id": state.ID,
		"tool":     call.Name,
	})
	return llm.ToolResultBlock(call.ID, out, false)
}

// buildSystemPrompt composes the agent's full system prompt: its base
// role framing plus the memory-derived context.
func (c *Civilization) buildSystemPrompt(state *AgentState) string {
	var b strings.Builder
	b.WriteString(state.SystemPromptBase)
	fmt.Fprintf(&b, "\n\nYou are %s, an agent in the %s civilization. Your role: %s.\n", state.Name, c.state.Name, state.Role)
	b.WriteString("You can create tools, spawn sub-agents, delegate tasks, and run code in your sandbox. " +
		"Prefer reusing existing tools over recreating them.\n")
	if peers := c.promptDirectory(state.ID); peers != "" {
		b.WriteString("\n## Other agents in the civilization\n" + peers)
	}
	if alliances := c.promptAlliances(state.ID); alliances != "" {
		b.WriteString("\n## Your alliances\n" + alliances)
	}
	if mem := state.Memory.PromptContext(); mem != "" {
		b.WriteString("\n" + mem + "\n")
	}
	return b.String()
}

// promptDirectory lists every other agent so the model can pick a
// delegation or broadcast target without a query round-trip.
func (c *Civilization) promptDirectory(selfID string) string {
	var b strings.Builder
	for _, st := range c.Agents() {
		if st.ID == selfID {
			continue
		}
		fmt.Fprintf(&b, "- %s (id %s): %s\n", st.Name, st.ID, st.Role)
	}
	return b.String()
}

// promptAlliances lists the alliances this agent belongs to, with
// purpose and member names.
func (c *Civilization) promptAlliances(selfID string) string {
	names := make(map[string]string)
	for _, st := range c.Agents() {
		names[st.ID] = st.Name
	}
	var b strings.Builder
	for _, al := range c.Alliances() {
		member := false
		for _, id := range al.AgentIDs {
			if id == selfID {
				member = true
				break
			}
		}
		if !member {
			continue
		}
		memberNames := make([]string, 0, len(al.AgentIDs))
		for _, id := range al.AgentIDs {
			if n, ok := names[id]; ok {
				memberNames = append(memberNames, n)
			}
		}
		fmt.Fprintf(&b, "- %s (%s): members %s\n", al.Name, al.Purpose, strings.Join(memberNames, ", "))
	}
	return b.String()
}

// availableTools is the agent's visible tool set: every builtin, every
// shared tool, and the agent's own private tools. On a name collision
// the builtin wins.
func (c *Civilization) availableTools(agentID string) []llm.ToolSpec {
	seen := make(map[string]bool)
	var specs []llm.ToolSpec
	add := func(defs []*tool.Definition) {
		for _, d := range defs {
			if seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			specs = append(specs, d.Spec())
		}
	}
	add(c.registry.Builtins())
	add(c.registry.Shared())

	if a, err := c.agent(agentID); err == nil {
		var owned []*tool.Definition
		for _, id := range a.toolIDs() {
			if d, ok := c.registry.Get(id); ok && d.Scope == tool.ScopePrivate {
				owned = append(owned, d)
			}
		}
		add(owned)
	}
	return specs
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
