// Package civ is the orchestration core: it owns the agent population,
// the decision loop, delegation and broadcast between agents, alliances,
// and civilization-level persistence.
package civ

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentciv/agentciv/pkg/config"
	"github.com/agentciv/agentciv/pkg/llm"
	"github.com/agentciv/agentciv/pkg/sandbox"
	"github.com/agentciv/agentciv/pkg/tool"
	"github.com/agentciv/agentciv/pkg/toolify"
)

var (
	// ErrNotFound indicates an unknown agent or alliance reference.
	ErrNotFound = errors.New("not found")
	// ErrCycle indicates a delegation that would loop back to an agent
	// already working on the task.
	ErrCycle = errors.New("circular delegation")
	// ErrMaxDepth indicates agent creation beyond the hierarchy limit.
	ErrMaxDepth = errors.New("maximum agent depth reached")
	// ErrMaxAgents indicates the population cap has been reached.
	ErrMaxAgents = errors.New("maximum agent count reached")
)

// Alliance is a named group of agents with shared purpose and context.
type Alliance struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Purpose       string         `json:"purpose"`
	AgentIDs      []string       `json:"agent_ids"`
	SharedContext string         `json:"shared_context,omitempty"`
	SharedMemory  map[string]any `json:"shared_memory,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	CreatedBy     string         `json:"created_by"`
}

// State is the serializable snapshot of a whole civilization.
type State struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	CreatedAt      time.Time            `json:"created_at"`
	PrimaryAgentID string               `json:"primary_agent_id"`
	AgentStates    []AgentState         `json:"agent_states"`
	// ToolDefinitions holds agent-created tools only; builtins are
	// re-registered at startup.
	ToolDefinitions []*tool.Definition   `json:"tool_definitions"`
	Alliances       map[string]*Alliance `json:"alliances"`
	// CreationGraph maps a creator agent id to its children.
	CreationGraph map[string][]string `json:"creation_graph"`
	// SnapshotTags maps agent ids to committed sandbox image tags.
	SnapshotTags map[string]string `json:"snapshot_tags,omitempty"`
}

// Store persists civilization snapshots.
type Store interface {
	Save(state *State) error
	Load(id string) (*State, error)
}

// Civilization owns the agent population and everything the agents
// share: the model client, the tool registry, sandboxes, the event bus,
// and persistence.
type Civilization struct {
	config   *config.Config
	llm      *llm.Meter
	registry *tool.Registry
	events   *EventBus
	sandbox  sandbox.Manager
	store    Store
	toolify  *toolify.Engine

	// mu guards the agent index and civilization state; individual
	// decision loops lock their own agent.
	mu     sync.Mutex
	agents map[string]*Agent
	state  *State
}

// New creates a civilization with a single primary agent.
func New(cfg *config.Config, client llm.Client, sb sandbox.Manager, store Store, name string) (*Civilization, error) {
	c := &Civilization{
		config:   cfg,
		llm:      llm.NewMeter(client, cfg.LLMPricing(), cfg.MaxCostPerSessionUSD),
		registry: tool.NewRegistry(sb),
		events:   NewEventBus(1000),
		sandbox:  sb,
		store:    store,
		agents:   make(map[string]*Agent),
		state: &State{
			ID:            uuid.New().String(),
			Name:          name,
			CreatedAt:     time.Now().UTC(),
			Alliances:     make(map[string]*Alliance),
			CreationGraph: make(map[string][]string),
			SnapshotTags:  make(map[string]string),
		},
	}
	c.toolify = toolify.NewEngine(c.registry, cfg.ToolificationThreshold)
	if err := c.registerBuiltins(); err != nil {
		return nil, err
	}

	primary, err := c.CreateAgent("Prime", "General-purpose founder of the civilization",
		"You are the founding agent of a new agent civilization.", "")
	if err != nil {
		return nil, err
	}
	c.state.PrimaryAgentID = primary.ID
	return c, nil
}

// Resume restores a civilization from a stored snapshot.
func Resume(cfg *config.Config, client llm.Client, sb sandbox.Manager, store Store, id string) (*Civilization, error) {
	state, err := store.Load(id)
	if err != nil {
		return nil, err
	}
	c := &Civilization{
		config:   cfg,
		llm:      llm.NewMeter(client, cfg.LLMPricing(), cfg.MaxCostPerSessionUSD),
		registry: tool.NewRegistry(sb),
		events:   NewEventBus(1000),
		sandbox:  sb,
		store:    store,
		agents:   make(map[string]*Agent),
		state:    state,
	}
	c.toolify = toolify.NewEngine(c.registry, cfg.ToolificationThreshold)
	if err := c.registerBuiltins(); err != nil {
		return nil, err
	}
	for i := range state.AgentStates {
		st := state.AgentStates[i]
		st.Status = StatusIdle
		c.agents[st.ID] = newAgent(&st)
	}
	for _, def := range state.ToolDefinitions {
		if err := c.registry.Register(def); err != nil {
			slog.Warn("Skipping stored tool", "tool", def.Name, "error", err)
		}
	}
	if sb != nil {
		for agentID, tag := range state.SnapshotTags {
			if err := sb.Restore(context.Background(), agentID, tag); err != nil {
				slog.Warn("Failed to restore sandbox snapshot", "agentID", agentID, "tag", tag, "error", err)
			}
		}
	}
	slog.Info("Resumed civilization", "id", state.ID, "name", state.Name, "agents", len(c.agents))
	return c, nil
}

// CreateAgent spawns a new agent. creatorID is empty only for the
// primary agent. Depth and population caps are enforced here.
func (c *Civilization) CreateAgent(name, role, systemPrompt, creatorID string) (AgentState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.agents) >= c.config.MaxAgents {
		return AgentState{}, fmt.Errorf("civilization has %d agents: %w", len(c.agents), ErrMaxAgents)
	}

	depth := 0
	if creatorID != "" {
		creator, ok := c.agents[creatorID]
		if !ok {
			return AgentState{}, fmt.Errorf("creator agent %q: %w", creatorID, ErrNotFound)
		}
		depth = creator.state.Depth + 1
		if depth > c.config.MaxAgentDepth {
			return AgentState{}, fmt.Errorf("depth %d: %w", depth, ErrMaxDepth)
		}
	}

	state := &AgentState{
		ID:               uuid.New().String(),
		Name:             name,
		Role:             role,
		SystemPromptBase: systemPrompt,
		Status:           StatusIdle,
		CreatedAt:        time.Now().UTC(),
		CreatedBy:        creatorID,
		Depth:            depth,
		Memory:           NewMemory(),
	}
	c.agents[state.ID] = newAgent(state)
	if creatorID != "" {
		c.state.CreationGraph[creatorID] = append(c.state.CreationGraph[creatorID], state.ID)
	}

	c.events.Emit("agent_created", map[string]any{
		"agent_id":   state.ID,
		"agent_name": name,
		"role":       role,
		"created_by": creatorID,
		"depth":      depth,
	})
	slog.Info("Agent created", "name", name, "role", role, "depth", depth)
	return *state, nil
}

func (c *Civilization) agent(id string) (*Agent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", id, ErrNotFound)
	}
	return a, nil
}

// agentByRef resolves an agent by id or, failing that, by exact name.
func (c *Civilization) agentByRef(ref string) (*Agent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.agents[ref]; ok {
		return a, nil
	}
	for _, a := range c.agents {
		if a.state.Name == ref {
			return a, nil
		}
	}
	return nil, fmt.Errorf("agent %q: %w", ref, ErrNotFound)
}

// Agents returns a snapshot of every agent's state.
func (c *Civilization) Agents() []AgentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AgentState, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a.State())
	}
	return out
}

// Delegate routes a task from one agent to another and waits for the
// result. The caller's delegation lineage travels with the task so a
// chain that loops back to an earlier participant is refused instead of
// recursing forever.
func (c *Civilization) Delegate(ctx context.Context, callerID, targetRef, task string) (string, error) {
	caller, err := c.agent(callerID)
	if err != nil {
		return "", err
	}
	target, err := c.agentByRef(targetRef)
	if err != nil {
		return "", err
	}
	targetID := target.state.ID
	if targetID == callerID {
		return "", fmt.Errorf("agent cannot delegate to itself: %w", ErrCycle)
	}

	chain := append(caller.chain(), callerID)
	for _, id := range chain {
		if id == targetID {
			return "", fmt.Errorf("%w: %s", ErrCycle, c.describeChain(append(chain, targetID)))
		}
	}

	caller.setStatus(StatusWaitingForSubagent)
	defer caller.setStatus(StatusIdle)

	c.events.Emit("task_delegated", map[string]any{
		"from_agent_id": callerID,
		"to_agent_id":   targetID,
		"task_preview":  preview(task, maxResponsePreview),
	})

	prompt := fmt.Sprintf("Task delegated from %s:\n\n%s", caller.state.Name, task)
	return c.process(ctx, targetID, prompt, chain)
}

// describeChain renders a delegation lineage as agent names joined by
// arrows, for the cycle refusal message.
func (c *Civilization) describeChain(ids []string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if a, ok := c.agents[id]; ok {
			names = append(names, a.state.Name)
		} else {
			names = append(names, id)
		}
	}
	return strings.Join(names, " -> ")
}

// BroadcastResult is one recipient's outcome from a broadcast.
type BroadcastResult struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Response  string `json:"response,omitempty"`
	Err       string `json:"error,omitempty"`
}

// Broadcast sends a message to every other agent sequentially and
// collects each response. A non-empty allianceID restricts recipients
// to that alliance's members. One recipient failing does not stop the
// others. The sender's delegation lineage is propagated so a recipient
// cannot be re-entered mid-task.
func (c *Civilization) Broadcast(ctx context.Context, senderID, message, allianceID string) ([]BroadcastResult, error) {
	sender, err := c.agent(senderID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	var memberSet map[string]bool
	if allianceID != "" {
		al, ok := c.state.Alliances[allianceID]
		if !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("alliance %q: %w", allianceID, ErrNotFound)
		}
		memberSet = make(map[string]bool, len(al.AgentIDs))
		for _, id := range al.AgentIDs {
			memberSet[id] = true
		}
	}
	recipients := make([]*Agent, 0, len(c.agents))
	for id, a := range c.agents {
		if id == senderID {
			continue
		}
		if memberSet != nil && !memberSet[id] {
			continue
		}
		recipients = append(recipients, a)
	}
	c.mu.Unlock()

	chain := append(sender.chain(), senderID)
	prompt := fmt.Sprintf("Broadcast from %s:\n\n%s", sender.state.Name, message)

	c.events.Emit("broadcast_sent", map[string]any{
		"from_agent_id":   senderID,
		"recipient_count": len(recipients),
		"message_preview": preview(message, maxResponsePreview),
	})

	var results []BroadcastResult
	for _, target := range recipients {
		targetID := target.state.ID
		res := BroadcastResult{AgentID: targetID, AgentName: target.state.Name}

		skip := false
		for _, id := range chain {
			if id == targetID {
				res.Err = "skipped: agent is already in the delegation chain"
				skip = true
				break
			}
		}
		if !skip {
			reply, err := c.process(ctx, targetID, prompt, chain)
			if err != nil {
				res.Err = err.Error()
			} else {
				res.Response = reply
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// CreateAlliance groups agents under a shared purpose. The creator is
// always a member. Every referenced agent must exist.
func (c *Civilization) CreateAlliance(name, purpose string, agentIDs []string, creatorID string) (*Alliance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.agents[creatorID]; !ok {
		return nil, fmt.Errorf("creator agent %q: %w", creatorID, ErrNotFound)
	}
	members := make([]string, 0, len(agentIDs)+1)
	seen := make(map[string]bool)
	for _, id := range append(agentIDs, creatorID) {
		if seen[id] {
			continue
		}
		if _, ok := c.agents[id]; !ok {
			return nil, fmt.Errorf("alliance member %q: %w", id, ErrNotFound)
		}
		seen[id] = true
		members = append(members, id)
	}

	al := &Alliance{
		ID:           uuid.New().String(),
		Name:         name,
		Purpose:      purpose,
		AgentIDs:     members,
		SharedMemory: make(map[string]any),
		CreatedAt:    time.Now().UTC(),
		CreatedBy:    creatorID,
	}
	c.state.Alliances[al.ID] = al

	c.events.Emit("alliance_formed", map[string]any{
		"alliance_id": al.ID,
		"name":        name,
		"members":     len(members),
	})
	return al, nil
}

// Alliances returns all alliances.
func (c *Civilization) Alliances() []*Alliance {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Alliance, 0, len(c.state.Alliances))
	for _, al := range c.state.Alliances {
		out = append(out, al)
	}
	return out
}

// Toolify mines one agent's execution history and, for each detected
// pattern, asks the agent whether to formalize it as a tool. Returns
// the number of candidates proposed.
func (c *Civilization) Toolify(ctx context.Context, agentID string) (int, error) {
	agent, err := c.agent(agentID)
	if err != nil {
		return 0, err
	}
	candidates := c.toolify.Analyze(agentID, agent.state.Name)
	for _, cand := range candidates {
		c.events.Emit("pattern_detected", map[string]any{
			"agent_id":  agentID,
			"pattern":   cand.PatternDescription,
			"frequency": cand.Frequency,
		})
		if _, err := c.toolify.Propose(ctx, agentProxy{c, agentID}, cand); err != nil {
			slog.Warn("Toolification proposal failed", "agentID", agentID, "error", err)
		}
	}
	return len(candidates), nil
}

// agentProxy adapts the civilization-held decision loop to the
// per-agent interface the toolification engine expects.
type agentProxy struct {
	c       *Civilization
	agentID string
}

func (p agentProxy) Process(ctx context.Context, message string) (string, error) {
	return p.c.Process(ctx, p.agentID, message)
}

// Save snapshots the civilization and persists it through the store.
func (c *Civilization) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.AgentStates = c.state.AgentStates[:0]
	for _, a := range c.agents {
		c.state.AgentStates = append(c.state.AgentStates, a.State())
	}
	c.state.ToolDefinitions = c.state.ToolDefinitions[:0]
	for _, def := range c.registry.All() {
		if def.Scope != tool.ScopeBuiltin {
			c.state.ToolDefinitions = append(c.state.ToolDefinitions, def)
		}
	}

	if err := c.store.Save(c.state); err != nil {
		return fmt.Errorf("failed to save civilization: %w", err)
	}
	slog.Info("Civilization saved", "id", c.state.ID, "agents", len(c.state.AgentStates))
	return nil
}

// ID returns the civilization id.
func (c *Civilization) ID() string { return c.state.ID }

// Name returns the civilization name.
func (c *Civilization) Name() string { return c.state.Name }

// PrimaryAgentID returns the founding agent's id.
func (c *Civilization) PrimaryAgentID() string { return c.state.PrimaryAgentID }

// Registry exposes the tool registry.
func (c *Civilization) Registry() *tool.Registry { return c.registry }

// Events exposes the event bus.
func (c *Civilization) Events() *EventBus { return c.events }

// Usage returns accumulated model usage and estimated cost.
func (c *Civilization) Usage() llm.UsageSummary { return c.llm.Summary() }

// Shutdown tears down all sandboxes. State is not saved implicitly.
func (c *Civilization) Shutdown(ctx context.Context) {
	if c.sandbox == nil {
		return
	}
	c.sandbox.DestroyAll(ctx)
	if err := c.sandbox.Close(); err != nil {
		slog.Warn("Failed to close sandbox manager", "error", err)
	}
}
