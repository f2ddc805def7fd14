package tool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentciv/agentciv/pkg/sandbox"
)

const maxLoggedOutput = 1000

// Registry is the single source of truth for invocable actions. It
// indexes definitions by id and name, binds handlers, dispatches
// executions, and records every invocation for toolification analysis.
// Mutation is serialized so concurrent agents cannot corrupt the
// indexes.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]*Definition // id -> definition
	byName   map[string]*Definition // name -> definition
	handlers map[string]Handler     // name -> handler
	log      []ExecutionRecord

	sandboxes sandbox.Manager // backs handlers for agent-created tools
}

// NewRegistry creates an empty registry. Agent-created tools execute
// through sb; built-ins are registered by the orchestrator.
func NewRegistry(sb sandbox.Manager) *Registry {
	return &Registry{
		defs:      make(map[string]*Definition),
		byName:    make(map[string]*Definition),
		handlers:  make(map[string]Handler),
		sandboxes: sb,
	}
}

// RegisterBuiltin adds a compiled-in tool. Builtin definitions are
// immutable and unowned.
func (r *Registry) RegisterBuiltin(def *Definition, h Handler) error {
	def.Scope = ScopeBuiltin
	def.CreatedByAgentID = ""
	return r.register(def, h)
}

// Register adds an agent-created tool. If the definition carries an
// implementation payload, a sandbox-backed handler is bound to it.
func (r *Registry) Register(def *Definition) error {
	var h Handler
	if def.SourceCode != "" {
		h = NewSandboxHandler(r.sandboxes, def.SourceCode)
	}
	return r.register(def, h)
}

func (r *Registry) register(def *Definition, h Handler) error {
	if !ValidName(def.Name) {
		return fmt.Errorf("invalid tool name %q (must match ^[a-zA-Z0-9_-]{1,64}$)", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("tool %q: %w (use edit_tool to modify it, or choose a different name)", def.Name, ErrConflict)
	}

	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	if def.Version == 0 {
		def.Version = 1
	}

	r.defs[def.ID] = def
	r.byName[def.Name] = def
	if h != nil {
		r.handlers[def.Name] = h
	}
	return nil
}

// Update applies field changes to a tool, increments its version, and
// rebinds or re-indexes as needed. Builtin tools are immutable; a
// private tool is editable only by its creator; a shared tool is
// editable by any requester.
func (r *Registry) Update(id string, changes Update, requesterID string) (*Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("tool id %q: %w", id, ErrNotFound)
	}
	if err := checkMutable(def, requesterID); err != nil {
		return nil, err
	}

	oldName := def.Name

	if changes.Name != nil {
		if !ValidName(*changes.Name) {
			return nil, fmt.Errorf("invalid tool name %q", *changes.Name)
		}
		if *changes.Name != oldName {
			if _, exists := r.byName[*changes.Name]; exists {
				return nil, fmt.Errorf("tool %q: %w", *changes.Name, ErrConflict)
			}
		}
		def.Name = *changes.Name
	}
	if changes.Description != nil {
		def.Description = *changes.Description
	}
	if changes.InputSchema != nil {
		def.InputSchema = changes.InputSchema
	}
	if changes.Tags != nil {
		def.Tags = changes.Tags
	}

	sourceChanged := false
	if changes.SourceCode != nil {
		def.SourceCode = *changes.SourceCode
		sourceChanged = true
	}

	def.Version++

	if def.Name != oldName {
		delete(r.byName, oldName)
		r.byName[def.Name] = def
		if h, ok := r.handlers[oldName]; ok {
			delete(r.handlers, oldName)
			r.handlers[def.Name] = h
		}
	}
	if sourceChanged {
		if def.SourceCode != "" {
			r.handlers[def.Name] = NewSandboxHandler(r.sandboxes, def.SourceCode)
		} else {
			delete(r.handlers, def.Name)
		}
	}

	return def, nil
}

// Delete removes a tool, its name index, and its handler. Permission
// rules match Update. Returns the deleted tool's name.
func (r *Registry) Delete(id, requesterID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.defs[id]
	if !ok {
		return "", fmt.Errorf("tool id %q: %w", id, ErrNotFound)
	}
	if err := checkMutable(def, requesterID); err != nil {
		return "", err
	}

	delete(r.defs, id)
	delete(r.byName, def.Name)
	delete(r.handlers, def.Name)
	return def.Name, nil
}

func checkMutable(def *Definition, requesterID string) error {
	if def.Scope == ScopeBuiltin {
		return fmt.Errorf("builtin tool %q is immutable: %w", def.Name, ErrPermission)
	}
	if def.Scope == ScopePrivate && def.CreatedByAgentID != requesterID {
		return fmt.Errorf("tool %q is private to another agent: %w", def.Name, ErrPermission)
	}
	return nil
}

// Execute dispatches a tool invocation for the acting agent. Every
// invocation, success or failure, is appended to the execution log and
// counted against the tool's usage counter. A handler failure is
// returned to the caller, not propagated as a process fault.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any, agentID string) (string, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no handler bound for tool %q: %w", name, ErrNotFound)
	}

	start := time.Now()
	out, err := h.Invoke(ctx, agentID, input)
	duration := time.Since(start)

	success := err == nil
	logged := out
	if err != nil {
		logged = err.Error()
	}

	r.mu.Lock()
	r.log = append(r.log, ExecutionRecord{
		ToolName:  name,
		AgentID:   agentID,
		Input:     input,
		Output:    truncate(logged, maxLoggedOutput),
		Success:   success,
		Duration:  duration,
		Timestamp: time.Now().UTC(),
	})
	if def, ok := r.byName[name]; ok {
		def.UsageCount++
	}
	r.mu.Unlock()

	if err != nil {
		slog.Debug("Tool execution failed", "tool", name, "agentID", agentID, "error", err)
		return "", err
	}
	return out, nil
}

// Get returns a definition by id.
func (r *Registry) Get(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// GetByName returns a definition by name.
func (r *Registry) GetByName(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byName[name]
	return def, ok
}

// Builtins returns all builtin definitions sorted by name.
func (r *Registry) Builtins() []*Definition {
	return r.listByScope(ScopeBuiltin)
}

// Shared returns all shared definitions sorted by name.
func (r *Registry) Shared() []*Definition {
	return r.listByScope(ScopeShared)
}

func (r *Registry) listByScope(scope Scope) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Definition
	for _, def := range r.defs {
		if def.Scope == scope {
			out = append(out, def)
		}
	}
	sortByName(out)
	return out
}

// All returns every definition sorted by name.
func (r *Registry) All() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sortByName(out)
	return out
}

// Search returns definitions whose name or description contains the
// query, case-insensitively.
func (r *Registry) Search(query string) []*Definition {
	q := strings.ToLower(query)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Definition
	for _, def := range r.defs {
		if strings.Contains(strings.ToLower(def.Name), q) ||
			strings.Contains(strings.ToLower(def.Description), q) {
			out = append(out, def)
		}
	}
	sortByName(out)
	return out
}

// Log returns a copy of the execution log.
func (r *Registry) Log() []ExecutionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ExecutionRecord, len(r.log))
	copy(out, r.log)
	return out
}

func sortByName(defs []*Definition) {
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
