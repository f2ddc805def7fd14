// Package tool is the catalog of invocable actions: built-in tools
// compiled into the host and agent-created tools whose implementations
// run only inside a sandbox.
package tool

import (
	"errors"
	"regexp"
	"time"

	"github.com/agentciv/agentciv/pkg/llm"
)

// Scope controls who can see and modify a tool.
type Scope string

const (
	// ScopeBuiltin tools are available to all agents and immutable.
	ScopeBuiltin Scope = "builtin"
	// ScopeShared tools are created by an agent and usable (and, by
	// policy, editable) by every agent.
	ScopeShared Scope = "shared"
	// ScopePrivate tools are usable and editable only by their creator.
	ScopePrivate Scope = "private"
)

var (
	// ErrNotFound indicates a missing tool id or unbound handler.
	ErrNotFound = errors.New("tool not found")
	// ErrConflict indicates a duplicate tool name.
	ErrConflict = errors.New("tool name already exists")
	// ErrPermission indicates an edit/delete the requester may not make.
	ErrPermission = errors.New("permission denied")
)

var nameRE = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidName reports whether name is an acceptable tool name.
func ValidName(name string) bool {
	return nameRE.MatchString(name)
}

// Definition is the persistent, serializable definition of a tool.
type Definition struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
	Scope       Scope          `json:"scope"`
	// CreatedByAgentID is empty only for builtin tools.
	CreatedByAgentID string    `json:"created_by_agent_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	// SourceCode is interpreted only inside the sandbox, never by the
	// host process.
	SourceCode string   `json:"source_code,omitempty"`
	Version    int      `json:"version"`
	UsageCount int      `json:"usage_count"`
	Tags       []string `json:"tags,omitempty"`

	// Toolification provenance.
	ToolifiedFromPattern string           `json:"toolified_from_pattern,omitempty"`
	ExampleInvocations   []map[string]any `json:"example_invocations,omitempty"`
}

// Spec converts the definition to the format sent to the model.
func (d *Definition) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: d.InputSchema,
	}
}

// ExecutionRecord is an append-only audit entry for one tool
// invocation. The execution log is the corpus mined for toolification.
type ExecutionRecord struct {
	ToolName  string         `json:"tool_name"`
	AgentID   string         `json:"agent_id"`
	Input     map[string]any `json:"input"`
	Output    string         `json:"output"`
	Success   bool           `json:"success"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
}

// Update describes field changes for Registry.Update. Nil fields are
// left untouched.
type Update struct {
	Name        *string
	Description *string
	InputSchema map[string]any
	SourceCode  *string
	Tags        []string
}
