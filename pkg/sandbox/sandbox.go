// Package sandbox defines the interface for per-agent isolated
// execution environments.
package sandbox

import (
	"context"
	"time"
)

// ExecResult represents the outcome of running code or a command in a
// sandbox.
type ExecResult struct {
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
}

// Limits are the resource ceilings applied to every environment.
type Limits struct {
	Image          string
	MemoryMB       int64
	CPUFraction    float64
	PidsLimit      int64
	TimeoutSeconds int
}

// Manager provides one isolated environment per agent. Environments are
// provisioned lazily on first use and reused afterwards; the agent id is
// the isolation key for every operation.
type Manager interface {
	// ExecPython runs Python source inside the agent's environment.
	ExecPython(ctx context.Context, agentID, code string) (*ExecResult, error)

	// ExecShell runs a shell command inside the agent's environment.
	ExecShell(ctx context.Context, agentID, command string) (*ExecResult, error)

	// ReadFile reads a file confined to the environment's workspace.
	ReadFile(ctx context.Context, agentID, path string) (string, error)

	// WriteFile writes a file confined to the environment's workspace.
	WriteFile(ctx context.Context, agentID, path, content string) error

	// ListFiles lists files under a workspace path.
	ListFiles(ctx context.Context, agentID, path string) ([]string, error)

	// InstallPackage installs a package inside the environment.
	InstallPackage(ctx context.Context, agentID, pkg string) (*ExecResult, error)

	// Snapshot commits the environment's state to an immutable image and
	// returns its tag.
	Snapshot(ctx context.Context, agentID string) (string, error)

	// Restore replaces the agent's environment with one provisioned from
	// the named snapshot image, keeping the same resource ceilings.
	Restore(ctx context.Context, agentID, imageTag string) error

	// Destroy stops and removes the agent's environment. Best-effort:
	// failures are swallowed.
	Destroy(ctx context.Context, agentID string)

	// DestroyAll removes every managed environment. Best-effort.
	DestroyAll(ctx context.Context)

	// Close releases any resources held by the manager.
	Close() error
}
