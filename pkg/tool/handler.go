package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentciv/agentciv/pkg/sandbox"
)

// Handler executes a tool invocation on behalf of an agent. There are
// two variants: native built-in handlers compiled into the host
// (HandlerFunc), and sandboxed handlers that run a textual payload
// inside the acting agent's isolated environment (SandboxHandler).
// Generated code never executes in the host's address space.
type Handler interface {
	Invoke(ctx context.Context, agentID string, input map[string]any) (string, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, agentID string, input map[string]any) (string, error)

func (f HandlerFunc) Invoke(ctx context.Context, agentID string, input map[string]any) (string, error) {
	return f(ctx, agentID, input)
}

// SandboxHandler runs a tool's Python source inside the acting agent's
// sandbox. The input is bound to a `params` dict before the payload.
type SandboxHandler struct {
	manager sandbox.Manager
	source  string
}

// NewSandboxHandler binds source to mgr.
func NewSandboxHandler(mgr sandbox.Manager, source string) *SandboxHandler {
	return &SandboxHandler{manager: mgr, source: source}
}

func (h *SandboxHandler) Invoke(ctx context.Context, agentID string, input map[string]any) (string, error) {
	params, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool input: %w", err)
	}
	// JSON string escaping is valid Python string syntax, so the
	// payload can parse its parameters with the stdlib.
	literal, err := json.Marshal(string(params))
	if err != nil {
		return "", fmt.Errorf("failed to encode tool input: %w", err)
	}
	wrapper := fmt.Sprintf("import json\nparams = json.loads(%s)\n%s", literal, h.source)

	res, err := h.manager.ExecPython(ctx, agentID, wrapper)
	if err != nil {
		return "", err
	}
	if res.TimedOut {
		return "", fmt.Errorf("tool execution timed out")
	}
	if res.ExitCode != 0 {
		if res.Stderr != "" {
			return "", fmt.Errorf("tool failed (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		return "", fmt.Errorf("tool failed with exit code %d", res.ExitCode)
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		return "(no output)", nil
	}
	return out, nil
}
