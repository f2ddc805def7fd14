package tool

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentciv/agentciv/pkg/sandbox"
)

// fakeSandbox captures ExecPython payloads and returns a canned result.
type fakeSandbox struct {
	lastAgentID string
	lastCode    string
	result      sandbox.ExecResult
}

func (f *fakeSandbox) ExecPython(ctx context.Context, agentID, code string) (*sandbox.ExecResult, error) {
	f.lastAgentID = agentID
	f.lastCode = code
	res := f.result
	return &res, nil
}

func (f *fakeSandbox) ExecShell(ctx context.Context, agentID, command string) (*sandbox.ExecResult, error) {
	return &sandbox.ExecResult{}, nil
}
func (f *fakeSandbox) ReadFile(ctx context.Context, agentID, path string) (string, error) {
	return "", nil
}
func (f *fakeSandbox) WriteFile(ctx context.Context, agentID, path, content string) error { return nil }
func (f *fakeSandbox) ListFiles(ctx context.Context, agentID, path string) ([]string, error) {
	return nil, nil
}
func (f *fakeSandbox) InstallPackage(ctx context.Context, agentID, pkg string) (*sandbox.ExecResult, error) {
	return &sandbox.ExecResult{}, nil
}
func (f *fakeSandbox) Snapshot(ctx context.Context, agentID string) (string, error) { return "", nil }
func (f *fakeSandbox) Restore(ctx context.Context, agentID, imageTag string) error  { return nil }
func (f *fakeSandbox) Destroy(ctx context.Context, agentID string)                  {}
func (f *fakeSandbox) DestroyAll(ctx context.Context)                               {}
func (f *fakeSandbox) Close() error                                                 { return nil }

func TestSandboxHandlerBindsParams(t *testing.T) {
	sb := &fakeSandbox{result: sandbox.ExecResult{Stdout: "42\n"}}
	h := NewSandboxHandler(sb, "print(params['a'] + params['b'])")

	out, err := h.Invoke(context.Background(), "agent-1", map[string]any{"a": 40, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, "42", out)
	assert.Equal(t, "agent-1", sb.lastAgentID)

	assert.True(t, strings.HasPrefix(sb.lastCode, "import json\nparams = json.loads("))
	assert.Contains(t, sb.lastCode, `\"a\":40`)
	assert.Contains(t, sb.lastCode, "print(params['a'] + params['b'])")
}

func TestSandboxHandlerNonZeroExit(t *testing.T) {
	sb := &fakeSandbox{result: sandbox.ExecResult{ExitCode: 1, Stderr: "NameError: x"}}
	h := NewSandboxHandler(sb, "print(x)")

	_, err := h.Invoke(context.Background(), "agent-1", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NameError")
}

func TestSandboxHandlerTimeout(t *testing.T) {
	sb := &fakeSandbox{result: sandbox.ExecResult{TimedOut: true}}
	h := NewSandboxHandler(sb, "while True: pass")

	_, err := h.Invoke(context.Background(), "agent-1", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestSandboxHandlerEmptyOutput(t *testing.T) {
	sb := &fakeSandbox{result: sandbox.ExecResult{Stdout: "  \n"}}
	h := NewSandboxHandler(sb, "x = 1")

	out, err := h.Invoke(context.Background(), "agent-1", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "(no output)", out)
}
