// Package docker implements sandbox.Manager using Docker containers.
//
// Each agent gets one persistent container with an isolated /workspace
// filesystem, memory/CPU/pids ceilings, and no network access. Payload
// executions run under the container's timeout(1) with a host-side
// context deadline, so an expired execution is terminated, not just
// flagged.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/agentciv/agentciv/pkg/sandbox"
)

const (
	workspaceDir = "/workspace"

	maxStdoutBytes = 10000
	maxStderrBytes = 5000
)

// ErrOutsideWorkspace is returned for any path that resolves outside
// the confined workspace root.
var ErrOutsideWorkspace = errors.New("path outside workspace")

// Manager implements sandbox.Manager using Docker containers.
type Manager struct {
	cli    *client.Client
	limits sandbox.Limits

	mu     sync.Mutex
	agents map[string]struct{} // agent ids with provisioned containers
}

var _ sandbox.Manager = (*Manager)(nil)

// New creates a Manager connected to the local Docker daemon.
func New(limits sandbox.Limits) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Manager{
		cli:    cli,
		limits: limits,
		agents: make(map[string]struct{}),
	}, nil
}

func (m *Manager) Close() error {
	return m.cli.Close()
}

func containerName(agentID string) string {
	id := agentID
	if len(id) > 12 {
		id = id[:12]
	}
	return "agentciv-" + id
}

func snapshotTag(agentID string) string {
	id := agentID
	if len(id) > 12 {
		id = id[:12]
	}
	return "agentciv-snapshot-" + id
}

// resolveWorkspacePath confines a user-supplied path to the workspace
// root. Relative paths are joined under the root; any path that cleans
// to a location outside it is rejected.
func resolveWorkspacePath(p string) (string, error) {
	if p == "" {
		return workspaceDir, nil
	}
	if !strings.HasPrefix(p, "/") {
		p = path.Join(workspaceDir, p)
	}
	clean := path.Clean(p)
	if clean != workspaceDir && !strings.HasPrefix(clean, workspaceDir+"/") {
		return "", fmt.Errorf("%q: %w", p, ErrOutsideWorkspace)
	}
	return clean, nil
}

// ensureContainer provisions the agent's container lazily, restarting
// it if it exists but has stopped. Returns the container name.
func (m *Manager) ensureContainer(ctx context.Context, agentID string) (string, error) {
	name := containerName(agentID)

	c, err := m.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			if err := m.createContainer(ctx, agentID, m.limits.Image); err != nil {
				return "", err
			}
			return name, nil
		}
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}

	if !c.State.Running {
		if err := m.cli.ContainerStart(ctx, name, types.ContainerStartOptions{}); err != nil {
			return "", fmt.Errorf("failed to start container: %w", err)
		}
	}
	m.track(agentID)
	return name, nil
}

func (m *Manager) createContainer(ctx context.Context, agentID, image string) error {
	if err := m.ensureImage(ctx, image); err != nil {
		return err
	}

	pids := m.limits.PidsLimit
	cfg := &container.Config{
		Image:           image,
		Tty:             true,
		WorkingDir:      workspaceDir,
		NetworkDisabled: true,
	}
	hostCfg := &container.HostConfig{
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:     m.limits.MemoryMB << 20,
			MemorySwap: m.limits.MemoryMB << 20, // no swap beyond the memory ceiling
			NanoCPUs:   int64(m.limits.CPUFraction * 1_000_000_000),
			PidsLimit:  &pids,
		},
	}

	name := containerName(agentID)
	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	slog.Info("Provisioned sandbox", "agentID", agentID, "image", image)
	m.track(agentID)
	return nil
}

func (m *Manager) ensureImage(ctx context.Context, image string) error {
	if _, _, err := m.cli.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	}
	slog.Info("Pulling sandbox image", "image", image)
	rc, err := m.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %q: %w", image, err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (m *Manager) track(agentID string) {
	m.mu.Lock()
	m.agents[agentID] = struct{}{}
	m.mu.Unlock()
}

// exec runs cmd inside the agent's container. With enforceTimeout the
// command is wrapped in timeout(1) and the context gets a deadline a
// little past it, so expiry kills the process and marks the result.
func (m *Manager) exec(ctx context.Context, agentID string, cmd []string, enforceTimeout bool) (*sandbox.ExecResult, error) {
	name, err := m.ensureContainer(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if enforceTimeout && m.limits.TimeoutSeconds > 0 {
		cmd = append([]string{"timeout", "-k", "5", strconv.Itoa(m.limits.TimeoutSeconds)}, cmd...)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(m.limits.TimeoutSeconds+10)*time.Second)
		defer cancel()
	}

	start := time.Now()

	execResp, err := m.cli.ContainerExecCreate(ctx, name, types.ExecConfig{
		Cmd:          cmd,
		WorkingDir:   workspaceDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := m.cli.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("failed to start exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		if ctx.Err() != nil {
			return &sandbox.ExecResult{
				Stdout:   truncate(stdout.String(), maxStdoutBytes),
				Stderr:   truncate(stderr.String(), maxStderrBytes),
				ExitCode: -1,
				Duration: time.Since(start),
				TimedOut: true,
			}, nil
		}
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := m.cli.ContainerExecInspect(context.WithoutCancel(ctx), execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	// timeout(1) exits 124 on expiry, 137 if the kill escalated.
	timedOut := enforceTimeout && (inspect.ExitCode == 124 || inspect.ExitCode == 137)

	return &sandbox.ExecResult{
		Stdout:   truncate(stdout.String(), maxStdoutBytes),
		Stderr:   truncate(stderr.String(), maxStderrBytes),
		ExitCode: inspect.ExitCode,
		Duration: time.Since(start),
		TimedOut: timedOut,
	}, nil
}

func (m *Manager) ExecPython(ctx context.Context, agentID, code string) (*sandbox.ExecResult, error) {
	if _, err := m.ensureContainer(ctx, agentID); err != nil {
		return nil, err
	}
	if err := m.copyToContainer(ctx, containerName(agentID), workspaceDir+"/_exec.py", code); err != nil {
		return nil, err
	}
	return m.exec(ctx, agentID, []string{"python3", workspaceDir + "/_exec.py"}, true)
}

func (m *Manager) ExecShell(ctx context.Context, agentID, command string) (*sandbox.ExecResult, error) {
	return m.exec(ctx, agentID, []string{"/bin/sh", "-c", command}, true)
}

func (m *Manager) InstallPackage(ctx context.Context, agentID, pkg string) (*sandbox.ExecResult, error) {
	return m.exec(ctx, agentID, []string{"pip", "install", "--user", pkg}, false)
}

func (m *Manager) ReadFile(ctx context.Context, agentID, p string) (string, error) {
	resolved, err := resolveWorkspacePath(p)
	if err != nil {
		return "", err
	}
	name, err := m.ensureContainer(ctx, agentID)
	if err != nil {
		return "", err
	}

	rc, _, err := m.cli.CopyFromContainer(ctx, name, resolved)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", fmt.Errorf("file not found: %s", resolved)
		}
		return "", fmt.Errorf("failed to copy from container: %w", err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read archive: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			data, err := io.ReadAll(tr)
			if err != nil {
				return "", fmt.Errorf("failed to read %s: %w", resolved, err)
			}
			return string(data), nil
		}
	}
	return "", fmt.Errorf("cannot read %s (is it a directory?)", resolved)
}

func (m *Manager) WriteFile(ctx context.Context, agentID, p, content string) error {
	resolved, err := resolveWorkspacePath(p)
	if err != nil {
		return err
	}
	name, err := m.ensureContainer(ctx, agentID)
	if err != nil {
		return err
	}

	if dir := path.Dir(resolved); dir != workspaceDir {
		if _, err := m.exec(ctx, agentID, []string{"mkdir", "-p", dir}, false); err != nil {
			return err
		}
	}
	return m.copyToContainer(ctx, name, resolved, content)
}

func (m *Manager) ListFiles(ctx context.Context, agentID, p string) ([]string, error) {
	resolved, err := resolveWorkspacePath(p)
	if err != nil {
		return nil, err
	}

	res, err := m.exec(ctx, agentID, []string{"find", resolved, "-type", "f", "-not", "-name", "_exec.py"}, false)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == workspaceDir {
			continue
		}
		files = append(files, strings.TrimPrefix(line, workspaceDir+"/"))
	}
	return files, nil
}

func (m *Manager) Snapshot(ctx context.Context, agentID string) (string, error) {
	name, err := m.ensureContainer(ctx, agentID)
	if err != nil {
		return "", err
	}
	tag := snapshotTag(agentID) + ":latest"
	if _, err := m.cli.ContainerCommit(ctx, name, types.ContainerCommitOptions{Reference: tag}); err != nil {
		return "", fmt.Errorf("failed to commit snapshot: %w", err)
	}
	slog.Info("Sandbox snapshot committed", "agentID", agentID, "tag", tag)
	return tag, nil
}

func (m *Manager) Restore(ctx context.Context, agentID, imageTag string) error {
	m.Destroy(ctx, agentID)
	return m.createContainer(ctx, agentID, imageTag)
}

func (m *Manager) Destroy(ctx context.Context, agentID string) {
	name := containerName(agentID)
	stopTimeout := 5
	if err := m.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &stopTimeout}); err != nil && !client.IsErrNotFound(err) {
		slog.Debug("Failed to stop sandbox container", "agentID", agentID, "error", err)
	}
	if err := m.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		slog.Debug("Failed to remove sandbox container", "agentID", agentID, "error", err)
	}
	m.mu.Lock()
	delete(m.agents, agentID)
	m.mu.Unlock()
}

func (m *Manager) DestroyAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Destroy(ctx, id)
	}
}

// copyToContainer writes content as a single file into the container
// via a tar archive.
func (m *Manager) copyToContainer(ctx context.Context, name, destPath, content string) error {
	data := []byte(content)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    strings.TrimPrefix(destPath, "/"),
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return err
	}

	if err := m.cli.CopyToContainer(ctx, name, "/", &buf, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy to container: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
