package isolation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/opendevbox/opendevbox/internal/errdefs"
)

// ContainerConfig configures the container driver.
type ContainerConfig struct {
	Bin      string // podman/docker-compatible CLI, default "podman"
	Image    string
	Hostname string
}

// Compile-time checks.
var (
	_ Driver = (*ContainerDriver)(nil)
	_ Handle = (*containerHandle)(nil)
)

// ContainerDriver backs sandboxes with containers managed through a
// podman-compatible CLI. The workspace is bind-mounted at /workspace.
type ContainerDriver struct {
	cfg ContainerConfig
}

// NewContainerDriver creates a container driver.
func NewContainerDriver(cfg ContainerConfig) *ContainerDriver {
	if cfg.Bin == "" {
		cfg.Bin = "podman"
	}
	if cfg.Image == "" {
		cfg.Image = "docker.io/library/ubuntu:22.04"
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "devbox"
	}
	return &ContainerDriver{cfg: cfg}
}

func (d *ContainerDriver) Kind() string { return KindContainer }

// DaemonReachable reports whether the container runtime answers; used by
// auto-selection and the readiness probe.
func (d *ContainerDriver) DaemonReachable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, _, _, err := runCLI(probeCtx, d.cfg.Bin, "info", "--format", "{{.Host.Arch}}")
	return err == nil
}

type mountSpec struct {
	hostPath  string
	guestPath string
	readOnly  bool
}

// Provision records the container spec; the container itself is created
// on Start so that mounts registered beforehand are included.
func (d *ContainerDriver) Provision(ctx context.Context, spec ProvisionSpec) (Handle, error) {
	if err := os.MkdirAll(spec.WorkspaceRoot, 0700); err != nil {
		return nil, fmt.Errorf("failed to create workspace for sandbox %s: %w", spec.SandboxID, err)
	}
	h := &containerHandle{
		hs:        newHandleState(),
		cfg:       d.cfg,
		name:      "devbox-" + spec.SandboxID,
		sandboxID: spec.SandboxID,
		workspace: spec.WorkspaceRoot,
		caps:      spec.Caps,
		env:       spec.Env,
	}
	if spec.ExposePort > 0 {
		hostPort, err := findFreePort()
		if err != nil {
			return nil, fmt.Errorf("failed to allocate host port for sandbox %s: %w", spec.SandboxID, err)
		}
		h.guestPort = spec.ExposePort
		h.hostPort = hostPort
	}
	return h, nil
}

type containerHandle struct {
	hs        *handleState
	cfg       ContainerConfig
	name      string
	sandboxID string
	workspace string
	caps      ResourceCaps
	env       map[string]string

	guestPort int
	hostPort  int

	mu      sync.Mutex
	mounts  []mountSpec
	created bool
}

// HostPort returns the published host port, or 0 when none was requested.
func (h *containerHandle) HostPort() int { return h.hostPort }

func (h *containerHandle) Kind() string { return KindContainer }
func (h *containerHandle) State() State { return h.hs.current() }

// Start creates the container on first use and starts it.
func (h *containerHandle) Start(ctx context.Context) error {
	changed, err := h.hs.transition(StateRunning, StateProvisioned, StatePaused)
	if err != nil || !changed {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.created {
		if err := h.create(ctx); err != nil {
			_, _ = h.hs.transition(StateProvisioned, StateRunning)
			return err
		}
		h.created = true
	}
	if _, stderr, _, err := runCLI(ctx, h.cfg.Bin, "start", h.name); err != nil {
		_, _ = h.hs.transition(StateProvisioned, StateRunning)
		return fmt.Errorf("failed to start container for sandbox %s: %s: %w", h.sandboxID, strings.TrimSpace(stderr), err)
	}
	return nil
}

func (h *containerHandle) create(ctx context.Context) error {
	args := []string{
		"create",
		"--name", h.name,
		"--hostname", h.cfg.Hostname,
		"--restart", "no",
		"--label", "devbox.sandbox=" + h.sandboxID,
		"--volume", h.workspace + ":/workspace",
		"--workdir", "/workspace",
	}
	if h.caps.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", h.caps.MemoryMB))
	}
	if h.caps.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%d", h.caps.CPUs))
	}
	for k, v := range h.env {
		args = append(args, "--env", k+"="+v)
	}
	if h.hostPort > 0 {
		args = append(args, "--publish", fmt.Sprintf("%d:%d/tcp", h.hostPort, h.guestPort))
	}
	for _, m := range h.mounts {
		vol := m.hostPath + ":" + m.guestPath
		if m.readOnly {
			vol += ":ro"
		}
		args = append(args, "--volume", vol)
	}
	args = append(args, h.cfg.Image, "sleep", "infinity")

	if _, stderr, _, err := runCLI(ctx, h.cfg.Bin, args...); err != nil {
		return fmt.Errorf("failed to create container for sandbox %s: %s: %w", h.sandboxID, strings.TrimSpace(stderr), err)
	}
	return nil
}

func (h *containerHandle) Pause(ctx context.Context) error {
	changed, err := h.hs.transition(StatePaused, StateRunning)
	if err != nil || !changed {
		return err
	}
	if _, stderr, _, err := runCLI(ctx, h.cfg.Bin, "pause", h.name); err != nil {
		return fmt.Errorf("failed to pause sandbox %s: %s: %w", h.sandboxID, strings.TrimSpace(stderr), err)
	}
	return nil
}

func (h *containerHandle) Resume(ctx context.Context) error {
	changed, err := h.hs.transition(StateRunning, StatePaused)
	if err != nil || !changed {
		return err
	}
	if _, stderr, _, err := runCLI(ctx, h.cfg.Bin, "unpause", h.name); err != nil {
		return fmt.Errorf("failed to resume sandbox %s: %s: %w", h.sandboxID, strings.TrimSpace(stderr), err)
	}
	return nil
}

func (h *containerHandle) Stop(ctx context.Context) error {
	changed, err := h.hs.transition(StateStopped, StateRunning, StatePaused)
	if err != nil || !changed {
		return err
	}
	if _, stderr, _, err := runCLI(ctx, h.cfg.Bin, "stop", "--time", "5", h.name); err != nil {
		return fmt.Errorf("failed to stop sandbox %s: %s: %w", h.sandboxID, strings.TrimSpace(stderr), err)
	}
	return nil
}

// Exec runs argv inside the container with /workspace as cwd.
func (h *containerHandle) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	if err := h.hs.require(StateRunning); err != nil {
		return nil, err
	}
	if len(req.Argv) == 0 {
		return nil, errdefs.InvalidArgument("empty command")
	}

	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = 30
	}
	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	args := []string{"exec", "--workdir", "/workspace"}
	if len(req.Stdin) > 0 {
		args = append(args, "-i")
	}
	args = append(args, h.name)
	args = append(args, req.Argv...)

	cmd := exec.CommandContext(execCtx, h.cfg.Bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	err := cmd.Run()
	if execCtx.Err() == context.DeadlineExceeded {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &ExecResult{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			TimedOut: true,
		}, nil
	}

	result := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return nil, fmt.Errorf("exec in sandbox %s failed: %w", h.sandboxID, err)
		}
	}
	return result, nil
}

// OpenStream attaches an interactive shell inside the container on a PTY.
func (h *containerHandle) OpenStream(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := h.hs.require(StateRunning); err != nil {
		return nil, err
	}

	cmd := exec.Command(h.cfg.Bin, "exec", "-it", "--workdir", "/workspace", h.name, "sh", "-i")
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to open terminal for sandbox %s: %w", h.sandboxID, err)
	}
	return &ptyStream{
		File: f,
		close: func() {
			_ = cmd.Process.Kill()
			_, _ = cmd.Process.Wait()
		},
	}, nil
}

// Mount registers a bind mount. The container must not have been created
// yet: the runtime cannot add volumes to an existing container.
func (h *containerHandle) Mount(ctx context.Context, hostPath, guestPath string, readOnly bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.created {
		return errdefs.Precondition("mounts must be registered before the sandbox first starts")
	}
	h.mounts = append(h.mounts, mountSpec{hostPath: hostPath, guestPath: guestPath, readOnly: readOnly})
	return nil
}

// Destroy force-removes the container; the workspace stays on disk unless
// removeWorkspace is set.
func (h *containerHandle) Destroy(ctx context.Context, removeWorkspace bool) error {
	if _, err := h.hs.transition(StateDestroyed, StateProvisioned, StateRunning, StatePaused, StateStopped); err != nil {
		return err
	}
	if h.created {
		if _, stderr, _, err := runCLI(ctx, h.cfg.Bin, "rm", "-f", h.name); err != nil {
			log.Printf("container: failed to remove %s: %s: %v", h.name, strings.TrimSpace(stderr), err)
		}
	}
	if removeWorkspace {
		if err := os.RemoveAll(h.workspace); err != nil {
			log.Printf("container: failed to remove workspace for sandbox %s: %v", h.sandboxID, err)
		}
	}
	return nil
}

// findFreePort asks the kernel for an unused TCP port.
func findFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// runCLI executes the container CLI and returns stdout, stderr and the
// exit code.
func runCLI(ctx context.Context, bin string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	code := 0
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	return stdout.String(), stderr.String(), code, err
}
