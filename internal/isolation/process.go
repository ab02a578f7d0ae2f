package isolation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/opendevbox/opendevbox/internal/errdefs"
)

// defaultAllowList is the built-in command set for the process driver.
// Deployments extend it via configuration; anything else is rejected
// because this driver offers no kernel-level isolation.
var defaultAllowList = []string{
	"sh", "bash", "echo", "cat", "ls", "env", "pwd", "sleep", "true", "false",
}

// Compile-time checks.
var (
	_ Driver = (*ProcessDriver)(nil)
	_ Handle = (*processHandle)(nil)
)

// ProcessDriver runs sandbox commands as host child processes scoped to
// the workspace directory. It exists to keep the control plane functional
// where neither the microVM nor the container backend is available.
type ProcessDriver struct {
	allow map[string]bool
}

// NewProcessDriver creates a process driver. extraAllow supplements the
// built-in command allow-list.
func NewProcessDriver(extraAllow []string) *ProcessDriver {
	allow := make(map[string]bool, len(defaultAllowList)+len(extraAllow))
	for _, cmd := range defaultAllowList {
		allow[cmd] = true
	}
	for _, cmd := range extraAllow {
		allow[cmd] = true
	}
	return &ProcessDriver{allow: allow}
}

func (d *ProcessDriver) Kind() string { return KindProcess }

// Provision creates the workspace directory and returns a handle.
func (d *ProcessDriver) Provision(ctx context.Context, spec ProvisionSpec) (Handle, error) {
	if err := os.MkdirAll(spec.WorkspaceRoot, 0700); err != nil {
		return nil, fmt.Errorf("failed to create workspace for sandbox %s: %w", spec.SandboxID, err)
	}
	return &processHandle{
		hs:        newHandleState(),
		driver:    d,
		sandboxID: spec.SandboxID,
		workspace: spec.WorkspaceRoot,
		env:       spec.Env,
		pgids:     make(map[int]bool),
	}, nil
}

type processHandle struct {
	hs        *handleState
	driver    *ProcessDriver
	sandboxID string
	workspace string
	env       map[string]string

	mu    sync.Mutex
	pgids map[int]bool // live child process groups
}

func (h *processHandle) Kind() string { return KindProcess }
func (h *processHandle) State() State { return h.hs.current() }

func (h *processHandle) Start(ctx context.Context) error {
	_, err := h.hs.transition(StateRunning, StateProvisioned, StatePaused)
	return err
}

// Pause stops every live child process group with SIGSTOP.
func (h *processHandle) Pause(ctx context.Context) error {
	changed, err := h.hs.transition(StatePaused, StateRunning)
	if err != nil || !changed {
		return err
	}
	h.signalAll(unix.SIGSTOP)
	return nil
}

// Resume continues paused child process groups with SIGCONT.
func (h *processHandle) Resume(ctx context.Context) error {
	changed, err := h.hs.transition(StateRunning, StatePaused)
	if err != nil || !changed {
		return err
	}
	h.signalAll(unix.SIGCONT)
	return nil
}

func (h *processHandle) Stop(ctx context.Context) error {
	changed, err := h.hs.transition(StateStopped, StateRunning, StatePaused)
	if err != nil || !changed {
		return err
	}
	h.signalAll(unix.SIGKILL)
	return nil
}

func (h *processHandle) signalAll(sig unix.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for pgid := range h.pgids {
		_ = unix.Kill(-pgid, sig)
	}
}

func (h *processHandle) trackPgid(pgid int) {
	h.mu.Lock()
	h.pgids[pgid] = true
	h.mu.Unlock()
}

func (h *processHandle) untrackPgid(pgid int) {
	h.mu.Lock()
	delete(h.pgids, pgid)
	h.mu.Unlock()
}

// allowed checks the command against the driver allow-list.
func (h *processHandle) allowed(argv []string) error {
	if len(argv) == 0 {
		return errdefs.InvalidArgument("empty command")
	}
	if !h.driver.allow[filepath.Base(argv[0])] {
		return errdefs.InvalidArgument("command %q is not in the process driver allow-list", argv[0])
	}
	return nil
}

// Exec runs argv with the workspace as working directory. On timeout the
// child's process group is killed and TimedOut is reported.
func (h *processHandle) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	if err := h.hs.require(StateRunning); err != nil {
		return nil, err
	}
	if err := h.allowed(req.Argv); err != nil {
		return nil, err
	}

	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = 30
	}
	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Dir = h.workspace
	cmd.Env = flattenEnv(h.env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %q in sandbox %s: %w", req.Argv[0], h.sandboxID, err)
	}
	pgid := cmd.Process.Pid
	h.trackPgid(pgid)
	defer h.untrackPgid(pgid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-execCtx.Done():
		// Kill the whole group so shell children die with the parent.
		_ = unix.Kill(-pgid, unix.SIGKILL)
		<-done
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
		result.CPUSeconds = int64((cmd.ProcessState.UserTime() + cmd.ProcessState.SystemTime()).Seconds())
	}
	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); !ok {
			return nil, fmt.Errorf("exec in sandbox %s failed: %w", h.sandboxID, waitErr)
		}
	}
	return result, nil
}

// OpenStream starts an interactive shell on a PTY rooted at the workspace.
func (h *processHandle) OpenStream(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := h.hs.require(StateRunning); err != nil {
		return nil, err
	}

	cmd := exec.Command("sh", "-i")
	cmd.Dir = h.workspace
	cmd.Env = flattenEnv(h.env)

	f, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to open pty for sandbox %s: %w", h.sandboxID, err)
	}
	pgid := cmd.Process.Pid
	h.trackPgid(pgid)

	return &ptyStream{
		File: f,
		close: func() {
			h.untrackPgid(pgid)
			_ = unix.Kill(-pgid, unix.SIGKILL)
			_, _ = cmd.Process.Wait()
		},
	}, nil
}

// ptyStream closes the shell process along with the PTY file.
type ptyStream struct {
	*os.File
	once  sync.Once
	close func()
}

func (s *ptyStream) Close() error {
	err := s.File.Close()
	s.once.Do(s.close)
	return err
}

// Mount is not supported by the process driver: there is no mount
// namespace to bind into.
func (h *processHandle) Mount(ctx context.Context, hostPath, guestPath string, readOnly bool) error {
	return errdefs.InvalidArgument("mount is not supported by the process driver")
}

// Destroy kills remaining children. The workspace stays on disk unless
// removeWorkspace is set.
func (h *processHandle) Destroy(ctx context.Context, removeWorkspace bool) error {
	if _, err := h.hs.transition(StateDestroyed, StateProvisioned, StateRunning, StatePaused, StateStopped); err != nil {
		return err
	}
	h.signalAll(unix.SIGKILL)
	if removeWorkspace {
		if err := os.RemoveAll(h.workspace); err != nil {
			log.Printf("process: failed to remove workspace for sandbox %s: %v", h.sandboxID, err)
		}
	}
	return nil
}

func flattenEnv(env map[string]string) []string {
	out := []string{"PATH=/usr/local/bin:/usr/bin:/bin", "HOME=/tmp"}
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
