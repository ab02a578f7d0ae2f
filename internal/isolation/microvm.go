package isolation

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opendevbox/opendevbox/internal/errdefs"
)

const (
	agentGuestPort = 2080
	// Boot args keep the guest quiet and disable hardware the VM
	// doesn't carry.
	microVMBootArgs = "console=ttyS0 reboot=k panic=1 pci=off quiet i8042.noaux"
)

// MicroVMConfig configures the microVM driver.
type MicroVMConfig struct {
	Bin        string // VMM binary, default "firecracker"
	KernelPath string
	RootfsPath string
	RuntimeDir string // per-VM sockets and overlay drives, default os.TempDir()
	DefaultMem int    // MiB, default 512
	DefaultCPU int    // default 1
}

// Compile-time checks.
var (
	_ Driver = (*MicroVMDriver)(nil)
	_ Handle = (*microVMHandle)(nil)
)

// MicroVMDriver backs sandboxes with lightweight VMs. The VMM is driven
// over a per-VM API socket; command execution goes through the in-guest
// agent on a vsock-backed control socket.
type MicroVMDriver struct {
	cfg     MicroVMConfig
	nextCID atomic.Uint32
}

// NewMicroVMDriver creates a microVM driver.
func NewMicroVMDriver(cfg MicroVMConfig) *MicroVMDriver {
	if cfg.Bin == "" {
		cfg.Bin = "firecracker"
	}
	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = os.TempDir()
	}
	if cfg.DefaultMem == 0 {
		cfg.DefaultMem = 512
	}
	if cfg.DefaultCPU == 0 {
		cfg.DefaultCPU = 1
	}
	d := &MicroVMDriver{cfg: cfg}
	d.nextCID.Store(2) // CIDs 0-2 are reserved; first allocation is 3
	return d
}

func (d *MicroVMDriver) Kind() string { return KindMicroVM }

// Available reports whether the VMM binary, kernel, and rootfs are all
// present; used by auto-selection.
func (d *MicroVMDriver) Available() bool {
	if _, err := exec.LookPath(d.cfg.Bin); err != nil {
		return false
	}
	if d.cfg.KernelPath == "" || d.cfg.RootfsPath == "" {
		return false
	}
	if _, err := os.Stat(d.cfg.KernelPath); err != nil {
		return false
	}
	_, err := os.Stat(d.cfg.RootfsPath)
	return err == nil
}

// Provision launches the VMM process and configures the VM. The instance
// is not booted until Start.
func (d *MicroVMDriver) Provision(ctx context.Context, spec ProvisionSpec) (Handle, error) {
	if err := os.MkdirAll(spec.WorkspaceRoot, 0700); err != nil {
		return nil, fmt.Errorf("failed to create workspace for sandbox %s: %w", spec.SandboxID, err)
	}
	vmDir := filepath.Join(d.cfg.RuntimeDir, "devbox-vm-"+spec.SandboxID)
	if err := os.MkdirAll(vmDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create vm dir for sandbox %s: %w", spec.SandboxID, err)
	}

	apiSock := filepath.Join(vmDir, "api.sock")
	vsockPath := filepath.Join(vmDir, "agent.vsock")

	cmd := exec.Command(d.cfg.Bin, "--api-sock", apiSock)
	cmd.Dir = vmDir
	if err := cmd.Start(); err != nil {
		os.RemoveAll(vmDir)
		return nil, fmt.Errorf("failed to launch VMM for sandbox %s: %w", spec.SandboxID, err)
	}

	h := &microVMHandle{
		hs:        newHandleState(),
		sandboxID: spec.SandboxID,
		workspace: spec.WorkspaceRoot,
		vmDir:     vmDir,
		vmm:       cmd,
		api:       newVMClient(apiSock),
		agent:     newAgentClient(vsockPath, agentGuestPort),
	}

	if err := h.configure(d, spec, vsockPath); err != nil {
		h.killVMM()
		os.RemoveAll(vmDir)
		return nil, err
	}
	return h, nil
}

type microVMHandle struct {
	hs        *handleState
	sandboxID string
	workspace string
	vmDir     string
	vmm       *exec.Cmd
	api       *vmClient
	agent     *agentClient

	mu     sync.Mutex
	booted bool
}

func (h *microVMHandle) configure(d *MicroVMDriver, spec ProvisionSpec, vsockPath string) error {
	if err := h.api.waitForSocket(5 * time.Second); err != nil {
		return fmt.Errorf("VMM for sandbox %s did not come up: %w", spec.SandboxID, err)
	}

	cpus := spec.Caps.CPUs
	if cpus <= 0 {
		cpus = d.cfg.DefaultCPU
	}
	mem := spec.Caps.MemoryMB
	if mem <= 0 {
		mem = d.cfg.DefaultMem
	}

	if err := h.api.putMachineConfig(cpus, mem); err != nil {
		return fmt.Errorf("failed to configure machine for sandbox %s: %w", spec.SandboxID, err)
	}
	if err := h.api.putBootSource(d.cfg.KernelPath, microVMBootArgs); err != nil {
		return fmt.Errorf("failed to configure boot source for sandbox %s: %w", spec.SandboxID, err)
	}
	if err := h.api.putDrive("rootfs", d.cfg.RootfsPath, true, true); err != nil {
		return fmt.Errorf("failed to attach rootfs for sandbox %s: %w", spec.SandboxID, err)
	}
	if err := h.api.putVsock(d.nextCID.Add(1), vsockPath); err != nil {
		return fmt.Errorf("failed to configure vsock for sandbox %s: %w", spec.SandboxID, err)
	}
	return nil
}

func (h *microVMHandle) Kind() string { return KindMicroVM }
func (h *microVMHandle) State() State { return h.hs.current() }

// Start boots the instance (first call) or resumes a paused one.
func (h *microVMHandle) Start(ctx context.Context) error {
	changed, err := h.hs.transition(StateRunning, StateProvisioned, StatePaused)
	if err != nil || !changed {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.booted {
		if err := h.api.resumeVM(); err != nil {
			return fmt.Errorf("failed to resume sandbox %s: %w", h.sandboxID, err)
		}
		return nil
	}
	if err := h.api.startInstance(); err != nil {
		_, _ = h.hs.transition(StateProvisioned, StateRunning)
		return fmt.Errorf("failed to boot sandbox %s: %w", h.sandboxID, err)
	}
	h.booted = true
	return nil
}

func (h *microVMHandle) Pause(ctx context.Context) error {
	changed, err := h.hs.transition(StatePaused, StateRunning)
	if err != nil || !changed {
		return err
	}
	if err := h.api.pauseVM(); err != nil {
		return fmt.Errorf("failed to pause sandbox %s: %w", h.sandboxID, err)
	}
	return nil
}

func (h *microVMHandle) Resume(ctx context.Context) error {
	changed, err := h.hs.transition(StateRunning, StatePaused)
	if err != nil || !changed {
		return err
	}
	if err := h.api.resumeVM(); err != nil {
		return fmt.Errorf("failed to resume sandbox %s: %w", h.sandboxID, err)
	}
	return nil
}

// Stop terminates the VMM process; a microVM has no softer off switch
// worth waiting for.
func (h *microVMHandle) Stop(ctx context.Context) error {
	changed, err := h.hs.transition(StateStopped, StateRunning, StatePaused)
	if err != nil || !changed {
		return err
	}
	h.killVMM()
	return nil
}

func (h *microVMHandle) killVMM() {
	if h.vmm.Process != nil {
		_ = h.vmm.Process.Kill()
		_, _ = h.vmm.Process.Wait()
	}
}

// Exec forwards the command to the in-guest agent.
func (h *microVMHandle) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
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
	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout+5)*time.Second)
	defer cancel()

	resp, err := h.agent.exec(execCtx, agentExecRequest{
		Argv:           req.Argv,
		Stdin:          req.Stdin,
		TimeoutSeconds: timeout,
	})
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return &ExecResult{TimedOut: true}, nil
		}
		return nil, errdefs.Transient(fmt.Errorf("exec in sandbox %s failed: %w", h.sandboxID, err))
	}
	return &ExecResult{
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		ExitCode: resp.ExitCode,
		TimedOut: resp.TimedOut,
	}, nil
}

// OpenStream opens a raw terminal stream through the guest agent.
func (h *microVMHandle) OpenStream(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := h.hs.require(StateRunning); err != nil {
		return nil, err
	}
	conn, err := h.agent.stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open terminal for sandbox %s: %w", h.sandboxID, err)
	}
	return conn, nil
}

// Mount attaches hostPath as an extra drive. Drives can only be added
// before the instance boots.
func (h *microVMHandle) Mount(ctx context.Context, hostPath, guestPath string, readOnly bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.booted {
		return errdefs.Precondition("mounts must be registered before the sandbox first starts")
	}
	driveID := "mount-" + filepath.Base(guestPath)
	if err := h.api.putDrive(driveID, hostPath, false, readOnly); err != nil {
		return fmt.Errorf("failed to attach mount %s for sandbox %s: %w", hostPath, h.sandboxID, err)
	}
	return nil
}

// Destroy kills the VMM and removes its runtime directory. The workspace
// stays on disk unless removeWorkspace is set.
func (h *microVMHandle) Destroy(ctx context.Context, removeWorkspace bool) error {
	if _, err := h.hs.transition(StateDestroyed, StateProvisioned, StateRunning, StatePaused, StateStopped); err != nil {
		return err
	}
	h.killVMM()
	if err := os.RemoveAll(h.vmDir); err != nil {
		log.Printf("microvm: failed to remove vm dir for sandbox %s: %v", h.sandboxID, err)
	}
	if removeWorkspace {
		if err := os.RemoveAll(h.workspace); err != nil {
			log.Printf("microvm: failed to remove workspace for sandbox %s: %v", h.sandboxID, err)
		}
	}
	return nil
}
