// Package isolation abstracts the sandbox lifecycle backend. Three
// drivers implement it: microVM, container, and a filesystem-scoped
// process fallback. Callers select one via configuration or auto-probe.
package isolation

import (
	"context"
	"io"
	"sync"

	"github.com/opendevbox/opendevbox/internal/errdefs"
)

// Driver kinds.
const (
	KindMicroVM   = "microvm"
	KindContainer = "container"
	KindProcess   = "process"
)

// State is the lifecycle state of a driver handle.
type State int

const (
	StateUninitialized State = iota
	StateProvisioned
	StateRunning
	StatePaused
	StateStopped
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateProvisioned:
		return "provisioned"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// ResourceCaps bound the resources a sandbox may consume.
type ResourceCaps struct {
	CPUs     int
	MemoryMB int
}

// ProvisionSpec describes the sandbox a driver should back.
type ProvisionSpec struct {
	SandboxID     string
	UserID        string
	WorkspaceRoot string
	Caps          ResourceCaps
	Env           map[string]string
	// ExposePort publishes the given guest port on an allocated host
	// port (container driver; used for preview fallback replicas).
	ExposePort int
}

// ExecRequest runs one command inside the sandbox.
type ExecRequest struct {
	Argv           []string
	Stdin          []byte
	TimeoutSeconds int
}

// ExecResult is the outcome of an exec. TimedOut=true means the child was
// terminated and ExitCode is undefined.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	// CPUSeconds is the child's consumed CPU time where the driver can
	// observe it (process driver only; 0 otherwise).
	CPUSeconds int64
}

// Driver provisions sandbox handles of one kind.
type Driver interface {
	Kind() string
	Provision(ctx context.Context, spec ProvisionSpec) (Handle, error)
}

// Handle is one provisioned sandbox instance. Start, Pause, Resume and
// Stop are idempotent; Exec and OpenStream are only valid while running.
// Destroy leaves the workspace root on disk unless removeWorkspace is set.
type Handle interface {
	Kind() string
	State() State
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	Exec(ctx context.Context, req ExecRequest) (*ExecResult, error)
	OpenStream(ctx context.Context) (io.ReadWriteCloser, error)
	Mount(ctx context.Context, hostPath, guestPath string, readOnly bool) error
	Destroy(ctx context.Context, removeWorkspace bool) error
}

// handleState enforces the lifecycle state machine shared by all drivers:
//
//	uninitialized → provisioned → running ↔ paused → stopped → destroyed
//
// Unlisted transitions are precondition errors. Transitions to the
// current state are treated as no-ops so lifecycle calls stay idempotent.
type handleState struct {
	mu    sync.Mutex
	state State
}

func newHandleState() *handleState {
	return &handleState{state: StateProvisioned}
}

// current returns the state under the lock.
func (h *handleState) current() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// transition moves to target if the current state is target (no-op) or in
// allowedFrom. The returned bool is false for the no-op case.
func (h *handleState) transition(target State, allowedFrom ...State) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == target {
		return false, nil
	}
	for _, from := range allowedFrom {
		if h.state == from {
			h.state = target
			return true, nil
		}
	}
	return false, errdefs.Precondition("cannot transition from %s to %s", h.state, target)
}

// require fails unless the current state matches want.
func (h *handleState) require(want State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != want {
		return errdefs.Precondition("operation requires state %s, sandbox is %s", want, h.state)
	}
	return nil
}
