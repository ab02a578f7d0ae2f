// Package sandbox owns per-sandbox state: lifecycle, exec, virtual file
// operations, background jobs, preview port registry, and keepalive
// supervision.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opendevbox/opendevbox/internal/errdefs"
	"github.com/opendevbox/opendevbox/internal/isolation"
	"github.com/opendevbox/opendevbox/internal/metrics"
	"github.com/opendevbox/opendevbox/internal/quota"
	"github.com/opendevbox/opendevbox/internal/snapshot"
	"github.com/opendevbox/opendevbox/pkg/types"
)

// Publisher receives sandbox lifecycle events (NATS when configured).
type Publisher interface {
	Publish(eventType, sandboxID, userID string, payload any)
}

// Options configures the Runtime.
type Options struct {
	WorkspacesRoot string
	ExecTimeout    time.Duration // default 30s
	KeepaliveTTL   time.Duration // default 300s
	SweepInterval  time.Duration // default 30s
	ProbeTimeout   time.Duration // fallback health probe budget, default 10s

	// Provisioner creates fallback replicas for preview promotion. When
	// nil, promotion is backed by the container driver in Fallback.
	Provisioner ReplicaProvisioner
	Fallback    *isolation.ContainerDriver

	Publisher Publisher
}

// Runtime manages all sandboxes on this control plane instance.
type Runtime struct {
	driver isolation.Driver
	quotas *quota.Manager
	opts   Options
	events *eventLogManager

	mu        sync.RWMutex
	sandboxes map[string]*Sandbox

	stop     chan struct{}
	sweeping sync.WaitGroup
}

// Sandbox holds one sandbox's mutable state. The main mutex guards state
// transitions, jobs, and counters; driver work happens outside it. The
// workspace RW lock pauses writers while a snapshot streams.
type Sandbox struct {
	id         string
	userID     string
	driverKind string
	workspace  string
	createdAt  time.Time

	mu        sync.Mutex
	state     types.SandboxState
	handle    isolation.Handle
	deadline  time.Time
	jobs      map[string]*job
	inFlight  int
	replicas  map[int]isolation.Handle
	promoting map[int]chan struct{}

	wsMu  sync.RWMutex
	ports atomic.Pointer[map[int]types.Upstream]
}

// NewRuntime creates the sandbox runtime.
func NewRuntime(driver isolation.Driver, quotas *quota.Manager, opts Options) *Runtime {
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 30 * time.Second
	}
	if opts.KeepaliveTTL <= 0 {
		opts.KeepaliveTTL = 300 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.Provisioner == nil && opts.Fallback != nil {
		opts.Provisioner = &containerReplicaProvisioner{driver: opts.Fallback}
	}
	r := &Runtime{
		driver:    driver,
		quotas:    quotas,
		opts:      opts,
		events:    newEventLogManager(filepath.Join(opts.WorkspacesRoot, ".meta")),
		sandboxes: make(map[string]*Sandbox),
		stop:      make(chan struct{}),
	}
	r.sweeping.Add(1)
	go r.superviseLoop()
	return r
}

// Close stops the supervisor loop. Sandboxes are left as-is.
func (r *Runtime) Close() {
	close(r.stop)
	r.sweeping.Wait()
}

// validateID rejects identifiers that could change the workspace path.
func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\") || id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return errdefs.InvalidArgument("invalid identifier %q", id)
	}
	return nil
}

// Create provisions a sandbox for userID and starts it.
func (r *Runtime) Create(ctx context.Context, userID string, cfg types.SandboxConfig) (*types.Sandbox, error) {
	if err := validateID(userID); err != nil {
		return nil, err
	}

	id := "sb-" + uuid.New().String()[:8]
	workspace := filepath.Join(r.opts.WorkspacesRoot, userID, id)
	if err := os.MkdirAll(workspace, 0700); err != nil {
		return nil, fmt.Errorf("failed to create workspace for sandbox %s: %w", id, err)
	}

	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = r.opts.KeepaliveTTL
	}

	s := &Sandbox{
		id:         id,
		userID:     userID,
		driverKind: r.driver.Kind(),
		workspace:  workspace,
		createdAt:  time.Now(),
		state:      types.SandboxStateCreating,
		deadline:   time.Now().Add(ttl),
		jobs:       make(map[string]*job),
		replicas:   make(map[int]isolation.Handle),
		promoting:  make(map[int]chan struct{}),
	}
	empty := make(map[int]types.Upstream)
	s.ports.Store(&empty)

	handle, err := r.driver.Provision(ctx, isolation.ProvisionSpec{
		SandboxID:     id,
		UserID:        userID,
		WorkspaceRoot: workspace,
		Caps: isolation.ResourceCaps{
			CPUs:     cfg.CpuCount,
			MemoryMB: cfg.MemoryMB,
		},
		Env: cfg.Envs,
	})
	if err != nil {
		os.RemoveAll(workspace)
		return nil, fmt.Errorf("failed to provision sandbox %s: %w", id, err)
	}
	if err := handle.Start(ctx); err != nil {
		_ = handle.Destroy(ctx, true)
		return nil, fmt.Errorf("failed to start sandbox %s: %w", id, err)
	}

	s.handle = handle
	s.state = types.SandboxStateRunning

	r.mu.Lock()
	r.sandboxes[id] = s
	r.mu.Unlock()

	r.quotas.Register(id)
	metrics.SandboxCreatedTotal.Inc()
	metrics.SandboxActive.Inc()

	if eventLog, err := r.events.get(id); err == nil {
		_ = eventLog.LogEvent("created", map[string]string{"user_id": userID, "driver": s.driverKind})
	}
	r.publish("sandbox.created", s, map[string]string{"driver": s.driverKind})

	return s.view(), nil
}

func (r *Runtime) publish(eventType string, s *Sandbox, payload any) {
	if r.opts.Publisher != nil {
		r.opts.Publisher.Publish(eventType, s.id, s.userID, payload)
	}
}

// get returns the sandbox, enforcing ownership when userID is non-empty.
// A sandbox owned by someone else is reported as missing, never as
// forbidden.
func (r *Runtime) get(sandboxID, userID string) (*Sandbox, error) {
	r.mu.RLock()
	s, ok := r.sandboxes[sandboxID]
	r.mu.RUnlock()
	if !ok || (userID != "" && s.userID != userID) {
		return nil, errdefs.NotFound("sandbox %s not found", sandboxID)
	}
	return s, nil
}

// Get returns the sandbox view for its owner.
func (r *Runtime) Get(sandboxID, userID string) (*types.Sandbox, error) {
	s, err := r.get(sandboxID, userID)
	if err != nil {
		return nil, err
	}
	return s.view(), nil
}

// List returns all sandboxes owned by userID.
func (r *Runtime) List(userID string) []types.Sandbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Sandbox, 0)
	for _, s := range r.sandboxes {
		if s.userID == userID {
			out = append(out, *s.view())
		}
	}
	return out
}

func (s *Sandbox) view() *types.Sandbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &types.Sandbox{
		ID:         s.id,
		UserID:     s.userID,
		State:      s.state,
		DriverKind: s.driverKind,
		Workspace:  s.workspace,
		CreatedAt:  s.createdAt,
		Deadline:   s.deadline,
	}
}

// Exec runs a command in the sandbox after quota admission. The sandbox
// mutex is held only to validate state and count the in-flight exec;
// driver work happens under the workspace read lock so snapshots can
// pause writers.
func (r *Runtime) Exec(ctx context.Context, userID, sandboxID string, req types.ExecRequest) (*types.ExecResult, error) {
	s, err := r.get(sandboxID, userID)
	if err != nil {
		return nil, err
	}
	if len(req.Argv) == 0 {
		return nil, errdefs.InvalidArgument("argv must not be empty")
	}

	s.mu.Lock()
	if s.state != types.SandboxStateRunning {
		s.mu.Unlock()
		return nil, errdefs.Precondition("sandbox %s is %s, not running", sandboxID, s.state)
	}
	if err := r.quotas.AdmitExec(sandboxID); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.inFlight++
	handle := s.handle
	s.mu.Unlock()

	defer func() {
		r.quotas.ReleaseExec(sandboxID)
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = int(r.opts.ExecTimeout.Seconds())
	}

	start := time.Now()
	s.wsMu.RLock()
	result, err := handle.Exec(ctx, isolation.ExecRequest{
		Argv:           req.Argv,
		Stdin:          []byte(req.Stdin),
		TimeoutSeconds: timeout,
	})
	s.wsMu.RUnlock()
	duration := time.Since(start)

	if err != nil {
		return nil, err
	}

	metrics.SandboxExecTotal.WithLabelValues(sandboxID, filepath.Base(req.Argv[0])).Inc()
	metrics.SandboxExecDuration.Observe(duration.Seconds())
	if result.CPUSeconds > 0 {
		r.quotas.AddCPUSeconds(sandboxID, result.CPUSeconds)
	}
	if eventLog, lerr := r.events.get(sandboxID); lerr == nil {
		_ = eventLog.LogCommand(req.Argv, result.ExitCode, result.TimedOut, duration.Milliseconds())
	}

	return &types.ExecResult{
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
		TimedOut: result.TimedOut,
	}, nil
}

// Keepalive extends the sandbox's reap deadline by ttl.
func (r *Runtime) Keepalive(userID, sandboxID string, ttl time.Duration) (time.Time, error) {
	s, err := r.get(sandboxID, userID)
	if err != nil {
		return time.Time{}, err
	}
	if ttl <= 0 {
		ttl = r.opts.KeepaliveTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == types.SandboxStateDestroyed {
		return time.Time{}, errdefs.Precondition("sandbox %s is destroyed", sandboxID)
	}
	s.deadline = time.Now().Add(ttl)
	return s.deadline, nil
}

// Mount binds a host path into the sandbox.
func (r *Runtime) Mount(ctx context.Context, userID, sandboxID, hostPath, guestPath string, readOnly bool) error {
	s, err := r.get(sandboxID, userID)
	if err != nil {
		return err
	}
	if !filepath.IsAbs(hostPath) || !filepath.IsAbs(guestPath) {
		return errdefs.InvalidArgument("mount paths must be absolute")
	}
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	return handle.Mount(ctx, hostPath, guestPath, readOnly)
}

// OpenTerminal opens a bidirectional byte stream into the sandbox.
func (r *Runtime) OpenTerminal(ctx context.Context, userID, sandboxID string) (io.ReadWriteCloser, error) {
	s, err := r.get(sandboxID, userID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.state != types.SandboxStateRunning {
		s.mu.Unlock()
		return nil, errdefs.Precondition("sandbox %s is %s, not running", sandboxID, s.state)
	}
	handle := s.handle
	s.mu.Unlock()
	return handle.OpenStream(ctx)
}

// Stats returns the sandbox's quota bucket utilization.
func (r *Runtime) Stats(userID, sandboxID string) (types.StatsResponse, error) {
	if _, err := r.get(sandboxID, userID); err != nil {
		return types.StatsResponse{}, err
	}
	return r.quotas.Stats(sandboxID), nil
}

// Destroy stops background jobs, destroys the driver handle and any
// fallback replicas, removes the workspace, and releases the quota
// bucket and port registry.
func (r *Runtime) Destroy(ctx context.Context, userID, sandboxID string) error {
	s, err := r.get(sandboxID, userID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == types.SandboxStateDestroyed {
		s.mu.Unlock()
		return nil
	}
	s.state = types.SandboxStateDestroyed
	for _, j := range s.jobs {
		j.stopLocked()
	}
	handle := s.handle
	replicas := s.replicas
	s.replicas = map[int]isolation.Handle{}
	s.mu.Unlock()

	for port, replica := range replicas {
		if derr := replica.Destroy(ctx, false); derr != nil {
			log.Printf("runtime: failed to destroy replica for %s port %d: %v", sandboxID, port, derr)
		}
	}
	if err := handle.Destroy(ctx, true); err != nil {
		return fmt.Errorf("failed to destroy sandbox %s: %w", sandboxID, err)
	}

	empty := make(map[int]types.Upstream)
	s.ports.Store(&empty)

	r.mu.Lock()
	delete(r.sandboxes, sandboxID)
	r.mu.Unlock()

	r.quotas.Remove(sandboxID)
	r.events.closeAndRemove(sandboxID)
	metrics.SandboxActive.Dec()
	r.publish("sandbox.destroyed", s, nil)
	return nil
}

// SnapshotWorkspace archives the sandbox's workspace through the engine
// while holding the workspace write lock, so no exec or file write runs
// during the walk.
func (r *Runtime) SnapshotWorkspace(ctx context.Context, userID, sandboxID string, eng *snapshot.Engine) (*types.Snapshot, error) {
	s, err := r.get(sandboxID, userID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.state != types.SandboxStateRunning && s.state != types.SandboxStatePaused {
		s.mu.Unlock()
		return nil, errdefs.Precondition("sandbox %s is %s", sandboxID, s.state)
	}
	s.mu.Unlock()

	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	snap, err := eng.Create(ctx, userID, sandboxID, s.workspace)
	if err != nil {
		return nil, err
	}
	r.publish("snapshot.created", s, map[string]string{"snapshot_id": snap.ID})
	return snap, nil
}

// RestoreWorkspace replaces the sandbox's workspace with a snapshot,
// pausing writers for the duration.
func (r *Runtime) RestoreWorkspace(ctx context.Context, userID, sandboxID, snapshotID string, eng *snapshot.Engine) error {
	s, err := r.get(sandboxID, userID)
	if err != nil {
		return err
	}
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	if err := eng.Restore(ctx, userID, snapshotID, s.workspace); err != nil {
		return err
	}
	r.publish("snapshot.restored", s, map[string]string{"snapshot_id": snapshotID})
	return nil
}

// superviseLoop reaps sandboxes whose keepalive deadline passed and that
// have no running background jobs or in-flight execs.
func (r *Runtime) superviseLoop() {
	defer r.sweeping.Done()
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stop:
			return
		}
	}
}

func (r *Runtime) sweep() {
	now := time.Now()
	r.mu.RLock()
	var expired []*Sandbox
	for _, s := range r.sandboxes {
		s.mu.Lock()
		idle := s.inFlight == 0 && !s.anyJobRunningLocked()
		past := now.After(s.deadline)
		s.mu.Unlock()
		if past && idle {
			expired = append(expired, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range expired {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		log.Printf("supervisor: reaping sandbox %s (deadline passed)", s.id)
		if err := r.Destroy(ctx, s.userID, s.id); err != nil {
			log.Printf("supervisor: failed to reap sandbox %s: %v", s.id, err)
		}
		cancel()
	}
}
