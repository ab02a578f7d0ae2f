package sandbox

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/opendevbox/opendevbox/internal/errdefs"
	"github.com/opendevbox/opendevbox/internal/isolation"
	"github.com/opendevbox/opendevbox/pkg/types"
)

// RegisterPreview installs (or overwrites) the port → upstream mapping.
// The registry is swapped atomically so the proxy reads it lock-free.
func (r *Runtime) RegisterPreview(userID, sandboxID string, port int, upstream types.Upstream) error {
	s, err := r.get(sandboxID, userID)
	if err != nil {
		return err
	}
	if port < 1 || port > 65535 {
		return errdefs.InvalidArgument("port %d out of range", port)
	}
	if upstream.Host == "" || upstream.Port < 1 || upstream.Port > 65535 {
		return errdefs.InvalidArgument("upstream host and port are required")
	}
	if upstream.Scheme == "" {
		upstream.Scheme = "http"
	}
	if upstream.DriverKind == "" {
		upstream.DriverKind = s.driverKind
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == types.SandboxStateDestroyed {
		return errdefs.Precondition("sandbox %s is destroyed", sandboxID)
	}
	s.swapPortLocked(port, &upstream)
	return nil
}

// swapPortLocked replaces one entry in the port registry via copy and
// atomic pointer swap. A nil upstream deletes the entry. The caller
// holds the sandbox mutex, which serializes writers.
func (s *Sandbox) swapPortLocked(port int, upstream *types.Upstream) {
	old := s.ports.Load()
	next := make(map[int]types.Upstream, len(*old)+1)
	for k, v := range *old {
		next[k] = v
	}
	if upstream == nil {
		delete(next, port)
	} else {
		next[port] = *upstream
	}
	s.ports.Store(&next)
}

// LookupUpstream resolves (sandboxID, port) for the preview proxy. The
// read is lock-free against the latest registry snapshot.
func (r *Runtime) LookupUpstream(sandboxID string, port int) (types.Upstream, bool) {
	r.mu.RLock()
	s, ok := r.sandboxes[sandboxID]
	r.mu.RUnlock()
	if !ok {
		return types.Upstream{}, false
	}
	ports := s.ports.Load()
	upstream, ok := (*ports)[port]
	return upstream, ok
}

// RecordEgress accounts bytes proxied out of a sandbox.
func (r *Runtime) RecordEgress(sandboxID string, bytes int64) {
	r.quotas.AddEgress(sandboxID, bytes)
}

// ReplicaSpec describes the fallback replica to provision.
type ReplicaSpec struct {
	SandboxID string
	UserID    string
	Workspace string
	Port      int
}

// ReplicaProvisioner creates a container-backed replica of a sandbox's
// workspace for preview fallback promotion.
type ReplicaProvisioner interface {
	ProvisionReplica(ctx context.Context, spec ReplicaSpec) (types.Upstream, isolation.Handle, error)
}

// containerReplicaProvisioner backs replicas with the container driver,
// publishing the preview port on an allocated host port.
type containerReplicaProvisioner struct {
	driver *isolation.ContainerDriver
}

func (p *containerReplicaProvisioner) ProvisionReplica(ctx context.Context, spec ReplicaSpec) (types.Upstream, isolation.Handle, error) {
	handle, err := p.driver.Provision(ctx, isolation.ProvisionSpec{
		SandboxID:     spec.SandboxID + "-fb",
		UserID:        spec.UserID,
		WorkspaceRoot: spec.Workspace,
		ExposePort:    spec.Port,
	})
	if err != nil {
		return types.Upstream{}, nil, fmt.Errorf("failed to provision fallback replica: %w", err)
	}
	if err := handle.Start(ctx); err != nil {
		_ = handle.Destroy(ctx, false)
		return types.Upstream{}, nil, fmt.Errorf("failed to start fallback replica: %w", err)
	}

	hostPort := spec.Port
	type hostPorter interface{ HostPort() int }
	if hp, ok := handle.(hostPorter); ok && hp.HostPort() > 0 {
		hostPort = hp.HostPort()
	}
	return types.Upstream{
		Host:       "127.0.0.1",
		Port:       hostPort,
		Scheme:     "http",
		DriverKind: isolation.KindContainer,
	}, handle, nil
}

// PromoteToFallback provisions a container-backed replica of the
// workspace for the given preview port, waits for the new upstream to
// answer a health probe, swaps the port descriptor, and only then stops
// the replica it supersedes. Concurrent callers for the same port share
// one promotion.
func (r *Runtime) PromoteToFallback(ctx context.Context, sandboxID string, port int) (types.Upstream, error) {
	s, err := r.get(sandboxID, "")
	if err != nil {
		return types.Upstream{}, err
	}
	if r.opts.Provisioner == nil {
		return types.Upstream{}, errdefs.Upstream(fmt.Errorf("no fallback backend configured"))
	}

	ports := s.ports.Load()
	if _, ok := (*ports)[port]; !ok {
		return types.Upstream{}, errdefs.NotFound("no preview registered for port %d", port)
	}

	// Deduplicate concurrent promotions of the same port.
	s.mu.Lock()
	if waitCh, inProgress := s.promoting[port]; inProgress {
		s.mu.Unlock()
		select {
		case <-waitCh:
		case <-ctx.Done():
			return types.Upstream{}, ctx.Err()
		}
		if upstream, ok := r.LookupUpstream(sandboxID, port); ok {
			return upstream, nil
		}
		return types.Upstream{}, errdefs.Upstream(fmt.Errorf("promotion for port %d did not produce an upstream", port))
	}
	done := make(chan struct{})
	s.promoting[port] = done
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.promoting, port)
		s.mu.Unlock()
		close(done)
	}()

	log.Printf("runtime: promoting preview %s:%d to fallback", sandboxID, port)

	upstream, replica, err := r.opts.Provisioner.ProvisionReplica(ctx, ReplicaSpec{
		SandboxID: s.id,
		UserID:    s.userID,
		Workspace: s.workspace,
		Port:      port,
	})
	if err != nil {
		return types.Upstream{}, errdefs.Upstream(err)
	}

	if err := r.probeUpstream(ctx, upstream); err != nil {
		_ = replica.Destroy(ctx, false)
		return types.Upstream{}, errdefs.Upstream(fmt.Errorf("fallback upstream failed health probe: %w", err))
	}

	s.mu.Lock()
	previous := s.replicas[port]
	s.replicas[port] = replica
	s.swapPortLocked(port, &upstream)
	s.mu.Unlock()

	// The superseded replica is stopped only after the new upstream
	// passed its probe. The primary driver keeps running: other ports
	// and execs may still depend on it.
	if previous != nil {
		if err := previous.Destroy(ctx, false); err != nil {
			log.Printf("runtime: failed to stop superseded replica for %s:%d: %v", sandboxID, port, err)
		}
	}

	r.publish("preview.promoted", s, map[string]any{"port": port, "upstream": upstream})
	return upstream, nil
}

// probeUpstream polls the upstream until it answers any HTTP response or
// the probe budget runs out.
func (r *Runtime) probeUpstream(ctx context.Context, upstream types.Upstream) error {
	probeCtx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
	defer cancel()

	url := fmt.Sprintf("%s://%s:%d/", upstream.Scheme, upstream.Host, upstream.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	var lastErr error
	for {
		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			return nil
		}
		lastErr = err

		select {
		case <-probeCtx.Done():
			return fmt.Errorf("probe budget exhausted: %w", lastErr)
		case <-time.After(100 * time.Millisecond):
		}
	}
}
