package sandbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/opendevbox/opendevbox/internal/errdefs"
	"github.com/opendevbox/opendevbox/internal/isolation"
	"github.com/opendevbox/opendevbox/pkg/types"
)

// backgroundTimeout bounds how long a background job may run; jobs meant
// to outlive it should be restarted by their owner.
const backgroundTimeout = 24 * time.Hour

// job tracks one background command.
type job struct {
	id        string
	argv      []string
	startedAt time.Time
	cancel    context.CancelFunc

	// guarded by the owning sandbox's mutex
	status   types.JobStatus
	exitCode int
}

// stopLocked cancels the job; the caller holds the sandbox mutex.
func (j *job) stopLocked() {
	if j.status == types.JobRunning {
		j.status = types.JobStopped
		j.cancel()
	}
}

// StartBackground launches argv as a background job and returns its id.
// Background jobs keep the sandbox alive past its keepalive deadline.
func (r *Runtime) StartBackground(userID, sandboxID string, argv []string) (string, error) {
	s, err := r.get(sandboxID, userID)
	if err != nil {
		return "", err
	}
	if len(argv) == 0 {
		return "", errdefs.InvalidArgument("argv must not be empty")
	}

	s.mu.Lock()
	if s.state != types.SandboxStateRunning {
		s.mu.Unlock()
		return "", errdefs.Precondition("sandbox %s is %s, not running", sandboxID, s.state)
	}
	handle := s.handle
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		id:        "job-" + uuid.New().String()[:8],
		argv:      argv,
		startedAt: time.Now(),
		cancel:    cancel,
		status:    types.JobRunning,
	}
	s.jobs[j.id] = j
	s.mu.Unlock()

	go func() {
		result, execErr := handle.Exec(ctx, isolation.ExecRequest{
			Argv:           argv,
			TimeoutSeconds: int(backgroundTimeout.Seconds()),
		})

		s.mu.Lock()
		defer s.mu.Unlock()
		if j.status == types.JobStopped {
			return
		}
		j.status = types.JobExited
		if execErr == nil && result != nil {
			j.exitCode = result.ExitCode
		} else {
			j.exitCode = -1
		}
	}()

	return j.id, nil
}

// StopBackground terminates a job. Stopping is idempotent; stopping a
// job that already exited reports its last observed status.
func (r *Runtime) StopBackground(userID, sandboxID, jobID string) (*types.JobInfo, error) {
	s, err := r.get(sandboxID, userID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, errdefs.NotFound("job %s not found in sandbox %s", jobID, sandboxID)
	}
	j.stopLocked()
	return jobInfoLocked(j), nil
}

// Jobs lists the sandbox's background jobs.
func (r *Runtime) Jobs(userID, sandboxID string) ([]types.JobInfo, error) {
	s, err := r.get(sandboxID, userID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *jobInfoLocked(j))
	}
	return out, nil
}

func jobInfoLocked(j *job) *types.JobInfo {
	return &types.JobInfo{
		JobID:     j.id,
		Argv:      j.argv,
		StartedAt: j.startedAt,
		Status:    j.status,
		ExitCode:  j.exitCode,
	}
}

// anyJobRunningLocked reports whether a background job is still running;
// the caller holds the sandbox mutex.
func (s *Sandbox) anyJobRunningLocked() bool {
	for _, j := range s.jobs {
		if j.status == types.JobRunning {
			return true
		}
	}
	return false
}
