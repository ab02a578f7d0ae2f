package isolation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/opendevbox/opendevbox/internal/errdefs"
)

func TestStateMachineHappyPath(t *testing.T) {
	h := provisionProcess(t)
	ctx := context.Background()

	if h.State() != StateProvisioned {
		t.Fatalf("initial state = %v, want provisioned", h.State())
	}
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if h.State() != StateRunning {
		t.Fatalf("state after Start = %v, want running", h.State())
	}
	if err := h.Pause(ctx); err != nil {
		t.Fatalf("Pause() error: %v", err)
	}
	if err := h.Resume(ctx); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if err := h.Destroy(ctx, false); err != nil {
		t.Fatalf("Destroy() error: %v", err)
	}
	if h.State() != StateDestroyed {
		t.Fatalf("final state = %v, want destroyed", h.State())
	}
}

func TestStateMachineIdempotentLifecycle(t *testing.T) {
	h := provisionProcess(t)
	ctx := context.Background()

	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := h.Start(ctx); err != nil {
		t.Errorf("second Start() should be a no-op, got %v", err)
	}
	if err := h.Pause(ctx); err != nil {
		t.Fatalf("Pause() error: %v", err)
	}
	if err := h.Pause(ctx); err != nil {
		t.Errorf("second Pause() should be a no-op, got %v", err)
	}
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if err := h.Stop(ctx); err != nil {
		t.Errorf("second Stop() should be a no-op, got %v", err)
	}
}

func TestStateMachineRejectsInvalidTransitions(t *testing.T) {
	h := provisionProcess(t)
	ctx := context.Background()

	// provisioned → paused is not a listed transition
	if err := h.Pause(ctx); !errors.Is(err, errdefs.ErrPrecondition) {
		t.Errorf("Pause() from provisioned = %v, want ErrPrecondition", err)
	}

	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	// stopped → paused is invalid
	if err := h.Pause(ctx); !errors.Is(err, errdefs.ErrPrecondition) {
		t.Errorf("Pause() from stopped = %v, want ErrPrecondition", err)
	}
}

func TestSelectExplicitProcess(t *testing.T) {
	d, err := Select(context.Background(), Options{Backend: "process"})
	if err != nil {
		t.Fatalf("Select(process) error: %v", err)
	}
	if d.Kind() != KindProcess {
		t.Errorf("Kind() = %s, want process", d.Kind())
	}
}

func TestSelectUnknownBackend(t *testing.T) {
	if _, err := Select(context.Background(), Options{Backend: "jail"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestSelectMicroVMUnavailable(t *testing.T) {
	_, err := Select(context.Background(), Options{
		Backend: "microvm",
		MicroVM: MicroVMConfig{
			Bin:        "definitely-not-a-vmm",
			KernelPath: filepath.Join(t.TempDir(), "missing-vmlinux"),
			RootfsPath: filepath.Join(t.TempDir(), "missing-rootfs"),
		},
	})
	if err == nil {
		t.Fatal("expected error when microvm prerequisites are missing")
	}
}
