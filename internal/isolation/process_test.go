package isolation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opendevbox/opendevbox/internal/errdefs"
)

func provisionProcess(t *testing.T) Handle {
	t.Helper()
	d := NewProcessDriver(nil)
	h, err := d.Provision(context.Background(), ProvisionSpec{
		SandboxID:     "sb-test",
		UserID:        "u_a",
		WorkspaceRoot: filepath.Join(t.TempDir(), "ws"),
	})
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	t.Cleanup(func() { _ = h.Destroy(context.Background(), true) })
	return h
}

func TestProcessExecEcho(t *testing.T) {
	h := provisionProcess(t)
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	result, err := h.Exec(ctx, ExecRequest{Argv: []string{"echo", "hello"}, TimeoutSeconds: 5})
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("stdout = %q, want \"hello\\n\"", result.Stdout)
	}
	if result.TimedOut {
		t.Error("unexpected timeout")
	}
}

func TestProcessExecStdin(t *testing.T) {
	h := provisionProcess(t)
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	result, err := h.Exec(ctx, ExecRequest{Argv: []string{"cat"}, Stdin: []byte("piped"), TimeoutSeconds: 5})
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if result.Stdout != "piped" {
		t.Errorf("stdout = %q, want \"piped\"", result.Stdout)
	}
}

func TestProcessExecTimeout(t *testing.T) {
	h := provisionProcess(t)
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	result, err := h.Exec(ctx, ExecRequest{Argv: []string{"sleep", "30"}, TimeoutSeconds: 1})
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if !result.TimedOut {
		t.Error("expected TimedOut=true")
	}
}

func TestProcessExecRejectsUnlistedCommand(t *testing.T) {
	h := provisionProcess(t)
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	_, err := h.Exec(ctx, ExecRequest{Argv: []string{"curl", "http://example.com"}})
	if !errors.Is(err, errdefs.ErrInvalidArg) {
		t.Errorf("Exec(curl) = %v, want ErrInvalidArg", err)
	}
}

func TestProcessExecAllowListExtension(t *testing.T) {
	d := NewProcessDriver([]string{"head"})
	h, err := d.Provision(context.Background(), ProvisionSpec{
		SandboxID:     "sb-test",
		WorkspaceRoot: filepath.Join(t.TempDir(), "ws"),
	})
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	defer h.Destroy(context.Background(), true)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	result, err := h.Exec(context.Background(), ExecRequest{
		Argv:  []string{"head", "-c", "3"},
		Stdin: []byte("abcdef"),
	})
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if result.Stdout != "abc" {
		t.Errorf("stdout = %q, want \"abc\"", result.Stdout)
	}
}

func TestProcessExecRequiresRunning(t *testing.T) {
	h := provisionProcess(t)
	_, err := h.Exec(context.Background(), ExecRequest{Argv: []string{"echo", "x"}})
	if !errors.Is(err, errdefs.ErrPrecondition) {
		t.Errorf("Exec() before Start = %v, want ErrPrecondition", err)
	}
}

func TestProcessWorkspaceIsCwd(t *testing.T) {
	h := provisionProcess(t)
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	result, err := h.Exec(ctx, ExecRequest{Argv: []string{"pwd"}})
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	ph := h.(*processHandle)
	if strings.TrimSpace(result.Stdout) != ph.workspace {
		t.Errorf("pwd = %q, want workspace %q", strings.TrimSpace(result.Stdout), ph.workspace)
	}
}

func TestProcessDestroyKeepsWorkspace(t *testing.T) {
	d := NewProcessDriver(nil)
	ws := filepath.Join(t.TempDir(), "ws")
	h, err := d.Provision(context.Background(), ProvisionSpec{SandboxID: "sb-x", WorkspaceRoot: ws})
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	if err := h.Destroy(context.Background(), false); err != nil {
		t.Fatalf("Destroy() error: %v", err)
	}
	if _, err := os.Stat(ws); err != nil {
		t.Errorf("workspace removed despite removeWorkspace=false: %v", err)
	}
}

func TestProcessDestroyRemovesWorkspace(t *testing.T) {
	d := NewProcessDriver(nil)
	ws := filepath.Join(t.TempDir(), "ws")
	h, err := d.Provision(context.Background(), ProvisionSpec{SandboxID: "sb-x", WorkspaceRoot: ws})
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	if err := h.Destroy(context.Background(), true); err != nil {
		t.Fatalf("Destroy() error: %v", err)
	}
	if _, err := os.Stat(ws); !os.IsNotExist(err) {
		t.Errorf("workspace still present after removeWorkspace=true")
	}
}
