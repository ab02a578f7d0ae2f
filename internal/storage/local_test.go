package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opendevbox/opendevbox/internal/errdefs"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal() error: %v", err)
	}
	return l
}

func TestLocalPutGet(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	want := []byte("snapshot payload")
	if err := l.Put(ctx, "snapshots/u_a/snap_1.tar.zst", bytes.NewReader(want)); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	rc, err := l.Get(ctx, "snapshots/u_a/snap_1.tar.zst")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Get() = %q, want %q", got, want)
	}
}

func TestLocalGetMissing(t *testing.T) {
	l := newTestLocal(t)
	_, err := l.Get(context.Background(), "snapshots/u_a/nope.tar.zst")
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalDeleteIdempotent(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	if err := l.Put(ctx, "a/b", strings.NewReader("x")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if err := l.Delete(ctx, "a/b"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := l.Delete(ctx, "a/b"); err != nil {
		t.Errorf("second Delete() should succeed, got %v", err)
	}
	if _, err := l.Get(ctx, "a/b"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestLocalListSortedWithPrefix(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	for _, key := range []string{"snapshots/u_a/c", "snapshots/u_a/a", "snapshots/u_b/z", "snapshots/u_a/b"} {
		if err := l.Put(ctx, key, strings.NewReader("x")); err != nil {
			t.Fatalf("Put(%s) error: %v", key, err)
		}
	}

	keys, err := l.List(ctx, "snapshots/u_a/")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	want := []string{"snapshots/u_a/a", "snapshots/u_a/b", "snapshots/u_a/c"}
	if len(keys) != len(want) {
		t.Fatalf("List() = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("List()[%d] = %s, want %s", i, keys[i], want[i])
		}
	}
}

func TestLocalListSkipsTempFiles(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	if err := l.Put(ctx, "snapshots/u_a/real", strings.NewReader("x")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	// Simulate an interrupted Put: temp file left in the directory.
	tmp := filepath.Join(l.root, "snapshots", "u_a", ".real.tmp-123")
	if err := os.WriteFile(tmp, []byte("partial"), 0600); err != nil {
		t.Fatalf("write temp: %v", err)
	}

	keys, err := l.List(ctx, "snapshots/")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(keys) != 1 || keys[0] != "snapshots/u_a/real" {
		t.Errorf("interrupted put visible to List: %v", keys)
	}
}

func TestLocalExists(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	ok, err := l.Exists(ctx, "a/b")
	if err != nil || ok {
		t.Errorf("Exists() on missing = (%v, %v), want (false, nil)", ok, err)
	}
	if err := l.Put(ctx, "a/b", strings.NewReader("x")); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	ok, err = l.Exists(ctx, "a/b")
	if err != nil || !ok {
		t.Errorf("Exists() = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestLocalRejectsTraversalKey(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	for _, key := range []string{"../escape", "/abs", "a/../../b", ""} {
		if err := l.Put(ctx, key, strings.NewReader("x")); !errors.Is(err, errdefs.ErrInvalidArg) {
			t.Errorf("Put(%q) = %v, want ErrInvalidArg", key, err)
		}
	}
}

func TestWithRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), 5, func() error {
		calls++
		return errdefs.NotFound("gone")
	})
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent error retried %d times", calls)
	}
}

func TestWithRetryRetriesTransient(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return errdefs.Transient(errors.New("hiccup"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}
