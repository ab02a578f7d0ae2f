// Package storage provides the blob backend used by the snapshot engine.
// Keys are slash-separated paths ("snapshots/<user>/<id>.tar.zst"); the
// backend is safe for concurrent use.
package storage

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/opendevbox/opendevbox/internal/errdefs"
)

// Backend is the blob storage driver interface.
//
// Put is atomic: readers never observe a half-written object. Get on a
// missing key returns errdefs.ErrNotFound. Delete on a missing key
// succeeds. List returns keys under prefix in lexicographic order.
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// validateKey rejects keys that could escape a path-rooted backend.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return errdefs.InvalidArgument("invalid storage key %q", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return errdefs.InvalidArgument("invalid storage key %q", key)
		}
	}
	return nil
}

const (
	retryBase = 200 * time.Millisecond
	retryFactor = 2
)

// withRetry runs fn with exponential backoff (base 200 ms, factor 2) for
// up to attempts tries. Only transient errors are retried; cancellation
// wins over the backoff sleep.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	delay := retryBase
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= retryFactor
		}
		if err = fn(); err == nil || !errdefs.IsTransient(err) {
			return err
		}
	}
	return err
}
