// Package snapshot archives workspaces into the storage backend and
// restores them atomically.
package snapshot

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/opendevbox/opendevbox/internal/errdefs"
	"github.com/opendevbox/opendevbox/internal/metrics"
	"github.com/opendevbox/opendevbox/internal/storage"
	"github.com/opendevbox/opendevbox/pkg/types"
)

const compressionToken = "zstd"

// Options configures an Engine.
type Options struct {
	Retention        int  // keep the N most recent snapshots per user (default 5)
	CompressionLevel int  // zstd level (default 10)
	PreserveMtimes   bool // restore file mtimes from archive headers
}

// Engine creates and restores workspace snapshots over a storage backend.
type Engine struct {
	backend   storage.Backend
	retention int
	level     zstd.EncoderLevel
	mtimes    bool
}

// NewEngine creates a snapshot engine.
func NewEngine(backend storage.Backend, opts Options) *Engine {
	retention := opts.Retention
	if retention <= 0 {
		retention = 5
	}
	level := opts.CompressionLevel
	if level <= 0 {
		level = 10
	}
	return &Engine{
		backend:   backend,
		retention: retention,
		level:     zstd.EncoderLevelFromZstd(level),
		mtimes:    opts.PreserveMtimes,
	}
}

func payloadKey(userID, snapshotID string) string {
	return fmt.Sprintf("snapshots/%s/%s.tar.zst", userID, snapshotID)
}

func metaKey(userID, snapshotID string) string {
	return fmt.Sprintf("snapshots/%s/%s.json", userID, snapshotID)
}

func newSnapshotID(now time.Time) string {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("snap_%s_%s", now.UTC().Format("2006_01_02_150405"), hex.EncodeToString(b[:]))
}

// Create archives sourcePath and stores it under the user's snapshot
// prefix. The caller must hold the owning sandbox's lock so no writer
// mutates the workspace during the walk. Retention is enforced after the
// payload is committed; retention failures do not undo the snapshot.
func (e *Engine) Create(ctx context.Context, userID, sandboxID, sourcePath string) (*types.Snapshot, error) {
	if userID == "" {
		return nil, errdefs.InvalidArgument("user id is required")
	}
	info, err := os.Stat(sourcePath)
	if err != nil || !info.IsDir() {
		return nil, errdefs.NotFound("workspace %s not found", sourcePath)
	}

	now := time.Now()
	id := newSnapshotID(now)
	key := payloadKey(userID, id)

	pr, pw := io.Pipe()
	counter := newCountingWriter(pw)

	go func() {
		pw.CloseWithError(writeArchive(counter, sourcePath, e.level))
	}()

	if err := e.backend.Put(ctx, key, pr); err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("failed to store snapshot %s: %w", id, err)
	}

	snap := &types.Snapshot{
		ID:          id,
		UserID:      userID,
		SandboxID:   sandboxID,
		CreatedAt:   now.UTC(),
		SizeBytes:   counter.size,
		SourcePath:  sourcePath,
		Compression: compressionToken,
		Digest:      counter.Digest(),
	}

	metaBytes, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot metadata: %w", err)
	}
	if err := e.backend.Put(ctx, metaKey(userID, id), strings.NewReader(string(metaBytes))); err != nil {
		// Orphaned payload without metadata is invisible to List; remove it.
		_ = e.backend.Delete(ctx, key)
		return nil, fmt.Errorf("failed to store snapshot metadata for %s: %w", id, err)
	}

	metrics.SnapshotCreatedTotal.Inc()
	metrics.SnapshotSizeBytes.Observe(float64(counter.size))

	if err := e.enforceRetention(ctx, userID); err != nil {
		log.Printf("snapshot: retention sweep failed for user %s: %v", userID, err)
	}

	return snap, nil
}

// Restore extracts snapshotID into targetPath, replacing the live
// workspace atomically. On any extraction failure the live workspace is
// left untouched.
func (e *Engine) Restore(ctx context.Context, userID, snapshotID, targetPath string) error {
	if userID == "" || snapshotID == "" {
		return errdefs.InvalidArgument("user id and snapshot id are required")
	}

	rc, err := e.backend.Get(ctx, payloadKey(userID, snapshotID))
	if err != nil {
		return err
	}
	defer rc.Close()

	var suffix [4]byte
	_, _ = rand.Read(suffix[:])
	tmpDir := targetPath + ".restore-" + hex.EncodeToString(suffix[:])
	if err := os.MkdirAll(tmpDir, 0700); err != nil {
		return fmt.Errorf("failed to create restore staging dir: %w", err)
	}

	if err := extractArchive(rc, tmpDir, e.mtimes); err != nil {
		os.RemoveAll(tmpDir)
		return fmt.Errorf("failed to extract snapshot %s: %w", snapshotID, err)
	}

	asideDir := targetPath + ".aside-" + hex.EncodeToString(suffix[:])
	liveExists := true
	if _, err := os.Stat(targetPath); os.IsNotExist(err) {
		liveExists = false
	}

	if liveExists {
		if err := os.Rename(targetPath, asideDir); err != nil {
			os.RemoveAll(tmpDir)
			return fmt.Errorf("failed to set aside live workspace: %w", err)
		}
	}
	if err := os.Rename(tmpDir, targetPath); err != nil {
		// Put the live workspace back before reporting.
		if liveExists {
			_ = os.Rename(asideDir, targetPath)
		}
		os.RemoveAll(tmpDir)
		return fmt.Errorf("failed to swap in restored workspace: %w", err)
	}
	if liveExists {
		os.RemoveAll(asideDir)
	}

	metrics.SnapshotRestoredTotal.Inc()
	return nil
}

// List returns the user's snapshots ordered by creation time descending.
func (e *Engine) List(ctx context.Context, userID string) ([]types.Snapshot, error) {
	if userID == "" {
		return nil, errdefs.InvalidArgument("user id is required")
	}

	keys, err := e.backend.List(ctx, fmt.Sprintf("snapshots/%s/", userID))
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots for user %s: %w", userID, err)
	}

	snapshots := make([]types.Snapshot, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		rc, err := e.backend.Get(ctx, key)
		if err != nil {
			// Metadata may vanish between list and get (concurrent delete).
			continue
		}
		var snap types.Snapshot
		decodeErr := json.NewDecoder(rc).Decode(&snap)
		rc.Close()
		if decodeErr != nil {
			log.Printf("snapshot: skipping unreadable metadata %s: %v", key, decodeErr)
			continue
		}
		snapshots = append(snapshots, snap)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].CreatedAt.Equal(snapshots[j].CreatedAt) {
			return snapshots[i].ID > snapshots[j].ID
		}
		return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
	})
	return snapshots, nil
}

// Delete removes a snapshot's payload and metadata. Deleting a snapshot
// that does not exist succeeds.
func (e *Engine) Delete(ctx context.Context, userID, snapshotID string) error {
	if userID == "" || snapshotID == "" {
		return errdefs.InvalidArgument("user id and snapshot id are required")
	}
	if err := e.backend.Delete(ctx, payloadKey(userID, snapshotID)); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", snapshotID, err)
	}
	if err := e.backend.Delete(ctx, metaKey(userID, snapshotID)); err != nil {
		return fmt.Errorf("failed to delete snapshot metadata %s: %w", snapshotID, err)
	}
	return nil
}

// enforceRetention deletes snapshots beyond the N most recent for userID.
func (e *Engine) enforceRetention(ctx context.Context, userID string) error {
	snapshots, err := e.List(ctx, userID)
	if err != nil {
		return err
	}
	for _, snap := range snapshots[min(len(snapshots), e.retention):] {
		if err := e.Delete(ctx, userID, snap.ID); err != nil {
			return err
		}
		log.Printf("snapshot: retention removed %s for user %s", snap.ID, userID)
	}
	return nil
}
