package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rmax-ai/roadnet/pkg/blob"
	"github.com/rmax-ai/roadnet/pkg/store"
)

// ArchiveConfig holds configuration for the ArchiveWorker.
type ArchiveConfig struct {
	Enabled       bool          `json:"enabled"`
	CheckInterval time.Duration `json:"check_interval"`
}

// ArchiveWorker copies the latest snapshot of a world to blob storage under
// archive/<world>/YYYY/MM/DD/<cycle>_<snapshot id>.zst. A snapshot is
// archived at most once.
type ArchiveWorker struct {
	persister Persister
	blobStore blob.BlobStore
	worldID   string
	config    ArchiveConfig
	owner     Owner

	mu       sync.Mutex
	archived map[string]bool
	listed   bool
}

// NewArchiveWorker creates a new ArchiveWorker.
func NewArchiveWorker(p Persister, blobStore blob.BlobStore, worldID string, config ArchiveConfig) *ArchiveWorker {
	if config.CheckInterval == 0 {
		config.CheckInterval = 10 * time.Minute
	}
	return &ArchiveWorker{
		persister: p,
		blobStore: blobStore,
		worldID:   worldID,
		config:    config,
		archived:  make(map[string]bool),
	}
}

// WithOwner restricts archiving to the lock holder.
func (w *ArchiveWorker) WithOwner(o Owner) *ArchiveWorker {
	w.owner = o
	return w
}

func archivePrefix(worldID string) string {
	return path.Join("archive", worldID)
}

func archiveKey(snap *store.WorldSnapshot) string {
	year, month, day := snap.TsSnapshot.UTC().Date()
	return path.Join(archivePrefix(snap.WorldID),
		fmt.Sprintf("%04d/%02d/%02d/%d_%s.zst", year, month, day, snap.Cycle, snap.SnapshotID))
}

// snapshotIDOf extracts the snapshot id from an archive key.
func snapshotIDOf(key string) string {
	name := strings.TrimSuffix(path.Base(key), ".zst")
	_, id, ok := strings.Cut(name, "_")
	if !ok {
		return ""
	}
	return id
}

// Run starts the archive worker loop.
func (w *ArchiveWorker) Run(ctx context.Context) {
	if !w.config.Enabled {
		return
	}
	ticker := time.NewTicker(w.config.CheckInterval)
	defer ticker.Stop()

	slog.Info("archive_worker_started", "world", w.worldID, "interval", w.config.CheckInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("archive_worker_stopped", "world", w.worldID)
			return
		case <-ticker.C:
			if _, err := w.Archive(ctx); err != nil {
				slog.Error("archive_failed", "world", w.worldID, "error", err)
			}
		}
	}
}

// Archive uploads the latest snapshot unless it is already archived. It
// returns the key written, or "" when there was nothing to do.
func (w *ArchiveWorker) Archive(ctx context.Context) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.owner != nil && !w.owner.IsOwner() {
		return "", nil
	}

	if !w.listed {
		keys, err := w.blobStore.List(ctx, archivePrefix(w.worldID))
		if err != nil {
			return "", fmt.Errorf("failed to list archive: %w", err)
		}
		for _, k := range keys {
			if id := snapshotIDOf(k); id != "" {
				w.archived[id] = true
			}
		}
		w.listed = true
	}

	snap, err := w.persister.LoadWorld(ctx, w.worldID)
	if errors.Is(err, store.ErrWorldNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load latest snapshot: %w", err)
	}
	if snap.SnapshotID == "" {
		snap.SnapshotID = fmt.Sprintf("%d", snap.TsSnapshot.UnixNano())
	}
	if w.archived[snap.SnapshotID] {
		return "", nil
	}

	data, err := store.EncodeSnapshot(snap)
	if err != nil {
		return "", err
	}
	key := archiveKey(snap)
	if err := w.blobStore.Put(ctx, key, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to upload archive to blob store: %w", err)
	}

	w.archived[snap.SnapshotID] = true
	slog.Info("snapshot_archived", "world", w.worldID, "cycle", snap.Cycle, "key", key, "bytes", len(data))
	return key, nil
}
