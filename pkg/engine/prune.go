package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SnapshotPruner trims the snapshot history of a world. Implemented by
// store.Store.
type SnapshotPruner interface {
	PruneSnapshots(ctx context.Context, worldID string, keep int) (int64, error)
}

// PruneWorker keeps the snapshot history of one world bounded.
type PruneWorker struct {
	pruner   SnapshotPruner
	worldID  string
	keep     int
	interval time.Duration
	owner    Owner
	mu       sync.RWMutex
}

// NewPruneWorker keeps the newest keep snapshots of worldID, checking every
// interval (default 1h).
func NewPruneWorker(p SnapshotPruner, worldID string, keep int, interval time.Duration) *PruneWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &PruneWorker{
		pruner:   p,
		worldID:  worldID,
		keep:     keep,
		interval: interval,
	}
}

// WithOwner skips pruning while o does not hold the world.
func (w *PruneWorker) WithOwner(o Owner) *PruneWorker {
	w.owner = o
	return w
}

// SetKeep changes the retained history length.
func (w *PruneWorker) SetKeep(keep int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keep = keep
}

func (w *PruneWorker) Run(ctx context.Context) {
	w.mu.RLock()
	disabled := w.keep <= 0
	w.mu.RUnlock()

	if disabled {
		slog.Info("prune_worker_disabled", "world", w.worldID)
		return
	}

	slog.Info("prune_worker_started", "world", w.worldID, "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Initial run
	w.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("prune_worker_stopped", "world", w.worldID)
			return
		case <-ticker.C:
			w.Prune(ctx)
		}
	}
}

// Prune deletes old snapshots once. Errors are logged.
func (w *PruneWorker) Prune(ctx context.Context) int64 {
	w.mu.RLock()
	keep := w.keep
	w.mu.RUnlock()

	if keep <= 0 {
		return 0
	}
	if w.owner != nil && !w.owner.IsOwner() {
		return 0
	}

	deleted, err := w.pruner.PruneSnapshots(ctx, w.worldID, keep)
	if err != nil {
		slog.Error("prune_failed", "world", w.worldID, "error", err)
		return 0
	}
	if deleted > 0 {
		slog.Info("snapshots_pruned", "world", w.worldID, "deleted", deleted, "keep", keep)
	}
	return deleted
}
