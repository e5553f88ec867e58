package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rmax-ai/roadnet/pkg/store"
)

// LeaseName is the lease guarding writes to one world.
func LeaseName(worldID string) string {
	return "world:" + worldID
}

// WorldLock keeps a lease on a world so that only one process builds and
// persists it at a time.
type WorldLock struct {
	store     store.LeaseStore
	holderID  string
	leaseName string
	ttl       time.Duration

	onAcquire func()
	onLose    func()

	isOwner bool
	started bool
	mu      sync.RWMutex

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewWorldLock creates a lock for worldID. The callbacks may be nil.
func NewWorldLock(
	store store.LeaseStore,
	worldID string,
	holderID string,
	ttl time.Duration,
	onAcquire func(),
	onLose func(),
) *WorldLock {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &WorldLock{
		store:     store,
		holderID:  holderID,
		leaseName: LeaseName(worldID),
		ttl:       ttl,
		onAcquire: onAcquire,
		onLose:    onLose,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start tries to take the lease immediately, then keeps it renewed every
// ttl/2 in the background.
func (wl *WorldLock) Start(ctx context.Context) {
	wl.mu.Lock()
	wl.started = true
	wl.mu.Unlock()

	wl.attempt(ctx)
	go func() {
		defer close(wl.done)
		ticker := time.NewTicker(wl.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				wl.attempt(ctx)
			case <-wl.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	slog.Info("world_lock_started", "holder", wl.holderID, "lease", wl.leaseName)
}

// Stop ends the renew loop and releases the lease if held.
func (wl *WorldLock) Stop(ctx context.Context) {
	wl.mu.RLock()
	started := wl.started
	wl.mu.RUnlock()
	if !started {
		return
	}
	wl.stopOnce.Do(func() { close(wl.stopCh) })
	<-wl.done

	wl.mu.Lock()
	wasOwner := wl.isOwner
	wl.isOwner = false
	wl.mu.Unlock()
	if wasOwner {
		if err := wl.store.Release(ctx, wl.leaseName, wl.holderID); err != nil {
			slog.Error("lease_release_failed", "error", err, "holder", wl.holderID, "lease", wl.leaseName)
		} else {
			slog.Info("lease_released", "holder", wl.holderID, "lease", wl.leaseName)
		}
	}
	slog.Info("world_lock_stopped", "holder", wl.holderID, "lease", wl.leaseName)
}

// IsOwner reports whether this process currently holds the world.
func (wl *WorldLock) IsOwner() bool {
	wl.mu.RLock()
	defer wl.mu.RUnlock()
	return wl.isOwner
}

func (wl *WorldLock) attempt(ctx context.Context) {
	wl.mu.RLock()
	wasOwner := wl.isOwner
	wl.mu.RUnlock()

	var owner bool
	var err error

	if wasOwner {
		err = wl.store.Renew(ctx, wl.leaseName, wl.holderID, wl.ttl)
		if err != nil {
			slog.Warn("lease_renew_failed", "error", err, "holder", wl.holderID, "lease", wl.leaseName)
		} else {
			owner = true
			slog.Debug("lease_renewed", "holder", wl.holderID, "lease", wl.leaseName)
		}
	} else {
		owner, err = wl.store.Acquire(ctx, wl.leaseName, wl.holderID, wl.ttl)
		if err != nil {
			slog.Warn("lease_acquire_failed", "error", err, "holder", wl.holderID, "lease", wl.leaseName)
			owner = false
		} else if !owner {
			slog.Debug("lease_held_elsewhere", "holder", wl.holderID, "lease", wl.leaseName)
		}
	}

	wl.mu.Lock()
	wl.isOwner = owner
	wl.mu.Unlock()

	if !wasOwner && owner {
		if wl.onAcquire != nil {
			wl.onAcquire()
		}
		slog.Info("world_acquired", "holder", wl.holderID, "lease", wl.leaseName)
	} else if wasOwner && !owner {
		if wl.onLose != nil {
			wl.onLose()
		}
		slog.Warn("world_lost", "holder", wl.holderID, "lease", wl.leaseName)
	}
}
