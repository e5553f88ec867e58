package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rmax-ai/roadnet/pkg/ledger"
)

// PartitionEventKind tells a load from an unload.
type PartitionEventKind int

const (
	PartitionLoaded PartitionEventKind = iota
	PartitionUnloaded
)

func (k PartitionEventKind) String() string {
	if k == PartitionUnloaded {
		return "unloaded"
	}
	return "loaded"
}

// PartitionEvent is a partition lifecycle notification from the host.
type PartitionEvent struct {
	Kind  PartitionEventKind
	Coord ledger.PartitionCoord
}

// ErrRuntimeStopped is returned by Send after Run has returned.
var ErrRuntimeStopped = errors.New("runtime stopped")

// Runtime is the update loop of one world. It is the only goroutine that
// mutates the controller: host ticks, pipeline cycles, partition events and
// ownership changes all run here.
type Runtime struct {
	controller *Controller
	flusher    *FlushWorker
	owner      Owner

	tickRate      time.Duration
	flushInterval time.Duration

	events chan PartitionEvent
	done   chan struct{}
	owned  bool
}

// NewRuntime creates a loop that ticks builders every tickRate. flusher may
// be nil for an in-memory world.
func NewRuntime(c *Controller, flusher *FlushWorker, tickRate time.Duration) *Runtime {
	if tickRate <= 0 {
		tickRate = 50 * time.Millisecond
	}
	r := &Runtime{
		controller: c,
		flusher:    flusher,
		tickRate:   tickRate,
		events:     make(chan PartitionEvent, 256),
		done:       make(chan struct{}),
	}
	if flusher != nil {
		r.flushInterval = flusher.interval
	}
	return r
}

// WithOwner gates building and flushing on o. When ownership is gained the
// world is reloaded from the flusher's persister.
func (r *Runtime) WithOwner(o Owner) *Runtime {
	r.owner = o
	if r.flusher != nil {
		r.flusher.WithOwner(o)
	}
	return r
}

// Send queues a partition event for the loop.
func (r *Runtime) Send(ctx context.Context, ev PartitionEvent) error {
	select {
	case <-r.done:
		return ErrRuntimeStopped
	default:
	}
	select {
	case r.events <- ev:
		return nil
	case <-r.done:
		return ErrRuntimeStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) Load(ctx context.Context, coord ledger.PartitionCoord) error {
	return r.Send(ctx, PartitionEvent{Kind: PartitionLoaded, Coord: coord})
}

func (r *Runtime) Unload(ctx context.Context, coord ledger.PartitionCoord) error {
	return r.Send(ctx, PartitionEvent{Kind: PartitionUnloaded, Coord: coord})
}

// Run drives the world until ctx is cancelled, then suspends all builders
// and flushes dirty state once more.
func (r *Runtime) Run(ctx context.Context) error {
	defer close(r.done)

	tick := time.NewTicker(r.tickRate)
	defer tick.Stop()

	// First cycle runs right away, later ones follow the configured interval.
	cycle := time.NewTimer(0)
	defer cycle.Stop()

	var flushC <-chan time.Time
	if r.flusher != nil && r.flushInterval > 0 {
		flush := time.NewTicker(r.flushInterval)
		defer flush.Stop()
		flushC = flush.C
	}

	r.owned = r.owner == nil
	slog.Info("runtime_started", "world", r.controller.WorldID(), "tick_rate", r.tickRate)

	for {
		if r.checkOwner(ctx) {
			cycle.Reset(0)
		}

		select {
		case <-ctx.Done():
			r.shutdown()
			return nil

		case <-tick.C:
			if r.owned {
				r.controller.Tick(ctx)
			}

		case <-cycle.C:
			if r.owned {
				r.controller.RunCycle(ctx)
			}
			cycle.Reset(time.Duration(r.controller.config.Current().Interval))

		case ev := <-r.events:
			r.handle(ctx, ev)

		case <-flushC:
			r.flush(ctx)
		}
	}
}

func (r *Runtime) handle(ctx context.Context, ev PartitionEvent) {
	slog.Debug("partition_event", "world", r.controller.WorldID(), "partition", ev.Coord.String(), "kind", ev.Kind.String())
	switch ev.Kind {
	case PartitionLoaded:
		r.controller.OnPartitionLoad(ev.Coord)
	case PartitionUnloaded:
		r.controller.OnPartitionUnload(ev.Coord)
		// Persist the suspended builders' progress while the host drops the partition.
		r.flush(ctx)
	}
}

// checkOwner follows ownership changes and reports whether ownership was
// just gained.
func (r *Runtime) checkOwner(ctx context.Context) bool {
	if r.owner == nil {
		return false
	}
	now := r.owner.IsOwner()
	gained := false
	switch {
	case now && !r.owned:
		if r.flusher != nil {
			if _, err := LoadWorld(ctx, r.flusher.persister, r.controller); err != nil {
				slog.Error("world_reload_failed", "world", r.controller.WorldID(), "error", err)
				return false
			}
		}
		gained = true
		slog.Info("runtime_resumed", "world", r.controller.WorldID())
	case !now && r.owned:
		r.controller.OnShutdown()
		slog.Warn("runtime_paused", "world", r.controller.WorldID())
	}
	r.owned = now
	return gained
}

func (r *Runtime) flush(ctx context.Context) {
	if r.flusher == nil {
		return
	}
	if err := r.flusher.Flush(ctx); err != nil {
		slog.Error("flush_failed", "world", r.controller.WorldID(), "error", err)
	}
}

func (r *Runtime) shutdown() {
	slog.Info("runtime_stopping", "world", r.controller.WorldID())
	r.controller.OnShutdown()
	if r.flusher == nil || !r.owned {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.flusher.Flush(ctx); err != nil {
		slog.Error("shutdown_flush_failed", "world", r.controller.WorldID(), "error", err)
		return
	}
	slog.Info("shutdown_flush_complete", "world", r.controller.WorldID())
}
