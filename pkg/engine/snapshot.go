package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rmax-ai/roadnet/pkg/builder"
	"github.com/rmax-ai/roadnet/pkg/graph"
	"github.com/rmax-ai/roadnet/pkg/ledger"
	"github.com/rmax-ai/roadnet/pkg/store"
)

// Persister saves and loads world snapshots. store.Store, redis.WorldStore
// and blob.WorldStore implement it.
type Persister interface {
	SaveWorld(ctx context.Context, snap *store.WorldSnapshot) error
	LoadWorld(ctx context.Context, worldID string) (*store.WorldSnapshot, error)
}

// Owner reports whether this process may write the world.
type Owner interface {
	IsOwner() bool
}

// FlushWorker persists the graph and segment table of one controller when
// either is dirty. The Runtime decides when to flush.
type FlushWorker struct {
	controller *Controller
	persister  Persister
	owner      Owner
	interval   time.Duration

	mu sync.Mutex
}

// NewFlushWorker creates a worker. interval is the Runtime's flush period,
// a minute when zero.
func NewFlushWorker(c *Controller, p Persister, interval time.Duration) *FlushWorker {
	if interval == 0 {
		interval = time.Minute
	}
	return &FlushWorker{
		controller: c,
		persister:  p,
		interval:   interval,
	}
}

// WithOwner makes flushes a no-op while owner reports false.
func (w *FlushWorker) WithOwner(o Owner) *FlushWorker {
	w.owner = o
	return w
}

// Flush persists the world if dirty. On failure the state stays dirty and
// the next flush tries again.
func (w *FlushWorker) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	c := w.controller
	if w.owner != nil && !w.owner.IsOwner() {
		return nil
	}
	if !c.graph.IsDirty() && !c.ledger.IsDirty() {
		return nil
	}

	// Status is published by the update loop, read it instead of c.cycle.
	cycle := c.Status().Cycle
	g, graphGen := c.graph.Export()
	t, ledgerGen := c.ledger.Export()

	graphJSON, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal graph: %w", err)
	}
	segmentsJSON, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal segment table: %w", err)
	}

	snap := &store.WorldSnapshot{
		WorldID:       c.WorldID(),
		SchemaVersion: store.SchemaVersion,
		WorldSeed:     c.WorldSeed(),
		Cycle:         cycle,
		TsSnapshot:    time.Now().UTC(),
		Graph:         graphJSON,
		Segments:      segmentsJSON,
	}
	if err := w.persister.SaveWorld(ctx, snap); err != nil {
		RoadnetFlushTotal.WithLabelValues(c.WorldID(), "error").Inc()
		return fmt.Errorf("save world %s: %w", c.WorldID(), err)
	}

	c.graph.ClearDirtyThrough(graphGen)
	c.ledger.ClearDirtyThrough(ledgerGen)
	RoadnetFlushTotal.WithLabelValues(c.WorldID(), "ok").Inc()
	slog.Debug("world_flushed", "world", c.WorldID(), "cycle", snap.Cycle, "snapshot", snap.SnapshotID)
	return nil
}

// Restore replaces the controller state with a snapshot. Builders and
// in-flight path requests are dropped; the next cycle reschedules Building
// edges from the ledger and re-requests Planned ones.
func (c *Controller) Restore(snap *store.WorldSnapshot) error {
	if snap.WorldID != c.worldID {
		return fmt.Errorf("snapshot belongs to world %s, not %s", snap.WorldID, c.worldID)
	}
	if snap.WorldSeed != c.seed {
		slog.Warn("world_seed_mismatch", "world", c.worldID, "configured", c.seed, "stored", snap.WorldSeed)
	}
	g, segments, err := c.decodeSnapshot(snap)
	if err != nil {
		return err
	}
	// Both halves are validated, so loading them cannot fail half way.
	if g != nil {
		exported, _ := g.Export()
		if err := c.graph.Load(exported); err != nil {
			return fmt.Errorf("restore graph: %w", err)
		}
	}
	if segments != nil {
		exported, _ := segments.Export()
		if err := c.ledger.Load(exported); err != nil {
			return fmt.Errorf("restore segment table: %w", err)
		}
	}
	c.scheduler = builder.NewScheduler()
	c.inFlight = make(map[graph.SpatialKey]bool)
	c.handoff.Drain()
	c.cycle = snap.Cycle
	// Anchors were scanned by the run that produced the snapshot.
	c.seeded = snap.Cycle > 0
	c.publish()
	return nil
}

// decodeSnapshot decodes both halves of snap into fresh stores without
// touching the controller. A nil result means the half is absent and the
// current contents stay. Segment runs must fit inside their edge's path.
func (c *Controller) decodeSnapshot(snap *store.WorldSnapshot) (*graph.Store, *ledger.Ledger, error) {
	var g *graph.Store
	if len(snap.Graph) > 0 {
		g = graph.NewStore()
		if err := g.UnmarshalJSON(snap.Graph); err != nil {
			return nil, nil, fmt.Errorf("restore graph: %w", err)
		}
	}
	var segments *ledger.Ledger
	if len(snap.Segments) > 0 {
		segments = ledger.New()
		if err := segments.UnmarshalJSON(snap.Segments); err != nil {
			return nil, nil, fmt.Errorf("restore segment table: %w", err)
		}
	}

	edges, table := c.graph, c.ledger
	if g != nil {
		edges = g
	}
	if segments != nil {
		table = segments
	}
	t, _ := table.Export()
	for _, entries := range t {
		for _, e := range entries {
			key, err := graph.ParseKey(e.PathKey)
			if err != nil {
				return nil, nil, fmt.Errorf("restore segment table: %w", err)
			}
			if edge, ok := edges.Edge(key); ok && e.Limit > len(edge.Path) {
				return nil, nil, fmt.Errorf("restore segment table: %s limit %d exceeds path length %d: %w",
					e.PathKey, e.Limit, len(edge.Path), ledger.ErrInvalidRange)
			}
		}
	}
	return g, segments, nil
}

// LoadWorld restores the latest snapshot of the controller's world. It
// reports false when the world has never been saved.
func LoadWorld(ctx context.Context, p Persister, c *Controller) (bool, error) {
	snap, err := p.LoadWorld(ctx, c.WorldID())
	if errors.Is(err, store.ErrWorldNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load world %s: %w", c.WorldID(), err)
	}
	if err := c.Restore(snap); err != nil {
		return false, err
	}
	nodes, edges := c.graph.Counts()
	slog.Info("world_restored", "world", c.WorldID(), "cycle", snap.Cycle, "nodes", nodes, "edges", edges)
	return true, nil
}
