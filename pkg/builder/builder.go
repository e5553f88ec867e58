// Package builder places path geometry one position per tick so road
// construction never stalls the simulation loop.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/rmax-ai/roadnet/pkg/graph"
	"github.com/rmax-ai/roadnet/pkg/ledger"
	"github.com/rmax-ai/roadnet/pkg/world"
)

// State of a Builder.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateFinished  State = "finished"
	StateSuspended State = "suspended"
)

// Config carries the per-builder settings taken from the pipeline config.
type Config struct {
	Material      string
	PartitionSize int
	// DecorationInterval calls Decorator every n placed indices; 0 disables it.
	DecorationInterval int
	Decorator          world.Decorator
	Rand               *rand.Rand
}

// Builder walks one edge path from a resume index to the end, placing one
// position per Tick and recording progress in the ledger.
type Builder struct {
	key    graph.SpatialKey
	path   []graph.Position
	index  int
	state  State
	placer world.Placer
	ledger *ledger.Ledger
	config Config
}

// New creates an idle builder for the edge key starting at resumeIndex.
func New(key graph.SpatialKey, path []graph.Position, resumeIndex int, placer world.Placer, l *ledger.Ledger, cfg Config) *Builder {
	if cfg.PartitionSize <= 0 {
		cfg.PartitionSize = ledger.DefaultPartitionSize
	}
	if resumeIndex < 0 {
		resumeIndex = 0
	}
	if resumeIndex > len(path) {
		resumeIndex = len(path)
	}
	cp := make([]graph.Position, len(path))
	copy(cp, path)
	return &Builder{
		key:    key,
		path:   cp,
		index:  resumeIndex,
		state:  StateIdle,
		placer: placer,
		ledger: l,
		config: cfg,
	}
}

func (b *Builder) Key() graph.SpatialKey { return b.key }
func (b *Builder) Index() int { return b.index }
func (b *Builder) State() State { return b.state }
func (b *Builder) Len() int { return len(b.path) }

// Partition returns the partition of the next position to place, or of the
// last position once the path is done.
func (b *Builder) Partition() ledger.PartitionCoord {
	if len(b.path) == 0 {
		return ledger.PartitionCoord{}
	}
	i := b.index
	if i >= len(b.path) {
		i = len(b.path) - 1
	}
	return ledger.CoordOf(b.path[i], b.config.PartitionSize)
}

// Tick performs one unit of work and reports whether the path is complete.
// A placement failure suspends the builder at the failing index and returns
// an error wrapping world.ErrPlacement.
func (b *Builder) Tick(ctx context.Context) (bool, error) {
	switch b.state {
	case StateFinished:
		return true, nil
	case StateSuspended:
		return false, nil
	case StateIdle:
		b.state = StateRunning
	}

	if b.index >= len(b.path) {
		b.state = StateFinished
		return true, nil
	}

	pathKey := b.key.String()
	pos := b.path[b.index]

	// Placed before a restart.
	if b.ledger.HasCoverage(pathKey, b.index) {
		b.index++
		return b.checkDone(), nil
	}

	if err := b.placer.Place(ctx, pos, b.config.Material); err != nil {
		b.state = StateSuspended
		if !errors.Is(err, world.ErrPlacement) {
			err = fmt.Errorf("%w: %v", world.ErrPlacement, err)
		}
		return false, fmt.Errorf("edge %s index %d: %w", pathKey, b.index, err)
	}

	b.record(pathKey, pos)
	b.decorate(ctx, pos)
	b.index++
	return b.checkDone(), nil
}

func (b *Builder) record(pathKey string, pos graph.Position) {
	coord := ledger.CoordOf(pos, b.config.PartitionSize)
	err := b.ledger.Extend(coord, pathKey, b.index)
	if errors.Is(err, ledger.ErrNotFound) {
		// No claim for this run, record the single index instead.
		err = b.ledger.RecordSegment(coord, pathKey, b.index, b.index+1)
	}
	if err != nil {
		slog.Warn("segment_record_failed", "edge", pathKey, "partition", coord.String(), "index", b.index, "error", err)
	}
}

func (b *Builder) decorate(ctx context.Context, pos graph.Position) {
	n := b.config.DecorationInterval
	if n <= 0 || b.config.Decorator == nil || b.index%n != 0 {
		return
	}
	rng := b.config.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(int64(b.index)))
		b.config.Rand = rng
	}
	if err := b.config.Decorator.Decorate(ctx, pos, b.index, rng); err != nil {
		slog.Warn("decoration_failed", "edge", b.key.String(), "index", b.index, "error", err)
	}
}

func (b *Builder) checkDone() bool {
	if b.index >= len(b.path) {
		b.state = StateFinished
		return true
	}
	return false
}

// Suspend pauses an idle or running builder. Its index is kept.
func (b *Builder) Suspend() bool {
	if b.state == StateIdle || b.state == StateRunning {
		b.state = StateSuspended
		return true
	}
	return false
}

// Resume continues a suspended builder from where it stopped.
func (b *Builder) Resume() bool {
	if b.state != StateSuspended {
		return false
	}
	b.state = StateRunning
	return true
}
