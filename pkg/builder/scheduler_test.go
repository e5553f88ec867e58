package builder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/roadnet/pkg/graph"
	"github.com/rmax-ai/roadnet/pkg/ledger"
)

func offsetPath(n, x0, z int) []graph.Position {
	path := make([]graph.Position, n)
	for i := range path {
		path[i] = graph.Position{X: x0 + i, Y: 64, Z: z}
	}
	return path
}

func TestScheduler_AddIsIdempotent(t *testing.T) {
	s := NewScheduler()
	l := ledger.New()
	key := graph.MakeKey("A", "B")
	assert.True(t, s.Add(New(key, straightPath(3), 0, &recordingPlacer{}, l, Config{})))
	assert.False(t, s.Add(New(key, straightPath(3), 0, &recordingPlacer{}, l, Config{})))
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Has(key))
}

func TestScheduler_BudgetRoundRobin(t *testing.T) {
	s := NewScheduler()
	l := ledger.New()
	p := &recordingPlacer{}
	k1 := graph.MakeKey("A", "B")
	k2 := graph.MakeKey("C", "D")
	s.Add(New(k1, offsetPath(3, 0, 0), 0, p, l, Config{}))
	s.Add(New(k2, offsetPath(5, 0, 1), 0, p, l, Config{}))

	report := s.Tick(context.Background(), 4)
	assert.Equal(t, 4, report.Steps)
	assert.Empty(t, report.Finished)
	// Alternates between builders in insertion order.
	require.Len(t, p.placed, 4)
	assert.Equal(t, 0, p.placed[0].Z)
	assert.Equal(t, 1, p.placed[1].Z)
	assert.Equal(t, 0, p.placed[2].Z)
	assert.Equal(t, 1, p.placed[3].Z)

	report = s.Tick(context.Background(), 3)
	assert.Equal(t, []graph.SpatialKey{k1}, report.Finished)
	assert.False(t, s.Has(k1))

	report = s.Tick(context.Background(), 10)
	assert.Equal(t, []graph.SpatialKey{k2}, report.Finished)
	assert.Equal(t, 0, s.Len())
	assert.Len(t, p.placed, 8)
}

func TestScheduler_SingleStepWhenBudgetUnset(t *testing.T) {
	s := NewScheduler()
	l := ledger.New()
	s.Add(New(graph.MakeKey("A", "B"), offsetPath(5, 0, 0), 0, &recordingPlacer{}, l, Config{}))
	s.Add(New(graph.MakeKey("C", "D"), offsetPath(5, 0, 1), 0, &recordingPlacer{}, l, Config{}))
	report := s.Tick(context.Background(), 0)
	assert.Equal(t, 2, report.Steps)
}

func TestScheduler_PartitionLifecycle(t *testing.T) {
	s := NewScheduler()
	l := ledger.New()
	p := &recordingPlacer{}
	near := graph.MakeKey("A", "B")
	far := graph.MakeKey("C", "D")
	s.Add(New(near, offsetPath(4, 0, 0), 0, p, l, Config{}))
	s.Add(New(far, offsetPath(4, 40, 0), 0, p, l, Config{}))

	suspended := s.SuspendPartition(ledger.PartitionCoord{X: 0, Z: 0})
	assert.Equal(t, []graph.SpatialKey{near}, suspended)
	assert.Equal(t, []graph.SpatialKey{far}, s.Active())
	assert.Equal(t, []graph.SpatialKey{near}, s.Suspended())

	s.Tick(context.Background(), 100)
	assert.True(t, s.Has(near), "suspended builders are kept")
	for _, pos := range p.placed {
		assert.GreaterOrEqual(t, pos.X, 40)
	}

	resumed := s.ResumePartition(ledger.PartitionCoord{X: 0, Z: 0})
	assert.Equal(t, []graph.SpatialKey{near}, resumed)
	report := s.Tick(context.Background(), 100)
	assert.Equal(t, []graph.SpatialKey{near}, report.Finished)
}

func TestScheduler_PlacementFailureReported(t *testing.T) {
	s := NewScheduler()
	l := ledger.New()
	path := offsetPath(3, 0, 0)
	p := &recordingPlacer{failAt: map[graph.Position]error{path[1]: errors.New("unloaded")}}
	key := graph.MakeKey("A", "B")
	s.Add(New(key, path, 0, p, l, Config{}))

	report := s.Tick(context.Background(), 10)
	assert.Equal(t, []graph.SpatialKey{key}, report.Suspended)
	assert.Empty(t, report.Finished)
	assert.Equal(t, []graph.SpatialKey{key}, s.Suspended())

	assert.Equal(t, 0, s.SuspendAll(), "already suspended")
}

func TestScheduler_ResumeWhere(t *testing.T) {
	s := NewScheduler()
	l := ledger.New()
	p := &recordingPlacer{}
	k1 := graph.MakeKey("A", "B")
	k2 := graph.MakeKey("C", "D")
	s.Add(New(k1, offsetPath(3, 0, 0), 0, p, l, Config{PartitionSize: 16}))
	s.Add(New(k2, offsetPath(3, 32, 0), 0, p, l, Config{PartitionSize: 16}))
	s.SuspendAll()

	far := ledger.PartitionCoord{X: 2, Z: 0}
	resumed := s.ResumeWhere(func(b *Builder) bool { return b.Partition() != far })
	assert.Equal(t, []graph.SpatialKey{k1}, resumed)
	assert.Equal(t, []graph.SpatialKey{k2}, s.Suspended())

	report := s.Tick(context.Background(), 10)
	assert.Equal(t, []graph.SpatialKey{k1}, report.Finished)
	assert.Len(t, p.placed, 3)
}
