package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/roadnet/pkg/graph"
	"github.com/rmax-ai/roadnet/pkg/ledger"
	"github.com/rmax-ai/roadnet/pkg/world"
)

func testConfig(maxDist int) PipelineConfig {
	cfg := DefaultPipelineConfig()
	cfg.MaxConnectionDistance = maxDist
	cfg.DeterministicDecorations = true
	return cfg
}

func newTestController(w *world.GridWorld, cfg ConfigProvider) *Controller {
	return NewController(Options{
		WorldID:    "test",
		WorldSeed:  42,
		Config:     cfg,
		Discovery:  w,
		Placer:     w,
		Decorator:  w,
		PathFinder: w,
	})
}

func village(id string, x, z int) world.POI {
	return world.POI{ID: id, Position: graph.Position{X: x, Y: 64, Z: z}, Kind: "village"}
}

func TestController_DistanceGate(t *testing.T) {
	tests := []struct {
		name    string
		maxDist int
		edges   int
	}{
		{"below distance", 40, 0},
		{"within distance", 60, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := world.NewGridWorld(1, world.GridConfig{})
			w.AddPOI(village("a", 0, 0))
			w.AddPOI(village("b", 50, 0))
			c := newTestController(w, StaticConfig(testConfig(tt.maxDist)))

			report := c.RunCycle(context.Background())

			assert.Equal(t, 2, report.NewNodes)
			assert.Equal(t, tt.edges, report.Proposed)
			assert.Len(t, c.Graph().Edges(), tt.edges)
		})
	}
}

func TestController_FailureIsolation(t *testing.T) {
	w := world.NewGridWorld(1, world.GridConfig{})
	a, b := village("a", 0, 0), village("b", 10, 0)
	w.AddPOI(a)
	w.AddPOI(b)
	w.AddPOI(village("c", 100, 100))
	w.AddPOI(village("d", 110, 100))
	w.FailPath(a.Position, b.Position, errors.New("cliff"))

	c := newTestController(w, StaticConfig(testConfig(20)))
	report := c.RunCycle(context.Background())

	assert.Equal(t, 2, report.Proposed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Registered)

	ab, ok := c.Graph().Edge(graph.MakeKey("a", "b"))
	require.True(t, ok)
	assert.Equal(t, graph.StatusFailed, ab.Status)
	assert.Equal(t, 1, ab.Attempts)
	assert.Equal(t, int64(2), ab.RetryAfterCycle)

	cd, ok := c.Graph().Edge(graph.MakeKey("c", "d"))
	require.True(t, ok)
	assert.Equal(t, graph.StatusBuilding, cd.Status)
	assert.Len(t, cd.Path, 11)
	assert.True(t, c.scheduler.Has(cd.Key))
}

func TestController_RetryAfterBackoff(t *testing.T) {
	w := world.NewGridWorld(1, world.GridConfig{})
	a, b := village("a", 0, 0), village("b", 10, 0)
	w.AddPOI(a)
	w.AddPOI(b)
	w.FailPath(a.Position, b.Position, errors.New("cliff"))

	c := newTestController(w, StaticConfig(testConfig(20)))
	ctx := context.Background()
	c.RunCycle(ctx)

	w.FailPath(a.Position, b.Position, nil)
	report := c.RunCycle(ctx)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, 1, report.Registered)

	e, _ := c.Graph().Edge(graph.MakeKey("a", "b"))
	assert.Equal(t, graph.StatusBuilding, e.Status)
}

func TestController_RetriesExhausted(t *testing.T) {
	w := world.NewGridWorld(1, world.GridConfig{})
	a, b := village("a", 0, 0), village("b", 10, 0)
	w.AddPOI(a)
	w.AddPOI(b)
	w.FailPath(a.Position, b.Position, errors.New("cliff"))

	cfg := testConfig(20)
	cfg.MaxRetries = 1
	c := newTestController(w, StaticConfig(cfg))
	ctx := context.Background()

	// Cycle 1 fails (retry at 2), cycle 2 retries and fails (retry at 4),
	// cycle 4 is past MaxRetries.
	for i := 0; i < 6; i++ {
		c.RunCycle(ctx)
	}

	e, _ := c.Graph().Edge(graph.MakeKey("a", "b"))
	assert.Equal(t, graph.StatusFailed, e.Status)
	assert.Equal(t, 2, e.Attempts)
}

func TestController_BuildsToCompletion(t *testing.T) {
	w := world.NewGridWorld(1, world.GridConfig{})
	w.AddPOI(village("a", 0, 0))
	w.AddPOI(village("b", 10, 0))

	cfg := testConfig(20)
	cfg.BuildBudgetPerTick = 100
	c := newTestController(w, StaticConfig(cfg))
	ctx := context.Background()

	c.RunCycle(ctx)
	report := c.Tick(ctx)

	key := graph.MakeKey("a", "b")
	assert.Equal(t, []graph.SpatialKey{key}, report.Finished)
	assert.Equal(t, 11, report.Steps)
	assert.Equal(t, 11, w.Placements())
	assert.Equal(t, 11, c.Ledger().Covered(key.String()))

	e, _ := c.Graph().Edge(key)
	assert.Equal(t, graph.StatusBuilt, e.Status)

	// Built edges are never rescheduled.
	next := c.RunCycle(ctx)
	assert.Equal(t, 0, next.Scheduled)
	assert.Equal(t, 11, w.Placements())
}

func TestController_BudgetSpreadsAcrossTicks(t *testing.T) {
	w := world.NewGridWorld(1, world.GridConfig{})
	w.AddPOI(village("a", 0, 0))
	w.AddPOI(village("b", 10, 0))

	cfg := testConfig(20)
	cfg.BuildBudgetPerTick = 4
	c := newTestController(w, StaticConfig(cfg))
	ctx := context.Background()
	c.RunCycle(ctx)

	for i, want := range []int{4, 8, 11} {
		c.Tick(ctx)
		assert.Equal(t, want, w.Placements(), "tick %d", i)
	}
	e, _ := c.Graph().Edge(graph.MakeKey("a", "b"))
	assert.Equal(t, graph.StatusBuilt, e.Status)
}

func runWorld(t *testing.T, seed int64) ([]byte, []byte, map[graph.Position]string) {
	t.Helper()
	w := world.NewGridWorld(seed, world.GridConfig{})
	w.Populate(12, 150, "village")

	cfg := testConfig(120)
	cfg.MaxEdgesPerNode = 3
	cfg.BuildBudgetPerTick = 16
	cfg.DecorationInterval = 3
	c := NewController(Options{
		WorldID:    "det",
		WorldSeed:  seed,
		Config:     StaticConfig(cfg),
		Discovery:  w,
		Placer:     w,
		Decorator:  w,
		PathFinder: w,
	})

	ctx := context.Background()
	for cycle := 0; cycle < 3; cycle++ {
		c.RunCycle(ctx)
		for i := 0; i < 20; i++ {
			c.Tick(ctx)
		}
	}

	g, err := json.Marshal(c.Graph())
	require.NoError(t, err)
	l, err := json.Marshal(c.Ledger())
	require.NoError(t, err)
	return g, l, w.Decorations()
}

func TestController_Deterministic(t *testing.T) {
	g1, l1, d1 := runWorld(t, 99)
	g2, l2, d2 := runWorld(t, 99)

	assert.Equal(t, string(g1), string(g2), "graph differs between runs")
	assert.Equal(t, string(l1), string(l2), "segment table differs between runs")
	assert.Equal(t, d1, d2, "decorations differ between runs")
	assert.NotEqual(t, "{}", string(l1))
}

func TestController_MaxEdgesPerNode(t *testing.T) {
	w := world.NewGridWorld(1, world.GridConfig{})
	w.AddPOI(village("hub", 0, 0))
	w.AddPOI(village("n1", 10, 0))
	w.AddPOI(village("n2", 0, 20))
	w.AddPOI(village("n3", -30, 0))

	cfg := testConfig(100)
	cfg.MaxEdgesPerNode = 1
	c := newTestController(w, StaticConfig(cfg))
	c.RunCycle(context.Background())

	degree := map[string]int{}
	for _, e := range c.Graph().Edges() {
		degree[e.A]++
		degree[e.B]++
	}
	for id, d := range degree {
		assert.LessOrEqual(t, d, 1, "node %s", id)
	}
	_, ok := c.Graph().Edge(graph.MakeKey("hub", "n1"))
	assert.True(t, ok, "nearest pair kept")
}

func TestController_ConfigReadEachCycle(t *testing.T) {
	w := world.NewGridWorld(1, world.GridConfig{})
	w.AddPOI(village("a", 0, 0))
	w.AddPOI(village("b", 50, 0))

	fc, err := NewFileConfig("")
	require.NoError(t, err)
	fc.Set(testConfig(40))

	c := newTestController(w, fc)
	ctx := context.Background()

	c.RunCycle(ctx)
	assert.Empty(t, c.Graph().Edges())

	fc.Set(testConfig(60))
	report := c.RunCycle(ctx)
	assert.Equal(t, 1, report.Proposed)
}

func TestController_UnloadSuspendsLoadResumes(t *testing.T) {
	w := world.NewGridWorld(1, world.GridConfig{})
	w.AddPOI(village("a", 0, 0))
	w.AddPOI(village("b", 40, 0))

	cfg := testConfig(50)
	cfg.BuildBudgetPerTick = 5
	c := newTestController(w, StaticConfig(cfg))
	ctx := context.Background()

	c.RunCycle(ctx)
	c.Tick(ctx)
	require.Equal(t, 5, w.Placements())

	home := ledger.PartitionCoord{X: 0, Z: 0}
	c.Graph().ClearDirty()
	c.OnPartitionUnload(home)

	assert.True(t, c.Graph().IsDirty())
	assert.Equal(t, 1, c.Status().SuspendedBuilders)
	assert.Equal(t, []ledger.PartitionCoord{home}, c.Status().Unloaded)

	report := c.Tick(ctx)
	assert.Equal(t, 0, report.Steps)
	assert.Equal(t, 5, w.Placements())

	c.OnPartitionLoad(home)
	assert.Equal(t, 0, c.Status().SuspendedBuilders)
	c.Tick(ctx)
	assert.Equal(t, 10, w.Placements())
}

func TestController_ScheduleIntoUnloadedPartition(t *testing.T) {
	w := world.NewGridWorld(1, world.GridConfig{})
	w.AddPOI(village("a", 0, 0))
	w.AddPOI(village("b", 10, 0))

	c := newTestController(w, StaticConfig(testConfig(20)))
	ctx := context.Background()
	c.OnPartitionUnload(ledger.PartitionCoord{X: 0, Z: 0})
	c.RunCycle(ctx)

	assert.Equal(t, 1, c.Status().SuspendedBuilders)
	c.Tick(ctx)
	assert.Zero(t, w.Placements())
}

func TestController_NodeChangeIgnored(t *testing.T) {
	w := world.NewGridWorld(1, world.GridConfig{})
	w.AddPOI(village("a", 0, 0))
	c := newTestController(w, StaticConfig(testConfig(20)))
	ctx := context.Background()
	c.RunCycle(ctx)

	w.AddPOI(village("a", 5, 5))
	c.OnPartitionLoad(ledger.PartitionCoord{X: 0, Z: 0})
	report := c.RunCycle(ctx)

	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 0, report.NewNodes)
	n, _ := c.Graph().Node("a")
	assert.Equal(t, graph.Position{X: 0, Y: 64, Z: 0}, n.Position)
}

type flakyDiscovery struct {
	world.Discovery
	failures int
}

func (d *flakyDiscovery) Find(ctx context.Context, anchor graph.Position, radius int, selectors []string) ([]world.POI, error) {
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("structure index unavailable")
	}
	return d.Discovery.Find(ctx, anchor, radius, selectors)
}

func TestController_DiscoveryFailureKeepsAnchor(t *testing.T) {
	w := world.NewGridWorld(1, world.GridConfig{})
	w.AddPOI(village("a", 0, 0))
	w.AddPOI(village("b", 10, 0))

	c := NewController(Options{
		WorldID:    "test",
		Config:     StaticConfig(testConfig(20)),
		Discovery:  &flakyDiscovery{Discovery: w, failures: 1},
		Placer:     w,
		PathFinder: w,
	})
	ctx := context.Background()

	first := c.RunCycle(ctx)
	assert.Equal(t, 0, first.Scanned)
	assert.Equal(t, 0, first.NewNodes)

	second := c.RunCycle(ctx)
	assert.Equal(t, 1, second.Scanned)
	assert.Equal(t, 2, second.NewNodes)
}

type stallingPlacer struct {
	world.Placer
	failures int
}

func (p *stallingPlacer) Place(ctx context.Context, pos graph.Position, material string) error {
	if p.failures > 0 {
		p.failures--
		return errors.New("chunk busy")
	}
	return p.Placer.Place(ctx, pos, material)
}

func TestController_PlacementFailureRetriedNextCycle(t *testing.T) {
	w := world.NewGridWorld(1, world.GridConfig{})
	w.AddPOI(village("a", 0, 0))
	w.AddPOI(village("b", 10, 0))

	cfg := testConfig(20)
	cfg.BuildBudgetPerTick = 100
	c := NewController(Options{
		WorldID:    "test",
		Config:     StaticConfig(cfg),
		Discovery:  w,
		Placer:     &stallingPlacer{Placer: w, failures: 1},
		PathFinder: w,
	})
	ctx := context.Background()

	c.RunCycle(ctx)
	report := c.Tick(ctx)
	key := graph.MakeKey("a", "b")
	require.Equal(t, []graph.SpatialKey{key}, report.Suspended)
	assert.Equal(t, 1, c.Status().SuspendedBuilders)
	assert.Zero(t, w.Placements())

	// No partition event arrives; the next cycle picks the builder up again.
	c.RunCycle(ctx)
	assert.Equal(t, 0, c.Status().SuspendedBuilders)
	report = c.Tick(ctx)
	assert.Equal(t, []graph.SpatialKey{key}, report.Finished)
	assert.Equal(t, 11, w.Placements())

	e, _ := c.Graph().Edge(key)
	assert.Equal(t, graph.StatusBuilt, e.Status)
}

func TestController_PlacementFailureWaitsForUnloadedPartition(t *testing.T) {
	w := world.NewGridWorld(1, world.GridConfig{})
	w.AddPOI(village("a", 0, 0))
	w.AddPOI(village("b", 10, 0))

	c := newTestController(w, StaticConfig(testConfig(20)))
	ctx := context.Background()
	home := ledger.PartitionCoord{X: 0, Z: 0}

	c.RunCycle(ctx)
	c.OnPartitionUnload(home)
	c.RunCycle(ctx)
	assert.Equal(t, 1, c.Status().SuspendedBuilders)

	c.OnPartitionLoad(home)
	assert.Equal(t, 0, c.Status().SuspendedBuilders)
}

func TestController_ShutdownSuspendsBuilders(t *testing.T) {
	w := world.NewGridWorld(1, world.GridConfig{})
	w.AddPOI(village("a", 0, 0))
	w.AddPOI(village("b", 10, 0))

	c := newTestController(w, StaticConfig(testConfig(20)))
	c.RunCycle(context.Background())
	c.Graph().ClearDirty()
	c.Ledger().ClearDirty()

	c.OnShutdown()

	assert.Equal(t, 1, c.Status().SuspendedBuilders)
	assert.True(t, c.Graph().IsDirty())
	assert.True(t, c.Ledger().IsDirty())
}
