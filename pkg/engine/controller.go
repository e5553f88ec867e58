package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rmax-ai/roadnet/pkg/builder"
	"github.com/rmax-ai/roadnet/pkg/graph"
	"github.com/rmax-ai/roadnet/pkg/ledger"
	"github.com/rmax-ai/roadnet/pkg/world"
)

// Options wires a Controller to its world.
type Options struct {
	WorldID   string
	WorldSeed int64
	Config    ConfigProvider

	Discovery world.Discovery
	Placer    world.Placer
	Decorator world.Decorator
	// PathFinder backs the default inline requester when Requester is nil.
	PathFinder world.PathFinder
	Requester  PathRequester
	Handoff    *Handoff
}

// CycleReport summarizes one pipeline cycle.
type CycleReport struct {
	Cycle      int64         `json:"cycle"`
	Scanned    int           `json:"scanned"`
	NewNodes   int           `json:"new_nodes"`
	Proposed   int           `json:"proposed"`
	Retried    int           `json:"retried"`
	Requested  int           `json:"requested"`
	Registered int           `json:"registered"`
	Failed     int           `json:"failed"`
	Scheduled  int           `json:"scheduled"`
	Duration   time.Duration `json:"duration"`
}

// Status is a read-only view of the controller for the API.
type Status struct {
	WorldID           string                   `json:"world_id"`
	Cycle             int64                    `json:"cycle"`
	Nodes             int                      `json:"nodes"`
	Edges             map[graph.EdgeStatus]int `json:"edges"`
	ActiveBuilders    int                      `json:"active_builders"`
	SuspendedBuilders int                      `json:"suspended_builders"`
	InFlight          int                      `json:"in_flight"`
	LastCycle         CycleReport              `json:"last_cycle"`
	Unloaded          []ledger.PartitionCoord  `json:"unloaded_partitions,omitempty"`
}

type scanTarget struct {
	pos       graph.Position
	partition bool
}

// Controller runs the road pipeline of one world: Scan, Propose,
// PathRequest, Register and Schedule. Every method except Status must be
// called from the update loop.
type Controller struct {
	worldID string
	seed    int64
	config  ConfigProvider

	graph     *graph.Store
	ledger    *ledger.Ledger
	scheduler *builder.Scheduler

	discovery world.Discovery
	placer    world.Placer
	decorator world.Decorator
	requester PathRequester
	handoff   *Handoff

	cycle    int64
	seeded   bool
	pending  []scanTarget
	inFlight map[graph.SpatialKey]bool
	unloaded map[ledger.PartitionCoord]bool
	last     CycleReport

	status atomic.Pointer[Status]
}

func NewController(opts Options) *Controller {
	handoff := opts.Handoff
	if handoff == nil {
		handoff = NewHandoff()
	}
	requester := opts.Requester
	if requester == nil {
		requester = NewInlineRequester(opts.PathFinder, handoff)
	}
	config := opts.Config
	if config == nil {
		config = StaticConfig(DefaultPipelineConfig())
	}
	c := &Controller{
		worldID:   opts.WorldID,
		seed:      opts.WorldSeed,
		config:    config,
		graph:     graph.NewStore(),
		ledger:    ledger.New(),
		scheduler: builder.NewScheduler(),
		discovery: opts.Discovery,
		placer:    opts.Placer,
		decorator: opts.Decorator,
		requester: requester,
		handoff:   handoff,
		inFlight:  make(map[graph.SpatialKey]bool),
		unloaded:  make(map[ledger.PartitionCoord]bool),
	}
	c.publish()
	return c
}

func (c *Controller) WorldID() string { return c.worldID }
func (c *Controller) WorldSeed() int64 { return c.seed }
func (c *Controller) Graph() *graph.Store { return c.graph }
func (c *Controller) Ledger() *ledger.Ledger { return c.ledger }
func (c *Controller) Cycle() int64 { return c.cycle }

// Status returns the view published at the end of the last cycle or tick.
// Safe to call from any goroutine.
func (c *Controller) Status() Status {
	s := *c.status.Load()
	edges := make(map[graph.EdgeStatus]int, len(s.Edges))
	for k, v := range s.Edges {
		edges[k] = v
	}
	s.Edges = edges
	s.Unloaded = append([]ledger.PartitionCoord(nil), s.Unloaded...)
	return s
}

// RunCycle executes one full pipeline pass. Failures of single anchors or
// edges are logged and never abort the cycle.
func (c *Controller) RunCycle(ctx context.Context) CycleReport {
	start := time.Now()
	cfg := c.config.Current()
	c.cycle++
	report := CycleReport{Cycle: c.cycle}

	if !c.seeded {
		for _, a := range cfg.Anchors {
			c.pending = append(c.pending, scanTarget{pos: a})
		}
		c.seeded = true
	}

	c.scan(ctx, cfg, &report)
	c.propose(cfg, &report)
	c.requestPaths(ctx, cfg, &report)
	c.register(cfg, &report)
	c.schedule(cfg, &report)

	report.Duration = time.Since(start)
	c.last = report
	c.publish()

	RoadnetCycleSeconds.WithLabelValues(c.worldID).Observe(report.Duration.Seconds())
	slog.Debug("pipeline_cycle", "world", c.worldID, "cycle", report.Cycle,
		"new_nodes", report.NewNodes, "proposed", report.Proposed, "registered", report.Registered,
		"failed", report.Failed, "scheduled", report.Scheduled)
	return report
}

func (c *Controller) scan(ctx context.Context, cfg PipelineConfig, report *CycleReport) {
	if c.discovery == nil {
		c.pending = nil
		return
	}
	var keep []scanTarget
	for _, target := range c.pending {
		radius := cfg.ScanRadiusInit
		if target.partition {
			radius = cfg.ScanRadiusPartitionLoad
		}
		pois, err := c.discovery.Find(ctx, target.pos, radius, cfg.StructureSelectors)
		if err != nil {
			slog.Warn("discovery_failed", "world", c.worldID, "anchor", target.pos.String(), "error", err)
			keep = append(keep, target)
			continue
		}
		report.Scanned++

		sort.Slice(pois, func(i, j int) bool { return pois[i].ID < pois[j].ID })
		for _, p := range pois {
			n, created, err := c.graph.UpsertNode(p.ID, p.Position, p.Kind)
			if err != nil {
				slog.Warn("poi_rejected", "world", c.worldID, "node", p.ID, "error", err)
				continue
			}
			if created {
				report.NewNodes++
				continue
			}
			if n.Position != p.Position || n.Kind != p.Kind {
				slog.Warn("node_changed_ignored", "world", c.worldID, "node", p.ID,
					"position", n.Position.String(), "reported_position", p.Position.String(),
					"kind", n.Kind, "reported_kind", p.Kind)
			}
		}
	}
	c.pending = keep
}

func (c *Controller) propose(cfg PipelineConfig, report *CycleReport) {
	pairs := Pairs(c.graph.Nodes(), cfg.MaxConnectionDistance, cfg.EffectiveBucketSize(), cfg.NaiveThreshold)
	if cfg.MaxEdgesPerNode > 0 {
		pairs = c.limitPairs(pairs, cfg)
	}
	for _, p := range pairs {
		_, created, err := c.graph.ProposeEdge(p.A.ID, p.B.ID)
		if err != nil {
			slog.Error("propose_failed", "world", c.worldID, "edge", p.Key().String(), "error", err)
			continue
		}
		if created {
			report.Proposed++
		}
	}
}

// limitPairs keeps at most MaxEdgesPerNode edges per node, nearest first.
// Pairs at equal distance are ordered by a tiebreak drawn from the world
// seed and the edge key in deterministic mode, from the clock otherwise.
func (c *Controller) limitPairs(pairs []Pair, cfg PipelineConfig) []Pair {
	tiebreak := make(map[graph.SpatialKey]int64, len(pairs))
	var clock *rand.Rand
	if !cfg.DeterministicDecorations {
		clock = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	for _, p := range pairs {
		if clock != nil {
			tiebreak[p.Key()] = clock.Int63()
		} else {
			tiebreak[p.Key()] = world.Seed(c.seed, "tiebreak", p.Key().String())
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].DistSq != pairs[j].DistSq {
			return pairs[i].DistSq < pairs[j].DistSq
		}
		return tiebreak[pairs[i].Key()] < tiebreak[pairs[j].Key()]
	})

	degree := make(map[string]int)
	for _, e := range c.graph.Edges() {
		degree[e.A]++
		degree[e.B]++
	}
	var out []Pair
	for _, p := range pairs {
		if _, exists := c.graph.Edge(p.Key()); exists {
			continue
		}
		if degree[p.A.ID] >= cfg.MaxEdgesPerNode || degree[p.B.ID] >= cfg.MaxEdgesPerNode {
			continue
		}
		degree[p.A.ID]++
		degree[p.B.ID]++
		out = append(out, p)
	}
	return out
}

func (c *Controller) requestPaths(ctx context.Context, cfg PipelineConfig, report *CycleReport) {
	policy := retryPolicyFrom(cfg)
	for _, e := range c.graph.EdgesWithStatus(graph.StatusFailed) {
		if e.RetryAfterCycle > c.cycle || !policy.Allowed(e.Attempts) {
			continue
		}
		if changed, _ := c.graph.Retry(e.Key); changed {
			report.Retried++
		}
	}

	for _, e := range c.graph.EdgesWithStatus(graph.StatusPlanned) {
		if e.Path != nil || c.inFlight[e.Key] {
			continue
		}
		a, okA := c.graph.Node(e.A)
		b, okB := c.graph.Node(e.B)
		if !okA || !okB {
			slog.Error("edge_endpoint_missing", "world", c.worldID, "edge", e.Key.String())
			continue
		}
		err := c.requester.Submit(ctx, PathRequest{Key: e.Key, From: a.Position, To: b.Position})
		if err != nil {
			slog.Warn("path_request_deferred", "world", c.worldID, "edge", e.Key.String(), "error", err)
			if errors.Is(err, ErrQueueFull) || ctx.Err() != nil {
				return
			}
			continue
		}
		c.inFlight[e.Key] = true
		report.Requested++
	}
}

func (c *Controller) register(cfg PipelineConfig, report *CycleReport) {
	policy := retryPolicyFrom(cfg)
	for _, r := range c.handoff.Drain() {
		delete(c.inFlight, r.Key)
		e, ok := c.graph.Edge(r.Key)
		if !ok {
			slog.Error("path_result_unknown_edge", "world", c.worldID, "edge", r.Key.String())
			continue
		}
		pathKey := r.Key.String()

		if r.Err != nil {
			retryAt := c.cycle + policy.Delay(e.Attempts+1)
			if changed, _ := c.graph.MarkFailed(r.Key, retryAt); changed {
				report.Failed++
				RoadnetPathFailuresTotal.WithLabelValues(c.worldID).Inc()
				slog.Warn("path_failed", "world", c.worldID, "edge", pathKey,
					"attempts", e.Attempts+1, "retry_after_cycle", retryAt, "error", r.Err)
			}
			continue
		}

		changed, err := c.graph.SetPath(r.Key, r.Path)
		if err != nil || !changed {
			continue
		}
		for _, run := range ledger.Chop(r.Path, cfg.PartitionSize) {
			if err := c.ledger.Claim(run.Partition, pathKey, run.Start, run.Limit); err != nil {
				slog.Warn("segment_claim_rejected", "world", c.worldID, "edge", pathKey,
					"partition", run.Partition.String(), "start", run.Start, "limit", run.Limit, "error", err)
			}
		}
		report.Registered++
	}
}

func (c *Controller) schedule(cfg PipelineConfig, report *CycleReport) {
	// Builders suspended by a placement failure retry once their partition
	// is loaded.
	resumed := c.scheduler.ResumeWhere(func(b *builder.Builder) bool {
		return !c.unloaded[b.Partition()]
	})
	if len(resumed) > 0 {
		slog.Info("builders_retried", "world", c.worldID, "count", len(resumed))
	}

	for _, e := range c.graph.EdgesWithStatus(graph.StatusBuilding) {
		if c.scheduler.Has(e.Key) {
			continue
		}
		pathKey := e.Key.String()
		resume := c.ledger.ResumeIndex(pathKey, len(e.Path))
		b := builder.New(e.Key, e.Path, resume, c.placer, c.ledger, builder.Config{
			Material:           cfg.Material,
			PartitionSize:      cfg.PartitionSize,
			DecorationInterval: cfg.DecorationInterval,
			Decorator:          c.decorator,
			Rand:               c.decorationRand(cfg, pathKey),
		})
		if c.unloaded[b.Partition()] {
			b.Suspend()
		}
		c.scheduler.Add(b)
		report.Scheduled++
		if resume > 0 {
			slog.Info("builder_resumed", "world", c.worldID, "edge", pathKey, "index", resume, "len", len(e.Path))
		}
	}
}

func (c *Controller) decorationRand(cfg PipelineConfig, pathKey string) *rand.Rand {
	if cfg.DeterministicDecorations {
		return rand.New(rand.NewSource(world.Seed(c.seed, "decorate", pathKey)))
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// Tick runs one host tick of building within the configured budget.
func (c *Controller) Tick(ctx context.Context) builder.TickReport {
	cfg := c.config.Current()
	report := c.scheduler.Tick(ctx, cfg.BuildBudgetPerTick)
	for _, key := range report.Finished {
		c.OnBuilderFinished(key)
	}
	if report.Steps > 0 {
		RoadnetPlacementsTotal.WithLabelValues(c.worldID).Add(float64(report.Steps))
	}
	if len(report.Finished) > 0 || len(report.Suspended) > 0 {
		c.publish()
	}
	return report
}

// OnBuilderFinished marks the edge built.
func (c *Controller) OnBuilderFinished(key graph.SpatialKey) {
	changed, err := c.graph.MarkBuilt(key)
	if err != nil {
		slog.Error("mark_built_failed", "world", c.worldID, "edge", key.String(), "error", err)
		return
	}
	if changed {
		slog.Info("edge_built", "world", c.worldID, "edge", key.String())
	}
}

// OnPartitionLoad queues a discovery scan around the partition and resumes
// builders waiting on it.
func (c *Controller) OnPartitionLoad(coord ledger.PartitionCoord) {
	cfg := c.config.Current()
	delete(c.unloaded, coord)
	c.pending = append(c.pending, scanTarget{pos: coord.Center(cfg.PartitionSize, 0), partition: true})
	if resumed := c.scheduler.ResumePartition(coord); len(resumed) > 0 {
		slog.Info("builders_resumed", "world", c.worldID, "partition", coord.String(), "count", len(resumed))
	}
	c.publish()
}

// OnPartitionUnload suspends builders in the partition and marks state dirty
// so the next flush persists their progress.
func (c *Controller) OnPartitionUnload(coord ledger.PartitionCoord) {
	c.unloaded[coord] = true
	if suspended := c.scheduler.SuspendPartition(coord); len(suspended) > 0 {
		slog.Info("builders_suspended", "world", c.worldID, "partition", coord.String(), "count", len(suspended))
	}
	c.graph.MarkDirty()
	c.ledger.MarkDirty()
	c.publish()
}

// OnShutdown suspends every builder and marks state dirty.
func (c *Controller) OnShutdown() {
	c.scheduler.SuspendAll()
	c.graph.MarkDirty()
	c.ledger.MarkDirty()
	c.publish()
}

func (c *Controller) publish() {
	nodes, edges := c.graph.Counts()
	unloaded := make([]ledger.PartitionCoord, 0, len(c.unloaded))
	for coord := range c.unloaded {
		unloaded = append(unloaded, coord)
	}
	sort.Slice(unloaded, func(i, j int) bool {
		if unloaded[i].X != unloaded[j].X {
			return unloaded[i].X < unloaded[j].X
		}
		return unloaded[i].Z < unloaded[j].Z
	})
	s := &Status{
		WorldID:           c.worldID,
		Cycle:             c.cycle,
		Nodes:             nodes,
		Edges:             edges,
		ActiveBuilders:    len(c.scheduler.Active()),
		SuspendedBuilders: len(c.scheduler.Suspended()),
		InFlight:          len(c.inFlight),
		LastCycle:         c.last,
		Unloaded:          unloaded,
	}
	c.status.Store(s)

	RoadnetNodes.WithLabelValues(c.worldID).Set(float64(nodes))
	for _, st := range []graph.EdgeStatus{graph.StatusPlanned, graph.StatusBuilding, graph.StatusBuilt, graph.StatusFailed} {
		RoadnetEdges.WithLabelValues(c.worldID, string(st)).Set(float64(edges[st]))
	}
	RoadnetSuspendedBuilders.WithLabelValues(c.worldID).Set(float64(s.SuspendedBuilders))
}
