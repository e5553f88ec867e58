package world

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/rmax-ai/roadnet/pkg/graph"
	"github.com/rmax-ai/roadnet/pkg/ledger"
)

// GridWorld is an in-memory world used by the simulator and tests. It
// implements Discovery, PathFinder, Placer and Decorator.
type GridWorld struct {
	mu     sync.Mutex
	seed   int64
	config GridConfig

	pois     map[string]POI
	tags     map[string][]string
	loaded   map[ledger.PartitionCoord]bool
	blocked  map[[2]int]bool
	failures map[graph.SpatialKey]error

	blocks      map[graph.Position]string
	decorations map[graph.Position]string
	placements  int
}

type GridConfig struct {
	PartitionSize int
	// BaseHeight is the surface height before noise.
	BaseHeight int
	// RequireLoaded makes Place fail in partitions that are not loaded.
	RequireLoaded bool
	// MaxPathLength bounds FindPath results; 0 means unbounded.
	MaxPathLength int
}

// NewGridWorld creates an empty world with the given seed.
func NewGridWorld(seed int64, cfg GridConfig) *GridWorld {
	if cfg.PartitionSize <= 0 {
		cfg.PartitionSize = ledger.DefaultPartitionSize
	}
	if cfg.BaseHeight == 0 {
		cfg.BaseHeight = 64
	}
	return &GridWorld{
		seed:        seed,
		config:      cfg,
		pois:        make(map[string]POI),
		tags:        make(map[string][]string),
		loaded:      make(map[ledger.PartitionCoord]bool),
		blocked:     make(map[[2]int]bool),
		failures:    make(map[graph.SpatialKey]error),
		blocks:      make(map[graph.Position]string),
		decorations: make(map[graph.Position]string),
	}
}

// AddPOI registers a point of interest.
func (w *GridWorld) AddPOI(p POI) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pois[p.ID] = p
}

// Populate scatters count points of interest inside [-extent, extent) on both
// axes. The layout only depends on the world seed.
func (w *GridWorld) Populate(count, extent int, kinds ...string) {
	if len(kinds) == 0 {
		kinds = []string{"village"}
	}
	rng := rand.New(rand.NewSource(Seed(w.seed, "populate")))
	for i := 0; i < count; i++ {
		x := rng.Intn(2*extent) - extent
		z := rng.Intn(2*extent) - extent
		kind := kinds[rng.Intn(len(kinds))]
		w.AddPOI(POI{
			ID:       fmt.Sprintf("%s:%d", kind, i),
			Position: graph.Position{X: x, Y: w.Height(x, z), Z: z},
			Kind:     kind,
		})
	}
}

// Tag groups kinds under a tag so that "#tag" selectors match them.
func (w *GridWorld) Tag(tag string, kinds ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tags[tag] = append(w.tags[tag], kinds...)
}

// SetLoaded marks a partition as loaded or unloaded.
func (w *GridWorld) SetLoaded(c ledger.PartitionCoord, loaded bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if loaded {
		w.loaded[c] = true
	} else {
		delete(w.loaded, c)
	}
}

// IsLoaded reports whether a partition is loaded.
func (w *GridWorld) IsLoaded(c ledger.PartitionCoord) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loaded[c]
}

// Block makes the column at (x, z) impassable for path finding.
func (w *GridWorld) Block(x, z int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blocked[[2]int{x, z}] = true
}

// FailPath makes FindPath between the two positions fail with err until
// cleared with a nil err.
func (w *GridWorld) FailPath(from, to graph.Position, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := graph.MakeKey(from.String(), to.String())
	if err == nil {
		delete(w.failures, key)
		return
	}
	w.failures[key] = err
}

// Height returns the surface height at (x, z).
func (w *GridWorld) Height(x, z int) int {
	cell := cellNoise(w.seed, x>>3, z>>3)
	return w.config.BaseHeight + int(cell%4)
}

func (w *GridWorld) matches(kind string, selectors []string) bool {
	if len(selectors) == 0 {
		return true
	}
	for _, sel := range selectors {
		if tag, ok := strings.CutPrefix(sel, "#"); ok {
			for _, k := range w.tags[tag] {
				if k == kind {
					return true
				}
			}
			continue
		}
		if sel == kind {
			return true
		}
	}
	return false
}

// Find implements Discovery. Distance is measured on the XZ plane.
func (w *GridWorld) Find(ctx context.Context, anchor graph.Position, radius int, selectors []string) ([]POI, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	r2 := int64(radius) * int64(radius)
	var out []POI
	for _, p := range w.pois {
		dx := int64(p.Position.X - anchor.X)
		dz := int64(p.Position.Z - anchor.Z)
		if dx*dx+dz*dz > r2 {
			continue
		}
		if !w.matches(p.Kind, selectors) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindPath implements PathFinder with a straight line over the XZ plane that
// follows the surface height.
func (w *GridWorld) FindPath(ctx context.Context, from, to graph.Position) ([]graph.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPath, err)
	}

	w.mu.Lock()
	failure := w.failures[graph.MakeKey(from.String(), to.String())]
	w.mu.Unlock()
	if failure != nil {
		return nil, fmt.Errorf("%w: %v", ErrPath, failure)
	}

	var path []graph.Position
	x0, z0, x1, z1 := from.X, from.Z, to.X, to.Z
	dx, dz := abs(x1-x0), -abs(z1-z0)
	sx, sz := sign(x1-x0), sign(z1-z0)
	e := dx + dz
	for {
		w.mu.Lock()
		blocked := w.blocked[[2]int{x0, z0}]
		w.mu.Unlock()
		if blocked {
			return nil, fmt.Errorf("%w: column (%d,%d) is blocked", ErrPath, x0, z0)
		}
		path = append(path, graph.Position{X: x0, Y: w.Height(x0, z0), Z: z0})
		if w.config.MaxPathLength > 0 && len(path) > w.config.MaxPathLength {
			return nil, fmt.Errorf("%w: longer than %d", ErrPath, w.config.MaxPathLength)
		}
		if x0 == x1 && z0 == z1 {
			break
		}
		e2 := 2 * e
		if e2 >= dz {
			e += dz
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			z0 += sz
		}
	}
	return path, nil
}

// Place implements Placer.
func (w *GridWorld) Place(ctx context.Context, pos graph.Position, material string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPlacement, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	c := ledger.CoordOf(pos, w.config.PartitionSize)
	if w.config.RequireLoaded && !w.loaded[c] {
		return fmt.Errorf("%w: partition %s not loaded", ErrPlacement, c)
	}
	w.blocks[pos] = material
	w.placements++
	return nil
}

// Decorate implements Decorator by placing a lamp beside the road on roughly
// one call in three.
func (w *GridWorld) Decorate(ctx context.Context, pos graph.Position, index int, rng *rand.Rand) error {
	if rng.Intn(3) != 0 {
		return nil
	}
	side := 1
	if rng.Intn(2) == 0 {
		side = -1
	}
	at := graph.Position{X: pos.X + side, Y: pos.Y + 1, Z: pos.Z}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.decorations[at] = "lamp"
	return nil
}

// BlockAt returns the material placed at pos, if any.
func (w *GridWorld) BlockAt(pos graph.Position) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.blocks[pos]
	return m, ok
}

// Placements returns the number of successful Place calls.
func (w *GridWorld) Placements() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.placements
}

// Decorations returns a copy of the decoration positions.
func (w *GridWorld) Decorations() map[graph.Position]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[graph.Position]string, len(w.decorations))
	for k, v := range w.decorations {
		out[k] = v
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int) int {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	}
	return 0
}
