package world

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/rmax-ai/roadnet/pkg/graph"
	"github.com/rmax-ai/roadnet/pkg/ledger"
)

func TestSeed_Stable(t *testing.T) {
	a := Seed(42, "A|B")
	b := Seed(42, "A|B")
	if a != b {
		t.Fatalf("Seed is not stable: %d != %d", a, b)
	}
	if Seed(43, "A|B") == a {
		t.Error("different world seeds should give different seeds")
	}
	if Seed(42, "A", "B") == Seed(42, "AB") {
		t.Error("part boundaries should matter")
	}
}

func TestGridWorld_FindSelectors(t *testing.T) {
	w := NewGridWorld(1, GridConfig{})
	w.AddPOI(POI{ID: "v1", Position: graph.Position{X: 5}, Kind: "village"})
	w.AddPOI(POI{ID: "t1", Position: graph.Position{X: -5}, Kind: "temple"})
	w.AddPOI(POI{ID: "far", Position: graph.Position{X: 500}, Kind: "village"})
	w.Tag("landmarks", "temple")

	ctx := context.Background()
	got, err := w.Find(ctx, graph.Position{}, 100, []string{"village"})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "v1" {
		t.Errorf("expected only v1, got %+v", got)
	}

	got, _ = w.Find(ctx, graph.Position{}, 100, []string{"#landmarks", "village"})
	if len(got) != 2 || got[0].ID != "t1" || got[1].ID != "v1" {
		t.Errorf("expected t1 and v1 sorted by id, got %+v", got)
	}
}

func TestGridWorld_FindPath(t *testing.T) {
	w := NewGridWorld(7, GridConfig{})
	ctx := context.Background()
	from := graph.Position{X: 0, Z: 0}
	to := graph.Position{X: 10, Z: -4}

	path, err := w.FindPath(ctx, from, to)
	if err != nil {
		t.Fatalf("FindPath failed: %v", err)
	}
	if path[0].X != 0 || path[0].Z != 0 {
		t.Errorf("path should start at origin, got %v", path[0])
	}
	last := path[len(path)-1]
	if last.X != 10 || last.Z != -4 {
		t.Errorf("path should end at target, got %v", last)
	}
	for i := 1; i < len(path); i++ {
		if abs(path[i].X-path[i-1].X) > 1 || abs(path[i].Z-path[i-1].Z) > 1 {
			t.Fatalf("path is not contiguous at %d: %v -> %v", i, path[i-1], path[i])
		}
		if path[i].Y != w.Height(path[i].X, path[i].Z) {
			t.Errorf("position %d does not follow the surface", i)
		}
	}

	w.Block(5, -2)
	if _, err := w.FindPath(ctx, from, to); !errors.Is(err, ErrPath) {
		t.Errorf("expected ErrPath through blocked column, got %v", err)
	}

	w.FailPath(to, from, errors.New("boom"))
	if _, err := w.FindPath(ctx, from, graph.Position{X: 10, Z: -4}); !errors.Is(err, ErrPath) {
		t.Errorf("expected injected ErrPath, got %v", err)
	}
}

func TestGridWorld_PlaceRequiresLoaded(t *testing.T) {
	w := NewGridWorld(1, GridConfig{RequireLoaded: true})
	ctx := context.Background()
	pos := graph.Position{X: 20, Y: 64, Z: 3}

	if err := w.Place(ctx, pos, "gravel"); !errors.Is(err, ErrPlacement) {
		t.Fatalf("expected ErrPlacement in unloaded partition, got %v", err)
	}

	w.SetLoaded(ledger.CoordOf(pos, 16), true)
	if err := w.Place(ctx, pos, "gravel"); err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	if m, ok := w.BlockAt(pos); !ok || m != "gravel" {
		t.Errorf("expected gravel at %v, got %q", pos, m)
	}
	if w.Placements() != 1 {
		t.Errorf("expected 1 placement, got %d", w.Placements())
	}
}

func TestGridWorld_PopulateDeterministic(t *testing.T) {
	a := NewGridWorld(99, GridConfig{})
	b := NewGridWorld(99, GridConfig{})
	a.Populate(20, 200, "village", "temple")
	b.Populate(20, 200, "village", "temple")

	ctx := context.Background()
	pa, _ := a.Find(ctx, graph.Position{}, 1000, nil)
	pb, _ := b.Find(ctx, graph.Position{}, 1000, nil)
	if len(pa) != 20 || len(pa) != len(pb) {
		t.Fatalf("expected 20 points in both worlds, got %d and %d", len(pa), len(pb))
	}
	for i := range pa {
		if pa[i] != pb[i] {
			t.Errorf("point %d differs: %+v vs %+v", i, pa[i], pb[i])
		}
	}
}

func TestGridWorld_DecorateUsesRng(t *testing.T) {
	w1 := NewGridWorld(1, GridConfig{})
	w2 := NewGridWorld(1, GridConfig{})
	r1 := rand.New(rand.NewSource(5))
	r2 := rand.New(rand.NewSource(5))
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		pos := graph.Position{X: i, Y: 64}
		w1.Decorate(ctx, pos, i, r1)
		w2.Decorate(ctx, pos, i, r2)
	}
	d1, d2 := w1.Decorations(), w2.Decorations()
	if len(d1) == 0 || len(d1) != len(d2) {
		t.Fatalf("expected equal non-empty decorations, got %d and %d", len(d1), len(d2))
	}
	for k := range d1 {
		if _, ok := d2[k]; !ok {
			t.Errorf("decoration %v missing in second world", k)
		}
	}
}
