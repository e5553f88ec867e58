// Package world defines the collaborators the road pipeline talks to: point
// of interest discovery, terrain path finding, block placement and the
// decoration hook.
package world

import (
	"context"
	"errors"
	"math/rand"

	"github.com/rmax-ai/roadnet/pkg/graph"
)

var (
	// ErrPath wraps every path finding failure. Edges that hit it are marked
	// failed and retried on a later cycle.
	ErrPath = errors.New("path finding failed")
	// ErrPlacement wraps every placement failure. The builder is suspended at
	// the failing index, the edge is left alone.
	ErrPlacement = errors.New("placement failed")
)

// POI is a point of interest reported by discovery.
type POI struct {
	ID       string
	Position graph.Position
	Kind     string
}

// Discovery finds points of interest around an anchor.
type Discovery interface {
	// Find returns points of interest within radius blocks of anchor whose
	// kind matches one of selectors. Selectors prefixed with '#' name a tag.
	Find(ctx context.Context, anchor graph.Position, radius int, selectors []string) ([]POI, error)
}

// PathFinder computes the ordered block positions connecting two points.
// It may be called from worker goroutines.
type PathFinder interface {
	FindPath(ctx context.Context, from, to graph.Position) ([]graph.Position, error)
}

// Placer mutates the world at a single position.
type Placer interface {
	Place(ctx context.Context, pos graph.Position, material string) error
}

// Decorator is called at a fixed interval along a path as it is built.
type Decorator interface {
	Decorate(ctx context.Context, pos graph.Position, index int, rng *rand.Rand) error
}
