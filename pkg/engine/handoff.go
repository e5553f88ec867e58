package engine

import (
	"sync"

	"github.com/rmax-ai/roadnet/pkg/graph"
)

// PathResult is the outcome of one path request.
type PathResult struct {
	Key  graph.SpatialKey
	Path []graph.Position
	Err  error
}

// Handoff carries path results from path workers to the update loop. Any
// goroutine may Push; only the loop drains it.
type Handoff struct {
	mu      sync.Mutex
	pending []PathResult
}

func NewHandoff() *Handoff {
	return &Handoff{}
}

func (h *Handoff) Push(r PathResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = append(h.pending, r)
}

// Drain returns every queued result in arrival order and empties the queue.
func (h *Handoff) Drain() []PathResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.pending
	h.pending = nil
	return out
}

func (h *Handoff) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

