package graph

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Store owns the node and edge sets of one world.
//
// All mutation is expected to come from the world's update loop. The lock
// only exists so that snapshot readers (API handlers, the flush worker) never
// observe a map mid-write.
type Store struct {
	mu        sync.RWMutex
	nodes     map[string]*Node
	nodeOrder []string
	edges     map[SpatialKey]*Edge
	edgeOrder []SpatialKey

	// gen is bumped on every mutation, flushed is the last persisted gen.
	gen     uint64
	flushed uint64
}

// NewStore creates an empty graph store.
func NewStore() *Store {
	return &Store{
		nodes: make(map[string]*Node),
		edges: make(map[SpatialKey]*Edge),
	}
}

func (s *Store) touchLocked() {
	s.gen++
}

// UpsertNode inserts the node if its id is unknown. An existing node is
// returned unchanged and created is false.
func (s *Store) UpsertNode(id string, pos Position, kind string) (Node, bool, error) {
	if err := ValidateID(id); err != nil {
		return Node{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.nodes[id]; ok {
		return *n, false, nil
	}
	n := &Node{ID: id, Position: pos, Kind: kind}
	s.nodes[id] = n
	s.nodeOrder = append(s.nodeOrder, id)
	s.touchLocked()
	return *n, true, nil
}

// Node returns a copy of the node with the given id.
func (s *Store) Node(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// ProposeEdge returns the edge for the pair (a, b), creating it as Planned if
// it does not exist yet.
func (s *Store) ProposeEdge(a, b string) (Edge, bool, error) {
	if a == b {
		return Edge{}, false, fmt.Errorf("propose %s: %w", a, ErrSelfLoop)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := MakeKey(a, b)
	if e, ok := s.edges[key]; ok {
		return e.clone(), false, nil
	}
	if _, ok := s.nodes[a]; !ok {
		return Edge{}, false, fmt.Errorf("propose edge: node %s: %w", a, ErrNotFound)
	}
	if _, ok := s.nodes[b]; !ok {
		return Edge{}, false, fmt.Errorf("propose edge: node %s: %w", b, ErrNotFound)
	}

	e := &Edge{Key: key, A: key.Lo, B: key.Hi, Status: StatusPlanned}
	s.edges[key] = e
	s.edgeOrder = append(s.edgeOrder, key)
	s.touchLocked()
	return e.clone(), true, nil
}

// Edge returns a copy of the edge with the given key.
func (s *Store) Edge(key SpatialKey) (Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edges[key]
	if !ok {
		return Edge{}, false
	}
	return e.clone(), true
}

// transitionLocked applies a status change if the transition table allows it.
func (s *Store) transitionLocked(key SpatialKey, to EdgeStatus) (*Edge, bool, error) {
	e, ok := s.edges[key]
	if !ok {
		return nil, false, fmt.Errorf("edge %s: %w", key, ErrNotFound)
	}
	if !CanTransition(e.Status, to) {
		return e, false, nil
	}
	e.Status = to
	s.touchLocked()
	return e, true, nil
}

// SetPath stores the computed path and moves the edge from Planned to
// Building. Any other starting status is a no-op.
func (s *Store) SetPath(key SpatialKey, path []Position) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, changed, err := s.transitionLocked(key, StatusBuilding)
	if err != nil || !changed {
		return false, err
	}
	e.Path = make([]Position, len(path))
	copy(e.Path, path)
	return true, nil
}

// MarkBuilt moves a Building edge to Built.
func (s *Store) MarkBuilt(key SpatialKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, changed, err := s.transitionLocked(key, StatusBuilt)
	return changed, err
}

// MarkFailed moves a Planned or Building edge to Failed and counts the attempt.
func (s *Store) MarkFailed(key SpatialKey, retryAfterCycle int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, changed, err := s.transitionLocked(key, StatusFailed)
	if err != nil || !changed {
		return false, err
	}
	e.Attempts++
	e.RetryAfterCycle = retryAfterCycle
	return true, nil
}

// Retry moves a Failed edge back to Planned. The stale path, if any, is dropped.
func (s *Store) Retry(key SpatialKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, changed, err := s.transitionLocked(key, StatusPlanned)
	if err != nil || !changed {
		return false, err
	}
	e.Path = nil
	return true, nil
}

// Nodes returns a copy of all nodes in insertion order.
func (s *Store) Nodes() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Node, 0, len(s.nodeOrder))
	for _, id := range s.nodeOrder {
		out = append(out, *s.nodes[id])
	}
	return out
}

// Edges returns a copy of all edges in insertion order.
func (s *Store) Edges() []Edge {
	return s.EdgesWithStatus("")
}

// EdgesWithStatus returns copies of the edges in the given status, or all
// edges when status is empty.
func (s *Store) EdgesWithStatus(status EdgeStatus) []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Edge, 0, len(s.edgeOrder))
	for _, key := range s.edgeOrder {
		e := s.edges[key]
		if status != "" && e.Status != status {
			continue
		}
		out = append(out, e.clone())
	}
	return out
}

// Counts returns the number of nodes and the number of edges per status.
func (s *Store) Counts() (int, map[EdgeStatus]int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byStatus := make(map[EdgeStatus]int, len(transitions))
	for _, e := range s.edges {
		byStatus[e.Status]++
	}
	return len(s.nodes), byStatus
}

// MarkDirty forces the store to be persisted on the next flush.
func (s *Store) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
}

// IsDirty reports whether there are mutations not yet persisted.
func (s *Store) IsDirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen != s.flushed
}

// ClearDirty marks the current state as persisted.
func (s *Store) ClearDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed = s.gen
}

// ClearDirtyThrough marks state up to gen as persisted. Mutations made after
// the matching Export keep the store dirty.
func (s *Store) ClearDirtyThrough(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen > s.flushed {
		s.flushed = gen
	}
}

// Export returns a copy of the graph together with the generation it reflects.
func (s *Store) Export() (Graph, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g := Graph{
		Nodes: make([]Node, 0, len(s.nodeOrder)),
		Edges: make([]Edge, 0, len(s.edgeOrder)),
	}
	for _, id := range s.nodeOrder {
		g.Nodes = append(g.Nodes, *s.nodes[id])
	}
	for _, key := range s.edgeOrder {
		g.Edges = append(g.Edges, s.edges[key].clone())
	}
	return g, s.gen
}

// MarshalJSON encodes the store as {"nodes": [...], "edges": [...]}.
func (s *Store) MarshalJSON() ([]byte, error) {
	g, _ := s.Export()
	return json.Marshal(g)
}

// UnmarshalJSON replaces the store contents with the decoded graph.
func (s *Store) UnmarshalJSON(data []byte) error {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return fmt.Errorf("decode graph: %w", err)
	}
	return s.Load(g)
}

// Load replaces the store contents. The store is clean afterwards.
func (s *Store) Load(g Graph) error {
	nodes := make(map[string]*Node, len(g.Nodes))
	nodeOrder := make([]string, 0, len(g.Nodes))
	for i := range g.Nodes {
		n := g.Nodes[i]
		if err := ValidateID(n.ID); err != nil {
			return fmt.Errorf("node %d: %w", i, err)
		}
		if _, dup := nodes[n.ID]; dup {
			return fmt.Errorf("duplicate node %s", n.ID)
		}
		nodes[n.ID] = &n
		nodeOrder = append(nodeOrder, n.ID)
	}

	edges := make(map[SpatialKey]*Edge, len(g.Edges))
	edgeOrder := make([]SpatialKey, 0, len(g.Edges))
	for i := range g.Edges {
		e := g.Edges[i].clone()
		key := MakeKey(e.A, e.B)
		if e.Key != key {
			return fmt.Errorf("edge %s: key does not match endpoints %s/%s", e.Key, e.A, e.B)
		}
		if _, ok := nodes[e.A]; !ok {
			return fmt.Errorf("edge %s: node %s: %w", key, e.A, ErrNotFound)
		}
		if _, ok := nodes[e.B]; !ok {
			return fmt.Errorf("edge %s: node %s: %w", key, e.B, ErrNotFound)
		}
		if !e.Status.Valid() {
			return fmt.Errorf("edge %s: unknown status %q", key, e.Status)
		}
		if _, dup := edges[key]; dup {
			return fmt.Errorf("duplicate edge %s", key)
		}
		edges[key] = &e
		edgeOrder = append(edgeOrder, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = nodes
	s.nodeOrder = nodeOrder
	s.edges = edges
	s.edgeOrder = edgeOrder
	s.gen++
	s.flushed = s.gen
	return nil
}
