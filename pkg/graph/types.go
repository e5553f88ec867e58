package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an operation references an absent node or edge.
	ErrNotFound = errors.New("not found")
	// ErrSelfLoop is returned when an edge is proposed between a node and itself.
	ErrSelfLoop = errors.New("edge endpoints must differ")
	// ErrInvalidID is returned for node ids that are empty or contain the
	// path key separator.
	ErrInvalidID = errors.New("invalid node id")
)

// Position is a block position in the world.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (p Position) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p.X, p.Y, p.Z)
}

// DistSq returns the squared euclidean distance between two positions.
func (p Position) DistSq(o Position) int64 {
	dx := int64(p.X - o.X)
	dy := int64(p.Y - o.Y)
	dz := int64(p.Z - o.Z)
	return dx*dx + dy*dy + dz*dz
}

// Node is a discovered point of interest.
type Node struct {
	ID       string   `json:"id"`
	Position Position `json:"position"`
	Kind     string   `json:"kind"`
}

// EdgeStatus is the build progress of an edge.
type EdgeStatus string

const (
	StatusPlanned  EdgeStatus = "planned"
	StatusBuilding EdgeStatus = "building"
	StatusBuilt    EdgeStatus = "built"
	StatusFailed   EdgeStatus = "failed"
)

// transitions is the only place edge status changes are decided.
var transitions = map[EdgeStatus]map[EdgeStatus]bool{
	StatusPlanned:  {StatusBuilding: true, StatusFailed: true},
	StatusBuilding: {StatusBuilt: true, StatusFailed: true},
	StatusFailed:   {StatusPlanned: true},
	StatusBuilt:    {},
}

// CanTransition reports whether an edge may move from one status to another.
func CanTransition(from, to EdgeStatus) bool {
	return transitions[from][to]
}

// Valid reports whether s is one of the known statuses.
func (s EdgeStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// SpatialKey identifies an unordered pair of node ids.
// Lo is always <= Hi, so MakeKey(a, b) == MakeKey(b, a).
type SpatialKey struct {
	Lo string
	Hi string
}

// MakeKey builds the canonical key for the pair (a, b).
func MakeKey(a, b string) SpatialKey {
	if b < a {
		a, b = b, a
	}
	return SpatialKey{Lo: a, Hi: b}
}

// KeySeparator joins the two node ids of a path key. Node ids never contain it.
const KeySeparator = "|"

// ValidateID rejects ids that would make a path key ambiguous.
func ValidateID(id string) error {
	if id == "" || strings.Contains(id, KeySeparator) {
		return fmt.Errorf("%q: %w", id, ErrInvalidID)
	}
	return nil
}

// String returns the path key form "lo|hi".
func (k SpatialKey) String() string {
	return k.Lo + KeySeparator + k.Hi
}

// ParseKey parses the output of SpatialKey.String.
func ParseKey(s string) (SpatialKey, error) {
	lo, hi, ok := strings.Cut(s, KeySeparator)
	if !ok || lo == "" || hi == "" || strings.Contains(hi, KeySeparator) {
		return SpatialKey{}, fmt.Errorf("invalid spatial key %q", s)
	}
	return MakeKey(lo, hi), nil
}

func (k SpatialKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *SpatialKey) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Edge connects two nodes and carries the computed path and build status.
type Edge struct {
	Key             SpatialKey `json:"key"`
	A               string     `json:"a"`
	B               string     `json:"b"`
	Status          EdgeStatus `json:"status"`
	Path            []Position `json:"path,omitempty"`
	Attempts        int        `json:"attempts,omitempty"`
	RetryAfterCycle int64      `json:"retry_after_cycle,omitempty"`
}

func (e *Edge) clone() Edge {
	c := *e
	if e.Path != nil {
		c.Path = make([]Position, len(e.Path))
		copy(c.Path, e.Path)
	}
	return c
}

// Graph is the serialized form of a Store.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}
