// Package ledger records, per world partition, which index ranges of which
// paths have been claimed and placed. It is what lets road building resume
// after a partition unloads or the process restarts.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rmax-ai/roadnet/pkg/graph"
)

var (
	ErrInvalidRange = errors.New("invalid segment range")
	ErrOverlap      = errors.New("segment overlaps an existing entry")
	ErrNotFound     = errors.New("no segment covers index")
)

// DefaultPartitionSize is the edge length of a partition in blocks.
const DefaultPartitionSize = 16

// PartitionCoord addresses a partition on the XZ plane.
// It encodes as the text "x,z" so it can key JSON objects.
type PartitionCoord struct {
	X int
	Z int
}

func (c PartitionCoord) String() string {
	return strconv.Itoa(c.X) + "," + strconv.Itoa(c.Z)
}

func (c PartitionCoord) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *PartitionCoord) UnmarshalText(b []byte) error {
	xs, zs, ok := strings.Cut(string(b), ",")
	if !ok {
		return fmt.Errorf("invalid partition coord %q", b)
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return fmt.Errorf("invalid partition coord %q: %w", b, err)
	}
	z, err := strconv.Atoi(zs)
	if err != nil {
		return fmt.Errorf("invalid partition coord %q: %w", b, err)
	}
	c.X, c.Z = x, z
	return nil
}

// Center returns the block position at the middle of the partition, at height y.
func (c PartitionCoord) Center(size, y int) graph.Position {
	return graph.Position{X: c.X*size + size/2, Y: y, Z: c.Z*size + size/2}
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// CoordOf returns the partition containing pos.
func CoordOf(pos graph.Position, size int) PartitionCoord {
	if size <= 0 {
		size = DefaultPartitionSize
	}
	return PartitionCoord{X: floorDiv(pos.X, size), Z: floorDiv(pos.Z, size)}
}

// SegmentEntry is a contiguous run of one path inside one partition.
// [Start, Limit) is the planned run, [Start, End) the part already placed.
type SegmentEntry struct {
	Partition PartitionCoord `json:"partition"`
	PathKey   string         `json:"path_key"`
	Start     int            `json:"start"`
	End       int            `json:"end"`
	Limit     int            `json:"limit"`
}

func (e SegmentEntry) validate() error {
	if e.Start < 0 || e.Start > e.End || e.End > e.Limit {
		return fmt.Errorf("%s [%d,%d) limit %d: %w", e.PathKey, e.Start, e.End, e.Limit, ErrInvalidRange)
	}
	return nil
}

func (e *SegmentEntry) covers(index int) bool {
	return index >= e.Start && index < e.End
}

// Ledger is the segment table of one world.
type Ledger struct {
	mu         sync.RWMutex
	partitions map[PartitionCoord][]*SegmentEntry
	order      []PartitionCoord
	byPath     map[string][]*SegmentEntry

	gen     uint64
	flushed uint64
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		partitions: make(map[PartitionCoord][]*SegmentEntry),
		byPath:     make(map[string][]*SegmentEntry),
	}
}

// RecordSegment appends a fully placed segment [start, end).
func (l *Ledger) RecordSegment(coord PartitionCoord, pathKey string, start, end int) error {
	return l.add(SegmentEntry{Partition: coord, PathKey: pathKey, Start: start, End: end, Limit: end})
}

// Claim records the planned run [start, limit) with nothing placed yet.
func (l *Ledger) Claim(coord PartitionCoord, pathKey string, start, limit int) error {
	return l.add(SegmentEntry{Partition: coord, PathKey: pathKey, Start: start, End: start, Limit: limit})
}

func (l *Ledger) add(entry SegmentEntry) error {
	if err := entry.validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, existing := range l.partitions[entry.Partition] {
		if existing.PathKey != entry.PathKey {
			continue
		}
		if existing.Start == entry.Start && existing.Limit == entry.Limit {
			// Re-registering the same run is a no-op, whatever its progress.
			return nil
		}
		if entry.Start < existing.Limit && existing.Start < entry.Limit {
			return fmt.Errorf("%s [%d,%d) in %s: %w", entry.PathKey, entry.Start, entry.Limit, entry.Partition, ErrOverlap)
		}
	}

	l.insertLocked(entry)
	l.gen++
	return nil
}

func (l *Ledger) insertLocked(entry SegmentEntry) {
	e := &entry
	if _, ok := l.partitions[e.Partition]; !ok {
		l.order = append(l.order, e.Partition)
	}
	l.partitions[e.Partition] = append(l.partitions[e.Partition], e)
	l.byPath[e.PathKey] = append(l.byPath[e.PathKey], e)
}

// Extend marks index as placed in the entry for (coord, pathKey) whose
// placed range ends at index. Extending an already covered index is a no-op.
func (l *Ledger) Extend(coord PartitionCoord, pathKey string, index int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.partitions[coord] {
		if e.PathKey != pathKey {
			continue
		}
		if e.covers(index) {
			return nil
		}
		if e.End == index && index < e.Limit {
			e.End++
			l.gen++
			return nil
		}
	}
	return fmt.Errorf("%s index %d in %s: %w", pathKey, index, coord, ErrNotFound)
}

// SegmentsFor returns copies of the entries of a partition in insertion order.
func (l *Ledger) SegmentsFor(coord PartitionCoord) []SegmentEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries := l.partitions[coord]
	out := make([]SegmentEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
	}
	return out
}

// SegmentsForPath returns copies of all entries of a path, ordered by Start.
func (l *Ledger) SegmentsForPath(pathKey string) []SegmentEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries := l.byPath[pathKey]
	out := make([]SegmentEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, *e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// HasCoverage reports whether index of the path has been placed in any partition.
func (l *Ledger) HasCoverage(pathKey string, index int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.byPath[pathKey] {
		if e.covers(index) {
			return true
		}
	}
	return false
}

// ResumeIndex returns the first index in [0, pathLen) that is not covered,
// or pathLen when the whole path has been placed.
func (l *Ledger) ResumeIndex(pathKey string, pathLen int) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := make([]*SegmentEntry, len(l.byPath[pathKey]))
	copy(entries, l.byPath[pathKey])
	sort.Slice(entries, func(i, j int) bool { return entries[i].Start < entries[j].Start })

	next := 0
	for _, e := range entries {
		if e.End <= e.Start {
			continue
		}
		if e.Start > next {
			break
		}
		if e.End > next {
			next = e.End
		}
	}
	if next > pathLen {
		return pathLen
	}
	return next
}

// Covered returns the number of placed indices of a path.
func (l *Ledger) Covered(pathKey string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, e := range l.byPath[pathKey] {
		n += e.End - e.Start
	}
	return n
}

// Partitions returns the partitions that have entries, in insertion order.
func (l *Ledger) Partitions() []PartitionCoord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]PartitionCoord, len(l.order))
	copy(out, l.order)
	return out
}

// Reset drops every entry.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.partitions = make(map[PartitionCoord][]*SegmentEntry)
	l.byPath = make(map[string][]*SegmentEntry)
	l.order = nil
	l.gen++
}

func (l *Ledger) MarkDirty() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
}

func (l *Ledger) IsDirty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.gen != l.flushed
}

func (l *Ledger) ClearDirty() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushed = l.gen
}

// ClearDirtyThrough marks state up to gen as persisted.
func (l *Ledger) ClearDirtyThrough(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen > l.flushed {
		l.flushed = gen
	}
}

// Table is the serialized ledger: entries grouped by partition.
type Table map[PartitionCoord][]SegmentEntry

// Export returns a copy of the ledger and the generation it reflects.
func (l *Ledger) Export() (Table, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t := make(Table, len(l.partitions))
	for _, coord := range l.order {
		entries := l.partitions[coord]
		cp := make([]SegmentEntry, 0, len(entries))
		for _, e := range entries {
			cp = append(cp, *e)
		}
		t[coord] = cp
	}
	return t, l.gen
}

// MarshalJSON encodes the ledger as {"x,z": [entries...]}.
func (l *Ledger) MarshalJSON() ([]byte, error) {
	t, _ := l.Export()
	return json.Marshal(t)
}

// UnmarshalJSON replaces the ledger contents with the decoded table.
func (l *Ledger) UnmarshalJSON(data []byte) error {
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("decode segment table: %w", err)
	}
	return l.Load(t)
}

// Load replaces the ledger contents. Partitions are inserted in coordinate
// order since map order is not preserved by the encoding. The ledger is clean
// afterwards.
func (l *Ledger) Load(t Table) error {
	coords := make([]PartitionCoord, 0, len(t))
	for c := range t {
		coords = append(coords, c)
	}
	sort.Slice(coords, func(i, j int) bool {
		if coords[i].X != coords[j].X {
			return coords[i].X < coords[j].X
		}
		return coords[i].Z < coords[j].Z
	})

	fresh := New()
	for _, c := range coords {
		for _, e := range t[c] {
			if e.Partition != c {
				return fmt.Errorf("entry %s listed under partition %s", e.Partition, c)
			}
			if err := fresh.add(e); err != nil {
				return err
			}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.partitions = fresh.partitions
	l.byPath = fresh.byPath
	l.order = fresh.order
	l.gen++
	l.flushed = l.gen
	return nil
}

// Run is a maximal stretch of a path that stays inside one partition.
type Run struct {
	Partition PartitionCoord
	Start     int
	Limit     int
}

// Chop splits a path into partition-local runs in path order.
func Chop(path []graph.Position, size int) []Run {
	var runs []Run
	for i, pos := range path {
		c := CoordOf(pos, size)
		if len(runs) > 0 && runs[len(runs)-1].Partition == c {
			runs[len(runs)-1].Limit = i + 1
			continue
		}
		runs = append(runs, Run{Partition: c, Start: i, Limit: i + 1})
	}
	return runs
}
