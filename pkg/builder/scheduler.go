package builder

import (
	"context"
	"log/slog"

	"github.com/rmax-ai/roadnet/pkg/graph"
	"github.com/rmax-ai/roadnet/pkg/ledger"
)

// TickReport summarizes one host tick of the scheduler.
type TickReport struct {
	// Finished builders, already removed from the scheduler.
	Finished []graph.SpatialKey
	// Suspended lists builders that hit a placement failure this tick.
	Suspended []graph.SpatialKey
	Steps     int
}

// Scheduler owns the builders of one world, at most one per edge. It is not
// safe for concurrent use; the update loop is its only caller.
type Scheduler struct {
	builders map[graph.SpatialKey]*Builder
	order    []graph.SpatialKey
}

func NewScheduler() *Scheduler {
	return &Scheduler{builders: make(map[graph.SpatialKey]*Builder)}
}

// Add registers b unless a builder for the same edge exists.
func (s *Scheduler) Add(b *Builder) bool {
	if _, ok := s.builders[b.Key()]; ok {
		return false
	}
	s.builders[b.Key()] = b
	s.order = append(s.order, b.Key())
	return true
}

func (s *Scheduler) Has(key graph.SpatialKey) bool {
	_, ok := s.builders[key]
	return ok
}

func (s *Scheduler) Get(key graph.SpatialKey) (*Builder, bool) {
	b, ok := s.builders[key]
	return b, ok
}

func (s *Scheduler) Len() int { return len(s.order) }

// Remove drops the builder for key.
func (s *Scheduler) Remove(key graph.SpatialKey) {
	if _, ok := s.builders[key]; !ok {
		return
	}
	delete(s.builders, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Tick spends up to budget units of work, one per builder per pass, over the
// runnable builders in insertion order. budget <= 0 means a single pass.
// Finished builders are removed before Tick returns.
func (s *Scheduler) Tick(ctx context.Context, budget int) TickReport {
	var report TickReport
	single := budget <= 0

	for {
		progressed := false
		for _, key := range s.order {
			if (!single && report.Steps >= budget) || ctx.Err() != nil {
				break
			}
			b := s.builders[key]
			if b.State() == StateSuspended || b.State() == StateFinished {
				continue
			}
			done, err := b.Tick(ctx)
			report.Steps++
			progressed = true
			if err != nil {
				slog.Warn("builder_suspended", "edge", key.String(), "index", b.Index(), "error", err)
				report.Suspended = append(report.Suspended, key)
				continue
			}
			if done {
				report.Finished = append(report.Finished, key)
			}
		}
		if single || !progressed || report.Steps >= budget || ctx.Err() != nil {
			break
		}
	}

	for _, key := range report.Finished {
		s.Remove(key)
	}
	return report
}

// SuspendPartition suspends every builder whose next position lies in coord.
func (s *Scheduler) SuspendPartition(coord ledger.PartitionCoord) []graph.SpatialKey {
	var out []graph.SpatialKey
	for _, key := range s.order {
		b := s.builders[key]
		if b.Partition() == coord && b.Suspend() {
			out = append(out, key)
		}
	}
	return out
}

// ResumePartition resumes the suspended builders whose next position lies in
// coord.
func (s *Scheduler) ResumePartition(coord ledger.PartitionCoord) []graph.SpatialKey {
	return s.ResumeWhere(func(b *Builder) bool { return b.Partition() == coord })
}

// ResumeWhere resumes every suspended builder for which ok returns true.
func (s *Scheduler) ResumeWhere(ok func(*Builder) bool) []graph.SpatialKey {
	var out []graph.SpatialKey
	for _, key := range s.order {
		b := s.builders[key]
		if b.State() == StateSuspended && ok(b) && b.Resume() {
			out = append(out, key)
		}
	}
	return out
}

// SuspendAll suspends every builder, used on shutdown.
func (s *Scheduler) SuspendAll() int {
	n := 0
	for _, key := range s.order {
		if s.builders[key].Suspend() {
			n++
		}
	}
	return n
}

// Active returns the keys of builders that are not suspended.
func (s *Scheduler) Active() []graph.SpatialKey {
	return s.filter(func(b *Builder) bool { return b.State() != StateSuspended })
}

// Suspended returns the keys of suspended builders.
func (s *Scheduler) Suspended() []graph.SpatialKey {
	return s.filter(func(b *Builder) bool { return b.State() == StateSuspended })
}

func (s *Scheduler) filter(keep func(*Builder) bool) []graph.SpatialKey {
	var out []graph.SpatialKey
	for _, key := range s.order {
		if keep(s.builders[key]) {
			out = append(out, key)
		}
	}
	return out
}
