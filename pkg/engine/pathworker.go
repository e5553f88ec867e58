package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/rmax-ai/roadnet/pkg/graph"
	"github.com/rmax-ai/roadnet/pkg/world"
)

// PathRequest asks for the path of one edge.
type PathRequest struct {
	Key      graph.SpatialKey
	From, To graph.Position
}

// PathRequester runs path finding and pushes every result, success or
// failure, to the hand-off queue.
type PathRequester interface {
	Submit(ctx context.Context, req PathRequest) error
}

// ErrQueueFull is returned by Submit when the async workers are saturated.
var ErrQueueFull = errors.New("path request queue full")

func findPath(ctx context.Context, finder world.PathFinder, req PathRequest) PathResult {
	path, err := finder.FindPath(ctx, req.From, req.To)
	if err == nil && len(path) == 0 {
		err = fmt.Errorf("%w: empty path", world.ErrPath)
	}
	if err != nil && !errors.Is(err, world.ErrPath) {
		err = fmt.Errorf("%w: %v", world.ErrPath, err)
	}
	return PathResult{Key: req.Key, Path: path, Err: err}
}

// InlineRequester runs path finding on the caller's goroutine. Results are
// ready for the Register phase of the same cycle.
type InlineRequester struct {
	finder  world.PathFinder
	handoff *Handoff
}

func NewInlineRequester(finder world.PathFinder, handoff *Handoff) *InlineRequester {
	return &InlineRequester{finder: finder, handoff: handoff}
}

func (r *InlineRequester) Submit(ctx context.Context, req PathRequest) error {
	r.handoff.Push(findPath(ctx, r.finder, req))
	return nil
}

// AsyncRequester runs path finding on a fixed pool of worker goroutines.
type AsyncRequester struct {
	finder  world.PathFinder
	handoff *Handoff
	workers int
	queue   chan PathRequest
}

func NewAsyncRequester(finder world.PathFinder, handoff *Handoff, workers, queueSize int) *AsyncRequester {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 16
	}
	return &AsyncRequester{
		finder:  finder,
		handoff: handoff,
		workers: workers,
		queue:   make(chan PathRequest, queueSize),
	}
}

// Submit queues req without blocking.
func (r *AsyncRequester) Submit(ctx context.Context, req PathRequest) error {
	select {
	case r.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is cancelled.
func (r *AsyncRequester) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case req := <-r.queue:
					res := findPath(gctx, r.finder, req)
					if res.Err != nil && gctx.Err() != nil {
						// Cancelled mid-request, the edge is requested again after restart.
						continue
					}
					r.handoff.Push(res)
				}
			}
		})
	}
	slog.Info("path_workers_started", "workers", r.workers)
	err := g.Wait()
	slog.Info("path_workers_stopped")
	return err
}
