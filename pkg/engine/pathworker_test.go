package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/roadnet/pkg/graph"
	"github.com/rmax-ai/roadnet/pkg/world"
)

type stubFinder struct {
	path []graph.Position
	err  error
}

func (f stubFinder) FindPath(ctx context.Context, from, to graph.Position) ([]graph.Position, error) {
	return f.path, f.err
}

func TestInlineRequester_PushesResult(t *testing.T) {
	h := NewHandoff()
	r := NewInlineRequester(stubFinder{path: []graph.Position{{X: 1}, {X: 2}}}, h)

	key := graph.MakeKey("a", "b")
	require.NoError(t, r.Submit(context.Background(), PathRequest{Key: key}))

	results := h.Drain()
	require.Len(t, results, 1)
	assert.Equal(t, key, results[0].Key)
	assert.NoError(t, results[0].Err)
	assert.Len(t, results[0].Path, 2)
	assert.Zero(t, h.Len())
}

func TestInlineRequester_Errors(t *testing.T) {
	tests := map[string]stubFinder{
		"empty path":      {},
		"plain error":     {err: errors.New("no route")},
		"already wrapped": {err: world.ErrPath},
	}
	for name, finder := range tests {
		t.Run(name, func(t *testing.T) {
			h := NewHandoff()
			r := NewInlineRequester(finder, h)
			require.NoError(t, r.Submit(context.Background(), PathRequest{Key: graph.MakeKey("a", "b")}))
			results := h.Drain()
			require.Len(t, results, 1)
			assert.ErrorIs(t, results[0].Err, world.ErrPath)
		})
	}
}

func TestAsyncRequester(t *testing.T) {
	h := NewHandoff()
	r := NewAsyncRequester(stubFinder{path: []graph.Position{{X: 1}}}, h, 3, 16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	keys := []graph.SpatialKey{graph.MakeKey("a", "b"), graph.MakeKey("c", "d"), graph.MakeKey("e", "f")}
	for _, k := range keys {
		require.NoError(t, r.Submit(ctx, PathRequest{Key: k}))
	}

	var got []PathResult
	require.Eventually(t, func() bool {
		got = append(got, h.Drain()...)
		return len(got) == len(keys)
	}, 2*time.Second, 10*time.Millisecond)

	var gotKeys []graph.SpatialKey
	for _, res := range got {
		assert.NoError(t, res.Err)
		gotKeys = append(gotKeys, res.Key)
	}
	assert.ElementsMatch(t, keys, gotKeys)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop")
	}
}

func TestAsyncRequester_QueueFull(t *testing.T) {
	r := NewAsyncRequester(stubFinder{}, NewHandoff(), 1, 1)
	ctx := context.Background()

	// No workers running, the single slot fills up.
	require.NoError(t, r.Submit(ctx, PathRequest{Key: graph.MakeKey("a", "b")}))
	assert.ErrorIs(t, r.Submit(ctx, PathRequest{Key: graph.MakeKey("c", "d")}), ErrQueueFull)
}

func TestController_AsyncRequesterRegistersLater(t *testing.T) {
	w := world.NewGridWorld(1, world.GridConfig{})
	w.AddPOI(village("a", 0, 0))
	w.AddPOI(village("b", 10, 0))

	h := NewHandoff()
	async := NewAsyncRequester(w, h, 2, 8)
	c := NewController(Options{
		WorldID:   "async",
		Config:    StaticConfig(testConfig(20)),
		Discovery: w,
		Placer:    w,
		Requester: async,
		Handoff:   h,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go async.Run(ctx)

	first := c.RunCycle(ctx)
	assert.Equal(t, 1, first.Requested)
	assert.Equal(t, 1, c.Status().InFlight)

	require.Eventually(t, func() bool { return h.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	second := c.RunCycle(ctx)
	assert.Equal(t, 0, second.Requested, "in-flight edges are not requested twice")
	assert.Equal(t, 1, second.Registered)
	assert.Equal(t, 1, second.Scheduled)
	assert.Equal(t, 0, c.Status().InFlight)
}
