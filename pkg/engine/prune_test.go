package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/roadnet/pkg/store"
)

type failingPruner struct{ calls int }

func (p *failingPruner) PruneSnapshots(ctx context.Context, worldID string, keep int) (int64, error) {
	p.calls++
	return 0, errors.New("database is locked")
}

func TestPruneWorker(t *testing.T) {
	st, err := store.NewStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, st.SaveWorld(ctx, &store.WorldSnapshot{
			WorldID:    "overworld",
			Cycle:      int64(i + 1),
			TsSnapshot: base.Add(time.Duration(i) * time.Minute),
			Graph:      json.RawMessage(`{"nodes":[],"edges":[]}`),
			Segments:   json.RawMessage(`{}`),
		}))
	}

	w := NewPruneWorker(st, "overworld", 2, 0)
	assert.Equal(t, int64(3), w.Prune(ctx))

	infos, err := st.ListSnapshots(ctx, "overworld", 0)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, int64(5), infos[0].Cycle)
	assert.Equal(t, int64(4), infos[1].Cycle)

	// Latest snapshot survives.
	snap, err := st.LoadWorld(ctx, "overworld")
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.Cycle)

	assert.Equal(t, int64(0), w.Prune(ctx))
}

func TestPruneWorker_NotOwner(t *testing.T) {
	p := &failingPruner{}
	w := NewPruneWorker(p, "overworld", 2, time.Minute).WithOwner(staticOwner(false))
	assert.Equal(t, int64(0), w.Prune(context.Background()))
	assert.Equal(t, 0, p.calls)
}

func TestPruneWorker_ErrorIsLogged(t *testing.T) {
	p := &failingPruner{}
	w := NewPruneWorker(p, "overworld", 2, time.Minute)
	assert.Equal(t, int64(0), w.Prune(context.Background()))
	assert.Equal(t, 1, p.calls)
}

func TestPruneWorker_Disabled(t *testing.T) {
	p := &failingPruner{}
	w := NewPruneWorker(p, "overworld", 0, time.Minute)

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled worker should return immediately")
	}
	assert.Equal(t, 0, p.calls)

	w.SetKeep(3)
	w.Prune(context.Background())
	assert.Equal(t, 1, p.calls)
}
