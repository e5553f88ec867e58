package blob

import (
	"context"
	"testing"

	"github.com/rmax-ai/roadnet/pkg/store/storetest"
)

func TestWorldStore(t *testing.T) {
	storetest.RunWorldStoreTests(t, NewWorldStore(NewLocalBlobStore(t.TempDir()), 0))
}

func TestWorldStore_Prune(t *testing.T) {
	ws := NewWorldStore(NewLocalBlobStore(t.TempDir()), 2)
	ctx := context.Background()

	for i := int64(0); i < 4; i++ {
		if err := ws.SaveWorld(ctx, storetest.Snapshot("overworld", i)); err != nil {
			t.Fatalf("SaveWorld failed: %v", err)
		}
	}

	keys, err := ws.History(ctx, "overworld")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 kept snapshots, got %v", keys)
	}

	loaded, err := ws.LoadWorld(ctx, "overworld")
	if err != nil {
		t.Fatalf("LoadWorld failed: %v", err)
	}
	if loaded.Cycle != 3 {
		t.Errorf("expected latest cycle 3, got %d", loaded.Cycle)
	}
}
