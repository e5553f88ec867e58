// Package storetest holds the behaviour suite every world store backend must
// pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rmax-ai/roadnet/pkg/store"
)

// Snapshot returns a small valid snapshot for worldID.
func Snapshot(worldID string, cycle int64) *store.WorldSnapshot {
	return &store.WorldSnapshot{
		WorldID:       worldID,
		SchemaVersion: store.SchemaVersion,
		WorldSeed:     42,
		Cycle:         cycle,
		Graph: json.RawMessage(fmt.Sprintf(
			`{"nodes":[{"id":"A","position":{"x":0,"y":0,"z":0},"kind":"village"},{"id":"B","position":{"x":10,"y":0,"z":5},"kind":"village"}],"edges":[{"key":"A|B","a":"A","b":"B","status":"built","path":[{"x":0,"y":0,"z":0}],"attempts":%d}]}`, cycle)),
		Segments: json.RawMessage(`{"0,0":[{"partition":"0,0","path_key":"A|B","start":0,"end":1,"limit":1}]}`),
	}
}

// RunWorldStoreTests runs the shared suite against a WorldStore implementation.
func RunWorldStoreTests(t *testing.T, ws store.WorldStore) {
	ctx := context.Background()

	t.Run("Missing world", func(t *testing.T) {
		_, err := ws.LoadWorld(ctx, "missing")
		if !errors.Is(err, store.ErrWorldNotFound) {
			t.Errorf("expected ErrWorldNotFound, got %v", err)
		}
	})

	t.Run("Save and Load", func(t *testing.T) {
		snap := Snapshot("overworld", 1)
		if err := ws.SaveWorld(ctx, snap); err != nil {
			t.Fatalf("SaveWorld failed: %v", err)
		}
		loaded, err := ws.LoadWorld(ctx, "overworld")
		if err != nil {
			t.Fatalf("LoadWorld failed: %v", err)
		}
		if loaded.Cycle != 1 || loaded.WorldSeed != 42 {
			t.Errorf("unexpected snapshot: %+v", loaded)
		}
		if string(loaded.Graph) != string(snap.Graph) {
			t.Errorf("graph differs:\n%s\n%s", loaded.Graph, snap.Graph)
		}
		if string(loaded.Segments) != string(snap.Segments) {
			t.Errorf("segments differ:\n%s\n%s", loaded.Segments, snap.Segments)
		}
	})

	t.Run("Latest wins", func(t *testing.T) {
		for i := int64(2); i <= 4; i++ {
			if err := ws.SaveWorld(ctx, Snapshot("overworld", i)); err != nil {
				t.Fatalf("SaveWorld failed: %v", err)
			}
		}
		loaded, err := ws.LoadWorld(ctx, "overworld")
		if err != nil {
			t.Fatalf("LoadWorld failed: %v", err)
		}
		if loaded.Cycle != 4 {
			t.Errorf("expected latest cycle 4, got %d", loaded.Cycle)
		}
	})

	t.Run("Worlds are isolated", func(t *testing.T) {
		if err := ws.SaveWorld(ctx, Snapshot("nether", 9)); err != nil {
			t.Fatalf("SaveWorld failed: %v", err)
		}
		over, _ := ws.LoadWorld(ctx, "overworld")
		nether, _ := ws.LoadWorld(ctx, "nether")
		if over == nil || nether == nil || over.Cycle == nether.Cycle {
			t.Errorf("worlds overwrote each other: %+v %+v", over, nether)
		}
	})

	t.Run("Concurrent saves", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := ws.SaveWorld(ctx, Snapshot("busy", int64(i))); err != nil {
					t.Errorf("SaveWorld %d failed: %v", i, err)
				}
			}(i)
		}
		wg.Wait()
		if _, err := ws.LoadWorld(ctx, "busy"); err != nil {
			t.Errorf("LoadWorld after concurrent saves failed: %v", err)
		}
	})
}
