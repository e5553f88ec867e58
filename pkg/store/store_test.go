package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) (*Store, string, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "roadnet.db")
	store, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store, dbPath, func() { store.Close() }
}

func testSnapshot(worldID string, cycle int64) *WorldSnapshot {
	return &WorldSnapshot{
		WorldID:   worldID,
		WorldSeed: 42,
		Cycle:     cycle,
		Graph:     json.RawMessage(`{"nodes":[{"id":"A","position":{"x":0,"y":0,"z":0},"kind":"village"}],"edges":[]}`),
		Segments:  json.RawMessage(`{"0,0":[{"partition":"0,0","path_key":"A|B","start":0,"end":2,"limit":4}]}`),
	}
}

func TestNewStore(t *testing.T) {
	store, dbPath, cleanup := setupTestStore(t)
	defer cleanup()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Errorf("database file was not created at %s", dbPath)
	}

	for _, table := range []string{"worlds", "world_snapshots", "leases"} {
		var name string
		err := store.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestWorld_SaveLoad(t *testing.T) {
	store, _, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := store.LoadWorld(ctx, "overworld"); !errors.Is(err, ErrWorldNotFound) {
		t.Fatalf("expected ErrWorldNotFound, got %v", err)
	}

	snap := testSnapshot("overworld", 3)
	if err := store.SaveWorld(ctx, snap); err != nil {
		t.Fatalf("SaveWorld failed: %v", err)
	}
	if snap.SnapshotID == "" {
		t.Error("expected snapshot id to be assigned")
	}

	loaded, err := store.LoadWorld(ctx, "overworld")
	if err != nil {
		t.Fatalf("LoadWorld failed: %v", err)
	}
	if loaded.SnapshotID != snap.SnapshotID || loaded.Cycle != 3 || loaded.WorldSeed != 42 {
		t.Errorf("unexpected snapshot: %+v", loaded)
	}
	if string(loaded.Graph) != string(snap.Graph) {
		t.Errorf("graph payload differs:\n%s\n%s", loaded.Graph, snap.Graph)
	}
	if string(loaded.Segments) != string(snap.Segments) {
		t.Errorf("segment payload differs:\n%s\n%s", loaded.Segments, snap.Segments)
	}

	// Worlds are isolated.
	if _, err := store.LoadWorld(ctx, "nether"); !errors.Is(err, ErrWorldNotFound) {
		t.Errorf("expected ErrWorldNotFound for other world, got %v", err)
	}
}

func TestWorld_HistoryAndPrune(t *testing.T) {
	store, _, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().UTC()
	var last string
	for i := 0; i < 5; i++ {
		snap := testSnapshot("overworld", int64(i))
		snap.TsSnapshot = base.Add(time.Duration(i) * time.Second)
		if err := store.SaveWorld(ctx, snap); err != nil {
			t.Fatalf("SaveWorld %d failed: %v", i, err)
		}
		last = snap.SnapshotID
	}

	history, err := store.ListSnapshots(ctx, "overworld", 0)
	if err != nil {
		t.Fatalf("ListSnapshots failed: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 snapshots, got %d", len(history))
	}
	if history[0].SnapshotID != last || history[0].Cycle != 4 {
		t.Errorf("expected newest first, got %+v", history[0])
	}

	deleted, err := store.PruneSnapshots(ctx, "overworld", 2)
	if err != nil {
		t.Fatalf("PruneSnapshots failed: %v", err)
	}
	if deleted != 3 {
		t.Errorf("expected 3 deleted, got %d", deleted)
	}

	loaded, err := store.LoadWorld(ctx, "overworld")
	if err != nil {
		t.Fatalf("LoadWorld after prune failed: %v", err)
	}
	if loaded.SnapshotID != last {
		t.Errorf("latest snapshot must survive pruning")
	}

	old, err := store.GetSnapshot(ctx, history[4].SnapshotID)
	if err != nil || old != nil {
		t.Errorf("expected pruned snapshot to be gone, got %v, %v", old, err)
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	snap := testSnapshot("overworld", 7)
	snap.SnapshotID = "s1"
	data, err := EncodeSnapshot(snap)
	if err != nil {
		t.Fatalf("EncodeSnapshot failed: %v", err)
	}
	decoded, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeSnapshot failed: %v", err)
	}
	if decoded.SnapshotID != "s1" || decoded.Cycle != 7 || string(decoded.Graph) != string(snap.Graph) {
		t.Errorf("unexpected decoded snapshot: %+v", decoded)
	}

	if _, err := DecodeSnapshot([]byte("not zstd")); err == nil {
		t.Error("expected error decoding garbage")
	}
}

func TestCodec_ConcurrentUse(t *testing.T) {
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(cycle int64) {
			data, err := EncodeSnapshot(testSnapshot("overworld", cycle))
			if err != nil {
				errs <- err
				return
			}
			decoded, err := DecodeSnapshot(data)
			if err == nil && decoded.Cycle != cycle {
				err = errors.New("decoded snapshot from another goroutine")
			}
			errs <- err
		}(int64(i))
	}
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Errorf("codec failed: %v", err)
		}
	}
}
