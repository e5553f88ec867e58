package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rmax-ai/roadnet/pkg/store"
)

// WorldStore persists world snapshots as compressed blobs:
//
//	worlds/<id>/latest.zst
//	worlds/<id>/snapshots/<unix-nanos>-<snapshot id>.zst
type WorldStore struct {
	blobs BlobStore
	keep  int
}

// NewWorldStore wraps a BlobStore. keep bounds the snapshot history; 0 keeps
// everything.
func NewWorldStore(blobs BlobStore, keep int) *WorldStore {
	return &WorldStore{blobs: blobs, keep: keep}
}

func latestKey(worldID string) string {
	return path.Join("worlds", worldID, "latest.zst")
}

func historyPrefix(worldID string) string {
	return path.Join("worlds", worldID, "snapshots")
}

func (s *WorldStore) SaveWorld(ctx context.Context, snap *store.WorldSnapshot) error {
	if snap.WorldID == "" {
		return fmt.Errorf("snapshot has no world id")
	}
	if snap.SnapshotID == "" {
		snap.SnapshotID = uuid.NewString()
	}
	if snap.TsSnapshot.IsZero() {
		snap.TsSnapshot = time.Now().UTC()
	}
	if snap.SchemaVersion == 0 {
		snap.SchemaVersion = store.SchemaVersion
	}

	data, err := store.EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	histKey := path.Join(historyPrefix(snap.WorldID), fmt.Sprintf("%020d-%s.zst", snap.TsSnapshot.UnixNano(), snap.SnapshotID))
	if err := s.blobs.Put(ctx, histKey, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", histKey, err)
	}
	if err := s.blobs.Put(ctx, latestKey(snap.WorldID), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write latest snapshot of %s: %w", snap.WorldID, err)
	}

	if s.keep > 0 {
		if _, err := s.Prune(ctx, snap.WorldID, s.keep); err != nil {
			return err
		}
	}
	return nil
}

func (s *WorldStore) LoadWorld(ctx context.Context, worldID string) (*store.WorldSnapshot, error) {
	r, err := s.blobs.Get(ctx, latestKey(worldID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", worldID, store.ErrWorldNotFound)
		}
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot of %s: %w", worldID, err)
	}
	return store.DecodeSnapshot(data)
}

// History lists the snapshot keys of a world, oldest first.
func (s *WorldStore) History(ctx context.Context, worldID string) ([]string, error) {
	return s.blobs.List(ctx, historyPrefix(worldID))
}

// Prune deletes all but the newest keep history entries.
func (s *WorldStore) Prune(ctx context.Context, worldID string, keep int) (int, error) {
	keys, err := s.History(ctx, worldID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for len(keys)-deleted > keep {
		if err := s.blobs.Delete(ctx, keys[deleted]); err != nil && !errors.Is(err, ErrNotFound) {
			return deleted, fmt.Errorf("failed to prune %s: %w", keys[deleted], err)
		}
		deleted++
	}
	return deleted, nil
}
