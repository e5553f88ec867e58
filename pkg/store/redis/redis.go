package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rmax-ai/roadnet/pkg/store"
)

const worldsSet = "roadnet:worlds"

// DefaultHistory is how many snapshots per world are kept in the history list.
const DefaultHistory = 10

// WorldStore keeps the latest snapshot of each world under one key and a
// capped history list beside it. Payloads use the store codec.
type WorldStore struct {
	client  *redis.Client
	history int64
}

func NewWorldStore(client *redis.Client, history int) *WorldStore {
	if history <= 0 {
		history = DefaultHistory
	}
	return &WorldStore{client: client, history: int64(history)}
}

func (s *WorldStore) makeKey(worldID string) string {
	return fmt.Sprintf("roadnet:world:%s", worldID)
}

func (s *WorldStore) historyKey(worldID string) string {
	return fmt.Sprintf("roadnet:world:%s:history", worldID)
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

	key := s.makeKey(snap.WorldID)
	hkey := s.historyKey(snap.WorldID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		pipe.LPush(ctx, hkey, data)
		pipe.LTrim(ctx, hkey, 0, s.history-1)
		pipe.SAdd(ctx, worldsSet, snap.WorldID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save world %s: %w", snap.WorldID, err)
	}
	return nil
}

func (s *WorldStore) LoadWorld(ctx context.Context, worldID string) (*store.WorldSnapshot, error) {
	data, err := s.client.Get(ctx, s.makeKey(worldID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%s: %w", worldID, store.ErrWorldNotFound)
		}
		return nil, fmt.Errorf("failed to load world %s: %w", worldID, err)
	}
	return store.DecodeSnapshot(data)
}

// History returns the kept snapshots of a world, newest first.
func (s *WorldStore) History(ctx context.Context, worldID string) ([]store.SnapshotInfo, error) {
	values, err := s.client.LRange(ctx, s.historyKey(worldID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history of %s: %w", worldID, err)
	}
	out := make([]store.SnapshotInfo, 0, len(values))
	for _, v := range values {
		snap, err := store.DecodeSnapshot([]byte(v))
		if err != nil {
			return nil, err
		}
		out = append(out, store.SnapshotInfo{
			SnapshotID: snap.SnapshotID,
			WorldID:    snap.WorldID,
			Cycle:      snap.Cycle,
			TsSnapshot: snap.TsSnapshot,
			Size:       len(v),
		})
	}
	return out, nil
}

// Worlds returns the ids of every world saved so far.
func (s *WorldStore) Worlds(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, worldsSet).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to SMEMBERS %s: %w", worldsSet, err)
	}
	return ids, nil
}
