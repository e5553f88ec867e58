package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrWorldNotFound is returned by LoadWorld when nothing was saved for a world.
var ErrWorldNotFound = errors.New("world not found")

// SchemaVersion of the world snapshot payload.
const SchemaVersion = 1

// WorldSnapshot is the persisted state of one world: the road graph and the
// segment table, both in their JSON encodings.
type WorldSnapshot struct {
	SnapshotID    string          `json:"snapshot_id"`
	WorldID       string          `json:"world_id"`
	SchemaVersion int             `json:"schema_version"`
	WorldSeed     int64           `json:"world_seed"`
	Cycle         int64           `json:"cycle"`
	TsSnapshot    time.Time       `json:"ts_snapshot"`
	Graph         json.RawMessage `json:"graph"`
	Segments      json.RawMessage `json:"segments"`
}

// SnapshotInfo describes one entry of the snapshot history.
type SnapshotInfo struct {
	SnapshotID string    `json:"snapshot_id"`
	WorldID    string    `json:"world_id"`
	Cycle      int64     `json:"cycle"`
	TsSnapshot time.Time `json:"ts_snapshot"`
	Size       int       `json:"size"`
}

// WorldStore persists world snapshots. Implemented by Store, the Redis
// store and the blob store.
type WorldStore interface {
	SaveWorld(ctx context.Context, snap *WorldSnapshot) error
	// LoadWorld returns the latest snapshot of the world or ErrWorldNotFound.
	LoadWorld(ctx context.Context, worldID string) (*WorldSnapshot, error)
}

// Lease represents a distributed lock on a world.
type Lease struct {
	Name      string    `json:"name"`
	HolderID  string    `json:"holder_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Version   int64     `json:"version"` // For CAS (Compare-And-Swap) logic
	Epoch     int64     `json:"epoch"`   // Bumped every time the holder changes
}

// LeaseStore defines the interface for acquiring and renewing leases.
type LeaseStore interface {
	// Acquire tries to acquire the lease. Returns true if successful.
	// If the lease is already held by holderID, it renews it.
	Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error)

	// Renew updates the expiry of an existing lease held by holderID.
	// Returns ErrLeaseLost if the lease is lost or stolen.
	Renew(ctx context.Context, name, holderID string, ttl time.Duration) error

	// Release releases the lease if held by holderID.
	Release(ctx context.Context, name, holderID string) error

	// Get returns the current lease state, nil if nobody holds it.
	Get(ctx context.Context, name string) (*Lease, error)
}

// ErrLeaseLost is returned by Renew when the caller no longer holds the lease.
var ErrLeaseLost = errors.New("lease lost or stolen")
