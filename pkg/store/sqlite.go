package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store manages the SQLite connection and schema.
type Store struct {
	db *sql.DB
}

// NewStore initializes the SQLite database connection.
// It enables WAL mode for concurrency and durability.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// :memory: databases are per connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the necessary tables if they don't exist.
func (s *Store) migrate() error {
	// worlds points at the latest snapshot of each world, world_snapshots
	// keeps the history. Payloads are zstd-compressed JSON.
	query := `
	CREATE TABLE IF NOT EXISTS world_snapshots (
		snapshot_id TEXT PRIMARY KEY,
		world_id TEXT NOT NULL,
		schema_version INTEGER NOT NULL,
		cycle INTEGER NOT NULL,
		ts_snapshot DATETIME NOT NULL,
		payload BLOB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_world_snapshots_world ON world_snapshots(world_id, ts_snapshot);

	CREATE TABLE IF NOT EXISTS worlds (
		world_id TEXT PRIMARY KEY,
		snapshot_id TEXT NOT NULL REFERENCES world_snapshots(snapshot_id),
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS leases (
		name TEXT PRIMARY KEY,
		holder_id TEXT NOT NULL,
		expires_at DATETIME NOT NULL,
		version INTEGER NOT NULL,
		epoch INTEGER NOT NULL DEFAULT 1
	);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

// SaveWorld appends snap to the history and makes it the latest snapshot of
// its world. A missing SnapshotID or timestamp is filled in.
func (s *Store) SaveWorld(ctx context.Context, snap *WorldSnapshot) error {
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
		snap.SchemaVersion = SchemaVersion
	}

	payload, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO world_snapshots (snapshot_id, world_id, schema_version, cycle, ts_snapshot, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, snap.SnapshotID, snap.WorldID, snap.SchemaVersion, snap.Cycle, snap.TsSnapshot, payload); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO worlds (world_id, snapshot_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(world_id) DO UPDATE SET snapshot_id = excluded.snapshot_id, updated_at = excluded.updated_at
	`, snap.WorldID, snap.SnapshotID, snap.TsSnapshot); err != nil {
		return fmt.Errorf("failed to update world: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// LoadWorld returns the latest snapshot of worldID.
func (s *Store) LoadWorld(ctx context.Context, worldID string) (*WorldSnapshot, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT ws.payload FROM worlds w
		JOIN world_snapshots ws ON ws.snapshot_id = w.snapshot_id
		WHERE w.world_id = ?
	`, worldID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", worldID, ErrWorldNotFound)
		}
		return nil, fmt.Errorf("failed to load world: %w", err)
	}
	return DecodeSnapshot(payload)
}

// GetSnapshot returns one snapshot from the history.
func (s *Store) GetSnapshot(ctx context.Context, snapshotID string) (*WorldSnapshot, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM world_snapshots WHERE snapshot_id = ?`, snapshotID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return DecodeSnapshot(payload)
}

// ListSnapshots returns the history of a world, newest first. limit <= 0
// returns everything.
func (s *Store) ListSnapshots(ctx context.Context, worldID string, limit int) ([]SnapshotInfo, error) {
	query := `
		SELECT snapshot_id, world_id, cycle, ts_snapshot, length(payload)
		FROM world_snapshots WHERE world_id = ?
		ORDER BY ts_snapshot DESC, rowid DESC
	`
	args := []interface{}{worldID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		if err := rows.Scan(&info.SnapshotID, &info.WorldID, &info.Cycle, &info.TsSnapshot, &info.Size); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// PruneSnapshots deletes all but the newest keep snapshots of a world. The
// latest snapshot is never deleted.
func (s *Store) PruneSnapshots(ctx context.Context, worldID string, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM world_snapshots
		WHERE world_id = ?
		AND snapshot_id NOT IN (SELECT snapshot_id FROM worlds WHERE world_id = ?)
		AND snapshot_id NOT IN (
			SELECT snapshot_id FROM world_snapshots WHERE world_id = ?
			ORDER BY ts_snapshot DESC, rowid DESC LIMIT ?
		)
	`, worldID, worldID, worldID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return res.RowsAffected()
}
