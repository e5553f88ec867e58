package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// readLease returns the stored lease row, expired or not. nil means no row.
func readLease(ctx context.Context, q queryer, name string) (*Lease, error) {
	var l Lease
	err := q.QueryRowContext(ctx, `
		SELECT name, holder_id, expires_at, version, epoch
		FROM leases WHERE name = ?
	`, name).Scan(&l.Name, &l.HolderID, &l.ExpiresAt, &l.Version, &l.Epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lease %s: %w", name, err)
	}
	return &l, nil
}

// leaseTx runs fn in a transaction and commits when fn returns nil.
func (s *Store) leaseTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin lease transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lease transaction: %w", err)
	}
	return nil
}

// Acquire takes the lease when it is free, expired or already held by
// holderID. A change of holder bumps the epoch.
func (s *Store) Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	acquired := false

	err := s.leaseTx(ctx, func(tx *sql.Tx) error {
		cur, err := readLease(ctx, tx, name)
		if err != nil {
			return err
		}

		switch {
		case cur == nil:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO leases (name, holder_id, expires_at, version, epoch)
				VALUES (?, ?, ?, 1, 1)
			`, name, holderID, now.Add(ttl))
		case cur.HolderID == holderID || cur.ExpiresAt.Before(now):
			epoch := cur.Epoch
			if cur.HolderID != holderID {
				epoch++
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE leases SET holder_id = ?, expires_at = ?, version = version + 1, epoch = ?
				WHERE name = ?
			`, holderID, now.Add(ttl), epoch, name)
		default:
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to acquire lease %s: %w", name, err)
		}
		acquired = true
		return nil
	})
	return acquired, err
}

// Renew extends a live lease held by holderID.
func (s *Store) Renew(ctx context.Context, name, holderID string, ttl time.Duration) error {
	now := time.Now().UTC()

	return s.leaseTx(ctx, func(tx *sql.Tx) error {
		cur, err := readLease(ctx, tx, name)
		if err != nil {
			return err
		}
		if cur == nil || cur.HolderID != holderID || cur.ExpiresAt.Before(now) {
			return fmt.Errorf("%s: %w", name, ErrLeaseLost)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE leases SET expires_at = ?, version = version + 1 WHERE name = ?
		`, now.Add(ttl), name); err != nil {
			return fmt.Errorf("failed to renew lease %s: %w", name, err)
		}
		return nil
	})
}

// Release expires the lease if held by holderID. The row stays so that the
// next holder continues the epoch.
func (s *Store) Release(ctx context.Context, name, holderID string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE leases SET expires_at = ?, version = version + 1
		WHERE name = ? AND holder_id = ?
	`, time.Unix(0, 0).UTC(), name, holderID); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}

// Get returns the live lease, nil when it is free or expired.
func (s *Store) Get(ctx context.Context, name string) (*Lease, error) {
	l, err := readLease(ctx, s.db, name)
	if err != nil || l == nil {
		return nil, err
	}
	if l.ExpiresAt.Before(time.Now()) {
		return nil, nil
	}
	return l, nil
}
