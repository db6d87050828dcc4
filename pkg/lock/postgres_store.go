package lock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore grants leases through conditional upserts on the
// processing_locks table. The WHERE clause on the conflict update is the
// compare-and-set: the row only changes hands when the current lease has
// expired or already belongs to the caller.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore returns a Store backed by the given pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	if db == nil {
		panic("lock: pgx pool cannot be nil")
	}
	return &PostgresStore{db: db}
}

const acquireSQL = `
	INSERT INTO processing_locks (resource, owner, locked_at, lease_expires_at, attempt_count)
	VALUES ($1, $2, $3, $4, 1)
	ON CONFLICT (resource) DO UPDATE
		SET owner = EXCLUDED.owner,
		    locked_at = EXCLUDED.locked_at,
		    lease_expires_at = EXCLUDED.lease_expires_at,
		    attempt_count = processing_locks.attempt_count + 1
		WHERE processing_locks.lease_expires_at <= $3
		   OR processing_locks.owner = EXCLUDED.owner
	RETURNING resource, owner, lease_expires_at, locked_at, attempt_count
`

func (s *PostgresStore) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, error) {
	now := time.Now().UTC()

	var lease Lease
	err := s.db.QueryRow(ctx, acquireSQL, resource, owner, now, now.Add(ttl)).
		Scan(&lease.Resource, &lease.Owner, &lease.ExpiresAt, &lease.LockedAt, &lease.Attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict row exists and the CAS condition failed.
			return Lease{}, ErrHeld
		}
		return Lease{}, errors.Join(ErrStorageFailure, err)
	}
	return lease, nil
}

func (s *PostgresStore) Release(ctx context.Context, resource, owner string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM processing_locks WHERE resource = $1 AND owner = $2`,
		resource, owner)
	if err != nil {
		return errors.Join(ErrStorageFailure, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotHeld
	}
	return nil
}

func (s *PostgresStore) Extend(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, error) {
	now := time.Now().UTC()

	var lease Lease
	err := s.db.QueryRow(ctx, `
		UPDATE processing_locks
		SET lease_expires_at = $3
		WHERE resource = $1 AND owner = $2 AND lease_expires_at > $4
		RETURNING resource, owner, lease_expires_at, locked_at, attempt_count
	`, resource, owner, now.Add(ttl), now).
		Scan(&lease.Resource, &lease.Owner, &lease.ExpiresAt, &lease.LockedAt, &lease.Attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lease{}, ErrNotHeld
		}
		return Lease{}, errors.Join(ErrStorageFailure, err)
	}
	return lease, nil
}

func (s *PostgresStore) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM processing_locks WHERE lease_expires_at <= $1`,
		time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, errors.Join(ErrStorageFailure, err)
	}
	return int(tag.RowsAffected()), nil
}
