package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCounterStore keeps usage counters in the usage_counters table.
// The upsert with an additive SET clause makes Increment a single atomic
// statement: concurrent callers serialize on the row, and no caller ever
// observes or writes a stale value.
type PostgresCounterStore struct {
	db *pgxpool.Pool
}

// NewPostgresCounterStore returns a CounterStore backed by the given pool.
func NewPostgresCounterStore(db *pgxpool.Pool) *PostgresCounterStore {
	if db == nil {
		panic("ledger: pgx pool cannot be nil")
	}
	return &PostgresCounterStore{db: db}
}

func (s *PostgresCounterStore) Increment(ctx context.Context, tenantID uuid.UUID, usageType UsageType, periodStart time.Time, delta int64) (int64, error) {
	const query = `
		INSERT INTO usage_counters (tenant_id, usage_type, period_start, current_value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, usage_type, period_start)
		DO UPDATE SET current_value = usage_counters.current_value + EXCLUDED.current_value
		RETURNING current_value
	`

	var value int64
	err := s.db.QueryRow(ctx, query, tenantID, usageType, periodStart.UTC(), delta).Scan(&value)
	if err != nil {
		// The CHECK (current_value >= 0) constraint rejects decrements below zero.
		return 0, errors.Join(ErrCounterUnavailable, err)
	}
	return value, nil
}

func (s *PostgresCounterStore) Get(ctx context.Context, tenantID uuid.UUID, usageType UsageType, periodStart time.Time) (int64, error) {
	const query = `
		SELECT current_value FROM usage_counters
		WHERE tenant_id = $1 AND usage_type = $2 AND period_start = $3
	`

	var value int64
	err := s.db.QueryRow(ctx, query, tenantID, usageType, periodStart.UTC()).Scan(&value)
	if err != nil {
		if isNoRows(err) {
			return 0, nil
		}
		return 0, errors.Join(ErrCounterUnavailable, err)
	}
	return value, nil
}

func (s *PostgresCounterStore) Reset(ctx context.Context, tenantID uuid.UUID, usageType UsageType, periodStart time.Time) error {
	const query = `
		DELETE FROM usage_counters
		WHERE tenant_id = $1 AND usage_type = $2 AND period_start = $3
	`

	if _, err := s.db.Exec(ctx, query, tenantID, usageType, periodStart.UTC()); err != nil {
		return errors.Join(ErrCounterUnavailable, err)
	}
	return nil
}
