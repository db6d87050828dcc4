package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dmitrymomot/billingcore/pkg/audit"
	"github.com/dmitrymomot/billingcore/pkg/pg"
)

// PostgresStore persists subscriptions in the subscriptions table. The
// subscription write and its audit event commit in one transaction.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore returns a Store backed by the given pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	if db == nil {
		panic("lifecycle: pgx pool cannot be nil")
	}
	return &PostgresStore{db: db}
}

const selectSubscriptionSQL = `
	SELECT id, tenant_id, plan_id, billing_cycle, status,
	       current_period_start, current_period_end, amount,
	       next_charge_at, cancel_at_period_end, paused_at, cancelled_at,
	       created_at, updated_at
	FROM subscriptions
`

func (s *PostgresStore) Get(ctx context.Context, tenantID uuid.UUID) (*Subscription, error) {
	row := s.db.QueryRow(ctx,
		selectSubscriptionSQL+" WHERE tenant_id = $1 AND status <> $2",
		tenantID, StatusCancelled)
	return scanSubscription(row)
}

func (s *PostgresStore) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	row := s.db.QueryRow(ctx, selectSubscriptionSQL+" WHERE id = $1", id)
	return scanSubscription(row)
}

const insertSubscriptionSQL = `
	INSERT INTO subscriptions
		(id, tenant_id, plan_id, billing_cycle, status,
		 current_period_start, current_period_end, amount,
		 next_charge_at, cancel_at_period_end, paused_at, cancelled_at,
		 created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`

func (s *PostgresStore) Create(ctx context.Context, sub *Subscription, event *audit.Event) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, insertSubscriptionSQL, subscriptionArgs(sub)...)
		if err != nil {
			// The partial unique index on (tenant_id) WHERE status <> 'cancelled'
			// enforces one live subscription per tenant.
			if pg.IsDuplicateKeyError(err) {
				return ErrAlreadySubscribed
			}
			return errors.Join(ErrStorageFailure, err)
		}
		return audit.StoreTx(ctx, tx, event)
	})
}

const updateSubscriptionSQL = `
	UPDATE subscriptions SET
		plan_id = $2, billing_cycle = $3, status = $4,
		current_period_start = $5, current_period_end = $6, amount = $7,
		next_charge_at = $8, cancel_at_period_end = $9, paused_at = $10,
		cancelled_at = $11, updated_at = $12
	WHERE id = $1
`

func (s *PostgresStore) SaveWithAudit(ctx context.Context, sub *Subscription, event *audit.Event) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, updateSubscriptionSQL,
			sub.ID, sub.PlanID, sub.BillingCycle, sub.Status,
			sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.Amount.String(),
			sub.NextChargeAt, sub.CancelAtPeriodEnd, sub.PausedAt,
			sub.CancelledAt, sub.UpdatedAt,
		)
		if err != nil {
			return errors.Join(ErrStorageFailure, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrSubscriptionNotFound
		}
		return audit.StoreTx(ctx, tx, event)
	})
}

func (s *PostgresStore) ListDue(ctx context.Context, before time.Time, limit int) ([]Subscription, error) {
	rows, err := s.db.Query(ctx, selectSubscriptionSQL+`
		WHERE status <> $1
		  AND (
		    (cancel_at_period_end AND current_period_end <= $2)
		    OR (status = $3 AND next_charge_at IS NOT NULL AND next_charge_at <= $2)
		  )
		ORDER BY COALESCE(next_charge_at, current_period_end)
		LIMIT $4
	`, StatusCancelled, before, StatusActive, limit)
	if err != nil {
		return nil, errors.Join(ErrStorageFailure, err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Join(ErrStorageFailure, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Join(ErrStorageFailure, err)
	}
	return nil
}

func subscriptionArgs(sub *Subscription) []any {
	return []any{
		sub.ID, sub.TenantID, sub.PlanID, sub.BillingCycle, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.Amount.String(),
		sub.NextChargeAt, sub.CancelAtPeriodEnd, sub.PausedAt, sub.CancelledAt,
		sub.CreatedAt, sub.UpdatedAt,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub    Subscription
		amount string
	)
	if err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.PlanID, &sub.BillingCycle, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &amount,
		&sub.NextChargeAt, &sub.CancelAtPeriodEnd, &sub.PausedAt, &sub.CancelledAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, errors.Join(ErrStorageFailure, err)
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, errors.Join(ErrStorageFailure, err)
	}
	sub.Amount = dec
	return &sub, nil
}
