package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStorage persists audit events in the audit_events table.
// The BIGSERIAL seq column provides the total order within the table;
// rows are never updated or deleted.
type PostgresStorage struct {
	db *pgxpool.Pool
}

// NewPostgresStorage returns a Storage backed by the given pool.
func NewPostgresStorage(db *pgxpool.Pool) *PostgresStorage {
	if db == nil {
		panic("audit: pgx pool cannot be nil")
	}
	return &PostgresStorage{db: db}
}

const insertEventSQL = `
	INSERT INTO audit_events
		(id, tenant_id, subscription_id, action, actor, idempotency_key, amount, metadata, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	RETURNING seq
`

func (s *PostgresStorage) Store(ctx context.Context, event *Event) error {
	return storeEvent(ctx, s.db, event)
}

// StoreTx appends an event inside an existing transaction so the caller can
// commit it atomically with a subscription row change.
func StoreTx(ctx context.Context, tx pgx.Tx, event *Event) error {
	return storeEvent(ctx, tx, event)
}

func storeEvent(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, event *Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	var metadata []byte
	if event.Metadata != nil {
		var err error
		metadata, err = json.Marshal(event.Metadata)
		if err != nil {
			return errors.Join(ErrStorageFailure, err)
		}
	}

	var subID *uuid.UUID
	if event.SubscriptionID != uuid.Nil {
		subID = &event.SubscriptionID
	}

	var amount *string
	if event.Amount != nil {
		v := event.Amount.String()
		amount = &v
	}

	err := q.QueryRow(ctx, insertEventSQL,
		event.ID, event.TenantID, subID, event.Action, event.Actor,
		nullableString(event.IdempotencyKey), amount, metadata, event.OccurredAt,
	).Scan(&event.Seq)
	if err != nil {
		return errors.Join(ErrStorageFailure, err)
	}
	return nil
}

const selectEventSQL = `
	SELECT id, seq, tenant_id, subscription_id, action, actor,
	       idempotency_key, amount, metadata, occurred_at
	FROM audit_events
`

func (s *PostgresStorage) Query(ctx context.Context, criteria Criteria) ([]Event, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if criteria.TenantID != uuid.Nil {
		conds = append(conds, "tenant_id = "+arg(criteria.TenantID))
	}
	if criteria.SubscriptionID != uuid.Nil {
		conds = append(conds, "subscription_id = "+arg(criteria.SubscriptionID))
	}
	if criteria.Action != "" {
		conds = append(conds, "action = "+arg(criteria.Action))
	}
	if !criteria.Since.IsZero() {
		conds = append(conds, "occurred_at >= "+arg(criteria.Since))
	}
	if !criteria.Until.IsZero() {
		conds = append(conds, "occurred_at <= "+arg(criteria.Until))
	}

	query := selectEventSQL
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq"
	if criteria.Limit > 0 {
		query += " LIMIT " + arg(criteria.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Join(ErrStorageFailure, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *PostgresStorage) LastForSubscription(ctx context.Context, subscriptionID uuid.UUID) (Event, error) {
	row := s.db.QueryRow(ctx,
		selectEventSQL+" WHERE subscription_id = $1 ORDER BY seq DESC LIMIT 1",
		subscriptionID)

	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, ErrEventNotFound
		}
		return Event{}, err
	}
	return event, nil
}

func (s *PostgresStorage) FindByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (Event, error) {
	if key == "" {
		return Event{}, ErrEventNotFound
	}

	row := s.db.QueryRow(ctx,
		selectEventSQL+" WHERE tenant_id = $1 AND idempotency_key = $2 ORDER BY seq LIMIT 1",
		tenantID, key)

	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, ErrEventNotFound
		}
		return Event{}, err
	}
	return event, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var (
		event    Event
		subID    *uuid.UUID
		idemKey  *string
		amount   *string
		metadata []byte
	)
	if err := row.Scan(
		&event.ID, &event.Seq, &event.TenantID, &subID, &event.Action, &event.Actor,
		&idemKey, &amount, &metadata, &event.OccurredAt,
	); err != nil {
		return Event{}, err
	}

	if subID != nil {
		event.SubscriptionID = *subID
	}
	if idemKey != nil {
		event.IdempotencyKey = *idemKey
	}
	if amount != nil {
		dec, err := decimal.NewFromString(*amount)
		if err != nil {
			return Event{}, errors.Join(ErrStorageFailure, err)
		}
		event.Amount = &dec
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
			return Event{}, errors.Join(ErrStorageFailure, err)
		}
	}
	return event, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
