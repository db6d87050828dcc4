package dedup

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists provider event records in the provider_events
// table. The unique index on (provider, provider_event_id) does the heavy
// lifting: INSERT ... ON CONFLICT DO NOTHING either claims the key or
// affects zero rows, in which case the existing record is read back.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore returns a Store backed by the given pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	if db == nil {
		panic("dedup: pgx pool cannot be nil")
	}
	return &PostgresStore{db: db}
}

func (s *PostgresStore) InsertPending(ctx context.Context, record Record) (Record, error) {
	const insert = `
		INSERT INTO provider_events
			(provider, provider_event_id, tenant_id, event_type, raw_payload, processing_status, created_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', now())
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`

	tag, err := s.db.Exec(ctx, insert,
		record.Provider, record.ProviderEventID, record.TenantID, record.EventType, record.RawPayload)
	if err != nil {
		return Record{}, errors.Join(ErrStorageFailure, err)
	}

	if tag.RowsAffected() == 0 {
		existing, err := s.Get(ctx, record.Provider, record.ProviderEventID)
		if err != nil {
			return Record{}, err
		}
		return existing, ErrDuplicate
	}

	return s.Get(ctx, record.Provider, record.ProviderEventID)
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, provider, providerEventID string) error {
	const query = `
		UPDATE provider_events
		SET processing_status = 'processed', processed_at = now(), error_message = NULL
		WHERE provider = $1 AND provider_event_id = $2
	`

	tag, err := s.db.Exec(ctx, query, provider, providerEventID)
	if err != nil {
		return errors.Join(ErrStorageFailure, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, provider, providerEventID, errMsg string) error {
	const query = `
		UPDATE provider_events
		SET processing_status = 'failed', retry_count = retry_count + 1, error_message = $3
		WHERE provider = $1 AND provider_event_id = $2
	`

	tag, err := s.db.Exec(ctx, query, provider, providerEventID, errMsg)
	if err != nil {
		return errors.Join(ErrStorageFailure, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

const selectRecordSQL = `
	SELECT provider, provider_event_id, tenant_id, event_type, raw_payload,
	       processing_status, retry_count, COALESCE(error_message, ''), processed_at, created_at
	FROM provider_events
`

func (s *PostgresStore) Get(ctx context.Context, provider, providerEventID string) (Record, error) {
	var record Record
	err := s.db.QueryRow(ctx,
		selectRecordSQL+" WHERE provider = $1 AND provider_event_id = $2",
		provider, providerEventID,
	).Scan(
		&record.Provider, &record.ProviderEventID, &record.TenantID, &record.EventType,
		&record.RawPayload, &record.Status, &record.RetryCount, &record.ErrorMessage,
		&record.ProcessedAt, &record.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, errors.Join(ErrStorageFailure, err)
	}
	return record, nil
}

func (s *PostgresStore) ListFailed(ctx context.Context, limit int) ([]Record, error) {
	query := selectRecordSQL + " WHERE processing_status = 'failed' ORDER BY created_at"
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Join(ErrStorageFailure, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var record Record
		if err := rows.Scan(
			&record.Provider, &record.ProviderEventID, &record.TenantID, &record.EventType,
			&record.RawPayload, &record.Status, &record.RetryCount, &record.ErrorMessage,
			&record.ProcessedAt, &record.CreatedAt,
		); err != nil {
			return nil, errors.Join(ErrStorageFailure, err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
