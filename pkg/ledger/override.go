package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OverrideStore persists tenant-level feature overrides.
type OverrideStore interface {
	// Get returns the override for a tenant/feature pair, expired or not.
	// Returns ErrOverrideNotFound when none exists; expiry is the caller's
	// concern so reads stay cacheable.
	Get(ctx context.Context, tenantID uuid.UUID, feature Feature) (Override, error)

	// Set creates or replaces an override.
	Set(ctx context.Context, override Override) error

	// Delete removes an override. Deleting a missing override is a no-op.
	Delete(ctx context.Context, tenantID uuid.UUID, feature Feature) error
}

type overrideKey struct {
	tenantID uuid.UUID
	feature  Feature
}

// MemoryOverrideStore is an in-process OverrideStore for tests and local
// development.
type MemoryOverrideStore struct {
	mu        sync.RWMutex
	overrides map[overrideKey]Override
}

// NewMemoryOverrideStore returns an empty in-memory override store.
func NewMemoryOverrideStore() *MemoryOverrideStore {
	return &MemoryOverrideStore{overrides: make(map[overrideKey]Override)}
}

func (s *MemoryOverrideStore) Get(ctx context.Context, tenantID uuid.UUID, feature Feature) (Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.overrides[overrideKey{tenantID: tenantID, feature: feature}]
	if !ok {
		return Override{}, ErrOverrideNotFound
	}
	return o, nil
}

func (s *MemoryOverrideStore) Set(ctx context.Context, override Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[overrideKey{tenantID: override.TenantID, feature: override.Feature}] = override
	return nil
}

func (s *MemoryOverrideStore) Delete(ctx context.Context, tenantID uuid.UUID, feature Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, overrideKey{tenantID: tenantID, feature: feature})
	return nil
}

// PostgresOverrideStore persists overrides in the feature_overrides table.
type PostgresOverrideStore struct {
	db *pgxpool.Pool
}

// NewPostgresOverrideStore returns an OverrideStore backed by the given pool.
func NewPostgresOverrideStore(db *pgxpool.Pool) *PostgresOverrideStore {
	if db == nil {
		panic("ledger: pgx pool cannot be nil")
	}
	return &PostgresOverrideStore{db: db}
}

func (s *PostgresOverrideStore) Get(ctx context.Context, tenantID uuid.UUID, feature Feature) (Override, error) {
	const query = `
		SELECT tenant_id, feature_key, override_value, expires_at, created_at
		FROM feature_overrides
		WHERE tenant_id = $1 AND feature_key = $2
	`

	var (
		o         Override
		level     int
		expiresAt *time.Time
	)
	err := s.db.QueryRow(ctx, query, tenantID, feature).
		Scan(&o.TenantID, &o.Feature, &level, &expiresAt, &o.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return Override{}, ErrOverrideNotFound
		}
		return Override{}, err
	}
	o.Level = FeatureLevel(level)
	o.ExpiresAt = expiresAt
	return o, nil
}

func (s *PostgresOverrideStore) Set(ctx context.Context, override Override) error {
	const query = `
		INSERT INTO feature_overrides (tenant_id, feature_key, override_value, expires_at, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (tenant_id, feature_key)
		DO UPDATE SET override_value = EXCLUDED.override_value, expires_at = EXCLUDED.expires_at
	`

	_, err := s.db.Exec(ctx, query,
		override.TenantID, override.Feature, int(override.Level), override.ExpiresAt)
	return err
}

func (s *PostgresOverrideStore) Delete(ctx context.Context, tenantID uuid.UUID, feature Feature) error {
	const query = `DELETE FROM feature_overrides WHERE tenant_id = $1 AND feature_key = $2`

	_, err := s.db.Exec(ctx, query, tenantID, feature)
	return err
}

// isNoRows matches pgx's no-rows sentinel across query helpers.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
