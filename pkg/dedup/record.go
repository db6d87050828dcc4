package dedup

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status tracks how far a provider event has been applied.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Record is one inbound provider event. Created once; only Status,
// RetryCount, ErrorMessage, and ProcessedAt ever change afterwards.
type Record struct {
	Provider        string
	ProviderEventID string
	TenantID        uuid.UUID
	EventType       string
	RawPayload      []byte
	Status          Status
	RetryCount      int
	ErrorMessage    string
	ProcessedAt     *time.Time
	CreatedAt       time.Time
}

// Store persists provider event records.
type Store interface {
	// InsertPending claims the (provider, provider_event_id) key with a
	// pending record. If the key already exists it returns ErrDuplicate and
	// the existing record, untouched.
	InsertPending(ctx context.Context, record Record) (Record, error)

	// MarkProcessed transitions the record to processed and stamps it.
	MarkProcessed(ctx context.Context, provider, providerEventID string) error

	// MarkFailed transitions the record to failed, increments its retry
	// count, and stores the handler's error message.
	MarkFailed(ctx context.Context, provider, providerEventID, errMsg string) error

	// Get returns the record or ErrRecordNotFound.
	Get(ctx context.Context, provider, providerEventID string) (Record, error)

	// ListFailed returns up to limit failed records for reprocessing,
	// oldest first.
	ListFailed(ctx context.Context, limit int) ([]Record, error)
}
