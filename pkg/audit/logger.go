package audit

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Logger is the write side of the audit trail.
type Logger interface {
	// Log records an event. Options attach the subscription, amount,
	// idempotency key, and metadata.
	Log(ctx context.Context, tenantID uuid.UUID, action Action, opts ...EventOption) (Event, error)

	// LogError records a failed operation, preserving the error message in
	// metadata so the trail explains failures as well as successes.
	LogError(ctx context.Context, tenantID uuid.UUID, action Action, err error, opts ...EventOption) (Event, error)
}

// Reader is the query side of the audit trail.
type Reader interface {
	Find(ctx context.Context, criteria Criteria) ([]Event, error)
	LastForSubscription(ctx context.Context, subscriptionID uuid.UUID) (Event, error)
}

// NewEventID mints a lexicographically sortable event ID anchored at t.
// ULIDs keep the trail ordered by time even across writers.
func NewEventID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// contextExtractor pulls a string value from context, e.g. the acting user.
type contextExtractor func(context.Context) (string, bool)

type logger struct {
	storage        Storage
	actorExtractor contextExtractor
	now            func() time.Time
}

// Option configures the audit logger.
type Option func(*logger)

// WithActorExtractor supplies the function that resolves the acting
// principal from context. Events without a resolvable actor record "system".
func WithActorExtractor(fn contextExtractor) Option {
	return func(l *logger) { l.actorExtractor = fn }
}

// WithClock overrides the event timestamp source for tests.
func WithClock(now func() time.Time) Option {
	return func(l *logger) { l.now = now }
}

// NewLogger creates an audit logger writing to the given storage.
// Panics on nil storage to fail fast during initialization.
func NewLogger(storage Storage, opts ...Option) Logger {
	if storage == nil {
		panic("audit: storage cannot be nil")
	}

	l := &logger{
		storage: storage,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *logger) Log(ctx context.Context, tenantID uuid.UUID, action Action, opts ...EventOption) (Event, error) {
	event := l.newEvent(ctx, tenantID, action, opts...)

	if err := l.storage.Store(ctx, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

func (l *logger) LogError(ctx context.Context, tenantID uuid.UUID, action Action, opErr error, opts ...EventOption) (Event, error) {
	opts = append(opts, WithMetadata("error", opErr.Error()))
	event := l.newEvent(ctx, tenantID, action, opts...)

	if err := l.storage.Store(ctx, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

func (l *logger) newEvent(ctx context.Context, tenantID uuid.UUID, action Action, opts ...EventOption) Event {
	now := l.now()
	event := Event{
		ID:         NewEventID(now),
		TenantID:   tenantID,
		Action:     action,
		Actor:      "system",
		OccurredAt: now,
	}

	if l.actorExtractor != nil {
		if actor, ok := l.actorExtractor(ctx); ok {
			event.Actor = actor
		}
	}

	for _, opt := range opts {
		opt(&event)
	}
	return event
}

type reader struct {
	storage Storage
}

// NewReader creates a Reader over the given storage.
func NewReader(storage Storage) Reader {
	if storage == nil {
		panic("audit: storage cannot be nil")
	}
	return &reader{storage: storage}
}

func (r *reader) Find(ctx context.Context, criteria Criteria) ([]Event, error) {
	return r.storage.Query(ctx, criteria)
}

func (r *reader) LastForSubscription(ctx context.Context, subscriptionID uuid.UUID) (Event, error) {
	return r.storage.LastForSubscription(ctx, subscriptionID)
}
