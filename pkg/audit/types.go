package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Action identifies what happened. Lifecycle transitions, charges, and
// webhook outcomes all map to actions.
type Action string

const (
	ActionSubscriptionCreated Action = "subscription.created"
	ActionTrialActivated      Action = "subscription.trial_activated"
	ActionPlanChanged         Action = "subscription.plan_changed"
	ActionPaused              Action = "subscription.paused"
	ActionResumed             Action = "subscription.resumed"
	ActionCancelled           Action = "subscription.cancelled"
	ActionCancelScheduled     Action = "subscription.cancel_scheduled"
	ActionRenewalCharged      Action = "subscription.renewal_charged"
	ActionRenewalFailed       Action = "subscription.renewal_failed"
	ActionPaymentFailed       Action = "payment.failed"
	ActionWebhookIgnored      Action = "webhook.ignored"
	ActionWebhookFailed       Action = "webhook.failed"
)

// Event is a single immutable audit entry.
//
// ID is a ULID: lexically sortable and unique across processes. Seq is
// assigned by storage on append and is the authoritative order within a
// subscription; two events can share a millisecond but never a sequence.
type Event struct {
	ID             string           `json:"id"`
	Seq            uint64           `json:"seq"`
	TenantID       uuid.UUID        `json:"tenant_id"`
	SubscriptionID uuid.UUID        `json:"subscription_id,omitempty"`
	Action         Action           `json:"action"`
	Actor          string           `json:"actor"` // "tenant", "batch", "webhook:stripe", ...
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Amount         *decimal.Decimal `json:"amount,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

// Validate checks required fields before an append.
func (e *Event) Validate() error {
	if e.Action == "" {
		return fmt.Errorf("%w: action is required", ErrEventValidation)
	}
	if e.TenantID == uuid.Nil {
		return fmt.Errorf("%w: tenant ID is required", ErrEventValidation)
	}
	return nil
}

// Criteria filters audit queries. Zero values are ignored.
type Criteria struct {
	TenantID       uuid.UUID
	SubscriptionID uuid.UUID
	Action         Action
	Since          time.Time
	Until          time.Time
	Limit          int
}

// EventOption applies configuration to an Event during creation.
type EventOption func(*Event)

// WithSubscription attaches the subscription the event concerns.
func WithSubscription(id uuid.UUID) EventOption {
	return func(e *Event) { e.SubscriptionID = id }
}

// WithAmount attaches a monetary amount (charge or credit).
func WithAmount(amount decimal.Decimal) EventOption {
	return func(e *Event) { e.Amount = &amount }
}

// WithIdempotencyKey attaches the caller's idempotency key.
func WithIdempotencyKey(key string) EventOption {
	return func(e *Event) { e.IdempotencyKey = key }
}

// WithActor overrides the actor extracted from context.
func WithActor(actor string) EventOption {
	return func(e *Event) { e.Actor = actor }
}

// WithMetadata adds a metadata entry.
func WithMetadata(key string, value any) EventOption {
	return func(e *Event) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any)
		}
		e.Metadata[key] = value
	}
}

// WithOccurredAt pins the occurrence time. Tests and backfills use this;
// the default is the logger's clock.
func WithOccurredAt(t time.Time) EventOption {
	return func(e *Event) { e.OccurredAt = t }
}
