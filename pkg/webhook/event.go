package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType discriminates the provider event union.
type EventType string

const (
	EventPaymentSucceeded      EventType = "payment_succeeded"
	EventPaymentFailed         EventType = "payment_failed"
	EventSubscriptionCancelled EventType = "subscription_cancelled"
	EventOrderApproved         EventType = "order_approved"
	EventAuthorizationCreated  EventType = "authorization_created"
	EventUnknown               EventType = "unknown"
)

// knownTypes is the set of event types the billing core reacts to. Anything
// else is recorded and acknowledged as a no-op.
var knownTypes = map[EventType]bool{
	EventPaymentSucceeded:      true,
	EventPaymentFailed:         true,
	EventSubscriptionCancelled: true,
	EventOrderApproved:         true,
	EventAuthorizationCreated:  true,
}

// Event is the parsed provider envelope.
type Event struct {
	ID         string    // provider's event ID, the dedup key
	Type       EventType // EventUnknown for unrecognized types
	RawType    string    // provider's type string, verbatim
	Provider   string    // filled by the processor
	TenantID   uuid.UUID
	Amount     decimal.Decimal // zero when the event carries no amount
	Reason     string          // decline reason, when present
	OccurredAt time.Time
	Raw        json.RawMessage // full original body
}

// envelope mirrors the common provider wire shape.
type envelope struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	TenantID   uuid.UUID `json:"tenant_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       struct {
		Amount string `json:"amount"`
		Reason string `json:"reason"`
	} `json:"data"`
}

// ParseEvent decodes a provider body into an Event. Unrecognized types parse
// successfully with Type set to EventUnknown; only structural problems fail.
func ParseEvent(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, errors.Join(ErrMalformedPayload, err)
	}
	if env.ID == "" {
		return Event{}, fmt.Errorf("%w: event id is required", ErrMalformedPayload)
	}
	if env.Type == "" {
		return Event{}, fmt.Errorf("%w: event type is required", ErrMalformedPayload)
	}
	if env.TenantID == uuid.Nil {
		return Event{}, fmt.Errorf("%w: tenant id is required", ErrMalformedPayload)
	}

	event := Event{
		ID:         env.ID,
		Type:       EventType(env.Type),
		RawType:    env.Type,
		TenantID:   env.TenantID,
		Reason:     env.Data.Reason,
		OccurredAt: env.OccurredAt,
		Raw:        json.RawMessage(body),
	}
	if !knownTypes[event.Type] {
		event.Type = EventUnknown
	}
	if env.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if env.Data.Amount != "" {
		amount, err := decimal.NewFromString(env.Data.Amount)
		if err != nil {
			return Event{}, fmt.Errorf("%w: bad amount %q", ErrMalformedPayload, env.Data.Amount)
		}
		event.Amount = amount
	}
	return event, nil
}
