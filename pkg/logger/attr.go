package logger

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Error records a single error under "error". Nil yields an empty attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// TenantID records the tenant under "tenant_id".
func TenantID(id uuid.UUID) slog.Attr {
	return slog.String("tenant_id", id.String())
}

// SubscriptionID records the subscription under "subscription_id".
func SubscriptionID(id uuid.UUID) slog.Attr {
	return slog.String("subscription_id", id.String())
}

// PlanID records the plan under "plan_id".
func PlanID(id string) slog.Attr {
	return slog.String("plan_id", id)
}

// Provider records the payment provider under "provider".
func Provider(name string) slog.Attr {
	return slog.String("provider", name)
}

// EventID records a provider or audit event ID under "event_id".
func EventID(id string) slog.Attr {
	return slog.String("event_id", id)
}

// EventType records the event type under "event_type".
func EventType(t string) slog.Attr {
	return slog.String("event_type", t)
}

// Amount records a monetary amount under "amount".
func Amount(d decimal.Decimal) slog.Attr {
	return slog.String("amount", d.String())
}

// IdempotencyKey records the caller's key under "idempotency_key".
func IdempotencyKey(key string) slog.Attr {
	return slog.String("idempotency_key", key)
}

// RetryCount records the retry count under "retry_count".
func RetryCount(count int) slog.Attr {
	return slog.Int("retry_count", count)
}

// Duration records elapsed time under "duration".
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Component records the emitting component under "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}
