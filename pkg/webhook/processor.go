package webhook

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingcore/pkg/audit"
	"github.com/dmitrymomot/billingcore/pkg/dedup"
)

// Handler applies one provider event to the billing state. Handlers must be
// idempotent per event ID: the processor guarantees at-most-one successful
// application, but a handler that failed midway will be invoked again.
type Handler func(ctx context.Context, event Event) error

// ProviderConfig holds per-provider verification settings.
type ProviderConfig struct {
	Secret string
	MaxAge time.Duration // replay window; 0 disables the freshness check
}

// Outcome tells the HTTP layer how to answer the provider.
type Outcome struct {
	Ack       bool // true: 2xx, the provider must not redeliver
	Duplicate bool // the event had already been recorded
	EventID   string
	Status    dedup.Status
}

// Processor is the inbound webhook pipeline: verify, parse, dedup, dispatch,
// record.
type Processor struct {
	providers map[string]ProviderConfig
	store     dedup.Store
	auditlog  audit.Logger
	handlers  map[EventType]Handler
	timeout   time.Duration
	backoff   BackoffStrategy
	now       func() time.Time
	log       *slog.Logger
}

// ProcessorOption configures optional processor behavior.
type ProcessorOption func(*Processor)

// WithTimeout bounds a single handler invocation.
func WithTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.timeout = d }
}

// WithBackoff sets the retry delay strategy for RetryFailed.
func WithBackoff(b BackoffStrategy) ProcessorOption {
	return func(p *Processor) { p.backoff = b }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = now }
}

// WithLogger sets the processor's logger.
func WithLogger(log *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.log = log }
}

// NewProcessor builds the pipeline. Panics on nil required dependencies to
// fail fast during initialization.
func NewProcessor(store dedup.Store, auditlog audit.Logger, providers map[string]ProviderConfig, opts ...ProcessorOption) *Processor {
	if store == nil {
		panic("webhook: dedup store is required")
	}
	if auditlog == nil {
		panic("webhook: audit logger is required")
	}
	if len(providers) == 0 {
		panic("webhook: at least one provider must be configured")
	}

	p := &Processor{
		providers: providers,
		store:     store,
		auditlog:  auditlog,
		handlers:  make(map[EventType]Handler),
		timeout:   30 * time.Second,
		backoff:   DefaultBackoff(),
		now:       func() time.Time { return time.Now().UTC() },
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register binds a handler to an event type. Later registrations replace
// earlier ones.
func (p *Processor) Register(t EventType, h Handler) {
	p.handlers[t] = h
}

// Handle runs one delivery through the pipeline. A non-nil error means the
// delivery was rejected before it was recorded (bad signature, malformed
// body) and the provider should see a 4xx. Once the event is recorded the
// answer is always an ack, even when the handler failed: redelivery would
// only repeat the failure, and RetryFailed owns reprocessing.
func (p *Processor) Handle(ctx context.Context, provider string, body []byte, headers map[string]string) (Outcome, error) {
	cfg, ok := p.providers[provider]
	if !ok {
		return Outcome{}, ErrUnknownProvider
	}

	sig, err := ExtractSignatureHeaders(headers)
	if err != nil {
		return Outcome{}, err
	}
	if err := VerifySignature(cfg.Secret, body, sig, cfg.MaxAge, p.now()); err != nil {
		return Outcome{}, err
	}

	event, err := ParseEvent(body)
	if err != nil {
		return Outcome{}, err
	}
	event.Provider = provider

	existing, err := p.store.InsertPending(ctx, dedup.Record{
		Provider:        provider,
		ProviderEventID: event.ID,
		TenantID:        event.TenantID,
		EventType:       event.RawType,
		RawPayload:      body,
		Status:          dedup.StatusPending,
		CreatedAt:       p.now(),
	})
	if err != nil {
		if errors.Is(err, dedup.ErrDuplicate) {
			if existing.Status == dedup.StatusPending {
				// The earlier delivery claimed the record but never reached
				// an outcome (crashed worker). Redelivery is the only thing
				// that will ever touch this record again, so dispatch it now.
				p.log.WarnContext(ctx, "redelivery of a pending event, dispatching",
					slog.String("provider", provider),
					slog.String("event_id", event.ID))
				status := p.apply(ctx, event)
				return Outcome{Ack: true, Duplicate: true, EventID: event.ID, Status: status}, nil
			}
			p.log.InfoContext(ctx, "duplicate delivery acknowledged",
				slog.String("provider", provider),
				slog.String("event_id", event.ID),
				slog.String("status", string(existing.Status)))
			return Outcome{Ack: true, Duplicate: true, EventID: event.ID, Status: existing.Status}, nil
		}
		return Outcome{}, err
	}

	status := p.apply(ctx, event)
	return Outcome{Ack: true, EventID: event.ID, Status: status}, nil
}

// apply dispatches a recorded event and marks the record with the outcome.
func (p *Processor) apply(ctx context.Context, event Event) dedup.Status {
	handler, ok := p.handlers[event.Type]
	if event.Type == EventUnknown || !ok {
		// Recorded as processed so a redelivery short-circuits at the
		// dedup claim instead of re-parsing.
		if err := p.store.MarkProcessed(ctx, event.Provider, event.ID); err != nil {
			p.log.ErrorContext(ctx, "failed to mark ignored event",
				slog.String("event_id", event.ID), slog.Any("error", err))
		}
		if _, err := p.auditlog.Log(ctx, event.TenantID, audit.ActionWebhookIgnored,
			audit.WithActor("webhook:"+event.Provider),
			audit.WithMetadata("event_type", event.RawType),
			audit.WithMetadata("event_id", event.ID),
		); err != nil {
			p.log.ErrorContext(ctx, "audit write failed", slog.Any("error", err))
		}
		return dedup.StatusProcessed
	}

	hctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := handler(hctx, event); err != nil {
		if markErr := p.store.MarkFailed(ctx, event.Provider, event.ID, err.Error()); markErr != nil {
			p.log.ErrorContext(ctx, "failed to mark failed event",
				slog.String("event_id", event.ID), slog.Any("error", markErr))
		}
		if _, auditErr := p.auditlog.LogError(ctx, event.TenantID, audit.ActionWebhookFailed, err,
			audit.WithActor("webhook:"+event.Provider),
			audit.WithMetadata("event_type", event.RawType),
			audit.WithMetadata("event_id", event.ID),
		); auditErr != nil {
			p.log.ErrorContext(ctx, "audit write failed", slog.Any("error", auditErr))
		}
		p.log.WarnContext(ctx, "event handler failed",
			slog.String("provider", event.Provider),
			slog.String("event_id", event.ID),
			slog.String("event_type", event.RawType),
			slog.Any("error", err))
		return dedup.StatusFailed
	}

	if err := p.store.MarkProcessed(ctx, event.Provider, event.ID); err != nil {
		p.log.ErrorContext(ctx, "failed to mark processed event",
			slog.String("event_id", event.ID), slog.Any("error", err))
	}
	return dedup.StatusProcessed
}

// RetryReport summarizes one reprocessing pass.
type RetryReport struct {
	Retried   int
	Succeeded int
	Failed    int
	Exhausted int // records past maxAttempts, left for the operator
}

// RetryFailed reprocesses failed records, oldest first, waiting out each
// record's backoff delay. Records at or past maxAttempts are skipped.
func (p *Processor) RetryFailed(ctx context.Context, maxAttempts, limit int) (RetryReport, error) {
	records, err := p.store.ListFailed(ctx, limit)
	if err != nil {
		return RetryReport{}, err
	}

	var report RetryReport
	for _, record := range records {
		if record.RetryCount >= maxAttempts {
			report.Exhausted++
			continue
		}

		if err := sleepCtx(ctx, p.backoff.NextInterval(record.RetryCount)); err != nil {
			return report, err
		}

		event, err := ParseEvent(record.RawPayload)
		if err != nil {
			// Should be impossible: the payload parsed when it was recorded.
			if markErr := p.store.MarkFailed(ctx, record.Provider, record.ProviderEventID, err.Error()); markErr != nil {
				p.log.ErrorContext(ctx, "failed to mark unparseable event", slog.Any("error", markErr))
			}
			report.Retried++
			report.Failed++
			continue
		}
		event.Provider = record.Provider

		report.Retried++
		if p.apply(ctx, event) == dedup.StatusProcessed {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}
	return report, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
