package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingcore/pkg/audit"
	"github.com/dmitrymomot/billingcore/pkg/ledger"
	"github.com/dmitrymomot/billingcore/pkg/lifecycle"
	"github.com/dmitrymomot/billingcore/pkg/webhook"
)

// Service bundles the billing components behind one facade. Fields are the
// already-constructed collaborators; Service adds cross-component reads and
// the webhook-to-lifecycle glue, not new behavior.
type Service struct {
	ledger    ledger.Service
	lifecycle lifecycle.Manager
	subs      lifecycle.Store
	webhooks  *webhook.Processor
	auditlog  audit.Reader
	log       *slog.Logger
}

// Option configures optional service behavior.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// New composes the billing service and registers the webhook handlers that
// drive the lifecycle from provider events. Panics on nil required
// dependencies to fail fast during initialization.
func New(ledgerSvc ledger.Service, mgr lifecycle.Manager, subs lifecycle.Store, processor *webhook.Processor, auditReader audit.Reader, opts ...Option) *Service {
	if ledgerSvc == nil {
		panic("billing: ledger service is required")
	}
	if mgr == nil {
		panic("billing: lifecycle manager is required")
	}
	if subs == nil {
		panic("billing: subscription store is required")
	}
	if processor == nil {
		panic("billing: webhook processor is required")
	}
	if auditReader == nil {
		panic("billing: audit reader is required")
	}

	s := &Service{
		ledger:    ledgerSvc,
		lifecycle: mgr,
		subs:      subs,
		webhooks:  processor,
		auditlog:  auditReader,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	processor.Register(webhook.EventPaymentSucceeded, s.onPaymentSucceeded)
	processor.Register(webhook.EventPaymentFailed, s.onPaymentFailed)
	processor.Register(webhook.EventSubscriptionCancelled, s.onProviderCancelled)
	return s
}

// onPaymentSucceeded converts a trial when one is running; a payment against
// an already-active subscription is a renewal receipt and needs no state
// change here.
func (s *Service) onPaymentSucceeded(ctx context.Context, event webhook.Event) error {
	_, err := s.lifecycle.Activate(ctx, event.TenantID, webhookIdemKey(event), event.OccurredAt)
	switch {
	case err == nil:
		return nil
	case lifecycle.IsInvalidTransition(err):
		// Not trialing; nothing to activate.
		return nil
	default:
		return s.ignoreStale(ctx, event, err)
	}
}

func (s *Service) onPaymentFailed(ctx context.Context, event webhook.Event) error {
	_, err := s.lifecycle.RecordPaymentFailure(ctx, event.TenantID, webhookIdemKey(event), event.OccurredAt, event.Reason)
	if err != nil {
		return s.ignoreStale(ctx, event, err)
	}
	return nil
}

// onProviderCancelled mirrors a cancellation initiated on the provider side.
func (s *Service) onProviderCancelled(ctx context.Context, event webhook.Event) error {
	_, err := s.lifecycle.Cancel(ctx, event.TenantID, lifecycle.CancelImmediate, webhookIdemKey(event), event.OccurredAt)
	if err != nil {
		return s.ignoreStale(ctx, event, err)
	}
	return nil
}

// ignoreStale converts an out-of-order delivery into a no-op. The event was
// superseded by a later recorded change; retrying it would never succeed.
func (s *Service) ignoreStale(ctx context.Context, event webhook.Event, err error) error {
	if !errors.Is(err, lifecycle.ErrStaleEvent) {
		return err
	}
	s.log.InfoContext(ctx, "stale provider event ignored",
		slog.String("provider", event.Provider),
		slog.String("event_id", event.ID),
		slog.String("event_type", event.RawType),
		slog.Time("occurred_at", event.OccurredAt))
	return nil
}

// webhookIdemKey derives the lifecycle idempotency key from the provider
// event identity, so a redelivered event that slipped past dedup still
// replays instead of re-applying.
func webhookIdemKey(event webhook.Event) string {
	return "webhook:" + event.Provider + ":" + event.ID
}

// Summary is the tenant dashboard payload.
type Summary struct {
	Subscription *lifecycle.Subscription               `json:"subscription,omitempty"`
	Usage        map[ledger.UsageType]ledger.UsageInfo `json:"usage"`
	RecentEvents []audit.Event                         `json:"recent_events"`
	GeneratedAt  time.Time                             `json:"generated_at"`
}

const summaryEventLimit = 20

// Summary assembles the tenant's subscription, usage, and recent audit
// trail in one read. A tenant without a live subscription still gets usage
// (metered against the default plan) and history.
func (s *Service) Summary(ctx context.Context, tenantID uuid.UUID) (Summary, error) {
	summary := Summary{GeneratedAt: time.Now().UTC()}

	sub, err := s.subs.Get(ctx, tenantID)
	switch {
	case err == nil:
		summary.Subscription = sub
	case errors.Is(err, lifecycle.ErrSubscriptionNotFound):
		// fine, free tier
	default:
		return Summary{}, err
	}

	usage, err := s.ledger.AllUsage(ctx, tenantID)
	if err != nil {
		return Summary{}, err
	}
	summary.Usage = usage

	events, err := s.auditlog.Find(ctx, audit.Criteria{TenantID: tenantID, Limit: summaryEventLimit})
	if err != nil {
		return Summary{}, err
	}
	summary.RecentEvents = events
	return summary, nil
}
