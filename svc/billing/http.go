package billing

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/billingcore/pkg/ledger"
	"github.com/dmitrymomot/billingcore/pkg/lifecycle"
	"github.com/dmitrymomot/billingcore/pkg/webhook"
)

// maxWebhookBody caps provider payloads; real provider events are a few KB.
const maxWebhookBody = 1 << 20

// Router builds the HTTP surface. Webhook intake sits outside the tenant
// middleware: the tenant comes from the verified payload, not the caller.
func Router(s *Service, resolver TenantResolver, checks ...func(r chi.Router)) http.Handler {
	r := chi.NewRouter()

	r.Post("/webhooks/{provider}", s.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(tenantMiddleware(resolver))

		r.Get("/usage", s.handleAllUsage)
		r.Get("/usage/{type}", s.handleUsage)
		r.Post("/usage/{type}", s.handleIncrementUsage)
		r.Get("/features/{key}", s.handleFeature)

		r.Get("/subscription", s.handleGetSubscription)
		r.Post("/subscription", s.handleSignup)
		r.Post("/subscription/change-plan", s.handleChangePlan)
		r.Post("/subscription/pause", s.handlePause)
		r.Post("/subscription/resume", s.handleResume)
		r.Post("/subscription/cancel", s.handleCancel)

		r.Get("/summary", s.handleSummary)
	})

	for _, mount := range checks {
		mount(r)
	}
	return r
}

// Healthz mounts readiness and liveness endpoints over the given probes.
func Healthz(probes ...func(r *http.Request) error) func(r chi.Router) {
	return func(r chi.Router) {
		r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
			for _, probe := range probes {
				if err := probe(req); err != nil {
					writeError(w, http.StatusServiceUnavailable, err.Error())
					return
				}
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
}

func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	outcome, err := s.webhooks.Handle(r.Context(), provider, body, headers)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrUnknownProvider):
			writeError(w, http.StatusNotFound, "unknown provider")
		case errors.Is(err, webhook.ErrInvalidSignature),
			errors.Is(err, webhook.ErrMissingSignature),
			errors.Is(err, webhook.ErrStaleTimestamp):
			writeError(w, http.StatusUnauthorized, "signature rejected")
		case errors.Is(err, webhook.ErrMalformedPayload):
			writeError(w, http.StatusBadRequest, "malformed payload")
		default:
			s.log.ErrorContext(r.Context(), "webhook intake failed",
				slog.String("provider", provider), slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"received":  true,
		"duplicate": outcome.Duplicate,
		"event_id":  outcome.EventID,
	})
}

func (s *Service) handleAllUsage(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFromContext(r.Context())

	usage, err := s.ledger.AllUsage(r.Context(), tenantID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Service) handleUsage(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFromContext(r.Context())

	info, err := s.ledger.CheckUsage(r.Context(), tenantID, ledger.UsageType(chi.URLParam(r, "type")))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Service) handleIncrementUsage(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFromContext(r.Context())
	usageType := ledger.UsageType(chi.URLParam(r, "type"))

	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Amount == 0 {
		req.Amount = 1
	}

	decision, err := s.ledger.CanPerform(r.Context(), tenantID, usageType, req.Amount)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if !decision.Allowed {
		writeJSON(w, http.StatusForbidden, decision)
		return
	}

	value, err := s.ledger.IncrementUsage(r.Context(), tenantID, usageType, req.Amount)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"current": value})
}

func (s *Service) handleFeature(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFromContext(r.Context())

	level := s.ledger.IsFeatureEnabled(r.Context(), tenantID, ledger.Feature(chi.URLParam(r, "key")))
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": level.Enabled(),
		"level":   level,
	})
}

func (s *Service) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFromContext(r.Context())

	sub, err := s.subs.Get(r.Context(), tenantID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Service) handleSignup(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFromContext(r.Context())

	idemKey, ok := idempotencyKey(w, r)
	if !ok {
		return
	}

	var req struct {
		PlanID string `json:"plan_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.lifecycle.Signup(r.Context(), tenantID, req.PlanID, idemKey)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, statusForResult(res, http.StatusCreated), res)
}

func (s *Service) handleChangePlan(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFromContext(r.Context())

	idemKey, ok := idempotencyKey(w, r)
	if !ok {
		return
	}

	var req struct {
		PlanID string `json:"plan_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.lifecycle.ChangePlan(r.Context(), tenantID, req.PlanID, idemKey)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handlePause(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFromContext(r.Context())

	idemKey, ok := idempotencyKey(w, r)
	if !ok {
		return
	}

	res, err := s.lifecycle.Pause(r.Context(), tenantID, idemKey)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleResume(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFromContext(r.Context())

	idemKey, ok := idempotencyKey(w, r)
	if !ok {
		return
	}

	res, err := s.lifecycle.Resume(r.Context(), tenantID, idemKey)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFromContext(r.Context())

	idemKey, ok := idempotencyKey(w, r)
	if !ok {
		return
	}

	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mode := lifecycle.CancelPeriodEnd
	if req.Mode == string(lifecycle.CancelImmediate) {
		mode = lifecycle.CancelImmediate
	}

	res, err := s.lifecycle.Cancel(r.Context(), tenantID, mode, idemKey, time.Now().UTC())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleSummary(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := TenantFromContext(r.Context())

	summary, err := s.Summary(r.Context(), tenantID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// writeDomainError maps billing errors to HTTP statuses. Anything unmapped
// is a 500 and gets logged; mapped errors are the client's problem.
func (s *Service) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrSubscriptionNotFound):
		writeError(w, http.StatusNotFound, "no subscription")
	case errors.Is(err, lifecycle.ErrPlanNotFound):
		writeError(w, http.StatusNotFound, "unknown plan")
	case errors.Is(err, lifecycle.ErrAlreadySubscribed):
		writeError(w, http.StatusConflict, "tenant already has a subscription")
	case errors.Is(err, lifecycle.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, "idempotency key was used for a different operation")
	case errors.Is(err, lifecycle.ErrMissingIdempotency):
		writeError(w, http.StatusBadRequest, "Idempotency-Key header is required")
	case errors.Is(err, lifecycle.ErrDowngradeBlocked):
		writeError(w, http.StatusConflict, "current usage exceeds the target plan's limits")
	case errors.Is(err, lifecycle.ErrStaleEvent):
		writeError(w, http.StatusConflict, "a newer change exists")
	case lifecycle.IsInvalidTransition(err):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrInvalidUsageType):
		writeError(w, http.StatusNotFound, "unknown usage type")
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "amount must be positive")
	default:
		s.log.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// idempotencyKey pulls the required header, writing the 400 itself when
// absent so handlers can early-return.
func idempotencyKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "Idempotency-Key header is required")
		return "", false
	}
	return key, true
}

func statusForResult(res *lifecycle.Result, created int) int {
	if res.Replayed {
		return http.StatusOK
	}
	return created
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close() //nolint:errcheck
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil // empty body, zero-value request
		}
		return errors.New("invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
