package webhooks

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/dmitrijs2005/capsulekeeper/internal/logging"
	"github.com/dmitrijs2005/capsulekeeper/internal/timex"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 1 << 20

// Secrets are the per-provider signing secrets. The email secret is in
// "whsec_<base64>" form.
type Secrets struct {
	Email   string
	Mail    string
	Billing string
}

type Handler struct {
	reconciler *Reconciler
	secrets    Secrets
	metrics    *Metrics
	gatherer   prometheus.Gatherer
	now        timex.Clock
	logger     logging.Logger
}

// NewHandler builds the intake. gatherer serves /metrics; nil means the
// default registry.
func NewHandler(rec *Reconciler, secrets Secrets, metrics *Metrics, gatherer prometheus.Gatherer,
	now timex.Clock, logger logging.Logger) *Handler {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		reconciler: rec,
		secrets:    secrets,
		metrics:    metrics,
		gatherer:   gatherer,
		now:        now,
		logger:     logger.With("module", "webhooks"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/email", h.email)
		r.Post("/mail", h.mail)
		r.Post("/billing", h.billing)
	})
	return r
}

func (h *Handler) email(w http.ResponseWriter, r *http.Request) {
	body, ok := h.read(w, r, ProviderEmail)
	if !ok {
		return
	}
	now := h.now()
	if err := VerifySvix(h.secrets.Email, r.Header, body, now); err != nil {
		h.reject(w, r, ProviderEmail, err)
		return
	}

	ev, err := ParseEmailEvent(r.Header.Get("svix-id"), body, now)
	if err != nil {
		h.badRequest(w, r, ProviderEmail, err)
		return
	}
	outcome, err := h.reconciler.ApplyEmailEvent(r.Context(), ev)
	h.respond(w, r, ProviderEmail, outcome, err)
}

func (h *Handler) mail(w http.ResponseWriter, r *http.Request) {
	body, ok := h.read(w, r, ProviderMail)
	if !ok {
		return
	}
	now := h.now()
	if err := VerifyTimestamped(h.secrets.Mail, r.Header.Get("X-Mail-Signature"), body, now); err != nil {
		h.reject(w, r, ProviderMail, err)
		return
	}

	ev, err := ParseMailEvent(body, now)
	if err != nil {
		h.badRequest(w, r, ProviderMail, err)
		return
	}
	outcome, err := h.reconciler.ApplyMailEvent(r.Context(), ev)
	h.respond(w, r, ProviderMail, outcome, err)
}

func (h *Handler) billing(w http.ResponseWriter, r *http.Request) {
	body, ok := h.read(w, r, ProviderBilling)
	if !ok {
		return
	}
	if err := VerifyTimestamped(h.secrets.Billing, r.Header.Get("Stripe-Signature"), body, h.now()); err != nil {
		h.reject(w, r, ProviderBilling, err)
		return
	}

	ev, err := ParseSubscriptionEvent(body)
	if err != nil {
		h.badRequest(w, r, ProviderBilling, err)
		return
	}
	if ev == nil {
		h.respond(w, r, ProviderBilling, OutcomeIgnored, nil)
		return
	}
	outcome, err := h.reconciler.ApplySubscriptionEvent(r.Context(), ev)
	h.respond(w, r, ProviderBilling, outcome, err)
}

func (h *Handler) read(w http.ResponseWriter, r *http.Request, provider string) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.badRequest(w, r, provider, err)
		return nil, false
	}
	return body, true
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingSignature):
		return "missing_signature"
	case errors.Is(err, ErrStaleTimestamp):
		return "stale_timestamp"
	case errors.Is(err, ErrNoSecret):
		return "no_secret"
	default:
		return "invalid_signature"
	}
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, provider string, err error) {
	reason := rejectReason(err)
	h.metrics.Rejected.WithLabelValues(provider, reason).Inc()
	if errors.Is(err, ErrNoSecret) {
		h.logger.Error(r.Context(), "webhook secret missing or malformed", "provider", provider)
	} else {
		h.logger.Warn(r.Context(), "webhook signature rejected", "provider", provider, "reason", reason)
	}
	http.Error(w, "invalid signature", http.StatusUnauthorized)
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, provider string, err error) {
	h.metrics.Rejected.WithLabelValues(provider, "malformed").Inc()
	h.logger.Warn(r.Context(), "webhook payload rejected", "provider", provider, "error", err)
	http.Error(w, "malformed payload", http.StatusBadRequest)
}

// respond answers 500 on reconciler errors so the provider redelivers.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, provider, outcome string, err error) {
	if err != nil {
		h.logger.Error(r.Context(), "webhook processing failed", "provider", provider, "error", err)
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}
	h.metrics.Events.WithLabelValues(provider, outcome).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": outcome})
}
