package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/taskboard-billing/backend/internal/billing"
	"github.com/PortNumber53/taskboard-billing/backend/internal/metrics"
	"github.com/PortNumber53/taskboard-billing/backend/internal/webhook"
)

const webhookBodyLimit = 65536

// EventDispatcher applies one decoded webhook event.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev webhook.Event, now time.Time) (billing.Outcome, error)
}

// WebhookHandler receives payment provider webhooks.
type WebhookHandler struct {
	Verifier   *webhook.Verifier
	Dispatcher EventDispatcher
	Now        func() time.Time
}

// NewWebhookHandler creates a WebhookHandler using the wall clock.
func NewWebhookHandler(verifier *webhook.Verifier, dispatcher EventDispatcher) *WebhookHandler {
	return &WebhookHandler{
		Verifier:   verifier,
		Dispatcher: dispatcher,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes registers the webhook endpoint.
func (h *WebhookHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/webhooks/billing", h.HandleWebhook())
}

// HandleWebhook acknowledges every well-formed event with 200 so the
// provider does not retry no-ops. Only unreadable, unsigned or malformed
// bodies get a 400, oversized bodies a 413, and only storage failures a 500.
func (h *WebhookHandler) HandleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, webhookBodyLimit))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.WebhookRejectedTotal.WithLabelValues("too_large").Inc()
			log.Warn().Int64("limit", tooLarge.Limit).Msg("webhook body too large")
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		if err != nil {
			metrics.WebhookRejectedTotal.WithLabelValues("unreadable").Inc()
			writeError(w, http.StatusBadRequest, "failed to read body")
			return
		}

		if err := h.Verifier.Verify(body, r.Header.Get(webhook.SignatureHeader)); err != nil {
			metrics.WebhookRejectedTotal.WithLabelValues("signature").Inc()
			log.Warn().Err(err).Msg("webhook signature rejected")
			writeError(w, http.StatusBadRequest, "invalid signature")
			return
		}

		ev, err := webhook.Decode(body)
		switch {
		case errors.Is(err, webhook.ErrInvalidObject):
			metrics.WebhookRejectedTotal.WithLabelValues("invalid_object").Inc()
			log.Error().Err(err).Msg("webhook object could not be decoded; acknowledging")
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		case err != nil:
			metrics.WebhookRejectedTotal.WithLabelValues("malformed").Inc()
			log.Warn().Err(err).Msg("webhook payload rejected")
			writeError(w, http.StatusBadRequest, "invalid webhook payload")
			return
		}

		log.Info().Str("event_id", ev.EventID()).Str("event_type", ev.EventType()).Msg("webhook received")

		if _, err := h.Dispatcher.Dispatch(r.Context(), ev, h.Now()); err != nil {
			writeError(w, http.StatusInternalServerError, "processing failed")
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
