package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/taskboard-billing/backend/internal/billing"
	"github.com/PortNumber53/taskboard-billing/backend/internal/catalog"
	"github.com/PortNumber53/taskboard-billing/backend/internal/entitlement"
	"github.com/PortNumber53/taskboard-billing/backend/internal/models"
)

// PlanLister loads the plan table.
type PlanLister interface {
	ListPlans(ctx context.Context) ([]models.Plan, error)
}

// EntitlementReader answers access queries for a user.
type EntitlementReader interface {
	Summary(ctx context.Context, userID int64) (entitlement.Summary, error)
}

// PaymentLister loads a user's payment ledger.
type PaymentLister interface {
	ListPayments(ctx context.Context, userID int64, limit int) ([]models.Payment, error)
}

// SubscriptionActions are the user-initiated lifecycle changes.
type SubscriptionActions interface {
	Cancel(ctx context.Context, userID int64, now time.Time) (*models.Subscription, error)
	Resume(ctx context.Context, userID int64, now time.Time) (*models.Subscription, error)
}

// BillingHandler holds dependencies for the billing read and action routes.
type BillingHandler struct {
	Plans        PlanLister
	Entitlements EntitlementReader
	Payments     PaymentLister
	Actions      SubscriptionActions
	Now          func() time.Time
}

// NewBillingHandler creates a BillingHandler using the wall clock.
func NewBillingHandler(plans PlanLister, entitlements EntitlementReader, payments PaymentLister, actions SubscriptionActions) *BillingHandler {
	return &BillingHandler{
		Plans:        plans,
		Entitlements: entitlements,
		Payments:     payments,
		Actions:      actions,
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes registers plan and billing routes
func (h *BillingHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/plans", h.ListPlans())
	router.Get("/api/billing/access", h.Access())
	router.Get("/api/billing/payments", h.PaymentHistory())
	router.Post("/api/billing/cancel", h.Cancel())
	router.Post("/api/billing/resume", h.Resume())
}

// ListPlans returns the active catalog in display order.
func (h *BillingHandler) ListPlans() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plans, err := h.Plans.ListPlans(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("list plans failed")
			writeError(w, http.StatusInternalServerError, "failed to list plans")
			return
		}

		active := catalog.New(plans, catalog.DefaultFallbackPolicy()).ListActive()
		writeJSON(w, http.StatusOK, map[string]any{"plans": active})
	}
}

// Access returns the entitlement summary for ?user_id=.
func (h *BillingHandler) Access() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := parseUserID(r.URL.Query().Get("user_id"))
		if !ok {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}

		summary, err := h.Entitlements.Summary(r.Context(), userID)
		if err != nil {
			log.Error().Err(err).Int64("user_id", userID).Msg("entitlement lookup failed")
			writeError(w, http.StatusInternalServerError, "failed to load entitlements")
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

// PaymentHistory returns the user's payments, newest first.
func (h *BillingHandler) PaymentHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := parseUserID(r.URL.Query().Get("user_id"))
		if !ok {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = parsed
		}

		payments, err := h.Payments.ListPayments(r.Context(), userID, limit)
		if err != nil {
			log.Error().Err(err).Int64("user_id", userID).Msg("list payments failed")
			writeError(w, http.StatusInternalServerError, "failed to list payments")
			return
		}
		if payments == nil {
			payments = []models.Payment{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
	}
}

type subscriptionActionPayload struct {
	UserID int64 `json:"user_id"`
}

// Cancel stops renewal of the user's current subscription.
func (h *BillingHandler) Cancel() http.HandlerFunc {
	return h.subscriptionAction("cancel", h.Actions.Cancel)
}

// Resume reactivates a cancelled subscription inside its paid period.
func (h *BillingHandler) Resume() http.HandlerFunc {
	return h.subscriptionAction("resume", h.Actions.Resume)
}

func (h *BillingHandler) subscriptionAction(name string, action func(context.Context, int64, time.Time) (*models.Subscription, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload subscriptionActionPayload
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if payload.UserID <= 0 {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}

		sub, err := action(r.Context(), payload.UserID, h.Now())
		switch {
		case errors.Is(err, billing.ErrNoSubscription),
			errors.Is(err, billing.ErrNoActiveSubscription),
			errors.Is(err, billing.ErrNotCancelled),
			errors.Is(err, billing.ErrGracePeriodOver):
			writeError(w, http.StatusConflict, err.Error())
			return
		case err != nil:
			log.Error().Err(err).Int64("user_id", payload.UserID).Str("action", name).Msg("subscription action failed")
			writeError(w, http.StatusInternalServerError, "failed to "+name+" subscription")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"subscription": sub})
	}
}

func parseUserID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
