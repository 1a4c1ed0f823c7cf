package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/taskboard-billing/backend/internal/billing"
	"github.com/PortNumber53/taskboard-billing/backend/internal/metrics"
)

// Reconciler is the set of billing operations events are routed to.
type Reconciler interface {
	CheckoutCompleted(ctx context.Context, in billing.CheckoutCompleted, now time.Time) (billing.Outcome, error)
	SubscriptionStatusSynced(ctx context.Context, in billing.SubscriptionSynced, now time.Time) (billing.Outcome, error)
	SubscriptionRemoved(ctx context.Context, in billing.SubscriptionRemoved, now time.Time) (billing.Outcome, error)
	InvoicePaid(ctx context.Context, in billing.InvoicePaid, now time.Time) (billing.Outcome, error)
	InvoicePaymentFailed(ctx context.Context, in billing.InvoicePaymentFailed, now time.Time) (billing.Outcome, error)
}

// Router dispatches decoded events.
type Router struct {
	reconciler Reconciler
}

// NewRouter creates a Router backed by reconciler.
func NewRouter(reconciler Reconciler) *Router {
	return &Router{reconciler: reconciler}
}

// Dispatch applies ev. A non-nil error is a storage failure; every business
// outcome, including ignored event types, comes back as an Outcome.
func (r *Router) Dispatch(ctx context.Context, ev Event, now time.Time) (billing.Outcome, error) {
	start := time.Now()
	eventType := ev.EventType()

	var (
		out billing.Outcome
		err error
	)
	switch e := ev.(type) {
	case CheckoutCompleted:
		out, err = r.reconciler.CheckoutCompleted(ctx, e.CheckoutCompleted, now)
	case SubscriptionSynced:
		out, err = r.reconciler.SubscriptionStatusSynced(ctx, e.SubscriptionSynced, now)
	case SubscriptionRemoved:
		out, err = r.reconciler.SubscriptionRemoved(ctx, e.SubscriptionRemoved, now)
	case InvoicePaid:
		out, err = r.reconciler.InvoicePaid(ctx, e.InvoicePaid, now)
	case InvoicePaymentFailed:
		out, err = r.reconciler.InvoicePaymentFailed(ctx, e.InvoicePaymentFailed, now)
	case Unknown:
		log.Info().Str("event_type", eventType).Str("event_id", ev.EventID()).Msg("webhook ignored (unhandled type)")
		metrics.WebhookEventsTotal.WithLabelValues("unhandled", "ignored").Inc()
		return billing.Outcome{}, nil
	default:
		return billing.Outcome{}, fmt.Errorf("webhook: unsupported event %T", ev)
	}

	metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "error").Inc()
		log.Error().Err(err).Str("event_type", eventType).Str("event_id", ev.EventID()).Msg("webhook reconciliation failed")
		return out, err
	}
	metrics.WebhookEventsTotal.WithLabelValues(eventType, out.Label()).Inc()
	log.Debug().Str("event_type", eventType).Str("event_id", ev.EventID()).Str("outcome", out.Label()).Msg("webhook dispatched")
	return out, nil
}
