// Package billing applies payment-provider events to local subscription and
// payment records. Every operation is replay-safe: running it twice, or
// running two events for the same external subscription in either order,
// converges on the same rows.
package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/PortNumber53/taskboard-billing/backend/internal/catalog"
	"github.com/PortNumber53/taskboard-billing/backend/internal/entitlement"
	"github.com/PortNumber53/taskboard-billing/backend/internal/models"
)

// CheckoutCompleted is a finished checkout session.
type CheckoutCompleted struct {
	UserID                 int64
	ExternalSubscriptionID string
	ExternalCustomerID     string
	ExternalPaymentID      string
	AmountPaid             decimal.Decimal
	Currency               string
}

// SubscriptionSynced carries the provider's view of a subscription. Epoch
// fields are seconds; nil means the provider did not send them.
type SubscriptionSynced struct {
	ExternalSubscriptionID string
	ExternalCustomerID     string
	ExternalStatus         string
	CurrentPeriodEnd       *int64
	CancelledAt            *int64
}

// SubscriptionRemoved is the provider deleting a subscription.
type SubscriptionRemoved struct {
	ExternalSubscriptionID string
}

// InvoicePaid is a successful charge, normally a renewal.
type InvoicePaid struct {
	ExternalSubscriptionID  string
	ExternalPaymentIntentID string
	ExternalInvoiceID       string
	AmountPaid              decimal.Decimal
	Currency                string
}

// InvoicePaymentFailed is a failed charge attempt.
type InvoicePaymentFailed struct {
	ExternalSubscriptionID string
	ExternalInvoiceID      string
	AmountDue              decimal.Decimal
	Currency               string
	FailureCode            string
	FailureMessage         string
}

// Reconciler applies billing events to persisted state.
type Reconciler struct {
	store  Store
	policy catalog.FallbackPolicy
}

// NewReconciler creates a Reconciler resolving plans with policy.
func NewReconciler(store Store, policy catalog.FallbackPolicy) *Reconciler {
	return &Reconciler{store: store, policy: policy}
}

// CheckoutCompleted creates the user's new subscription and its initial
// payment, expiring anything it supersedes.
func (r *Reconciler) CheckoutCompleted(ctx context.Context, in CheckoutCompleted, now time.Time) (Outcome, error) {
	logger := log.With().
		Str("op", "checkout_completed").
		Int64("user_id", in.UserID).
		Str("external_subscription_id", in.ExternalSubscriptionID).
		Logger()

	if in.ExternalSubscriptionID == "" {
		logger.Warn().Str("reason", string(SkipMissingCorrelationID)).Msg("checkout without subscription id ignored")
		return skipped(SkipMissingCorrelationID), nil
	}
	if in.UserID <= 0 {
		logger.Warn().Str("reason", string(SkipMissingUser)).Msg("checkout without user reference ignored")
		return skipped(SkipMissingUser), nil
	}
	if in.AmountPaid.IsNegative() {
		logger.Warn().Str("reason", string(SkipInvalidData)).Str("amount", in.AmountPaid.String()).Msg("checkout with negative amount ignored")
		return skipped(SkipInvalidData), nil
	}

	var subID int64
	err := r.store.InTx(ctx, func(tx Tx) error {
		if err := tx.LockUser(ctx, in.UserID); err != nil {
			return err
		}

		existing, err := tx.GetSubscriptionByExternalID(ctx, in.ExternalSubscriptionID)
		if err != nil {
			return err
		}
		if existing != nil {
			logger.Info().Str("reason", string(SkipDuplicateSubscription)).Int64("subscription_id", existing.ID).Msg("checkout already reconciled")
			return skip(SkipDuplicateSubscription)
		}

		history, err := tx.ListSubscriptionsForUser(ctx, in.UserID)
		if err != nil {
			return err
		}
		if current := entitlement.SelectCurrent(history, now); entitlement.HasAccess(current, now) {
			logger.Warn().Str("reason", string(SkipAlreadySubscribed)).Int64("subscription_id", current.ID).Msg("user already has access; refusing second subscription")
			return skip(SkipAlreadySubscribed)
		}

		plans, err := tx.ListPlans(ctx)
		if err != nil {
			return err
		}
		plan, how, ok := catalog.New(plans, r.policy).Resolve(in.AmountPaid)
		if !ok {
			logger.Error().Str("reason", string(SkipPlanUnresolved)).Str("amount", in.AmountPaid.String()).Msg("no plan matches checkout amount")
			return skip(SkipPlanUnresolved)
		}
		logger.Debug().Str("plan", plan.Slug).Str("resolved_by", string(how)).Msg("plan resolved")

		endsAt, err := plan.Interval.AddTo(now)
		if err != nil {
			return fmt.Errorf("billing: plan %s: %w", plan.Slug, err)
		}

		expired, err := tx.ExpireSubscriptions(ctx, in.UserID)
		if err != nil {
			return err
		}
		if expired > 0 {
			logger.Info().Int64("expired", expired).Msg("superseded previous subscriptions")
		}

		sub := &models.Subscription{
			UserID:                 in.UserID,
			PlanID:                 plan.ID,
			Plan:                   &plan,
			Status:                 models.SubscriptionActive,
			ExternalSubscriptionID: models.StringPtr(in.ExternalSubscriptionID),
			ExternalCustomerID:     models.StringPtr(in.ExternalCustomerID),
			StartsAt:               now,
			EndsAt:                 &endsAt,
		}
		created, err := tx.InsertSubscription(ctx, sub)
		if err != nil {
			return err
		}
		if !created {
			logger.Info().Str("reason", string(SkipDuplicateSubscription)).Msg("concurrent checkout already created subscription")
			return skip(SkipDuplicateSubscription)
		}
		subID = sub.ID

		if in.AmountPaid.IsPositive() {
			payment := &models.Payment{
				UserID:            in.UserID,
				SubscriptionID:    &sub.ID,
				PlanID:            plan.ID,
				Amount:            in.AmountPaid,
				Currency:          normalizeCurrency(in.Currency),
				Status:            models.PaymentCompleted,
				Type:              models.PaymentInitial,
				ExternalPaymentID: models.StringPtr(in.ExternalPaymentID),
				PaidAt:            models.TimePtr(now),
			}
			if _, err := tx.InsertPayment(ctx, payment); err != nil {
				return err
			}
		}

		logger.Info().Int64("subscription_id", sub.ID).Str("plan", plan.Slug).Msg("subscription created")
		return nil
	})
	return resolve(err, subID)
}

// SubscriptionStatusSynced overwrites status and period fields with the
// provider's values. Created and updated provider events share this path.
func (r *Reconciler) SubscriptionStatusSynced(ctx context.Context, in SubscriptionSynced, now time.Time) (Outcome, error) {
	logger := log.With().
		Str("op", "subscription_synced").
		Str("external_subscription_id", in.ExternalSubscriptionID).
		Str("external_status", in.ExternalStatus).
		Logger()

	if in.ExternalSubscriptionID == "" {
		logger.Warn().Str("reason", string(SkipMissingCorrelationID)).Msg("subscription sync without id ignored")
		return skipped(SkipMissingCorrelationID), nil
	}

	var (
		subID   int64
		refused bool
	)
	err := r.store.InTx(ctx, func(tx Tx) error {
		sub, err := r.findOrLink(ctx, tx, in.ExternalSubscriptionID, in.ExternalCustomerID, logger)
		if err != nil {
			return err
		}
		if sub == nil {
			logger.Info().Str("reason", string(SkipSubscriptionNotFound)).Msg("no local subscription yet; waiting for checkout")
			return skip(SkipSubscriptionNotFound)
		}
		subID = sub.ID

		// A refused status change still carries the period, cancellation and
		// link fields; only the status stays put.
		if status, ok := MapExternalStatus(in.ExternalStatus); !ok {
			logger.Warn().Int64("subscription_id", sub.ID).Msg("unknown provider status; keeping local status")
		} else if !sub.Status.CanTransitionTo(status) {
			logger.Warn().
				Str("reason", string(SkipInvalidTransition)).
				Str("from", string(sub.Status)).
				Str("to", string(status)).
				Msg("status transition not allowed; keeping local status")
			refused = true
		} else {
			sub.Status = status
		}

		if in.CurrentPeriodEnd != nil && *in.CurrentPeriodEnd > 0 {
			endsAt := time.Unix(*in.CurrentPeriodEnd, 0).UTC()
			if endsAt.Before(sub.StartsAt) {
				logger.Warn().Time("period_end", endsAt).Time("starts_at", sub.StartsAt).Msg("period end precedes start; keeping ends_at")
			} else {
				sub.EndsAt = &endsAt
			}
		}

		if in.CancelledAt != nil && *in.CancelledAt != 0 {
			sub.CancelledAt = models.TimePtr(time.Unix(*in.CancelledAt, 0).UTC())
		} else if !refused {
			sub.CancelledAt = nil
		}

		if in.ExternalCustomerID != "" && sub.ExternalCustomerID == nil {
			sub.ExternalCustomerID = models.StringPtr(in.ExternalCustomerID)
		}

		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		logger.Info().Int64("subscription_id", sub.ID).Str("status", string(sub.Status)).Msg("subscription synced")
		return nil
	})
	if err == nil && refused {
		return Outcome{Skipped: SkipInvalidTransition, SubscriptionID: subID}, nil
	}
	return resolve(err, subID)
}

func (r *Reconciler) findOrLink(ctx context.Context, tx Tx, externalID, customerID string, logger zerolog.Logger) (*models.Subscription, error) {
	sub, err := tx.GetSubscriptionByExternalID(ctx, externalID)
	if err != nil || sub != nil || customerID == "" {
		return sub, err
	}

	sub, err = tx.GetUnlinkedSubscriptionByCustomerID(ctx, customerID)
	if err != nil || sub == nil {
		return sub, err
	}
	sub.ExternalSubscriptionID = models.StringPtr(externalID)
	logger.Info().Int64("subscription_id", sub.ID).Str("external_customer_id", customerID).Msg("linked external subscription id")
	return sub, nil
}

// SubscriptionRemoved expires the subscription the provider deleted.
func (r *Reconciler) SubscriptionRemoved(ctx context.Context, in SubscriptionRemoved, now time.Time) (Outcome, error) {
	logger := log.With().
		Str("op", "subscription_removed").
		Str("external_subscription_id", in.ExternalSubscriptionID).
		Logger()

	if in.ExternalSubscriptionID == "" {
		logger.Warn().Str("reason", string(SkipMissingCorrelationID)).Msg("subscription removal without id ignored")
		return skipped(SkipMissingCorrelationID), nil
	}

	var subID int64
	err := r.store.InTx(ctx, func(tx Tx) error {
		sub, err := tx.GetSubscriptionByExternalID(ctx, in.ExternalSubscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			logger.Info().Str("reason", string(SkipSubscriptionNotFound)).Msg("removed subscription unknown locally")
			return skip(SkipSubscriptionNotFound)
		}
		subID = sub.ID
		if sub.Status == models.SubscriptionExpired {
			return skip(SkipAlreadyApplied)
		}

		sub.Status = models.SubscriptionExpired
		sub.CancelledAt = models.TimePtr(now)
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		logger.Info().Int64("subscription_id", sub.ID).Msg("subscription expired")
		return nil
	})
	return resolve(err, subID)
}

// InvoicePaid records a completed renewal payment.
func (r *Reconciler) InvoicePaid(ctx context.Context, in InvoicePaid, now time.Time) (Outcome, error) {
	logger := log.With().
		Str("op", "invoice_paid").
		Str("external_subscription_id", in.ExternalSubscriptionID).
		Str("external_invoice_id", in.ExternalInvoiceID).
		Logger()

	if in.ExternalSubscriptionID == "" {
		logger.Info().Str("reason", string(SkipOneTimePayment)).Msg("invoice outside subscription scope ignored")
		return skipped(SkipOneTimePayment), nil
	}
	if in.AmountPaid.IsNegative() {
		logger.Warn().Str("reason", string(SkipInvalidData)).Str("amount", in.AmountPaid.String()).Msg("invoice with negative amount ignored")
		return skipped(SkipInvalidData), nil
	}

	var subID int64
	err := r.store.InTx(ctx, func(tx Tx) error {
		sub, err := tx.GetSubscriptionByExternalID(ctx, in.ExternalSubscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			logger.Warn().Str("reason", string(SkipSubscriptionNotFound)).Msg("invoice paid before subscription is known")
			return skip(SkipSubscriptionNotFound)
		}
		subID = sub.ID

		payment := &models.Payment{
			UserID:            sub.UserID,
			SubscriptionID:    &sub.ID,
			PlanID:            sub.PlanID,
			Amount:            in.AmountPaid,
			Currency:          normalizeCurrency(in.Currency),
			Status:            models.PaymentCompleted,
			Type:              models.PaymentRenewal,
			ExternalPaymentID: models.StringPtr(in.ExternalPaymentIntentID),
			ExternalInvoiceID: models.StringPtr(in.ExternalInvoiceID),
			PaidAt:            models.TimePtr(now),
		}
		created, err := tx.InsertPayment(ctx, payment)
		if err != nil {
			return err
		}
		if !created {
			logger.Info().Str("reason", string(SkipDuplicatePayment)).Msg("invoice payment already recorded")
			return skip(SkipDuplicatePayment)
		}
		logger.Info().Int64("subscription_id", sub.ID).Str("amount", in.AmountPaid.String()).Msg("renewal payment recorded")
		return nil
	})
	return resolve(err, subID)
}

// InvoicePaymentFailed marks the subscription past due and records the
// failed attempt.
func (r *Reconciler) InvoicePaymentFailed(ctx context.Context, in InvoicePaymentFailed, now time.Time) (Outcome, error) {
	logger := log.With().
		Str("op", "invoice_payment_failed").
		Str("external_subscription_id", in.ExternalSubscriptionID).
		Str("external_invoice_id", in.ExternalInvoiceID).
		Logger()

	if in.ExternalSubscriptionID == "" {
		logger.Info().Str("reason", string(SkipOneTimePayment)).Msg("failed invoice outside subscription scope ignored")
		return skipped(SkipOneTimePayment), nil
	}
	if in.AmountDue.IsNegative() {
		logger.Warn().Str("reason", string(SkipInvalidData)).Str("amount", in.AmountDue.String()).Msg("failed invoice with negative amount ignored")
		return skipped(SkipInvalidData), nil
	}

	var subID int64
	err := r.store.InTx(ctx, func(tx Tx) error {
		sub, err := tx.GetSubscriptionByExternalID(ctx, in.ExternalSubscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			logger.Warn().Str("reason", string(SkipSubscriptionNotFound)).Msg("payment failed for unknown subscription")
			return skip(SkipSubscriptionNotFound)
		}
		subID = sub.ID

		if sub.Status.CanTransitionTo(models.SubscriptionPastDue) {
			if sub.Status != models.SubscriptionPastDue {
				sub.Status = models.SubscriptionPastDue
				if err := tx.UpdateSubscription(ctx, sub); err != nil {
					return err
				}
			}
		} else {
			logger.Warn().Str("from", string(sub.Status)).Msg("cannot mark subscription past due; recording payment only")
		}

		payment := &models.Payment{
			UserID:            sub.UserID,
			SubscriptionID:    &sub.ID,
			PlanID:            sub.PlanID,
			Amount:            in.AmountDue,
			Currency:          normalizeCurrency(in.Currency),
			Status:            models.PaymentFailed,
			Type:              models.PaymentRenewal,
			ExternalInvoiceID: models.StringPtr(in.ExternalInvoiceID),
			FailureCode:       models.StringPtr(in.FailureCode),
			FailureMessage:    models.StringPtr(in.FailureMessage),
		}
		if _, err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}
		logger.Info().Int64("subscription_id", sub.ID).Str("status", string(sub.Status)).Msg("payment failure recorded")
		return nil
	})
	return resolve(err, subID)
}

func normalizeCurrency(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}
