package billing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/taskboard-billing/backend/internal/entitlement"
	"github.com/PortNumber53/taskboard-billing/backend/internal/models"
)

// Cancel stops renewal of the user's current subscription. Access continues
// until ends_at.
func (r *Reconciler) Cancel(ctx context.Context, userID int64, now time.Time) (*models.Subscription, error) {
	var result *models.Subscription
	err := r.store.InTx(ctx, func(tx Tx) error {
		if err := tx.LockUser(ctx, userID); err != nil {
			return err
		}
		subs, err := tx.ListSubscriptionsForUser(ctx, userID)
		if err != nil {
			return err
		}

		current := entitlement.SelectCurrent(subs, now)
		if !entitlement.IsCurrentlyActive(current, now) {
			return ErrNoActiveSubscription
		}

		current.Status = models.SubscriptionCancelled
		current.CancelledAt = models.TimePtr(now)
		if err := tx.UpdateSubscription(ctx, current); err != nil {
			return err
		}
		result = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Int64("user_id", userID).Int64("subscription_id", result.ID).Msg("subscription cancelled by user")
	return result, nil
}

// Resume reactivates a cancelled subscription that is still inside its paid
// period.
func (r *Reconciler) Resume(ctx context.Context, userID int64, now time.Time) (*models.Subscription, error) {
	var result *models.Subscription
	err := r.store.InTx(ctx, func(tx Tx) error {
		if err := tx.LockUser(ctx, userID); err != nil {
			return err
		}
		subs, err := tx.ListSubscriptionsForUser(ctx, userID)
		if err != nil {
			return err
		}

		current := entitlement.SelectCurrent(subs, now)
		if current == nil {
			if hasLapsedCancellation(subs) {
				return ErrGracePeriodOver
			}
			return ErrNoSubscription
		}
		if current.Status != models.SubscriptionCancelled {
			return ErrNotCancelled
		}
		if !entitlement.InGracePeriod(current, now) {
			return ErrGracePeriodOver
		}

		current.Status = models.SubscriptionActive
		current.CancelledAt = nil
		if err := tx.UpdateSubscription(ctx, current); err != nil {
			return err
		}
		result = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Int64("user_id", userID).Int64("subscription_id", result.ID).Msg("subscription resumed by user")
	return result, nil
}

// hasLapsedCancellation reports a cancellation whose period has run out,
// whether or not it has been swept to expired yet.
func hasLapsedCancellation(subs []models.Subscription) bool {
	for _, sub := range subs {
		switch sub.Status {
		case models.SubscriptionCancelled:
			return true
		case models.SubscriptionExpired:
			if sub.CancelledAt != nil {
				return true
			}
		}
	}
	return false
}
