package billing

import (
	"errors"
	"fmt"
)

// SkipReason explains why an event left state untouched.
type SkipReason string

const (
	SkipMissingCorrelationID  SkipReason = "missing_correlation_id"
	SkipMissingUser           SkipReason = "missing_user"
	SkipDuplicateSubscription SkipReason = "duplicate_subscription"
	SkipAlreadySubscribed     SkipReason = "already_subscribed"
	SkipPlanUnresolved        SkipReason = "plan_unresolved"
	SkipSubscriptionNotFound  SkipReason = "subscription_not_found"
	SkipOneTimePayment        SkipReason = "one_time_payment"
	SkipInvalidTransition     SkipReason = "invalid_transition"
	SkipAlreadyApplied        SkipReason = "already_applied"
	SkipDuplicatePayment      SkipReason = "duplicate_payment"
	SkipInvalidData           SkipReason = "invalid_data"
)

// Outcome is the result of applying one event. Exactly one of Applied or
// Skipped is meaningful: Skipped is the zero Reason when Applied is true.
type Outcome struct {
	Applied        bool
	Skipped        SkipReason
	SubscriptionID int64
}

// Label is the short form used for metrics.
func (o Outcome) Label() string {
	if o.Applied {
		return "applied"
	}
	return "skipped_" + string(o.Skipped)
}

func applied(subscriptionID int64) Outcome {
	return Outcome{Applied: true, SubscriptionID: subscriptionID}
}

func skipped(reason SkipReason) Outcome {
	return Outcome{Skipped: reason}
}

// skipError aborts a transaction without surfacing an error to the caller.
type skipError struct {
	reason SkipReason
}

func (e *skipError) Error() string {
	return fmt.Sprintf("skip: %s", e.reason)
}

func skip(reason SkipReason) error {
	return &skipError{reason: reason}
}

// resolve turns the transaction result into an outcome. Skips become a nil
// error; anything else is a storage failure.
func resolve(err error, subscriptionID int64) (Outcome, error) {
	if err == nil {
		return applied(subscriptionID), nil
	}
	var s *skipError
	if errors.As(err, &s) {
		return skipped(s.reason), nil
	}
	return Outcome{}, err
}

// Errors returned by user-initiated actions.
var (
	ErrNoSubscription       = errors.New("billing: no subscription")
	ErrNoActiveSubscription = errors.New("billing: no active subscription")
	ErrNotCancelled         = errors.New("billing: subscription is not cancelled")
	ErrGracePeriodOver      = errors.New("billing: subscription period has already ended")
)
