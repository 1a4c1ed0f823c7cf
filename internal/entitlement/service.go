package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/PortNumber53/taskboard-billing/backend/internal/models"
)

const freePlanName = "Free"

// SubscriptionLister loads every subscription a user has ever held, with the
// plan joined in.
type SubscriptionLister interface {
	ListSubscriptionsForUser(ctx context.Context, userID int64) ([]models.Subscription, error)
}

// Summary is the entitlement snapshot served to the rest of the application.
type Summary struct {
	UserID        int64                `json:"user_id"`
	HasAccess     bool                 `json:"has_access"`
	Active        bool                 `json:"is_active"`
	InGracePeriod bool                 `json:"in_grace_period"`
	PlanName      string               `json:"plan_name"`
	Tier          models.PlanTier      `json:"tier"`
	Subscription  *models.Subscription `json:"subscription,omitempty"`
}

// Service answers per-user entitlement queries.
type Service struct {
	subs SubscriptionLister
	now  func() time.Time
}

// NewService creates a Service. A nil clock defaults to time.Now in UTC.
func NewService(subs SubscriptionLister, now func() time.Time) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{subs: subs, now: now}
}

// CurrentSubscription returns the user's current subscription, or nil.
func (s *Service) CurrentSubscription(ctx context.Context, userID int64) (*models.Subscription, error) {
	subs, err := s.subs.ListSubscriptionsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("entitlement: list subscriptions: %w", err)
	}
	return SelectCurrent(subs, s.now()), nil
}

// HasAccess reports whether the user currently has paid access.
func (s *Service) HasAccess(ctx context.Context, userID int64) (bool, error) {
	now := s.now()
	subs, err := s.subs.ListSubscriptionsForUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("entitlement: list subscriptions: %w", err)
	}
	return HasAccess(SelectCurrent(subs, now), now), nil
}

// PlanName returns the display name of the plan the user has access to, or
// "Free".
func (s *Service) PlanName(ctx context.Context, userID int64) (string, error) {
	summary, err := s.Summary(ctx, userID)
	if err != nil {
		return "", err
	}
	return summary.PlanName, nil
}

// Summary evaluates every entitlement predicate against one clock reading.
func (s *Service) Summary(ctx context.Context, userID int64) (Summary, error) {
	now := s.now()
	subs, err := s.subs.ListSubscriptionsForUser(ctx, userID)
	if err != nil {
		return Summary{}, fmt.Errorf("entitlement: list subscriptions: %w", err)
	}

	current := SelectCurrent(subs, now)
	summary := Summary{
		UserID:        userID,
		HasAccess:     HasAccess(current, now),
		Active:        IsCurrentlyActive(current, now),
		InGracePeriod: InGracePeriod(current, now),
		PlanName:      freePlanName,
		Tier:          TierOf(current, now),
		Subscription:  current,
	}
	if summary.HasAccess && current.Plan != nil {
		summary.PlanName = current.Plan.Name
	}
	return summary, nil
}
