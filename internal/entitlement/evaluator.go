// Package entitlement derives access decisions from subscription snapshots.
// Nothing here reads the wall clock; callers pass now explicitly.
package entitlement

import (
	"strings"
	"time"

	"github.com/PortNumber53/taskboard-billing/backend/internal/models"
)

// HasAccess reports whether sub grants access at now. Active subscriptions
// grant access until ends_at (or forever when unset); cancelled ones only
// through a set ends_at.
func HasAccess(sub *models.Subscription, now time.Time) bool {
	if sub == nil {
		return false
	}
	switch sub.Status {
	case models.SubscriptionActive:
		return sub.EndsAt == nil || sub.EndsAt.After(now)
	case models.SubscriptionCancelled:
		return sub.EndsAt != nil && sub.EndsAt.After(now)
	case models.SubscriptionPastDue, models.SubscriptionExpired:
		return false
	default:
		return false
	}
}

// IsCurrentlyActive is HasAccess without the cancelled grace period.
func IsCurrentlyActive(sub *models.Subscription, now time.Time) bool {
	if sub == nil || sub.Status != models.SubscriptionActive {
		return false
	}
	return sub.EndsAt == nil || sub.EndsAt.After(now)
}

// InGracePeriod reports a cancelled subscription that still grants access.
func InGracePeriod(sub *models.Subscription, now time.Time) bool {
	return sub != nil && sub.Status == models.SubscriptionCancelled && HasAccess(sub, now)
}

// TierFromSlug maps a plan slug to its tier by prefix.
func TierFromSlug(slug string) models.PlanTier {
	slug = strings.ToLower(strings.TrimSpace(slug))
	switch {
	case strings.HasPrefix(slug, "professional"):
		return models.TierProfessional
	case strings.HasPrefix(slug, "starter"):
		return models.TierStarter
	default:
		return models.TierFree
	}
}

// TierOf returns the tier sub grants at now. Without access, or without a
// joined plan, the result is the free tier.
func TierOf(sub *models.Subscription, now time.Time) models.PlanTier {
	if !HasAccess(sub, now) || sub.Plan == nil {
		return models.TierFree
	}
	return TierFromSlug(sub.Plan.Slug)
}

// SelectCurrent picks the user's current subscription: the most recently
// created one that is active, or cancelled with ends_at still ahead. Ties on
// creation time go to the later starts_at. Returns nil when none qualify.
func SelectCurrent(subs []models.Subscription, now time.Time) *models.Subscription {
	var current *models.Subscription
	for i := range subs {
		sub := &subs[i]
		if !isCandidate(sub, now) {
			continue
		}
		if current == nil || newer(sub, current) {
			current = sub
		}
	}
	return current
}

func isCandidate(sub *models.Subscription, now time.Time) bool {
	switch sub.Status {
	case models.SubscriptionActive:
		return true
	case models.SubscriptionCancelled:
		return sub.EndsAt != nil && sub.EndsAt.After(now)
	default:
		return false
	}
}

func newer(a, b *models.Subscription) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if !a.StartsAt.Equal(b.StartsAt) {
		return a.StartsAt.After(b.StartsAt)
	}
	return a.ID > b.ID
}
