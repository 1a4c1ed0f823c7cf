package billing

import (
	"strings"

	"github.com/PortNumber53/taskboard-billing/backend/internal/models"
)

// MapExternalStatus translates the payment provider's subscription status
// vocabulary. ok is false for values this service does not know.
func MapExternalStatus(external string) (status models.SubscriptionStatus, ok bool) {
	switch strings.ToLower(strings.TrimSpace(external)) {
	case "active", "trialing":
		return models.SubscriptionActive, true
	case "canceled", "cancelled":
		return models.SubscriptionCancelled, true
	case "past_due":
		return models.SubscriptionPastDue, true
	case "unpaid":
		return models.SubscriptionExpired, true
	default:
		return "", false
	}
}
