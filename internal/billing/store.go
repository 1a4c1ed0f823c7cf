package billing

import (
	"context"

	"github.com/PortNumber53/taskboard-billing/backend/internal/models"
)

// Store runs reconciliation steps inside a single transaction. When fn
// returns an error the transaction is rolled back.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the set of reads and writes one reconciliation may perform.
type Tx interface {
	ListPlans(ctx context.Context) ([]models.Plan, error)

	// LockUser serialises concurrent checkouts for the same user until the
	// transaction ends.
	LockUser(ctx context.Context, userID int64) error

	// GetSubscriptionByExternalID returns nil, nil when no row matches. The
	// row stays locked until the transaction ends.
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error)

	// GetUnlinkedSubscriptionByCustomerID finds the newest subscription for
	// a provider customer that has no external subscription id yet.
	GetUnlinkedSubscriptionByCustomerID(ctx context.Context, customerID string) (*models.Subscription, error)

	// ListSubscriptionsForUser returns the user's history with every row
	// locked until the transaction ends.
	ListSubscriptionsForUser(ctx context.Context, userID int64) ([]models.Subscription, error)

	// InsertSubscription reports created=false when a row with the same
	// external subscription id already exists.
	InsertSubscription(ctx context.Context, sub *models.Subscription) (bool, error)
	UpdateSubscription(ctx context.Context, sub *models.Subscription) error

	// ExpireSubscriptions moves the user's active and cancelled
	// subscriptions to expired and returns how many rows changed.
	ExpireSubscriptions(ctx context.Context, userID int64) (int64, error)

	// InsertPayment reports created=false when the same invoice was already
	// recorded with the same status.
	InsertPayment(ctx context.Context, payment *models.Payment) (bool, error)
}
