package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/taskboard-billing/backend/internal/models"
)

const subscriptionColumns = `s.id, s.user_id, s.plan_id, s.status, s.external_subscription_id,
	s.external_customer_id, s.starts_at, s.ends_at, s.cancelled_at, s.created_at, s.updated_at,
	` + planColumns

const subscriptionFrom = `FROM subscriptions s JOIN plans p ON p.id = s.plan_id`

func scanSubscription(row scanner) (*models.Subscription, error) {
	var (
		sub         models.Subscription
		plan        models.Plan
		status      string
		externalID  sql.NullString
		customerID  sql.NullString
		endsAt      sql.NullTime
		cancelledAt sql.NullTime
		interval    string
		features    []byte
	)
	if err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &status, &externalID,
		&customerID, &sub.StartsAt, &endsAt, &cancelledAt, &sub.CreatedAt, &sub.UpdatedAt,
		&plan.ID, &plan.Name, &plan.Slug, &plan.Price, &interval, &features,
		&plan.Active, &plan.SortOrder, &plan.CreatedAt, &plan.UpdatedAt,
	); err != nil {
		return nil, err
	}

	parsed, err := models.ParseSubscriptionStatus(status)
	if err != nil {
		return nil, fmt.Errorf("subscription %d: %w", sub.ID, err)
	}
	if err := decodePlanColumns(&plan, interval, features); err != nil {
		return nil, err
	}

	sub.Status = parsed
	sub.ExternalSubscriptionID = nullStringPtr(externalID)
	sub.ExternalCustomerID = nullStringPtr(customerID)
	sub.StartsAt = sub.StartsAt.UTC()
	sub.EndsAt = nullTimePtr(endsAt)
	sub.CancelledAt = nullTimePtr(cancelledAt)
	sub.Plan = &plan
	return &sub, nil
}

func querySubscription(ctx context.Context, q queryer, query string, args ...any) (*models.Subscription, error) {
	sub, err := scanSubscription(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sub, err
}

func listSubscriptionsForUser(ctx context.Context, q queryer, userID int64, lock bool) ([]models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` ` + subscriptionFrom + `
		WHERE s.user_id = $1
		ORDER BY s.created_at DESC, s.id DESC`
	if lock {
		query += `
		FOR UPDATE OF s`
	}

	rows, err := q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return subs, nil
}

// ListSubscriptionsForUser returns the user's full subscription history,
// newest first, with plans joined.
func (s *Store) ListSubscriptionsForUser(ctx context.Context, userID int64) ([]models.Subscription, error) {
	return listSubscriptionsForUser(ctx, s.db, userID, false)
}

// ListSubscriptionsForUser locks the returned rows until the transaction ends.
func (t *txStore) ListSubscriptionsForUser(ctx context.Context, userID int64) ([]models.Subscription, error) {
	return listSubscriptionsForUser(ctx, t.q, userID, true)
}

func (t *txStore) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` ` + subscriptionFrom + `
		WHERE s.external_subscription_id = $1
		FOR UPDATE OF s`

	sub, err := querySubscription(ctx, t.q, query, externalID)
	if err != nil {
		return nil, fmt.Errorf("get subscription by external id: %w", err)
	}
	return sub, nil
}

func (t *txStore) GetUnlinkedSubscriptionByCustomerID(ctx context.Context, customerID string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` ` + subscriptionFrom + `
		WHERE s.external_subscription_id IS NULL AND s.external_customer_id = $1
		ORDER BY s.created_at DESC, s.id DESC
		LIMIT 1
		FOR UPDATE OF s`

	sub, err := querySubscription(ctx, t.q, query, customerID)
	if err != nil {
		return nil, fmt.Errorf("get unlinked subscription by customer: %w", err)
	}
	return sub, nil
}

func (t *txStore) InsertSubscription(ctx context.Context, sub *models.Subscription) (bool, error) {
	if err := sub.Validate(); err != nil {
		return false, err
	}

	query := `INSERT INTO subscriptions
		(user_id, plan_id, status, external_subscription_id, external_customer_id, starts_at, ends_at, cancelled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (external_subscription_id) DO NOTHING
		RETURNING id, created_at, updated_at`

	err := t.q.QueryRowContext(ctx, query,
		sub.UserID, sub.PlanID, string(sub.Status), sub.ExternalSubscriptionID, sub.ExternalCustomerID,
		sub.StartsAt, sub.EndsAt, sub.CancelledAt,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows), isUniqueViolation(err):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("insert subscription: %w", err)
	}
	return true, nil
}

func (t *txStore) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	query := `UPDATE subscriptions
		SET plan_id = $2,
		    status = $3,
		    external_subscription_id = $4,
		    external_customer_id = $5,
		    ends_at = $6,
		    cancelled_at = $7,
		    updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err := t.q.QueryRowContext(ctx, query,
		sub.ID, sub.PlanID, string(sub.Status), sub.ExternalSubscriptionID, sub.ExternalCustomerID,
		sub.EndsAt, sub.CancelledAt,
	).Scan(&sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSubscriptionNotFound
	}
	if err != nil {
		return fmt.Errorf("update subscription %d: %w", sub.ID, err)
	}
	return nil
}

func (t *txStore) ExpireSubscriptions(ctx context.Context, userID int64) (int64, error) {
	res, err := t.q.ExecContext(ctx, `UPDATE subscriptions
		SET status = 'expired', updated_at = now()
		WHERE user_id = $1 AND status IN ('active', 'cancelled')`, userID)
	if err != nil {
		return 0, fmt.Errorf("expire subscriptions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire subscriptions: %w", err)
	}
	return n, nil
}

// ExpireLapsedSubscriptions moves cancelled subscriptions whose paid period
// ended at or before now to expired.
func (s *Store) ExpireLapsedSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE subscriptions
		SET status = 'expired', updated_at = now()
		WHERE status = 'cancelled' AND ends_at IS NOT NULL AND ends_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire lapsed subscriptions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire lapsed subscriptions: %w", err)
	}
	return n, nil
}
