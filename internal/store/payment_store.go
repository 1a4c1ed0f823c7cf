package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/taskboard-billing/backend/internal/models"
)

func (t *txStore) InsertPayment(ctx context.Context, payment *models.Payment) (bool, error) {
	if err := payment.Validate(); err != nil {
		return false, err
	}

	query := `INSERT INTO payments
		(user_id, subscription_id, plan_id, amount, currency, status, type,
		 external_payment_id, external_invoice_id, paid_at, failure_code, failure_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (external_invoice_id, status) DO NOTHING
		RETURNING id, created_at`

	err := t.q.QueryRowContext(ctx, query,
		payment.UserID, payment.SubscriptionID, payment.PlanID, payment.Amount, payment.Currency,
		string(payment.Status), string(payment.Type),
		payment.ExternalPaymentID, payment.ExternalInvoiceID, payment.PaidAt,
		payment.FailureCode, payment.FailureMessage,
	).Scan(&payment.ID, &payment.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows), isUniqueViolation(err):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("insert payment: %w", err)
	}
	return true, nil
}

// ListPayments returns up to limit payments for the user, newest first.
func (s *Store) ListPayments(ctx context.Context, userID int64, limit int) ([]models.Payment, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	query := `SELECT id, user_id, subscription_id, plan_id, amount, currency, status, type,
		external_payment_id, external_invoice_id, paid_at, failure_code, failure_message, created_at
		FROM payments
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		var (
			p              models.Payment
			subscriptionID sql.NullInt64
			status         string
			paymentType    string
			externalID     sql.NullString
			invoiceID      sql.NullString
			paidAt         sql.NullTime
			failureCode    sql.NullString
			failureMessage sql.NullString
		)
		if err := rows.Scan(
			&p.ID, &p.UserID, &subscriptionID, &p.PlanID, &p.Amount, &p.Currency, &status, &paymentType,
			&externalID, &invoiceID, &paidAt, &failureCode, &failureMessage, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		p.SubscriptionID = nullInt64Ptr(subscriptionID)
		p.Status = models.PaymentStatus(status)
		p.Type = models.PaymentType(paymentType)
		p.ExternalPaymentID = nullStringPtr(externalID)
		p.ExternalInvoiceID = nullStringPtr(invoiceID)
		p.PaidAt = nullTimePtr(paidAt)
		p.FailureCode = nullStringPtr(failureCode)
		p.FailureMessage = nullStringPtr(failureMessage)
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return payments, nil
}
