package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus is the internal lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// ParseSubscriptionStatus converts a stored status string.
func ParseSubscriptionStatus(raw string) (SubscriptionStatus, error) {
	switch SubscriptionStatus(raw) {
	case SubscriptionActive, SubscriptionCancelled, SubscriptionPastDue, SubscriptionExpired:
		return SubscriptionStatus(raw), nil
	default:
		return "", fmt.Errorf("unknown subscription status %q", raw)
	}
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// Setting the current status again is always allowed; expired is terminal.
func (s SubscriptionStatus) CanTransitionTo(next SubscriptionStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case SubscriptionActive:
		return next == SubscriptionPastDue || next == SubscriptionCancelled || next == SubscriptionExpired
	case SubscriptionPastDue:
		return next == SubscriptionActive || next == SubscriptionExpired
	case SubscriptionCancelled:
		return next == SubscriptionActive || next == SubscriptionExpired
	case SubscriptionExpired:
		return false
	default:
		return false
	}
}

// Subscription is one user's relationship to a plan over a time window.
type Subscription struct {
	ID                     int64              `json:"id"`
	UserID                 int64              `json:"user_id"`
	PlanID                 int64              `json:"plan_id"`
	Plan                   *Plan              `json:"plan,omitempty"`
	Status                 SubscriptionStatus `json:"status"`
	ExternalSubscriptionID *string            `json:"external_subscription_id,omitempty"`
	ExternalCustomerID     *string            `json:"external_customer_id,omitempty"`
	StartsAt               time.Time          `json:"starts_at"`
	EndsAt                 *time.Time         `json:"ends_at,omitempty"`
	CancelledAt            *time.Time         `json:"cancelled_at,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// Validate checks the row-level invariants of a subscription.
func (s *Subscription) Validate() error {
	if s.UserID == 0 {
		return fmt.Errorf("subscription user_id is required")
	}
	if s.EndsAt != nil && s.EndsAt.Before(s.StartsAt) {
		return fmt.Errorf("subscription ends_at %s is before starts_at %s",
			s.EndsAt.Format(time.RFC3339), s.StartsAt.Format(time.RFC3339))
	}
	return nil
}

// PaymentStatus is the outcome of a money movement.
type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "completed"
	PaymentPending   PaymentStatus = "pending"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

// PaymentType describes why a payment happened.
type PaymentType string

const (
	PaymentInitial PaymentType = "initial"
	PaymentRenewal PaymentType = "renewal"
	PaymentUpgrade PaymentType = "upgrade"
)

// Payment is an append-only ledger entry. Corrections are new rows.
type Payment struct {
	ID                int64           `json:"id"`
	UserID            int64           `json:"user_id"`
	SubscriptionID    *int64          `json:"subscription_id,omitempty"`
	PlanID            int64           `json:"plan_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            PaymentStatus   `json:"status"`
	Type              PaymentType     `json:"type"`
	ExternalPaymentID *string         `json:"external_payment_id,omitempty"`
	ExternalInvoiceID *string         `json:"external_invoice_id,omitempty"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
	FailureCode       *string         `json:"failure_code,omitempty"`
	FailureMessage    *string         `json:"failure_message,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Validate checks the ledger invariants.
func (p *Payment) Validate() error {
	if p.Amount.IsNegative() {
		return fmt.Errorf("payment amount must not be negative")
	}
	if p.Status == PaymentCompleted && p.PaidAt == nil {
		return fmt.Errorf("completed payment requires paid_at")
	}
	switch p.Type {
	case PaymentInitial, PaymentRenewal, PaymentUpgrade:
	default:
		return fmt.Errorf("unknown payment type %q", p.Type)
	}
	return nil
}

// StringPtr returns nil for empty strings so optional columns stay NULL.
func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
