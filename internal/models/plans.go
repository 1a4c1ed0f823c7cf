package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BillingInterval is the recurrence period of a plan.
type BillingInterval string

const (
	IntervalDay   BillingInterval = "day"
	IntervalWeek  BillingInterval = "week"
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// ParseBillingInterval converts a stored interval string into a BillingInterval.
func ParseBillingInterval(raw string) (BillingInterval, error) {
	switch BillingInterval(strings.ToLower(strings.TrimSpace(raw))) {
	case IntervalDay:
		return IntervalDay, nil
	case IntervalWeek:
		return IntervalWeek, nil
	case IntervalMonth:
		return IntervalMonth, nil
	case IntervalYear:
		return IntervalYear, nil
	default:
		return "", fmt.Errorf("unknown billing interval %q", raw)
	}
}

// AddTo returns t advanced by one interval. Month and year steps keep the
// day-of-month when it exists in the target month and clamp to the last day
// otherwise, so Jan 31 + 1 month is Feb 28 (or 29).
func (i BillingInterval) AddTo(t time.Time) (time.Time, error) {
	switch i {
	case IntervalDay:
		return t.AddDate(0, 0, 1), nil
	case IntervalWeek:
		return t.AddDate(0, 0, 7), nil
	case IntervalMonth:
		return addMonthsClamped(t, 1), nil
	case IntervalYear:
		return addMonthsClamped(t, 12), nil
	default:
		return time.Time{}, fmt.Errorf("unknown billing interval %q", string(i))
	}
}

func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()

	target := time.Date(year, month+time.Month(months), 1, hour, minute, sec, t.Nanosecond(), t.Location())
	if last := daysIn(target.Year(), target.Month(), t.Location()); day > last {
		day = last
	}
	return time.Date(target.Year(), target.Month(), day, hour, minute, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// PlanTier is the access level implied by a plan.
type PlanTier string

const (
	TierFree         PlanTier = "free"
	TierStarter      PlanTier = "starter"
	TierProfessional PlanTier = "professional"
)

// Plan represents a purchasable tier in the catalog.
type Plan struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Slug      string          `json:"slug"`
	Price     decimal.Decimal `json:"price"`
	Interval  BillingInterval `json:"billing_interval"`
	Features  []string        `json:"features"`
	Active    bool            `json:"is_active"`
	SortOrder int             `json:"sort_order"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Validate checks the plan invariants that the catalog relies on.
func (p *Plan) Validate() error {
	if strings.TrimSpace(p.Slug) == "" {
		return fmt.Errorf("plan slug is required")
	}
	if p.Price.IsNegative() {
		return fmt.Errorf("plan %s: price must not be negative", p.Slug)
	}
	if _, err := ParseBillingInterval(string(p.Interval)); err != nil {
		return fmt.Errorf("plan %s: %w", p.Slug, err)
	}
	return nil
}
