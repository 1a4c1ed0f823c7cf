package catalog

import (
	"github.com/shopspring/decimal"

	"github.com/PortNumber53/taskboard-billing/backend/internal/models"
)

// DefaultPlans is the seed catalog written by `dbtool seed-plans`.
func DefaultPlans() []models.Plan {
	return []models.Plan{
		{
			Name:      "Starter",
			Slug:      "starter-monthly",
			Price:     decimal.RequireFromString("4.99"),
			Interval:  models.IntervalMonth,
			Features:  []string{"3 projects", "Unlimited tasks", "Activity feed"},
			Active:    true,
			SortOrder: 10,
		},
		{
			Name:      "Professional",
			Slug:      "professional-monthly",
			Price:     decimal.RequireFromString("9.99"),
			Interval:  models.IntervalMonth,
			Features:  []string{"Unlimited projects", "Unlimited tasks", "Activity feed", "Priority support"},
			Active:    true,
			SortOrder: 20,
		},
		{
			Name:      "Professional (Yearly)",
			Slug:      "professional-yearly",
			Price:     decimal.RequireFromString("99.99"),
			Interval:  models.IntervalYear,
			Features:  []string{"Unlimited projects", "Unlimited tasks", "Activity feed", "Priority support", "Two months free"},
			Active:    true,
			SortOrder: 30,
		},
	}
}
