// Package catalog exposes the purchasable plan set and resolves inbound
// charge amounts to plans.
package catalog

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/PortNumber53/taskboard-billing/backend/internal/models"
)

const (
	defaultHighSlug = "professional-yearly"
	defaultLowSlug  = "professional-monthly"
)

// FallbackPolicy picks a plan by slug when a charged amount matches no plan
// price exactly. Amounts at or above Threshold map to HighSlug.
type FallbackPolicy struct {
	Threshold decimal.Decimal
	HighSlug  string
	LowSlug   string
}

// DefaultFallbackPolicy returns the 50 / yearly / monthly split.
func DefaultFallbackPolicy() FallbackPolicy {
	return FallbackPolicy{
		Threshold: decimal.NewFromInt(50),
		HighSlug:  defaultHighSlug,
		LowSlug:   defaultLowSlug,
	}
}

// SlugFor returns the slug the policy selects for amount.
func (p FallbackPolicy) SlugFor(amount decimal.Decimal) string {
	if amount.GreaterThanOrEqual(p.Threshold) {
		return p.HighSlug
	}
	return p.LowSlug
}

// Resolution records how a plan was picked for an amount.
type Resolution string

const (
	ResolvedByPrice    Resolution = "exact_price"
	ResolvedByFallback Resolution = "fallback_slug"
)

// Catalog is an immutable snapshot of the plan table.
type Catalog struct {
	plans  []models.Plan
	policy FallbackPolicy
}

// New builds a catalog from plan rows. The input slice is copied.
func New(plans []models.Plan, policy FallbackPolicy) *Catalog {
	cp := make([]models.Plan, len(plans))
	copy(cp, plans)
	sort.SliceStable(cp, func(i, j int) bool {
		if cp[i].SortOrder != cp[j].SortOrder {
			return cp[i].SortOrder < cp[j].SortOrder
		}
		return cp[i].ID < cp[j].ID
	})
	return &Catalog{plans: cp, policy: policy}
}

// ListActive returns the active plans ordered for display.
func (c *Catalog) ListActive() []models.Plan {
	active := make([]models.Plan, 0, len(c.plans))
	for _, p := range c.plans {
		if p.Active {
			active = append(active, p)
		}
	}
	return active
}

// FindBySlug looks a plan up by slug, active or not. Inactive plans still
// back historical subscriptions.
func (c *Catalog) FindBySlug(slug string) (models.Plan, bool) {
	for _, p := range c.plans {
		if p.Slug == slug {
			return p, true
		}
	}
	return models.Plan{}, false
}

// FindByPrice returns the first active plan (in display order) whose price
// equals amount exactly.
func (c *Catalog) FindByPrice(amount decimal.Decimal) (models.Plan, bool) {
	for _, p := range c.plans {
		if p.Active && p.Price.Equal(amount) {
			return p, true
		}
	}
	return models.Plan{}, false
}

// ResolveFallback applies the fallback policy. It only fails when the
// selected slug is missing from the catalog.
func (c *Catalog) ResolveFallback(amount decimal.Decimal) (models.Plan, bool) {
	return c.FindBySlug(c.policy.SlugFor(amount))
}

// Resolve tries an exact price match first and the fallback policy second.
func (c *Catalog) Resolve(amount decimal.Decimal) (models.Plan, Resolution, bool) {
	if p, ok := c.FindByPrice(amount); ok {
		return p, ResolvedByPrice, true
	}
	if p, ok := c.ResolveFallback(amount); ok {
		return p, ResolvedByFallback, true
	}
	return models.Plan{}, "", false
}
