package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/PortNumber53/taskboard-billing/backend/internal/models"
)

// ErrPlanNotFound is returned when a plan is not found
var ErrPlanNotFound = errors.New("plan not found")

const planColumns = `p.id, p.name, p.slug, p.price, p.billing_interval, p.features,
	p.is_active, p.sort_order, p.created_at, p.updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(row scanner, p *models.Plan) error {
	var (
		interval string
		features []byte
	)
	if err := row.Scan(
		&p.ID, &p.Name, &p.Slug, &p.Price, &interval, &features,
		&p.Active, &p.SortOrder, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return err
	}
	return decodePlanColumns(p, interval, features)
}

func decodePlanColumns(p *models.Plan, interval string, features []byte) error {
	parsed, err := models.ParseBillingInterval(interval)
	if err != nil {
		return fmt.Errorf("plan %s: %w", p.Slug, err)
	}
	p.Interval = parsed
	p.Features = nil
	if len(features) > 0 {
		if err := json.Unmarshal(features, &p.Features); err != nil {
			return fmt.Errorf("plan %s: decode features: %w", p.Slug, err)
		}
	}
	return nil
}

func listPlans(ctx context.Context, q queryer) ([]models.Plan, error) {
	query := `SELECT ` + planColumns + `
		FROM plans p
		ORDER BY p.sort_order ASC, p.id ASC`

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []models.Plan
	for rows.Next() {
		var p models.Plan
		if err := scanPlan(rows, &p); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return plans, nil
}

// ListPlans returns every plan, active or not, in display order.
func (s *Store) ListPlans(ctx context.Context) ([]models.Plan, error) {
	return listPlans(ctx, s.db)
}

// ListPlans returns the catalog as seen by the running transaction.
func (t *txStore) ListPlans(ctx context.Context) ([]models.Plan, error) {
	return listPlans(ctx, t.q)
}

// UpsertPlan inserts the plan or updates the existing row with the same slug.
// The stored id and timestamps are written back into p.
func (s *Store) UpsertPlan(ctx context.Context, p *models.Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	features := p.Features
	if features == nil {
		features = []string{}
	}
	encoded, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("encode plan features: %w", err)
	}

	query := `INSERT INTO plans (name, slug, price, billing_interval, features, is_active, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (slug) DO UPDATE
		SET name = EXCLUDED.name,
		    price = EXCLUDED.price,
		    billing_interval = EXCLUDED.billing_interval,
		    features = EXCLUDED.features,
		    is_active = EXCLUDED.is_active,
		    sort_order = EXCLUDED.sort_order,
		    updated_at = now()
		RETURNING id, created_at, updated_at`

	if err := s.db.QueryRowContext(ctx, query,
		p.Name, p.Slug, p.Price, string(p.Interval), string(encoded), p.Active, p.SortOrder,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return fmt.Errorf("upsert plan %s: %w", p.Slug, err)
	}
	return nil
}

// SetPlanActive toggles whether a plan is offered. Existing subscriptions
// keep referencing it either way.
func (s *Store) SetPlanActive(ctx context.Context, slug string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE plans SET is_active = $2, updated_at = now() WHERE slug = $1`, slug, active)
	if err != nil {
		return fmt.Errorf("set plan active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set plan active: %w", err)
	}
	if n == 0 {
		return ErrPlanNotFound
	}
	return nil
}
