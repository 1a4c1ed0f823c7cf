package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/PortNumber53/taskboard-billing/backend/internal/catalog"
	"github.com/PortNumber53/taskboard-billing/backend/internal/models"
)

// memStore is a serialisable in-memory Store. Each transaction works on a
// copy of the state that is only kept when fn succeeds.
type memStore struct {
	mu    sync.Mutex
	state memState

	failPayments bool
}

type memState struct {
	plans    []models.Plan
	subs     []models.Subscription
	payments []models.Payment
	nextID   int64
	clock    time.Time
}

func (s memState) clone() memState {
	c := s
	c.plans = append([]models.Plan(nil), s.plans...)
	c.subs = append([]models.Subscription(nil), s.subs...)
	c.payments = append([]models.Payment(nil), s.payments...)
	return c
}

func newMemStore() *memStore {
	plans := catalog.DefaultPlans()
	for i := range plans {
		plans[i].ID = int64(i + 1)
	}
	return &memStore{state: memState{
		plans:  plans,
		nextID: 100,
		clock:  time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
	}}
}

func (s *memStore) InTx(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, state: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

func (s *memStore) subscriptions() []models.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Subscription(nil), s.state.subs...)
}

func (s *memStore) paymentRows() []models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Payment(nil), s.state.payments...)
}

// seed inserts a subscription directly, bypassing reconciliation.
func (s *memStore) seed(sub models.Subscription) models.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.nextID++
	sub.ID = s.state.nextID
	s.state.clock = s.state.clock.Add(time.Second)
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.state.clock
	}
	s.state.subs = append(s.state.subs, sub)
	return sub
}

type memTx struct {
	store *memStore
	state memState
}

func (t *memTx) withPlan(sub models.Subscription) models.Subscription {
	for i := range t.state.plans {
		if t.state.plans[i].ID == sub.PlanID {
			p := t.state.plans[i]
			sub.Plan = &p
		}
	}
	return sub
}

func (t *memTx) ListPlans(ctx context.Context) ([]models.Plan, error) {
	return append([]models.Plan(nil), t.state.plans...), nil
}

func (t *memTx) LockUser(ctx context.Context, userID int64) error { return nil }

func (t *memTx) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error) {
	for _, sub := range t.state.subs {
		if sub.ExternalSubscriptionID != nil && *sub.ExternalSubscriptionID == externalID {
			found := t.withPlan(sub)
			return &found, nil
		}
	}
	return nil, nil
}

func (t *memTx) GetUnlinkedSubscriptionByCustomerID(ctx context.Context, customerID string) (*models.Subscription, error) {
	var found *models.Subscription
	for _, sub := range t.state.subs {
		if sub.ExternalSubscriptionID != nil || sub.ExternalCustomerID == nil || *sub.ExternalCustomerID != customerID {
			continue
		}
		if found == nil || sub.CreatedAt.After(found.CreatedAt) {
			s := t.withPlan(sub)
			found = &s
		}
	}
	return found, nil
}

func (t *memTx) ListSubscriptionsForUser(ctx context.Context, userID int64) ([]models.Subscription, error) {
	var out []models.Subscription
	for _, sub := range t.state.subs {
		if sub.UserID == userID {
			out = append(out, t.withPlan(sub))
		}
	}
	return out, nil
}

func (t *memTx) InsertSubscription(ctx context.Context, sub *models.Subscription) (bool, error) {
	if err := sub.Validate(); err != nil {
		return false, err
	}
	if sub.ExternalSubscriptionID != nil {
		if existing, _ := t.GetSubscriptionByExternalID(ctx, *sub.ExternalSubscriptionID); existing != nil {
			return false, nil
		}
	}
	t.state.nextID++
	t.state.clock = t.state.clock.Add(time.Second)
	sub.ID = t.state.nextID
	sub.CreatedAt = t.state.clock
	sub.UpdatedAt = t.state.clock

	row := *sub
	row.Plan = nil
	t.state.subs = append(t.state.subs, row)
	return true, nil
}

func (t *memTx) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	for i := range t.state.subs {
		if t.state.subs[i].ID == sub.ID {
			row := *sub
			row.Plan = nil
			t.state.subs[i] = row
			return nil
		}
	}
	return errors.New("subscription not found")
}

func (t *memTx) ExpireSubscriptions(ctx context.Context, userID int64) (int64, error) {
	var n int64
	for i := range t.state.subs {
		sub := &t.state.subs[i]
		if sub.UserID != userID {
			continue
		}
		if sub.Status == models.SubscriptionActive || sub.Status == models.SubscriptionCancelled {
			sub.Status = models.SubscriptionExpired
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertPayment(ctx context.Context, payment *models.Payment) (bool, error) {
	if t.store.failPayments {
		return false, errors.New("payments table unavailable")
	}
	if err := payment.Validate(); err != nil {
		return false, err
	}
	if payment.ExternalInvoiceID != nil {
		for _, p := range t.state.payments {
			if p.ExternalInvoiceID != nil && *p.ExternalInvoiceID == *payment.ExternalInvoiceID && p.Status == payment.Status {
				return false, nil
			}
		}
	}
	t.state.nextID++
	payment.ID = t.state.nextID
	t.state.payments = append(t.state.payments, *payment)
	return true, nil
}
