package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/taskboard-billing/backend/internal/catalog"
	"github.com/PortNumber53/taskboard-billing/backend/internal/entitlement"
	"github.com/PortNumber53/taskboard-billing/backend/internal/models"
)

var testNow = time.Date(2025, time.January, 31, 10, 0, 0, 0, time.UTC)

func newTestReconciler() (*Reconciler, *memStore) {
	store := newMemStore()
	return NewReconciler(store, catalog.DefaultFallbackPolicy()), store
}

func checkout(userID int64, extID, amount string) CheckoutCompleted {
	return CheckoutCompleted{
		UserID:                 userID,
		ExternalSubscriptionID: extID,
		ExternalCustomerID:     "cus_" + extID,
		AmountPaid:             decimal.RequireFromString(amount),
		Currency:               "USD",
	}
}

func epoch(t time.Time) *int64 {
	v := t.Unix()
	return &v
}

func TestMapExternalStatus(t *testing.T) {
	cases := map[string]models.SubscriptionStatus{
		"active":   models.SubscriptionActive,
		"trialing": models.SubscriptionActive,
		"canceled": models.SubscriptionCancelled,
		"past_due": models.SubscriptionPastDue,
		"unpaid":   models.SubscriptionExpired,
	}
	for in, want := range cases {
		got, ok := MapExternalStatus(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"incomplete", "incomplete_expired", "paused", ""} {
		_, ok := MapExternalStatus(in)
		assert.False(t, ok, in)
	}
}

func TestCheckoutCreatesSubscriptionAndPayment(t *testing.T) {
	r, store := newTestReconciler()

	out, err := r.CheckoutCompleted(context.Background(), checkout(1, "sub_1", "9.99"), testNow)
	require.NoError(t, err)
	assert.True(t, out.Applied)

	subs := store.subscriptions()
	require.Len(t, subs, 1)
	sub := subs[0]
	assert.Equal(t, models.SubscriptionActive, sub.Status)
	assert.Equal(t, int64(2), sub.PlanID, "professional-monthly")
	assert.Equal(t, testNow, sub.StartsAt)
	require.NotNil(t, sub.EndsAt)
	// Jan 31 + 1 month clamps to Feb 28.
	assert.Equal(t, time.Date(2025, time.February, 28, 10, 0, 0, 0, time.UTC), *sub.EndsAt)

	payments := store.paymentRows()
	require.Len(t, payments, 1)
	p := payments[0]
	assert.True(t, p.Amount.Equal(decimal.RequireFromString("9.99")))
	assert.Equal(t, models.PaymentCompleted, p.Status)
	assert.Equal(t, models.PaymentInitial, p.Type)
	assert.Equal(t, "usd", p.Currency)
	require.NotNil(t, p.PaidAt)
	require.NotNil(t, p.SubscriptionID)
	assert.Equal(t, sub.ID, *p.SubscriptionID)
}

func TestCheckoutReplayIsIdempotent(t *testing.T) {
	r, store := newTestReconciler()
	ctx := context.Background()

	_, err := r.CheckoutCompleted(ctx, checkout(1, "sub_1", "9.99"), testNow)
	require.NoError(t, err)

	out, err := r.CheckoutCompleted(ctx, checkout(1, "sub_1", "9.99"), testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, SkipDuplicateSubscription, out.Skipped)

	assert.Len(t, store.subscriptions(), 1)
	assert.Len(t, store.paymentRows(), 1)
}

func TestCheckoutConcurrentDuplicates(t *testing.T) {
	r, store := newTestReconciler()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.CheckoutCompleted(context.Background(), checkout(1, "sub_1", "9.99"), testNow)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, store.subscriptions(), 1)
	assert.Len(t, store.paymentRows(), 1)
}

func TestCheckoutRejectsSecondSubscription(t *testing.T) {
	r, store := newTestReconciler()
	ctx := context.Background()

	_, err := r.CheckoutCompleted(ctx, checkout(1, "sub_1", "9.99"), testNow)
	require.NoError(t, err)
	before := store.subscriptions()[0]

	out, err := r.CheckoutCompleted(ctx, checkout(1, "sub_2", "99.99"), testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SkipAlreadySubscribed, out.Skipped)

	subs := store.subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, before, subs[0])
	assert.Len(t, store.paymentRows(), 1)
}

func TestCheckoutMissingCorrelation(t *testing.T) {
	r, store := newTestReconciler()

	out, err := r.CheckoutCompleted(context.Background(), checkout(1, "", "9.99"), testNow)
	require.NoError(t, err)
	assert.Equal(t, SkipMissingCorrelationID, out.Skipped)

	out, err = r.CheckoutCompleted(context.Background(), checkout(0, "sub_1", "9.99"), testNow)
	require.NoError(t, err)
	assert.Equal(t, SkipMissingUser, out.Skipped)

	assert.Empty(t, store.subscriptions())
}

func TestCheckoutFallbackToYearly(t *testing.T) {
	r, store := newTestReconciler()

	_, err := r.CheckoutCompleted(context.Background(), checkout(1, "sub_1", "120.00"), testNow)
	require.NoError(t, err)

	sub := store.subscriptions()[0]
	assert.Equal(t, int64(3), sub.PlanID, "professional-yearly")
	days := sub.EndsAt.Sub(sub.StartsAt).Hours() / 24
	assert.GreaterOrEqual(t, days, 365.0)
	assert.LessOrEqual(t, days, 366.0)
}

func TestCheckoutPlanUnresolved(t *testing.T) {
	store := newMemStore()
	store.state.plans = nil
	r := NewReconciler(store, catalog.DefaultFallbackPolicy())

	out, err := r.CheckoutCompleted(context.Background(), checkout(1, "sub_1", "9.99"), testNow)
	require.NoError(t, err)
	assert.Equal(t, SkipPlanUnresolved, out.Skipped)
	assert.Empty(t, store.subscriptions())
}

func TestCheckoutFreeAmountSkipsPayment(t *testing.T) {
	r, store := newTestReconciler()

	out, err := r.CheckoutCompleted(context.Background(), checkout(1, "sub_1", "0"), testNow)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Len(t, store.subscriptions(), 1)
	assert.Empty(t, store.paymentRows())
}

func TestCheckoutSupersedesLapsedSubscriptions(t *testing.T) {
	r, store := newTestReconciler()
	ended := testNow.Add(-24 * time.Hour)
	old := store.seed(models.Subscription{
		UserID:                 1,
		PlanID:                 2,
		Status:                 models.SubscriptionCancelled,
		ExternalSubscriptionID: models.StringPtr("sub_old"),
		StartsAt:               testNow.AddDate(0, -1, 0),
		EndsAt:                 &ended,
	})

	out, err := r.CheckoutCompleted(context.Background(), checkout(1, "sub_new", "9.99"), testNow)
	require.NoError(t, err)
	require.True(t, out.Applied)

	for _, sub := range store.subscriptions() {
		if sub.ID == old.ID {
			assert.Equal(t, models.SubscriptionExpired, sub.Status)
		} else {
			assert.Equal(t, models.SubscriptionActive, sub.Status)
		}
	}
}

func TestCheckoutRollsBackOnStorageError(t *testing.T) {
	r, store := newTestReconciler()
	store.failPayments = true

	_, err := r.CheckoutCompleted(context.Background(), checkout(1, "sub_1", "9.99"), testNow)
	require.Error(t, err)
	assert.Empty(t, store.subscriptions())
}

func TestSyncCancelledKeepsEndsAt(t *testing.T) {
	r, store := newTestReconciler()
	ctx := context.Background()
	_, err := r.CheckoutCompleted(ctx, checkout(1, "sub_1", "9.99"), testNow)
	require.NoError(t, err)
	endsBefore := *store.subscriptions()[0].EndsAt

	cancelledAt := testNow.Add(time.Hour)
	out, err := r.SubscriptionStatusSynced(ctx, SubscriptionSynced{
		ExternalSubscriptionID: "sub_1",
		ExternalStatus:         "canceled",
		CancelledAt:            epoch(cancelledAt),
	}, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, out.Applied)

	sub := store.subscriptions()[0]
	assert.Equal(t, models.SubscriptionCancelled, sub.Status)
	require.NotNil(t, sub.CancelledAt)
	assert.Equal(t, cancelledAt, *sub.CancelledAt)
	assert.Equal(t, endsBefore, *sub.EndsAt)
	assert.True(t, entitlement.HasAccess(&sub, testNow.Add(2*time.Hour)))
}

func TestSyncUpdatesPeriodEndAndClearsCancelledAt(t *testing.T) {
	r, store := newTestReconciler()
	ctx := context.Background()
	_, err := r.CheckoutCompleted(ctx, checkout(1, "sub_1", "9.99"), testNow)
	require.NoError(t, err)

	periodEnd := testNow.AddDate(0, 2, 0)
	zero := int64(0)
	_, err = r.SubscriptionStatusSynced(ctx, SubscriptionSynced{
		ExternalSubscriptionID: "sub_1",
		ExternalStatus:         "active",
		CurrentPeriodEnd:       epoch(periodEnd),
		CancelledAt:            &zero,
	}, testNow)
	require.NoError(t, err)

	sub := store.subscriptions()[0]
	assert.Equal(t, periodEnd, *sub.EndsAt)
	assert.Nil(t, sub.CancelledAt)
}

func TestSyncBackfillsExternalIDByCustomer(t *testing.T) {
	r, store := newTestReconciler()
	local := store.seed(models.Subscription{
		UserID:             1,
		PlanID:             2,
		Status:             models.SubscriptionActive,
		ExternalCustomerID: models.StringPtr("cus_42"),
		StartsAt:           testNow,
	})

	out, err := r.SubscriptionStatusSynced(context.Background(), SubscriptionSynced{
		ExternalSubscriptionID: "sub_42",
		ExternalCustomerID:     "cus_42",
		ExternalStatus:         "past_due",
	}, testNow)
	require.NoError(t, err)
	assert.Equal(t, local.ID, out.SubscriptionID)

	sub := store.subscriptions()[0]
	require.NotNil(t, sub.ExternalSubscriptionID)
	assert.Equal(t, "sub_42", *sub.ExternalSubscriptionID)
	assert.Equal(t, models.SubscriptionPastDue, sub.Status)
}

func TestSyncUnknownSubscription(t *testing.T) {
	r, _ := newTestReconciler()

	out, err := r.SubscriptionStatusSynced(context.Background(), SubscriptionSynced{
		ExternalSubscriptionID: "sub_missing",
		ExternalStatus:         "active",
	}, testNow)
	require.NoError(t, err)
	assert.Equal(t, SkipSubscriptionNotFound, out.Skipped)
}

func TestSyncUnknownStatusKeepsLocalStatus(t *testing.T) {
	r, store := newTestReconciler()
	ctx := context.Background()
	_, err := r.CheckoutCompleted(ctx, checkout(1, "sub_1", "9.99"), testNow)
	require.NoError(t, err)

	out, err := r.SubscriptionStatusSynced(ctx, SubscriptionSynced{
		ExternalSubscriptionID: "sub_1",
		ExternalStatus:         "incomplete",
	}, testNow)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, models.SubscriptionActive, store.subscriptions()[0].Status)
}

func TestSyncCannotReviveExpired(t *testing.T) {
	r, store := newTestReconciler()
	store.seed(models.Subscription{
		UserID:                 1,
		PlanID:                 2,
		Status:                 models.SubscriptionExpired,
		ExternalSubscriptionID: models.StringPtr("sub_1"),
		StartsAt:               testNow,
	})

	out, err := r.SubscriptionStatusSynced(context.Background(), SubscriptionSynced{
		ExternalSubscriptionID: "sub_1",
		ExternalStatus:         "active",
	}, testNow)
	require.NoError(t, err)
	assert.Equal(t, SkipInvalidTransition, out.Skipped)
	assert.Equal(t, models.SubscriptionExpired, store.subscriptions()[0].Status)
}

func TestSyncRefusedTransitionStillAppliesPeriodFields(t *testing.T) {
	r, store := newTestReconciler()
	ctx := context.Background()
	_, err := r.CheckoutCompleted(ctx, checkout(1, "sub_1", "9.99"), testNow)
	require.NoError(t, err)
	_, err = r.SubscriptionStatusSynced(ctx, SubscriptionSynced{
		ExternalSubscriptionID: "sub_1",
		ExternalStatus:         "past_due",
	}, testNow)
	require.NoError(t, err)

	periodEnd := testNow.AddDate(0, 3, 0)
	cancelledAt := testNow.Add(time.Hour)
	out, err := r.SubscriptionStatusSynced(ctx, SubscriptionSynced{
		ExternalSubscriptionID: "sub_1",
		ExternalStatus:         "canceled",
		CurrentPeriodEnd:       epoch(periodEnd),
		CancelledAt:            epoch(cancelledAt),
	}, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SkipInvalidTransition, out.Skipped)

	sub := store.subscriptions()[0]
	assert.Equal(t, out.SubscriptionID, sub.ID)
	assert.Equal(t, models.SubscriptionPastDue, sub.Status)
	require.NotNil(t, sub.EndsAt)
	assert.Equal(t, periodEnd, *sub.EndsAt)
	require.NotNil(t, sub.CancelledAt)
	assert.Equal(t, cancelledAt, *sub.CancelledAt)
}

func TestSyncRefusedTransitionKeepsCustomerLink(t *testing.T) {
	r, store := newTestReconciler()
	removedAt := testNow.Add(-time.Hour)
	store.seed(models.Subscription{
		UserID:             1,
		PlanID:             2,
		Status:             models.SubscriptionExpired,
		ExternalCustomerID: models.StringPtr("cus_9"),
		StartsAt:           testNow.AddDate(0, -1, 0),
		CancelledAt:        &removedAt,
	})

	out, err := r.SubscriptionStatusSynced(context.Background(), SubscriptionSynced{
		ExternalSubscriptionID: "sub_9",
		ExternalCustomerID:     "cus_9",
		ExternalStatus:         "active",
	}, testNow)
	require.NoError(t, err)
	assert.Equal(t, SkipInvalidTransition, out.Skipped)

	sub := store.subscriptions()[0]
	assert.Equal(t, models.SubscriptionExpired, sub.Status)
	require.NotNil(t, sub.ExternalSubscriptionID)
	assert.Equal(t, "sub_9", *sub.ExternalSubscriptionID)
	require.NotNil(t, sub.CancelledAt, "refused sync without canceled_at must not clear it")
	assert.Equal(t, removedAt, *sub.CancelledAt)
}

func TestSubscriptionRemoved(t *testing.T) {
	r, store := newTestReconciler()
	ctx := context.Background()
	_, err := r.CheckoutCompleted(ctx, checkout(1, "sub_1", "9.99"), testNow)
	require.NoError(t, err)

	removedAt := testNow.Add(time.Hour)
	out, err := r.SubscriptionRemoved(ctx, SubscriptionRemoved{ExternalSubscriptionID: "sub_1"}, removedAt)
	require.NoError(t, err)
	assert.True(t, out.Applied)

	out, err = r.SubscriptionRemoved(ctx, SubscriptionRemoved{ExternalSubscriptionID: "sub_1"}, removedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SkipAlreadyApplied, out.Skipped)

	sub := store.subscriptions()[0]
	assert.Equal(t, models.SubscriptionExpired, sub.Status)
	assert.Equal(t, removedAt, *sub.CancelledAt)
	assert.False(t, entitlement.HasAccess(&sub, removedAt))

	out, err = r.SubscriptionRemoved(ctx, SubscriptionRemoved{ExternalSubscriptionID: "sub_unknown"}, removedAt)
	require.NoError(t, err)
	assert.Equal(t, SkipSubscriptionNotFound, out.Skipped)
}

func TestInvoicePaidRecordsRenewalOnce(t *testing.T) {
	r, store := newTestReconciler()
	ctx := context.Background()
	_, err := r.CheckoutCompleted(ctx, checkout(1, "sub_1", "9.99"), testNow)
	require.NoError(t, err)

	in := InvoicePaid{
		ExternalSubscriptionID:  "sub_1",
		ExternalPaymentIntentID: "pi_1",
		ExternalInvoiceID:       "in_1",
		AmountPaid:              decimal.RequireFromString("9.99"),
		Currency:                "usd",
	}
	out, err := r.InvoicePaid(ctx, in, testNow.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.True(t, out.Applied)

	out, err = r.InvoicePaid(ctx, in, testNow.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, SkipDuplicatePayment, out.Skipped)

	payments := store.paymentRows()
	require.Len(t, payments, 2)
	assert.Equal(t, models.PaymentRenewal, payments[1].Type)
	assert.Equal(t, models.PaymentCompleted, payments[1].Status)
	assert.Equal(t, int64(2), payments[1].PlanID)
}

func TestInvoicePaidWithoutSubscription(t *testing.T) {
	r, store := newTestReconciler()
	ctx := context.Background()

	out, err := r.InvoicePaid(ctx, InvoicePaid{ExternalInvoiceID: "in_1", AmountPaid: decimal.NewFromInt(5)}, testNow)
	require.NoError(t, err)
	assert.Equal(t, SkipOneTimePayment, out.Skipped)

	out, err = r.InvoicePaid(ctx, InvoicePaid{ExternalSubscriptionID: "sub_later", ExternalInvoiceID: "in_2", AmountPaid: decimal.NewFromInt(5)}, testNow)
	require.NoError(t, err)
	assert.Equal(t, SkipSubscriptionNotFound, out.Skipped)

	assert.Empty(t, store.paymentRows())
}

func TestInvoicePaymentFailedRevokesAccess(t *testing.T) {
	r, store := newTestReconciler()
	ctx := context.Background()
	_, err := r.CheckoutCompleted(ctx, checkout(1, "sub_1", "9.99"), testNow)
	require.NoError(t, err)

	failedAt := testNow.Add(24 * time.Hour)
	out, err := r.InvoicePaymentFailed(ctx, InvoicePaymentFailed{
		ExternalSubscriptionID: "sub_1",
		ExternalInvoiceID:      "in_9",
		AmountDue:              decimal.RequireFromString("9.99"),
		Currency:               "usd",
		FailureCode:            "card_declined",
	}, failedAt)
	require.NoError(t, err)
	assert.True(t, out.Applied)

	sub := store.subscriptions()[0]
	assert.Equal(t, models.SubscriptionPastDue, sub.Status)
	assert.False(t, entitlement.HasAccess(&sub, failedAt))

	payments := store.paymentRows()
	require.Len(t, payments, 2)
	failed := payments[1]
	assert.Equal(t, models.PaymentFailed, failed.Status)
	assert.Nil(t, failed.PaidAt)
	require.NotNil(t, failed.FailureCode)
	assert.Equal(t, "card_declined", *failed.FailureCode)
}

func TestInvoicePaymentFailedSkips(t *testing.T) {
	r, _ := newTestReconciler()
	ctx := context.Background()

	out, err := r.InvoicePaymentFailed(ctx, InvoicePaymentFailed{ExternalInvoiceID: "in_1"}, testNow)
	require.NoError(t, err)
	assert.Equal(t, SkipOneTimePayment, out.Skipped)

	out, err = r.InvoicePaymentFailed(ctx, InvoicePaymentFailed{ExternalSubscriptionID: "sub_x"}, testNow)
	require.NoError(t, err)
	assert.Equal(t, SkipSubscriptionNotFound, out.Skipped)
}

func TestEventOrderConverges(t *testing.T) {
	periodEnd := testNow.AddDate(0, 1, 5)
	synced := SubscriptionSynced{ExternalSubscriptionID: "sub_1", ExternalStatus: "active", CurrentPeriodEnd: epoch(periodEnd)}
	paid := InvoicePaid{ExternalSubscriptionID: "sub_1", ExternalInvoiceID: "in_1", AmountPaid: decimal.RequireFromString("9.99")}

	run := func(syncFirst bool) ([]models.Subscription, []models.Payment) {
		r, store := newTestReconciler()
		ctx := context.Background()
		_, err := r.CheckoutCompleted(ctx, checkout(1, "sub_1", "9.99"), testNow)
		require.NoError(t, err)
		if syncFirst {
			_, err = r.SubscriptionStatusSynced(ctx, synced, testNow)
			require.NoError(t, err)
			_, err = r.InvoicePaid(ctx, paid, testNow)
			require.NoError(t, err)
		} else {
			_, err = r.InvoicePaid(ctx, paid, testNow)
			require.NoError(t, err)
			_, err = r.SubscriptionStatusSynced(ctx, synced, testNow)
			require.NoError(t, err)
		}
		// Replays change nothing.
		_, _ = r.SubscriptionStatusSynced(ctx, synced, testNow)
		_, _ = r.InvoicePaid(ctx, paid, testNow)
		return store.subscriptions(), store.paymentRows()
	}

	subsA, paymentsA := run(true)
	subsB, paymentsB := run(false)

	require.Len(t, subsA, 1)
	require.Len(t, subsB, 1)
	assert.Equal(t, subsA[0].Status, subsB[0].Status)
	assert.Equal(t, *subsA[0].EndsAt, *subsB[0].EndsAt)
	assert.Len(t, paymentsA, 2)
	assert.Len(t, paymentsB, 2)
}
