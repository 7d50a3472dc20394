package stripe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/storytimehq/storytime-billing/internal/billing/store"
)

func seedDelinquent(t *testing.T, st *store.Store, userID, customerID string, used int64) {
	t.Helper()
	rec := seedActiveSubscriber(t, st, userID, customerID, used)
	rec.SubscriptionStatus = "past_due"
	require.NoError(t, st.Update(rec))
}

func TestReconcileRepairsStaleDelinquentRecord(t *testing.T) {
	engine, st := newTestEngine(t)
	seedDelinquent(t, st, "user-r1", "cus_rec1", 25)

	engine.getSubscription = stubSubscription(
		testSubscription("sub_seed", "cus_rec1", "active", "price_premium",
			time.Now().Add(20*24*time.Hour).Unix()), nil)

	r := NewReconciler(st, engine, time.Hour)
	// Pretend the record has been sitting untouched past the staleness window.
	r.now = func() time.Time { return time.Now().Add(2 * staleAfter) }
	r.reconcile(context.Background())

	rec, err := st.Get("user-r1")
	require.NoError(t, err)
	assert.Equal(t, "active", rec.SubscriptionStatus)
	require.NotNil(t, rec.MinutesUsed)
	assert.Equal(t, int64(25), *rec.MinutesUsed, "reconcile must not reset usage")
}

func TestReconcileSkipsFreshRecords(t *testing.T) {
	engine, st := newTestEngine(t)
	seedDelinquent(t, st, "user-r2", "cus_rec2", 5)

	engine.getSubscription = func(context.Context, string) (*Subscription, error) {
		t.Fatal("recently updated records must not be re-fetched")
		return nil, nil
	}

	r := NewReconciler(st, engine, time.Hour)
	r.reconcile(context.Background())

	rec, err := st.Get("user-r2")
	require.NoError(t, err)
	assert.Equal(t, "past_due", rec.SubscriptionStatus)
}

func TestReconcileRevokesWhenSubscriptionGone(t *testing.T) {
	engine, st := newTestEngine(t)
	seedDelinquent(t, st, "user-r3", "cus_rec3", 5)

	engine.getSubscription = stubSubscription(nil, &stripelib.Error{
		Code:           stripelib.ErrorCodeResourceMissing,
		HTTPStatusCode: 404,
	})

	r := NewReconciler(st, engine, time.Hour)
	r.now = func() time.Time { return time.Now().Add(2 * staleAfter) }
	r.reconcile(context.Background())

	rec, err := st.Get("user-r3")
	require.NoError(t, err)
	assert.Equal(t, "canceled", rec.SubscriptionStatus)
	assert.Nil(t, rec.ActivePlanPriceID)
	assert.Equal(t, "cus_rec3", rec.StripeCustomerID)
}

func TestReconcileRevokesRecordWithoutSubscriptionID(t *testing.T) {
	engine, st := newTestEngine(t)
	require.NoError(t, st.SetStripeCustomerID("user-r5", "r5@example.com", "cus_rec5"))

	rec, err := st.Get("user-r5")
	require.NoError(t, err)
	limit := int64(60)
	used := int64(9)
	rec.SubscriptionStatus = "past_due"
	rec.MinutesLimit = &limit
	rec.MinutesUsed = &used
	require.NoError(t, st.Update(rec))

	engine.getSubscription = func(context.Context, string) (*Subscription, error) {
		t.Fatal("nothing to fetch without a subscription id")
		return nil, nil
	}

	r := NewReconciler(st, engine, time.Hour)
	r.now = func() time.Time { return time.Now().Add(2 * staleAfter) }
	r.reconcile(context.Background())

	rec, err = st.Get("user-r5")
	require.NoError(t, err)
	assert.Equal(t, "canceled", rec.SubscriptionStatus)
	assert.Nil(t, rec.MinutesLimit)
	assert.Nil(t, rec.MinutesUsed)
	assert.Equal(t, "cus_rec5", rec.StripeCustomerID)
}

func TestReconcileIgnoresHealthyRecords(t *testing.T) {
	engine, st := newTestEngine(t)
	seedActiveSubscriber(t, st, "user-r4", "cus_rec4", 5)

	engine.getSubscription = func(context.Context, string) (*Subscription, error) {
		t.Fatal("active records are not reconciled")
		return nil, nil
	}

	r := NewReconciler(st, engine, time.Hour)
	r.now = func() time.Time { return time.Now().Add(2 * staleAfter) }
	r.reconcile(context.Background())
}

func TestRunDisabledWithZeroInterval(t *testing.T) {
	engine, st := newTestEngine(t)

	r := NewReconciler(st, engine, 0)
	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run must return immediately when disabled")
	}
}
