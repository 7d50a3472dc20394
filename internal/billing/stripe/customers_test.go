package stripe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storytimehq/storytime-billing/internal/billing/store"
)

func newTestResolver(t *testing.T) (*CustomerResolver, *store.Store) {
	t.Helper()

	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return NewCustomerResolver(st), st
}

func TestResolveCreatesCustomerOnce(t *testing.T) {
	resolver, st := newTestResolver(t)

	calls := 0
	resolver.createCustomer = func(_ context.Context, userID, email string) (string, error) {
		calls++
		assert.Equal(t, "user-1", userID)
		assert.Equal(t, "parent@example.com", email)
		return "cus_created1", nil
	}

	id, err := resolver.Resolve(context.Background(), "user-1", "parent@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_created1", id)

	// Second resolve reuses the persisted mapping.
	id, err = resolver.Resolve(context.Background(), "user-1", "parent@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_created1", id)
	assert.Equal(t, 1, calls)

	rec, err := st.Get("user-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "cus_created1", rec.StripeCustomerID)
}

func TestResolveReusesExistingCustomer(t *testing.T) {
	resolver, st := newTestResolver(t)
	require.NoError(t, st.SetStripeCustomerID("user-2", "p2@example.com", "cus_existing"))

	resolver.createCustomer = func(context.Context, string, string) (string, error) {
		t.Fatal("must not create a customer when one is already recorded")
		return "", nil
	}

	id, err := resolver.Resolve(context.Background(), "user-2", "p2@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", id)
}

func TestResolveRequiresUserID(t *testing.T) {
	resolver, _ := newTestResolver(t)

	_, err := resolver.Resolve(context.Background(), "  ", "p@example.com")
	assert.Error(t, err)
}

func TestResolvePropagatesCreateFailure(t *testing.T) {
	resolver, _ := newTestResolver(t)
	resolver.createCustomer = func(context.Context, string, string) (string, error) {
		return "", errors.New("stripe unavailable")
	}

	_, err := resolver.Resolve(context.Background(), "user-3", "p3@example.com")
	assert.Error(t, err)
}
