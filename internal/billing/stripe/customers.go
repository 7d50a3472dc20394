package stripe

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"

	"github.com/storytimehq/storytime-billing/internal/billing/store"
)

// CustomerResolver maps application users to Stripe customers, creating the
// customer on first use and persisting the mapping so later checkouts reuse
// the same Stripe customer.
type CustomerResolver struct {
	store *store.Store

	// createCustomer is swappable for tests.
	createCustomer func(ctx context.Context, userID, email string) (string, error)
}

// NewCustomerResolver creates a resolver backed by the Stripe API.
func NewCustomerResolver(st *store.Store) *CustomerResolver {
	return NewCustomerResolverWithCreator(st, createStripeCustomer)
}

// NewCustomerResolverWithCreator creates a resolver with a custom customer
// creation function.
func NewCustomerResolverWithCreator(st *store.Store, create func(ctx context.Context, userID, email string) (string, error)) *CustomerResolver {
	return &CustomerResolver{
		store:          st,
		createCustomer: create,
	}
}

// Resolve returns the Stripe customer ID for the given user, creating a new
// Stripe customer if none is recorded yet. A persistence failure after
// creation is logged and tolerated: the customer ID is still returned so the
// checkout can proceed, and the mapping is recovered from the checkout
// webhook.
func (r *CustomerResolver) Resolve(ctx context.Context, userID, email string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("user id is required")
	}

	rec, err := r.store.Get(userID)
	if err != nil {
		return "", fmt.Errorf("load entitlement for user %s: %w", userID, err)
	}
	if rec != nil && rec.StripeCustomerID != "" {
		return rec.StripeCustomerID, nil
	}

	customerID, err := r.createCustomer(ctx, userID, email)
	if err != nil {
		return "", fmt.Errorf("create stripe customer for user %s: %w", userID, err)
	}

	if err := r.store.SetStripeCustomerID(userID, email, customerID); err != nil {
		log.Error().Err(err).
			Str("user_id", userID).
			Str("customer_id", customerID).
			Msg("Failed to persist stripe customer id, relying on webhook to recover mapping")
	} else {
		log.Info().
			Str("user_id", userID).
			Str("customer_id", customerID).
			Msg("Created stripe customer")
	}
	return customerID, nil
}

func createStripeCustomer(ctx context.Context, userID, email string) (string, error) {
	params := &stripelib.CustomerParams{
		Params: stripelib.Params{
			Context: ctx,
			Metadata: map[string]string{
				MetadataUserIDKey: userID,
			},
		},
	}
	if email = strings.TrimSpace(email); email != "" {
		params.Email = stripelib.String(email)
	}
	cust, err := customer.New(params)
	if err != nil {
		return "", err
	}
	return cust.ID, nil
}
