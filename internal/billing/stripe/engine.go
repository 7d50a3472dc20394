package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/storytimehq/storytime-billing/internal/billing/bmetrics"
	"github.com/storytimehq/storytime-billing/internal/billing/plans"
	"github.com/storytimehq/storytime-billing/internal/billing/store"
)

// MetadataUserIDKey is the subscription/session metadata key carrying the
// application user ID, set by the checkout session initiator.
const MetadataUserIDKey = "app_user_id"

// Engine is the sole writer of subscription-derived entitlement fields. It
// consumes verified Stripe lifecycle events and overwrites the affected
// user's record; redelivered events reproduce the same final state.
type Engine struct {
	store   *store.Store
	catalog *plans.Catalog

	// getSubscription fetches the authoritative subscription object from
	// Stripe. Swappable for tests.
	getSubscription func(ctx context.Context, id string) (*Subscription, error)
}

// NewEngine creates an entitlement update engine backed by the Stripe API.
func NewEngine(st *store.Store, catalog *plans.Catalog) *Engine {
	return &Engine{
		store:           st,
		catalog:         catalog,
		getSubscription: fetchSubscription,
	}
}

// HandleCheckoutCompleted applies a checkout.session.completed event: it
// persists the customer mapping and initializes the entitlement from the
// authoritative subscription object, resetting usage for the new period.
func (e *Engine) HandleCheckoutCompleted(ctx context.Context, session CheckoutSession) error {
	const eventType = "checkout.session.completed"

	// Events without a usable customer id can never succeed on redelivery,
	// so they are acked rather than errored.
	customerID := strings.TrimSpace(session.Customer)
	if customerID == "" || !IsSafeStripeID(customerID) {
		log.Warn().
			Str("session_id", session.ID).
			Str("customer_id", customerID).
			Msg("checkout.session.completed: missing or malformed customer id, skipping")
		bmetrics.EntitlementUpdatesTotal.WithLabelValues(eventType, "skipped").Inc()
		return nil
	}

	userID := strings.TrimSpace(session.Metadata[MetadataUserIDKey])
	if userID == "" {
		existing, err := e.store.GetByStripeCustomerID(customerID)
		if err != nil {
			return fmt.Errorf("lookup user by customer: %w", err)
		}
		if existing == nil {
			log.Warn().
				Str("session_id", session.ID).
				Str("customer_id", customerID).
				Msg("checkout.session.completed: no user resolvable, skipping")
			bmetrics.EntitlementUpdatesTotal.WithLabelValues(eventType, "skipped").Inc()
			return nil
		}
		userID = existing.UserID
	}

	// Always persist the customer mapping, even when the rest of the update
	// cannot proceed.
	if err := e.store.SetStripeCustomerID(userID, session.Email(), customerID); err != nil {
		return fmt.Errorf("persist customer id for user %s: %w", userID, err)
	}

	subscriptionID := strings.TrimSpace(session.Subscription)
	if subscriptionID == "" {
		log.Warn().
			Str("session_id", session.ID).
			Str("user_id", userID).
			Msg("checkout.session.completed: missing subscription id, persisted customer id only")
		bmetrics.EntitlementUpdatesTotal.WithLabelValues(eventType, "partial").Inc()
		return nil
	}

	sub, err := e.getSubscription(ctx, subscriptionID)
	if err != nil {
		log.Error().Err(err).
			Str("subscription_id", subscriptionID).
			Str("user_id", userID).
			Msg("checkout.session.completed: subscription fetch failed, persisted customer id only")
		bmetrics.EntitlementUpdatesTotal.WithLabelValues(eventType, "partial").Inc()
		return nil
	}

	rec, err := e.store.Get(userID)
	if err != nil {
		return fmt.Errorf("load entitlement for user %s: %w", userID, err)
	}
	if rec == nil {
		return fmt.Errorf("entitlement missing for user %s after customer persist", userID)
	}

	priceID := sub.FirstPriceID()
	rec.StripeSubscriptionID = strings.TrimSpace(sub.ID)
	rec.SubscriptionStatus = sub.Status
	rec.ActivePlanPriceID = nullablePriceID(priceID)
	rec.CurrentPeriodEnd = periodEndTime(sub)
	rec.MinutesLimit = e.minutesLimitFor(priceID, userID)
	rec.MinutesUsed = zeroMinutes()

	if err := e.store.Update(rec); err != nil {
		bmetrics.EntitlementUpdatesTotal.WithLabelValues(eventType, "error").Inc()
		return fmt.Errorf("update entitlement for user %s: %w", userID, err)
	}

	bmetrics.EntitlementUpdatesTotal.WithLabelValues(eventType, "updated").Inc()
	log.Info().
		Str("user_id", userID).
		Str("customer_id", customerID).
		Str("subscription_status", rec.SubscriptionStatus).
		Str("price_id", priceID).
		Msg("Entitlement initialized from checkout, usage reset")
	return nil
}

// HandleInvoicePaid applies an invoice.payment_succeeded event. Only period
// boundaries reset usage: subscription creation and cycle renewals. One-time
// invoices and other billing reasons never touch the quota.
func (e *Engine) HandleInvoicePaid(ctx context.Context, invoice Invoice) error {
	const eventType = "invoice.payment_succeeded"

	if invoice.BillingReason != "subscription_cycle" && invoice.BillingReason != "subscription_create" {
		log.Info().
			Str("invoice_id", invoice.ID).
			Str("billing_reason", invoice.BillingReason).
			Msg("invoice.payment_succeeded: not a period start, skipping")
		bmetrics.EntitlementUpdatesTotal.WithLabelValues(eventType, "skipped").Inc()
		return nil
	}

	customerID := strings.TrimSpace(invoice.Customer)
	subscriptionID := strings.TrimSpace(invoice.Subscription)
	if customerID == "" || subscriptionID == "" {
		log.Warn().
			Str("invoice_id", invoice.ID).
			Msg("invoice.payment_succeeded: missing customer or subscription id, skipping")
		bmetrics.EntitlementUpdatesTotal.WithLabelValues(eventType, "skipped").Inc()
		return nil
	}

	rec, err := e.store.GetByStripeCustomerID(customerID)
	if err != nil {
		return fmt.Errorf("lookup user by customer: %w", err)
	}
	if rec == nil {
		log.Warn().Str("customer_id", customerID).Msg("invoice.payment_succeeded: user not found")
		bmetrics.EntitlementUpdatesTotal.WithLabelValues(eventType, "skipped").Inc()
		return nil
	}

	sub, err := e.getSubscription(ctx, subscriptionID)
	if err != nil {
		log.Error().Err(err).
			Str("subscription_id", subscriptionID).
			Str("user_id", rec.UserID).
			Msg("invoice.payment_succeeded: subscription fetch failed, skipping")
		bmetrics.EntitlementUpdatesTotal.WithLabelValues(eventType, "skipped").Inc()
		return nil
	}

	rec.StripeSubscriptionID = strings.TrimSpace(sub.ID)
	rec.SubscriptionStatus = sub.Status
	rec.CurrentPeriodEnd = periodEndTime(sub)
	rec.MinutesUsed = zeroMinutes()

	if err := e.store.Update(rec); err != nil {
		bmetrics.EntitlementUpdatesTotal.WithLabelValues(eventType, "error").Inc()
		return fmt.Errorf("update entitlement for user %s: %w", rec.UserID, err)
	}

	bmetrics.EntitlementUpdatesTotal.WithLabelValues(eventType, "updated").Inc()
	log.Info().
		Str("user_id", rec.UserID).
		Str("billing_reason", invoice.BillingReason).
		Str("subscription_status", rec.SubscriptionStatus).
		Msg("Billing period started, usage reset")
	return nil
}

// HandleSubscriptionUpdated applies a customer.subscription.updated event.
// Plan changes mid-period refresh the plan and quota ceiling but never reset
// accrued usage.
func (e *Engine) HandleSubscriptionUpdated(ctx context.Context, sub Subscription) error {
	const eventType = "customer.subscription.updated"

	customerID := strings.TrimSpace(sub.Customer)
	if customerID == "" {
		log.Warn().Str("subscription_id", sub.ID).Msg("subscription.updated: missing customer id, skipping")
		bmetrics.EntitlementUpdatesTotal.WithLabelValues(eventType, "skipped").Inc()
		return nil
	}

	rec, err := e.store.GetByStripeCustomerID(customerID)
	if err != nil {
		return fmt.Errorf("lookup user by customer: %w", err)
	}
	if rec == nil {
		log.Warn().Str("customer_id", customerID).Msg("subscription.updated: user not found")
		bmetrics.EntitlementUpdatesTotal.WithLabelValues(eventType, "skipped").Inc()
		return nil
	}

	priceID := sub.FirstPriceID()
	rec.StripeSubscriptionID = strings.TrimSpace(sub.ID)
	rec.SubscriptionStatus = sub.Status
	rec.ActivePlanPriceID = nullablePriceID(priceID)
	rec.CurrentPeriodEnd = periodEndTime(&sub)
	rec.MinutesLimit = e.minutesLimitFor(priceID, rec.UserID)

	if err := e.store.Update(rec); err != nil {
		bmetrics.EntitlementUpdatesTotal.WithLabelValues(eventType, "error").Inc()
		return fmt.Errorf("update entitlement for user %s: %w", rec.UserID, err)
	}

	bmetrics.EntitlementUpdatesTotal.WithLabelValues(eventType, "updated").Inc()
	if sub.CancelAtPeriodEnd {
		log.Info().
			Str("user_id", rec.UserID).
			Str("subscription_id", rec.StripeSubscriptionID).
			Msg("Subscription scheduled for cancellation at period end")
	}
	log.Info().
		Str("user_id", rec.UserID).
		Str("subscription_status", rec.SubscriptionStatus).
		Str("price_id", priceID).
		Msg("Subscription updated, usage preserved")
	return nil
}

// HandleSubscriptionDeleted applies a customer.subscription.deleted event:
// the record is cleared down to the retained customer mapping.
func (e *Engine) HandleSubscriptionDeleted(ctx context.Context, sub Subscription) error {
	const eventType = "customer.subscription.deleted"

	customerID := strings.TrimSpace(sub.Customer)
	if customerID == "" {
		log.Warn().Str("subscription_id", sub.ID).Msg("subscription.deleted: missing customer id, skipping")
		bmetrics.EntitlementUpdatesTotal.WithLabelValues(eventType, "skipped").Inc()
		return nil
	}

	rec, err := e.store.GetByStripeCustomerID(customerID)
	if err != nil {
		return fmt.Errorf("lookup user by customer: %w", err)
	}
	if rec == nil {
		log.Warn().Str("customer_id", customerID).Msg("subscription.deleted: user not found")
		bmetrics.EntitlementUpdatesTotal.WithLabelValues(eventType, "skipped").Inc()
		return nil
	}

	rec.SubscriptionStatus = string(StatusCanceled)
	rec.ActivePlanPriceID = nil
	rec.CurrentPeriodEnd = nil
	rec.MinutesLimit = nil
	rec.MinutesUsed = nil

	if err := e.store.Update(rec); err != nil {
		bmetrics.EntitlementUpdatesTotal.WithLabelValues(eventType, "error").Inc()
		return fmt.Errorf("update entitlement for user %s: %w", rec.UserID, err)
	}

	bmetrics.EntitlementUpdatesTotal.WithLabelValues(eventType, "updated").Inc()
	log.Info().
		Str("user_id", rec.UserID).
		Str("customer_id", customerID).
		Msg("Subscription deleted, entitlement revoked")
	return nil
}

func (e *Engine) minutesLimitFor(priceID, userID string) *int64 {
	if strings.TrimSpace(priceID) == "" {
		return nil
	}
	minutes, ok := e.catalog.MinutesFor(priceID)
	if !ok {
		log.Warn().
			Str("price_id", priceID).
			Str("user_id", userID).
			Msg("Price id not in plan catalog, minute limit left unset")
		return nil
	}
	return &minutes
}

func nullablePriceID(priceID string) *string {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return nil
	}
	return &priceID
}

func periodEndTime(sub *Subscription) *time.Time {
	if ts := sub.PeriodEnd(); ts > 0 {
		t := time.Unix(ts, 0).UTC()
		return &t
	}
	return nil
}

func zeroMinutes() *int64 {
	var v int64
	return &v
}

// fetchSubscription retrieves the authoritative subscription object via the
// Stripe API and converts it to the engine's shadow representation.
func fetchSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscription.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve subscription %s: %w", id, err)
	}
	return fromAPISubscription(sub), nil
}

func fromAPISubscription(sub *stripelib.Subscription) *Subscription {
	if sub == nil {
		return nil
	}
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		out.Customer = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			entry := struct {
				CurrentPeriodEnd int64 `json:"current_period_end"`
				Price            struct {
					ID string `json:"id"`
				} `json:"price"`
			}{CurrentPeriodEnd: item.CurrentPeriodEnd}
			if item.Price != nil {
				entry.Price.ID = item.Price.ID
			}
			out.Items.Data = append(out.Items.Data, entry)
		}
	}
	return out
}
