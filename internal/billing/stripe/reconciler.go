package stripe

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/storytimehq/storytime-billing/internal/billing/bmetrics"
	"github.com/storytimehq/storytime-billing/internal/billing/store"
)

// staleAfter is how long a delinquent record may go without a webhook-driven
// update before the reconciler re-fetches its subscription from Stripe.
const staleAfter = 24 * time.Hour

// delinquentStatuses are the subscription states the reconciler sweeps. Records
// in these states depend on a future webhook to resolve; a missed delivery
// would otherwise leave them wrong forever.
var delinquentStatuses = []string{
	string(StatusPastDue),
	string(StatusUnpaid),
	string(StatusIncomplete),
	string(StatusIncompleteExpired),
}

// Reconciler periodically re-checks delinquent entitlements against the
// Stripe API, repairing records whose webhook deliveries were missed.
type Reconciler struct {
	store    *store.Store
	engine   *Engine
	interval time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewReconciler creates a reconciler. An interval of zero disables Run.
func NewReconciler(st *store.Store, engine *Engine, interval time.Duration) *Reconciler {
	return &Reconciler{
		store:    st,
		engine:   engine,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps delinquent entitlements on the configured interval until the
// context is cancelled. It returns immediately when the interval is zero.
func (r *Reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		log.Info().Msg("Entitlement reconciler disabled")
		return
	}

	log.Info().Dur("interval", r.interval).Msg("Entitlement reconciler started")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Entitlement reconciler stopped")
			return
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context) {
	records, err := r.store.ListByStatuses(delinquentStatuses)
	if err != nil {
		bmetrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Msg("Reconcile sweep failed to list delinquent entitlements")
		return
	}

	cutoff := r.now().Add(-staleAfter)
	repaired := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		if rec.UpdatedAt.After(cutoff) {
			continue
		}
		if err := r.reconcileOne(ctx, rec); err != nil {
			log.Error().Err(err).
				Str("user_id", rec.UserID).
				Str("subscription_id", rec.StripeSubscriptionID).
				Msg("Failed to reconcile entitlement")
			continue
		}
		repaired++
	}

	bmetrics.ReconcileRunsTotal.WithLabelValues("ok").Inc()
	if repaired > 0 {
		log.Info().Int("repaired", repaired).Int("candidates", len(records)).Msg("Reconcile sweep finished")
	}
}

func (r *Reconciler) reconcileOne(ctx context.Context, rec *store.Entitlement) error {
	if rec.StripeSubscriptionID == "" {
		// Nothing to re-fetch. Revoke directly: the record may predate the
		// customer mapping, so the engine's customer-id lookup cannot be
		// relied on to find it.
		log.Warn().
			Str("user_id", rec.UserID).
			Msg("Delinquent entitlement has no subscription id, revoking")
		return r.revoke(rec)
	}

	sub, err := r.engine.getSubscription(ctx, rec.StripeSubscriptionID)
	if err != nil {
		if isResourceMissing(err) {
			log.Warn().
				Str("user_id", rec.UserID).
				Str("subscription_id", rec.StripeSubscriptionID).
				Msg("Subscription no longer exists in Stripe, revoking entitlement")
			return r.revoke(rec)
		}
		return err
	}

	if sub.Customer == "" {
		sub.Customer = rec.StripeCustomerID
	}
	return r.engine.HandleSubscriptionUpdated(ctx, *sub)
}

// revoke clears the subscription-derived fields on a record the reconciler
// has confirmed dead. The customer mapping is retained, as on
// customer.subscription.deleted.
func (r *Reconciler) revoke(rec *store.Entitlement) error {
	rec.SubscriptionStatus = string(StatusCanceled)
	rec.ActivePlanPriceID = nil
	rec.CurrentPeriodEnd = nil
	rec.MinutesLimit = nil
	rec.MinutesUsed = nil

	if err := r.store.Update(rec); err != nil {
		bmetrics.EntitlementUpdatesTotal.WithLabelValues("reconcile", "error").Inc()
		return err
	}
	bmetrics.EntitlementUpdatesTotal.WithLabelValues("reconcile", "updated").Inc()
	return nil
}

func isResourceMissing(err error) bool {
	var stripeErr *stripelib.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.Code == stripelib.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == 404
	}
	return false
}
