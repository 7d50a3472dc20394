package bmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storytime",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storytime",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// EntitlementUpdatesTotal counts entitlement record updates by event type and outcome.
	EntitlementUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storytime",
		Subsystem: "billing",
		Name:      "entitlement_updates_total",
		Help:      "Entitlement record updates by triggering event type and outcome.",
	}, []string{"event_type", "outcome"})

	// CheckoutSessionsTotal counts checkout session creation attempts by outcome.
	CheckoutSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storytime",
		Subsystem: "billing",
		Name:      "checkout_sessions_total",
		Help:      "Checkout session creation attempts by outcome.",
	}, []string{"outcome"})

	// UsageMinutesRecordedTotal counts narration minutes recorded against quotas.
	UsageMinutesRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "storytime",
		Subsystem: "billing",
		Name:      "usage_minutes_recorded_total",
		Help:      "Total narration minutes recorded against user quotas.",
	})

	// ReconcileRunsTotal counts reconciliation sweeps by outcome.
	ReconcileRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storytime",
		Subsystem: "billing",
		Name:      "reconcile_runs_total",
		Help:      "Subscription reconciliation sweeps by outcome.",
	}, []string{"outcome"})
)
