package store

import "time"

// Entitlement is the per-user billing record. Subscription-derived fields are
// written only by the webhook engine; stripe_customer_id is set once by the
// customer resolver and never cleared. Nullable columns are pointers: nil
// means no active subscription.
type Entitlement struct {
	UserID               string     `json:"user_id"`
	Email                string     `json:"email"`
	StripeCustomerID     string     `json:"stripe_customer_id"`
	StripeSubscriptionID string     `json:"stripe_subscription_id"`
	SubscriptionStatus   string     `json:"subscription_status"` // Stripe's status vocabulary, stored verbatim
	ActivePlanPriceID    *string    `json:"active_plan_price_id"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end"`
	MinutesLimit         *int64     `json:"minutes_limit"`
	MinutesUsed          *int64     `json:"minutes_used"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// MinutesRemaining returns the unused portion of the current quota, or 0
// when there is no active allocation.
func (e *Entitlement) MinutesRemaining() int64 {
	if e == nil || e.MinutesLimit == nil {
		return 0
	}
	used := int64(0)
	if e.MinutesUsed != nil {
		used = *e.MinutesUsed
	}
	if remaining := *e.MinutesLimit - used; remaining > 0 {
		return remaining
	}
	return 0
}

// StoryUsage records that an anonymous browser session has consumed its one
// free story.
type StoryUsage struct {
	SessionID string    `json:"session_id"`
	IP        string    `json:"ip"`
	Used      bool      `json:"used"`
	UsedAt    time.Time `json:"used_at"`
}
