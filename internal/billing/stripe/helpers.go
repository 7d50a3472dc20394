package stripe

import "strings"

// Status classifies Stripe's subscription status vocabulary. The verbatim
// string is what gets persisted; classification only drives branching, so a
// status Stripe adds later degrades to StatusUnrecognized instead of being
// treated as paid access.
type Status string

const (
	StatusActive            Status = "active"
	StatusTrialing          Status = "trialing"
	StatusPastDue           Status = "past_due"
	StatusUnpaid            Status = "unpaid"
	StatusCanceled          Status = "canceled"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusPaused            Status = "paused"
	StatusUnrecognized      Status = "unrecognized"
)

// ClassifyStatus maps a raw Stripe subscription status onto the known set.
func ClassifyStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due":
		return StatusPastDue
	case "unpaid":
		return StatusUnpaid
	case "canceled":
		return StatusCanceled
	case "incomplete":
		return StatusIncomplete
	case "incomplete_expired":
		return StatusIncompleteExpired
	case "paused":
		return StatusPaused
	default:
		return StatusUnrecognized
	}
}

// GrantsAccess returns true if the status warrants access to paid features.
func GrantsAccess(s Status) bool {
	return s == StatusActive || s == StatusTrialing
}

// IsDelinquent returns true for statuses that indicate a payment problem the
// reconciler should follow up on.
func IsDelinquent(s Status) bool {
	switch s {
	case StatusPastDue, StatusUnpaid, StatusIncomplete, StatusIncompleteExpired:
		return true
	default:
		return false
	}
}

// IsSafeStripeID validates that a Stripe ID (cus_..., sub_..., price_...) is
// safe for use as a lookup key.
func IsSafeStripeID(stripeID string) bool {
	if len(stripeID) < 5 || len(stripeID) > 128 {
		return false
	}
	for i := 0; i < len(stripeID); i++ {
		c := stripeID[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}
