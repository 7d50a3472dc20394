// Package plans holds the static mapping from Stripe price IDs to monthly
// narration-minute allocations. The catalog is fixed at startup; price IDs
// must match the prices configured in the Stripe dashboard.
package plans

import (
	"fmt"
	"strconv"
	"strings"
)

// Catalog maps a Stripe price ID to its monthly minute allocation.
type Catalog struct {
	minutes map[string]int64
}

// Parse builds a Catalog from a comma-separated "price_id=minutes" list,
// e.g. "price_starter=15,price_super=60,price_studio=300".
func Parse(spec string) (*Catalog, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("plan catalog is empty")
	}

	minutes := make(map[string]int64)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		priceID, value, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid plan entry %q: expected price_id=minutes", entry)
		}
		priceID = strings.TrimSpace(priceID)
		if priceID == "" {
			return nil, fmt.Errorf("invalid plan entry %q: missing price id", entry)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid plan entry %q: %w", entry, err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("invalid plan entry %q: minutes must be positive", entry)
		}
		if _, exists := minutes[priceID]; exists {
			return nil, fmt.Errorf("duplicate plan entry for price id %s", priceID)
		}
		minutes[priceID] = n
	}
	if len(minutes) == 0 {
		return nil, fmt.Errorf("plan catalog is empty")
	}
	return &Catalog{minutes: minutes}, nil
}

// MinutesFor returns the monthly minute allocation for a price ID. Unknown
// price IDs report ok=false rather than an error; callers treat the
// allocation as absent.
func (c *Catalog) MinutesFor(priceID string) (int64, bool) {
	if c == nil {
		return 0, false
	}
	n, ok := c.minutes[strings.TrimSpace(priceID)]
	return n, ok
}

// Known reports whether the price ID is present in the catalog.
func (c *Catalog) Known(priceID string) bool {
	_, ok := c.MinutesFor(priceID)
	return ok
}

// Len returns the number of configured plans.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.minutes)
}
