// ABOUTME: Cache categories and the per-category TTL policy table.
// ABOUTME: Relative TTL ordering across categories is a hard contract; seconds are tunable.
package cache

import (
	"fmt"
	"time"
)

// Category classifies a cached value by volatility and recompute cost.
type Category string

// Cache categories, ordered from most volatile (shortest TTL) to most stable.
const (
	CategoryRawQuery    Category = "raw_query"
	CategoryKPI         Category = "kpi"
	CategoryChart       Category = "chart"
	CategoryAggregation Category = "aggregation"
	CategoryReport      Category = "report"
	CategoryForecast    Category = "forecast"
)

// categoryOrder lists categories in ascending TTL order. Validate enforces
// this ordering on any policy.
var categoryOrder = []Category{
	CategoryRawQuery,
	CategoryKPI,
	CategoryChart,
	CategoryAggregation,
	CategoryReport,
	CategoryForecast,
}

// Categories returns all known categories in ascending TTL order.
func Categories() []Category {
	out := make([]Category, len(categoryOrder))
	copy(out, categoryOrder)
	return out
}

// ParseCategory validates a category string.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	for _, known := range categoryOrder {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown cache category %q", s)
}

// TTLPolicy maps each category to its time-to-live in seconds.
type TTLPolicy map[Category]int

// DefaultTTLPolicy returns the built-in TTL table. Cheap, volatile
// categories expire quickly; expensive, stable ones (reports, forecasts)
// are kept much longer.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		CategoryRawQuery:    60,
		CategoryKPI:         300,
		CategoryChart:       600,
		CategoryAggregation: 900,
		CategoryReport:      1800,
		CategoryForecast:    3600,
	}
}

// Validate checks that every category has a positive TTL and that the
// volatility ordering raw_query < kpi < chart < aggregation < report <
// forecast holds strictly.
func (p TTLPolicy) Validate() error {
	prev := 0
	for i, c := range categoryOrder {
		ttl, ok := p[c]
		if !ok {
			return fmt.Errorf("ttl policy: missing category %q", c)
		}
		if ttl <= 0 {
			return fmt.Errorf("ttl policy: %s must be positive, got %d", c, ttl)
		}
		if i > 0 && ttl <= prev {
			return fmt.Errorf("ttl policy: %s (%ds) must exceed %s (%ds)",
				c, ttl, categoryOrder[i-1], prev)
		}
		prev = ttl
	}
	return nil
}

// TTLFor returns the configured TTL for a category, falling back to the
// default table for categories absent from the policy.
func (p TTLPolicy) TTLFor(c Category) time.Duration {
	if ttl, ok := p[c]; ok {
		return time.Duration(ttl) * time.Second
	}
	return time.Duration(DefaultTTLPolicy()[c]) * time.Second
}

// Clone returns a copy of the policy, used by the admin API so runtime
// updates validate before replacing the live table.
func (p TTLPolicy) Clone() TTLPolicy {
	out := make(TTLPolicy, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
