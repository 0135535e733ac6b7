// Package ratelimit contains the rate limiting domain types.
// The gateway applies a per-principal token bucket refilled at
// rate_limit_rpm/60 per second with burst equal to rate_limit_rpm.
package ratelimit

import (
	"context"
	"time"
)

// Config describes one bucket's refill policy.
type Config struct {
	// Rate is the number of requests allowed per Period.
	Rate int
	// Period is the refill window.
	Period time.Duration
	// Burst is the bucket capacity. Defaults to Rate when zero.
	Burst int
}

// PerMinute builds a Config refilling rpm/60 per second with burst = rpm.
func PerMinute(rpm int) Config {
	return Config{Rate: rpm, Period: time.Minute, Burst: rpm}
}

// Result describes a limiter decision.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// Remaining estimates requests left in the bucket.
	Remaining int
	// RetryAfter is how long until the next request would be allowed.
	RetryAfter time.Duration
}

// Limiter is the rate limiting port.
type Limiter interface {
	// Allow decides whether one request under key may proceed.
	Allow(ctx context.Context, key string, cfg Config) (Result, error)
}
