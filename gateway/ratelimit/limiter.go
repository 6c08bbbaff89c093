// Package ratelimit throttles admitted callers with token buckets: a fixed-rate bucket per
// client IP, or a per-identity bucket whose refill rate follows the caller's stake.
package ratelimit

import "context"

const (
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderTryAfter   = "X-RateLimit-TryAfter"
	HeaderRetryAfter = "Retry-After"
)

// Limiter is the contract shared by both bucket flavours. Keys are client IPs or caller
// identities depending on the implementation.
type Limiter interface {
	// Allow consumes one token when available.
	Allow(ctx context.Context, key string) bool
	// Remaining reports whole tokens left after refilling.
	Remaining(ctx context.Context, key string) int
	// RetryAfter is 0 when a token is available, otherwise the seconds until one is.
	RetryAfter(ctx context.Context, key string) int
}
