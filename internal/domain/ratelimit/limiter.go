package ratelimit

import "context"

// RateLimiter is the outbound port the Dispatcher's allowIP/allowPrincipal
// checks call into. The one implementation this gateway ships,
// adapter/outbound/memory.MemoryRateLimiter, uses GCRA (Generic Cell Rate
// Algorithm) for smooth throttling without burst issues at window
// boundaries; the interface stays storage-agnostic so a future backend
// (e.g. a shared store for a multi-process deployment) can replace it
// without touching the Dispatcher.
type RateLimiter interface {
	// Allow checks if a request identified by key is allowed under the given config.
	// It returns the result of the check and any error that occurred.
	//
	// The key should be a structured identifier created by FormatKey.
	// The config specifies the rate limit parameters (rate, burst, period).
	//
	// Allow atomically decrements the rate limit counter and returns the result.
	// If the request is not allowed, RetryAfter in the result indicates when
	// the next request will be allowed.
	Allow(ctx context.Context, key string, config RateLimitConfig) (RateLimitResult, error)
}
