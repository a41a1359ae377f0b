// Package ratelimit provides the domain types backing the Endpoint
// Dispatcher's (C6) ambient per-IP and per-principal request throttling
// (spec §4.6).
package ratelimit

import (
	"fmt"
	"time"
)

// RateLimitConfig carries one scope's throttle parameters, derived from
// config.RateLimitConfig's IPRate/PrincipalRate fields (both expressed as
// requests per minute) by the Dispatcher at startup.
type RateLimitConfig struct {
	// Rate is the number of allowed events in the period.
	Rate int

	// Burst is the maximum number of events that can occur at once.
	// Burst should be >= Rate for meaningful operation.
	Burst int

	// Period is the time window for the rate limit.
	Period time.Duration
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Remaining is the number of remaining requests in the current window.
	Remaining int

	// RetryAfter is the duration until the next request will be allowed.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration

	// ResetAfter is the duration until the rate limit resets.
	ResetAfter time.Duration
}

// KeyType identifies which of the Dispatcher's two throttle scopes a key
// belongs to.
type KeyType string

const (
	// KeyTypeIP scopes a key to the request's source IP, checked before
	// credentials are even parsed.
	KeyTypeIP KeyType = "ip"

	// KeyTypePrincipal scopes a key to an authenticated Principal's ID
	// (outbound.Principal), checked once a request's credential resolves.
	KeyTypePrincipal KeyType = "principal"
)

// keyPrefix is the base prefix for all rate limit keys.
const keyPrefix = "ratelimit"

// FormatKey returns a structured rate limit key.
// Format: "ratelimit:{type}:{value}"
// Examples:
//   - FormatKey(KeyTypeIP, "192.168.1.1") -> "ratelimit:ip:192.168.1.1"
//   - FormatKey(KeyTypePrincipal, "alice") -> "ratelimit:principal:alice"
func FormatKey(keyType KeyType, value string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, keyType, value)
}
