// Package ratelimit provides respawn protection for backup runs.
package ratelimit

import (
	"time"
)

// RateLimiter decides whether a new backup generation may be created.
type RateLimiter interface {
	// Check decides from the creation time of the newest generation, which is
	// zero when there is none.
	Check(lastGeneration time.Time) Decision

	// MinInterval returns the minimum time between generations.
	MinInterval() time.Duration
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed bool
	// Reason is a human-readable explanation for logs.
	Reason string
	// NextAllowed is when a blocked run may proceed.
	NextAllowed time.Time
}

// Config holds configuration for rate limiting.
type Config struct {
	// MinInterval is the minimum time between generations. Zero disables the
	// protection.
	MinInterval time.Duration

	// Force overrides rate limiting when true.
	Force bool

	// Now defaults to time.Now.
	Now func() time.Time
}
