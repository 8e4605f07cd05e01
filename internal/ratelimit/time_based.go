package ratelimit

import (
	"fmt"
	"time"
)

// TimeBasedLimiter blocks a run while the newest generation is younger than
// the configured interval.
type TimeBasedLimiter struct {
	config Config
}

// NewTimeBasedLimiter creates a new time-based rate limiter.
func NewTimeBasedLimiter(config Config) *TimeBasedLimiter {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &TimeBasedLimiter{
		config: config,
	}
}

// Check implements RateLimiter.
func (t *TimeBasedLimiter) Check(lastGeneration time.Time) Decision {
	if t.config.Force {
		return Decision{Allowed: true, Reason: "forced backup requested"}
	}

	if lastGeneration.IsZero() {
		return Decision{Allowed: true, Reason: "no previous generation found"}
	}

	if t.config.MinInterval <= 0 {
		return Decision{Allowed: true, Reason: "respawn protection disabled"}
	}

	age := t.config.Now().Sub(lastGeneration)
	if age < t.config.MinInterval {
		wait := t.config.MinInterval - age
		return Decision{
			Reason: fmt.Sprintf(
				"last generation was created %s ago, next backup allowed in %s",
				formatDuration(age),
				formatDuration(wait),
			),
			NextAllowed: lastGeneration.Add(t.config.MinInterval),
		}
	}

	return Decision{Allowed: true, Reason: fmt.Sprintf("last generation was created %s ago", formatDuration(age))}
}

// MinInterval implements RateLimiter.
func (t *TimeBasedLimiter) MinInterval() time.Duration {
	return t.config.MinInterval
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0f seconds", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0f minutes", d.Minutes())
	}
	return fmt.Sprintf("%.1f hours", d.Hours())
}
