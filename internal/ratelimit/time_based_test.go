package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeBasedLimiter_Check(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	fixed := func() time.Time { return now }

	tests := []struct {
		name           string
		config         Config
		lastGeneration time.Time
		wantAllow      bool
		wantReasonPart string
	}{
		{
			name:           "no previous generation",
			config:         Config{MinInterval: 6 * time.Hour},
			lastGeneration: time.Time{},
			wantAllow:      true,
			wantReasonPart: "no previous generation",
		},
		{
			name:           "forced backup",
			config:         Config{MinInterval: 6 * time.Hour, Force: true},
			lastGeneration: now.Add(-1 * time.Hour),
			wantAllow:      true,
			wantReasonPart: "forced backup",
		},
		{
			name:           "generation too recent",
			config:         Config{MinInterval: 6 * time.Hour},
			lastGeneration: now.Add(-2 * time.Hour),
			wantAllow:      false,
			wantReasonPart: "next backup allowed in 4.0 hours",
		},
		{
			name:           "allowed after interval",
			config:         Config{MinInterval: 6 * time.Hour},
			lastGeneration: now.Add(-7 * time.Hour),
			wantAllow:      true,
			wantReasonPart: "created 7.0 hours ago",
		},
		{
			name:           "protection disabled",
			config:         Config{},
			lastGeneration: now.Add(-time.Minute),
			wantAllow:      true,
			wantReasonPart: "disabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.config.Now = fixed
			d := NewTimeBasedLimiter(tt.config).Check(tt.lastGeneration)

			assert.Equal(t, tt.wantAllow, d.Allowed)
			assert.Contains(t, d.Reason, tt.wantReasonPart)
			if !d.Allowed {
				assert.Equal(t, tt.lastGeneration.Add(tt.config.MinInterval), d.NextAllowed)
			}
		})
	}
}

func TestTimeBasedLimiter_MinInterval(t *testing.T) {
	limiter := NewTimeBasedLimiter(Config{MinInterval: 8 * time.Hour})
	assert.Equal(t, 8*time.Hour, limiter.MinInterval())
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		want     string
	}{
		{30 * time.Second, "30 seconds"},
		{90 * time.Second, "2 minutes"},
		{45 * time.Minute, "45 minutes"},
		{90 * time.Minute, "1.5 hours"},
		{25 * time.Hour, "25.0 hours"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, formatDuration(tt.duration))
		})
	}
}
