package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryConfig_Do(t *testing.T) {
	tests := []struct {
		name        string
		errs        []error
		maxAttempts int
		wantCalls   int
		wantErr     bool
	}{
		{
			name:        "success on first attempt",
			maxAttempts: 3,
			wantCalls:   1,
		},
		{
			name:        "success after transient failure",
			errs:        []error{errors.New("connection reset")},
			maxAttempts: 3,
			wantCalls:   2,
		},
		{
			name:        "fail all attempts",
			errs:        []error{errors.New("a"), errors.New("b"), errors.New("c")},
			maxAttempts: 3,
			wantCalls:   3,
			wantErr:     true,
		},
		{
			name:        "not found is not retried",
			errs:        []error{fmt.Errorf("get: %w", ErrNotFound)},
			maxAttempts: 3,
			wantCalls:   1,
			wantErr:     true,
		},
		{
			name:        "auth failure is not retried",
			errs:        []error{fmt.Errorf("put: %w", ErrAuthFailed)},
			maxAttempts: 3,
			wantCalls:   1,
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := RetryConfig{
				MaxAttempts:  tt.maxAttempts,
				InitialDelay: 1 * time.Millisecond,
				MaxDelay:     10 * time.Millisecond,
				Multiplier:   2.0,
			}

			calls := 0
			err := cfg.Do(context.Background(), func() error {
				calls++
				if calls <= len(tt.errs) {
					return tt.errs[calls-1]
				}
				return nil
			})

			if (err != nil) != tt.wantErr {
				t.Errorf("Do() error = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("Do() calls = %v, want %v", calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryConfig_ContextCancellation(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	calls := 0
	err := cfg.Do(ctx, func() error {
		calls++
		return errors.New("upload failed")
	})

	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls >= cfg.MaxAttempts {
		t.Errorf("Do() should have been cancelled, but made %v calls", calls)
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()

	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %v, want 3", cfg.MaxAttempts)
	}
	if cfg.InitialDelay != 1*time.Second {
		t.Errorf("InitialDelay = %v, want 1s", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 10*time.Second {
		t.Errorf("MaxDelay = %v, want 10s", cfg.MaxDelay)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", cfg.Multiplier)
	}
}
