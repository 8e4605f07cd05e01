package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// RetryConfig holds configuration for waiting on a daemon that is still
// starting, for example when the backup container boots alongside dockerd.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultPingRetryConfig returns the retry configuration used before a run.
func DefaultPingRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    5,
		InitialDelay:  2 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// PingWithRetry pings the daemon, retrying while it is unreachable.
func PingWithRetry(ctx context.Context, b Backend, cfg RetryConfig, logger *slog.Logger) (ServerInfo, error) {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			logger.Info("Retrying docker daemon ping",
				"attempt", attempt,
				"max_retries", cfg.MaxRetries,
				"delay", delay)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ServerInfo{}, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
			}

			delay = time.Duration(float64(delay) * cfg.BackoffFactor)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		info, err := b.Ping(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("Docker daemon reachable", "attempts", attempt+1)
			}
			return info, nil
		}
		lastErr = err

		if !isRetryableError(err) {
			return ServerInfo{}, fmt.Errorf("non-retryable error: %w", err)
		}
		logger.Warn("Retryable error encountered", "error", err)
	}

	return ServerInfo{}, fmt.Errorf("docker daemon not reachable after %d retries: %w", cfg.MaxRetries, lastErr)
}

// isRetryableError reports whether an error means the daemon may come up
// shortly.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermissionDenied) {
		return false
	}
	if errors.Is(err, ErrUnreachable) {
		return true
	}

	msg := strings.ToLower(err.Error())
	patterns := []string{
		"connection refused",
		"no such file or directory",
		"cannot connect to the docker daemon",
		"is the docker daemon running",
		"connection reset",
		"i/o timeout",
		"eof",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
