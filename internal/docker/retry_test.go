package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
		{
			name:     "classified unreachable",
			err:      fmt.Errorf("%w: boom", ErrUnreachable),
			expected: true,
		},
		{
			name:     "socket missing",
			err:      errors.New("dial unix /var/run/docker.sock: connect: no such file or directory"),
			expected: true,
		},
		{
			name:     "connection refused",
			err:      errors.New("dial tcp 127.0.0.1:2375: connect: connection refused"),
			expected: true,
		},
		{
			name:     "daemon not running",
			err:      errors.New("Cannot connect to the Docker daemon at unix:///var/run/docker.sock. Is the docker daemon running?"),
			expected: true,
		},
		{
			name:     "permission denied",
			err:      fmt.Errorf("%w: permission denied while trying to connect", ErrPermissionDenied),
			expected: false,
		},
		{
			name:     "unrelated error",
			err:      errors.New("invalid reference format"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isRetryableError(tt.err))
		})
	}
}

func TestDefaultPingRetryConfig(t *testing.T) {
	config := DefaultPingRetryConfig()

	assert.Equal(t, 5, config.MaxRetries)
	assert.Equal(t, 2*time.Second, config.InitialDelay)
	assert.Equal(t, 30*time.Second, config.MaxDelay)
	assert.Equal(t, 2.0, config.BackoffFactor)
}

type pingBackend struct {
	Backend
	errs  []error
	calls int
}

func (p *pingBackend) Ping(ctx context.Context) (ServerInfo, error) {
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return ServerInfo{}, err
	}
	return ServerInfo{Version: "28.5.2"}, nil
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}
}

func TestPingWithRetry(t *testing.T) {
	t.Run("recovers after daemon starts", func(t *testing.T) {
		b := &pingBackend{errs: []error{ErrUnreachable, ErrUnreachable}}
		info, err := PingWithRetry(context.Background(), b, fastRetry(), slog.Default())
		require.NoError(t, err)
		assert.Equal(t, "28.5.2", info.Version)
		assert.Equal(t, 3, b.calls)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		b := &pingBackend{errs: []error{ErrPermissionDenied}}
		_, err := PingWithRetry(context.Background(), b, fastRetry(), slog.Default())
		assert.ErrorIs(t, err, ErrPermissionDenied)
		assert.Equal(t, 1, b.calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		b := &pingBackend{errs: []error{ErrUnreachable, ErrUnreachable, ErrUnreachable, ErrUnreachable, ErrUnreachable}}
		_, err := PingWithRetry(context.Background(), b, fastRetry(), slog.Default())
		assert.ErrorIs(t, err, ErrUnreachable)
		assert.Equal(t, 4, b.calls)
	})

	t.Run("honors cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		b := &pingBackend{errs: []error{ErrUnreachable, ErrUnreachable}}
		_, err := PingWithRetry(ctx, b, RetryConfig{MaxRetries: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 1}, slog.Default())
		assert.ErrorIs(t, err, context.Canceled)
	})
}
