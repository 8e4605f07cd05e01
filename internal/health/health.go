// Package health provides health checks for the daemon and the staging root.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/imedwei/docker-backup/internal/docker"
	"github.com/imedwei/docker-backup/internal/generation"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a health check result.
type Check struct {
	Status    Status         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// CheckFunc performs one health check.
type CheckFunc func(ctx context.Context) Check

// Checker runs registered health checks.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	// ready lists the checks that gate readiness.
	ready map[string]bool
}

// NewChecker creates a new health checker.
func NewChecker() *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		ready:  make(map[string]bool),
	}
}

// RegisterCheck registers a health check. Checks registered with readiness
// set also gate the readiness endpoint.
func (c *Checker) RegisterCheck(name string, fn CheckFunc, readiness bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
	c.ready[name] = readiness
}

// CheckHealth performs all registered health checks.
func (c *Checker) CheckHealth(ctx context.Context) map[string]Check {
	return c.run(ctx, func(string) bool { return true })
}

func (c *Checker) run(ctx context.Context, filter func(name string) bool) map[string]Check {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		if filter(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	fns := make([]CheckFunc, len(names))
	for i, name := range names {
		fns[i] = c.checks[name]
	}
	c.mu.RUnlock()

	results := make(map[string]Check, len(names))
	for i, name := range names {
		results[name] = fns[i](ctx)
	}
	return results
}

// Handler reports every check, answering 503 when any is unhealthy.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResults(w, c.CheckHealth(r.Context()))
	}
}

// ReadinessHandler reports the readiness checks only.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.mu.RLock()
		ready := make(map[string]bool, len(c.ready))
		for name, ok := range c.ready {
			ready[name] = ok
		}
		c.mu.RUnlock()

		writeResults(w, c.run(r.Context(), func(name string) bool { return ready[name] }))
	}
}

func writeResults(w http.ResponseWriter, results map[string]Check) {
	overall := StatusHealthy
	for _, check := range results {
		if check.Status == StatusUnhealthy {
			overall = StatusUnhealthy
			break
		}
	}

	response := struct {
		Status    Status           `json:"status"`
		Checks    map[string]Check `json:"checks"`
		Timestamp time.Time        `json:"timestamp"`
	}{
		Status:    overall,
		Checks:    results,
		Timestamp: time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	if overall == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	// headers are already sent
	_ = json.NewEncoder(w).Encode(response)
}

// LivenessHandler returns a simple liveness check handler.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive\n"))
	}
}

// DockerCheck pings the daemon.
func DockerCheck(b docker.Backend, timeout time.Duration) CheckFunc {
	return func(ctx context.Context) Check {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		info, err := b.Ping(ctx)
		if err != nil {
			return unhealthy(err)
		}
		return Check{
			Status:    StatusHealthy,
			Timestamp: time.Now(),
			Details:   map[string]any{"version": info.Version, "api_version": info.APIVersion},
		}
	}
}

// StagingCheck verifies that the staging root is writable.
func StagingCheck(s *generation.Staging) CheckFunc {
	return func(ctx context.Context) Check {
		if err := s.CheckWritable(); err != nil {
			return unhealthy(err)
		}
		gens, err := s.List()
		if err != nil {
			return unhealthy(err)
		}
		return Check{
			Status:    StatusHealthy,
			Timestamp: time.Now(),
			Details:   map[string]any{"root": s.Root(), "generations": len(gens)},
		}
	}
}

func unhealthy(err error) Check {
	return Check{
		Status:    StatusUnhealthy,
		Timestamp: time.Now(),
		Details:   map[string]any{"error": err.Error()},
	}
}
