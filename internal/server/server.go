// Package server exposes metrics, health checks, the live run status and the
// run controls over HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imedwei/docker-backup/internal/backup"
	"github.com/imedwei/docker-backup/internal/health"
)

// Controller is the run state the server reports and steers.
type Controller interface {
	Snapshot() backup.Snapshot
	RequestPause()
	Resume()
	RequestSkip()
	RequestCancel()
}

// Server represents the HTTP server for metrics, health checks and run
// control.
type Server struct {
	server  *http.Server
	router  chi.Router
	logger  *slog.Logger
	checker *health.Checker
	control Controller
}

// Config holds server configuration.
type Config struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Port:            8080,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// New creates a new HTTP server.
func New(config Config, control Controller, checker *health.Checker, logger *slog.Logger) *Server {
	if checker == nil {
		checker = health.NewChecker()
	}
	s := &Server{
		router:  chi.NewRouter(),
		logger:  logger.With("component", "server"),
		checker: checker,
		control: control,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)

	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/health", checker.Handler())
	s.router.Get("/ready", checker.ReadinessHandler())
	s.router.Get("/live", health.LivenessHandler())
	s.router.Get("/status", s.handleStatus)
	s.router.Post("/control/{action}", s.handleControl)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// RegisterHealthCheck registers a health check function.
func (s *Server) RegisterHealthCheck(name string, fn health.CheckFunc, readiness bool) {
	s.checker.RegisterCheck(name, fn, readiness)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.control.Snapshot())
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	switch action {
	case "pause":
		s.control.RequestPause()
	case "resume":
		s.control.Resume()
	case "skip":
		s.control.RequestSkip()
	case "cancel":
		s.control.RequestCancel()
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown action " + action})
		return
	}

	snap := s.control.Snapshot()
	s.logger.Info("Control requested", "action", action, "run_id", snap.RunID, "phase", snap.Phase)
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}
