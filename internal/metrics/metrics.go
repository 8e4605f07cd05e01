// Package metrics provides Prometheus metrics for the backup service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunAttempts tracks backup and restore runs by outcome.
	RunAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docker_backup_runs_total",
		Help: "Total number of backup and restore runs",
	}, []string{"operation", "status"})

	// ItemOutcomes tracks per-resource results.
	ItemOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docker_backup_items_total",
		Help: "Total number of resources processed",
	}, []string{"operation", "kind", "status"})

	// PhaseDuration tracks the duration of run phases.
	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docker_backup_phase_duration_seconds",
		Help:    "Duration of backup phases in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
	}, []string{"phase"})

	// BytesUploaded tracks bytes sent to each remote.
	BytesUploaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docker_backup_uploaded_bytes_total",
		Help: "Total bytes uploaded to remotes",
	}, []string{"remote"})

	// GenerationSize tracks the staged size of the last generation.
	GenerationSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docker_backup_generation_size_bytes",
		Help: "Staged size of the last backup generation in bytes",
	})

	// StorageOperations tracks remote operations.
	StorageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docker_backup_storage_operations_total",
		Help: "Total number of storage operations",
	}, []string{"operation", "remote", "status"})

	// RateLimitBlocked tracks runs skipped by respawn protection.
	RateLimitBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docker_backup_rate_limit_blocked_total",
		Help: "Total number of backups blocked by respawn protection",
	})

	// LastSuccessTimestamp tracks when the last successful backup finished.
	LastSuccessTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docker_backup_last_success_timestamp",
		Help: "Unix timestamp of the last successful backup",
	})

	// GenerationsDeleted tracks generations removed by retention.
	GenerationsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docker_backup_generations_deleted_total",
		Help: "Total number of generations deleted by retention",
	}, []string{"remote"})

	// BytesFreed tracks storage released by retention.
	BytesFreed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docker_backup_freed_bytes_total",
		Help: "Total bytes freed by retention",
	}, []string{"remote"})

	// Info provides static information about the service.
	Info = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "docker_backup_info",
		Help: "Information about the backup service",
	}, []string{"version", "docker_version"})
)

// RecordRun records a finished run.
func RecordRun(operation string, success bool) {
	RunAttempts.WithLabelValues(operation, status(success)).Inc()
}

// RecordItem records the outcome of one resource.
func RecordItem(operation, kind, outcome string) {
	ItemOutcomes.WithLabelValues(operation, kind, outcome).Inc()
}

// RecordStorageOperation records a storage operation.
func RecordStorageOperation(operation, remote string, success bool) {
	StorageOperations.WithLabelValues(operation, remote, status(success)).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
