package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/zeebo/errs"

	"github.com/imedwei/docker-backup/internal/metrics"
	"github.com/imedwei/docker-backup/internal/storage"
)

// Error is the class of cleanup failures.
var Error = errs.Class("retention")

// CleanupResult summarizes ExecuteCleanup.
type CleanupResult struct {
	Remote     string
	Deleted    []string
	FreedBytes int64
	Errors     []CleanupError
}

// CleanupError is the failure to delete one generation.
type CleanupError struct {
	GenerationID string
	Err          error
}

func (e CleanupError) Error() string {
	return fmt.Sprintf("generation %s: %v", e.GenerationID, e.Err)
}

func (e CleanupError) Unwrap() error {
	return e.Err
}

// Err combines every deletion failure, or returns nil.
func (r *CleanupResult) Err() error {
	var group errs.Group
	for _, e := range r.Errors {
		group.Add(e)
	}
	if err := group.Err(); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// ExecuteCleanup deletes every generation in deleteSet from remote. A failed
// deletion is recorded and the remaining generations are still attempted.
// Newer generations go first so a failure never leaves a kept generation
// whose link reference is already gone.
func ExecuteCleanup(ctx context.Context, remote storage.Storage, deleteSet []string, logger *slog.Logger) *CleanupResult {
	ids := append([]string(nil), deleteSet...)
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	result := &CleanupResult{Remote: remote.Name()}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, CleanupError{GenerationID: id, Err: err})
			continue
		}

		res, err := remote.Delete(ctx, id)
		if res != nil {
			result.FreedBytes += res.FreedBytes
		}
		if err != nil {
			logger.Error("Failed to delete generation",
				"remote", remote.Name(),
				"generation_id", id,
				"error", err)
			metrics.RecordStorageOperation("delete", remote.Name(), false)
			result.Errors = append(result.Errors, CleanupError{GenerationID: id, Err: err})
			continue
		}

		logger.Info("Deleted generation", "remote", remote.Name(), "generation_id", id)
		metrics.RecordStorageOperation("delete", remote.Name(), true)
		metrics.GenerationsDeleted.WithLabelValues(remote.Name()).Inc()
		if res != nil {
			metrics.BytesFreed.WithLabelValues(remote.Name()).Add(float64(res.FreedBytes))
		}
		result.Deleted = append(result.Deleted, id)
	}
	return result
}

// Enforcer applies a policy to remotes.
type Enforcer struct {
	policy Policy
	now    func() time.Time
	logger *slog.Logger
}

// NewEnforcer creates an Enforcer.
func NewEnforcer(policy Policy, logger *slog.Logger) *Enforcer {
	return &Enforcer{policy: policy, now: time.Now, logger: logger.With("component", "retention")}
}

// WithClock replaces the time source used to evaluate buckets.
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	e.now = now
	return e
}

// Preview lists remote and plans retention without deleting anything.
func (e *Enforcer) Preview(ctx context.Context, remote storage.Storage) (*Plan, error) {
	gens, err := remote.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", remote.Name(), err)
	}
	plan := PlanRetention(gens, e.policy, e.now())
	return &plan, nil
}

// Enforce plans retention for remote and deletes the candidates.
func (e *Enforcer) Enforce(ctx context.Context, remote storage.Storage) (*Plan, *CleanupResult, error) {
	plan, err := e.Preview(ctx, remote)
	if err != nil {
		return nil, nil, err
	}

	e.logger.Info("Retention plan",
		"remote", remote.Name(),
		"keep", len(plan.Keep),
		"delete", len(plan.Delete),
		"used_bytes", plan.UsedBytes,
		"retained_bytes", plan.RetainedBytes)
	if plan.Quota.Warning {
		e.logger.Warn("Storage quota warning",
			"remote", remote.Name(),
			"percent", fmt.Sprintf("%.1f", plan.Quota.Percent))
	}
	if plan.OverQuota {
		e.logger.Warn("Retained generations exceed storage quota",
			"remote", remote.Name(),
			"retained_bytes", plan.RetainedBytes,
			"max_bytes", plan.Quota.MaxBytes)
	}

	result := ExecuteCleanup(ctx, remote, plan.Delete, e.logger)
	return plan, result, result.Err()
}
