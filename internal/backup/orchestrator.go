// Package backup runs backup and restore operations: it walks the selected
// resources phase by phase, honours pause, skip and cancel requests at item
// boundaries and publishes progress through a Status handle.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/imedwei/docker-backup/internal/config"
	"github.com/imedwei/docker-backup/internal/docker"
	"github.com/imedwei/docker-backup/internal/driver"
	"github.com/imedwei/docker-backup/internal/envelope"
	"github.com/imedwei/docker-backup/internal/generation"
	"github.com/imedwei/docker-backup/internal/metrics"
	"github.com/imedwei/docker-backup/internal/ratelimit"
	"github.com/imedwei/docker-backup/internal/retention"
	"github.com/imedwei/docker-backup/internal/storage"
	"github.com/imedwei/docker-backup/internal/transfer"
	"github.com/imedwei/docker-backup/internal/utils"
)

var (
	// ErrPrecondition is returned when a run cannot start. No item has been
	// attempted when it is returned.
	ErrPrecondition = errors.New("precondition failed")
	// ErrPolicyViolation is returned when a request is rejected before any
	// mutation, for example a colliding rename.
	ErrPolicyViolation = errors.New("policy violation")
)

// Dependencies are the collaborators of an Orchestrator.
type Dependencies struct {
	Backend docker.Backend
	Staging *generation.Staging
	Remotes []storage.Storage
	// Keys is nil when encryption is disabled.
	Keys *envelope.KeyMaterial
	// Status receives progress; a fresh handle is used when nil.
	Status      *Status
	ToolVersion string
}

// Orchestrator coordinates backup and restore runs against one staging root.
type Orchestrator struct {
	backend     docker.Backend
	staging     *generation.Staging
	local       storage.Storage
	remotes     []storage.Storage
	keys        *envelope.KeyMaterial
	driver      *driver.Driver
	status      *Status
	rateLimiter ratelimit.RateLimiter
	policy      retention.Policy
	pingRetry   docker.RetryConfig
	toolVersion string
	now         func() time.Time
	logger      *slog.Logger
}

// NewOrchestrator creates a new orchestrator.
func NewOrchestrator(cfg *config.Config, deps Dependencies, logger *slog.Logger) (*Orchestrator, error) {
	logger = logger.With("component", "orchestrator")

	var compression driver.Compression
	if cfg.Compression.Enabled {
		format, err := transfer.ParseFormat(cfg.Compression.Format)
		if err != nil {
			return nil, err
		}
		compression = driver.Compression{Enabled: true, Format: format, Level: cfg.Compression.Level}
	}

	weekStart, err := config.ParseWeekday(cfg.Retention.WeekStart)
	if err != nil {
		return nil, err
	}

	local, err := storage.NewLocalStorage("staging", deps.Staging.Root(), logger)
	if err != nil {
		return nil, err
	}

	status := deps.Status
	if status == nil {
		status = NewStatus(DefaultMaxErrors)
	}

	o := &Orchestrator{
		backend: deps.Backend,
		staging: deps.Staging,
		local:   local,
		remotes: deps.Remotes,
		keys:    deps.Keys,
		driver: driver.New(deps.Backend, deps.Staging, driver.Options{
			Compression:  compression,
			LogTailLines: cfg.Docker.LogTailLines,
		}, logger),
		status: status,
		policy: retention.Policy{
			KeepDaily:        cfg.Retention.Daily,
			KeepWeekly:       cfg.Retention.Weekly,
			KeepMonthly:      cfg.Retention.Monthly,
			MaxStorageBytes:  cfg.Retention.MaxStorageBytes(),
			WarningThreshold: cfg.Retention.WarningThreshold,
			CleanupThreshold: cfg.Retention.CleanupThreshold,
			WeekStart:        weekStart,
		},
		pingRetry:   docker.DefaultPingRetryConfig(),
		toolVersion: deps.ToolVersion,
		now:         time.Now,
		logger:      logger,
	}
	// generation IDs and respawn protection must read the same clock
	o.rateLimiter = ratelimit.NewTimeBasedLimiter(ratelimit.Config{
		MinInterval: cfg.GetRespawnProtectionDuration(),
		Force:       cfg.Backup.ForceBackup,
		Now:         func() time.Time { return o.now() },
	})
	return o, nil
}

// Status returns the handle observers read and control.
func (o *Orchestrator) Status() *Status {
	return o.status
}

// Retention returns an enforcer for the configured policy.
func (o *Orchestrator) Retention() *retention.Enforcer {
	return retention.NewEnforcer(o.policy, o.logger).WithClock(o.now)
}

// BackupRequest selects what a backup run captures.
type BackupRequest struct {
	// Containers limits the run to these containers, their named volumes and
	// their networks. Empty selects everything.
	Containers []string
	// Kinds limits the resource kinds captured. Empty selects all kinds.
	Kinds       []generation.Kind
	Incremental bool
	// Force bypasses respawn protection.
	Force bool
}

// UploadOutcome is the result of uploading to one remote.
type UploadOutcome struct {
	Remote string
	Status generation.Status
	Bytes  int64
	Error  string
}

// BackupResult summarizes a backup run.
type BackupResult struct {
	RunID        string
	GenerationID string
	Phase        Phase
	Succeeded    int
	Failed       int
	Skipped      int
	// Blocked is set when respawn protection skipped the run.
	Blocked   bool
	Reason    string
	Uploads   []UploadOutcome
	Retention []*retention.CleanupResult
	Duration  time.Duration
}

// Summary reports resource outcomes.
func (r *BackupResult) Summary() string {
	return fmt.Sprintf("%d succeeded, %d failed, %d skipped", r.Succeeded, r.Failed, r.Skipped)
}

var backupPhases = []struct {
	phase Phase
	kind  generation.Kind
}{
	{PhaseContainers, generation.KindContainer},
	{PhaseVolumes, generation.KindVolume},
	{PhaseNetworks, generation.KindNetwork},
}

// RunBackup captures the selected resources into a new generation, encrypts
// it when keys are configured, uploads it to every remote and applies
// retention. Item failures are recorded and do not abort the run; an error
// is returned only when the run could not start or the generation could not
// be sealed.
func (o *Orchestrator) RunBackup(ctx context.Context, req BackupRequest) (*BackupResult, error) {
	start := o.now()
	runID := uuid.NewString()
	logger := o.logger.With("run_id", runID, "operation", "backup")
	o.status.start(runID, "backup")

	result := &BackupResult{RunID: runID}
	fail := func(err error) (*BackupResult, error) {
		logger.Error("Backup failed", "error", err)
		o.status.addError("backup", err)
		o.status.setPhase(PhaseFailed)
		result.Phase = PhaseFailed
		result.Duration = o.now().Sub(start)
		metrics.RecordRun("backup", false)
		return result, err
	}

	unlock, err := o.staging.Lock()
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrPrecondition, err))
	}
	defer func() {
		if err := unlock(); err != nil {
			logger.Warn("Failed to release staging lock", "error", err)
		}
	}()

	if err := o.staging.CheckWritable(); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrPrecondition, err))
	}
	if o.keys != nil && !o.keys.CanEncrypt() {
		return fail(fmt.Errorf("%w: %s key material cannot encrypt", ErrPrecondition, o.keys.Method))
	}

	if decision := o.checkRespawn(ctx, req.Force, logger); !decision.Allowed {
		logger.Info("Skipping backup due to respawn protection", "reason", decision.Reason)
		metrics.RateLimitBlocked.Inc()
		o.status.setPhase(PhaseDone)
		result.Phase = PhaseDone
		result.Blocked = true
		result.Reason = decision.Reason
		return result, nil
	}

	server, err := docker.PingWithRetry(ctx, o.backend, o.pingRetry, logger)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrPrecondition, err))
	}
	metrics.Info.WithLabelValues(o.toolVersion, server.Version).Set(1)

	refs, err := o.selectResources(ctx, req)
	if err != nil {
		return fail(fmt.Errorf("%w: resource discovery: %w", ErrPrecondition, err))
	}

	id := utils.GenerateGenerationID(start)
	gen, err := o.staging.Create(id, start)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrPrecondition, err))
	}
	result.GenerationID = id
	logger = logger.With("generation_id", id)

	if err := gen.Update(func(m *generation.Manifest) {
		m.DockerVersion = server.Version
		m.ToolVersion = o.toolVersion
		for _, ref := range refs {
			m.AddResource(ref)
		}
	}); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrPrecondition, err))
	}

	o.status.setTotal(len(refs) + len(o.remotes))
	logger.Info("Starting backup",
		"resources", len(refs),
		"remotes", len(o.remotes),
		"incremental", req.Incremental,
		"docker_version", server.Version)

	cancelled := false
	for _, p := range backupPhases {
		var items []generation.ResourceRef
		for _, ref := range refs {
			if ref.Kind == p.kind {
				items = append(items, ref)
			}
		}
		if len(items) == 0 {
			continue
		}

		o.status.setPhase(p.phase)
		phaseStart := o.now()
		for _, ref := range items {
			if !cancelled {
				o.status.waitWhilePaused(ctx)
				cancelled = o.stopRequested(ctx)
			}
			if cancelled {
				o.record(gen, ref, generation.StatusSkipped, nil, nil, logger)
				continue
			}
			o.captureItem(ctx, gen, ref, req.Incremental, logger)
		}
		metrics.PhaseDuration.WithLabelValues(string(p.phase)).Observe(o.now().Sub(phaseStart).Seconds())
	}

	if cancelled {
		if err := gen.Abort(o.now()); err != nil {
			logger.Error("Failed to finalize generation", "error", err)
		}
		o.tally(gen, result)
		o.status.setPhase(PhaseCancelled)
		result.Phase = PhaseCancelled
		result.Duration = o.now().Sub(start)
		metrics.RecordRun("backup", false)
		logger.Info("Backup cancelled", "summary", result.Summary())
		return result, nil
	}

	o.status.setPhase(PhaseUploading)
	uploadDir, include, cleanup, err := o.seal(ctx, gen, logger)
	if err != nil {
		if aerr := gen.Abort(o.now()); aerr != nil {
			logger.Warn("Failed to mark generation aborted", "error", aerr)
		}
		return fail(err)
	}
	defer cleanup()
	o.tally(gen, result)

	if size, err := generation.DirSize(gen.Path()); err == nil {
		metrics.GenerationSize.Set(float64(size))
	}

	accepted, cancelled := o.upload(ctx, id, uploadDir, include, result, logger)
	if cancelled {
		if err := gen.Abort(o.now()); err != nil {
			logger.Warn("Failed to mark generation aborted", "error", err)
		}
		o.status.setPhase(PhaseCancelled)
		result.Phase = PhaseCancelled
		result.Duration = o.now().Sub(start)
		metrics.RecordRun("backup", false)
		logger.Info("Backup cancelled during upload", "summary", result.Summary())
		return result, nil
	}

	o.applyRetention(ctx, append(accepted, o.local), result, logger)

	o.status.setPhase(PhaseDone)
	result.Phase = PhaseDone
	result.Duration = o.now().Sub(start)
	uploadsOK := len(accepted) == len(o.remotes)
	success := result.Failed == 0 && uploadsOK
	metrics.RecordRun("backup", success)
	if success {
		metrics.LastSuccessTimestamp.Set(float64(start.Unix()))
	}
	metrics.PhaseDuration.WithLabelValues("total").Observe(result.Duration.Seconds())

	logger.Info("Backup completed",
		"summary", result.Summary(),
		"uploaded_to", len(accepted),
		"duration", result.Duration)
	return result, nil
}

// checkRespawn consults the newest generation across the staging root and
// every remote. Listing failures are logged and ignored.
func (o *Orchestrator) checkRespawn(ctx context.Context, force bool, logger *slog.Logger) ratelimit.Decision {
	if force {
		return ratelimit.Decision{Allowed: true, Reason: "forced backup requested"}
	}
	if o.rateLimiter.MinInterval() <= 0 {
		return ratelimit.Decision{Allowed: true, Reason: "respawn protection disabled"}
	}

	var last time.Time
	for _, s := range append([]storage.Storage{o.local}, o.remotes...) {
		t, err := storage.LastGenerationTime(ctx, s)
		if err != nil {
			logger.Warn("Failed to get last generation time, ignoring remote", "remote", s.Name(), "error", err)
			continue
		}
		if t.After(last) {
			last = t
		}
	}

	decision := o.rateLimiter.Check(last)
	logger.Info("Rate limiter decision", "allowed", decision.Allowed, "reason", decision.Reason)
	return decision
}

// selectResources resolves a request into the ordered list of resources.
func (o *Orchestrator) selectResources(ctx context.Context, req BackupRequest) ([]generation.ResourceRef, error) {
	kinds := make(map[generation.Kind]bool)
	for _, k := range req.Kinds {
		kinds[k] = true
	}
	if len(kinds) == 0 {
		for _, k := range generation.AllKinds {
			kinds[k] = true
		}
	}

	listed, err := o.backend.ListContainers(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]docker.ContainerInfo, len(listed))
	for _, c := range listed {
		byName[c.Name] = c
	}

	var (
		containers []string
		volumes    []string
		networks   []string
	)
	if len(req.Containers) > 0 {
		// unknown names stay selected and fail as items
		containers = dedupe(req.Containers)
		var vols, nets []string
		for _, name := range containers {
			if c, ok := byName[name]; ok {
				vols = append(vols, c.Volumes...)
				for _, n := range c.Networks {
					if !docker.BuiltinNetworks[n] {
						nets = append(nets, n)
					}
				}
			}
		}
		volumes = dedupe(vols)
		networks = dedupe(nets)
	} else {
		for _, c := range listed {
			containers = append(containers, c.Name)
		}
		containers = dedupe(containers)
		if kinds[generation.KindVolume] {
			if volumes, err = o.backend.ListVolumes(ctx); err != nil {
				return nil, err
			}
			volumes = dedupe(volumes)
		}
		if kinds[generation.KindNetwork] {
			all, err := o.backend.ListNetworks(ctx)
			if err != nil {
				return nil, err
			}
			for _, n := range all {
				if !docker.BuiltinNetworks[n] {
					networks = append(networks, n)
				}
			}
			networks = dedupe(networks)
		}
	}

	var refs []generation.ResourceRef
	add := func(kind generation.Kind, names []string) {
		if !kinds[kind] {
			return
		}
		for _, n := range names {
			refs = append(refs, generation.ResourceRef{Kind: kind, Name: n})
		}
	}
	add(generation.KindContainer, containers)
	add(generation.KindVolume, volumes)
	add(generation.KindNetwork, networks)
	return refs, nil
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	var out []string
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (o *Orchestrator) stopRequested(ctx context.Context) bool {
	return o.status.cancelled() || ctx.Err() != nil
}

// captureItem runs one driver call. A skip request cancels the item's
// context; an item that finishes regardless keeps its result.
func (o *Orchestrator) captureItem(ctx context.Context, gen *generation.Generation, ref generation.ResourceRef, incremental bool, logger *slog.Logger) {
	itemCtx, end := o.status.beginItem(ctx, ref.String())
	defer end()

	if o.status.takeSkip() {
		o.record(gen, ref, generation.StatusSkipped, nil, nil, logger)
		return
	}

	var (
		apply func(m *generation.Manifest)
		err   error
	)
	switch ref.Kind {
	case generation.KindContainer:
		var a *generation.ContainerArtifact
		if a, err = o.driver.CaptureContainer(itemCtx, gen, ref.Name); err == nil {
			apply = func(m *generation.Manifest) { m.Containers[ref.Name] = *a }
		}
	case generation.KindVolume:
		var a *generation.VolumeArtifact
		a, err = o.driver.CaptureVolume(itemCtx, gen, ref.Name, incremental, func(n int64) { o.status.setBytes(n) })
		if err == nil {
			apply = func(m *generation.Manifest) { m.Volumes[ref.Name] = *a }
		}
	case generation.KindNetwork:
		var a *generation.NetworkArtifact
		if a, err = o.driver.CaptureNetwork(itemCtx, gen, ref.Name); err == nil {
			apply = func(m *generation.Manifest) { m.Networks[ref.Name] = *a }
		}
	default:
		err = fmt.Errorf("unknown resource kind %q", ref.Kind)
	}

	skipped := o.status.takeSkip()
	switch {
	case err != nil && skipped:
		o.record(gen, ref, generation.StatusSkipped, nil, nil, logger)
	case err != nil:
		o.record(gen, ref, generation.StatusFailed, err, nil, logger)
	default:
		o.record(gen, ref, generation.StatusSuccess, nil, apply, logger)
	}
}

// record persists an item outcome in the manifest and publishes it.
func (o *Orchestrator) record(gen *generation.Generation, ref generation.ResourceRef, status generation.Status, cause error, apply func(m *generation.Manifest), logger *slog.Logger) {
	if err := gen.Update(func(m *generation.Manifest) {
		if apply != nil {
			apply(m)
		}
		m.SetStatus(ref, status, cause)
	}); err != nil {
		logger.Error("Failed to update manifest", "item", ref.String(), "error", err)
		o.status.addError(ref.String(), err)
	}

	metrics.RecordItem("backup", string(ref.Kind), string(status))
	switch status {
	case generation.StatusFailed:
		logger.Warn("Item failed", "item", ref.String(), "error", cause)
		o.status.addError(ref.String(), cause)
	case generation.StatusSkipped:
		logger.Info("Item skipped", "item", ref.String())
	default:
		logger.Info("Item captured", "item", ref.String())
	}
}

func (o *Orchestrator) tally(gen *generation.Generation, result *BackupResult) {
	m := gen.Manifest()
	result.Succeeded, result.Failed, result.Skipped = m.Counts()
}

// seal finalizes the manifest and, with keys configured, builds the
// encrypted twin. It returns the directory to upload, the upload filter and a
// function that discards the twin. Encryption failures are fatal so that no
// plaintext reaches a remote.
func (o *Orchestrator) seal(ctx context.Context, gen *generation.Generation, logger *slog.Logger) (string, func(string) bool, func(), error) {
	if o.keys != nil {
		if err := gen.Update(func(m *generation.Manifest) {
			m.Encrypted = true
			m.EncryptionMethod = string(o.keys.Method)
			m.EncryptionKeyID = o.keys.KeyID()
		}); err != nil {
			return "", nil, nil, err
		}
	}
	if err := gen.Finalize(o.now()); err != nil {
		return "", nil, nil, fmt.Errorf("failed to finalize generation %s: %w", gen.ID(), err)
	}
	m := gen.Manifest()

	if o.keys == nil {
		return gen.Path(), m.Uploadable, func() {}, nil
	}

	encStart := o.now()
	dst := o.staging.EncryptedPath(gen.ID())
	meta, err := envelope.EncryptDirectory(ctx, o.keys, gen.Path(), dst, envelope.DirOptions{
		Include:   m.Uploadable,
		Plaintext: func(rel string) bool { return rel == generation.ManifestFile },
		Now:       o.now,
	})
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to encrypt generation %s: %w", gen.ID(), err)
	}
	metrics.PhaseDuration.WithLabelValues("encrypt").Observe(o.now().Sub(encStart).Seconds())
	logger.Info("Generation encrypted",
		"method", meta.Method,
		"key_id", meta.KeyID,
		"files", len(meta.Files))

	return dst, nil, func() {
		if err := os.RemoveAll(dst); err != nil {
			logger.Warn("Failed to remove encrypted copy", "path", dst, "error", err)
		}
	}, nil
}

// upload sends the generation to each remote as one item. Failures are
// recorded and the next remote is still attempted.
func (o *Orchestrator) upload(ctx context.Context, id, dir string, include func(string) bool, result *BackupResult, logger *slog.Logger) ([]storage.Storage, bool) {
	var accepted []storage.Storage
	cancelled := false
	for _, remote := range o.remotes {
		item := "upload:" + remote.Name()
		if !cancelled {
			o.status.waitWhilePaused(ctx)
			cancelled = o.stopRequested(ctx)
		}
		if cancelled {
			result.Uploads = append(result.Uploads, UploadOutcome{Remote: remote.Name(), Status: generation.StatusSkipped})
			continue
		}

		outcome := o.uploadOne(ctx, remote, item, id, dir, include, logger)
		result.Uploads = append(result.Uploads, outcome)
		if outcome.Status == generation.StatusSuccess {
			accepted = append(accepted, remote)
		}
	}
	return accepted, cancelled
}

func (o *Orchestrator) uploadOne(ctx context.Context, remote storage.Storage, item, id, dir string, include func(string) bool, logger *slog.Logger) UploadOutcome {
	itemCtx, end := o.status.beginItem(ctx, item)
	defer end()

	outcome := UploadOutcome{Remote: remote.Name()}
	if o.status.takeSkip() {
		outcome.Status = generation.StatusSkipped
		return outcome
	}

	logger.Info("Uploading generation", "remote", remote.Name())
	res, err := remote.Upload(itemCtx, storage.UploadRequest{
		LocalPath:    dir,
		GenerationID: id,
		Include:      include,
		Progress: func(n int64, _ time.Duration) {
			o.status.setBytes(n)
		},
	})
	skipped := o.status.takeSkip()
	switch {
	case err != nil && skipped:
		outcome.Status = generation.StatusSkipped
		logger.Info("Upload skipped", "remote", remote.Name())
	case err != nil:
		outcome.Status = generation.StatusFailed
		outcome.Error = err.Error()
		metrics.RecordStorageOperation("upload", remote.Name(), false)
		logger.Error("Upload failed", "remote", remote.Name(), "error", err)
		o.status.addError(item, err)
	default:
		outcome.Status = generation.StatusSuccess
		outcome.Bytes = res.Bytes
		metrics.RecordStorageOperation("upload", remote.Name(), true)
		metrics.BytesUploaded.WithLabelValues(remote.Name()).Add(float64(res.Bytes))
		logger.Info("Upload completed",
			"remote", remote.Name(),
			"files", res.Files,
			"bytes", res.Bytes,
			"duration", res.Duration)
	}
	return outcome
}

// applyRetention enforces the policy on each target. Failures are recorded
// and never fail the run.
func (o *Orchestrator) applyRetention(ctx context.Context, targets []storage.Storage, result *BackupResult, logger *slog.Logger) {
	enforcer := o.Retention()
	for _, target := range targets {
		_, cleanup, err := enforcer.Enforce(ctx, target)
		if cleanup != nil {
			result.Retention = append(result.Retention, cleanup)
		}
		if err != nil {
			logger.Warn("Retention incomplete", "remote", target.Name(), "error", err)
			o.status.addError("retention:"+target.Name(), err)
		}
	}
}
