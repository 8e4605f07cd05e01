package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/imedwei/docker-backup/internal/docker"
	"github.com/imedwei/docker-backup/internal/driver"
	"github.com/imedwei/docker-backup/internal/envelope"
	"github.com/imedwei/docker-backup/internal/generation"
	"github.com/imedwei/docker-backup/internal/metrics"
	"github.com/imedwei/docker-backup/internal/storage"
)

// RestoreRequest selects what a restore run recreates.
type RestoreRequest struct {
	GenerationID string
	// Remote names the remote to fetch the generation from. Empty restores
	// from the staging root.
	Remote string
	// Targets limits the restore to these resources. Empty restores every
	// resource captured successfully.
	Targets []generation.ResourceRef
	// Renames maps a resource to the name it is restored under.
	Renames map[generation.ResourceRef]string
	// Force replaces existing targets.
	Force bool
}

// RestoredItem is the outcome of restoring one resource.
type RestoredItem struct {
	Ref      generation.ResourceRef
	Target   string
	Status   generation.Status
	Replaced bool
	Error    string
}

// RestoreResult summarizes a restore run.
type RestoreResult struct {
	RunID        string
	GenerationID string
	Phase        Phase
	Items        []RestoredItem
	Succeeded    int
	Failed       int
	Skipped      int
}

// Summary reports resource outcomes.
func (r *RestoreResult) Summary() string {
	return fmt.Sprintf("%d succeeded, %d failed, %d skipped", r.Succeeded, r.Failed, r.Skipped)
}

var restorePhases = []struct {
	phase Phase
	kind  generation.Kind
}{
	{PhaseNetworks, generation.KindNetwork},
	{PhaseContainers, generation.KindContainer},
	{PhaseVolumes, generation.KindVolume},
}

// RunRestore recreates resources from a generation in the order networks,
// containers, volumes. Rename collisions and occupied targets are rejected
// with ErrPolicyViolation before anything is changed.
func (o *Orchestrator) RunRestore(ctx context.Context, req RestoreRequest) (*RestoreResult, error) {
	runID := uuid.NewString()
	logger := o.logger.With("run_id", runID, "operation", "restore", "generation_id", req.GenerationID)
	o.status.start(runID, "restore")

	result := &RestoreResult{RunID: runID, GenerationID: req.GenerationID}
	fail := func(err error) (*RestoreResult, error) {
		logger.Error("Restore failed", "error", err)
		o.status.addError("restore", err)
		o.status.setPhase(PhaseFailed)
		result.Phase = PhaseFailed
		metrics.RecordRun("restore", false)
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

	gen, cleanup, err := o.fetch(ctx, req, logger)
	if err != nil {
		return fail(err)
	}
	defer cleanup()

	if _, err := docker.PingWithRetry(ctx, o.backend, o.pingRetry, logger); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrPrecondition, err))
	}

	items, err := restoreItems(gen, req)
	if err != nil {
		return fail(err)
	}
	if err := o.checkTargets(ctx, items, req, logger); err != nil {
		return fail(err)
	}

	renames := docker.Renames{Volumes: map[string]string{}, Networks: map[string]string{}}
	for ref, to := range req.Renames {
		switch ref.Kind {
		case generation.KindVolume:
			renames.Volumes[ref.Name] = to
		case generation.KindNetwork:
			renames.Networks[ref.Name] = to
		}
	}

	o.status.setTotal(len(items))
	logger.Info("Starting restore", "resources", len(items), "force", req.Force)

	// volumes go first so restored containers mount them with their captured
	// driver instead of a daemon default
	for _, ref := range items {
		if ref.Kind != generation.KindVolume {
			continue
		}
		target := targetName(ref, req.Renames)
		if created, err := o.driver.PrepareVolume(ctx, gen, ref.Name, target); err != nil {
			logger.Warn("Failed to pre-create volume", "volume", ref.Name, "target", target, "error", err)
		} else if created {
			logger.Debug("Volume pre-created", "volume", ref.Name, "target", target)
		}
	}

	cancelled := false
	for _, p := range restorePhases {
		var phaseItems []generation.ResourceRef
		for _, ref := range items {
			if ref.Kind == p.kind {
				phaseItems = append(phaseItems, ref)
			}
		}
		if len(phaseItems) == 0 {
			continue
		}

		o.status.setPhase(p.phase)
		for _, ref := range phaseItems {
			target := targetName(ref, req.Renames)
			if !cancelled {
				o.status.waitWhilePaused(ctx)
				cancelled = o.stopRequested(ctx)
			}
			if cancelled {
				result.add(RestoredItem{Ref: ref, Target: target, Status: generation.StatusSkipped})
				metrics.RecordItem("restore", string(ref.Kind), string(generation.StatusSkipped))
				continue
			}
			item := o.restoreItem(ctx, gen, ref, target, renames, req.Force, logger)
			result.add(item)
		}
	}

	if cancelled {
		o.status.setPhase(PhaseCancelled)
		result.Phase = PhaseCancelled
		metrics.RecordRun("restore", false)
		logger.Info("Restore cancelled", "summary", result.Summary())
		return result, nil
	}

	o.status.setPhase(PhaseDone)
	result.Phase = PhaseDone
	metrics.RecordRun("restore", result.Failed == 0)
	logger.Info("Restore completed", "summary", result.Summary())
	return result, nil
}

func (r *RestoreResult) add(item RestoredItem) {
	r.Items = append(r.Items, item)
	switch item.Status {
	case generation.StatusSuccess:
		r.Succeeded++
	case generation.StatusFailed:
		r.Failed++
	case generation.StatusSkipped:
		r.Skipped++
	}
}

func targetName(ref generation.ResourceRef, renames map[generation.ResourceRef]string) string {
	if to, ok := renames[ref]; ok && to != "" {
		return to
	}
	return ref.Name
}

// fetch opens the generation to restore. A remote generation is downloaded
// into a temporary directory under the staging root and decrypted next to
// it; the returned function removes both.
func (o *Orchestrator) fetch(ctx context.Context, req RestoreRequest, logger *slog.Logger) (*generation.Generation, func(), error) {
	noop := func() {}
	if req.Remote == "" {
		gen, err := o.staging.Open(req.GenerationID)
		if err != nil {
			return nil, noop, fmt.Errorf("%w: %w", ErrPrecondition, err)
		}
		return gen, noop, nil
	}

	var remote storage.Storage
	for _, r := range o.remotes {
		if r.Name() == req.Remote {
			remote = r
		}
	}
	if remote == nil {
		return nil, noop, fmt.Errorf("%w: unknown remote %q", ErrPrecondition, req.Remote)
	}

	tmp, err := o.staging.TempDir("restore")
	if err != nil {
		return nil, noop, fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	cleanup := func() {
		if err := os.RemoveAll(tmp); err != nil {
			logger.Warn("Failed to remove restore directory", "path", tmp, "error", err)
		}
	}

	o.status.setPhase(PhaseDownloading)
	downloaded := filepath.Join(tmp, "download")
	logger.Info("Downloading generation", "remote", remote.Name())
	if err := remote.Download(ctx, req.GenerationID, downloaded); err != nil {
		metrics.RecordStorageOperation("download", remote.Name(), false)
		cleanup()
		return nil, noop, fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	metrics.RecordStorageOperation("download", remote.Name(), true)

	dir := downloaded
	meta, err := envelope.ReadMetadata(downloaded)
	switch {
	case err == nil && meta.Encrypted:
		if o.keys == nil || !o.keys.CanDecrypt() {
			cleanup()
			return nil, noop, fmt.Errorf("%w: generation is encrypted (%s, key %s) and no decryption key is configured",
				ErrPrecondition, meta.Method, meta.KeyID)
		}
		dir = filepath.Join(tmp, "plain")
		if _, err := envelope.DecryptDirectory(ctx, o.keys, downloaded, dir); err != nil {
			cleanup()
			return nil, noop, fmt.Errorf("%w: %w", ErrPrecondition, err)
		}
		logger.Info("Generation decrypted", "method", meta.Method, "key_id", meta.KeyID)
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		cleanup()
		return nil, noop, fmt.Errorf("%w: %w", ErrPrecondition, err)
	}

	gen, err := generation.Load(dir)
	if err != nil {
		cleanup()
		return nil, noop, fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	return gen, cleanup, nil
}

// restoreItems resolves the request against the generation's successful
// resources.
func restoreItems(gen *generation.Generation, req RestoreRequest) ([]generation.ResourceRef, error) {
	m := gen.Manifest()
	available := make(map[generation.ResourceRef]bool)
	var all []generation.ResourceRef
	for _, kind := range generation.AllKinds {
		for _, name := range m.Succeeded(kind) {
			ref := generation.ResourceRef{Kind: kind, Name: name}
			available[ref] = true
			all = append(all, ref)
		}
	}

	items := all
	if len(req.Targets) > 0 {
		items = nil
		seen := make(map[generation.ResourceRef]bool)
		for _, ref := range req.Targets {
			if !available[ref] {
				return nil, fmt.Errorf("%w: %s is not restorable from generation %s", ErrPrecondition, ref, gen.ID())
			}
			if !seen[ref] {
				seen[ref] = true
				items = append(items, ref)
			}
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Kind != items[j].Kind {
			return items[i].Kind < items[j].Kind
		}
		return items[i].Name < items[j].Name
	})
	return items, nil
}

// checkTargets rejects renames of unselected resources, duplicate targets
// and, without force, targets that hold live state.
func (o *Orchestrator) checkTargets(ctx context.Context, items []generation.ResourceRef, req RestoreRequest, logger *slog.Logger) error {
	selected := make(map[generation.ResourceRef]bool, len(items))
	for _, ref := range items {
		selected[ref] = true
	}
	for ref := range req.Renames {
		if !selected[ref] {
			return fmt.Errorf("%w: rename of %s, which is not being restored", ErrPolicyViolation, ref)
		}
	}

	owners := make(map[generation.ResourceRef]generation.ResourceRef)
	var problems []string
	for _, ref := range items {
		target := generation.ResourceRef{Kind: ref.Kind, Name: targetName(ref, req.Renames)}
		if prev, dup := owners[target]; dup {
			problems = append(problems, fmt.Sprintf("%s and %s both restore to %s", prev, ref, target.Name))
			continue
		}
		owners[target] = ref
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrPolicyViolation, strings.Join(problems, "; "))
	}

	if req.Force {
		return nil
	}
	for _, ref := range items {
		target := targetName(ref, req.Renames)
		occupied, err := o.driver.TargetOccupied(ctx, ref.Kind, target)
		if err != nil {
			return fmt.Errorf("%w: checking %s %s: %w", ErrPrecondition, ref.Kind, target, err)
		}
		if occupied {
			problems = append(problems, fmt.Sprintf("%s %s already exists", ref.Kind, target))
		}
	}
	if len(problems) > 0 {
		logger.Warn("Restore targets collide with live resources", "conflicts", len(problems))
		return fmt.Errorf("%w: %s (use force to replace)", ErrPolicyViolation, strings.Join(problems, "; "))
	}
	return nil
}

func (o *Orchestrator) restoreItem(ctx context.Context, gen *generation.Generation, ref generation.ResourceRef, target string, renames docker.Renames, force bool, logger *slog.Logger) RestoredItem {
	itemCtx, end := o.status.beginItem(ctx, ref.String())
	defer end()

	item := RestoredItem{Ref: ref, Target: target}
	if o.status.takeSkip() {
		item.Status = generation.StatusSkipped
		metrics.RecordItem("restore", string(ref.Kind), string(item.Status))
		return item
	}

	var (
		res *driver.RestoreResult
		err error
	)
	switch ref.Kind {
	case generation.KindNetwork:
		res, err = o.driver.RestoreNetwork(itemCtx, gen, ref.Name, target, force)
	case generation.KindContainer:
		res, err = o.driver.RestoreContainer(itemCtx, gen, ref.Name, target, renames, force)
	case generation.KindVolume:
		res, err = o.driver.RestoreVolume(itemCtx, gen, ref.Name, target, force, func(n int64) { o.status.setBytes(n) })
	default:
		err = fmt.Errorf("unknown resource kind %q", ref.Kind)
	}

	skipped := o.status.takeSkip()
	switch {
	case err != nil && skipped:
		item.Status = generation.StatusSkipped
		logger.Info("Item skipped", "item", ref.String())
	case err != nil:
		item.Status = generation.StatusFailed
		item.Error = err.Error()
		logger.Warn("Item failed", "item", ref.String(), "target", target, "error", err)
		o.status.addError(ref.String(), err)
	default:
		item.Status = generation.StatusSuccess
		item.Replaced = res.Replaced
		logger.Info("Item restored", "item", ref.String(), "target", target, "replaced", res.Replaced)
	}
	metrics.RecordItem("restore", string(ref.Kind), string(item.Status))
	return item
}
