package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/imedwei/docker-backup/internal/docker"
	"github.com/imedwei/docker-backup/internal/generation"
	"github.com/imedwei/docker-backup/internal/transfer"
	"github.com/imedwei/docker-backup/internal/utils"
)

// progressInterval is how often volume imports report progress, in bytes.
const progressInterval = 1 << 20

// RestoreResult summarizes one restored resource.
type RestoreResult struct {
	Kind   generation.Kind
	Source string
	Target string
	Bytes  int64
	Files  int
	// Replaced is set when an existing target was overwritten.
	Replaced bool
}

// TargetOccupied reports whether restoring into name would replace live
// state: an existing container or network, or a volume holding data.
func (d *Driver) TargetOccupied(ctx context.Context, kind generation.Kind, name string) (bool, error) {
	switch kind {
	case generation.KindContainer:
		return d.backend.ContainerExists(ctx, name)
	case generation.KindNetwork:
		return d.backend.NetworkExists(ctx, name)
	case generation.KindVolume:
		exists, err := d.backend.VolumeExists(ctx, name)
		if err != nil || !exists {
			return false, err
		}
		empty, err := d.backend.VolumeIsEmpty(ctx, name)
		return !empty, err
	}
	return false, fmt.Errorf("unknown resource kind %q", kind)
}

// RestoreNetwork recreates a network under target. An existing network is
// removed first only when force is set.
func (d *Driver) RestoreNetwork(ctx context.Context, gen *generation.Generation, name, target string, force bool) (*RestoreResult, error) {
	m := gen.Manifest()
	artifact, ok := m.Networks[name]
	if !ok {
		return nil, fmt.Errorf("%w: network %s is not in generation %s", ErrResourceNotFound, name, gen.ID())
	}
	raw, err := os.ReadFile(gen.Dir(filepath.FromSlash(artifact.ConfigFile)))
	if err != nil {
		return nil, fmt.Errorf("failed to read network config: %w", err)
	}
	spec, err := docker.NetworkSpecFromInspect(raw, target)
	if err != nil {
		return nil, err
	}

	res := &RestoreResult{Kind: generation.KindNetwork, Source: name, Target: target}
	exists, err := d.backend.NetworkExists(ctx, target)
	if err != nil {
		return nil, err
	}
	if exists {
		if !force {
			return nil, fmt.Errorf("%w: network %s", ErrTargetExists, target)
		}
		if err := d.backend.RemoveNetwork(ctx, target); err != nil {
			return nil, fmt.Errorf("failed to remove existing network %s: %w", target, err)
		}
		res.Replaced = true
	}

	if _, err := d.backend.CreateNetwork(ctx, spec); err != nil {
		return nil, fmt.Errorf("failed to create network %s: %w", target, err)
	}
	return res, nil
}

// RestoreContainer recreates a container under target from its captured
// configuration, rewriting volume and network references through renames.
// The container is created but not started.
func (d *Driver) RestoreContainer(ctx context.Context, gen *generation.Generation, name, target string, renames docker.Renames, force bool) (*RestoreResult, error) {
	m := gen.Manifest()
	artifact, ok := m.Containers[name]
	if !ok {
		return nil, fmt.Errorf("%w: container %s is not in generation %s", ErrResourceNotFound, name, gen.ID())
	}
	raw, err := os.ReadFile(gen.Dir(filepath.FromSlash(artifact.ConfigFile)))
	if err != nil {
		return nil, fmt.Errorf("failed to read container config: %w", err)
	}
	spec, err := docker.ContainerSpecFromInspect(raw, target, renames)
	if err != nil {
		return nil, err
	}

	res := &RestoreResult{Kind: generation.KindContainer, Source: name, Target: target}
	exists, err := d.backend.ContainerExists(ctx, target)
	if err != nil {
		return nil, err
	}
	if exists {
		if !force {
			return nil, fmt.Errorf("%w: container %s", ErrTargetExists, target)
		}
		if err := d.backend.RemoveContainer(ctx, target); err != nil {
			return nil, fmt.Errorf("failed to remove existing container %s: %w", target, err)
		}
		res.Replaced = true
	}

	if _, err := d.backend.CreateContainer(ctx, spec); err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", target, err)
	}
	return res, nil
}

// PrepareVolume creates target with the captured driver, options and labels
// unless it already exists, and reports whether it created it. Restoring
// volumes before the containers that mount them keeps the daemon from
// creating them with default settings.
func (d *Driver) PrepareVolume(ctx context.Context, gen *generation.Generation, name, target string) (bool, error) {
	m := gen.Manifest()
	artifact, ok := m.Volumes[name]
	if !ok {
		return false, fmt.Errorf("%w: volume %s is not in generation %s", ErrResourceNotFound, name, gen.ID())
	}
	exists, err := d.backend.VolumeExists(ctx, target)
	if err != nil || exists {
		return false, err
	}
	err = d.backend.CreateVolume(ctx, docker.VolumeInfo{
		Name:       target,
		Driver:     artifact.Driver,
		DriverOpts: artifact.DriverOpts,
		Labels:     artifact.Labels,
	})
	if err != nil {
		return false, fmt.Errorf("failed to create volume %s: %w", target, err)
	}
	return true, nil
}

// RestoreVolume copies a captured volume into target, creating it if absent.
// An existing non-empty target is only written when force is set, and is
// emptied first so nothing outside the captured tree survives.
func (d *Driver) RestoreVolume(ctx context.Context, gen *generation.Generation, name, target string, force bool, progress ProgressFunc) (*RestoreResult, error) {
	m := gen.Manifest()
	artifact, ok := m.Volumes[name]
	if !ok {
		return nil, fmt.Errorf("%w: volume %s is not in generation %s", ErrResourceNotFound, name, gen.ID())
	}

	res := &RestoreResult{Kind: generation.KindVolume, Source: name, Target: target}
	created, err := d.PrepareVolume(ctx, gen, name, target)
	if err != nil {
		return nil, err
	}
	if !created {
		empty, err := d.backend.VolumeIsEmpty(ctx, target)
		if err != nil {
			return nil, err
		}
		if !empty {
			if !force {
				return nil, fmt.Errorf("%w: volume %s is not empty", ErrTargetExists, target)
			}
			if err := d.backend.ClearVolume(ctx, target); err != nil {
				return nil, fmt.Errorf("failed to clear existing volume %s: %w", target, err)
			}
			res.Replaced = true
		}
	}

	src, cleanup, err := d.volumeSource(ctx, gen, artifact)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	pr, pw := io.Pipe()
	go func() {
		_ = pw.CloseWithError(transfer.Pack(ctx, src, pw))
	}()
	counter := utils.NewProgressReader(pr, progressInterval, func(n int64, _ time.Duration) {
		if progress != nil {
			progress(n)
		}
	})

	err = d.backend.ImportVolume(ctx, target, counter)
	_ = pr.CloseWithError(errors.New("import finished"))
	if err != nil {
		return nil, fmt.Errorf("failed to import volume %s: %w", target, err)
	}
	res.Bytes = counter.BytesRead()
	if progress != nil {
		progress(res.Bytes)
	}
	res.Files = fileCount(src)
	return res, nil
}

// volumeSource returns a directory holding the volume tree: the staged tree
// when present, otherwise the archive decompressed into a scratch directory.
func (d *Driver) volumeSource(ctx context.Context, gen *generation.Generation, a generation.VolumeArtifact) (string, func(), error) {
	noop := func() {}
	if a.Tree != "" {
		tree := gen.Dir(filepath.FromSlash(a.Tree))
		if info, err := os.Stat(tree); err == nil && info.IsDir() {
			return tree, noop, nil
		}
	}
	if !a.Compressed || a.Archive == "" {
		return "", noop, fmt.Errorf("%w: volume %s has no staged data", ErrResourceNotFound, a.VolumeName)
	}

	tmp, err := d.staging.TempDir("restore-" + a.VolumeName)
	if err != nil {
		return "", noop, err
	}
	cleanup := func() { _ = os.RemoveAll(tmp) }
	if _, err := transfer.Decompress(ctx, gen.Dir(filepath.FromSlash(a.Archive)), tmp); err != nil {
		cleanup()
		return "", noop, fmt.Errorf("failed to decompress volume %s: %w", a.VolumeName, err)
	}
	return tmp, cleanup, nil
}

func fileCount(dir string) int {
	n := 0
	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err == nil && d.Type().IsRegular() {
			n++
		}
		return nil
	})
	return n
}
