// Package driver captures Docker resources into a staged generation and
// restores them from one.
package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/imedwei/docker-backup/internal/docker"
	"github.com/imedwei/docker-backup/internal/generation"
	"github.com/imedwei/docker-backup/internal/transfer"
	"github.com/imedwei/docker-backup/internal/utils"
)

var (
	// ErrResourceNotFound is returned when a resource vanished before capture
	// or is missing from a generation.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrTargetExists is returned when a restore target already exists and
	// overwriting was not requested.
	ErrTargetExists = errors.New("restore target already exists")
)

// Compression configures the last step of volume capture.
type Compression struct {
	Enabled bool
	Format  transfer.Format
	Level   int
}

// Options configures a Driver.
type Options struct {
	Compression  Compression
	LogTailLines int
}

// ProgressFunc receives the cumulative number of bytes written for the
// current item.
type ProgressFunc func(bytes int64)

// Driver captures and restores containers, volumes and networks.
type Driver struct {
	backend docker.Backend
	staging *generation.Staging
	opts    Options
	logger  *slog.Logger
}

// New creates a Driver.
func New(backend docker.Backend, staging *generation.Staging, opts Options, logger *slog.Logger) *Driver {
	return &Driver{
		backend: backend,
		staging: staging,
		opts:    opts,
		logger:  logger.With("component", "driver"),
	}
}

func notFound(kind generation.Kind, name string, err error) error {
	if errors.Is(err, docker.ErrNotFound) {
		return fmt.Errorf("%w: %s %s: %w", ErrResourceNotFound, kind, name, err)
	}
	return fmt.Errorf("%s %s: %w", kind, name, err)
}

// CaptureContainer stages a container's inspect JSON and log tail.
func (d *Driver) CaptureContainer(ctx context.Context, gen *generation.Generation, name string) (*generation.ContainerArtifact, error) {
	info, raw, err := d.backend.InspectContainer(ctx, name)
	if err != nil {
		return nil, notFound(generation.KindContainer, name, err)
	}

	configPath := gen.ContainerConfigPath(name)
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(raw)
	}
	if err := writeFileAtomic(configPath, pretty.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to write container config: %w", err)
	}

	artifact := &generation.ContainerArtifact{
		Name:       name,
		Image:      info.Image,
		ConfigFile: gen.Rel(configPath),
		Volumes:    info.Volumes,
		Networks:   info.Networks,
	}

	if d.opts.LogTailLines > 0 {
		logs, err := d.backend.ContainerLogs(ctx, name, d.opts.LogTailLines)
		if err != nil {
			// Logs are informational; the configuration is what restores.
			d.logger.Warn("Failed to capture container logs", "resource", name, "error", err)
		} else {
			logsPath := gen.ContainerLogsPath(name)
			if err := writeFileAtomic(logsPath, logs); err != nil {
				_ = os.Remove(configPath)
				return nil, fmt.Errorf("failed to write container logs: %w", err)
			}
			artifact.LogsFile = gen.Rel(logsPath)
		}
	}
	return artifact, nil
}

// CaptureNetwork stages a network's inspect JSON.
func (d *Driver) CaptureNetwork(ctx context.Context, gen *generation.Generation, name string) (*generation.NetworkArtifact, error) {
	if docker.BuiltinNetworks[name] {
		return nil, fmt.Errorf("network %s is built in", name)
	}
	raw, err := d.backend.InspectNetwork(ctx, name)
	if err != nil {
		return nil, notFound(generation.KindNetwork, name, err)
	}

	var meta struct {
		Driver string `json:"Driver"`
	}
	_ = json.Unmarshal(raw, &meta)

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(raw)
	}
	path := gen.NetworkConfigPath(name)
	if err := writeFileAtomic(path, pretty.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to write network config: %w", err)
	}
	return &generation.NetworkArtifact{Name: name, Driver: meta.Driver, ConfigFile: gen.Rel(path)}, nil
}

// CaptureVolume stages a volume's content. With incremental set, unchanged
// files are hardlinked against the newest earlier staged copy of the same
// volume. Compression runs last, after the linked copy is complete.
func (d *Driver) CaptureVolume(ctx context.Context, gen *generation.Generation, name string, incremental bool, progress ProgressFunc) (*generation.VolumeArtifact, error) {
	info, err := d.backend.InspectVolume(ctx, name)
	if err != nil {
		return nil, notFound(generation.KindVolume, name, err)
	}

	artifact := &generation.VolumeArtifact{
		VolumeName: name,
		Driver:     info.Driver,
		DriverOpts: info.DriverOpts,
		Labels:     info.Labels,
	}

	var reference string
	if incremental {
		if ref, ok := d.staging.FindVolumeReference(name, gen.ID()); ok {
			m := ref.Manifest()
			reference = ref.Dir(filepath.FromSlash(m.Volumes[name].Tree))
			artifact.PreviousGenerationRef = ref.ID()
			d.logger.Info("Linking volume against previous generation",
				"resource", name, "reference", ref.ID())
		}
	}

	tree := gen.VolumeTreePath(name)
	tmp, err := os.MkdirTemp(filepath.Dir(tree), ".partial-"+filepath.Base(tree)+"-*")
	if err != nil {
		return nil, err
	}
	cleanup := func() { _ = os.RemoveAll(tmp) }

	stats, err := d.exportInto(ctx, name, tmp, transfer.Options{
		Reference: reference,
		Progress:  transfer.ProgressFunc(progress),
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to copy volume %s: %w", name, err)
	}
	if err := os.Rename(tmp, tree); err != nil {
		cleanup()
		return nil, err
	}

	artifact.Tree = gen.Rel(tree)
	artifact.FilesChanged = stats.FilesChanged
	artifact.FilesLinked = stats.FilesLinked
	if artifact.SizeBytes, err = generation.DirSize(tree); err != nil {
		return nil, err
	}

	if d.opts.Compression.Enabled {
		archive := gen.Dir(generation.VolumesDir, utils.SanitizeName(name)+d.opts.Compression.Format.Ext())
		size, err := transfer.Compress(ctx, tree, archive, d.opts.Compression.Format, d.opts.Compression.Level)
		if err != nil {
			_ = os.RemoveAll(tree)
			return nil, fmt.Errorf("failed to compress volume %s: %w", name, err)
		}
		artifact.Compressed = true
		artifact.Archive = gen.Rel(archive)
		d.logger.Debug("Compressed volume", "resource", name, "archive_bytes", size)
	}

	return artifact, nil
}

// exportInto streams the volume out of the daemon into dest.
func (d *Driver) exportInto(ctx context.Context, name, dest string, opts transfer.Options) (transfer.Stats, error) {
	pr, pw := io.Pipe()
	exportErr := make(chan error, 1)
	go func() {
		err := d.backend.ExportVolume(ctx, name, pw)
		_ = pw.CloseWithError(err)
		exportErr <- err
	}()

	stats, err := transfer.Extract(ctx, pr, dest, opts)
	if err == nil {
		// Trailing padding after the end-of-archive marker.
		_, _ = io.Copy(io.Discard, pr)
	}
	_ = pr.CloseWithError(errors.New("extraction finished"))
	if eerr := <-exportErr; eerr != nil && err == nil {
		err = eerr
	}
	return stats, err
}

func writeFileAtomic(name string, data []byte) error {
	tmp := name + ".partial"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, name)
}
