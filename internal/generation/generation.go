package generation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/imedwei/docker-backup/internal/utils"
)

// ErrFinalized is returned when mutating a finalized generation.
var ErrFinalized = errors.New("generation is finalized")

// Generation is a staged backup generation. Its manifest is mutated as
// resources complete and becomes immutable once finalized.
type Generation struct {
	path string

	mu       sync.Mutex
	manifest Manifest
}

// ID returns the generation ID.
func (g *Generation) ID() string {
	return g.manifest.ID
}

// Path returns the generation directory.
func (g *Generation) Path() string {
	return g.path
}

// CreatedAt returns the immutable creation time.
func (g *Generation) CreatedAt() time.Time {
	return g.manifest.CreatedAt
}

// Manifest returns a copy of the current manifest.
func (g *Generation) Manifest() Manifest {
	g.mu.Lock()
	defer g.mu.Unlock()

	m := g.manifest
	m.Resources = append([]ResourceEntry(nil), g.manifest.Resources...)
	m.Containers = copyMap(g.manifest.Containers)
	m.Volumes = copyMap(g.manifest.Volumes)
	m.Networks = copyMap(g.manifest.Networks)
	return m
}

// Update applies fn to the manifest and persists it.
func (g *Generation) Update(fn func(m *Manifest)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.manifest.Finalized {
		return ErrFinalized
	}
	fn(&g.manifest)
	return g.save()
}

// Finalize stamps the finish time and persists the manifest for the last time.
func (g *Generation) Finalize(now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.manifest.Finalized {
		return ErrFinalized
	}
	finished := now.UTC()
	g.manifest.FinishedAt = &finished
	g.manifest.Finalized = true
	return g.save()
}

// Abort marks the generation as left behind by a cancelled or failed run. It
// may follow Finalize, since a run can fail after the manifest is sealed.
func (g *Generation) Abort(now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.manifest.Finalized {
		finished := now.UTC()
		g.manifest.FinishedAt = &finished
		g.manifest.Finalized = true
	}
	g.manifest.Aborted = true
	return g.save()
}

// Dir returns an absolute path inside the generation.
func (g *Generation) Dir(elem ...string) string {
	return filepath.Join(append([]string{g.path}, elem...)...)
}

// ContainerConfigPath returns where a container's configuration is staged.
func (g *Generation) ContainerConfigPath(name string) string {
	return g.Dir(ConfigsDir, utils.SanitizeName(name)+"_config.json")
}

// ContainerLogsPath returns where a container's log tail is staged.
func (g *Generation) ContainerLogsPath(name string) string {
	return g.Dir(ConfigsDir, utils.SanitizeName(name)+"_logs.txt")
}

// NetworkConfigPath returns where a network's configuration is staged.
func (g *Generation) NetworkConfigPath(name string) string {
	return g.Dir(NetworksDir, utils.SanitizeName(name)+".json")
}

// VolumeTreePath returns where a volume's file tree is staged.
func (g *Generation) VolumeTreePath(name string) string {
	return g.Dir(VolumesDir, utils.SanitizeName(name))
}

// Rel converts an absolute path inside the generation to a slash-separated
// relative path.
func (g *Generation) Rel(abs string) string {
	rel, err := filepath.Rel(g.path, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

func (g *Generation) save() error {
	data, err := g.manifest.Encode()
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(g.path, ManifestFile), data, 0o644)
}

// Load opens an existing generation directory.
func Load(dir string) (*Generation, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load generation %s: %w", filepath.Base(dir), err)
	}
	return &Generation{path: dir, manifest: *m}, nil
}

func writeFileAtomic(name string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(name), err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), name)
}

func copyMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
