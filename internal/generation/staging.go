package generation

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/zeebo/errs"

	"github.com/imedwei/docker-backup/internal/utils"
)

var (
	// ErrExists is returned when a generation ID is already taken.
	ErrExists = errors.New("generation already exists")
	// ErrNotFound is returned when a generation is not staged locally.
	ErrNotFound = errors.New("generation not found")
	// ErrLocked is returned when another operation holds the staging root.
	ErrLocked = errors.New("staging root is locked by another operation")
)

const lockFile = ".lock"

// Staging is the local root directory that holds generations.
type Staging struct {
	root string
}

// NewStaging opens (creating if needed) a staging root.
func NewStaging(root string) (*Staging, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid staging root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging root: %w", err)
	}
	return &Staging{root: abs}, nil
}

// Root returns the staging root.
func (s *Staging) Root() string {
	return s.root
}

// Path returns the directory of a generation.
func (s *Staging) Path(id string) string {
	return filepath.Join(s.root, id)
}

// EncryptedPath returns the directory of a generation's encrypted twin.
func (s *Staging) EncryptedPath(id string) string {
	return filepath.Join(s.root, id+utils.EncryptedSuffix)
}

// CheckWritable verifies that files can be created in the staging root.
func (s *Staging) CheckWritable() error {
	f, err := os.CreateTemp(s.root, ".write-check-*")
	if err != nil {
		return fmt.Errorf("staging root %s is not writable: %w", s.root, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// Lock claims the staging root for one operation. The returned function
// releases it. The claim is an advisory lock on a file in the root, so the
// kernel drops it when the holding process dies and a leftover lock file
// never blocks later runs.
func (s *Staging) Lock() (func() error, error) {
	name := filepath.Join(s.root, lockFile)
	lock := flock.New(name)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock staging root: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, name)
	}
	return lock.Unlock, nil
}

// Create stages a new generation. It fails with ErrExists when the ID is
// already present, including as an encrypted twin.
func (s *Staging) Create(id string, createdAt time.Time) (*Generation, error) {
	if !utils.IsGenerationID(id) {
		return nil, fmt.Errorf("invalid generation id %q", id)
	}
	if _, err := os.Stat(s.EncryptedPath(id)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}

	dir := s.Path(id)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrExists, id)
		}
		return nil, fmt.Errorf("failed to create generation directory: %w", err)
	}

	for _, sub := range []string{ConfigsDir, VolumesDir, NetworksDir} {
		if err := os.Mkdir(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}

	g := &Generation{path: dir, manifest: NewManifest(id, createdAt)}
	g.mu.Lock()
	err := g.save()
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Open loads a staged generation.
func (s *Staging) Open(id string) (*Generation, error) {
	dir := s.Path(id)
	if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return Load(dir)
}

// List returns the staged generations in ascending ID order. Encrypted
// twins, temporary directories and directories without a manifest are
// ignored.
func (s *Staging) List() ([]*Generation, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read staging root: %w", err)
	}

	var gens []*Generation
	for _, e := range entries {
		if !e.IsDir() || !utils.IsGenerationID(e.Name()) {
			continue
		}
		g, err := Load(filepath.Join(s.root, e.Name()))
		if err != nil {
			continue
		}
		gens = append(gens, g)
	}

	sort.Slice(gens, func(i, j int) bool {
		return gens[i].ID() < gens[j].ID()
	})
	return gens, nil
}

// FindVolumeReference returns the newest generation older than beforeID that
// holds a completed tree of the named volume.
func (s *Staging) FindVolumeReference(volume, beforeID string) (*Generation, bool) {
	gens, err := s.List()
	if err != nil {
		return nil, false
	}

	for i := len(gens) - 1; i >= 0; i-- {
		g := gens[i]
		if g.ID() >= beforeID {
			continue
		}
		m := g.Manifest()
		status, ok := m.Status(ResourceRef{Kind: KindVolume, Name: volume})
		if !ok || status != StatusSuccess {
			continue
		}
		v, ok := m.Volumes[volume]
		if !ok || v.Tree == "" {
			continue
		}
		if info, err := os.Stat(g.Dir(filepath.FromSlash(v.Tree))); err == nil && info.IsDir() {
			return g, true
		}
	}
	return nil, false
}

// Remove deletes a generation and its encrypted twin.
func (s *Staging) Remove(id string) error {
	if !utils.IsGenerationID(id) {
		return fmt.Errorf("invalid generation id %q", id)
	}
	return errs.Combine(os.RemoveAll(s.Path(id)), os.RemoveAll(s.EncryptedPath(id)))
}

// TempDir creates a scratch directory under the staging root that listing
// ignores.
func (s *Staging) TempDir(pattern string) (string, error) {
	return os.MkdirTemp(s.root, ".tmp-"+strings.TrimPrefix(pattern, ".")+"-*")
}

// DirSize returns the total size of regular files under dir.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
