package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/errs"

	"github.com/imedwei/docker-backup/internal/generation"
	"github.com/imedwei/docker-backup/internal/utils"
)

// LocalStorage keeps generations as directories under a local path. It
// serves both as a remote (a mounted disk) and as the view of the staging
// root used by retention.
type LocalStorage struct {
	name   string
	root   string
	logger *slog.Logger
}

// NewLocalStorage creates a directory-backed remote.
func NewLocalStorage(name, root string, logger *slog.Logger) (*LocalStorage, error) {
	if root == "" {
		return nil, fmt.Errorf("local storage path is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return &LocalStorage{name: name, root: root, logger: logger.With("remote", name)}, nil
}

// Name implements Storage.Name.
func (l *LocalStorage) Name() string {
	return l.name
}

// Upload implements Storage.Upload. The copy is staged in a hidden
// directory and renamed into place once complete.
func (l *LocalStorage) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	start := time.Now()
	final := filepath.Join(l.root, req.GenerationID)
	if _, err := os.Stat(final); err == nil {
		return nil, fmt.Errorf("generation %s already exists on %s", req.GenerationID, l.name)
	}

	tmp, err := os.MkdirTemp(l.root, ".upload-"+req.GenerationID+"-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	var copied int64
	progress := func(n int64) {
		copied += n
		if req.Progress != nil {
			req.Progress(copied, time.Since(start))
		}
	}
	files, err := copyTree(ctx, req.LocalPath, tmp, req.Include, progress)
	if err == nil {
		err = os.Rename(tmp, final)
	}
	if err != nil {
		_ = os.RemoveAll(tmp)
		return nil, fmt.Errorf("failed to upload generation %s to %s: %w", req.GenerationID, l.name, err)
	}

	return &UploadResult{
		Remote:       l.name,
		GenerationID: req.GenerationID,
		Files:        files,
		Bytes:        copied,
		Duration:     time.Since(start),
	}, nil
}

// List implements Storage.List.
func (l *LocalStorage) List(ctx context.Context) ([]GenerationInfo, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	var gens []GenerationInfo
	for _, e := range entries {
		if !e.IsDir() || !utils.IsGenerationID(e.Name()) {
			continue
		}
		dir := filepath.Join(l.root, e.Name())
		created, _ := utils.ParseGenerationID(e.Name())
		info := GenerationInfo{ID: e.Name(), CreatedAt: created}

		if m, err := generation.ReadManifest(dir); err == nil {
			info.Complete = m.Complete()
			info.CreatedAt = m.CreatedAt
			info.References = m.References()
			info.Encrypted = m.Encrypted
		}

		size, err := generation.DirSize(dir)
		if err != nil {
			l.logger.Warn("Failed to size generation", "generation_id", e.Name(), "error", err)
		}
		if twin, err := generation.DirSize(dir + utils.EncryptedSuffix); err == nil {
			size += twin
		}
		info.SizeBytes = size
		gens = append(gens, info)
	}

	sort.Slice(gens, func(i, j int) bool {
		return gens[i].ID < gens[j].ID
	})
	return gens, nil
}

// Delete implements Storage.Delete. The encrypted twin is removed with the
// generation.
func (l *LocalStorage) Delete(ctx context.Context, generationID string) (*DeleteResult, error) {
	if !utils.IsGenerationID(generationID) {
		return nil, fmt.Errorf("invalid generation id %q", generationID)
	}
	dir := filepath.Join(l.root, generationID)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: generation %s on %s", ErrNotFound, generationID, l.name)
		}
		return nil, err
	}

	result := &DeleteResult{GenerationID: generationID}
	var group errs.Group
	for _, target := range []string{dir, dir + utils.EncryptedSuffix} {
		size, err := generation.DirSize(target)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := os.RemoveAll(target); err != nil {
			group.Add(err)
			continue
		}
		result.Objects++
		result.FreedBytes += size
	}
	if err := group.Err(); err != nil {
		return result, fmt.Errorf("failed to delete generation %s from %s: %w", generationID, l.name, err)
	}
	return result, nil
}

// Download implements Storage.Download.
func (l *LocalStorage) Download(ctx context.Context, generationID, dest string) error {
	src := filepath.Join(l.root, generationID)
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: generation %s on %s", ErrNotFound, generationID, l.name)
		}
		return err
	}
	if _, err := copyTree(ctx, src, dest, nil, nil); err != nil {
		return fmt.Errorf("failed to download generation %s from %s: %w", generationID, l.name, err)
	}
	return nil
}

// copyTree copies regular files, directories and symlinks from src to dst,
// preserving modes and modification times.
func copyTree(ctx context.Context, src, dst string, include func(string) bool, progress func(int64)) (int, error) {
	files := 0
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel != "." && include != nil && !include(filepath.ToSlash(rel)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			n, err := copyFile(p, target, info)
			if err != nil {
				return err
			}
			files++
			if progress != nil {
				progress(n)
			}
		}
		return nil
	})
	return files, err
}

func copyFile(src, dst string, info fs.FileInfo) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, err
	}
	n, err := utils.DefaultBufferPool.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	return n, os.Chtimes(dst, info.ModTime(), info.ModTime())
}
