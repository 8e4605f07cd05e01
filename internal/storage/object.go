package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zeebo/errs"
	"golang.org/x/sync/errgroup"

	"github.com/imedwei/docker-backup/internal/generation"
	"github.com/imedwei/docker-backup/internal/utils"
)

// ObjectRemoteConfig tunes an object-store backed remote.
type ObjectRemoteConfig struct {
	Retry RetryConfig
	// Concurrency bounds parallel object transfers.
	Concurrency int
	// BandwidthLimit caps upload throughput per object in bytes per second.
	BandwidthLimit int64
}

// ObjectRemote stores each generation as objects keyed <id>/<relpath>.
// The manifest is written last and removed first, so a generation is only
// listed as complete once every object has been stored.
type ObjectRemote struct {
	name   string
	store  ObjectStore
	cfg    ObjectRemoteConfig
	logger *slog.Logger
}

// NewObjectRemote wraps an object store as a generation remote.
func NewObjectRemote(name string, store ObjectStore, cfg ObjectRemoteConfig, logger *slog.Logger) *ObjectRemote {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	return &ObjectRemote{
		name:   name,
		store:  store,
		cfg:    cfg,
		logger: logger.With("remote", name),
	}
}

// Name implements Storage.Name.
func (r *ObjectRemote) Name() string {
	return r.name
}

// Close releases the underlying store.
func (r *ObjectRemote) Close() error {
	return r.store.Close()
}

type localFile struct {
	abs  string
	rel  string
	size int64
}

// Upload implements Storage.Upload.
func (r *ObjectRemote) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	start := time.Now()

	files, markers, err := collectFiles(req.LocalPath, req.Include)
	if err != nil {
		return nil, err
	}

	var total atomic.Int64
	report := func() {
		if req.Progress != nil {
			req.Progress(total.Load(), time.Since(start))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, f := range files {
		g.Go(func() error {
			return r.putFile(gctx, req.GenerationID, f, &total, report)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to upload generation %s to %s: %w", req.GenerationID, r.name, err)
	}

	for _, f := range markers {
		if err := r.putFile(ctx, req.GenerationID, f, &total, report); err != nil {
			return nil, fmt.Errorf("failed to upload manifest of %s to %s: %w", req.GenerationID, r.name, err)
		}
	}

	result := &UploadResult{
		Remote:       r.name,
		GenerationID: req.GenerationID,
		Files:        len(files) + len(markers),
		Bytes:        total.Load(),
		Duration:     time.Since(start),
	}
	r.logger.Info("Generation uploaded",
		"generation_id", req.GenerationID,
		"files", result.Files,
		"size", utils.FormatBytes(result.Bytes),
		"duration", result.Duration)
	return result, nil
}

func (r *ObjectRemote) putFile(ctx context.Context, genID string, f localFile, total *atomic.Int64, report func()) error {
	key := path.Join(genID, f.rel)
	return r.cfg.Retry.Do(ctx, func() error {
		file, err := os.Open(f.abs)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", f.rel, err)
		}
		defer file.Close()

		counter := &countingReader{reader: utils.NewThrottledReader(ctx, file, r.cfg.BandwidthLimit), total: total, report: report}
		if err := r.store.Put(ctx, key, counter, f.size); err != nil {
			total.Add(-counter.count)
			return err
		}
		return nil
	})
}

// List implements Storage.List.
func (r *ObjectRemote) List(ctx context.Context) ([]GenerationInfo, error) {
	var objects []ObjectInfo
	err := r.cfg.Retry.Do(ctx, func() error {
		var err error
		objects, err = r.store.List(ctx, "")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", r.name, err)
	}

	byID := make(map[string]*GenerationInfo)
	for _, obj := range objects {
		id, rel, ok := strings.Cut(obj.Key, "/")
		if !ok || !utils.IsGenerationID(id) {
			continue
		}
		info, exists := byID[id]
		if !exists {
			created, _ := utils.ParseGenerationID(id)
			info = &GenerationInfo{ID: id, CreatedAt: created}
			byID[id] = info
		}
		info.SizeBytes += obj.Size
		if rel == generation.ManifestFile {
			info.Complete = true
		}
	}

	gens := make([]GenerationInfo, 0, len(byID))
	for _, info := range byID {
		if info.Complete {
			if m, err := r.readManifest(ctx, info.ID); err != nil {
				r.logger.Warn("Unreadable manifest", "generation_id", info.ID, "error", err)
			} else {
				info.Complete = m.Complete()
				info.CreatedAt = m.CreatedAt
				info.References = m.References()
				info.Encrypted = m.Encrypted
			}
		}
		gens = append(gens, *info)
	}

	sort.Slice(gens, func(i, j int) bool {
		return gens[i].ID < gens[j].ID
	})
	return gens, nil
}

func (r *ObjectRemote) readManifest(ctx context.Context, id string) (*generation.Manifest, error) {
	var data []byte
	err := r.cfg.Retry.Do(ctx, func() error {
		rc, err := r.store.Get(ctx, path.Join(id, generation.ManifestFile))
		if err != nil {
			return err
		}
		defer rc.Close()
		data, err = io.ReadAll(rc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return generation.DecodeManifest(data)
}

// Delete implements Storage.Delete. Every object is attempted; failures are
// reported together.
func (r *ObjectRemote) Delete(ctx context.Context, generationID string) (*DeleteResult, error) {
	objects, err := r.generationObjects(ctx, generationID)
	if err != nil {
		return nil, err
	}

	// manifest first so the generation stops being listed as complete
	sort.SliceStable(objects, func(i, j int) bool {
		return isManifestKey(objects[i].Key) && !isManifestKey(objects[j].Key)
	})

	result := &DeleteResult{GenerationID: generationID}
	var group errs.Group
	for _, obj := range objects {
		err := r.cfg.Retry.Do(ctx, func() error {
			return r.store.Delete(ctx, obj.Key)
		})
		if err != nil {
			group.Add(fmt.Errorf("delete %s: %w", obj.Key, err))
			continue
		}
		result.Objects++
		result.FreedBytes += obj.Size
	}

	if err := group.Err(); err != nil {
		return result, fmt.Errorf("failed to delete generation %s from %s: %w", generationID, r.name, err)
	}
	return result, nil
}

// Download implements Storage.Download.
func (r *ObjectRemote) Download(ctx context.Context, generationID, dest string) error {
	objects, err := r.generationObjects(ctx, generationID)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, obj := range objects {
		g.Go(func() error {
			rel := strings.TrimPrefix(obj.Key, generationID+"/")
			target, err := safeJoin(dest, rel)
			if err != nil {
				return err
			}
			return r.cfg.Retry.Do(gctx, func() error {
				return r.getFile(gctx, obj.Key, target)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to download generation %s from %s: %w", generationID, r.name, err)
	}
	return nil
}

func (r *ObjectRemote) getFile(ctx context.Context, key, target string) error {
	rc, err := r.store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := utils.DefaultBufferPool.Copy(f, rc); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (r *ObjectRemote) generationObjects(ctx context.Context, generationID string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := r.cfg.Retry.Do(ctx, func() error {
		var err error
		objects, err = r.store.List(ctx, generationID+"/")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list generation %s on %s: %w", generationID, r.name, err)
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("%w: generation %s on %s", ErrNotFound, generationID, r.name)
	}
	return objects, nil
}

func isManifestKey(key string) bool {
	return path.Base(key) == generation.ManifestFile && strings.Count(key, "/") == 1
}

// collectFiles lists regular files under root, with the generation manifest
// split out so it can be written last.
func collectFiles(root string, include func(string) bool) (files, markers []localFile, err error) {
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if include != nil && !include(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		f := localFile{abs: p, rel: rel, size: info.Size()}
		if rel == generation.ManifestFile {
			markers = append(markers, f)
		} else {
			files = append(files, f)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	return files, markers, nil
}

// safeJoin joins a slash-separated relative path onto base, refusing paths
// that escape it.
func safeJoin(base, rel string) (string, error) {
	clean := path.Clean("/" + rel)
	target := filepath.Join(base, filepath.FromSlash(clean))
	if target != base && !strings.HasPrefix(target, filepath.Clean(base)+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes destination", rel)
	}
	return target, nil
}

// countingReader tracks bytes read into a shared total.
type countingReader struct {
	reader io.Reader
	count  int64
	total  *atomic.Int64
	report func()
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.reader.Read(p)
	if n > 0 {
		cr.count += int64(n)
		cr.total.Add(int64(n))
		cr.report()
	}
	return n, err
}
