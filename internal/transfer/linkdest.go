// Package transfer implements the volume transfer mechanism: tar stream
// extraction with hardlink-against-reference deduplication, and the archive
// mechanism used to compress captured trees.
package transfer

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/imedwei/docker-backup/internal/utils"
)

// Stats summarizes a copy.
type Stats struct {
	// Bytes is the amount of data written; linked files contribute nothing.
	Bytes        int64
	Files        int
	FilesChanged int
	FilesLinked  int
}

// ProgressFunc receives the cumulative number of bytes written.
type ProgressFunc func(bytes int64)

// Options configures an extraction.
type Options struct {
	// Reference is a previous tree to hardlink unchanged files against.
	Reference string
	Progress  ProgressFunc
}

// Extract writes a tar stream into dest. A regular file whose size and
// modification time match the file at the same path under opts.Reference is
// hardlinked to it instead of written.
func Extract(ctx context.Context, r io.Reader, dest string, opts Options) (Stats, error) {
	var stats Stats
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return stats, err
	}

	type dirTime struct {
		path string
		hdr  *tar.Header
	}
	var dirs []dirTime

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read tar stream: %w", err)
		}

		rel, ok := cleanName(hdr.Name)
		if !ok {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode).Perm()|0o700); err != nil {
				return stats, err
			}
			dirs = append(dirs, dirTime{path: target, hdr: hdr})

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return stats, err
			}
			stats.Files++
			if opts.Reference != "" && linkUnchanged(filepath.Join(opts.Reference, filepath.FromSlash(rel)), target, hdr) {
				stats.FilesLinked++
				continue
			}
			n, err := writeFile(target, tr, hdr)
			if err != nil {
				return stats, fmt.Errorf("failed to write %s: %w", rel, err)
			}
			stats.Bytes += n
			stats.FilesChanged++
			if opts.Progress != nil {
				opts.Progress(stats.Bytes)
			}

		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return stats, err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return stats, err
			}

		case tar.TypeLink:
			linkRel, ok := cleanName(hdr.Linkname)
			if !ok {
				continue
			}
			_ = os.Remove(target)
			if err := os.Link(filepath.Join(dest, filepath.FromSlash(linkRel)), target); err != nil {
				return stats, err
			}
		}
	}

	// directory times last, since creating children updates them
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Chtimes(dirs[i].path, dirs[i].hdr.ModTime, dirs[i].hdr.ModTime)
	}
	return stats, nil
}

// linkUnchanged hardlinks target to ref when ref is a regular file with the
// header's size and modification time.
func linkUnchanged(ref, target string, hdr *tar.Header) bool {
	info, err := os.Lstat(ref)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if info.Size() != hdr.Size || !info.ModTime().Equal(hdr.ModTime) {
		return false
	}
	_ = os.Remove(target)
	return os.Link(ref, target) == nil
}

func writeFile(target string, r io.Reader, hdr *tar.Header) (int64, error) {
	_ = os.Remove(target)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(hdr.Mode).Perm())
	if err != nil {
		return 0, err
	}
	n, err := utils.DefaultBufferPool.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	return n, os.Chtimes(target, hdr.ModTime, hdr.ModTime)
}

// cleanName normalizes a tar entry name and rejects names that would escape
// the destination.
func cleanName(name string) (string, bool) {
	clean := path.Clean("/" + strings.TrimPrefix(name, "./"))
	if clean == "/" {
		return "", false
	}
	rel := strings.TrimPrefix(clean, "/")
	if strings.HasPrefix(rel, "../") || rel == ".." {
		return "", false
	}
	return rel, true
}

// StripComponents rewrites a tar stream, dropping the first path element
// of every entry. Docker archives a directory under its own base name.
func StripComponents(r io.Reader) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		tr := tar.NewReader(r)
		tw := tar.NewWriter(pw)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				_ = pw.CloseWithError(err)
				return
			}
			_, rest, ok := strings.Cut(strings.TrimPrefix(hdr.Name, "./"), "/")
			if !ok || rest == "" {
				continue
			}
			hdr.Name = rest
			if hdr.Typeflag == tar.TypeLink {
				if _, linkRest, ok := strings.Cut(hdr.Linkname, "/"); ok {
					hdr.Linkname = linkRest
				}
			}
			if err := tw.WriteHeader(hdr); err != nil {
				_ = pw.CloseWithError(err)
				return
			}
			if _, err := io.Copy(tw, tr); err != nil {
				_ = pw.CloseWithError(err)
				return
			}
		}
		_ = pw.CloseWithError(tw.Close())
	}()
	return pr
}

// Pack writes the tree under src as a tar stream with names relative to src.
func Pack(ctx context.Context, src string, w io.Writer) error {
	tw := tar.NewWriter(w)
	links := make(map[fileID]string)

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
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}

		if info.Mode().IsRegular() {
			if id, ok := identify(info); ok {
				if first, seen := links[id]; seen {
					hdr.Typeflag = tar.TypeLink
					hdr.Linkname = first
					hdr.Size = 0
					return tw.WriteHeader(hdr)
				}
				links[id] = hdr.Name
			}
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = utils.DefaultBufferPool.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", src, err)
	}
	return tw.Close()
}

// Copy copies the tree src into dest, hardlinking unchanged files against
// opts.Reference.
func Copy(ctx context.Context, src, dest string, opts Options) (Stats, error) {
	pr, pw := io.Pipe()
	go func() {
		_ = pw.CloseWithError(Pack(ctx, src, pw))
	}()

	stats, err := Extract(ctx, pr, dest, opts)
	_ = pr.CloseWithError(errors.New("extraction finished"))
	return stats, err
}
