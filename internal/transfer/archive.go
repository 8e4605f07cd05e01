package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Format is an archive compression format.
type Format string

// Supported formats.
const (
	FormatGzip  Format = "gzip"
	FormatBzip2 Format = "bzip2"
	FormatXZ    Format = "xz"
	FormatZstd  Format = "zstd"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatGzip, FormatBzip2, FormatXZ, FormatZstd:
		return f, nil
	}
	return "", fmt.Errorf("unsupported compression format %q", s)
}

// Ext returns the archive file extension including the tar part.
func (f Format) Ext() string {
	switch f {
	case FormatBzip2:
		return ".tar.bz2"
	case FormatXZ:
		return ".tar.xz"
	case FormatZstd:
		return ".tar.zst"
	default:
		return ".tar.gz"
	}
}

// FormatFromPath infers the format of an archive from its name.
func FormatFromPath(name string) (Format, bool) {
	for _, f := range []Format{FormatGzip, FormatBzip2, FormatXZ, FormatZstd} {
		if strings.HasSuffix(name, f.Ext()) {
			return f, true
		}
	}
	return "", false
}

// Compress archives the tree under dir into archivePath. The archive is
// written under a temporary name and renamed on success. It returns the
// archive size.
func Compress(ctx context.Context, dir, archivePath string, format Format, level int) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(archivePath), "."+filepath.Base(archivePath)+".*")
	if err != nil {
		return 0, fmt.Errorf("failed to create archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	cw, err := newCompressor(tmp, format, level)
	if err != nil {
		_ = tmp.Close()
		return 0, err
	}
	if err := Pack(ctx, dir, cw); err != nil {
		_ = cw.Close()
		_ = tmp.Close()
		return 0, err
	}
	if err := cw.Close(); err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("failed to finish %s stream: %w", format, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}

	info, err := os.Stat(tmp.Name())
	if err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), archivePath); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Decompress extracts archivePath into dest.
func Decompress(ctx context.Context, archivePath, dest string) (Stats, error) {
	format, ok := FormatFromPath(archivePath)
	if !ok {
		return Stats{}, fmt.Errorf("unrecognized archive %s", filepath.Base(archivePath))
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return Stats{}, err
	}
	defer f.Close()

	dr, err := newDecompressor(f, format)
	if err != nil {
		return Stats{}, err
	}
	defer dr.Close()

	return Extract(ctx, dr, dest, Options{})
}

func newCompressor(w io.Writer, format Format, level int) (io.WriteCloser, error) {
	switch format {
	case FormatGzip:
		if level <= 0 || level > gzip.BestCompression {
			level = gzip.DefaultCompression
		}
		return gzip.NewWriterLevel(w, level)
	case FormatBzip2:
		if level <= 0 || level > bzip2.BestCompression {
			level = bzip2.DefaultCompression
		}
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: level})
	case FormatXZ:
		return xz.NewWriter(w)
	case FormatZstd:
		opts := []zstd.EOption{}
		if level > 0 {
			opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		}
		return zstd.NewWriter(w, opts...)
	}
	return nil, fmt.Errorf("unsupported compression format %q", format)
}

func newDecompressor(r io.Reader, format Format) (io.ReadCloser, error) {
	switch format {
	case FormatGzip:
		return gzip.NewReader(r)
	case FormatBzip2:
		return bzip2.NewReader(r, nil)
	case FormatXZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	case FormatZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("unsupported compression format %q", format)
}
