package transfer

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	mtime := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		require.NoError(t, os.Chtimes(p, mtime, mtime))
	}
}

func sameInode(t *testing.T, a, b string) bool {
	t.Helper()
	ia, err := os.Stat(a)
	require.NoError(t, err)
	ib, err := os.Stat(b)
	require.NoError(t, err)
	return os.SameFile(ia, ib)
}

func TestCopy_FullThenIncrementalUnchanged(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"a.txt":       "alpha",
		"dir/b.txt":   "bravo",
		"dir/c/d.bin": "delta",
	})

	first := filepath.Join(t.TempDir(), "first")
	stats, err := Copy(ctx, src, first, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Files)
	assert.Equal(t, 3, stats.FilesChanged)
	assert.Equal(t, 0, stats.FilesLinked)
	assert.Equal(t, int64(15), stats.Bytes)

	second := filepath.Join(t.TempDir(), "second")
	stats, err = Copy(ctx, src, second, Options{Reference: first})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.FilesChanged)
	assert.Equal(t, 3, stats.FilesLinked)
	assert.Equal(t, int64(0), stats.Bytes)
	assert.True(t, sameInode(t, filepath.Join(first, "dir", "b.txt"), filepath.Join(second, "dir", "b.txt")))
}

func TestCopy_IncrementalCopiesChangedFiles(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	writeTree(t, src, map[string]string{"same.txt": "same", "changed.txt": "v1"})

	first := filepath.Join(t.TempDir(), "first")
	_, err := Copy(ctx, src, first, Options{})
	require.NoError(t, err)

	writeTree(t, src, map[string]string{"changed.txt": "version2"})
	writeTree(t, src, map[string]string{"new.txt": "fresh"})

	second := filepath.Join(t.TempDir(), "second")
	stats, err := Copy(ctx, src, second, Options{Reference: first})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesLinked)
	assert.Equal(t, 2, stats.FilesChanged)
	assert.False(t, sameInode(t, filepath.Join(first, "changed.txt"), filepath.Join(second, "changed.txt")))

	data, err := os.ReadFile(filepath.Join(second, "changed.txt"))
	require.NoError(t, err)
	assert.Equal(t, "version2", string(data))

	// the reference generation is untouched
	data, err = os.ReadFile(filepath.Join(first, "changed.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

func TestCopy_PreservesSymlinks(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"target.txt": "x"})
	require.NoError(t, os.Symlink("target.txt", filepath.Join(src, "link")))

	dest := filepath.Join(t.TempDir(), "out")
	_, err := Copy(context.Background(), src, dest, Options{})
	require.NoError(t, err)

	link, err := os.Readlink(filepath.Join(dest, "link"))
	require.NoError(t, err)
	assert.Equal(t, "target.txt", link)
}

func TestExtract_ConfinesEscapingPaths(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range []string{"../escape.txt", "ok.txt"} {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: 2, Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte("hi"))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	parent := t.TempDir()
	dest := filepath.Join(parent, "dest")
	_, err := Extract(context.Background(), &buf, dest, Options{})
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(parent, "escape.txt"))
	assert.FileExists(t, filepath.Join(dest, "escape.txt"))
	assert.FileExists(t, filepath.Join(dest, "ok.txt"))
}

func TestStripComponents(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "volume_data/", Mode: 0o755, Typeflag: tar.TypeDir}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "volume_data/file.txt", Mode: 0o644, Size: 3, Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	rc := StripComponents(&buf)
	defer rc.Close()

	tr := tar.NewReader(rc)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "file.txt", hdr.Name)
	data, err := io.ReadAll(tr)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))

	_, err = tr.Next()
	assert.Equal(t, io.EOF, err)
}

func TestExtract_ProgressReportsBytes(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a": "1234", "b": "56"})

	var last int64
	_, err := Copy(context.Background(), src, filepath.Join(t.TempDir(), "o"), Options{
		Progress: func(n int64) { last = n },
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6), last)
}

func TestPack_KeepsInternalHardlinks(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a": "shared"})
	require.NoError(t, os.Link(filepath.Join(src, "a"), filepath.Join(src, "b")))

	dest := filepath.Join(t.TempDir(), "out")
	_, err := Copy(context.Background(), src, dest, Options{})
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dest, "b"))
	require.NoError(t, err)
	st := info.Sys().(*syscall.Stat_t)
	assert.EqualValues(t, 2, st.Nlink)
}
