package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressDecompress_AllFormats(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"a.txt":     "alpha alpha alpha alpha",
		"dir/b.txt": "bravo",
	})

	for _, format := range []Format{FormatGzip, FormatBzip2, FormatXZ, FormatZstd} {
		t.Run(string(format), func(t *testing.T) {
			archive := filepath.Join(t.TempDir(), "data"+format.Ext())
			size, err := Compress(context.Background(), src, archive, format, 0)
			require.NoError(t, err)
			assert.Positive(t, size)

			got, ok := FormatFromPath(archive)
			require.True(t, ok)
			assert.Equal(t, format, got)

			dest := filepath.Join(t.TempDir(), "restored")
			stats, err := Decompress(context.Background(), archive, dest)
			require.NoError(t, err)
			assert.Equal(t, 2, stats.Files)

			data, err := os.ReadFile(filepath.Join(dest, "dir", "b.txt"))
			require.NoError(t, err)
			assert.Equal(t, "bravo", string(data))
		})
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("ZSTD")
	require.NoError(t, err)
	assert.Equal(t, FormatZstd, f)

	_, err = ParseFormat("lz4")
	assert.Error(t, err)
}

func TestDecompress_UnknownExtension(t *testing.T) {
	_, err := Decompress(context.Background(), filepath.Join(t.TempDir(), "data.rar"), t.TempDir())
	assert.Error(t, err)
}
