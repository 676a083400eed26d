package compression_test

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titan-data/titan/internal/compression"
	"github.com/titan-data/titan/pkg/errclass"
)

func TestNewCompressorFromString(t *testing.T) {
	tests := []struct {
		input string
		want  compression.CompressionLevel
		ext   string
	}{
		{"none", compression.LevelNone, ".tar"},
		{"fast", compression.LevelFast, ".tar.gz"},
		{"", compression.LevelDefault, ".tar.gz"},
		{"DEFAULT", compression.LevelDefault, ".tar.gz"},
		{"9", compression.LevelMax, ".tar.gz"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			c, err := compression.NewCompressorFromString(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Level)
			assert.Equal(t, tt.ext, c.Extension())
		})
	}

	_, err := compression.NewCompressorFromString("ultra")
	assert.Error(t, err)
}

func TestCompressorString(t *testing.T) {
	assert.Equal(t, "none", compression.NewCompressor(-3).String())
	assert.Equal(t, "max", compression.NewCompressor(compression.LevelMax).String())
	assert.Equal(t, "level-4", compression.NewCompressor(4).String())
}

func TestArchiveRoundTrip(t *testing.T) {
	for _, level := range []compression.CompressionLevel{compression.LevelNone, compression.LevelFast} {
		c := compression.NewCompressor(level)
		t.Run(c.String(), func(t *testing.T) {
			src := t.TempDir()
			require.NoError(t, os.MkdirAll(filepath.Join(src, "sub", "deep"), 0755))
			require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0644))
			require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "deep", "b.txt"), []byte("beta"), 0600))
			require.NoError(t, os.Symlink("a.txt", filepath.Join(src, "link")))

			var buf bytes.Buffer
			require.NoError(t, c.Archive(context.Background(), src, &buf))

			dst := filepath.Join(t.TempDir(), "out")
			require.NoError(t, c.Extract(context.Background(), &buf, dst))

			data, err := os.ReadFile(filepath.Join(dst, "sub", "deep", "b.txt"))
			require.NoError(t, err)
			assert.Equal(t, "beta", string(data))
			target, err := os.Readlink(filepath.Join(dst, "link"))
			require.NoError(t, err)
			assert.Equal(t, "a.txt", target)
		})
	}
}

func TestExtractRejectsEscape(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../evil", Mode: 0644, Size: 1, Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	c := compression.NewCompressor(compression.LevelNone)
	err = c.Extract(context.Background(), &buf, filepath.Join(t.TempDir(), "out"))
	assert.ErrorIs(t, err, errclass.ErrInvalidArgument)
}

func TestArchiveHonorsCancellation(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0644))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := compression.NewCompressor(compression.LevelDefault).Archive(ctx, src, &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}
