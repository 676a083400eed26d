package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titan-data/titan/internal/engine"
	"github.com/titan-data/titan/pkg/model"
)

func writeTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "subdir"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "file.txt"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "subdir", "nested.txt"), []byte("world"), 0600))
	require.NoError(t, os.Symlink("file.txt", filepath.Join(root, "link")))
}

func assertTree(t *testing.T, root string) {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(root, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	content, err = os.ReadFile(filepath.Join(root, "subdir", "nested.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(content))

	info, err := os.Stat(filepath.Join(root, "subdir", "nested.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	target, err := os.Readlink(filepath.Join(root, "link"))
	require.NoError(t, err)
	assert.Equal(t, "file.txt", target)
}

func TestCopyEngine_Clone(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "cloned")
	writeTree(t, src)

	result, err := engine.NewCopyEngine().Clone(context.Background(), src, dst)
	require.NoError(t, err)
	assert.False(t, result.Degraded)
	assert.Equal(t, 2, result.Files)
	assert.Equal(t, int64(10), result.Bytes)
	assertTree(t, dst)
}

func TestCopyEngine_HardlinkDegrades(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a"), []byte("x"), 0644))
	require.NoError(t, os.Link(filepath.Join(src, "a"), filepath.Join(src, "b")))

	result, err := engine.NewCopyEngine().Clone(context.Background(), src, filepath.Join(t.TempDir(), "c"))
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Equal(t, []string{"hardlink"}, result.Degradations)
}

func TestCopyEngine_Cancelled(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.NewCopyEngine().Clone(ctx, src, filepath.Join(t.TempDir(), "c"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestCopyEngine_MissingSource(t *testing.T) {
	_, err := engine.NewCopyEngine().Clone(context.Background(), filepath.Join(t.TempDir(), "none"), filepath.Join(t.TempDir(), "c"))
	require.Error(t, err)
}

func TestReflinkEngine_CloneFallsBackOrReflinks(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "cloned")
	writeTree(t, src)

	result, err := engine.NewReflinkEngine().Clone(context.Background(), src, dst)
	require.NoError(t, err)
	if result.Degraded {
		assert.Contains(t, result.Degradations, "reflink")
	}
	assertTree(t, dst)
}

func TestJuiceFSEngine_FallsBackToCopy(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "cloned")
	writeTree(t, src)

	e := engine.NewJuiceFSEngine()
	e.MountsFile = filepath.Join(t.TempDir(), "no-mounts")

	result, err := e.Clone(context.Background(), src, dst)
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assertTree(t, dst)
}

func TestNewEngine(t *testing.T) {
	assert.Equal(t, model.EngineCopy, engine.NewEngine(model.EngineCopy).Name())
	assert.Equal(t, model.EngineReflinkCopy, engine.NewEngine(model.EngineReflinkCopy).Name())
	assert.Equal(t, model.EngineJuiceFSClone, engine.NewEngine(model.EngineJuiceFSClone).Name())
	assert.Equal(t, model.EngineCopy, engine.NewEngine("unknown").Name())
}

func TestForName(t *testing.T) {
	names := map[string]model.EngineType{
		"copy":          model.EngineCopy,
		"reflink":       model.EngineReflinkCopy,
		"reflink-copy":  model.EngineReflinkCopy,
		"juicefs":       model.EngineJuiceFSClone,
		"juicefs-clone": model.EngineJuiceFSClone,
	}
	for name, want := range names {
		e, err := engine.ForName(name, t.TempDir())
		require.NoError(t, err, name)
		assert.Equal(t, want, e.Name(), name)
	}

	e, err := engine.ForName("auto", t.TempDir())
	require.NoError(t, err)
	assert.NotNil(t, e)

	_, err = engine.ForName("zfs", t.TempDir())
	require.Error(t, err)
}
