package pathutil_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/pathutil"
)

func TestValidateRepoName_Valid(t *testing.T) {
	valid := []string{"foo", "feature-1", "v1.0", "my_repo", "ns:repo", strings.Repeat("a", 63)}
	for _, name := range valid {
		assert.NoError(t, pathutil.ValidateRepoName(name), "should accept: %s", name)
	}
}

func TestValidateRepoName_Invalid(t *testing.T) {
	invalid := []string{"", "a/b", "a b", "foo!", "..", "hello\x00world", strings.Repeat("a", 64)}
	for _, name := range invalid {
		err := pathutil.ValidateRepoName(name)
		require.ErrorIs(t, err, errclass.ErrInvalidArgument, "should reject: %q", name)
	}
}

func TestInvalidNameSuggestsFoldedName(t *testing.T) {
	err := pathutil.ValidateRepoName("café")
	require.ErrorIs(t, err, errclass.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "did you mean 'cafe'?")

	// A decomposed accent folds the same way.
	assert.Equal(t, "cafe", pathutil.SuggestName("cafe\u0301"))
	assert.Equal(t, "Zurich-1", pathutil.SuggestName("Zürich-1"))

	// Nothing to suggest when folding cannot produce a valid name.
	assert.Empty(t, pathutil.SuggestName("a/b"))
	assert.Empty(t, pathutil.SuggestName("日本"))
	assert.NotContains(t, pathutil.ValidateRepoName("a b").Error(), "did you mean")
}

func TestValidateVolumeName_ReservedPrefix(t *testing.T) {
	require.NoError(t, pathutil.ValidateVolumeName("vol"))
	err := pathutil.ValidateVolumeName("_scratch")
	require.ErrorIs(t, err, errclass.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "cannot start with '_'")
}

func TestValidateCommitID(t *testing.T) {
	assert.NoError(t, pathutil.ValidateCommitID("2024-01-01T00:00:00Z"))
	assert.NoError(t, pathutil.ValidateCommitID("0d3c4f1e-7b4c-4f3a-9a47-8f7d3c3b1a2e"))
	assert.ErrorIs(t, pathutil.ValidateCommitID("a/b"), errclass.ErrInvalidArgument)
}

func TestValidateRemoteName(t *testing.T) {
	assert.NoError(t, pathutil.ValidateRemoteName("origin"))
	assert.ErrorIs(t, pathutil.ValidateRemoteName(""), errclass.ErrInvalidArgument)
}

func TestValidateOperationID(t *testing.T) {
	assert.NoError(t, pathutil.ValidateOperationID("0d3c4f1e-7b4c-4f3a-9a47-8f7d3c3b1a2e"))
	assert.ErrorIs(t, pathutil.ValidateOperationID("not-a-uuid"), errclass.ErrInvalidArgument)
}

func TestValidatePathSafety_UnderRoot(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "sets", "vol")
	require.NoError(t, os.MkdirAll(target, 0755))
	assert.NoError(t, pathutil.ValidatePathSafety(root, target))
}

func TestValidatePathSafety_Missing(t *testing.T) {
	root := t.TempDir()
	assert.NoError(t, pathutil.ValidatePathSafety(root, filepath.Join(root, "a", "b", "c")))
}

func TestValidatePathSafety_Escape(t *testing.T) {
	root := t.TempDir()
	err := pathutil.ValidatePathSafety(root, filepath.Join(root, "..", "evil"))
	require.ErrorIs(t, err, errclass.ErrInvalidArgument)
}

func TestValidatePathSafety_SymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "escape")
	require.NoError(t, os.Symlink(outside, link))
	err := pathutil.ValidatePathSafety(root, link)
	require.ErrorIs(t, err, errclass.ErrInvalidArgument)
}
