package cli

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/titan-data/titan/pkg/color"
	"github.com/titan-data/titan/pkg/errclass"
)

func init() {
	color.Disable()
}

func TestSuggestNames(t *testing.T) {
	t.Run("close matches", func(t *testing.T) {
		result := suggestNames("data", []string{"database", "logs", "metadata"}, "titan repo list")
		assert.Contains(t, result, "Did you mean one of")
		assert.Contains(t, result, "database")
		assert.Contains(t, result, "metadata")
		assert.NotContains(t, result, "logs")
	})

	t.Run("no match", func(t *testing.T) {
		result := suggestNames("zzz", []string{"database"}, "titan repo list")
		assert.Contains(t, result, "titan repo list")
	})
}

func TestWithSuggestion(t *testing.T) {
	names := func() []string { return []string{"foo"} }

	err := withSuggestion(errclass.ErrNoSuchObject.WithMessage("no such repository 'fo'"), "fo", names, "titan repo list")
	assert.ErrorIs(t, err, errclass.ErrNoSuchObject)
	desc := describeError(err)
	assert.Contains(t, desc, "no such repository 'fo'")
	assert.Contains(t, desc, "Did you mean: foo?")

	plain := errors.New("disk full")
	assert.Same(t, plain, withSuggestion(plain, "fo", names, "titan repo list"))
	assert.Equal(t, "disk full", describeError(plain))
}

func TestDescribeLockedError(t *testing.T) {
	err := errclass.ErrObjectExists.WithMessage("data directory /d is locked by pid 1 on host (serve)")
	assert.Contains(t, describeError(err), "Another titan process")
}
