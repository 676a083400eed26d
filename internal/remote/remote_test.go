package remote_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titan-data/titan/internal/remote"
	"github.com/titan-data/titan/internal/remote/nop"
	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/model"
)

func tagged(id string, ts time.Time, tags map[string]string) model.Commit {
	c := model.Commit{ID: id, Properties: map[string]any{model.PropertyTimestamp: model.FormatTimestamp(ts)}}
	c.SetTags(tags)
	return c
}

func TestMatchTags(t *testing.T) {
	c := tagged("a", time.Now(), map[string]string{"env": "prod", "pinned": ""})

	assert.True(t, remote.MatchTags(c, nil))
	assert.True(t, remote.MatchTags(c, []string{"env"}))
	assert.True(t, remote.MatchTags(c, []string{"env=prod", "pinned"}))
	assert.True(t, remote.MatchTags(c, []string{"pinned="}))
	assert.False(t, remote.MatchTags(c, []string{"env=dev"}))
	assert.False(t, remote.MatchTags(c, []string{"owner"}))
}

func TestSortCommits(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	commits := []model.Commit{
		tagged("old", base, nil),
		tagged("new", base.Add(time.Hour), nil),
		tagged("mid", base.Add(time.Minute), nil),
	}
	remote.SortCommits(commits)
	assert.Equal(t, "new", commits[0].ID)
	assert.Equal(t, "mid", commits[1].ID)
	assert.Equal(t, "old", commits[2].ID)
}

func TestVolumeDescription(t *testing.T) {
	assert.Equal(t, "/var/lib/data", remote.VolumeDescription(model.Volume{
		Name: "v0", Properties: map[string]any{"path": "/var/lib/data"},
	}))
	assert.Equal(t, "v0", remote.VolumeDescription(model.Volume{Name: "v0"}))
}

func TestRegistry(t *testing.T) {
	r := remote.NewRegistry(nop.New())
	s, err := r.Get("nop")
	require.NoError(t, err)
	assert.Equal(t, "nop", s.Provider())
	assert.True(t, remote.IsStateless(s))
	assert.Equal(t, []string{"nop"}, r.Providers())

	_, err = r.Get("engine")
	assert.ErrorIs(t, err, errclass.ErrInvalidArgument)
}
