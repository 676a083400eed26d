package model_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titan-data/titan/pkg/model"
)

func TestRemote_UnmarshalReadsProvider(t *testing.T) {
	var r model.Remote
	err := json.Unmarshal([]byte(`{"provider":"s3","name":"origin","properties":{"bucket":"b","path":"p"}}`), &r)
	require.NoError(t, err)
	assert.Equal(t, "s3", r.Provider)
	assert.Equal(t, "origin", r.Name)
	assert.Equal(t, "b", r.Properties["bucket"])
}

func TestRemote_UnmarshalMissingProvider(t *testing.T) {
	var r model.Remote
	err := json.Unmarshal([]byte(`{"name":"origin"}`), &r)
	require.Error(t, err)
}

func TestRemoteParameters_NullProperties(t *testing.T) {
	var p model.RemoteParameters
	require.NoError(t, json.Unmarshal([]byte(`{"provider":"nop","properties":null}`), &p))
	assert.Equal(t, "nop", p.Provider)
	assert.NotNil(t, p.Properties)
	assert.Empty(t, p.Properties)
}

func TestDecodeProperties_RejectsUnknownFields(t *testing.T) {
	var out struct {
		Bucket string `json:"bucket"`
	}
	require.NoError(t, model.DecodeProperties(map[string]any{"bucket": "b"}, &out))
	assert.Equal(t, "b", out.Bucket)

	err := model.DecodeProperties(map[string]any{"bucket": "b", "other": 1}, &out)
	require.Error(t, err)
}

func TestCommit_TagsFromDecodedJSON(t *testing.T) {
	var c model.Commit
	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","properties":{"tags":{"source":"x","empty":""}}}`), &c))
	tags := c.Tags()
	assert.Equal(t, "x", tags["source"])
	assert.Contains(t, tags, "empty")
	assert.Equal(t, "x", c.Source())
}

func TestCommit_SetTagsAndTimestamp(t *testing.T) {
	c := &model.Commit{ID: "a"}
	c.SetTags(map[string]string{"k": "v"})
	assert.Equal(t, "v", c.Tags()["k"])

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	c.Properties[model.PropertyTimestamp] = model.FormatTimestamp(now)
	assert.True(t, now.Equal(c.Timestamp()))

	var empty *model.Commit
	assert.True(t, empty.Timestamp().IsZero())
}

func TestStateFor(t *testing.T) {
	s, ok := model.StateFor(model.ProgressComplete)
	assert.True(t, ok)
	assert.Equal(t, model.OperationComplete, s)

	_, ok = model.StateFor(model.ProgressProgress)
	assert.False(t, ok)
	assert.True(t, model.OperationAborted.Terminal())
	assert.False(t, model.OperationRunning.Terminal())
}
