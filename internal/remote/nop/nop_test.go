package nop_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titan-data/titan/internal/remote/nop"
	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/model"
)

type fakeOp struct {
	params  model.RemoteParameters
	entries []model.ProgressEntry
}

func (f *fakeOp) Operation() model.Operation     { return model.Operation{ID: "op"} }
func (f *fakeOp) Repository() string             { return "foo" }
func (f *fakeOp) Remote() model.Remote           { return model.Remote{Provider: "nop", Name: "origin"} }
func (f *fakeOp) Params() model.RemoteParameters { return f.params }
func (f *fakeOp) AddProgress(e model.ProgressEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

func TestValidation(t *testing.T) {
	s := nop.New()
	assert.NoError(t, s.ValidateRemote(nil))
	assert.ErrorIs(t, s.ValidateRemote(map[string]any{"host": "x"}), errclass.ErrInvalidArgument)
	assert.NoError(t, s.ValidateParameters(map[string]any{"delay": 2}))
	assert.ErrorIs(t, s.ValidateParameters(map[string]any{"delay": -1}), errclass.ErrInvalidArgument)
	assert.ErrorIs(t, s.ValidateParameters(map[string]any{"bogus": true}), errclass.ErrInvalidArgument)
}

func TestCommits(t *testing.T) {
	s := nop.New()
	ctx := context.Background()
	commits, err := s.ListCommits(ctx, model.Remote{}, model.RemoteParameters{}, nil)
	require.NoError(t, err)
	assert.Empty(t, commits)

	c, err := s.GetCommit(ctx, model.Remote{}, model.RemoteParameters{}, "id")
	require.NoError(t, err)
	assert.Equal(t, "id", c.ID)
	assert.True(t, s.Stateless())
}

func TestSyncVolumeReportsStartAndEnd(t *testing.T) {
	s := nop.New()
	op := &fakeOp{params: model.RemoteParameters{Provider: "nop"}}
	data, err := s.StartOperation(context.Background(), op)
	require.NoError(t, err)
	require.NoError(t, s.SyncVolume(context.Background(), op, data, "vol", "vol", "", ""))
	require.Len(t, op.entries, 2)
	assert.Equal(t, model.ProgressStart, op.entries[0].Type)
	assert.Equal(t, "Running operation", op.entries[0].Message)
	assert.Equal(t, model.ProgressEnd, op.entries[1].Type)
}

func TestSyncVolumeHonorsCancellation(t *testing.T) {
	s := nop.New()
	op := &fakeOp{params: model.RemoteParameters{Provider: "nop", Properties: map[string]any{"delay": 60}}}
	data, err := s.StartOperation(context.Background(), op)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.SyncVolume(ctx, op, data, "vol", "vol", "", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, op.entries, 1)
}
