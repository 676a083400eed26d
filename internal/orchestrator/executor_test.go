package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titan-data/titan/internal/metadata"
	"github.com/titan-data/titan/internal/remote"
	"github.com/titan-data/titan/internal/storage"
	"github.com/titan-data/titan/pkg/model"
)

const fakeProvider = "fake"

// fakeServer is a stateful remote holding a fixed set of commits. It
// records the protocol calls it receives.
type fakeServer struct {
	commits map[string]model.Commit
	syncErr error

	mu    sync.Mutex
	calls []string
}

func newFakeServer(commits ...model.Commit) *fakeServer {
	s := &fakeServer{commits: map[string]model.Commit{}}
	for _, c := range commits {
		s.commits[c.ID] = c
	}
	return s
}

func (s *fakeServer) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *fakeServer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeServer) Provider() string                              { return fakeProvider }
func (s *fakeServer) ValidateRemote(props map[string]any) error     { return nil }
func (s *fakeServer) ValidateParameters(props map[string]any) error { return nil }

func (s *fakeServer) ListCommits(ctx context.Context, r model.Remote, params model.RemoteParameters, tags []string) ([]model.Commit, error) {
	var out []model.Commit
	for _, c := range s.commits {
		out = append(out, c)
	}
	return out, nil
}

func (s *fakeServer) GetCommit(ctx context.Context, r model.Remote, params model.RemoteParameters, id string) (*model.Commit, error) {
	c, ok := s.commits[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *fakeServer) StartOperation(ctx context.Context, op remote.Operation) (any, error) {
	s.record("start")
	return nil, nil
}

func (s *fakeServer) SyncVolume(ctx context.Context, op remote.Operation, data any, volume, description, localPath, scratchPath string) error {
	s.record("sync")
	return s.syncErr
}

func (s *fakeServer) PushMetadata(ctx context.Context, op remote.Operation, data any, commit model.Commit, isUpdate bool) error {
	s.record("push")
	return nil
}

func (s *fakeServer) EndOperation(ctx context.Context, op remote.Operation, data any, success bool) error {
	if success {
		s.record("end")
	} else {
		s.record("end-failed")
	}
	return nil
}

func (s *fakeServer) FailOperation(ctx context.Context, op remote.Operation, data any) error {
	s.record("fail")
	return nil
}

// recordingContext logs the destructive calls made against a runtime
// context.
type recordingContext struct {
	storage.RuntimeContext

	mu    sync.Mutex
	calls []string
}

func (c *recordingContext) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *recordingContext) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *recordingContext) DeleteVolumeSet(ctx context.Context, volumeSet string) error {
	c.record("deleteVolumeSet " + volumeSet)
	return c.RuntimeContext.DeleteVolumeSet(ctx, volumeSet)
}

func (c *recordingContext) DeleteCommit(ctx context.Context, volumeSet, commitID string, volumes []string) error {
	c.record("deleteCommit " + volumeSet + " " + commitID)
	return c.RuntimeContext.DeleteCommit(ctx, volumeSet, commitID, volumes)
}

func (f *fixture) addFakeRemote(t *testing.T) {
	t.Helper()
	_, err := f.o.Remotes.AddRemote(f.ctx, "foo", model.Remote{Provider: fakeProvider, Name: "origin"})
	require.NoError(t, err)
}

func fakeParams() model.RemoteParameters {
	return model.RemoteParameters{Provider: fakeProvider, Properties: map[string]any{}}
}

func sourced(id, source string) model.Commit {
	c := model.Commit{ID: id, Properties: map[string]any{}}
	if source != "" {
		c.SetTags(map[string]string{"source": source})
	}
	return c
}

func (f *fixture) activeVolumeSet(t *testing.T) string {
	t.Helper()
	var id string
	require.NoError(t, f.l.Store.Tx(f.ctx, func(tx *metadata.Tx) error {
		var err error
		id, err = tx.GetActiveVolumeSet("foo")
		return err
	}))
	return id
}

func (f *fixture) volumeSet(t *testing.T, id string) *metadata.VolumeSet {
	t.Helper()
	var vs *metadata.VolumeSet
	require.NoError(t, f.l.Store.Tx(f.ctx, func(tx *metadata.Tx) error {
		var err error
		vs, err = tx.GetVolumeSet(id)
		return err
	}))
	return vs
}

func TestPullClonesFromNearestLocalAncestor(t *testing.T) {
	server := newFakeServer(sourced("c3", "c2"), sourced("c2", "c1"), sourced("c1", ""))
	f := newFixtureWith(t, nil, server)
	f.repoWithVolume(t)
	_, err := f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{ID: "c1"})
	require.NoError(t, err)
	_, err = f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{ID: "latest"})
	require.NoError(t, err)
	f.addFakeRemote(t)

	op, err := f.o.Operations.StartPull(f.ctx, "foo", "origin", "c3", fakeParams(), false)
	require.NoError(t, err)
	assert.Equal(t, "c1", f.volumeSet(t, op.ID).SourceCommit)

	entries := f.drain(t, op.ID)
	assert.Equal(t, model.ProgressComplete, entries[len(entries)-1].Type)
	_, err = f.o.Commits.GetCommit(f.ctx, "foo", "c3")
	require.NoError(t, err)
}

func TestPullWithoutLocalAncestorClonesNewestCommit(t *testing.T) {
	server := newFakeServer(sourced("c9", "c8"), sourced("c8", ""))
	f := newFixtureWith(t, nil, server)
	f.repoWithVolume(t)
	_, err := f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{ID: "c1"})
	require.NoError(t, err)
	_, err = f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{ID: "latest"})
	require.NoError(t, err)
	f.addFakeRemote(t)

	op, err := f.o.Operations.StartPull(f.ctx, "foo", "origin", "c9", fakeParams(), false)
	require.NoError(t, err)
	assert.Equal(t, "latest", f.volumeSet(t, op.ID).SourceCommit)
	f.drain(t, op.ID)
}

func TestFailedSyncUnwindsRemoteOperation(t *testing.T) {
	server := newFakeServer()
	server.syncErr = errors.New("remote disk full")
	f := newFixtureWith(t, nil, server)
	writeFile(t, f.repoWithVolume(t), "hello")
	_, err := f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{ID: "id"})
	require.NoError(t, err)
	f.addFakeRemote(t)

	op, err := f.o.Operations.StartPush(f.ctx, "foo", "origin", "id", fakeParams(), false)
	require.NoError(t, err)

	entries := f.drain(t, op.ID)
	assert.Equal(t, []model.ProgressType{model.ProgressMessage, model.ProgressFailed}, types(entries))
	assert.Contains(t, entries[len(entries)-1].Message, "remote disk full")
	assert.Equal(t, []string{"start", "sync", "fail"}, server.Calls())

	res, err := f.l.Reaper.Drain(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.VolumeSets)
	require.NoError(t, f.l.Store.Tx(f.ctx, func(tx *metadata.Tx) error {
		_, err := tx.GetVolumeSet(op.ID)
		assert.Error(t, err)
		return nil
	}))
}

func TestDeleteRepositoryReapsCommitsBeforeTheirSets(t *testing.T) {
	var rec *recordingContext
	f := newFixtureWith(t, func(rt storage.RuntimeContext) storage.RuntimeContext {
		rec = &recordingContext{RuntimeContext: rt}
		return rec
	})
	writeFile(t, f.repoWithVolume(t), "hello")
	original := f.activeVolumeSet(t)
	_, err := f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{ID: "c1"})
	require.NoError(t, err)
	require.NoError(t, f.o.Commits.CheckoutCommit(f.ctx, "foo", "c1"))
	clone := f.activeVolumeSet(t)
	require.NotEqual(t, original, clone)

	require.NoError(t, f.o.Repositories.DeleteRepository(f.ctx, "foo"))
	res, err := f.l.Reaper.Drain(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Commits)
	assert.Equal(t, 2, res.VolumeSets)

	assert.Equal(t, []string{
		"deleteVolumeSet " + clone,
		"deleteCommit " + original + " c1",
		"deleteVolumeSet " + original,
	}, rec.Calls())
	assert.Empty(t, deletingCommits(t, f))
}
