package gc_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titan-data/titan/internal/audit"
	"github.com/titan-data/titan/internal/gc"
	"github.com/titan-data/titan/internal/metadata"
	"github.com/titan-data/titan/internal/storage"
	"github.com/titan-data/titan/internal/storage/local"
	"github.com/titan-data/titan/pkg/model"
)

type env struct {
	ctx   context.Context
	store *metadata.Store
	rt    storage.RuntimeContext
	audit *audit.FileAppender
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	store, err := metadata.Open(filepath.Join(t.TempDir(), "titan.db"))
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	t.Cleanup(func() { _ = store.Close() })
	rt, err := local.New(t.TempDir(), "copy")
	require.NoError(t, err)
	return &env{ctx: ctx, store: store, rt: rt, audit: audit.NewFileAppender(filepath.Join(t.TempDir(), "audit.jsonl"))}
}

func (e *env) reaper(rt storage.RuntimeContext) *gc.Reaper {
	return gc.NewReaper(e.store, rt, gc.Config{Audit: e.audit})
}

// volumeSet creates a volume set holding volume vol, both in metadata and
// on disk.
func (e *env) volumeSet(t *testing.T, repo, source string, active bool) string {
	t.Helper()
	var id string
	require.NoError(t, e.store.Tx(e.ctx, func(tx *metadata.Tx) error {
		var err error
		if id, err = tx.CreateVolumeSet(repo, source, active); err != nil {
			return err
		}
		return tx.CreateVolume(id, model.Volume{Name: "vol", Properties: map[string]any{}})
	}))
	require.NoError(t, e.rt.CreateVolumeSet(e.ctx, id))
	config, err := e.rt.CreateVolume(e.ctx, id, "vol")
	require.NoError(t, err)
	require.NoError(t, e.store.Tx(e.ctx, func(tx *metadata.Tx) error {
		return tx.UpdateVolumeConfig(id, "vol", config)
	}))
	return id
}

func (e *env) commit(t *testing.T, repo, vs, id string) {
	t.Helper()
	require.NoError(t, e.store.Tx(e.ctx, func(tx *metadata.Tx) error {
		return tx.CreateCommit(repo, vs, model.Commit{ID: id, Properties: map[string]any{}})
	}))
	require.NoError(t, e.rt.CreateCommit(e.ctx, vs, id, []string{"vol"}))
}

func (e *env) repo(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, e.store.Tx(e.ctx, func(tx *metadata.Tx) error {
		return tx.CreateRepository(model.Repository{Name: name, Properties: map[string]any{}})
	}))
}

func (e *env) volumeSetExists(t *testing.T, id string) bool {
	t.Helper()
	var exists bool
	require.NoError(t, e.store.Tx(e.ctx, func(tx *metadata.Tx) error {
		_, err := tx.GetVolumeSet(id)
		exists = err == nil
		return nil
	}))
	return exists
}

func TestReapOnceWithNothingToDo(t *testing.T) {
	e := newEnv(t)
	res, err := e.reaper(e.rt).ReapOnce(e.ctx)
	require.NoError(t, err)
	assert.False(t, res.Progress())
	assert.Equal(t, 1, res.PassesExecuted)
}

func TestEmptyInactiveSetIsReaped(t *testing.T) {
	e := newEnv(t)
	e.repo(t, "foo")
	e.volumeSet(t, "foo", "", true)
	inactive := e.volumeSet(t, "foo", "", false)

	res, err := e.reaper(e.rt).Drain(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MarkedSets)
	assert.Equal(t, 1, res.VolumeSets)
	assert.False(t, e.volumeSetExists(t, inactive))

	records, err := e.audit.Records()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, model.EventTypeVolumeSetMark, records[0].EventType)
	assert.Equal(t, model.EventTypeVolumeSetDestroy, records[1].EventType)
	require.NoError(t, e.audit.Verify())
}

func TestActiveAndOperationSetsAreKept(t *testing.T) {
	e := newEnv(t)
	e.repo(t, "foo")
	active := e.volumeSet(t, "foo", "", true)
	opSet := e.volumeSet(t, "foo", "", false)
	require.NoError(t, e.store.Tx(e.ctx, func(tx *metadata.Tx) error {
		return tx.CreateOperation(metadata.OperationRecord{
			Repo:      "foo",
			Operation: model.Operation{ID: opSet, Type: model.OperationPush, State: model.OperationRunning, Remote: "r", CommitID: "c"},
		})
	}))

	res, err := e.reaper(e.rt).Drain(e.ctx)
	require.NoError(t, err)
	assert.False(t, res.Progress())
	assert.True(t, e.volumeSetExists(t, active))
	assert.True(t, e.volumeSetExists(t, opSet))
}

func TestCommitWaitsForClones(t *testing.T) {
	e := newEnv(t)
	e.repo(t, "foo")
	origin := e.volumeSet(t, "foo", "", false)
	e.commit(t, "foo", origin, "c1")
	clone := e.volumeSet(t, "foo", "c1", true)

	require.NoError(t, e.store.Tx(e.ctx, func(tx *metadata.Tx) error {
		return tx.MarkCommitDeleting("foo", "c1")
	}))
	r := e.reaper(e.rt)
	res, err := r.Drain(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Commits, "commit is still cloned")
	assert.True(t, e.volumeSetExists(t, origin))

	require.NoError(t, e.store.Tx(e.ctx, func(tx *metadata.Tx) error {
		return tx.MarkVolumeSetDeleting(clone)
	}))
	res, err = r.Drain(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Commits)
	assert.Equal(t, 2, res.VolumeSets)
	assert.False(t, e.volumeSetExists(t, origin))
	assert.False(t, e.volumeSetExists(t, clone))
}

// failingContext fails every volume deletion.
type failingContext struct {
	storage.RuntimeContext
}

func (failingContext) DeleteVolume(ctx context.Context, volumeSet, name string, config map[string]any) error {
	return errors.New("device busy")
}

func TestFailuresAreSkippedAndRetried(t *testing.T) {
	e := newEnv(t)
	e.repo(t, "foo")
	vs := e.volumeSet(t, "foo", "", true)
	require.NoError(t, e.store.Tx(e.ctx, func(tx *metadata.Tx) error {
		return tx.MarkVolumeDeleting(vs, "vol")
	}))

	res, err := e.reaper(failingContext{e.rt}).Drain(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failures)
	assert.Equal(t, 1, res.PassesExecuted, "a pass that only fails makes no progress")

	res, err = e.reaper(e.rt).Drain(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Volumes)
	assert.Zero(t, res.Failures)
}

func TestHoldDefersMarking(t *testing.T) {
	e := newEnv(t)
	e.repo(t, "foo")
	vs := e.volumeSet(t, "foo", "", false)
	r := e.reaper(e.rt)

	release := r.Hold()
	done := make(chan gc.Result, 1)
	go func() {
		res, _ := r.ReapOnce(e.ctx)
		done <- res
	}()

	select {
	case <-done:
		t.Fatal("pass finished while held")
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, e.volumeSetExists(t, vs))

	release()
	select {
	case res := <-done:
		assert.Equal(t, 1, res.MarkedSets)
	case <-time.After(5 * time.Second):
		t.Fatal("pass did not resume after release")
	}
}

func TestRunReapsOnSignal(t *testing.T) {
	e := newEnv(t)
	e.repo(t, "foo")
	vs := e.volumeSet(t, "foo", "", true)
	r := e.reaper(e.rt)

	ctx, cancel := context.WithCancel(e.ctx)
	stopped := make(chan error, 1)
	go func() { stopped <- r.Run(ctx) }()

	require.NoError(t, e.store.Tx(e.ctx, func(tx *metadata.Tx) error {
		return tx.MarkVolumeSetDeleting(vs)
	}))
	r.Signal()
	r.Signal()

	require.Eventually(t, func() bool { return !e.volumeSetExists(t, vs) }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
