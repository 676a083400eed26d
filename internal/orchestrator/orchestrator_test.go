package orchestrator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titan-data/titan/internal/metadata"
	"github.com/titan-data/titan/internal/orchestrator"
	"github.com/titan-data/titan/internal/remote"
	"github.com/titan-data/titan/internal/remote/nop"
	"github.com/titan-data/titan/internal/storage"
	"github.com/titan-data/titan/internal/storage/local"
	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/model"
	"github.com/titan-data/titan/pkg/webhook"
)

type fixture struct {
	ctx context.Context
	l   *orchestrator.Locator
	o   *orchestrator.Orchestrators
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, nil)
}

// newFixtureWith builds a fixture whose runtime context is wrapped by wrap,
// when set, and whose registry holds servers besides the nop remote.
func newFixtureWith(t *testing.T, wrap func(storage.RuntimeContext) storage.RuntimeContext, servers ...remote.Server) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := metadata.Open(filepath.Join(t.TempDir(), "titan.db"))
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	t.Cleanup(func() { _ = store.Close() })

	var rt storage.RuntimeContext
	rt, err = local.New(t.TempDir(), "copy")
	require.NoError(t, err)
	if wrap != nil {
		rt = wrap(rt)
	}

	l := &orchestrator.Locator{Store: store, Context: rt, Remotes: remote.NewRegistry(append([]remote.Server{nop.New()}, servers...)...)}
	o := orchestrator.New(l)
	t.Cleanup(o.Operations.Shutdown)
	return &fixture{ctx: ctx, l: l, o: o}
}

// repoWithVolume creates repository foo holding volume vol and returns the
// volume's mountpoint.
func (f *fixture) repoWithVolume(t *testing.T) string {
	t.Helper()
	_, err := f.o.Repositories.CreateRepository(f.ctx, model.Repository{Name: "foo"})
	require.NoError(t, err)
	v, err := f.o.Volumes.CreateVolume(f.ctx, "foo", model.Volume{Name: "vol", Properties: map[string]any{"path": "/var/data"}})
	require.NoError(t, err)
	mount := storage.Mountpoint(v.Config)
	require.NotEmpty(t, mount)
	return mount
}

func (f *fixture) mountpoint(t *testing.T) string {
	t.Helper()
	v, err := f.o.Volumes.GetVolume(f.ctx, "foo", "vol")
	require.NoError(t, err)
	return storage.Mountpoint(v.Config)
}

func writeFile(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte(content), 0644))
}

func (f *fixture) addNopRemote(t *testing.T) {
	t.Helper()
	_, err := f.o.Remotes.AddRemote(f.ctx, "foo", model.Remote{Provider: nop.Provider, Name: "b"})
	require.NoError(t, err)
}

func nopParams(props map[string]any) model.RemoteParameters {
	return model.RemoteParameters{Provider: nop.Provider, Properties: props}
}

// drain polls the progress of an operation until it has been forgotten and
// returns every entry seen.
func (f *fixture) drain(t *testing.T, id string) []model.ProgressEntry {
	t.Helper()
	var entries []model.ProgressEntry
	var last int64
	require.Eventually(t, func() bool {
		batch, err := f.o.Operations.GetProgress(f.ctx, "foo", id, last)
		if err != nil {
			require.ErrorIs(t, err, errclass.ErrNoSuchObject)
			return true
		}
		for _, e := range batch {
			require.Greater(t, e.ID, last)
			last = e.ID
		}
		entries = append(entries, batch...)
		ops, err := f.o.Operations.ListOperations(f.ctx, "foo")
		require.NoError(t, err)
		return len(ops) == 0
	}, 10*time.Second, 10*time.Millisecond)
	return entries
}

func types(entries []model.ProgressEntry) []model.ProgressType {
	out := make([]model.ProgressType, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Type)
	}
	return out
}

func TestEmptyRepositoryStatus(t *testing.T) {
	f := newFixture(t)
	_, err := f.o.Repositories.CreateRepository(f.ctx, model.Repository{Name: "foo"})
	require.NoError(t, err)

	status, err := f.o.Repositories.GetRepositoryStatus(f.ctx, "foo")
	require.NoError(t, err)
	assert.Empty(t, status.LastCommit)
	assert.Empty(t, status.SourceCommit)
	assert.Empty(t, status.VolumeStatus)
}

func TestCreateRepositoryValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.o.Repositories.CreateRepository(f.ctx, model.Repository{Name: "bad/name"})
	assert.ErrorIs(t, err, errclass.ErrInvalidArgument)

	_, err = f.o.Repositories.CreateRepository(f.ctx, model.Repository{Name: "foo"})
	require.NoError(t, err)
	_, err = f.o.Repositories.CreateRepository(f.ctx, model.Repository{Name: "foo"})
	assert.ErrorIs(t, err, errclass.ErrObjectExists)

	_, err = f.o.Repositories.GetRepository(f.ctx, "bar")
	assert.ErrorIs(t, err, errclass.ErrNoSuchObject)
}

func TestCommitStatusHasNoUniqueData(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.repoWithVolume(t), "hello")

	_, err := f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{ID: "id"})
	require.NoError(t, err)

	status, err := f.o.Commits.GetCommitStatus(f.ctx, "foo", "id")
	require.NoError(t, err)
	assert.Greater(t, status.LogicalSize, int64(0))
	assert.Equal(t, int64(0), status.UniqueSize)

	repoStatus, err := f.o.Repositories.GetRepositoryStatus(f.ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, "id", repoStatus.LastCommit)
}

func TestCreateCommitStampsAndRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	f.repoWithVolume(t)

	c, err := f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Contains(t, c.Properties, model.PropertyTimestamp)

	_, err = f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{ID: c.ID})
	assert.ErrorIs(t, err, errclass.ErrObjectExists)
}

func TestListCommitsFiltersByTag(t *testing.T) {
	f := newFixture(t)
	f.repoWithVolume(t)

	tagged := model.Commit{ID: "a"}
	tagged.SetTags(map[string]string{"env": "prod"})
	_, err := f.o.Commits.CreateCommit(f.ctx, "foo", tagged)
	require.NoError(t, err)
	_, err = f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{ID: "b"})
	require.NoError(t, err)

	all, err := f.o.Commits.ListCommits(f.ctx, "foo", nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	prod, err := f.o.Commits.ListCommits(f.ctx, "foo", []string{"env=prod"})
	require.NoError(t, err)
	require.Len(t, prod, 1)
	assert.Equal(t, "a", prod[0].ID)

	none, err := f.o.Commits.ListCommits(f.ctx, "foo", []string{"env=dev"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCheckoutRestoresContents(t *testing.T) {
	f := newFixture(t)
	mount := f.repoWithVolume(t)
	writeFile(t, mount, "committed")
	_, err := f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{ID: "id"})
	require.NoError(t, err)
	writeFile(t, mount, "changed")

	require.NoError(t, f.o.Commits.CheckoutCommit(f.ctx, "foo", "id"))

	data, err := os.ReadFile(filepath.Join(f.mountpoint(t), "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "committed", string(data))

	status, err := f.o.Repositories.GetRepositoryStatus(f.ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, "id", status.SourceCommit)

	v, err := f.o.Volumes.GetVolume(f.ctx, "foo", "vol")
	require.NoError(t, err)
	assert.Equal(t, "/var/data", v.Properties["path"])

	var active int
	require.NoError(t, f.l.Store.Tx(f.ctx, func(tx *metadata.Tx) error {
		active, err = tx.CountActiveVolumeSets("foo")
		return err
	}))
	assert.Equal(t, 1, active)
}

func TestCheckoutMissingCommit(t *testing.T) {
	f := newFixture(t)
	f.repoWithVolume(t)
	err := f.o.Commits.CheckoutCommit(f.ctx, "foo", "nope")
	assert.ErrorIs(t, err, errclass.ErrNoSuchObject)
}

func TestDeletedCommitIsReaped(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.repoWithVolume(t), "hello")
	_, err := f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{ID: "id"})
	require.NoError(t, err)

	require.NoError(t, f.o.Commits.DeleteCommit(f.ctx, "foo", "id"))
	res, err := f.l.Reaper.Drain(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Commits)

	_, err = f.o.Commits.GetCommit(f.ctx, "foo", "id")
	assert.ErrorIs(t, err, errclass.ErrNoSuchObject)
}

func deletingCommits(t *testing.T, f *fixture) []string {
	t.Helper()
	var ids []string
	require.NoError(t, f.l.Store.Tx(f.ctx, func(tx *metadata.Tx) error {
		recs, err := tx.ListDeletingCommits()
		for _, r := range recs {
			ids = append(ids, r.Commit.ID)
		}
		return err
	}))
	return ids
}

func TestClonedCommitOutlivesDeletion(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.repoWithVolume(t), "hello")
	_, err := f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{ID: "base"})
	require.NoError(t, err)
	_, err = f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{ID: "id"})
	require.NoError(t, err)

	require.NoError(t, f.o.Commits.CheckoutCommit(f.ctx, "foo", "id"))
	require.NoError(t, f.o.Commits.DeleteCommit(f.ctx, "foo", "id"))
	_, err = f.l.Reaper.Drain(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, deletingCommits(t, f), "the active set still clones the commit")

	// Moving off the clone leaves it empty, so it and then the commit go.
	require.NoError(t, f.o.Commits.CheckoutCommit(f.ctx, "foo", "base"))
	_, err = f.l.Reaper.Drain(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, deletingCommits(t, f))

	_, err = f.o.Commits.GetCommit(f.ctx, "foo", "base")
	assert.NoError(t, err)
}

func TestDeactivateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.repoWithVolume(t)
	require.NoError(t, f.o.Volumes.ActivateVolume(f.ctx, "foo", "vol"))
	require.NoError(t, f.o.Volumes.DeactivateVolume(f.ctx, "foo", "vol"))
	require.NoError(t, f.o.Volumes.DeactivateVolume(f.ctx, "foo", "vol"))
}

func TestDeleteVolumeIsReaped(t *testing.T) {
	f := newFixture(t)
	mount := f.repoWithVolume(t)
	require.NoError(t, f.o.Volumes.DeleteVolume(f.ctx, "foo", "vol"))

	_, err := f.o.Volumes.GetVolume(f.ctx, "foo", "vol")
	assert.ErrorIs(t, err, errclass.ErrNoSuchObject)

	res, err := f.l.Reaper.Drain(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Volumes)
	assert.NoDirExists(t, mount)
}

func TestNopPushCompletes(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.repoWithVolume(t), "hello")
	_, err := f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{ID: "id"})
	require.NoError(t, err)
	f.addNopRemote(t)

	op, err := f.o.Operations.StartPush(f.ctx, "foo", "b", "id", nopParams(nil), false)
	require.NoError(t, err)
	assert.Equal(t, model.OperationPush, op.Type)
	assert.Equal(t, model.OperationRunning, op.State)

	entries := f.drain(t, op.ID)
	require.NotEmpty(t, entries)
	assert.Equal(t, model.ProgressMessage, entries[0].Type)
	assert.Equal(t, "Pushing id to 'b'", entries[0].Message)
	assert.Equal(t, []model.ProgressType{
		model.ProgressMessage, model.ProgressStart, model.ProgressEnd, model.ProgressComplete,
	}, types(entries))

	ops, err := f.o.Operations.ListOperations(f.ctx, "foo")
	require.NoError(t, err)
	assert.Empty(t, ops)

	// The push's volume set is garbage once the operation is gone.
	res, err := f.l.Reaper.Drain(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.VolumeSets)
}

func TestPushRequiresLocalCommit(t *testing.T) {
	f := newFixture(t)
	f.repoWithVolume(t)
	f.addNopRemote(t)
	_, err := f.o.Operations.StartPush(f.ctx, "foo", "b", "missing", nopParams(nil), false)
	assert.ErrorIs(t, err, errclass.ErrNoSuchObject)
}

func TestPushUniquenessAndAbort(t *testing.T) {
	f := newFixture(t)
	f.repoWithVolume(t)
	_, err := f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{ID: "id"})
	require.NoError(t, err)
	f.addNopRemote(t)

	slow := nopParams(map[string]any{"delay": 30})
	op, err := f.o.Operations.StartPush(f.ctx, "foo", "b", "id", slow, false)
	require.NoError(t, err)

	_, err = f.o.Operations.StartPush(f.ctx, "foo", "b", "id", slow, false)
	assert.ErrorIs(t, err, errclass.ErrObjectExists)

	_, err = f.o.Repositories.UpdateRepository(f.ctx, "foo", model.Repository{Name: "renamed"})
	assert.ErrorIs(t, err, errclass.ErrObjectExists)

	require.NoError(t, f.o.Operations.AbortOperation(f.ctx, "foo", op.ID))
	entries := f.drain(t, op.ID)
	require.NotEmpty(t, entries)
	assert.Equal(t, model.ProgressAbort, entries[len(entries)-1].Type)
}

func TestParametersMustMatchRemoteProvider(t *testing.T) {
	f := newFixture(t)
	f.repoWithVolume(t)
	_, err := f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{ID: "id"})
	require.NoError(t, err)
	f.addNopRemote(t)

	_, err = f.o.Operations.StartPush(f.ctx, "foo", "b", "id", model.RemoteParameters{Provider: "s3"}, false)
	assert.ErrorIs(t, err, errclass.ErrInvalidArgument)

	_, err = f.o.Operations.StartPush(f.ctx, "foo", "b", "id", nopParams(map[string]any{"delay": -1}), false)
	assert.ErrorIs(t, err, errclass.ErrInvalidArgument)

	_, err = f.o.Remotes.ListRemoteCommits(f.ctx, "foo", "b", model.RemoteParameters{Provider: "ssh"}, nil)
	assert.ErrorIs(t, err, errclass.ErrInvalidArgument)
}

func TestRemoteLifecycle(t *testing.T) {
	f := newFixture(t)
	f.repoWithVolume(t)

	_, err := f.o.Remotes.AddRemote(f.ctx, "foo", model.Remote{Provider: "ftp", Name: "x"})
	assert.ErrorIs(t, err, errclass.ErrInvalidArgument)
	_, err = f.o.Remotes.AddRemote(f.ctx, "foo", model.Remote{Provider: nop.Provider, Name: "x", Properties: map[string]any{"a": "b"}})
	assert.ErrorIs(t, err, errclass.ErrInvalidArgument)

	f.addNopRemote(t)
	_, err = f.o.Remotes.AddRemote(f.ctx, "foo", model.Remote{Provider: nop.Provider, Name: "b"})
	assert.ErrorIs(t, err, errclass.ErrObjectExists)

	_, err = f.o.Remotes.UpdateRemote(f.ctx, "foo", "b", model.Remote{Provider: nop.Provider, Name: "c"})
	require.NoError(t, err)
	remotes, err := f.o.Remotes.ListRemotes(f.ctx, "foo")
	require.NoError(t, err)
	require.Len(t, remotes, 1)
	assert.Equal(t, "c", remotes[0].Name)

	c, err := f.o.Remotes.GetRemoteCommit(f.ctx, "foo", "c", nopParams(nil), "anything")
	require.NoError(t, err)
	assert.Equal(t, "anything", c.ID)

	require.NoError(t, f.o.Remotes.RemoveRemote(f.ctx, "foo", "c"))
	_, err = f.o.Remotes.GetRemote(f.ctx, "foo", "c")
	assert.ErrorIs(t, err, errclass.ErrNoSuchObject)
}

func TestNopPullCreatesCommit(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.repoWithVolume(t), "hello")
	_, err := f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{ID: "base"})
	require.NoError(t, err)
	f.addNopRemote(t)

	op, err := f.o.Operations.StartPull(f.ctx, "foo", "b", "pulled", nopParams(nil), false)
	require.NoError(t, err)
	entries := f.drain(t, op.ID)
	assert.Equal(t, "Pulling pulled from 'b'", entries[0].Message)
	assert.Equal(t, model.ProgressComplete, entries[len(entries)-1].Type)

	_, err = f.o.Commits.GetCommit(f.ctx, "foo", "pulled")
	require.NoError(t, err)

	// The pulled commit keeps its volume set alive.
	res, err := f.l.Reaper.Drain(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.VolumeSets)
	require.NoError(t, f.o.Commits.CheckoutCommit(f.ctx, "foo", "pulled"))

	_, err = f.o.Operations.StartPull(f.ctx, "foo", "b", "pulled", nopParams(nil), false)
	assert.ErrorIs(t, err, errclass.ErrObjectExists)
}

func TestMetadataOnlyPullRequiresLocalCommit(t *testing.T) {
	f := newFixture(t)
	f.repoWithVolume(t)
	f.addNopRemote(t)
	_, err := f.o.Operations.StartPull(f.ctx, "foo", "b", "missing", nopParams(nil), true)
	assert.ErrorIs(t, err, errclass.ErrNoSuchObject)

	_, err = f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{ID: "id"})
	require.NoError(t, err)
	op, err := f.o.Operations.StartPull(f.ctx, "foo", "b", "id", nopParams(nil), true)
	require.NoError(t, err)
	entries := f.drain(t, op.ID)
	assert.Equal(t, []model.ProgressType{model.ProgressMessage, model.ProgressComplete}, types(entries))
}

func TestLoadStateRetriesRunningOperations(t *testing.T) {
	f := newFixture(t)
	f.repoWithVolume(t)
	_, err := f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{ID: "id"})
	require.NoError(t, err)
	f.addNopRemote(t)

	// A push that was running when the process stopped.
	var id string
	require.NoError(t, f.l.Store.Tx(f.ctx, func(tx *metadata.Tx) error {
		var err error
		if id, err = tx.CreateVolumeSet("foo", "id", false); err != nil {
			return err
		}
		if err := tx.CreateVolume(id, model.Volume{Name: "vol", Properties: map[string]any{}}); err != nil {
			return err
		}
		return tx.CreateOperation(metadata.OperationRecord{
			Repo: "foo",
			Operation: model.Operation{
				ID: id, Type: model.OperationPush, State: model.OperationRunning, Remote: "b", CommitID: "id",
			},
			Params: nopParams(map[string]any{}),
		})
	}))

	require.NoError(t, f.o.Operations.LoadState(f.ctx))
	entries := f.drain(t, id)
	require.NotEmpty(t, entries)
	assert.Equal(t, "Retrying operation after restart", entries[0].Message)
	assert.Equal(t, model.ProgressComplete, entries[len(entries)-1].Type)
}

func TestShutdownLeavesOperationsForRestart(t *testing.T) {
	f := newFixture(t)
	f.repoWithVolume(t)
	_, err := f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{ID: "id"})
	require.NoError(t, err)
	f.addNopRemote(t)
	op, err := f.o.Operations.StartPush(f.ctx, "foo", "b", "id", nopParams(map[string]any{"delay": 30}), false)
	require.NoError(t, err)

	f.o.Operations.Shutdown()

	var rec *metadata.OperationRecord
	require.NoError(t, f.l.Store.Tx(f.ctx, func(tx *metadata.Tx) error {
		var err error
		rec, err = tx.GetOperation(op.ID)
		return err
	}))
	assert.Equal(t, model.OperationRunning, rec.Operation.State)

	restarted := orchestrator.New(&orchestrator.Locator{Store: f.l.Store, Context: f.l.Context, Remotes: f.l.Remotes})
	t.Cleanup(restarted.Operations.Shutdown)
	require.NoError(t, restarted.Operations.LoadState(f.ctx))
	got, err := restarted.Operations.GetOperation(f.ctx, "foo", op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OperationRunning, got.State)
	require.NoError(t, restarted.Operations.AbortOperation(f.ctx, "foo", op.ID))
}

func TestLoadStateFailsOperationsWithoutRemote(t *testing.T) {
	f := newFixture(t)
	f.repoWithVolume(t)

	var id string
	require.NoError(t, f.l.Store.Tx(f.ctx, func(tx *metadata.Tx) error {
		var err error
		if id, err = tx.CreateVolumeSet("foo", "", false); err != nil {
			return err
		}
		return tx.CreateOperation(metadata.OperationRecord{
			Repo: "foo",
			Operation: model.Operation{
				ID: id, Type: model.OperationPull, State: model.OperationRunning, Remote: "gone", CommitID: "id",
			},
			Params: nopParams(nil),
		})
	}))

	require.NoError(t, f.o.Operations.LoadState(f.ctx))
	op, err := f.o.Operations.GetOperation(f.ctx, "foo", id)
	require.NoError(t, err)
	assert.Equal(t, model.OperationFailed, op.State)

	entries := f.drain(t, id)
	require.Len(t, entries, 1)
	assert.Equal(t, model.ProgressFailed, entries[0].Type)
}

func TestDeleteRepositoryReapsEverything(t *testing.T) {
	f := newFixture(t)
	mount := f.repoWithVolume(t)
	writeFile(t, mount, "hello")
	_, err := f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{ID: "id"})
	require.NoError(t, err)
	f.addNopRemote(t)
	_, err = f.o.Operations.StartPush(f.ctx, "foo", "b", "id", nopParams(map[string]any{"delay": 30}), false)
	require.NoError(t, err)

	require.NoError(t, f.o.Repositories.DeleteRepository(f.ctx, "foo"))
	_, err = f.l.Reaper.Drain(f.ctx)
	require.NoError(t, err)

	repos, err := f.o.Repositories.ListRepositories(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, repos)
	assert.NoDirExists(t, mount)

	var remaining []metadata.OperationRecord
	require.NoError(t, f.l.Store.Tx(f.ctx, func(tx *metadata.Tx) error {
		remaining, err = tx.ListOperations("")
		return err
	}))
	assert.Empty(t, remaining)
}

func TestRenameRepository(t *testing.T) {
	f := newFixture(t)
	f.repoWithVolume(t)
	_, err := f.o.Repositories.UpdateRepository(f.ctx, "foo", model.Repository{Name: "bar", Properties: map[string]any{"a": "b"}})
	require.NoError(t, err)

	repo, err := f.o.Repositories.GetRepository(f.ctx, "bar")
	require.NoError(t, err)
	assert.Equal(t, "b", repo.Properties["a"])

	vols, err := f.o.Volumes.ListVolumes(f.ctx, "bar")
	require.NoError(t, err)
	assert.Len(t, vols, 1)
}

func TestCommitEventsReachWebhooks(t *testing.T) {
	var mu sync.Mutex
	var events []webhook.Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e webhook.Event
		if err := json.NewDecoder(r.Body).Decode(&e); err == nil {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newFixture(t)
	client := webhook.NewClient(&webhook.Config{
		Enabled:    true,
		MaxRetries: 1,
		RetryDelay: 10 * time.Millisecond,
		Hooks: []webhook.HookConfig{{
			URL:     server.URL,
			Events:  []webhook.EventType{webhook.EventCommitCreated, webhook.EventCommitDeleted},
			Enabled: true,
		}},
	})
	f.l.Webhooks = client
	f.repoWithVolume(t)

	_, err := f.o.Commits.CreateCommit(f.ctx, "foo", model.Commit{ID: "id"})
	require.NoError(t, err)
	require.NoError(t, f.o.Commits.DeleteCommit(f.ctx, "foo", "id"))
	require.NoError(t, client.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, webhook.EventCommitCreated, events[0].Event)
	assert.Equal(t, webhook.EventCommitDeleted, events[1].Event)
	assert.Equal(t, "id", events[1].CommitID)
}
