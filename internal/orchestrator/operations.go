package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/titan-data/titan/internal/metadata"
	"github.com/titan-data/titan/internal/remote"
	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/model"
	"github.com/titan-data/titan/pkg/pathutil"
)

// OperationOrchestrator starts pushes and pulls and tracks their executors
// until their final progress entry has been read.
type OperationOrchestrator struct {
	l *Locator
	o *Orchestrators

	mu        sync.Mutex
	executors map[string]*OperationExecutor
}

func newOperationOrchestrator(l *Locator, o *Orchestrators) *OperationOrchestrator {
	return &OperationOrchestrator{l: l, o: o, executors: make(map[string]*OperationExecutor)}
}

// StartPush starts pushing a local commit to a remote. A metadata-only push
// updates the properties of a commit the remote already has.
func (o *OperationOrchestrator) StartPush(ctx context.Context, repo, remoteName, commitID string, params model.RemoteParameters, metadataOnly bool) (model.Operation, error) {
	if err := validateRepoRemote(repo, remoteName); err != nil {
		return model.Operation{}, err
	}
	if err := pathutil.ValidateCommitID(commitID); err != nil {
		return model.Operation{}, err
	}
	r, server, err := o.o.Remotes.resolve(ctx, repo, remoteName, params)
	if err != nil {
		return model.Operation{}, err
	}
	if _, err := o.o.Commits.GetCommit(ctx, repo, commitID); err != nil {
		return model.Operation{}, err
	}
	if err := o.checkInProgress(ctx, repo, model.OperationPush, commitID, remoteName); err != nil {
		return model.Operation{}, err
	}

	// Stateless remotes own no commits, so there is nothing to conflict with.
	if !remote.IsStateless(server) {
		rc, err := server.GetCommit(ctx, r, params, commitID)
		if err != nil {
			return model.Operation{}, err
		}
		if rc != nil && !metadataOnly {
			return model.Operation{}, errclass.ErrObjectExists.WithMessagef("commit '%s' exists in remote '%s'", commitID, remoteName)
		}
		if rc == nil && metadataOnly {
			return model.Operation{}, errclass.ErrNoSuchObject.WithMessagef("no such commit '%s' in remote '%s'", commitID, remoteName)
		}
	}
	return o.create(ctx, repo, r, server, params, model.OperationPush, commitID, commitID, metadataOnly)
}

// StartPull starts pulling a remote commit. A metadata-only pull updates
// the properties of a commit that already exists locally.
func (o *OperationOrchestrator) StartPull(ctx context.Context, repo, remoteName, commitID string, params model.RemoteParameters, metadataOnly bool) (model.Operation, error) {
	if err := validateRepoRemote(repo, remoteName); err != nil {
		return model.Operation{}, err
	}
	if err := pathutil.ValidateCommitID(commitID); err != nil {
		return model.Operation{}, err
	}
	r, server, err := o.o.Remotes.resolve(ctx, repo, remoteName, params)
	if err != nil {
		return model.Operation{}, err
	}
	if err := o.checkInProgress(ctx, repo, model.OperationPull, commitID, ""); err != nil {
		return model.Operation{}, err
	}

	_, err = o.o.Commits.GetCommit(ctx, repo, commitID)
	exists := err == nil
	if err != nil && !errors.Is(err, errclass.ErrNoSuchObject) {
		return model.Operation{}, err
	}
	if exists && !metadataOnly {
		return model.Operation{}, errclass.ErrObjectExists.WithMessagef("commit '%s' already exists in repository '%s'", commitID, repo)
	}
	if !exists && metadataOnly {
		return model.Operation{}, errclass.ErrNoSuchObject.WithMessagef("no such commit '%s' in repository '%s'", commitID, repo)
	}

	source := ""
	if !metadataOnly {
		if source, err = o.pullSource(ctx, repo, r, server, params, commitID); err != nil {
			return model.Operation{}, err
		}
	}
	return o.create(ctx, repo, r, server, params, model.OperationPull, commitID, source, metadataOnly)
}

// pullSource picks the local commit a pull is cloned from. It follows the
// remote commit's chain of source tags and returns the first commit that
// exists locally, falling back to the newest local commit.
func (o *OperationOrchestrator) pullSource(ctx context.Context, repo string, r model.Remote, server remote.Server, params model.RemoteParameters, commitID string) (string, error) {
	seen := map[string]bool{commitID: true}
	id := commitID
	for {
		c, err := server.GetCommit(ctx, r, params, id)
		if err != nil {
			return "", err
		}
		if c == nil {
			if id == commitID {
				return "", errclass.ErrNoSuchObject.WithMessagef("no such commit '%s' in remote '%s'", commitID, r.Name)
			}
			break
		}
		src := c.Source()
		if src == "" || seen[src] {
			break
		}
		seen[src] = true
		if _, err := o.o.Commits.GetCommit(ctx, repo, src); err == nil {
			return src, nil
		} else if !errors.Is(err, errclass.ErrNoSuchObject) {
			return "", err
		}
		id = src
	}

	var last string
	err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		rec, err := tx.GetLastCommit(repo)
		if rec != nil {
			last = rec.Commit.ID
		}
		return err
	})
	return last, err
}

func (o *OperationOrchestrator) checkInProgress(ctx context.Context, repo string, opType model.OperationType, commitID, remoteName string) error {
	return o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		return inProgress(tx, repo, opType, commitID, remoteName)
	})
}

func inProgress(tx *metadata.Tx, repo string, opType model.OperationType, commitID, remoteName string) error {
	id, err := tx.OperationInProgress(repo, opType, commitID, remoteName)
	if err != nil {
		return err
	}
	if id != "" {
		return errclass.ErrObjectExists.WithMessagef("%s of commit '%s' already in progress as operation '%s'", opType, commitID, id)
	}
	return nil
}

// create records the operation, its volume set and the volumes mirrored
// from the active set in one transaction, then starts the executor.
func (o *OperationOrchestrator) create(ctx context.Context, repo string, r model.Remote, server remote.Server, params model.RemoteParameters,
	opType model.OperationType, commitID, source string, metadataOnly bool) (model.Operation, error) {
	if params.Properties == nil {
		params.Properties = map[string]any{}
	}
	var rec metadata.OperationRecord
	err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		if _, err := tx.GetRepository(repo); err != nil {
			return err
		}
		narrow := ""
		if opType == model.OperationPush {
			narrow = r.Name
		}
		if err := inProgress(tx, repo, opType, commitID, narrow); err != nil {
			return err
		}
		active, err := tx.GetActiveVolumeSet(repo)
		if err != nil {
			return err
		}
		vols, err := tx.ListVolumes(active)
		if err != nil {
			return err
		}
		id, err := tx.CreateVolumeSet(repo, source, false)
		if err != nil {
			return err
		}
		for _, v := range vols {
			if err := tx.CreateVolume(id, model.Volume{Name: v.Name, Properties: v.Properties}); err != nil {
				return err
			}
		}
		rec = metadata.OperationRecord{
			Repo: repo,
			Operation: model.Operation{
				ID:       id,
				Type:     opType,
				State:    model.OperationRunning,
				Remote:   r.Name,
				CommitID: commitID,
			},
			MetadataOnly: metadataOnly,
			Params:       params,
		}
		if err := tx.CreateOperation(rec); err != nil {
			return err
		}
		_, err = tx.AddProgressEntry(id, model.ProgressEntry{Type: model.ProgressMessage, Message: startMessage(rec.Operation)})
		return err
	})
	if err != nil {
		return model.Operation{}, err
	}

	exec := newOperationExecutor(o.l, o.o.Commits, rec, r, server)
	o.mu.Lock()
	o.executors[rec.Operation.ID] = exec
	o.mu.Unlock()
	exec.start(false)
	return rec.Operation, nil
}

func startMessage(op model.Operation) string {
	if op.Type == model.OperationPush {
		return fmt.Sprintf("Pushing %s to '%s'", op.CommitID, op.Remote)
	}
	return fmt.Sprintf("Pulling %s from '%s'", op.CommitID, op.Remote)
}

func (o *OperationOrchestrator) executor(repo, id string) (*OperationExecutor, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	exec, ok := o.executors[id]
	if !ok || exec.Repository() != repo {
		return nil, false
	}
	return exec, true
}

func validateRepoOperation(repo, id string) error {
	if err := pathutil.ValidateRepoName(repo); err != nil {
		return err
	}
	return pathutil.ValidateOperationID(id)
}

// GetOperation returns a tracked operation, or the persisted record of one
// whose progress has been fully read.
func (o *OperationOrchestrator) GetOperation(ctx context.Context, repo, id string) (model.Operation, error) {
	if err := validateRepoOperation(repo, id); err != nil {
		return model.Operation{}, err
	}
	if exec, ok := o.executor(repo, id); ok {
		return exec.Operation(), nil
	}
	var op model.Operation
	err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		if _, err := tx.GetRepository(repo); err != nil {
			return err
		}
		rec, err := tx.GetOperation(id)
		if err != nil {
			return err
		}
		if rec.Repo != repo {
			return errclass.ErrNoSuchObject.WithMessagef("no such operation '%s' in repository '%s'", id, repo)
		}
		op = rec.Operation
		return nil
	})
	return op, err
}

// ListOperations returns the tracked operations of repo ordered by id.
func (o *OperationOrchestrator) ListOperations(ctx context.Context, repo string) ([]model.Operation, error) {
	if err := pathutil.ValidateRepoName(repo); err != nil {
		return nil, err
	}
	if err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		_, err := tx.GetRepository(repo)
		return err
	}); err != nil {
		return nil, err
	}

	o.mu.Lock()
	ops := make([]model.Operation, 0, len(o.executors))
	for _, exec := range o.executors {
		if exec.Repository() == repo {
			ops = append(ops, exec.Operation())
		}
	}
	o.mu.Unlock()
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
	return ops, nil
}

// AbortOperation cancels a running operation. The operation stays tracked
// until its ABORT entry has been read.
func (o *OperationOrchestrator) AbortOperation(ctx context.Context, repo, id string) error {
	if err := validateRepoOperation(repo, id); err != nil {
		return err
	}
	exec, ok := o.executor(repo, id)
	if !ok {
		return errclass.ErrNoSuchObject.WithMessagef("no such operation '%s' in repository '%s'", id, repo)
	}
	o.l.Log.Info("aborting operation", map[string]any{"repo": repo, "operation": id})
	exec.Abort()
	return nil
}

// GetProgress returns the entries of an operation with an id greater than
// lastID. Once the operation has finished and the caller has seen its final
// entry, the operation is forgotten and its volume set left to the reaper.
func (o *OperationOrchestrator) GetProgress(ctx context.Context, repo, id string, lastID int64) ([]model.ProgressEntry, error) {
	if err := validateRepoOperation(repo, id); err != nil {
		return nil, err
	}
	exec, tracked := o.executor(repo, id)
	if !tracked {
		if _, err := o.GetOperation(ctx, repo, id); err != nil {
			return nil, err
		}
	}

	// The state is read before the entries so a terminal state implies the
	// final entry is already visible.
	var state model.OperationState
	if tracked {
		state = exec.Operation().State
	}
	var entries []model.ProgressEntry
	err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		var err error
		entries, err = tx.ListProgressEntries(id, lastID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if tracked && state.Terminal() && finalEntrySeen(entries) {
		o.remove(ctx, exec)
	}
	return entries, nil
}

// finalEntrySeen reports whether a batch read from a finished operation
// shows the caller has reached its end.
func finalEntrySeen(entries []model.ProgressEntry) bool {
	if len(entries) == 0 {
		return true
	}
	for _, e := range entries {
		if _, terminal := model.StateFor(e.Type); terminal {
			return true
		}
	}
	return false
}

func (o *OperationOrchestrator) remove(ctx context.Context, exec *OperationExecutor) {
	id := exec.Operation().ID
	o.mu.Lock()
	if o.executors[id] != exec {
		o.mu.Unlock()
		return
	}
	delete(o.executors, id)
	o.mu.Unlock()

	<-exec.Done()
	if err := o.l.Store.Tx(context.WithoutCancel(ctx), func(tx *metadata.Tx) error {
		return tx.DeleteOperation(id)
	}); err != nil {
		o.l.Log.ErrorErr("delete operation failed", err, map[string]any{"operation": id})
	}
	o.l.Reaper.Signal()
}

// LoadState tracks every persisted operation and restarts those that were
// running when the process stopped.
func (o *OperationOrchestrator) LoadState(ctx context.Context) error {
	var recs []metadata.OperationRecord
	if err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		var err error
		recs, err = tx.ListOperations("")
		return err
	}); err != nil {
		return err
	}

	for _, rec := range recs {
		r, server, rerr := o.restartTarget(ctx, rec)
		exec := newOperationExecutor(o.l, o.o.Commits, rec, r, server)
		if rec.Operation.State != model.OperationRunning {
			close(exec.done)
			o.track(exec)
			continue
		}
		o.track(exec)
		if rerr != nil {
			o.l.Log.ErrorErr("cannot restart operation", rerr, map[string]any{"operation": rec.Operation.ID})
			if err := exec.AddProgress(model.ProgressEntry{Type: model.ProgressFailed, Message: rerr.Error()}); err != nil {
				return err
			}
			close(exec.done)
			continue
		}
		o.l.Log.Info("retrying operation after restart", map[string]any{"repo": rec.Repo, "operation": rec.Operation.ID})
		if err := exec.AddProgress(model.ProgressEntry{Type: model.ProgressMessage, Message: "Retrying operation after restart"}); err != nil {
			return err
		}
		exec.start(true)
	}
	return nil
}

func (o *OperationOrchestrator) restartTarget(ctx context.Context, rec metadata.OperationRecord) (model.Remote, remote.Server, error) {
	var r *model.Remote
	err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		var err error
		r, err = tx.GetRemote(rec.Repo, rec.Operation.Remote)
		return err
	})
	if err != nil {
		return model.Remote{Name: rec.Operation.Remote}, nil, err
	}
	server, err := checkParams(o.l.Remotes, *r, rec.Params)
	return *r, server, err
}

func (o *OperationOrchestrator) track(exec *OperationExecutor) {
	o.mu.Lock()
	o.executors[exec.Operation().ID] = exec
	o.mu.Unlock()
}

// Shutdown interrupts every running operation and waits for the executors
// to exit. They stay RUNNING in metadata so LoadState restarts them.
func (o *OperationOrchestrator) Shutdown() {
	o.mu.Lock()
	execs := make([]*OperationExecutor, 0, len(o.executors))
	for _, exec := range o.executors {
		execs = append(execs, exec)
	}
	o.mu.Unlock()
	for _, exec := range execs {
		exec.stop()
	}
	for _, exec := range execs {
		<-exec.Done()
	}
}

func (o *OperationOrchestrator) matching(match func(*OperationExecutor) bool) []*OperationExecutor {
	o.mu.Lock()
	defer o.mu.Unlock()
	var execs []*OperationExecutor
	for _, exec := range o.executors {
		if match(exec) {
			execs = append(execs, exec)
		}
	}
	return execs
}

func (o *OperationOrchestrator) hasRunning(repo string) bool {
	return len(o.matching(func(e *OperationExecutor) bool {
		return e.Repository() == repo && e.Operation().State == model.OperationRunning
	})) > 0
}

func (o *OperationOrchestrator) hasRunningRemote(repo, remoteName string) bool {
	return len(o.matching(func(e *OperationExecutor) bool {
		return e.Repository() == repo && e.Remote().Name == remoteName && e.Operation().State == model.OperationRunning
	})) > 0
}

func (o *OperationOrchestrator) renameRepository(old, name string) {
	for _, exec := range o.matching(func(e *OperationExecutor) bool { return e.Repository() == old }) {
		exec.setRepository(name)
	}
}

// abortRepository aborts and forgets every operation of repo.
func (o *OperationOrchestrator) abortRepository(repo string) {
	execs := o.matching(func(e *OperationExecutor) bool { return e.Repository() == repo })
	for _, exec := range execs {
		exec.Abort()
	}
	for _, exec := range execs {
		<-exec.Done()
		o.mu.Lock()
		if o.executors[exec.Operation().ID] == exec {
			delete(o.executors, exec.Operation().ID)
		}
		o.mu.Unlock()
	}
}

// abortRemote aborts the running operations against a remote. They stay
// tracked until their progress is read.
func (o *OperationOrchestrator) abortRemote(repo, remoteName string) {
	for _, exec := range o.matching(func(e *OperationExecutor) bool {
		return e.Repository() == repo && e.Remote().Name == remoteName
	}) {
		exec.Abort()
	}
}
