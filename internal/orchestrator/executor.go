package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/titan-data/titan/internal/metadata"
	"github.com/titan-data/titan/internal/remote"
	"github.com/titan-data/titan/internal/storage"
	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/logging"
	"github.com/titan-data/titan/pkg/model"
	"github.com/titan-data/titan/pkg/webhook"
)

// ScratchVolume is the transient volume created in an operation's volume
// set to stage archives during data sync. It never appears in metadata.
const ScratchVolume = "_scratch"

// OperationExecutor drives one push or pull in its own goroutine. It is the
// remote.Operation handed to providers.
type OperationExecutor struct {
	l            *Locator
	commits      *CommitOrchestrator
	server       remote.Server
	remote       model.Remote
	params       model.RemoteParameters
	metadataOnly bool
	log          *logging.Logger

	mu   sync.Mutex
	repo string
	op   model.Operation

	ctx      context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool
	done     chan struct{}
}

var _ remote.Operation = (*OperationExecutor)(nil)

func newOperationExecutor(l *Locator, commits *CommitOrchestrator, rec metadata.OperationRecord, r model.Remote, server remote.Server) *OperationExecutor {
	ctx, cancel := context.WithCancel(context.Background())
	return &OperationExecutor{
		l:            l,
		commits:      commits,
		server:       server,
		remote:       r,
		params:       rec.Params,
		metadataOnly: rec.MetadataOnly,
		log: l.Log.WithFields(map[string]any{
			"operation": rec.Operation.ID,
			"type":      string(rec.Operation.Type),
			"remote":    r.Name,
		}),
		repo:   rec.Repo,
		op:     rec.Operation,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Operation returns a snapshot of the operation.
func (e *OperationExecutor) Operation() model.Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.op
}

func (e *OperationExecutor) Repository() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.repo
}

func (e *OperationExecutor) Remote() model.Remote { return e.remote }

func (e *OperationExecutor) Params() model.RemoteParameters { return e.params }

func (e *OperationExecutor) setRepository(repo string) {
	e.mu.Lock()
	e.repo = repo
	e.mu.Unlock()
}

// AddProgress appends entry to the operation. A terminal entry moves the
// operation to its final state in the same transaction. Entries are
// recorded even after the operation was aborted.
func (e *OperationExecutor) AddProgress(entry model.ProgressEntry) error {
	id := e.Operation().ID
	state, terminal := model.StateFor(entry.Type)
	err := e.l.Store.Tx(context.Background(), func(tx *metadata.Tx) error {
		if _, err := tx.AddProgressEntry(id, entry); err != nil {
			return err
		}
		if terminal {
			return tx.UpdateOperationState(id, state)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if terminal {
		e.mu.Lock()
		e.op.State = state
		e.mu.Unlock()
	}
	e.l.Metrics.RecordProgress(string(entry.Type))
	return nil
}

// Abort cancels the operation. The executor records an ABORT entry once
// its current step observes the cancellation.
func (e *OperationExecutor) Abort() {
	e.cancel()
}

// stop cancels the operation without finishing it. The operation stays
// RUNNING in metadata and is retried by the next LoadState.
func (e *OperationExecutor) stop() {
	e.stopping.Store(true)
	e.cancel()
}

// Done is closed once the executor goroutine has exited.
func (e *OperationExecutor) Done() <-chan struct{} {
	return e.done
}

func (e *OperationExecutor) start(retry bool) {
	go e.run(retry)
}

func (e *OperationExecutor) run(retry bool) {
	defer close(e.done)
	defer e.cancel()

	op := e.Operation()
	started := time.Now()
	e.l.Metrics.RecordOperationStarted(string(op.Type))
	e.notify(webhook.EventOperationStarted, "")
	e.log.Info("operation started", map[string]any{"commit": op.CommitID, "retry": retry})

	err := e.execute(e.ctx, retry)
	if err != nil && e.stopping.Load() {
		e.log.Info("operation interrupted by shutdown")
		return
	}

	var entry model.ProgressEntry
	var event webhook.EventType
	switch {
	case err == nil:
		entry = model.ProgressEntry{Type: model.ProgressComplete}
		event = webhook.EventOperationCompleted
		e.log.Info("operation complete")
	case e.ctx.Err() != nil:
		entry = model.ProgressEntry{Type: model.ProgressAbort}
		event = webhook.EventOperationAborted
		e.log.Info("operation aborted")
	default:
		entry = model.ProgressEntry{Type: model.ProgressFailed, Message: err.Error()}
		event = webhook.EventOperationFailed
		e.log.ErrorErr("operation failed", err)
	}
	if perr := e.AddProgress(entry); perr != nil {
		e.log.ErrorErr("record final progress failed", perr)
	}

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	e.notify(event, msg)
	e.l.Metrics.RecordOperationFinished(string(op.Type), string(e.Operation().State), time.Since(started))
}

func (e *OperationExecutor) notify(event webhook.EventType, errMsg string) {
	op := e.Operation()
	if err := e.l.Webhooks.SendOperation(event, e.Repository(), op.ID, string(op.Type), op.Remote, op.CommitID, errMsg); err != nil {
		e.log.Warn("webhook failed", map[string]any{"event": string(event), "error": err.Error()})
	}
}

func (e *OperationExecutor) execute(ctx context.Context, retry bool) (err error) {
	op := e.Operation()
	repo := e.Repository()

	var commit *model.Commit
	if op.Type == model.OperationPull {
		commit, err = e.server.GetCommit(ctx, e.remote, e.params, op.CommitID)
		if err != nil {
			return err
		}
		if commit == nil {
			return errclass.ErrNoSuchObject.WithMessagef("no such commit '%s' in remote '%s'", op.CommitID, op.Remote)
		}
	}

	if !e.metadataOnly {
		allocated := false
		if retry {
			if allocated, err = e.storageAllocated(ctx); err != nil {
				return err
			}
		}
		if !allocated {
			if err := e.allocateStorage(ctx); err != nil {
				return err
			}
		}
	}

	data, err := e.server.StartOperation(ctx, e)
	if err != nil {
		return err
	}
	ended := false
	defer func() {
		if err == nil || ended {
			return
		}
		if ferr := e.server.FailOperation(context.WithoutCancel(ctx), e, data); ferr != nil {
			e.log.ErrorErr("unwind remote operation failed", ferr)
		}
	}()

	if !e.metadataOnly {
		if err := e.syncData(ctx, data); err != nil {
			return err
		}
	}

	switch {
	case op.Type == model.OperationPush:
		var local *metadata.CommitRecord
		if err := e.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
			var err error
			local, err = tx.GetCommit(repo, op.CommitID)
			return err
		}); err != nil {
			return err
		}
		if err := e.server.PushMetadata(ctx, e, data, local.Commit, e.metadataOnly); err != nil {
			return err
		}
	case e.metadataOnly:
		if err := e.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
			return tx.UpdateCommit(repo, *commit)
		}); err != nil {
			return err
		}
	}

	if err := e.server.EndOperation(ctx, e, data, true); err != nil {
		return err
	}
	ended = true

	if op.Type == model.OperationPull && !e.metadataOnly {
		if _, err := e.commits.createCommit(ctx, repo, op.ID, *commit); err != nil {
			return err
		}
	}
	return nil
}

// storageAllocated reports whether every volume of the operation's set has
// a backend config, which is the case once allocateStorage has finished.
func (e *OperationExecutor) storageAllocated(ctx context.Context) (bool, error) {
	vols, err := e.volumes(ctx)
	if err != nil {
		return false, err
	}
	for _, v := range vols {
		if len(v.Config) == 0 {
			return false, nil
		}
	}
	return true, nil
}

func (e *OperationExecutor) volumes(ctx context.Context) ([]model.Volume, error) {
	var vols []model.Volume
	err := e.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		var err error
		vols, err = tx.ListVolumes(e.Operation().ID)
		return err
	})
	return vols, err
}

// allocateStorage provisions the operation's volume set, cloning from the
// set's source commit when it has one.
func (e *OperationExecutor) allocateStorage(ctx context.Context) error {
	id := e.Operation().ID
	repo := e.Repository()

	var source, srcSet string
	var vols []model.Volume
	err := e.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		vs, err := tx.GetVolumeSet(id)
		if err != nil {
			return err
		}
		source = vs.SourceCommit
		if source != "" {
			rec, err := tx.GetCommit(repo, source)
			if err != nil {
				return err
			}
			srcSet = rec.VolumeSet
		}
		vols, err = tx.ListVolumes(id)
		return err
	})
	if err != nil {
		return err
	}

	if source == "" {
		return createVolumes(ctx, e.l, id, vols)
	}
	return cloneVolumes(ctx, e.l, srcSet, source, id, vols)
}

// syncData transfers every volume of the operation's set through the
// remote, with a scratch volume mounted for staging.
func (e *OperationExecutor) syncData(ctx context.Context, data any) error {
	id := e.Operation().ID
	rt := e.l.Context

	vols, err := e.volumes(ctx)
	if err != nil {
		return err
	}

	scratch, err := rt.CreateVolume(ctx, id, ScratchVolume)
	if err != nil {
		return err
	}
	defer func() {
		bg := context.WithoutCancel(ctx)
		if err := rt.DeactivateVolume(bg, id, ScratchVolume, scratch); err != nil {
			e.log.ErrorErr("deactivate scratch volume failed", err)
		}
		if err := rt.DeleteVolume(bg, id, ScratchVolume, scratch); err != nil {
			e.log.ErrorErr("delete scratch volume failed", err)
		}
	}()
	if err := rt.ActivateVolume(ctx, id, ScratchVolume, scratch); err != nil {
		return err
	}

	for _, v := range vols {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.syncVolume(ctx, data, v, scratch); err != nil {
			return err
		}
	}
	return nil
}

func (e *OperationExecutor) syncVolume(ctx context.Context, data any, v model.Volume, scratch map[string]any) (err error) {
	id := e.Operation().ID
	rt := e.l.Context
	if err := rt.ActivateVolume(ctx, id, v.Name, v.Config); err != nil {
		return err
	}
	defer func() {
		derr := rt.DeactivateVolume(context.WithoutCancel(ctx), id, v.Name, v.Config)
		if derr != nil && err == nil {
			err = derr
		}
	}()
	return e.server.SyncVolume(ctx, e, data, v.Name, remote.VolumeDescription(v),
		storage.Mountpoint(v.Config), storage.Mountpoint(scratch))
}
