// Package gc destroys storage that orchestrators have marked for deletion.
//
// Nothing is destroyed synchronously by an API call. Callers mark commits,
// volumes and volume sets deleting and signal the Reaper, which removes
// them in dependency order: a commit only once no volume set is cloned from
// it, a volume set only once it holds no commits.
package gc

import (
	"context"
	"sync"
	"time"

	"github.com/titan-data/titan/internal/audit"
	"github.com/titan-data/titan/internal/metadata"
	"github.com/titan-data/titan/internal/storage"
	"github.com/titan-data/titan/pkg/logging"
	"github.com/titan-data/titan/pkg/metrics"
	"github.com/titan-data/titan/pkg/model"
)

// DefaultMaxPasses bounds the passes run for one wakeup.
const DefaultMaxPasses = 16

// Config holds the reaper's collaborators. Zero fields get defaults.
type Config struct {
	MaxPasses int
	Audit     audit.Appender
	Metrics   *metrics.Registry
	Log       *logging.Logger
}

// Reaper is the background garbage collector.
type Reaper struct {
	store     *metadata.Store
	rt        storage.RuntimeContext
	maxPasses int
	audit     audit.Appender
	metrics   *metrics.Registry
	log       *logging.Logger
	signal    chan struct{}

	// holds keeps inactive sets that are still being populated from being
	// marked deleting.
	holds sync.RWMutex
}

// Result counts what a pass changed.
type Result struct {
	Commits        int `json:"commits"`
	MarkedSets     int `json:"markedVolumeSets"`
	Volumes        int `json:"volumes"`
	VolumeSets     int `json:"volumeSets"`
	Failures       int `json:"failures"`
	PassesExecuted int `json:"passes"`
}

// Progress reports whether anything was destroyed or transitioned.
func (r Result) Progress() bool {
	return r.Commits+r.MarkedSets+r.Volumes+r.VolumeSets > 0
}

func (r *Result) add(o Result) {
	r.Commits += o.Commits
	r.MarkedSets += o.MarkedSets
	r.Volumes += o.Volumes
	r.VolumeSets += o.VolumeSets
	r.Failures += o.Failures
	r.PassesExecuted += o.PassesExecuted
}

// NewReaper creates a reaper over store and rt.
func NewReaper(store *metadata.Store, rt storage.RuntimeContext, cfg Config) *Reaper {
	r := &Reaper{
		store:     store,
		rt:        rt,
		maxPasses: cfg.MaxPasses,
		audit:     cfg.Audit,
		metrics:   cfg.Metrics,
		log:       cfg.Log,
		signal:    make(chan struct{}, 1),
	}
	if r.maxPasses <= 0 {
		r.maxPasses = DefaultMaxPasses
	}
	if r.audit == nil {
		r.audit = audit.Discard
	}
	if r.metrics == nil {
		r.metrics = metrics.NewRegistry()
	}
	if r.log == nil {
		r.log = logging.Global()
	}
	r.log = r.log.WithFields(map[string]any{"component": "reaper"})
	return r
}

// Signal wakes the reaper. It never blocks; signals sent while a wakeup is
// pending are coalesced.
func (r *Reaper) Signal() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Hold stops the reaper from marking empty volume sets deleting until the
// returned release function is called. Callers building a new inactive set
// hold the reaper until the set is activated or owns a commit.
func (r *Reaper) Hold() (release func()) {
	r.holds.RLock()
	return r.holds.RUnlock
}

// Run drains pending work, then waits for signals until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.Info("reaper started")
	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.log.ErrorErr("reaper pass failed", err)
		}
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return ctx.Err()
		case <-r.signal:
		}
	}
}

// Drain runs passes until one makes no progress or MaxPasses is reached.
func (r *Reaper) Drain(ctx context.Context) (Result, error) {
	var total Result
	for i := 0; i < r.maxPasses; i++ {
		res, err := r.ReapOnce(ctx)
		total.add(res)
		if err != nil {
			return total, err
		}
		if !res.Progress() {
			return total, nil
		}
	}
	r.log.Warn("reaper pass limit reached", map[string]any{"passes": r.maxPasses})
	return total, nil
}

// ReapOnce runs one pass of the four phases in order. Failures on single
// objects are logged and counted; only metadata errors abort the pass.
func (r *Reaper) ReapOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() { r.metrics.RecordReaperPass(time.Since(start)) }()

	res := Result{PassesExecuted: 1}
	phases := []func(context.Context, *Result) error{
		r.reapCommits,
		r.markEmptyVolumeSets,
		r.reapVolumes,
		r.reapVolumeSets,
	}
	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := phase(ctx, &res); err != nil {
			return res, err
		}
	}
	if res.Progress() || res.Failures > 0 {
		r.log.Debug("reaper pass finished", map[string]any{
			"commits":    res.Commits,
			"marked":     res.MarkedSets,
			"volumes":    res.Volumes,
			"volumeSets": res.VolumeSets,
			"failures":   res.Failures,
		})
	}
	return res, nil
}

func (r *Reaper) failed(res *Result, kind, id string, err error) {
	res.Failures++
	r.metrics.RecordReap(kind, false)
	r.log.ErrorErr("reap failed", err, map[string]any{"kind": kind, "id": id})
}

func (r *Reaper) destroyed(kind string, eventType model.AuditEventType, repo, id string, details map[string]any) {
	r.metrics.RecordReap(kind, true)
	if err := r.audit.Append(eventType, repo, id, details); err != nil {
		r.log.ErrorErr("audit append failed", err, map[string]any{"kind": kind, "id": id})
	}
}

func volumeNames(recs []metadata.VolumeRecord) []string {
	names := make([]string, 0, len(recs))
	for _, rec := range recs {
		names = append(names, rec.Volume.Name)
	}
	return names
}

func (r *Reaper) reapCommits(ctx context.Context, res *Result) error {
	var commits []metadata.CommitRecord
	if err := r.store.Tx(ctx, func(tx *metadata.Tx) error {
		var err error
		commits, err = tx.ListDeletingCommits()
		return err
	}); err != nil {
		return err
	}

	for _, c := range commits {
		var cloned bool
		var vols []metadata.VolumeRecord
		err := r.store.Tx(ctx, func(tx *metadata.Tx) error {
			var err error
			if cloned, err = tx.HasClones(c.RowID); err != nil || cloned {
				return err
			}
			vols, err = tx.ListAllVolumes(c.VolumeSet)
			return err
		})
		if err != nil {
			r.failed(res, "commit", c.Commit.ID, err)
			continue
		}
		if cloned {
			continue
		}

		if err := r.rt.DeleteCommit(ctx, c.VolumeSet, c.Commit.ID, volumeNames(vols)); err != nil {
			r.failed(res, "commit", c.Commit.ID, err)
			continue
		}
		if err := r.store.Tx(ctx, func(tx *metadata.Tx) error { return tx.DeleteCommit(c.RowID) }); err != nil {
			r.failed(res, "commit", c.Commit.ID, err)
			continue
		}
		res.Commits++
		r.destroyed("commit", model.EventTypeCommitDestroy, c.Repo, c.Commit.ID, map[string]any{"volume_set": c.VolumeSet})
	}
	return nil
}

func (r *Reaper) markEmptyVolumeSets(ctx context.Context, res *Result) error {
	r.holds.Lock()
	defer r.holds.Unlock()

	var sets []string
	if err := r.store.Tx(ctx, func(tx *metadata.Tx) error {
		var err error
		sets, err = tx.ListInactiveVolumeSets()
		return err
	}); err != nil {
		return err
	}

	for _, id := range sets {
		var marked bool
		var repo string
		err := r.store.Tx(ctx, func(tx *metadata.Tx) error {
			empty, err := tx.IsVolumeSetEmpty(id)
			if err != nil || !empty {
				return err
			}
			busy, err := tx.OperationExists(id)
			if err != nil || busy {
				return err
			}
			vs, err := tx.GetVolumeSet(id)
			if err != nil {
				return err
			}
			repo = vs.Repo
			marked = true
			return tx.MarkVolumeSetDeleting(id)
		})
		if err != nil {
			r.failed(res, "volume_set_mark", id, err)
			continue
		}
		if marked {
			res.MarkedSets++
			r.destroyed("volume_set_mark", model.EventTypeVolumeSetMark, repo, id, nil)
		}
	}
	return nil
}

func (r *Reaper) reapVolumes(ctx context.Context, res *Result) error {
	var vols []metadata.VolumeRecord
	if err := r.store.Tx(ctx, func(tx *metadata.Tx) error {
		var err error
		vols, err = tx.ListDeletingVolumes()
		return err
	}); err != nil {
		return err
	}

	for _, v := range vols {
		id := v.VolumeSet + "/" + v.Volume.Name
		if err := r.rt.DeleteVolume(ctx, v.VolumeSet, v.Volume.Name, v.Volume.Config); err != nil {
			r.failed(res, "volume", id, err)
			continue
		}
		if err := r.store.Tx(ctx, func(tx *metadata.Tx) error {
			return tx.DeleteVolume(v.VolumeSet, v.Volume.Name)
		}); err != nil {
			r.failed(res, "volume", id, err)
			continue
		}
		res.Volumes++
		r.destroyed("volume", model.EventTypeVolumeDestroy, "", id, nil)
	}
	return nil
}

func (r *Reaper) reapVolumeSets(ctx context.Context, res *Result) error {
	var sets []string
	if err := r.store.Tx(ctx, func(tx *metadata.Tx) error {
		var err error
		sets, err = tx.ListDeletingVolumeSets()
		return err
	}); err != nil {
		return err
	}

	for _, id := range sets {
		var empty bool
		var vs *metadata.VolumeSet
		var vols []metadata.VolumeRecord
		err := r.store.Tx(ctx, func(tx *metadata.Tx) error {
			var err error
			if empty, err = tx.IsVolumeSetEmpty(id); err != nil || !empty {
				return err
			}
			if vs, err = tx.GetVolumeSet(id); err != nil {
				return err
			}
			vols, err = tx.ListAllVolumes(id)
			return err
		})
		if err != nil {
			r.failed(res, "volume_set", id, err)
			continue
		}
		if !empty {
			continue
		}

		if err := r.destroyVolumeSet(ctx, id, vols); err != nil {
			r.failed(res, "volume_set", id, err)
			continue
		}
		res.VolumeSets++
		r.destroyed("volume_set", model.EventTypeVolumeSetDestroy, vs.Repo, id, map[string]any{
			"source_commit": vs.SourceCommit,
			"volumes":       volumeNames(vols),
		})
	}
	return nil
}

func (r *Reaper) destroyVolumeSet(ctx context.Context, id string, vols []metadata.VolumeRecord) error {
	for _, v := range vols {
		if err := r.rt.DeleteVolume(ctx, id, v.Volume.Name, v.Volume.Config); err != nil {
			return err
		}
		if err := r.store.Tx(ctx, func(tx *metadata.Tx) error { return tx.DeleteVolume(id, v.Volume.Name) }); err != nil {
			return err
		}
	}
	if err := r.rt.DeleteVolumeSet(ctx, id); err != nil {
		return err
	}
	return r.store.Tx(ctx, func(tx *metadata.Tx) error {
		exists, err := tx.OperationExists(id)
		if err != nil {
			return err
		}
		if exists {
			if err := tx.DeleteOperation(id); err != nil {
				return err
			}
		}
		return tx.DeleteVolumeSet(id)
	})
}
