package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/titan-data/titan/internal/metadata"
	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/model"
	"github.com/titan-data/titan/pkg/pathutil"
	"github.com/titan-data/titan/pkg/webhook"
)

// CommitOrchestrator manages commits and checkouts.
type CommitOrchestrator struct {
	l *Locator
}

func validateRepoCommit(repo, id string) error {
	if err := pathutil.ValidateRepoName(repo); err != nil {
		return err
	}
	return pathutil.ValidateCommitID(id)
}

// stamp returns commit with a timestamp property, adding the current time
// when it has none.
func stamp(commit model.Commit) model.Commit {
	props := make(map[string]any, len(commit.Properties)+1)
	for k, v := range commit.Properties {
		props[k] = v
	}
	if _, ok := props[model.PropertyTimestamp]; !ok {
		props[model.PropertyTimestamp] = model.FormatTimestamp(time.Now().UTC())
	}
	commit.Properties = props
	return commit
}

// CreateCommit snapshots the active volume set. An empty id is replaced by
// a generated UUID.
func (o *CommitOrchestrator) CreateCommit(ctx context.Context, repo string, commit model.Commit) (model.Commit, error) {
	if commit.ID == "" {
		commit.ID = uuid.NewString()
	}
	return o.createCommit(ctx, repo, "", commit)
}

// createCommit records commit in volumeSet, or in the active set when
// volumeSet is empty, then snapshots the set's volumes.
func (o *CommitOrchestrator) createCommit(ctx context.Context, repo, volumeSet string, commit model.Commit) (model.Commit, error) {
	if err := validateRepoCommit(repo, commit.ID); err != nil {
		return model.Commit{}, err
	}
	commit = stamp(commit)

	var names []string
	err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		if _, err := tx.GetRepository(repo); err != nil {
			return err
		}
		if _, err := tx.GetCommit(repo, commit.ID); err == nil {
			return errclass.ErrObjectExists.WithMessagef("commit '%s' already exists in repository '%s'", commit.ID, repo)
		} else if !errors.Is(err, errclass.ErrNoSuchObject) {
			return err
		}
		if volumeSet == "" {
			var err error
			if volumeSet, err = tx.GetActiveVolumeSet(repo); err != nil {
				return err
			}
		}
		if err := tx.CreateCommit(repo, volumeSet, commit); err != nil {
			return err
		}
		vols, err := tx.ListVolumes(volumeSet)
		for _, v := range vols {
			names = append(names, v.Name)
		}
		return err
	})
	if err != nil {
		return model.Commit{}, err
	}

	if err := o.l.Context.CreateCommit(ctx, volumeSet, commit.ID, names); err != nil {
		if merr := o.l.Store.Tx(context.WithoutCancel(ctx), func(tx *metadata.Tx) error {
			return tx.MarkCommitDeleting(repo, commit.ID)
		}); merr != nil {
			o.l.Log.ErrorErr("roll back commit failed", merr, map[string]any{"repo": repo, "commit": commit.ID})
		}
		o.l.Reaper.Signal()
		return model.Commit{}, err
	}
	o.l.Log.Info("commit created", map[string]any{"repo": repo, "commit": commit.ID, "volumeSet": volumeSet})
	o.notify(webhook.EventCommitCreated, repo, commit.ID)
	return commit, nil
}

func (o *CommitOrchestrator) notify(event webhook.EventType, repo, id string) {
	if err := o.l.Webhooks.SendCommit(event, repo, id); err != nil {
		o.l.Log.Warn("webhook failed", map[string]any{"event": string(event), "repo": repo, "commit": id, "error": err.Error()})
	}
}

// GetCommit returns an active commit.
func (o *CommitOrchestrator) GetCommit(ctx context.Context, repo, id string) (model.Commit, error) {
	rec, err := o.record(ctx, repo, id)
	if err != nil {
		return model.Commit{}, err
	}
	return rec.Commit, nil
}

func (o *CommitOrchestrator) record(ctx context.Context, repo, id string) (*metadata.CommitRecord, error) {
	if err := validateRepoCommit(repo, id); err != nil {
		return nil, err
	}
	var rec *metadata.CommitRecord
	err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		if _, err := tx.GetRepository(repo); err != nil {
			return err
		}
		var err error
		rec, err = tx.GetCommit(repo, id)
		return err
	})
	return rec, err
}

// GetCommitStatus reports the storage used by a commit.
func (o *CommitOrchestrator) GetCommitStatus(ctx context.Context, repo, id string) (model.CommitStatus, error) {
	rec, err := o.record(ctx, repo, id)
	if err != nil {
		return model.CommitStatus{}, err
	}
	var names []string
	err = o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		vols, err := tx.ListVolumes(rec.VolumeSet)
		for _, v := range vols {
			names = append(names, v.Name)
		}
		return err
	})
	if err != nil {
		return model.CommitStatus{}, err
	}
	st, err := o.l.Context.GetCommitStatus(ctx, rec.VolumeSet, id, names)
	if err != nil {
		return model.CommitStatus{}, err
	}
	return *st, nil
}

// ListCommits returns the repository's commits newest first. Each tag is
// "key" (the key must be present) or "key=value" (exact match).
func (o *CommitOrchestrator) ListCommits(ctx context.Context, repo string, tags []string) ([]model.Commit, error) {
	if err := pathutil.ValidateRepoName(repo); err != nil {
		return nil, err
	}
	var commits []model.Commit
	err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		if _, err := tx.GetRepository(repo); err != nil {
			return err
		}
		var err error
		commits, err = tx.ListCommits(repo, tags)
		return err
	})
	return commits, err
}

// UpdateCommit replaces a commit's properties and tags.
func (o *CommitOrchestrator) UpdateCommit(ctx context.Context, repo string, commit model.Commit) (model.Commit, error) {
	if err := validateRepoCommit(repo, commit.ID); err != nil {
		return model.Commit{}, err
	}
	var updated *metadata.CommitRecord
	err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		if _, err := tx.GetRepository(repo); err != nil {
			return err
		}
		if err := tx.UpdateCommit(repo, commit); err != nil {
			return err
		}
		var err error
		updated, err = tx.GetCommit(repo, commit.ID)
		return err
	})
	if err != nil {
		return model.Commit{}, err
	}
	return updated.Commit, nil
}

// DeleteCommit marks a commit deleting. Its storage is destroyed by the
// reaper once no volume set is cloned from it.
func (o *CommitOrchestrator) DeleteCommit(ctx context.Context, repo, id string) error {
	if err := validateRepoCommit(repo, id); err != nil {
		return err
	}
	err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		if _, err := tx.GetRepository(repo); err != nil {
			return err
		}
		return tx.MarkCommitDeleting(repo, id)
	})
	if err != nil {
		return err
	}
	o.notify(webhook.EventCommitDeleted, repo, id)
	o.l.Reaper.Signal()
	return nil
}

// CheckoutCommit replaces the active volume set with a clone of commit. The
// previous set becomes inactive and is reaped once nothing depends on it.
func (o *CommitOrchestrator) CheckoutCommit(ctx context.Context, repo, id string) error {
	if err := validateRepoCommit(repo, id); err != nil {
		return err
	}

	release := o.l.Reaper.Hold()
	defer release()

	var srcSet, newSet string
	var vols []model.Volume
	err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		if _, err := tx.GetRepository(repo); err != nil {
			return err
		}
		rec, err := tx.GetCommit(repo, id)
		if err != nil {
			return err
		}
		srcSet = rec.VolumeSet
		if newSet, err = tx.CreateVolumeSet(repo, id, false); err != nil {
			return err
		}
		if vols, err = tx.ListVolumes(srcSet); err != nil {
			return err
		}
		for _, v := range vols {
			if err := tx.CreateVolume(newSet, model.Volume{Name: v.Name, Properties: v.Properties}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := cloneVolumes(ctx, o.l, srcSet, id, newSet, vols); err != nil {
		// The new set is inactive and empty, so the reaper discards it.
		o.l.Reaper.Signal()
		return err
	}
	err = o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		return tx.ActivateVolumeSet(repo, newSet)
	})
	if err != nil {
		return err
	}
	o.l.Log.Info("commit checked out", map[string]any{"repo": repo, "commit": id, "volumeSet": newSet})
	o.l.Reaper.Signal()
	return nil
}
