package orchestrator

import (
	"context"
	"fmt"

	"github.com/titan-data/titan/internal/metadata"
	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/model"
	"github.com/titan-data/titan/pkg/pathutil"
)

// RepositoryOrchestrator manages repositories and their active volume set.
type RepositoryOrchestrator struct {
	l *Locator
	o *Orchestrators
}

// CreateRepository creates the repository and its first, empty, active
// volume set.
func (r *RepositoryOrchestrator) CreateRepository(ctx context.Context, repo model.Repository) (model.Repository, error) {
	if err := pathutil.ValidateRepoName(repo.Name); err != nil {
		return model.Repository{}, err
	}
	if repo.Properties == nil {
		repo.Properties = map[string]any{}
	}

	var vs string
	err := r.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		if err := tx.CreateRepository(repo); err != nil {
			return err
		}
		var err error
		vs, err = tx.CreateVolumeSet(repo.Name, "", true)
		return err
	})
	if err != nil {
		return model.Repository{}, err
	}

	if err := r.l.Context.CreateVolumeSet(ctx, vs); err != nil {
		r.l.Log.ErrorErr("create volume set failed", err, map[string]any{"repo": repo.Name, "volumeSet": vs})
		if rerr := r.l.Store.Tx(context.WithoutCancel(ctx), func(tx *metadata.Tx) error {
			if err := tx.MarkAllVolumeSetsDeleting(repo.Name); err != nil {
				return err
			}
			return tx.DeleteRepository(repo.Name)
		}); rerr != nil {
			r.l.Log.ErrorErr("roll back repository failed", rerr, map[string]any{"repo": repo.Name})
		}
		r.l.Reaper.Signal()
		return model.Repository{}, fmt.Errorf("create repository %s: %w", repo.Name, err)
	}
	r.l.Log.Info("repository created", map[string]any{"repo": repo.Name, "volumeSet": vs})
	return repo, nil
}

// GetRepository returns a repository.
func (r *RepositoryOrchestrator) GetRepository(ctx context.Context, name string) (model.Repository, error) {
	if err := pathutil.ValidateRepoName(name); err != nil {
		return model.Repository{}, err
	}
	var repo *model.Repository
	err := r.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		var err error
		repo, err = tx.GetRepository(name)
		return err
	})
	if err != nil {
		return model.Repository{}, err
	}
	return *repo, nil
}

// ListRepositories returns all repositories ordered by name.
func (r *RepositoryOrchestrator) ListRepositories(ctx context.Context) ([]model.Repository, error) {
	var repos []model.Repository
	err := r.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		var err error
		repos, err = tx.ListRepositories()
		return err
	})
	return repos, err
}

// UpdateRepository renames a repository and replaces its properties. A
// repository cannot be renamed while it has running operations.
func (r *RepositoryOrchestrator) UpdateRepository(ctx context.Context, name string, repo model.Repository) (model.Repository, error) {
	if err := pathutil.ValidateRepoName(name); err != nil {
		return model.Repository{}, err
	}
	if err := pathutil.ValidateRepoName(repo.Name); err != nil {
		return model.Repository{}, err
	}
	if repo.Properties == nil {
		repo.Properties = map[string]any{}
	}
	if name != repo.Name && r.o.Operations.hasRunning(name) {
		return model.Repository{}, errclass.ErrObjectExists.WithMessagef("repository '%s' has operations in progress", name)
	}
	err := r.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		return tx.UpdateRepository(name, repo)
	})
	if err != nil {
		return model.Repository{}, err
	}
	if name != repo.Name {
		r.o.Operations.renameRepository(name, repo.Name)
	}
	return repo, nil
}

// DeleteRepository aborts the repository's operations, removes its metadata
// and marks its commits and volume sets for the reaper.
func (r *RepositoryOrchestrator) DeleteRepository(ctx context.Context, name string) error {
	if _, err := r.GetRepository(ctx, name); err != nil {
		return err
	}
	r.o.Operations.abortRepository(name)

	err := r.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		if err := tx.MarkAllVolumeSetsDeleting(name); err != nil {
			return err
		}
		return tx.DeleteRepository(name)
	})
	if err != nil {
		return err
	}
	if err := r.l.Audit.Append(model.EventTypeRepositoryDelete, name, "", nil); err != nil {
		r.l.Log.ErrorErr("audit append failed", err, map[string]any{"repo": name})
	}
	r.l.Log.Info("repository deleted", map[string]any{"repo": name})
	r.l.Reaper.Signal()
	return nil
}

// GetRepositoryStatus sums the status of the active volumes and reports the
// latest commit and the commit the active state derives from.
func (r *RepositoryOrchestrator) GetRepositoryStatus(ctx context.Context, name string) (model.RepositoryStatus, error) {
	if err := pathutil.ValidateRepoName(name); err != nil {
		return model.RepositoryStatus{}, err
	}

	var status model.RepositoryStatus
	var vs string
	var vols []model.Volume
	err := r.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		if _, err := tx.GetRepository(name); err != nil {
			return err
		}
		var err error
		if vs, err = tx.GetActiveVolumeSet(name); err != nil {
			return err
		}
		if vols, err = tx.ListVolumes(vs); err != nil {
			return err
		}
		last, err := tx.GetLastCommit(name)
		if err != nil {
			return err
		}
		if last != nil {
			status.LastCommit = last.Commit.ID
		}
		status.SourceCommit, err = tx.GetCommitSource(vs)
		return err
	})
	if err != nil {
		return model.RepositoryStatus{}, err
	}

	status.VolumeStatus = make([]model.VolumeStatus, 0, len(vols))
	for _, v := range vols {
		st, err := r.l.Context.GetVolumeStatus(ctx, vs, v.Name, v.Config)
		if err != nil {
			return model.RepositoryStatus{}, fmt.Errorf("volume %s status: %w", v.Name, err)
		}
		st.Name = v.Name
		st.Properties = v.Properties
		status.LogicalSize += st.LogicalSize
		status.ActualSize += st.ActualSize
		status.VolumeStatus = append(status.VolumeStatus, *st)
	}
	return status, nil
}
