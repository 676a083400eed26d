package orchestrator

import (
	"context"

	"github.com/titan-data/titan/internal/metadata"
	"github.com/titan-data/titan/internal/remote"
	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/model"
	"github.com/titan-data/titan/pkg/pathutil"
)

// RemoteOrchestrator manages a repository's remotes and queries them.
type RemoteOrchestrator struct {
	l *Locator
	o *Orchestrators
}

func (o *RemoteOrchestrator) validate(r model.Remote) (remote.Server, error) {
	if err := pathutil.ValidateRemoteName(r.Name); err != nil {
		return nil, err
	}
	server, err := o.l.Remotes.Get(r.Provider)
	if err != nil {
		return nil, err
	}
	props := r.Properties
	if props == nil {
		props = map[string]any{}
	}
	if err := server.ValidateRemote(props); err != nil {
		return nil, err
	}
	return server, nil
}

// AddRemote validates r with its provider and records it.
func (o *RemoteOrchestrator) AddRemote(ctx context.Context, repo string, r model.Remote) (model.Remote, error) {
	if err := pathutil.ValidateRepoName(repo); err != nil {
		return model.Remote{}, err
	}
	if _, err := o.validate(r); err != nil {
		return model.Remote{}, err
	}
	if r.Properties == nil {
		r.Properties = map[string]any{}
	}
	err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		if _, err := tx.GetRepository(repo); err != nil {
			return err
		}
		return tx.AddRemote(repo, r)
	})
	if err != nil {
		return model.Remote{}, err
	}
	o.l.Log.Info("remote added", map[string]any{"repo": repo, "remote": r.Name, "provider": r.Provider})
	return r, nil
}

// GetRemote returns a remote.
func (o *RemoteOrchestrator) GetRemote(ctx context.Context, repo, name string) (model.Remote, error) {
	if err := validateRepoRemote(repo, name); err != nil {
		return model.Remote{}, err
	}
	var r *model.Remote
	err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		var err error
		r, err = getRemote(tx, repo, name)
		return err
	})
	if err != nil {
		return model.Remote{}, err
	}
	return *r, nil
}

// ListRemotes returns the remotes of repo ordered by name.
func (o *RemoteOrchestrator) ListRemotes(ctx context.Context, repo string) ([]model.Remote, error) {
	if err := pathutil.ValidateRepoName(repo); err != nil {
		return nil, err
	}
	var remotes []model.Remote
	err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		if _, err := tx.GetRepository(repo); err != nil {
			return err
		}
		var err error
		remotes, err = tx.ListRemotes(repo)
		return err
	})
	return remotes, err
}

// UpdateRemote replaces the remote called name. A remote cannot be renamed
// while operations against it are running.
func (o *RemoteOrchestrator) UpdateRemote(ctx context.Context, repo, name string, r model.Remote) (model.Remote, error) {
	if err := validateRepoRemote(repo, name); err != nil {
		return model.Remote{}, err
	}
	if _, err := o.validate(r); err != nil {
		return model.Remote{}, err
	}
	if r.Properties == nil {
		r.Properties = map[string]any{}
	}
	if name != r.Name && o.o.Operations.hasRunningRemote(repo, name) {
		return model.Remote{}, errclass.ErrObjectExists.WithMessagef("remote '%s' has operations in progress", name)
	}
	err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		if _, err := tx.GetRepository(repo); err != nil {
			return err
		}
		return tx.UpdateRemote(repo, name, r)
	})
	if err != nil {
		return model.Remote{}, err
	}
	return r, nil
}

// RemoveRemote aborts the operations running against a remote and deletes
// it.
func (o *RemoteOrchestrator) RemoveRemote(ctx context.Context, repo, name string) error {
	if _, err := o.GetRemote(ctx, repo, name); err != nil {
		return err
	}
	o.o.Operations.abortRemote(repo, name)
	err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		return tx.RemoveRemote(repo, name)
	})
	if err != nil {
		return err
	}
	o.l.Log.Info("remote removed", map[string]any{"repo": repo, "remote": name})
	return nil
}

// ListRemoteCommits returns the commits on a remote matching tags, newest
// first.
func (o *RemoteOrchestrator) ListRemoteCommits(ctx context.Context, repo, name string, params model.RemoteParameters, tags []string) ([]model.Commit, error) {
	r, server, err := o.resolve(ctx, repo, name, params)
	if err != nil {
		return nil, err
	}
	commits, err := server.ListCommits(ctx, r, params, tags)
	if err != nil {
		return nil, err
	}
	remote.SortCommits(commits)
	return commits, nil
}

// GetRemoteCommit returns a single commit from a remote.
func (o *RemoteOrchestrator) GetRemoteCommit(ctx context.Context, repo, name string, params model.RemoteParameters, id string) (model.Commit, error) {
	if err := pathutil.ValidateCommitID(id); err != nil {
		return model.Commit{}, err
	}
	r, server, err := o.resolve(ctx, repo, name, params)
	if err != nil {
		return model.Commit{}, err
	}
	c, err := server.GetCommit(ctx, r, params, id)
	if err != nil {
		return model.Commit{}, err
	}
	if c == nil {
		return model.Commit{}, errclass.ErrNoSuchObject.WithMessagef("no such commit '%s' in remote '%s'", id, name)
	}
	return *c, nil
}

// resolve loads a remote, finds its server and checks that params belong
// to the same provider.
func (o *RemoteOrchestrator) resolve(ctx context.Context, repo, name string, params model.RemoteParameters) (model.Remote, remote.Server, error) {
	r, err := o.GetRemote(ctx, repo, name)
	if err != nil {
		return model.Remote{}, nil, err
	}
	server, err := checkParams(o.l.Remotes, r, params)
	if err != nil {
		return model.Remote{}, nil, err
	}
	return r, server, nil
}

// checkParams returns the server for r after validating params against it.
func checkParams(registry *remote.Registry, r model.Remote, params model.RemoteParameters) (remote.Server, error) {
	if params.Provider != r.Provider {
		return nil, errclass.ErrInvalidArgument.WithMessagef(
			"parameters for provider '%s' cannot be used with remote '%s' of provider '%s'",
			params.Provider, r.Name, r.Provider)
	}
	server, err := registry.Get(r.Provider)
	if err != nil {
		return nil, err
	}
	props := params.Properties
	if props == nil {
		props = map[string]any{}
	}
	if err := server.ValidateParameters(props); err != nil {
		return nil, err
	}
	return server, nil
}

func getRemote(tx *metadata.Tx, repo, name string) (*model.Remote, error) {
	if _, err := tx.GetRepository(repo); err != nil {
		return nil, err
	}
	return tx.GetRemote(repo, name)
}

func validateRepoRemote(repo, name string) error {
	if err := pathutil.ValidateRepoName(repo); err != nil {
		return err
	}
	return pathutil.ValidateRemoteName(name)
}
