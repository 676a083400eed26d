package orchestrator

import (
	"context"

	"github.com/titan-data/titan/internal/metadata"
	"github.com/titan-data/titan/pkg/model"
	"github.com/titan-data/titan/pkg/pathutil"
)

// VolumeOrchestrator manages the volumes of a repository's active set.
type VolumeOrchestrator struct {
	l *Locator
}

// activeVolume resolves the active set of repo and, when name is set, the
// named volume in it.
func activeVolume(tx *metadata.Tx, repo, name string) (string, *model.Volume, error) {
	if _, err := tx.GetRepository(repo); err != nil {
		return "", nil, err
	}
	vs, err := tx.GetActiveVolumeSet(repo)
	if err != nil || name == "" {
		return vs, nil, err
	}
	v, err := tx.GetVolume(vs, name)
	return vs, v, err
}

func validateRepoVolume(repo, name string) error {
	if err := pathutil.ValidateRepoName(repo); err != nil {
		return err
	}
	return pathutil.ValidateVolumeName(name)
}

// CreateVolume adds a volume to the active set and provisions it.
func (o *VolumeOrchestrator) CreateVolume(ctx context.Context, repo string, v model.Volume) (model.Volume, error) {
	if err := validateRepoVolume(repo, v.Name); err != nil {
		return model.Volume{}, err
	}
	if v.Properties == nil {
		v.Properties = map[string]any{}
	}
	v.Config = nil

	var vs string
	err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		var err error
		if vs, _, err = activeVolume(tx, repo, ""); err != nil {
			return err
		}
		return tx.CreateVolume(vs, v)
	})
	if err != nil {
		return model.Volume{}, err
	}

	config, err := o.l.Context.CreateVolume(ctx, vs, v.Name)
	if err != nil {
		if merr := o.l.Store.Tx(context.WithoutCancel(ctx), func(tx *metadata.Tx) error {
			return tx.MarkVolumeDeleting(vs, v.Name)
		}); merr != nil {
			o.l.Log.ErrorErr("roll back volume failed", merr, map[string]any{"repo": repo, "volume": v.Name})
		}
		o.l.Reaper.Signal()
		return model.Volume{}, err
	}
	err = o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		return tx.UpdateVolumeConfig(vs, v.Name, config)
	})
	if err != nil {
		return model.Volume{}, err
	}
	v.Config = config
	return v, nil
}

// GetVolume returns a volume of the active set.
func (o *VolumeOrchestrator) GetVolume(ctx context.Context, repo, name string) (model.Volume, error) {
	if err := validateRepoVolume(repo, name); err != nil {
		return model.Volume{}, err
	}
	var v *model.Volume
	err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		var err error
		_, v, err = activeVolume(tx, repo, name)
		return err
	})
	if err != nil {
		return model.Volume{}, err
	}
	return *v, nil
}

// ListVolumes returns the volumes of the active set ordered by name.
func (o *VolumeOrchestrator) ListVolumes(ctx context.Context, repo string) ([]model.Volume, error) {
	if err := pathutil.ValidateRepoName(repo); err != nil {
		return nil, err
	}
	var vols []model.Volume
	err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		vs, _, err := activeVolume(tx, repo, "")
		if err != nil {
			return err
		}
		vols, err = tx.ListVolumes(vs)
		return err
	})
	return vols, err
}

// UpdateVolume replaces a volume's properties.
func (o *VolumeOrchestrator) UpdateVolume(ctx context.Context, repo string, v model.Volume) (model.Volume, error) {
	if err := validateRepoVolume(repo, v.Name); err != nil {
		return model.Volume{}, err
	}
	if v.Properties == nil {
		v.Properties = map[string]any{}
	}
	var updated *model.Volume
	err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		vs, _, err := activeVolume(tx, repo, v.Name)
		if err != nil {
			return err
		}
		if err := tx.UpdateVolumeProperties(vs, v.Name, v.Properties); err != nil {
			return err
		}
		updated, err = tx.GetVolume(vs, v.Name)
		return err
	})
	if err != nil {
		return model.Volume{}, err
	}
	return *updated, nil
}

// DeleteVolume marks a volume deleting and signals the reaper.
func (o *VolumeOrchestrator) DeleteVolume(ctx context.Context, repo, name string) error {
	if err := validateRepoVolume(repo, name); err != nil {
		return err
	}
	err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		vs, _, err := activeVolume(tx, repo, name)
		if err != nil {
			return err
		}
		return tx.MarkVolumeDeleting(vs, name)
	})
	if err != nil {
		return err
	}
	o.l.Reaper.Signal()
	return nil
}

// ActivateVolume mounts a volume.
func (o *VolumeOrchestrator) ActivateVolume(ctx context.Context, repo, name string) error {
	vs, v, err := o.lookup(ctx, repo, name)
	if err != nil {
		return err
	}
	return o.l.Context.ActivateVolume(ctx, vs, name, v.Config)
}

// DeactivateVolume unmounts a volume. Deactivating an inactive volume is
// not an error.
func (o *VolumeOrchestrator) DeactivateVolume(ctx context.Context, repo, name string) error {
	vs, v, err := o.lookup(ctx, repo, name)
	if err != nil {
		return err
	}
	return o.l.Context.DeactivateVolume(ctx, vs, name, v.Config)
}

// GetVolumeStatus reports a volume's size and readiness.
func (o *VolumeOrchestrator) GetVolumeStatus(ctx context.Context, repo, name string) (model.VolumeStatus, error) {
	vs, v, err := o.lookup(ctx, repo, name)
	if err != nil {
		return model.VolumeStatus{}, err
	}
	st, err := o.l.Context.GetVolumeStatus(ctx, vs, name, v.Config)
	if err != nil {
		return model.VolumeStatus{}, err
	}
	st.Name = name
	st.Properties = v.Properties
	return *st, nil
}

func (o *VolumeOrchestrator) lookup(ctx context.Context, repo, name string) (string, *model.Volume, error) {
	if err := validateRepoVolume(repo, name); err != nil {
		return "", nil, err
	}
	var vs string
	var v *model.Volume
	err := o.l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		var err error
		vs, v, err = activeVolume(tx, repo, name)
		return err
	})
	return vs, v, err
}

// cloneVolumes clones the volumes named in vols from commit in srcSet into
// dstSet and persists the returned configs. Volumes missing from srcSet are
// created empty.
func cloneVolumes(ctx context.Context, l *Locator, srcSet, commit, dstSet string, vols []model.Volume) error {
	var src []model.Volume
	if err := l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		var err error
		src, err = tx.ListVolumes(srcSet)
		return err
	}); err != nil {
		return err
	}
	srcConfig := make(map[string]map[string]any, len(src))
	for _, v := range src {
		srcConfig[v.Name] = v.Config
	}

	if err := l.Context.CloneVolumeSet(ctx, srcSet, commit, dstSet); err != nil {
		return err
	}
	configs := make(map[string]map[string]any, len(vols))
	for _, v := range vols {
		var config map[string]any
		var err error
		if sc, ok := srcConfig[v.Name]; ok {
			config, err = l.Context.CloneVolume(ctx, srcSet, commit, dstSet, v.Name, sc)
		} else {
			config, err = l.Context.CreateVolume(ctx, dstSet, v.Name)
		}
		if err != nil {
			return err
		}
		configs[v.Name] = config
	}
	return persistConfigs(ctx, l, dstSet, configs)
}

// createVolumes provisions a fresh dstSet holding vols.
func createVolumes(ctx context.Context, l *Locator, dstSet string, vols []model.Volume) error {
	if err := l.Context.CreateVolumeSet(ctx, dstSet); err != nil {
		return err
	}
	configs := make(map[string]map[string]any, len(vols))
	for _, v := range vols {
		config, err := l.Context.CreateVolume(ctx, dstSet, v.Name)
		if err != nil {
			return err
		}
		configs[v.Name] = config
	}
	return persistConfigs(ctx, l, dstSet, configs)
}

func persistConfigs(ctx context.Context, l *Locator, set string, configs map[string]map[string]any) error {
	return l.Store.Tx(ctx, func(tx *metadata.Tx) error {
		for name, config := range configs {
			if err := tx.UpdateVolumeConfig(set, name, config); err != nil {
				return err
			}
		}
		return nil
	})
}
