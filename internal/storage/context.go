// Package storage defines the runtime context: the backend that physically
// creates, clones and destroys volume sets, volumes and commits.
package storage

import (
	"context"

	"github.com/titan-data/titan/pkg/model"
)

// ConfigMountpoint is the volume config key holding a volume's local path.
const ConfigMountpoint = "mountpoint"

// RuntimeContext is a storage backend. Volume config maps are owned by the
// backend: whatever CreateVolume or CloneVolume returns is persisted by the
// caller and handed back on every later call for that volume.
type RuntimeContext interface {
	// Provider names the backend, e.g. "local".
	Provider() string
	// Properties returns the backend configuration.
	Properties() map[string]string

	CreateVolumeSet(ctx context.Context, volumeSet string) error
	CloneVolumeSet(ctx context.Context, srcSet, srcCommit, dstSet string) error
	DeleteVolumeSet(ctx context.Context, volumeSet string) error

	CreateVolume(ctx context.Context, volumeSet, name string) (map[string]any, error)
	CloneVolume(ctx context.Context, srcSet, srcCommit, dstSet, name string, srcConfig map[string]any) (map[string]any, error)
	// DeleteVolume succeeds if the volume no longer exists.
	DeleteVolume(ctx context.Context, volumeSet, name string, config map[string]any) error
	ActivateVolume(ctx context.Context, volumeSet, name string, config map[string]any) error
	// DeactivateVolume succeeds on an already inactive volume.
	DeactivateVolume(ctx context.Context, volumeSet, name string, config map[string]any) error
	GetVolumeStatus(ctx context.Context, volumeSet, name string, config map[string]any) (*model.VolumeStatus, error)

	CreateCommit(ctx context.Context, volumeSet, commitID string, volumes []string) error
	GetCommitStatus(ctx context.Context, volumeSet, commitID string, volumes []string) (*model.CommitStatus, error)
	// DeleteCommit succeeds if the commit no longer exists.
	DeleteCommit(ctx context.Context, volumeSet, commitID string, volumes []string) error
}

// Mountpoint returns the local path recorded in a volume's config, if any.
func Mountpoint(config map[string]any) string {
	s, _ := config[ConfigMountpoint].(string)
	return s
}
