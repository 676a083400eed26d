// Package local implements a runtime context on a local directory tree.
//
// Layout under the root:
//
//	<set>/<volume>/data           live volume contents (the mountpoint)
//	<set>/<volume>/mounted        present while the volume is active
//	<set>/_commits/<commit>/<volume>
//	<set>/_commits/<commit>/commit.json
//
// Volumes and commits are cloned with an engine from internal/engine.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/titan-data/titan/internal/engine"
	"github.com/titan-data/titan/internal/integrity"
	"github.com/titan-data/titan/internal/storage"
	"github.com/titan-data/titan/pkg/errclass"
	"github.com/titan-data/titan/pkg/fsutil"
	"github.com/titan-data/titan/pkg/logging"
	"github.com/titan-data/titan/pkg/model"
	"github.com/titan-data/titan/pkg/pathutil"
)

// Provider is the name of this runtime context.
const Provider = "local"

const (
	commitsDir   = "_commits"
	dataDir      = "data"
	mountedFile  = "mounted"
	commitRecord = "commit.json"
)

// Context is a directory-backed runtime context.
type Context struct {
	root   string
	engine engine.Engine
	props  map[string]string
	log    *logging.Logger
}

// commitInfo is written next to a commit's volumes so later status calls
// can detect corruption.
type commitInfo struct {
	Engine  model.EngineType           `json:"engine"`
	Volumes map[string]model.HashValue `json:"volumes"`
}

// New creates a context rooted at root using the named clone engine
// ("auto" detects one).
func New(root, engineName string) (*Context, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	eng, err := engine.ForName(engineName, root)
	if err != nil {
		return nil, errclass.ErrInvalidArgument.WithMessage(err.Error())
	}
	return &Context{
		root:   root,
		engine: eng,
		props:  map[string]string{"root": root, "engine": string(eng.Name())},
		log:    logging.WithFields(map[string]any{"component": "storage", "provider": Provider}),
	}, nil
}

// FromProperties creates a context from configuration properties. The root
// defaults to <dataDir>/volumes.
func FromProperties(props map[string]string, dataDir string) (*Context, error) {
	root := props["root"]
	if root == "" {
		root = filepath.Join(dataDir, "volumes")
	}
	return New(root, props["engine"])
}

func (c *Context) Provider() string { return Provider }

func (c *Context) Properties() map[string]string {
	out := make(map[string]string, len(c.props))
	for k, v := range c.props {
		out[k] = v
	}
	return out
}

// path joins elems under the root and rejects anything that escapes it.
func (c *Context) path(elems ...string) (string, error) {
	p := filepath.Join(append([]string{c.root}, elems...)...)
	if err := pathutil.ValidatePathSafety(c.root, p); err != nil {
		return "", err
	}
	return p, nil
}

func (c *Context) CreateVolumeSet(ctx context.Context, volumeSet string) error {
	dir, err := c.path(volumeSet)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create volume set %s: %w", volumeSet, err)
	}
	return nil
}

// CloneVolumeSet prepares dstSet; the volumes themselves are cloned one at a
// time by CloneVolume.
func (c *Context) CloneVolumeSet(ctx context.Context, srcSet, srcCommit, dstSet string) error {
	src, err := c.path(srcSet, commitsDir, srcCommit)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		return errclass.ErrNoSuchObject.WithMessagef("no such commit '%s' in volume set '%s'", srcCommit, srcSet)
	}
	return c.CreateVolumeSet(ctx, dstSet)
}

func (c *Context) DeleteVolumeSet(ctx context.Context, volumeSet string) error {
	dir, err := c.path(volumeSet)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete volume set %s: %w", volumeSet, err)
	}
	return nil
}

func (c *Context) CreateVolume(ctx context.Context, volumeSet, name string) (map[string]any, error) {
	data, err := c.path(volumeSet, name, dataDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(data, 0755); err != nil {
		return nil, fmt.Errorf("create volume %s: %w", name, err)
	}
	return map[string]any{storage.ConfigMountpoint: data}, nil
}

func (c *Context) CloneVolume(ctx context.Context, srcSet, srcCommit, dstSet, name string, srcConfig map[string]any) (map[string]any, error) {
	src, err := c.path(srcSet, commitsDir, srcCommit, name)
	if err != nil {
		return nil, err
	}
	dst, err := c.path(dstSet, name, dataDir)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(src); err != nil {
		return nil, errclass.ErrNoSuchObject.WithMessagef("volume '%s' not in commit '%s'", name, srcCommit)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return nil, err
	}
	result, err := c.engine.Clone(ctx, src, dst)
	if err != nil {
		return nil, fmt.Errorf("clone volume %s: %w", name, err)
	}
	if result.Degraded {
		c.log.Warn("volume clone degraded", map[string]any{"volume": name, "degradations": result.Degradations})
	}
	return map[string]any{storage.ConfigMountpoint: dst}, nil
}

func (c *Context) DeleteVolume(ctx context.Context, volumeSet, name string, config map[string]any) error {
	dir, err := c.path(volumeSet, name)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete volume %s: %w", name, err)
	}
	return nil
}

func (c *Context) ActivateVolume(ctx context.Context, volumeSet, name string, config map[string]any) error {
	dir, err := c.path(volumeSet, name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, dataDir)); err != nil {
		return errclass.ErrNoSuchObject.WithMessagef("no such volume '%s'", name)
	}
	return fsutil.AtomicWrite(filepath.Join(dir, mountedFile), nil, 0644)
}

func (c *Context) DeactivateVolume(ctx context.Context, volumeSet, name string, config map[string]any) error {
	marker, err := c.path(volumeSet, name, mountedFile)
	if err != nil {
		return err
	}
	if err := os.Remove(marker); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deactivate volume %s: %w", name, err)
	}
	return nil
}

func (c *Context) GetVolumeStatus(ctx context.Context, volumeSet, name string, config map[string]any) (*model.VolumeStatus, error) {
	data, err := c.path(volumeSet, name, dataDir)
	if err != nil {
		return nil, err
	}
	status := &model.VolumeStatus{Name: name}
	if _, err := os.Stat(data); err != nil {
		status.Error = fmt.Sprintf("volume data missing: %v", err)
		return status, nil
	}
	size, err := fsutil.TreeSize(data)
	if err != nil {
		return nil, err
	}
	status.LogicalSize = size
	status.ActualSize = size
	status.Ready = true
	return status, nil
}

func (c *Context) CreateCommit(ctx context.Context, volumeSet, commitID string, volumes []string) error {
	dir, err := c.path(volumeSet, commitsDir, commitID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err == nil {
		return errclass.ErrObjectExists.WithMessagef("commit '%s' already exists in volume set '%s'", commitID, volumeSet)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create commit %s: %w", commitID, err)
	}

	info := commitInfo{Engine: c.engine.Name(), Volumes: make(map[string]model.HashValue)}
	for _, vol := range volumes {
		src, err := c.path(volumeSet, vol, dataDir)
		if err != nil {
			return err
		}
		dst := filepath.Join(dir, vol)
		result, err := c.engine.Clone(ctx, src, dst)
		if err != nil {
			_ = os.RemoveAll(dir)
			return fmt.Errorf("snapshot volume %s: %w", vol, err)
		}
		if result.Degraded {
			c.log.Warn("commit clone degraded", map[string]any{"commit": commitID, "volume": vol, "degradations": result.Degradations})
		}
		manifest, err := integrity.HashTree(dst)
		if err != nil {
			_ = os.RemoveAll(dir)
			return err
		}
		info.Volumes[vol] = manifest.RootHash()
	}
	return fsutil.WriteJSON(filepath.Join(dir, commitRecord), info)
}

// GetCommitStatus reports the commit's logical size and the bytes that no
// longer match the live volumes. A commit whose contents no longer hash to
// the values recorded at creation is reported with an error.
func (c *Context) GetCommitStatus(ctx context.Context, volumeSet, commitID string, volumes []string) (*model.CommitStatus, error) {
	dir, err := c.path(volumeSet, commitsDir, commitID)
	if err != nil {
		return nil, err
	}
	var info commitInfo
	if err := fsutil.ReadJSON(filepath.Join(dir, commitRecord), &info); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errclass.ErrNoSuchObject.WithMessagef("no such commit '%s'", commitID)
		}
		return nil, err
	}

	status := &model.CommitStatus{Ready: true}
	actual, err := fsutil.TreeSize(dir)
	if err != nil {
		return nil, err
	}
	status.ActualSize = actual

	for _, vol := range volumes {
		committed, err := integrity.HashTree(filepath.Join(dir, vol))
		if err != nil {
			return nil, err
		}
		live, err := integrity.HashTree(filepath.Join(c.root, volumeSet, vol, dataDir))
		if err != nil {
			return nil, err
		}
		status.LogicalSize += committed.TotalSize()
		status.UniqueSize += committed.UniqueSize(live)
		if want, ok := info.Volumes[vol]; ok && want != committed.RootHash() {
			status.Ready = false
			status.Error = fmt.Sprintf("volume '%s' does not match its recorded content hash", vol)
		}
	}
	return status, nil
}

func (c *Context) DeleteCommit(ctx context.Context, volumeSet, commitID string, volumes []string) error {
	dir, err := c.path(volumeSet, commitsDir, commitID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete commit %s: %w", commitID, err)
	}
	return nil
}

var _ storage.RuntimeContext = (*Context)(nil)
