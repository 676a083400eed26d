// Package engine provides clone engines for copying volume directories.
// Engines support different cloning strategies: juicefs-clone, reflink-copy, and copy.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/titan-data/titan/pkg/fsutil"
	"github.com/titan-data/titan/pkg/model"
)

// CloneResult contains the result of a clone operation.
type CloneResult struct {
	Degraded     bool     // true if any degradation occurred
	Degradations []string // list of degradation types
	Files        int
	Bytes        int64
}

func (r *CloneResult) degrade(kind string) {
	r.Degraded = true
	for _, d := range r.Degradations {
		if d == kind {
			return
		}
	}
	r.Degradations = append(r.Degradations, kind)
}

// Engine clones one directory tree into a new location.
type Engine interface {
	// Name returns the engine type identifier.
	Name() model.EngineType

	// Clone copies src to dst. dst must not exist.
	Clone(ctx context.Context, src, dst string) (*CloneResult, error)
}

// fileFunc clones one regular file.
type fileFunc func(src, dst string, info os.FileInfo, result *CloneResult) error

// cloneTree walks src, recreating directories and symlinks under dst and
// delegating regular files to fn. Cancellation is checked per entry.
func cloneTree(ctx context.Context, src, dst string, fn fileFunc) (*CloneResult, error) {
	result := &CloneResult{}

	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("relative path: %w", err)
		}
		dstPath := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			if err := os.MkdirAll(dstPath, info.Mode().Perm()); err != nil {
				return fmt.Errorf("mkdir %s: %w", dstPath, err)
			}
			return nil

		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
			return os.Symlink(target, dstPath)

		case info.Mode().IsRegular():
			if err := fn(path, dstPath, info, result); err != nil {
				return err
			}
			result.Files++
			result.Bytes += info.Size()
			return nil

		default:
			// Sockets, devices and fifos are not part of volume data.
			result.degrade("special-file")
			return nil
		}
	})
	if err != nil {
		return nil, err
	}

	if err := fsutil.FsyncDir(dst); err != nil {
		return nil, fmt.Errorf("fsync dst: %w", err)
	}
	return result, nil
}
