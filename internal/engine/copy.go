package engine

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/titan-data/titan/pkg/model"
)

// CopyEngine performs a full recursive copy of directories.
type CopyEngine struct{}

// NewCopyEngine creates a new CopyEngine.
func NewCopyEngine() *CopyEngine {
	return &CopyEngine{}
}

// Name returns the engine type.
func (e *CopyEngine) Name() model.EngineType {
	return model.EngineCopy
}

// Clone recursively copies src to dst. Hard links are copied as separate
// files and reported as a degradation.
func (e *CopyEngine) Clone(ctx context.Context, src, dst string) (*CloneResult, error) {
	seen := make(map[uint64]bool)
	result, err := cloneTree(ctx, src, dst, func(s, d string, info os.FileInfo, r *CloneResult) error {
		if ino, ok := inodeOf(info); ok {
			if seen[ino] {
				r.degrade("hardlink")
			}
			seen[ino] = true
		}
		return copyFile(s, d, info)
	})
	if err != nil {
		return nil, fmt.Errorf("copy: %w", err)
	}
	return result, nil
}

func copyFile(src, dst string, info os.FileInfo) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open src %s: %w", src, err)
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create dst %s: %w", dst, err)
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := dstFile.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", dst, err)
	}

	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
