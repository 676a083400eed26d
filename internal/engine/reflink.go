package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/titan-data/titan/pkg/model"
)

// ReflinkEngine performs reflink-based copy (O(1) CoW) on supported filesystems.
// Falls back to regular copy for files that cannot be reflinked.
type ReflinkEngine struct{}

// NewReflinkEngine creates a new ReflinkEngine.
func NewReflinkEngine() *ReflinkEngine {
	return &ReflinkEngine{}
}

// Name returns the engine type.
func (e *ReflinkEngine) Name() model.EngineType {
	return model.EngineReflinkCopy
}

// Clone reflinks every file it can and copies the rest, marking the result
// degraded when any copy was needed.
func (e *ReflinkEngine) Clone(ctx context.Context, src, dst string) (*CloneResult, error) {
	result, err := cloneTree(ctx, src, dst, func(s, d string, info os.FileInfo, r *CloneResult) error {
		if err := reflinkFile(s, d, info); err != nil {
			r.degrade("reflink")
			return copyFile(s, d, info)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reflink clone: %w", err)
	}
	return result, nil
}
