package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/titan-data/titan/pkg/model"
)

// NewEngine creates an engine based on the specified type.
// Falls back to CopyEngine if the requested engine is not known.
func NewEngine(engineType model.EngineType) Engine {
	switch engineType {
	case model.EngineJuiceFSClone:
		return NewJuiceFSEngine()
	case model.EngineReflinkCopy:
		return NewReflinkEngine()
	default:
		return NewCopyEngine()
	}
}

// ForName resolves a configured engine name. "auto" and "" detect the best
// engine for root.
func ForName(name, root string) (Engine, error) {
	switch name {
	case "", "auto":
		return Detect(root), nil
	case string(model.EngineCopy):
		return NewCopyEngine(), nil
	case "reflink", string(model.EngineReflinkCopy):
		return NewReflinkEngine(), nil
	case "juicefs", string(model.EngineJuiceFSClone):
		return NewJuiceFSEngine(), nil
	}
	return nil, fmt.Errorf("unknown clone engine %q", name)
}

// Detect picks the best available engine for root.
// Detection order: juicefs-clone (if on JuiceFS), reflink-copy (if supported), copy.
func Detect(root string) Engine {
	juicefs := NewJuiceFSEngine()
	if juiceFSAvailable() && juicefs.onJuiceFS(root) {
		return juicefs
	}

	// Probe reflink support on the target filesystem, not the system temp dir.
	if err := os.MkdirAll(root, 0755); err == nil {
		if probe, err := os.MkdirTemp(root, ".titan-reflink-probe-"); err == nil {
			defer os.RemoveAll(probe)
			src := filepath.Join(probe, "src")
			if err := os.WriteFile(src, []byte("probe"), 0600); err == nil {
				if info, err := os.Stat(src); err == nil && reflinkFile(src, filepath.Join(probe, "dst"), info) == nil {
					return NewReflinkEngine()
				}
			}
		}
	}

	return NewCopyEngine()
}

// compile-time interface checks
var (
	_ Engine = (*CopyEngine)(nil)
	_ Engine = (*ReflinkEngine)(nil)
	_ Engine = (*JuiceFSEngine)(nil)
)
