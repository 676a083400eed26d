package engine

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/titan-data/titan/pkg/model"
)

// JuiceFSEngine performs clone using `juicefs clone` command.
// When juicefs is unavailable or the source is not on JuiceFS,
// it falls back to the copy engine.
type JuiceFSEngine struct {
	CopyEngine *CopyEngine
	// MountsFile lists mounted filesystems; defaults to /proc/mounts.
	MountsFile string
}

// NewJuiceFSEngine creates a new JuiceFSEngine.
func NewJuiceFSEngine() *JuiceFSEngine {
	return &JuiceFSEngine{CopyEngine: NewCopyEngine(), MountsFile: "/proc/mounts"}
}

// Name returns the engine type.
func (e *JuiceFSEngine) Name() model.EngineType {
	return model.EngineJuiceFSClone
}

// Clone performs a juicefs clone if available, falls back to copy otherwise.
func (e *JuiceFSEngine) Clone(ctx context.Context, src, dst string) (*CloneResult, error) {
	switch {
	case !juiceFSAvailable():
		return e.fallback(ctx, src, dst, "juicefs-not-available")
	case !e.onJuiceFS(src):
		return e.fallback(ctx, src, dst, "not-on-juicefs")
	}

	cmd := exec.CommandContext(ctx, "juicefs", "clone", src, dst, "-p")
	if _, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// A partial clone must not shadow the copy.
		os.RemoveAll(dst)
		return e.fallback(ctx, src, dst, "juicefs-clone-failed")
	}

	return &CloneResult{}, nil
}

func (e *JuiceFSEngine) fallback(ctx context.Context, src, dst, reason string) (*CloneResult, error) {
	result, err := e.CopyEngine.Clone(ctx, src, dst)
	if err != nil {
		return nil, err
	}
	result.degrade(reason)
	return result, nil
}

func juiceFSAvailable() bool {
	_, err := exec.LookPath("juicefs")
	return err == nil
}

// onJuiceFS reports whether path lies under a mounted JuiceFS filesystem.
func (e *JuiceFSEngine) onJuiceFS(path string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}

	file, err := os.Open(e.MountsFile)
	if err != nil {
		return false
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		// device, mount point, fs type
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		if !strings.Contains(strings.ToLower(fields[2]), "juicefs") {
			continue
		}
		mount := fields[1]
		if absPath == mount || strings.HasPrefix(absPath, strings.TrimSuffix(mount, "/")+"/") {
			return true
		}
	}
	return false
}
