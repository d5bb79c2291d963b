package staging

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WorkDirConfig controls working directory lifecycle.
type WorkDirConfig struct {
	// Root is the parent directory for all job working directories.
	Root string

	// DeleteOnSuccess removes the directory when the job completed.
	DeleteOnSuccess bool

	// DeleteOnError removes the directory when the job failed. Keeping
	// failed directories around helps operators inspect partial output.
	DeleteOnError bool

	Logger *zap.Logger
}

// WorkDirs hands out per-job working directories.
type WorkDirs struct {
	cfg WorkDirConfig
	log *zap.Logger
}

// NewWorkDirs creates the manager and its root directory.
func NewWorkDirs(cfg WorkDirConfig) (*WorkDirs, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("workdir root is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("create workdir root: %w", err)
	}
	return &WorkDirs{cfg: cfg, log: cfg.Logger}, nil
}

// Release tears down an acquired working directory. Call it exactly once,
// on every exit path, with failed reporting how the job ended.
type Release func(failed bool) error

// Acquire creates a fresh working directory for the job. The short random
// suffix keeps retried runs of the same job apart.
func (w *WorkDirs) Acquire(jobID string) (string, Release, error) {
	suffix := uuid.NewString()[:8]
	dir := filepath.Join(w.cfg.Root, fmt.Sprintf("%s-%s", jobID, suffix))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", nil, fmt.Errorf("acquire workdir: %w", err)
	}

	release := func(failed bool) error {
		keep := (failed && !w.cfg.DeleteOnError) || (!failed && !w.cfg.DeleteOnSuccess)
		if keep {
			w.log.Debug("keeping workdir", zap.String("dir", dir), zap.Bool("failed", failed))
			return nil
		}
		if err := os.RemoveAll(dir); err != nil {
			w.log.Warn("workdir cleanup failed", zap.String("dir", dir), zap.Error(err))
			return err
		}
		return nil
	}
	return dir, release, nil
}
