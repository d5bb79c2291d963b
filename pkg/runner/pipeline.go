package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/catalogue"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/geo"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/packager"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/raster"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/staging"
)

// Processing modes of the S2 chains. init bootstraps a tile without an
// L2A backlog, backward consolidates with a later L2A, nominal is the
// day-to-day mode.
const (
	ModeInit     = "init"
	ModeBackward = "backward"
	ModeNominal  = "nominal"
)

// ValidMode reports whether mode is one of the three chain modes.
func ValidMode(mode string) bool {
	return mode == ModeInit || mode == ModeBackward || mode == ModeNominal
}

// Tool describes one external scientific executable of a pipeline.
type Tool struct {
	Path string
	// MaxProcessingTime bounds one invocation; zero means unbounded.
	MaxProcessingTime time.Duration
}

// Deps are the collaborators every pipeline works through.
type Deps struct {
	Store    jobstore.Store
	Stager   *staging.Stager
	Driver   raster.Driver
	Packager *packager.Packager
	Executor *Executor
	Tiles    *geo.Registry
	Logger   *zap.Logger

	// Catalogue resolves upstream product locations when pipeline rows
	// carry ids without paths. Optional: only the aggregation pipelines
	// need it.
	Catalogue *catalogue.Client

	// OutDir receives finished product directories.
	OutDir string
}

func (d Deps) validate() error {
	switch {
	case d.Store == nil:
		return fmt.Errorf("pipeline requires a job store")
	case d.Stager == nil:
		return fmt.Errorf("pipeline requires a stager")
	case d.Driver == nil:
		return fmt.Errorf("pipeline requires a raster driver")
	case d.Packager == nil:
		return fmt.Errorf("pipeline requires a packager")
	case d.Executor == nil:
		return fmt.Errorf("pipeline requires an executor")
	case d.Tiles == nil:
		return fmt.Errorf("pipeline requires a tile registry")
	case d.OutDir == "":
		return fmt.Errorf("pipeline requires an output directory")
	}
	return nil
}

func (d *Deps) logger() *zap.Logger {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d.Logger
}

// stage fetches one input into the job's work directory, consulting the
// product dict first so a resumed run reuses what is already staged.
func stage(ctx context.Context, deps Deps, job *Job, key, uri string) (string, error) {
	if local, ok := job.Dict.Resolve(key); ok {
		job.Log.Info("input already staged", zap.String("input", key))
		return local, nil
	}
	local, err := deps.Stager.Stage(ctx, uri, job.WorkDir)
	if err != nil {
		return "", err
	}
	rel, rerr := filepath.Rel(job.WorkDir, local)
	if rerr == nil {
		if derr := job.Dict.Put(key, rel); derr != nil {
			return "", derr
		}
	}
	return local, nil
}

// runTool executes one tool invocation, mapping the no-product stream
// sentinels onto their early-out errors. The finished key marks the
// invocation done in the status file replay.
func runTool(ctx context.Context, deps Deps, job *Job, subtool string, tool Tool, args ...string) (*ExecResult, error) {
	res, err := deps.Executor.Run(ctx, Command{
		Subtool:           subtool,
		Path:              tool.Path,
		Args:              args,
		Dir:               job.WorkDir,
		MaxProcessingTime: tool.MaxProcessingTime,
	})
	if res != nil && res.TooCloudy {
		return res, ErrTooCloudy
	}
	if res != nil && res.NoLandIntersection {
		return res, ErrNoLandIntersection
	}
	return res, err
}

// expectArtifacts checks that patterns all match under dir.
func expectArtifacts(dir string, patterns ...string) error {
	fsys := os.DirFS(dir)
	for _, pat := range patterns {
		matches, err := doublestar.Glob(fsys, pat)
		if err != nil {
			return fmt.Errorf("artifact check %s: %w", pat, err)
		}
		if len(matches) == 0 {
			return fmt.Errorf("expected artifact %s missing under %s: %w", pat, dir, ErrBadInput)
		}
	}
	return nil
}

func nowUTC() time.Time { return time.Now().UTC() }

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// patchDetail writes the pipeline row back, reconciling nothing: detail
// rows carry only the runner's own output paths.
func patchDetail(ctx context.Context, deps Deps, detail jobstore.Persistable) error {
	if err := deps.Store.Patch(ctx, detail); err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return fmt.Errorf("pipeline row vanished: %w", err)
		}
		return err
	}
	return nil
}
