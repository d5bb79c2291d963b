package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/eea/clms-hrsi-productionsystem-sub001/internal/config"
	"github.com/eea/clms-hrsi-productionsystem-sub001/internal/observability"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/catalogue"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/geo"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore/rest"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore/sqlite"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/packager"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/raster/gdalcli"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/runner"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/scheduler"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/staging"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/worker"
)

// parametersFile is the shared --parameters_file flag; the file may also
// be passed as the first positional argument.
var parametersFile string

func addParametersFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&parametersFile, "parameters_file", "", "Path to the worker parameters file")
}

// loadParams resolves and loads the parameters file, mapping load
// failures onto the taxonomy exit codes.
func loadParams(args []string) (*config.Params, error) {
	path := parametersFile
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return nil, exitError(worker.ExitParamsMissing, "No parameters file",
			errors.New("pass the file as first argument or via --parameters_file"))
	}

	params, err := config.Load(path)
	switch {
	case errors.Is(err, config.ErrParamsMissing):
		return nil, exitError(worker.ExitParamsMissing, "Parameters file not found", err)
	case errors.Is(err, config.ErrParamsIncomplete):
		return nil, exitError(worker.ExitParamsIncomplete, "Parameters file incomplete", err)
	case err != nil:
		return nil, exitError(worker.ExitFailure, "Cannot load parameters file", err)
	}
	return params, nil
}

// environment bundles everything built from one parameters file.
type environment struct {
	params   *config.Params
	store    jobstore.Store
	workerID string
	deps     runner.Deps
	workdirs *staging.WorkDirs
	sched    *scheduler.Scheduler
	log      *zap.Logger

	closers []func()
}

func (e *environment) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// buildEnvironment assembles the store, stager, driver and scheduler a
// worker run needs.
func buildEnvironment(ctx context.Context, params *config.Params) (*environment, error) {
	log := observability.CLILogger

	env := &environment{params: params, log: log}

	switch {
	case params.Store.SQLitePath != "":
		store, err := sqlite.Open(ctx, sqlite.Config{Path: params.Store.SQLitePath})
		if err != nil {
			return nil, exitError(worker.ExitStoreUnavailable, "Cannot open job store", err)
		}
		env.store = store
		env.closers = append(env.closers, func() { store.Close() })
	default:
		store, err := rest.New(rest.Config{BaseURL: params.Store.BaseURL, Logger: log})
		if err != nil {
			return nil, exitError(worker.ExitStoreUnavailable, "Cannot reach job store", err)
		}
		env.store = store
	}

	tiles, err := loadTiles(params.TilesFile)
	if err != nil {
		env.close()
		return nil, exitError(worker.ExitParamsIncomplete, "Cannot load tile registry", err)
	}

	var remote staging.Source
	if params.Staging.SIPDataBucket != "" || params.Staging.Endpoint != "" {
		src, err := staging.NewS3Source(ctx, staging.S3Config{
			Region:         params.Staging.Region,
			Endpoint:       params.Staging.Endpoint,
			ForcePathStyle: params.Staging.Endpoint != "",
		})
		if err != nil {
			env.close()
			return nil, exitError(worker.ExitStoreUnavailable, "Cannot initialise object storage", err)
		}
		remote = src
	}
	stager := staging.New(staging.Config{Remote: remote, Logger: log})

	driver := gdalcli.New(nil)
	driver.TmpDir = params.Worker.TmpDir

	pkgr, err := packager.New(packager.Config{Driver: driver, Logger: log})
	if err != nil {
		env.close()
		return nil, err
	}
	executor, err := runner.NewExecutor(runner.ExecutorConfig{
		LogRoot: params.Worker.TmpDir,
		Logger:  log,
	})
	if err != nil {
		env.close()
		return nil, err
	}

	var cat *catalogue.Client
	if params.Catalogue.BaseURL != "" {
		collection := params.Catalogue.Collection
		if collection == "" {
			collection = "Sentinel2"
		}
		cat, err = catalogue.New(catalogue.Config{
			BaseURL:           params.Catalogue.BaseURL,
			Collection:        collection,
			PageSize:          params.Catalogue.PageSize,
			RequestsPerSecond: params.Catalogue.RateLimit,
			Logger:            log,
		})
		if err != nil {
			env.close()
			return nil, err
		}
	}

	outDir := params.OutDir
	if outDir == "" {
		outDir = filepath.Join(params.Worker.TmpDir, "products")
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		env.close()
		return nil, err
	}

	env.deps = runner.Deps{
		Store:     env.store,
		Stager:    stager,
		Driver:    driver,
		Packager:  pkgr,
		Executor:  executor,
		Tiles:     tiles,
		Catalogue: cat,
		Logger:    log,
		OutDir:    outDir,
	}

	env.workdirs, err = staging.NewWorkDirs(staging.WorkDirConfig{
		Root:            filepath.Join(params.Worker.TmpDir, "jobs"),
		DeleteOnSuccess: true,
		DeleteOnError:   !params.Worker.KeepFailedWorkdirs,
		Logger:          log,
	})
	if err != nil {
		env.close()
		return nil, err
	}

	env.workerID = params.Worker.ID
	if env.workerID == "" {
		host, herr := os.Hostname()
		if herr != nil {
			host = "worker"
		}
		env.workerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	env.sched, err = scheduler.New(scheduler.Config{
		Store:     env.store,
		WorkerID:  env.workerID,
		Heartbeat: params.Worker.Heartbeat,
		Logger:    log,
	})
	if err != nil {
		env.close()
		return nil, err
	}
	return env, nil
}

// loadTiles reads the tile registry file: either a bare YAML list of
// tiles or a document with a top-level tiles key.
func loadTiles(path string) (*geo.Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tiles file: %w", err)
	}

	var wrapped struct {
		Tiles []geo.Tile `yaml:"tiles"`
	}
	if err := yaml.Unmarshal(raw, &wrapped); err != nil || len(wrapped.Tiles) == 0 {
		var bare []geo.Tile
		if berr := yaml.Unmarshal(raw, &bare); berr != nil {
			return nil, fmt.Errorf("parse tiles file %s: %w", path, berr)
		}
		wrapped.Tiles = bare
	}
	if len(wrapped.Tiles) == 0 {
		return nil, fmt.Errorf("tiles file %s lists no tiles", path)
	}
	return geo.NewRegistry(wrapped.Tiles)
}

func toTool(tp config.ToolParams) runner.Tool {
	return runner.Tool{Path: tp.Path, MaxProcessingTime: tp.MaxProcessingTime}
}

// buildPipelines constructs every pipeline whose tools the parameters
// file configures, optionally restricted to the named ones. A restricted
// build fails when a requested pipeline is missing its tools.
func buildPipelines(env *environment, only ...string) (map[string]runner.Pipeline, error) {
	wanted := func(name string) bool {
		if len(only) == 0 {
			return true
		}
		for _, n := range only {
			if n == name {
				return true
			}
		}
		return false
	}
	required := len(only) > 0

	params := env.params
	pipelines := map[string]runner.Pipeline{}

	add := func(name string, build func() (runner.Pipeline, error), toolNames ...string) error {
		if !wanted(name) {
			return nil
		}
		if err := params.RequireTools(toolNames...); err != nil {
			if required {
				return exitError(worker.ExitParamsIncomplete,
					fmt.Sprintf("Pipeline %s not configured", name), err)
			}
			return nil
		}
		p, err := build()
		if err != nil {
			return exitError(worker.ExitParamsIncomplete,
				fmt.Sprintf("Pipeline %s configuration invalid", name), err)
		}
		pipelines[name] = p
		return nil
	}

	err := add(jobstore.PipelineFSCRLIE, func() (runner.Pipeline, error) {
		return runner.NewFSC(runner.FSCConfig{
			Deps:     env.deps,
			MAJA:     toTool(params.Tool("maja")),
			LIS:      toTool(params.Tool("lis")),
			ICE:      toTool(params.Tool("ice")),
			Mode:     params.Mode,
			DEMDir:   params.DEMDir,
			Baseline: params.Baseline,
		})
	}, "maja", "lis")
	if err != nil {
		return nil, err
	}

	err = add(jobstore.PipelineRLIES1, func() (runner.Pipeline, error) {
		return runner.NewRLIES1(runner.RLIES1Config{
			Deps:     env.deps,
			GPT:      toTool(params.Tool("gpt")),
			Graph:    params.Tool("gpt").Graph,
			ICE:      toTool(params.Tool("ice")),
			Baseline: params.Baseline,
		})
	}, "gpt", "ice")
	if err != nil {
		return nil, err
	}

	err = add(jobstore.PipelineS1S2, func() (runner.Pipeline, error) {
		return runner.NewFusion(runner.FusionConfig{
			Deps:     env.deps,
			Fusion:   toTool(params.Tool("fusion")),
			Baseline: params.Baseline,
		})
	}, "fusion")
	if err != nil {
		return nil, err
	}

	err = add(jobstore.PipelineGFSC, func() (runner.Pipeline, error) {
		return runner.NewGFSC(runner.GFSCConfig{
			Deps:      env.deps,
			Aggregate: toTool(params.Tool("gfsc")),
			Baseline:  params.Baseline,
		})
	}, "gfsc")
	if err != nil {
		return nil, err
	}

	err = add(jobstore.PipelineARLIE, func() (runner.Pipeline, error) {
		return runner.NewARLIE(runner.ARLIEConfig{
			Deps:      env.deps,
			Aggregate: toTool(params.Tool("arlie")),
			Baseline:  params.Baseline,
		})
	}, "arlie")
	if err != nil {
		return nil, err
	}

	if len(pipelines) == 0 {
		return nil, exitError(worker.ExitParamsIncomplete, "No pipeline configured",
			errors.New("the parameters file configures no complete tool set"))
	}
	return pipelines, nil
}
