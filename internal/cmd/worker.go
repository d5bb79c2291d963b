package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eea/clms-hrsi-productionsystem-sub001/internal/observability"
	"github.com/eea/clms-hrsi-productionsystem-sub001/internal/server"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/scheduler"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker [parameters_file]",
	Short: "Run a worker over every configured pipeline",
	Long: `Run the production worker: claim runnable jobs of any pipeline the
parameters file configures tools for, process them and exit when no
work remains.

Example:
  hrsi worker parameters.yaml
  hrsi worker --parameters_file parameters.yaml --serve`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWorkerCmd,
}

var (
	workerServe bool
	workerTiles []string
)

func init() {
	rootCmd.AddCommand(workerCmd)
	addParametersFlag(workerCmd)
	workerCmd.Flags().BoolVar(&workerServe, "serve", false, "Expose the health and job endpoint while running")
	workerCmd.Flags().StringSliceVar(&workerTiles, "tile", nil, "Restrict selection to these tiles")
}

func runWorkerCmd(cmd *cobra.Command, args []string) error {
	return runWorker(cmd.Context(), args, nil)
}

// runWorker is the shared implementation behind worker and the
// pipeline-constrained commands.
func runWorker(ctx context.Context, args []string, pipelineNames []string) error {
	params, err := loadParams(args)
	if err != nil {
		return err
	}
	env, err := buildEnvironment(ctx, params)
	if err != nil {
		return err
	}
	defer env.close()

	pipelines, err := buildPipelines(env, pipelineNames...)
	if err != nil {
		return err
	}

	w, err := worker.New(worker.Config{
		Store:     env.store,
		Scheduler: env.sched,
		Pipelines: pipelines,
		WorkDirs:  env.workdirs,
		Constraints: scheduler.Constraints{
			Tiles:     workerTiles,
			Pipelines: pipelineNames,
		},
		MaxJobs:   params.Worker.MaxJobs,
		JobLogger: observability.NewJobLogger,
		Logger:    env.log,
	})
	if err != nil {
		return err
	}

	if workerServe && params.Server.Listen != "" {
		srv := server.New(server.Config{
			Listen:   params.Server.Listen,
			Store:    env.store,
			WorkerID: env.workerID,
			Version:  versionInfo.Version,
			Logger:   env.log,
		})
		serveCtx, stopServe := context.WithCancel(ctx)
		defer stopServe()
		go func() {
			if serr := srv.Start(serveCtx); serr != nil {
				observability.CLILogger.Warn("Worker endpoint stopped", zap.Error(serr))
			}
		}()
	}

	names := make([]string, 0, len(pipelines))
	for name := range pipelines {
		names = append(names, name)
	}
	observability.CLILogger.Info("Worker starting",
		zap.String("worker_id", env.workerID),
		zap.Strings("pipelines", names))

	code := w.Run(ctx)
	switch code {
	case worker.ExitSuccess:
		return nil
	case worker.ExitNoWork:
		return exitError(code, "No work to do", nil)
	default:
		return exitError(code, fmt.Sprintf("Worker stopped with code %d", code), nil)
	}
}
