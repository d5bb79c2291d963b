// Package worker runs the claim-and-process loop of one production
// worker: recover abandoned jobs, select runnable ones, claim one, drive
// it through the runner state machine, release its working directory,
// repeat until the store has no more work.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/catalogue"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/runner"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/scheduler"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/staging"
)

// Config wires a Worker.
type Config struct {
	Store     jobstore.Store
	Scheduler *scheduler.Scheduler

	// Pipelines maps parent job names to their pipeline implementation.
	// A worker deployment usually carries exactly one entry.
	Pipelines map[string]runner.Pipeline

	// WorkDirs hands out and releases per-job working directories.
	WorkDirs *staging.WorkDirs

	// Constraints pin selection to tiles or pipelines.
	Constraints scheduler.Constraints

	// MaxJobs bounds one run; zero means run until no work remains.
	MaxJobs int

	// JobLogger, when set, derives the per-job logger from the base
	// logger and the job working directory, typically teeing into a log
	// file inside it. The returned func closes the sink.
	JobLogger func(base *zap.Logger, workDir string) (*zap.Logger, func(), error)

	// StoreRetry bounds the reconnection attempts when the store is
	// unreachable. Defaults: 5 attempts starting at 2s, doubling.
	StoreRetryAttempts int
	StoreRetryInitial  time.Duration

	Logger *zap.Logger
}

// Worker is the per-process production loop.
type Worker struct {
	cfg Config
	log *zap.Logger

	storeDown bool
	sleep     func(ctx context.Context, d time.Duration) error
}

// New validates cfg and builds a Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("worker requires a job store")
	}
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("worker requires a scheduler")
	}
	if len(cfg.Pipelines) == 0 {
		return nil, fmt.Errorf("worker requires at least one pipeline")
	}
	if cfg.WorkDirs == nil {
		return nil, fmt.Errorf("worker requires a workdir manager")
	}
	if cfg.StoreRetryAttempts <= 0 {
		cfg.StoreRetryAttempts = 5
	}
	if cfg.StoreRetryInitial <= 0 {
		cfg.StoreRetryInitial = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Worker{cfg: cfg, log: cfg.Logger, sleep: sleepCtx}, nil
}

// Run processes jobs until none remain or a fatal error surfaces, and
// returns the process exit code. Recovered per-job failures (failed
// tools, staging or catalogue outages) mark their job external_error and
// the loop continues; everything else stops the worker so the
// orchestrator sees it die with the taxonomy code.
func (w *Worker) Run(ctx context.Context) int {
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			w.log.Warn("worker stopped", zap.Error(err))
			return ExitSuccess
		}
		if w.cfg.MaxJobs > 0 && processed >= w.cfg.MaxJobs {
			return ExitSuccess
		}

		job, err := w.next(ctx)
		if err != nil {
			w.log.Error("worker cannot reach the job store", zap.Error(err))
			return ExitCodeFor(err)
		}
		if job == nil {
			if processed == 0 {
				w.log.Info("no work to do")
				return ExitNoWork
			}
			return ExitSuccess
		}

		runErr := w.runJob(ctx, job)
		switch {
		case runErr == nil:
			processed++
		case recoveredLocally(runErr):
			// The machine already marked the job external_error.
			w.log.Warn("job failed, continuing with next",
				zap.String("job", job.Parent.UniqueID), zap.Error(runErr))
		default:
			w.log.Error("worker stopping on unrecoverable failure",
				zap.String("job", job.Parent.UniqueID), zap.Error(runErr))
			return ExitCodeFor(runErr)
		}
	}
}

// next recovers stale jobs, selects candidates and claims the first one
// it wins. A nil job with nil error means no work. Store connectivity
// problems are retried with backoff, logging one warning pair per
// outage.
func (w *Worker) next(ctx context.Context) (*scheduler.ChildJob, error) {
	delay := w.cfg.StoreRetryInitial
	for attempt := 0; ; attempt++ {
		job, err := w.tryNext(ctx)
		if err == nil {
			if w.storeDown {
				w.storeDown = false
				w.log.Warn("job store back to nominal state")
			}
			return job, nil
		}
		if jobstore.IsInternal(err) || errors.Is(err, jobstore.ErrNotFound) {
			return nil, err
		}
		if !w.storeDown {
			w.storeDown = true
			w.log.Warn("job store unreachable, backing off", zap.Error(err))
		}
		if attempt+1 >= w.cfg.StoreRetryAttempts {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if serr := w.sleep(ctx, delay); serr != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		delay *= 2
	}
}

func (w *Worker) tryNext(ctx context.Context) (*scheduler.ChildJob, error) {
	if n, err := w.cfg.Scheduler.Recover(ctx); err != nil {
		return nil, err
	} else if n > 0 {
		w.log.Info("requeued stale jobs", zap.Int("count", n))
	}

	candidates, err := w.cfg.Scheduler.Select(ctx, w.cfg.Constraints)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		ok, err := w.cfg.Scheduler.Claim(ctx, candidates[i].Parent)
		if err != nil {
			return nil, err
		}
		if ok {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// runJob drives one claimed job to a terminal inside its own working
// directory. The directory is released on every exit path; failed runs
// keep it when the workdir policy says so.
func (w *Worker) runJob(ctx context.Context, job *scheduler.ChildJob) (err error) {
	pipeline, ok := w.cfg.Pipelines[job.Parent.Name]
	if !ok {
		return fmt.Errorf("%w: no pipeline for %q", runner.ErrBadInput, job.Parent.Name)
	}

	dir, release, err := w.cfg.WorkDirs.Acquire(job.Parent.UniqueID)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := release(err != nil); rerr != nil {
			w.log.Warn("workdir release failed", zap.Error(rerr))
		}
	}()

	sf, err := runner.OpenStatusFile(dir)
	if err != nil {
		return err
	}
	dict, err := runner.OpenProductDict(dir)
	if err != nil {
		return err
	}

	machine, err := runner.New(runner.Config{
		Store:    w.cfg.Store,
		Pipeline: pipeline,
		Logger:   w.log,
	})
	if err != nil {
		return err
	}

	jlog := w.log.With(
		zap.String("job", job.Parent.UniqueID),
		zap.String("pipeline", job.Parent.Name),
		zap.String("tile", job.Parent.TileID))
	if w.cfg.JobLogger != nil {
		fileLog, closeLog, lerr := w.cfg.JobLogger(jlog, dir)
		if lerr != nil {
			jlog.Warn("cannot open job log file", zap.Error(lerr))
		} else {
			jlog = fileLog
			defer closeLog()
		}
	}
	jlog.Info("job claimed", zap.String("workdir", dir))

	// Execution bookkeeping is best effort: a store hiccup here must not
	// fail a job the machine can still run.
	exec := &jobstore.ExecutionInfo{
		ParentJobID: job.Parent.ID,
		WorkerID:    job.Parent.NomadID,
		StartTime:   time.Now().UTC(),
	}
	if perr := w.cfg.Store.Post(ctx, exec); perr != nil {
		jlog.Warn("cannot record execution start", zap.Error(perr))
		exec = nil
	}
	defer func() {
		if exec == nil {
			return
		}
		exec.EndTime = time.Now().UTC()
		if err != nil {
			exec.ExitCode = ExitCodeFor(err)
		}
		if perr := w.cfg.Store.Patch(ctx, exec); perr != nil {
			jlog.Warn("cannot record execution end", zap.Error(perr))
		}
	}()

	err = machine.Run(ctx, &runner.Job{
		Parent:  job.Parent,
		Detail:  job.Detail,
		WorkDir: dir,
		Status:  sf,
		Dict:    dict,
		Log:     jlog,
	})
	if err == nil {
		jlog.Info("job complete", zap.String("status", job.Parent.LastStatus.String()))
	}
	return err
}

// recoveredLocally reports the failure kinds the worker survives: the
// job is already marked external_error and the loop moves on.
func recoveredLocally(err error) bool {
	return runner.IsChildProcess(err) ||
		staging.IsStageFailed(err) ||
		catalogue.IsUnavailable(err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
