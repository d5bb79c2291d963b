// Package runner drives one claimed job through its processing states:
// staging, external tool execution, packaging and publication hand-off.
// Each state does one thing; any step may short-circuit to an error
// terminal, and cancellation marks the job cancelled. Progress is
// recorded twice, in the store and in the per-job status file, and steps
// consult the product dict before working so a resumed run never redoes
// finished work.
package runner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore"
)

// Job is the unit of work a state machine drives: the store rows plus the
// on-disk state of one claimed job.
type Job struct {
	Parent *jobstore.ParentJob
	Detail jobstore.Persistable

	// WorkDir is owned by exactly one worker; ownership follows the
	// queued to started transition.
	WorkDir string

	// ProductDir receives the packaged product tree.
	ProductDir string

	Status *StatusFile
	Dict   *ProductDict
	Log    *zap.Logger
}

// Pipeline implements the per-product-type work of the three processing
// states. Configure validates the input manifest before any work.
type Pipeline interface {
	Name() string
	Configure(ctx context.Context, job *Job) error
	PreProcess(ctx context.Context, job *Job) error
	Process(ctx context.Context, job *Job) error
	PostProcess(ctx context.Context, job *Job) error
}

// Config configures a StateMachine.
type Config struct {
	Store    jobstore.Store
	Pipeline Pipeline
	Logger   *zap.Logger
}

// StateMachine advances one job along the success path, recording every
// transition in the store and the status file.
type StateMachine struct {
	store    jobstore.Store
	pipeline Pipeline
	log      *zap.Logger
}

// New validates cfg and builds a StateMachine.
func New(cfg Config) (*StateMachine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("runner requires a job store")
	}
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("runner requires a pipeline")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &StateMachine{store: cfg.Store, pipeline: cfg.Pipeline, log: cfg.Logger}, nil
}

// step pairs a state's work with the status that follows it.
type step struct {
	work func(ctx context.Context, job *Job) error
	tag  string
	next jobstore.Status
}

// Run drives job from its current status to a terminal. The returned
// error is nil for every successful completion including the no-product
// early-outs.
func (m *StateMachine) Run(ctx context.Context, job *Job) error {
	if job.Log == nil {
		job.Log = m.log
	}
	for !job.Parent.LastStatus.Terminal() {
		if err := ctx.Err(); err != nil {
			return m.cancel(job, err)
		}

		st, ok := m.stepFor(job.Parent.LastStatus)
		if !ok {
			return m.fail(ctx, job, fmt.Errorf("no step from status %s: %w",
				job.Parent.LastStatus, ErrBadInput))
		}
		if st.tag != "" && job.Status != nil {
			if err := job.Status.Append(st.tag); err != nil {
				return m.fail(ctx, job, err)
			}
		}
		if st.work != nil {
			err := st.work(ctx, job)
			switch {
			case err == nil:
			case errors.Is(err, ErrTooCloudy):
				return m.completeEmpty(ctx, job, TagExitingCloudy)
			case errors.Is(err, ErrNoLandIntersection):
				return m.completeEmpty(ctx, job, TagIceSuccess)
			case ctx.Err() != nil:
				return m.cancel(job, err)
			default:
				return m.fail(ctx, job, err)
			}
		}
		if err := m.advance(ctx, job, st.next); err != nil {
			return m.fail(ctx, job, err)
		}
	}

	if job.Parent.LastStatus == jobstore.StatusPublished ||
		job.Parent.LastStatus == jobstore.StatusDone {
		if job.Status != nil {
			if err := job.Status.Append(TagExitingCompleted); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *StateMachine) stepFor(s jobstore.Status) (step, bool) {
	p := m.pipeline
	switch s {
	case jobstore.StatusInitialized:
		return step{work: p.Configure, next: jobstore.StatusConfigured}, true
	case jobstore.StatusConfigured:
		return step{next: jobstore.StatusReady}, true
	case jobstore.StatusReady:
		// Claiming is the scheduler's move; a machine started on a ready
		// job queues it itself.
		return step{next: jobstore.StatusQueued}, true
	case jobstore.StatusQueued:
		return step{tag: TagStarted, next: jobstore.StatusStarted}, true
	case jobstore.StatusStarted:
		return step{tag: TagPreProcessing, next: jobstore.StatusPreProcessing}, true
	case jobstore.StatusPreProcessing:
		return step{work: p.PreProcess, tag: TagProcessing, next: jobstore.StatusProcessing}, true
	case jobstore.StatusProcessing:
		return step{work: p.Process, tag: TagPostProcessing, next: jobstore.StatusPostProcessing}, true
	case jobstore.StatusPostProcessing:
		return step{work: p.PostProcess, tag: TagProcessed, next: jobstore.StatusProcessed}, true
	case jobstore.StatusProcessed:
		return step{tag: TagPublication, next: jobstore.StatusStartPublication}, true
	case jobstore.StatusStartPublication:
		// The product directory is handed to the external publisher;
		// only the status advances here.
		return step{next: jobstore.StatusPublished}, true
	}
	return step{}, false
}

// advance writes the next status. A critical store rejection is never
// retried blindly: the machine re-reads the persisted status and adopts
// it when another actor already moved the job along the success path,
// abandoning otherwise.
func (m *StateMachine) advance(ctx context.Context, job *Job, to jobstore.Status) error {
	err := m.store.SetStatus(ctx, job.Parent, to, "", "")
	if err == nil {
		return nil
	}
	if !jobstore.IsInternal(err) {
		return err
	}

	persisted, rerr := m.refresh(ctx, job.Parent)
	if rerr != nil {
		return errors.Join(err, rerr)
	}
	if persisted == to || (persisted > to && !persisted.IsError() && persisted != jobstore.StatusCancelled) {
		m.log.Warn("status already advanced elsewhere, reconciling",
			zap.Int64("job_id", job.Parent.ID),
			zap.String("persisted", persisted.String()),
			zap.String("wanted", to.String()))
		return nil
	}
	return err
}

func (m *StateMachine) refresh(ctx context.Context, parent *jobstore.ParentJob) (jobstore.Status, error) {
	f := jobstore.Eq("id", parent.ID)
	f.Limit = 1
	rows, err := m.store.Get(ctx, f, func() jobstore.Persistable { return &jobstore.ParentJob{} })
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, jobstore.ErrNotFound
	}
	*parent = *rows[0].(*jobstore.ParentJob)
	return parent.LastStatus, nil
}

/// completeEmpty finishes a no-product run: the terminal tag is recorded
// and the job walks the remaining success states with nothing to do.
func (m *StateMachine) completeEmpty(ctx context.Context, job *Job, tag string) error {
	job.Log.Info("run complete without product",
		zap.Int64("job_id", job.Parent.ID), zap.String("reason", tag))
	if job.Status != nil {
		if err := job.Status.Append(tag); err != nil {
			return err
		}
	}
	for job.Parent.LastStatus != jobstore.StatusPublished {
		next := job.Parent.LastStatus + 1
		if err := m.advance(ctx, job, next); err != nil {
			return err
		}
	}
	return nil
}

// fail records the error terminal and subtype, then surfaces the cause.
func (m *StateMachine) fail(ctx context.Context, job *Job, cause error) error {
	terminal := Classify(cause)
	job.Log.Error("job failed",
		zap.Int64("job_id", job.Parent.ID),
		zap.String("terminal", terminal.String()),
		zap.Error(cause))
	if job.Status != nil {
		if err := job.Status.Append(TagExitingError); err != nil {
			job.Log.Warn("status file append failed", zap.Error(err))
		}
	}
	err := m.store.SetStatus(ctx, job.Parent, terminal, ErrorSubtype(cause), shortMessage(cause))
	if err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// cancel marks the job cancelled after an external stop signal.
func (m *StateMachine) cancel(job *Job, cause error) error {
	job.Log.Warn("job cancelled", zap.Int64("job_id", job.Parent.ID), zap.Error(cause))
	if job.Status != nil {
		if err := job.Status.Append(TagExitingError); err != nil {
			job.Log.Warn("status file append failed", zap.Error(err))
		}
	}
	// The run context is gone; the store write gets its own.
	err := m.store.SetStatus(context.Background(), job.Parent, jobstore.StatusCancelled,
		"cancelled", shortMessage(cause))
	if err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
