// Package scheduler selects runnable jobs from the store, claims them for
// a worker, and recovers jobs abandoned by dead workers. The store's
// status transition guard is the only lock: claiming is an ordinary
// ready to queued transition, and losing a race is a normal outcome.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore"
)

const (
	// DefaultSelectLimit bounds one selection round.
	DefaultSelectLimit = 50

	// DefaultHeartbeat is the stall window after which a worker-held job
	// is considered abandoned.
	DefaultHeartbeat = 15 * time.Minute

	// RecoverySubtype marks jobs moved back to ready by crash recovery.
	RecoverySubtype = "worker heartbeat lost"
)

// Constraints narrow one selection round to a worker's pinning.
type Constraints struct {
	// Tiles, when non-empty, restricts selection to jobs on these tiles.
	Tiles []string

	// Pipelines, when non-empty, restricts selection to these pipeline
	// names.
	Pipelines []string
}

// ChildJob pairs a selected parent job with its pipeline row. Detail is
// nil for pipelines without a child table.
type ChildJob struct {
	Parent *jobstore.ParentJob
	Detail jobstore.Persistable
}

// Config configures a Scheduler.
type Config struct {
	Store    jobstore.Store
	WorkerID string

	// SelectLimit bounds how many candidates one Select round reads.
	SelectLimit int

	// Heartbeat is the stall window for Recover.
	Heartbeat time.Duration

	// LastActivity, when set, reports the last observed progress of a
	// job, typically the status file modification time in its work
	// directory. Recover falls back to the job's last status change
	// date when the hook reports no observation.
	LastActivity func(job *jobstore.ParentJob) (time.Time, bool)

	Logger *zap.Logger
}

// Scheduler implements selection, claiming and crash recovery over a job
// store.
type Scheduler struct {
	store        jobstore.Store
	workerID     string
	selectLimit  int
	heartbeat    time.Duration
	lastActivity func(job *jobstore.ParentJob) (time.Time, bool)
	log          *zap.Logger
	now          func() time.Time
}

// New validates cfg and builds a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("scheduler requires a job store")
	}
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("scheduler requires a worker id")
	}
	if cfg.SelectLimit <= 0 {
		cfg.SelectLimit = DefaultSelectLimit
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Scheduler{
		store:        cfg.Store,
		workerID:     cfg.WorkerID,
		selectLimit:  cfg.SelectLimit,
		heartbeat:    cfg.Heartbeat,
		lastActivity: cfg.LastActivity,
		log:          cfg.Logger,
		now:          time.Now,
	}, nil
}

// Select returns runnable jobs in execution order: highest priority
// first, oldest status change first within a priority. Derived pipelines
// are only returned once all their upstream inputs are published or done.
func (s *Scheduler) Select(ctx context.Context, c Constraints) ([]ChildJob, error) {
	f := jobstore.Filter{
		Conds: []jobstore.Cond{{
			Attr:   "last_status_id",
			Op:     jobstore.OpIn,
			Values: []any{int(jobstore.StatusReady), int(jobstore.StatusQueued)},
		}},
		OrderBy: "priority",
		Desc:    true,
		Limit:   s.selectLimit,
	}
	if len(c.Tiles) > 0 {
		f.Conds = append(f.Conds, jobstore.Cond{
			Attr: "tile_id", Op: jobstore.OpIn, Values: toAny(c.Tiles),
		})
	}
	if len(c.Pipelines) > 0 {
		f.Conds = append(f.Conds, jobstore.Cond{
			Attr: "name", Op: jobstore.OpIn, Values: toAny(c.Pipelines),
		})
	}

	rows, err := s.store.Get(ctx, f, func() jobstore.Persistable { return &jobstore.ParentJob{} })
	if err != nil {
		return nil, fmt.Errorf("select jobs: %w", err)
	}

	jobs := make([]*jobstore.ParentJob, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.(*jobstore.ParentJob))
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return jobs[i].LastStatusChangeDate.Before(jobs[j].LastStatusChangeDate)
	})

	var out []ChildJob
	for _, job := range jobs {
		detail, err := s.loadDetail(ctx, job)
		if err != nil {
			return nil, err
		}
		ok, err := s.dependenciesMet(ctx, job, detail)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.log.Debug("job waiting on upstream products",
				zap.Int64("job_id", job.ID), zap.String("pipeline", job.Name))
			continue
		}
		out = append(out, ChildJob{Parent: job, Detail: detail})
	}
	return out, nil
}

// Claim takes a selected job for this worker. The ready to queued patch
// is the lock: when the store rejects the transition another worker got
// there first, so Claim reads the job back and reports false.
func (s *Scheduler) Claim(ctx context.Context, job *jobstore.ParentJob) (bool, error) {
	if job.LastStatus == jobstore.StatusQueued {
		// Already queued: ours if the worker id matches, otherwise held
		// by a live worker.
		return job.NomadID == s.workerID, nil
	}

	if err := s.store.SetStatus(ctx, job, jobstore.StatusQueued, "", ""); err != nil {
		if jobstore.IsInternal(err) {
			if rerr := s.refresh(ctx, job); rerr != nil {
				return false, rerr
			}
			s.log.Debug("lost claim race",
				zap.Int64("job_id", job.ID), zap.String("status", job.LastStatus.String()))
			return false, nil
		}
		return false, fmt.Errorf("claim job %d: %w", job.ID, err)
	}

	job.NomadID = s.workerID
	if err := s.store.Patch(ctx, job); err != nil {
		// The claim stands; the worker binding is advisory.
		s.log.Warn("claimed job but could not record worker id",
			zap.Int64("job_id", job.ID), zap.Error(err))
	}
	return true, nil
}

// Recover moves jobs abandoned by dead workers back to ready. A job is
// abandoned when it sits in a worker-held state and its last observed
// activity is older than the heartbeat window. Returns how many jobs
// were recovered.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	held := []any{
		int(jobstore.StatusQueued),
		int(jobstore.StatusStarted),
		int(jobstore.StatusPreProcessing),
		int(jobstore.StatusProcessing),
		int(jobstore.StatusPostProcessing),
		int(jobstore.StatusProcessed),
		int(jobstore.StatusStartPublication),
	}
	rows, err := s.store.Get(ctx, jobstore.In("last_status_id", held...),
		func() jobstore.Persistable { return &jobstore.ParentJob{} })
	if err != nil {
		return 0, fmt.Errorf("recover scan: %w", err)
	}

	deadline := s.now().Add(-s.heartbeat)
	recovered := 0
	for _, r := range rows {
		job := r.(*jobstore.ParentJob)
		activity := job.LastStatusChangeDate
		if s.lastActivity != nil {
			if t, ok := s.lastActivity(job); ok && t.After(activity) {
				activity = t
			}
		}
		if activity.IsZero() || activity.After(deadline) {
			continue
		}

		msg := fmt.Sprintf("no progress since %s, requeued by %s",
			activity.UTC().Format(time.RFC3339), s.workerID)
		err := s.store.SetStatus(ctx, job, jobstore.StatusReady, RecoverySubtype, msg)
		if err != nil {
			if jobstore.IsInternal(err) {
				// Another worker recovered or advanced it first.
				continue
			}
			return recovered, fmt.Errorf("recover job %d: %w", job.ID, err)
		}
		s.log.Info("recovered abandoned job",
			zap.Int64("job_id", job.ID),
			zap.String("pipeline", job.Name),
			zap.Time("last_activity", activity))
		recovered++
	}
	return recovered, nil
}

func (s *Scheduler) loadDetail(ctx context.Context, job *jobstore.ParentJob) (jobstore.Persistable, error) {
	probe := jobstore.ChildOf(job.Name)
	if probe == nil {
		return nil, nil
	}
	f := jobstore.Eq("parent_job_id", job.ID)
	f.Limit = 1
	rows, err := s.store.Get(ctx, f, func() jobstore.Persistable { return jobstore.ChildOf(job.Name) })
	if err != nil {
		return nil, fmt.Errorf("load %s detail for job %d: %w", job.Name, job.ID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// dependenciesMet checks that every upstream product of a derived job is
// published or done.
func (s *Scheduler) dependenciesMet(ctx context.Context, job *jobstore.ParentJob, detail jobstore.Persistable) (bool, error) {
	if !jobstore.Derived(job.Name) {
		return true, nil
	}
	ids := upstreamIDs(detail)
	if len(ids) == 0 {
		return true, nil
	}

	f := jobstore.Filter{Conds: []jobstore.Cond{
		{Attr: "unique_id", Op: jobstore.OpIn, Values: toAny(ids)},
		{Attr: "last_status_id", Op: jobstore.OpIn, Values: []any{
			int(jobstore.StatusPublished), int(jobstore.StatusDone),
		}},
	}}
	rows, err := s.store.Get(ctx, f, func() jobstore.Persistable { return &jobstore.ParentJob{} })
	if err != nil {
		return false, fmt.Errorf("check upstream of job %d: %w", job.ID, err)
	}

	settled := make(map[string]bool, len(rows))
	for _, r := range rows {
		settled[r.(*jobstore.ParentJob).UniqueID] = true
	}
	for _, id := range ids {
		if !settled[id] {
			return false, nil
		}
	}
	return true, nil
}

func (s *Scheduler) refresh(ctx context.Context, job *jobstore.ParentJob) error {
	f := jobstore.Eq("id", job.ID)
	f.Limit = 1
	rows, err := s.store.Get(ctx, f, func() jobstore.Persistable { return &jobstore.ParentJob{} })
	if err != nil {
		return fmt.Errorf("re-read job %d: %w", job.ID, err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("re-read job %d: %w", job.ID, jobstore.ErrNotFound)
	}
	*job = *rows[0].(*jobstore.ParentJob)
	return nil
}

func upstreamIDs(detail jobstore.Persistable) []string {
	switch d := detail.(type) {
	case *jobstore.S1S2Job:
		var ids []string
		if d.RLIES1ID != "" {
			ids = append(ids, d.RLIES1ID)
		}
		if d.RLIES2ID != "" {
			ids = append(ids, d.RLIES2ID)
		}
		return ids
	case *jobstore.GFSCJob:
		return jobstore.SplitIDList(d.InputIDs)
	}
	return nil
}


func toAny[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
