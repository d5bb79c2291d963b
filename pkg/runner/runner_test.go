package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore/sqlite"
)

// fakePipeline lets each test script the processing hooks.
type fakePipeline struct {
	configure   func(ctx context.Context, job *Job) error
	preProcess  func(ctx context.Context, job *Job) error
	process     func(ctx context.Context, job *Job) error
	postProcess func(ctx context.Context, job *Job) error
}

func (f *fakePipeline) Name() string { return jobstore.PipelineFSCRLIE }

func (f *fakePipeline) Configure(ctx context.Context, job *Job) error {
	return f.call(f.configure, ctx, job)
}
func (f *fakePipeline) PreProcess(ctx context.Context, job *Job) error {
	return f.call(f.preProcess, ctx, job)
}
func (f *fakePipeline) Process(ctx context.Context, job *Job) error {
	return f.call(f.process, ctx, job)
}
func (f *fakePipeline) PostProcess(ctx context.Context, job *Job) error {
	return f.call(f.postProcess, ctx, job)
}

func (f *fakePipeline) call(hook func(context.Context, *Job) error, ctx context.Context, job *Job) error {
	if hook == nil {
		return nil
	}
	return hook(ctx, job)
}

func newTestMachine(t *testing.T, p Pipeline) (*StateMachine, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), sqlite.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	m, err := New(Config{Store: store, Pipeline: p})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, store
}

func newTestJob(t *testing.T, store jobstore.Store, status jobstore.Status) *Job {
	t.Helper()
	parent := &jobstore.ParentJob{
		UniqueID:   "fsc_32TLR_20200614T103031",
		Name:       jobstore.PipelineFSCRLIE,
		TileID:     "32TLR",
		LastStatus: status,
	}
	if err := store.Post(context.Background(), parent); err != nil {
		t.Fatalf("Post: %v", err)
	}
	dir := t.TempDir()
	sf, err := OpenStatusFile(dir)
	if err != nil {
		t.Fatalf("OpenStatusFile: %v", err)
	}
	dict, err := OpenProductDict(dir)
	if err != nil {
		t.Fatalf("OpenProductDict: %v", err)
	}
	return &Job{Parent: parent, WorkDir: dir, Status: sf, Dict: dict}
}

func persistedStatus(t *testing.T, store jobstore.Store, id int64) *jobstore.ParentJob {
	t.Helper()
	f := jobstore.Eq("id", id)
	rows, err := store.Get(context.Background(), f, func() jobstore.Persistable { return &jobstore.ParentJob{} })
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows for job %d", len(rows), id)
	}
	return rows[0].(*jobstore.ParentJob)
}

func historyStatuses(t *testing.T, store jobstore.Store, id int64) []jobstore.Status {
	t.Helper()
	f := jobstore.Eq("parent_job_id", id)
	f.OrderBy = "id"
	rows, err := store.Get(context.Background(), f, func() jobstore.Persistable { return &jobstore.JobStatusChange{} })
	if err != nil {
		t.Fatalf("Get history: %v", err)
	}
	out := make([]jobstore.Status, len(rows))
	for i, r := range rows {
		out[i] = r.(*jobstore.JobStatusChange).StatusID
	}
	return out
}

func TestRunDrivesJobToPublished(t *testing.T) {
	m, store := newTestMachine(t, &fakePipeline{})
	job := newTestJob(t, store, jobstore.StatusInitialized)

	if err := m.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Parent.LastStatus != jobstore.StatusPublished {
		t.Fatalf("LastStatus = %s", job.Parent.LastStatus)
	}
	if got := persistedStatus(t, store, job.Parent.ID).LastStatus; got != jobstore.StatusPublished {
		t.Fatalf("persisted = %s", got)
	}

	history := historyStatuses(t, store, job.Parent.ID)
	if len(history) != 10 {
		t.Fatalf("history has %d transitions: %v", len(history), history)
	}
	if history[len(history)-1] != jobstore.StatusPublished {
		t.Fatalf("history ends at %s", history[len(history)-1])
	}

	tags, err := job.Status.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	want := []string{
		TagStarted, TagPreProcessing, TagProcessing,
		TagPostProcessing, TagProcessed, TagPublication, TagExitingCompleted,
	}
	if len(tags) != len(want) {
		t.Fatalf("tags = %v, want %v", tags, want)
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Fatalf("tags = %v, want %v", tags, want)
		}
	}
}

func TestRunCloudySceneCompletesWithoutProduct(t *testing.T) {
	p := &fakePipeline{
		process: func(ctx context.Context, job *Job) error { return ErrTooCloudy },
	}
	m, store := newTestMachine(t, p)
	job := newTestJob(t, store, jobstore.StatusInitialized)

	if err := m.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Parent.LastStatus != jobstore.StatusPublished {
		t.Fatalf("LastStatus = %s", job.Parent.LastStatus)
	}
	last, err := job.Status.Last()
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if last != TagExitingCloudy {
		t.Fatalf("last tag = %q, want %q", last, TagExitingCloudy)
	}
}

func TestRunNoLandIntersectionCompletesWithoutProduct(t *testing.T) {
	p := &fakePipeline{
		preProcess: func(ctx context.Context, job *Job) error { return ErrNoLandIntersection },
	}
	m, store := newTestMachine(t, p)
	job := newTestJob(t, store, jobstore.StatusInitialized)

	if err := m.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Parent.LastStatus != jobstore.StatusPublished {
		t.Fatalf("LastStatus = %s", job.Parent.LastStatus)
	}
	last, _ := job.Status.Last()
	if last != TagIceSuccess {
		t.Fatalf("last tag = %q, want %q", last, TagIceSuccess)
	}
}

func TestRunChildFailureIsExternal(t *testing.T) {
	cause := &ChildProcessError{Subtool: "maja", ExitCode: 2}
	p := &fakePipeline{
		process: func(ctx context.Context, job *Job) error { return cause },
	}
	m, store := newTestMachine(t, p)
	job := newTestJob(t, store, jobstore.StatusInitialized)

	err := m.Run(context.Background(), job)
	if !IsChildProcess(err) {
		t.Fatalf("Run err = %v", err)
	}

	persisted := persistedStatus(t, store, job.Parent.ID)
	if persisted.LastStatus != jobstore.StatusExternalError {
		t.Fatalf("persisted = %s", persisted.LastStatus)
	}
	if persisted.LastStatusErrorSubtype != "child process failed" {
		t.Fatalf("subtype = %q", persisted.LastStatusErrorSubtype)
	}
	last, _ := job.Status.Last()
	if last != TagExitingError {
		t.Fatalf("last tag = %q", last)
	}
}

func TestRunRunnerFaultIsInternal(t *testing.T) {
	p := &fakePipeline{
		postProcess: func(ctx context.Context, job *Job) error {
			return errors.New("palette table missing entry")
		},
	}
	m, store := newTestMachine(t, p)
	job := newTestJob(t, store, jobstore.StatusInitialized)

	if err := m.Run(context.Background(), job); err == nil {
		t.Fatal("Run succeeded on a runner fault")
	}
	persisted := persistedStatus(t, store, job.Parent.ID)
	if persisted.LastStatus != jobstore.StatusInternalError {
		t.Fatalf("persisted = %s", persisted.LastStatus)
	}
	if persisted.LastStatusErrorSubtype != "runner error" {
		t.Fatalf("subtype = %q", persisted.LastStatusErrorSubtype)
	}
}

func TestRunAdoptsConcurrentAdvance(t *testing.T) {
	var store *sqlite.Store
	p := &fakePipeline{
		preProcess: func(ctx context.Context, job *Job) error {
			// Another actor moves the persisted job along before this
			// machine writes its own transition.
			other := persistedStatus(t, store, job.Parent.ID)
			return store.SetStatus(ctx, other, jobstore.StatusProcessing, "", "")
		},
	}
	m, s := newTestMachine(t, p)
	store = s
	job := newTestJob(t, store, jobstore.StatusInitialized)

	if err := m.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Parent.LastStatus != jobstore.StatusPublished {
		t.Fatalf("LastStatus = %s", job.Parent.LastStatus)
	}

	// The doubled transition is written once.
	seen := 0
	for _, st := range historyStatuses(t, store, job.Parent.ID) {
		if st == jobstore.StatusProcessing {
			seen++
		}
	}
	if seen != 1 {
		t.Fatalf("processing recorded %d times", seen)
	}
}

func TestRunAbandonsExternallyCancelledJob(t *testing.T) {
	var store *sqlite.Store
	p := &fakePipeline{
		preProcess: func(ctx context.Context, job *Job) error {
			other := persistedStatus(t, store, job.Parent.ID)
			return store.SetStatus(ctx, other, jobstore.StatusCancelled, "cancelled", "operator stop")
		},
	}
	m, s := newTestMachine(t, p)
	store = s
	job := newTestJob(t, store, jobstore.StatusInitialized)

	if err := m.Run(context.Background(), job); err == nil {
		t.Fatal("Run succeeded over an external cancellation")
	}
	if got := persistedStatus(t, store, job.Parent.ID).LastStatus; got != jobstore.StatusCancelled {
		t.Fatalf("persisted = %s, want cancelled", got)
	}
}

func TestRunCancelledContextMarksCancelled(t *testing.T) {
	m, store := newTestMachine(t, &fakePipeline{})
	job := newTestJob(t, store, jobstore.StatusStarted)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Run(ctx, job); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v", err)
	}

	persisted := persistedStatus(t, store, job.Parent.ID)
	if persisted.LastStatus != jobstore.StatusCancelled {
		t.Fatalf("persisted = %s", persisted.LastStatus)
	}
	if persisted.LastStatusErrorSubtype != "cancelled" {
		t.Fatalf("subtype = %q", persisted.LastStatusErrorSubtype)
	}
}
