package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore/sqlite"
)

func newTestScheduler(t *testing.T, workerID string) (*Scheduler, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), sqlite.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	s, err := New(Config{Store: store, WorkerID: workerID})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, store
}

func postJob(t *testing.T, store jobstore.Store, job *jobstore.ParentJob) *jobstore.ParentJob {
	t.Helper()
	if err := store.Post(context.Background(), job); err != nil {
		t.Fatalf("Post %s: %v", job.UniqueID, err)
	}
	return job
}

func TestSelectOrdersByPriorityThenAge(t *testing.T) {
	s, store := newTestScheduler(t, "worker-1")
	ctx := context.Background()

	base := time.Date(2020, 6, 14, 10, 0, 0, 0, time.UTC)
	postJob(t, store, &jobstore.ParentJob{
		UniqueID: "low-old", Name: jobstore.PipelineFSCRLIE, TileID: "32TLR",
		Priority: 1, LastStatus: jobstore.StatusReady, LastStatusChangeDate: base,
	})
	postJob(t, store, &jobstore.ParentJob{
		UniqueID: "high-new", Name: jobstore.PipelineFSCRLIE, TileID: "32TLQ",
		Priority: 5, LastStatus: jobstore.StatusReady, LastStatusChangeDate: base.Add(2 * time.Hour),
	})
	postJob(t, store, &jobstore.ParentJob{
		UniqueID: "high-old", Name: jobstore.PipelineFSCRLIE, TileID: "33TUL",
		Priority: 5, LastStatus: jobstore.StatusReady, LastStatusChangeDate: base.Add(time.Hour),
	})
	// Not selectable.
	postJob(t, store, &jobstore.ParentJob{
		UniqueID: "published", Name: jobstore.PipelineFSCRLIE, TileID: "32TLR",
		Priority: 9, LastStatus: jobstore.StatusPublished, LastStatusChangeDate: base,
	})

	got, err := s.Select(ctx, Constraints{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	var order []string
	for _, cj := range got {
		order = append(order, cj.Parent.UniqueID)
	}
	want := []string{"high-old", "high-new", "low-old"}
	if len(order) != len(want) {
		t.Fatalf("selected %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestSelectTileAndPipelinePinning(t *testing.T) {
	s, store := newTestScheduler(t, "worker-1")
	ctx := context.Background()

	postJob(t, store, &jobstore.ParentJob{
		UniqueID: "on-tile", Name: jobstore.PipelineFSCRLIE, TileID: "32TLR",
		LastStatus: jobstore.StatusReady,
	})
	postJob(t, store, &jobstore.ParentJob{
		UniqueID: "off-tile", Name: jobstore.PipelineFSCRLIE, TileID: "35VLJ",
		LastStatus: jobstore.StatusReady,
	})
	postJob(t, store, &jobstore.ParentJob{
		UniqueID: "wrong-pipeline", Name: jobstore.PipelineSWSWDS, TileID: "32TLR",
		LastStatus: jobstore.StatusReady,
	})

	got, err := s.Select(ctx, Constraints{
		Tiles:     []string{"32TLR", "32TLQ"},
		Pipelines: []string{jobstore.PipelineFSCRLIE},
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 1 || got[0].Parent.UniqueID != "on-tile" {
		t.Fatalf("selected %d jobs", len(got))
	}
}

func TestSelectHoldsDerivedJobUntilUpstreamSettled(t *testing.T) {
	s, store := newTestScheduler(t, "worker-1")
	ctx := context.Background()

	s1 := postJob(t, store, &jobstore.ParentJob{
		UniqueID: "RLIE_20200614T103031_S1B_T32TLR_V100_1",
		Name:     jobstore.PipelineRLIES1, TileID: "32TLR",
		LastStatus: jobstore.StatusPublished,
	})
	s2 := postJob(t, store, &jobstore.ParentJob{
		UniqueID: "RLIE_20200614T103031_S2A_T32TLR_V100_1",
		Name:     jobstore.PipelineFSCRLIE, TileID: "32TLR",
		LastStatus: jobstore.StatusProcessing,
	})

	fusion := postJob(t, store, &jobstore.ParentJob{
		UniqueID: "fusion-32TLR-20200614", Name: jobstore.PipelineS1S2, TileID: "32TLR",
		LastStatus: jobstore.StatusReady,
	})
	if err := store.Post(ctx, &jobstore.S1S2Job{
		ParentID: fusion.ID,
		RLIES1ID: s1.UniqueID,
		RLIES2ID: s2.UniqueID,
	}); err != nil {
		t.Fatalf("Post child: %v", err)
	}

	got, err := s.Select(ctx, Constraints{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("fusion selected with upstream still processing")
	}

	// Upstream settles.
	for _, to := range []jobstore.Status{
		jobstore.StatusPostProcessing, jobstore.StatusProcessed,
		jobstore.StatusStartPublication, jobstore.StatusPublished,
	} {
		if err := store.SetStatus(ctx, s2, to, "", ""); err != nil {
			t.Fatalf("SetStatus %s: %v", to, err)
		}
	}

	got, err = s.Select(ctx, Constraints{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 1 || got[0].Parent.ID != fusion.ID {
		t.Fatalf("selected %d jobs", len(got))
	}
	detail, ok := got[0].Detail.(*jobstore.S1S2Job)
	if !ok {
		t.Fatalf("detail type %T", got[0].Detail)
	}
	if detail.RLIES1ID != s1.UniqueID {
		t.Fatalf("detail s1 id = %q", detail.RLIES1ID)
	}
}

func TestClaimRace(t *testing.T) {
	a, store := newTestScheduler(t, "worker-a")
	b, err := New(Config{Store: store, WorkerID: "worker-b"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	job := postJob(t, store, &jobstore.ParentJob{
		UniqueID: "contested", Name: jobstore.PipelineFSCRLIE, TileID: "32TLR",
		LastStatus: jobstore.StatusReady,
	})

	// Both workers selected the same ready snapshot.
	copyA := *job
	copyB := *job

	claimed, err := a.Claim(ctx, &copyA)
	if err != nil {
		t.Fatalf("Claim a: %v", err)
	}
	if !claimed {
		t.Fatal("first claim lost on an uncontested job")
	}

	claimed, err = b.Claim(ctx, &copyB)
	if err != nil {
		t.Fatalf("Claim b: %v", err)
	}
	if claimed {
		t.Fatal("both workers claimed the same job")
	}
	if copyB.LastStatus != jobstore.StatusQueued {
		t.Fatalf("loser not refreshed: %s", copyB.LastStatus)
	}
	if copyB.NomadID != "worker-a" {
		t.Fatalf("worker binding = %q", copyB.NomadID)
	}
}

func TestRecoverRequeuesStaleJobs(t *testing.T) {
	s, store := newTestScheduler(t, "worker-1")
	ctx := context.Background()

	stale := postJob(t, store, &jobstore.ParentJob{
		UniqueID: "stale", Name: jobstore.PipelineFSCRLIE, TileID: "32TLR",
		LastStatus:           jobstore.StatusProcessing,
		LastStatusChangeDate: time.Now().UTC().Add(-time.Hour),
	})
	postJob(t, store, &jobstore.ParentJob{
		UniqueID: "fresh", Name: jobstore.PipelineFSCRLIE, TileID: "32TLQ",
		LastStatus:           jobstore.StatusProcessing,
		LastStatusChangeDate: time.Now().UTC(),
	})

	n, err := s.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d jobs", n)
	}

	f := jobstore.Eq("id", stale.ID)
	rows, err := store.Get(ctx, f, func() jobstore.Persistable { return &jobstore.ParentJob{} })
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got := rows[0].(*jobstore.ParentJob)
	if got.LastStatus != jobstore.StatusReady {
		t.Fatalf("status = %s", got.LastStatus)
	}
	if got.LastStatusErrorSubtype != RecoverySubtype {
		t.Fatalf("subtype = %q", got.LastStatusErrorSubtype)
	}
}

func TestRecoverHonoursActivityHook(t *testing.T) {
	store, err := sqlite.Open(context.Background(), sqlite.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	// The status file advanced recently even though the store row is old.
	s, err := New(Config{
		Store:    store,
		WorkerID: "worker-1",
		LastActivity: func(job *jobstore.ParentJob) (time.Time, bool) {
			return time.Now().UTC(), true
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	postJob(t, store, &jobstore.ParentJob{
		UniqueID: "busy", Name: jobstore.PipelineFSCRLIE, TileID: "32TLR",
		LastStatus:           jobstore.StatusProcessing,
		LastStatusChangeDate: time.Now().UTC().Add(-time.Hour),
	})

	n, err := s.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 0 {
		t.Fatalf("recovered a live job")
	}
}
