package worker

import (
	"context"
	"testing"
)

func TestZZDebugSelectOrder(t *testing.T) {
	w, store := newTestWorker(t, &scriptedPipeline{})
	a := postReadyJob(t, store, "fsc_32TLR_a")
	b := postReadyJob(t, store, "fsc_32TLR_b")
	t.Logf("a: id=%d status=%s date=%s prio=%d", a.ID, a.LastStatus, a.LastStatusChangeDate, a.Priority)
	t.Logf("b: id=%d status=%s date=%s prio=%d", b.ID, b.LastStatus, b.LastStatusChangeDate, b.Priority)

	cands, err := w.cfg.Scheduler.Select(context.Background(), w.cfg.Constraints)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	for i, c := range cands {
		t.Logf("cand[%d] = %s (id=%d, date=%s)", i, c.Parent.UniqueID, c.Parent.ID, c.Parent.LastStatusChangeDate)
	}

	w.cfg.MaxJobs = 1
	code := w.Run(context.Background())
	t.Logf("Run code=%d", code)
	t.Logf("after: a=%s b=%s", readBack(t, store, a.ID).LastStatus, readBack(t, store, b.ID).LastStatus)
}
