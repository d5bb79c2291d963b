package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore"
)

func newTestStoreClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, Client: srv.Client()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestPostReturnsSerialID(t *testing.T) {
	var gotPrefer, gotPath string
	var bodyHadID bool
	c := newTestStoreClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrefer = r.Header.Get("Prefer")
		gotPath = r.URL.Path
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		_, bodyHadID = body["id"]

		body["id"] = 41
		json.NewEncoder(w).Encode([]map[string]any{body})
	}))

	job := &jobstore.ParentJob{
		UniqueID:   "FSC_20200614T103031_S2A_T32TLR",
		Name:       "fsc-rlie",
		TileID:     "32TLR",
		Priority:   1,
		LastStatus: jobstore.StatusInitialized,
	}
	if err := c.Post(context.Background(), job); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if job.ID != 41 {
		t.Fatalf("serial id = %d", job.ID)
	}
	if gotPrefer != "return=representation" {
		t.Fatalf("Prefer header = %q", gotPrefer)
	}
	if gotPath != "/parent_jobs" {
		t.Fatalf("path = %s", gotPath)
	}
	if bodyHadID {
		t.Fatal("post body carried an id")
	}
}

func TestPatchMissingRow(t *testing.T) {
	c := newTestStoreClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "[]")
	}))

	job := &jobstore.ParentJob{ID: 7, LastStatus: jobstore.StatusReady}
	err := c.Patch(context.Background(), job)
	if !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetFilterEncoding(t *testing.T) {
	var gotQuery url.Values
	c := newTestStoreClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		fmt.Fprint(w, "[]")
	}))

	f := jobstore.Filter{
		Conds: []jobstore.Cond{
			{Attr: "last_status_id", Op: jobstore.OpIn, Values: []any{3, 4}},
			{Attr: "tile_id", Op: jobstore.OpEq, Value: "32TLR"},
		},
		OrderBy: "priority",
		Desc:    true,
		Limit:   10,
	}
	_, err := c.Get(context.Background(), f, func() jobstore.Persistable { return &jobstore.ParentJob{} })
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if got := gotQuery.Get("last_status_id"); got != "in.(3,4)" {
		t.Fatalf("in filter = %q", got)
	}
	if got := gotQuery.Get("tile_id"); got != "eq.32TLR" {
		t.Fatalf("eq filter = %q", got)
	}
	if got := gotQuery.Get("order"); got != "priority.desc" {
		t.Fatalf("order = %q", got)
	}
	if got := gotQuery.Get("limit"); got != "10" {
		t.Fatalf("limit = %q", got)
	}
}

func TestCriticalStatusCodes(t *testing.T) {
	cases := []struct {
		code    int
		subtype string
	}{
		{http.StatusBadRequest, jobstore.SubtypeTransition},
		{http.StatusConflict, jobstore.SubtypeDuplicateKey},
		{http.StatusTooManyRequests, "rate limited"},
	}
	for _, tc := range cases {
		c := newTestStoreClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no", tc.code)
		}))
		err := c.Post(context.Background(), &jobstore.ParentJob{Name: "x"})
		var ie *jobstore.InternalError
		if !errors.As(err, &ie) {
			t.Fatalf("code %d: expected InternalError, got %v", tc.code, err)
		}
		if ie.Subtype != tc.subtype {
			t.Fatalf("code %d: subtype = %q, want %q", tc.code, ie.Subtype, tc.subtype)
		}
	}

	// 5xx is transient, not critical.
	c := newTestStoreClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	err := c.Post(context.Background(), &jobstore.ParentJob{Name: "x"})
	if err == nil || jobstore.IsInternal(err) {
		t.Fatalf("5xx classified as critical: %v", err)
	}
}

func TestSetStatusGuardsLocally(t *testing.T) {
	var requests int
	c := newTestStoreClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		fmt.Fprint(w, "[]")
	}))

	job := &jobstore.ParentJob{ID: 1, LastStatus: jobstore.StatusConfigured}
	err := c.SetStatus(context.Background(), job, jobstore.StatusPublished, "", "")
	if !jobstore.IsInternal(err) {
		t.Fatalf("expected critical rejection, got %v", err)
	}
	var te *jobstore.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError inside, got %v", err)
	}
	if requests != 0 {
		t.Fatalf("invalid transition reached the wire: %d requests", requests)
	}
	if job.LastStatus != jobstore.StatusConfigured {
		t.Fatal("job mutated despite rejection")
	}
}

func TestSetStatusWritesChangeAndPatch(t *testing.T) {
	var posts, patches int
	var changeBody map[string]any
	c := newTestStoreClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			posts++
			json.NewDecoder(r.Body).Decode(&changeBody)
			changeBody["id"] = 100
			json.NewEncoder(w).Encode([]map[string]any{changeBody})
		case http.MethodPatch:
			patches++
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			body["id"] = 1
			json.NewEncoder(w).Encode([]map[string]any{body})
		}
	}))

	job := &jobstore.ParentJob{ID: 1, LastStatus: jobstore.StatusReady}
	if err := c.SetStatus(context.Background(), job, jobstore.StatusQueued, "", ""); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if posts != 1 || patches != 1 {
		t.Fatalf("posts=%d patches=%d", posts, patches)
	}
	if job.LastStatus != jobstore.StatusQueued {
		t.Fatalf("job status = %s", job.LastStatus)
	}
	if changeBody["job_status_id"] != float64(jobstore.StatusQueued) {
		t.Fatalf("change status = %v", changeBody["job_status_id"])
	}
	ts, _ := changeBody["timestamp"].(string)
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
		t.Fatalf("change timestamp %q: %v", ts, err)
	}
}
