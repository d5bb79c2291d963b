// Package rest is the production job store client. It speaks the
// PostgREST-style HTTP API: one resource per entity kind, horizontal
// filters in the query string and JSON rows in the bodies.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore"
)

// Doer issues HTTP requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures the client.
type Config struct {
	// BaseURL is the store root, normally from CSI_JOB_API_BASE_URL.
	BaseURL string

	// Client defaults to an http.Client with a 30 s timeout.
	Client Doer

	Logger *zap.Logger
}

// Client implements jobstore.Store over HTTP.
type Client struct {
	base string
	do   Doer
	log  *zap.Logger
	now  func() time.Time
}

var _ jobstore.Store = (*Client)(nil)

// New creates the client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("job store base url is required")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		base: strings.TrimSuffix(cfg.BaseURL, "/"),
		do:   cfg.Client,
		log:  cfg.Logger,
		now:  time.Now,
	}, nil
}

// Post inserts e and loads the representation the store returns, which
// carries the serial id.
func (c *Client) Post(ctx context.Context, e jobstore.Persistable) error {
	row := e.Row()
	delete(row, "id")

	rows, err := c.write(ctx, http.MethodPost, c.base+"/"+e.Kind(), row, true)
	if err != nil {
		return err
	}
	if len(rows) != 1 {
		return &jobstore.InternalError{
			Op:      "post " + e.Kind(),
			Subtype: "inconsistent representation",
			Err:     fmt.Errorf("store returned %d rows", len(rows)),
		}
	}
	return e.Load(rows[0])
}

// Patch updates the row with e's id.
func (c *Client) Patch(ctx context.Context, e jobstore.Persistable) error {
	row := e.Row()
	id, ok := row["id"]
	if !ok {
		return fmt.Errorf("patch %s: entity has no id", e.Kind())
	}
	delete(row, "id")

	u := fmt.Sprintf("%s/%s?id=eq.%v", c.base, e.Kind(), id)
	rows, err := c.write(ctx, http.MethodPatch, u, row, true)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("patch %s id %v: %w", e.Kind(), id, jobstore.ErrNotFound)
	}
	return e.Load(rows[0])
}

// Get loads the rows matching f.
func (c *Client) Get(ctx context.Context, f jobstore.Filter, newEntity func() jobstore.Persistable) ([]jobstore.Persistable, error) {
	probe := newEntity()
	u := c.base + "/" + probe.Kind() + "?" + encodeFilter(f)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	rows, err := c.roundTrip(req, "get "+probe.Kind())
	if err != nil {
		return nil, err
	}

	out := make([]jobstore.Persistable, 0, len(rows))
	for _, row := range rows {
		e := newEntity()
		if err := e.Load(row); err != nil {
			return nil, fmt.Errorf("load %s row: %w", e.Kind(), err)
		}
		out = append(out, e)
	}
	return out, nil
}

// InsertIfAbsent posts e unless a row already matches e's values in
// keyCols. The read-then-write pair is not atomic; a concurrent insert
// surfaces as the store's unique-constraint rejection, which is critical
// by policy and so never silently duplicated.
func (c *Client) InsertIfAbsent(ctx context.Context, e jobstore.Persistable, keyCols ...string) (bool, error) {
	row := e.Row()
	var conds []jobstore.Cond
	for _, col := range keyCols {
		conds = append(conds, jobstore.Cond{Attr: col, Op: jobstore.OpEq, Value: row[col]})
	}
	existing, err := c.Get(ctx, jobstore.Filter{Conds: conds, Limit: 1}, func() jobstore.Persistable {
		return blankOf(e)
	})
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}
	if err := c.Post(ctx, e); err != nil {
		return false, err
	}
	return true, nil
}

// SetStatus appends the status change and patches the parent job. The
// transition guard runs locally first so obviously invalid writes never
// reach the wire; the store applies the same rule and its 400 surfaces
// identically.
func (c *Client) SetStatus(ctx context.Context, job *jobstore.ParentJob, to jobstore.Status, errSubtype, errMsg string) error {
	if err := jobstore.Transition(job.LastStatus, to); err != nil {
		return &jobstore.InternalError{Op: "set status", Subtype: jobstore.SubtypeTransition, Err: err}
	}

	at := c.now()
	change := jobstore.NewStatusChange(job, to, errSubtype, errMsg, at)
	if err := c.Post(ctx, change); err != nil {
		return err
	}

	job.LastStatus = to
	job.LastStatusChangeDate = at.UTC()
	job.LastStatusErrorSubtype = errSubtype
	if errSubtype != "" {
		job.ErrorRaised = true
	}
	return c.Patch(ctx, job)
}

// write sends a JSON body and returns the representation rows.
func (c *Client) write(ctx context.Context, method, u string, row map[string]any, representation bool) ([]map[string]any, error) {
	body, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if representation {
		req.Header.Set("Prefer", "return=representation")
	}
	return c.roundTrip(req, strings.ToLower(method)+" "+u)
}

func (c *Client) roundTrip(req *http.Request, op string) ([]map[string]any, error) {
	resp, err := c.do.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", op, err)
	}

	if err := classifyStatus(op, resp.StatusCode, payload); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}

	var rows []map[string]any
	if err := json.Unmarshal(payload, &rows); err != nil {
		// Single-object responses appear on some verbs.
		var row map[string]any
		if err2 := json.Unmarshal(payload, &row); err2 != nil {
			return nil, fmt.Errorf("%s: decode response: %w", op, err)
		}
		rows = []map[string]any{row}
	}
	return rows, nil
}

// classifyStatus maps HTTP codes per the store contract: 400, 409 and 429
// are critical and must stop the caller; everything else non-2xx is a
// transient backend problem.
func classifyStatus(op string, code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusBadRequest:
		return &jobstore.InternalError{
			Op:      op,
			Subtype: jobstore.SubtypeTransition,
			Err:     fmt.Errorf("store rejected write: %s", msg),
		}
	case code == http.StatusConflict:
		return &jobstore.InternalError{
			Op:      op,
			Subtype: jobstore.SubtypeDuplicateKey,
			Err:     fmt.Errorf("store conflict: %s", msg),
		}
	case code == http.StatusTooManyRequests:
		return &jobstore.InternalError{
			Op:      op,
			Subtype: "rate limited",
			Err:     fmt.Errorf("store rate limited: %s", msg),
		}
	default:
		return fmt.Errorf("%s: store returned %d: %s", op, code, msg)
	}
}

// encodeFilter renders a Filter in the store's query grammar.
func encodeFilter(f jobstore.Filter) string {
	var parts []string
	for _, c := range f.Conds {
		parts = append(parts, condParam(c))
	}
	if len(f.Or) > 0 {
		var ors []string
		for _, c := range f.Or {
			ors = append(ors, condExpr(c))
		}
		parts = append(parts, "or="+url.QueryEscape("("+strings.Join(ors, ",")+")"))
	}
	if f.OrderBy != "" {
		dir := "asc"
		if f.Desc {
			dir = "desc"
		}
		parts = append(parts, "order="+url.QueryEscape(f.OrderBy+"."+dir))
	}
	if f.Limit > 0 {
		parts = append(parts, fmt.Sprintf("limit=%d", f.Limit))
	}
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// condParam renders `attr=op.value` for the query string.
func condParam(c jobstore.Cond) string {
	return url.QueryEscape(c.Attr) + "=" + url.QueryEscape(condValue(c))
}

// condExpr renders `attr.op.value` for use inside or=(...).
func condExpr(c jobstore.Cond) string {
	return c.Attr + "." + condValue(c)
}

func condValue(c jobstore.Cond) string {
	if c.Op == jobstore.OpIn {
		vals := make([]string, len(c.Values))
		for i, v := range c.Values {
			vals[i] = fmt.Sprintf("%v", v)
		}
		return "in.(" + strings.Join(vals, ",") + ")"
	}
	return string(c.Op) + "." + fmt.Sprintf("%v", c.Value)
}

// blankOf builds an empty entity of e's concrete kind for probe reads.
func blankOf(e jobstore.Persistable) jobstore.Persistable {
	switch e.(type) {
	case *jobstore.ParentJob:
		return &jobstore.ParentJob{}
	case *jobstore.FSCRLIEJob:
		return &jobstore.FSCRLIEJob{}
	case *jobstore.RLIES1Job:
		return &jobstore.RLIES1Job{}
	case *jobstore.SWSWDSJob:
		return &jobstore.SWSWDSJob{}
	case *jobstore.GFSCJob:
		return &jobstore.GFSCJob{}
	case *jobstore.S1S2Job:
		return &jobstore.S1S2Job{}
	case *jobstore.JobStatusChange:
		return &jobstore.JobStatusChange{}
	case *jobstore.ExecutionInfo:
		return &jobstore.ExecutionInfo{}
	case *jobstore.ExecutionMessage:
		return &jobstore.ExecutionMessage{}
	}
	panic(fmt.Sprintf("unknown entity type %T", e))
}
