// Package server exposes the worker's health and job-registry endpoint.
// Orchestrators poll GET /healthz for liveness; operators read GET /jobs
// for a snapshot of the production queue.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/eea/clms-hrsi-productionsystem-sub001/internal/server/middleware"
	"github.com/eea/clms-hrsi-productionsystem-sub001/pkg/jobstore"
)

// Config wires a Server.
type Config struct {
	Listen   string
	Store    jobstore.Store
	WorkerID string
	Version  string
	Logger   *zap.Logger
}

// Server serves the worker endpoint.
type Server struct {
	cfg     Config
	log     *zap.Logger
	started time.Time
	http    *http.Server
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	if cfg.Listen == "" {
		cfg.Listen = "localhost:8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, log: cfg.Logger, started: time.Now()}
	s.http = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the route tree, exposed separately for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return middleware.RecoveryWithLogger(next, s.log)
	})
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/healthz", s.handleHealth)
	r.Get("/jobs", s.handleJobs)
	r.Get("/jobs/{id}", s.handleJob)
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("worker endpoint listening", zap.String("addr", s.cfg.Listen))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	WorkerID string `json:"worker_id,omitempty"`
	Version  string `json:"version,omitempty"`
	UptimeS  int64  `json:"uptime_s"`
}

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		WorkerID: s.cfg.WorkerID,
		Version:  s.cfg.Version,
		UptimeS:  int64(time.Since(s.started).Seconds()),
	})
}

type jobView struct {
	ID         int64     `json:"id"`
	UniqueID   string    `json:"unique_id"`
	Pipeline   string    `json:"pipeline"`
	TileID     string    `json:"tile_id,omitempty"`
	Priority   int       `json:"priority"`
	Status     string    `json:"status"`
	StatusDate time.Time `json:"status_date"`
	ErrorText  string    `json:"error,omitempty"`
	WorkerID   string    `json:"worker_id,omitempty"`
}

// handleJobs lists parent jobs, newest status change first. Filters:
// ?status=<name>, ?tile=<id>, ?pipeline=<name>, ?limit=<n>.
func (s *Server) handleJobs(w http.ResponseWriter, req *http.Request) {
	if s.cfg.Store == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "NO_STORE", "job store not configured")
		return
	}

	f := jobstore.Filter{OrderBy: "last_status_change_date", Desc: true, Limit: 100}
	q := req.URL.Query()
	if name := q.Get("status"); name != "" {
		st, ok := jobstore.StatusFromName(name)
		if !ok {
			middleware.WriteError(w, http.StatusBadRequest, "BAD_STATUS", "unknown status "+name)
			return
		}
		f.Conds = append(f.Conds, jobstore.Cond{
			Attr: "last_status_id", Op: jobstore.OpEq, Value: int(st),
		})
	}
	if tile := q.Get("tile"); tile != "" {
		f.Conds = append(f.Conds, jobstore.Cond{
			Attr: "tile_id", Op: jobstore.OpEq, Value: tile,
		})
	}
	if name := q.Get("pipeline"); name != "" {
		f.Conds = append(f.Conds, jobstore.Cond{
			Attr: "name", Op: jobstore.OpEq, Value: name,
		})
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			middleware.WriteError(w, http.StatusBadRequest, "BAD_LIMIT", "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	rows, err := s.cfg.Store.Get(req.Context(), f,
		func() jobstore.Persistable { return &jobstore.ParentJob{} })
	if err != nil {
		s.log.Error("job listing failed", zap.Error(err))
		middleware.WriteError(w, http.StatusBadGateway, "STORE_ERROR", "job store query failed")
		return
	}

	out := make([]jobView, 0, len(rows))
	for _, r := range rows {
		out = append(out, viewOf(r.(*jobstore.ParentJob)))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJob(w http.ResponseWriter, req *http.Request) {
	if s.cfg.Store == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "NO_STORE", "job store not configured")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "BAD_ID", "job id must be an integer")
		return
	}

	f := jobstore.Eq("id", id)
	f.Limit = 1
	rows, err := s.cfg.Store.Get(req.Context(), f,
		func() jobstore.Persistable { return &jobstore.ParentJob{} })
	if err != nil {
		s.log.Error("job lookup failed", zap.Int64("id", id), zap.Error(err))
		middleware.WriteError(w, http.StatusBadGateway, "STORE_ERROR", "job store query failed")
		return
	}
	if len(rows) == 0 {
		middleware.WriteError(w, http.StatusNotFound, "NOT_FOUND", "no such job")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rows[0].(*jobstore.ParentJob)))
}

func viewOf(job *jobstore.ParentJob) jobView {
	return jobView{
		ID:         job.ID,
		UniqueID:   job.UniqueID,
		Pipeline:   job.Name,
		TileID:     job.TileID,
		Priority:   job.Priority,
		Status:     job.LastStatus.String(),
		StatusDate: job.LastStatusChangeDate,
		ErrorText:  job.LastStatusErrorSubtype,
		WorkerID:   job.NomadID,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
