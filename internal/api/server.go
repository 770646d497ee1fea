package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"vaxflow/internal/domain"
	"vaxflow/internal/queue"
	"vaxflow/internal/registry"
	"vaxflow/internal/runner"
)

// Server is the thin HTTP glue over the queue core: producers enqueue work,
// operators inspect items and can trigger a pass by hand. This is not the
// backend's REST resource surface.
type Server struct {
	store  queue.Store
	runner *runner.Runner
	reg    *registry.Registry
}

func NewServer(store queue.Store, r *runner.Runner, reg *registry.Registry) http.Handler {
	return NewServerWithDebug(store, r, reg, false)
}

func NewServerWithDebug(store queue.Store, run *runner.Runner, reg *registry.Registry, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{store: store, runner: run, reg: reg}

	r.Get("/health", s.health)
	r.Post("/api/work", s.enqueueWork)
	r.Get("/api/work", s.listWork)
	r.Get("/api/work/{id}", s.getWork)
	r.Post("/api/runs", s.runOnce)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type enqueueReq struct {
	Kind       string `json:"kind"`
	SubjectRef string `json:"subject_ref"`
	Priority   int    `json:"priority"`
	Dedupe     bool   `json:"dedupe"`
}

type enqueueResp struct {
	ID           string `json:"id,omitempty"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

func (s *Server) enqueueWork(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Kind == "" {
		http.Error(w, "kind is required", 400)
		return
	}
	if req.SubjectRef == "" {
		http.Error(w, "subject_ref is required", 400)
		return
	}

	entry, err := s.reg.Resolve(req.Kind)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	// Duplicate suppression is a producer decision, never a store invariant:
	// some kinds intentionally run concurrent items for one subject.
	if req.Dedupe {
		n, err := s.store.CountNonTerminal(r.Context(), req.Kind, req.SubjectRef)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		if n > 0 {
			writeJSON(w, http.StatusOK, enqueueResp{Deduplicated: true})
			return
		}
	}

	id, err := s.store.Enqueue(r.Context(), domain.Draft{
		Kind:       req.Kind,
		SubjectRef: req.SubjectRef,
		Priority:   req.Priority,
	}, entry.MaxAttempts)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResp{ID: id})
}

func (s *Server) getWork(w http.ResponseWriter, r *http.Request) {
	it, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, itemJSON(it))
}

func (s *Server) listWork(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", 400)
			return
		}
		limit = n
	}
	items, err := s.store.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		out = append(out, itemJSON(it))
	}
	writeJSON(w, 200, out)
}

type runReq struct {
	Kind      string `json:"kind"`
	BatchSize int    `json:"batch_size"`
}

type runResp struct {
	Attempted int   `json:"attempted"`
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
	ElapsedMs int64 `json:"elapsed_ms"`
}

func (s *Server) runOnce(w http.ResponseWriter, r *http.Request) {
	var req runReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.BatchSize <= 0 {
		req.BatchSize = 50
	}

	sum, err := s.runner.RunOnce(r.Context(), req.Kind, req.BatchSize)
	if errors.Is(err, domain.ErrUnknownKind) {
		http.Error(w, err.Error(), 400)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, runResp{
		Attempted: sum.Attempted,
		Succeeded: sum.Succeeded,
		Failed:    sum.Failed,
		ElapsedMs: sum.Elapsed.Milliseconds(),
	})
}

func itemJSON(it domain.WorkItem) map[string]any {
	m := map[string]any{
		"id":            it.ID,
		"kind":          it.Kind,
		"subject_ref":   it.SubjectRef,
		"status":        it.Status,
		"attempt_count": it.AttemptCount,
		"max_attempts":  it.MaxAttempts,
		"priority":      it.Priority,
		"created_at":    it.CreatedAt,
	}
	if it.LastError != nil {
		m["last_error"] = *it.LastError
	}
	return m
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
