// Package httpapi exposes an optional HTTP surface over a store.Store:
// /health, a key/value API on /api/kv (GET, PUT and DELETE, so it can
// write as well as read) for manual inspection, plus /stats and
// /debug/segments introspection endpoints, in the same chi-router,
// JSON-response shape this lineage's own HTTP server uses, narrowed to
// a single embedded store with no cluster, raft, or sharding layer
// beneath it.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"lsmdb/pkg/segment"
	"lsmdb/pkg/store"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = 5 * time.Second
)

// Server is the HTTP front end for one open store.Store.
type Server struct {
	db         *store.Store
	httpServer *http.Server
	addr       string
}

// NewServer returns a Server bound to addr (e.g. ":8080") over db.
func NewServer(db *store.Store, addr string) *Server {
	return &Server{db: db, addr: addr}
}

// Start begins serving in the background. Call Stop to shut down.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router(),
		ReadHeaderTimeout: time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("httpapi server error", "error", err)
		}
	}()
	slog.Info("httpapi server started", "addr", s.addr)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("httpapi: shutdown: %w", err)
	}
	return nil
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/api/kv", s.handleGet)
	r.Put("/api/kv", s.handlePut)
	r.Delete("/api/kv", s.handleDelete)
	r.Get("/stats", s.handleStats)
	r.Get("/debug/segments", s.handleSegments)
	return r
}

type apiResponse struct {
	Status string `json:"status"`
	Value  string `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("httpapi: encode response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, apiResponse{Status: "ok"})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, apiResponse{Status: "error", Error: "missing key"})
		return
	}
	val, found, err := s.db.Get([]byte(key), nil)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, apiResponse{Status: "error", Error: err.Error()})
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, apiResponse{Status: "error", Error: "not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, apiResponse{Status: "ok", Value: string(val)})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, apiResponse{Status: "error", Error: err.Error()})
		return
	}
	key, value := r.Form.Get("key"), r.Form.Get("value")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, apiResponse{Status: "error", Error: "missing key"})
		return
	}
	if err := s.db.Put([]byte(key), []byte(value)); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, apiResponse{Status: "error", Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, apiResponse{Status: "ok"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, apiResponse{Status: "error", Error: "missing key"})
		return
	}
	if err := s.db.Delete([]byte(key)); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, apiResponse{Status: "error", Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, apiResponse{Status: "ok"})
}

type hotLeafView struct {
	LeafMaxKey   string  `json:"leaf_max_key"`
	ReadHotness  float64 `json:"read_hotness"`
	WriteHotness float64 `json:"write_hotness"`
	NumRuns      int     `json:"num_runs"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	candidates := s.db.Stats().TopHotLeaves(100)
	views := make([]hotLeafView, 0, len(candidates))
	for _, c := range candidates {
		views = append(views, hotLeafView{
			LeafMaxKey:   string(c.LeafMaxKey),
			ReadHotness:  c.ReadHotness,
			WriteHotness: c.WriteHotness,
			NumRuns:      c.NumRuns,
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

type segmentView struct {
	ID          uint64 `json:"id"`
	Size        int64  `json:"size"`
	Invalidated int64  `json:"invalidated"`
	NumRuns     int    `json:"num_runs"`
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	var views []segmentView
	s.db.Segments().ForEachSegment(func(seg *segment.Segment) bool {
		views = append(views, segmentView{
			ID:          seg.ID,
			Size:        seg.Size,
			Invalidated: seg.Invalidated(),
			NumRuns:     len(seg.Handles),
		})
		return true
	})
	s.writeJSON(w, http.StatusOK, views)
}
