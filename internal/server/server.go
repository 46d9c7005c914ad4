// Package server exposes the job, graph, agent and lease APIs over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/foundryci/foundry/internal/agentdir"
	"github.com/foundryci/foundry/internal/dispatch"
	"github.com/foundryci/foundry/internal/event"
	"github.com/foundryci/foundry/internal/graph"
	"github.com/foundryci/foundry/internal/jobstore"
)

// Server is the HTTP front of the farm.
type Server struct {
	coord  *jobstore.Coordinator
	graphs graph.Store
	agents *agentdir.Memory
	queue  *dispatch.Queue
	events *event.Fanout
	log    *slog.Logger

	httpServer *http.Server
	router     chi.Router
}

// New wires the handlers over the coordinator and its collaborators.
func New(coord *jobstore.Coordinator, graphs graph.Store, agents *agentdir.Memory, queue *dispatch.Queue, events *event.Fanout, log *slog.Logger, bindAddr string) *Server {
	if log == nil {
		log = slog.Default()
	}
	srv := &Server{
		coord:  coord,
		graphs: graphs,
		agents: agents,
		queue:  queue,
		events: events,
		log:    log,
	}
	srv.router = srv.buildRouter()
	// h2c lets agents multiplex the long poll and status updates over one
	// cleartext connection; plain HTTP/1 clients pass through untouched.
	srv.httpServer = &http.Server{
		Addr:    bindAddr,
		Handler: h2c.NewHandler(srv.router, &http2.Server{}),
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.structuredLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Jobs
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/search", s.handleSearchJobs)
		r.Post("/jobs/{id}/abort", s.handleAbortJob)
		r.Delete("/jobs/{id}", s.handleDeleteJob)
		r.Post("/jobs/{id}/batches/{batchID}", s.handleUpdateBatch)
		r.Post("/jobs/{id}/batches/{batchID}/steps/{stepID}", s.handleUpdateStep)

		// Graphs
		r.Post("/graphs", s.handleRegisterGraph)
		r.Get("/graphs/{hash}", s.handleGetGraph)

		// Agents
		r.Post("/agents", s.handleRegisterAgent)
		r.Get("/agents", s.handleListAgents)
		r.Post("/agents/{id}/heartbeat", s.handleHeartbeat)
		r.Post("/agents/{id}/conform", s.handleConformComplete)
		r.Post("/agents/{id}/work", s.handleRequestWork)
		r.Post("/agents/{id}/cancelwait", s.handleCancelWait)

		// Leases
		r.Post("/leases/{id}/outcome", s.handleLeaseOutcome)

		// Events
		r.Get("/events", s.handleEvents)
	})

	r.Get("/healthz", s.handleHealthz)

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.log.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the h2c-wrapped http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// JSON helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

// writeStoreError maps the store's error taxonomy onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case jobstore.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error(), "not_found")
	case jobstore.IsConflict(err):
		writeError(w, http.StatusConflict, err.Error(), "conflict")
	case jobstore.IsRetryLimit(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error(), "retry_limit")
	case jobstore.IsInvalid(err):
		writeError(w, http.StatusBadRequest, err.Error(), "invalid")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "internal")
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
