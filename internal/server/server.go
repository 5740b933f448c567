// Package server is the backend HTTP API: job submission and lifecycle,
// spec/queue/worker administration, the node-status ingress agents report
// to, live log tailing and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ehrlich-b/dispatch/internal/engine"
	"github.com/ehrlich-b/dispatch/internal/ingest"
	"github.com/ehrlich-b/dispatch/internal/jobs"
	"github.com/ehrlich-b/dispatch/internal/storage"
	"github.com/ehrlich-b/dispatch/internal/workers"
)

// Server wires the HTTP API to the backend services.
type Server struct {
	store    storage.Storage
	jobs     *jobs.Service
	engine   *engine.Engine
	workers  *workers.Manager
	consumer *ingest.Consumer
	metrics  *Metrics
	logger   *slog.Logger
}

// New builds a server. consumer may be nil in tests that do not ingest.
func New(store storage.Storage, jobSvc *jobs.Service, eng *engine.Engine, mgr *workers.Manager, consumer *ingest.Consumer, metrics *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if eng != nil {
		metrics.ObserveQueueDepths(eng.QueueDepths)
	}
	return &Server{
		store:    store,
		jobs:     jobSvc,
		engine:   eng,
		workers:  mgr,
		consumer: consumer,
		metrics:  metrics,
		logger:   logger,
	}
}

// Router builds the full API surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/", s.handleListJobs)
			r.Get("/statistics", s.handleJobStatistics)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Delete("/", s.handleDeleteJob)
				r.Post("/cancel", s.handleCancelJob)
				r.Post("/retry", s.handleRetryJob)
				r.Get("/logs", s.handleJobLogs)
				r.Get("/logs/tail", s.handleJobLogTail)
			})
		})

		r.Route("/specs", func(r chi.Router) {
			r.Post("/", s.handleCreateSpec)
			r.Get("/", s.handleListSpecs)
			r.Get("/{id}", s.handleGetSpec)
			r.Put("/{id}", s.handleUpdateSpec)
			r.Delete("/{id}", s.handleDeleteSpec)
		})

		r.Route("/queues", func(r chi.Router) {
			r.Post("/", s.handleCreateQueue)
			r.Get("/", s.handleListQueues)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetQueue)
				r.Put("/", s.handleUpdateQueue)
				r.Delete("/", s.handleDeleteQueue)
				r.Post("/start", s.queueStateHandler("started"))
				r.Post("/stop", s.queueStateHandler("stopped"))
				r.Post("/pause", s.queueStateHandler("paused"))
				r.Get("/workers", s.handleListQueueWorkers)
				r.Post("/workers/{workerID}", s.handleAssignWorker)
				r.Delete("/workers/{workerID}", s.handleUnassignWorker)
			})
		})

		r.Route("/workers", func(r chi.Router) {
			r.Post("/", s.handleCreateWorker)
			r.Get("/", s.handleListWorkers)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetWorker)
				r.Put("/", s.handleUpdateWorker)
				r.Delete("/", s.handleDeleteWorker)
				r.Post("/start", s.workerActionHandler((*workers.Manager).Start))
				r.Post("/stop", s.workerActionHandler((*workers.Manager).Stop))
				r.Post("/pause", s.workerActionHandler((*workers.Manager).Pause))
				r.Post("/resume", s.workerActionHandler((*workers.Manager).Resume))
				r.Get("/deployment", s.handleWorkerDeployment)
			})
		})

		r.Post("/node/status", s.handleNodeStatus)
	})

	return r
}

// Run serves the API until the context is cancelled.
func (s *Server) Run(ctx context.Context, listen string) error {
	srv := &http.Server{Addr: listen, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("backend listening", "addr", listen)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// requestLogger tags each request with an id and logs its outcome.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeStoreError maps storage errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
