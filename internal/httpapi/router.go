// Package httpapi mounts the control-plane HTTP surface (§6): pipeline
// start/stop/restart/status/history, schedule CRUD, and a health endpoint.
// Routing is go-chi/chi, listed in the teacher's go.mod but never imported
// in its source; the teacher's own net/http.ServeMux router
// (applications/httpapi) supplies the handler/service shape this adapts.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/r3e-network/contributor-pipeline/domain/entity"
	"github.com/r3e-network/contributor-pipeline/internal/jobstore"
	"github.com/r3e-network/contributor-pipeline/internal/metrics"
	"github.com/r3e-network/contributor-pipeline/internal/scheduler"
)

// Server wires the control-plane handlers over JobStore and Scheduler.
type Server struct {
	jobs      *jobstore.JobStore
	scheduler *scheduler.Scheduler
	log       *logrus.Entry
	startedAt time.Time

	httpServer *http.Server
}

func NewServer(addr string, jobs *jobstore.JobStore, sched *scheduler.Scheduler, m *metrics.Metrics, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{jobs: jobs, scheduler: sched, log: log.WithField("component", "httpapi"), startedAt: time.Now().UTC()}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	if m != nil {
		r.Use(inFlightMiddleware(m))
		r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	}

	r.Post("/pipeline/start", s.handleStart)
	r.Post("/pipeline/stop", s.handleStop)
	r.Post("/pipeline/restart", s.handleRestart)
	r.Get("/pipeline/status", s.handleStatus)
	r.Get("/pipeline/history", s.handleHistory)

	r.Get("/schedules", s.handleListSchedules)
	r.Post("/schedules", s.handleCreateSchedule)
	r.Patch("/schedules/{id}", s.handleUpdateSchedule)
	r.Delete("/schedules/{id}", s.handleDeleteSchedule)
	r.Post("/schedules/{id}/trigger", s.handleTriggerSchedule)

	r.Get("/health", s.handleHealth)

	s.httpServer = &http.Server{Addr: addr, Handler: r}
	return s
}

// inFlightMiddleware tracks HTTPInFlight across the whole request lifecycle,
// including /metrics itself, so scrapers see their own concurrency too.
func inFlightMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.HTTPInFlight.Inc()
			defer m.HTTPInFlight.Dec()
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("handled request")
	})
}

// ListenAndServe blocks serving the control plane until Shutdown is called
// (then it returns nil) or an unrecoverable listener error occurs.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, response{Success: false, Message: message})
}

func parsePipelineType(raw string) (entity.PipelineType, bool) {
	t := entity.PipelineType(raw)
	return t, t.IsValid()
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
