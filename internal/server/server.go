// Package server exposes a local HTTP control endpoint for the daemon.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"rsched/internal/sched"
)

const shutdownTimeout = 5 * time.Second

// Controller is the part of the scheduler the endpoint drives.
type Controller interface {
	Trigger()
	RunNow(ctx context.Context, id string) error
	CheckNow(ctx context.Context) error
	Report(ctx context.Context) (*sched.Report, error)
}

// Server serves health, status, metrics and trigger routes.
type Server struct {
	ctrl      Controller
	metrics   http.Handler
	logger    sched.Logger
	startedAt time.Time
}

// New creates a Server. metrics may be nil, in which case /metrics is not mounted.
func New(ctrl Controller, metrics http.Handler, logger sched.Logger) *Server {
	return &Server{ctrl: ctrl, metrics: metrics, logger: logger, startedAt: time.Now()}
}

// Router builds the chi mux with all routes wired.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	r.Post("/trigger", s.handleTrigger)
	r.Post("/check", s.handleCheck)
	r.Post("/directories/{id}/run", s.handleRunNow)
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("control endpoint listening", "addr", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DirectoryStatus is one directory in the GET /status response.
type DirectoryStatus struct {
	ID        string     `json:"id"`
	Path      string     `json:"path"`
	Enabled   string     `json:"enabled"`
	Frequency string     `json:"frequency"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Uptime            time.Duration     `json:"uptime_seconds"`
	Queued            int               `json:"queued"`
	WorkerAlive       bool              `json:"worker_alive"`
	LastFullCheck     *time.Time        `json:"last_full_check,omitempty"`
	FullCheckSegment  int               `json:"full_check_segment"`
	LastAutoDiscovery *time.Time        `json:"last_auto_discovery,omitempty"`
	Directories       []DirectoryStatus `json:"directories"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rep, err := s.ctrl.Report(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	resp := StatusResponse{
		Uptime:            time.Since(s.startedAt).Truncate(time.Second) / time.Second,
		Queued:            rep.Queued,
		WorkerAlive:       rep.WorkerAlive,
		LastFullCheck:     optionalTime(rep.State.LastFullCheck),
		FullCheckSegment:  rep.State.Segment,
		LastAutoDiscovery: optionalTime(rep.State.LastAutoDiscovery),
		Directories:       make([]DirectoryStatus, 0, len(rep.Directories)),
	}
	for _, d := range rep.Directories {
		resp.Directories = append(resp.Directories, DirectoryStatus{
			ID:        d.ID,
			Path:      d.Path,
			Enabled:   string(d.Enabled),
			Frequency: sched.FormatFrequency(d.Frequency),
			LastRun:   optionalTime(d.LastRun),
			NextRun:   optionalTime(d.NextRun),
			Error:     d.Error,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrigger(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Trigger()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.CheckNow(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.ctrl.RunNow(r.Context(), id)
	switch {
	case errors.Is(err, sched.ErrDirectoryNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case err != nil:
		s.writeError(w, http.StatusServiceUnavailable, err)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.logger.Warn("control request failed", "status", code, "error", err)
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
