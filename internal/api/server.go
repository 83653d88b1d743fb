// Package api exposes the HTTP and websocket interface for the clip
// progress service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whatsthattune/clipworks/internal/clock"
	"github.com/whatsthattune/clipworks/internal/clock/system"
	"github.com/whatsthattune/clipworks/internal/driver"
	"github.com/whatsthattune/clipworks/internal/estimator"
	"github.com/whatsthattune/clipworks/internal/hub"
	"github.com/whatsthattune/clipworks/internal/metrics"
	"github.com/whatsthattune/clipworks/internal/progress"
	"github.com/whatsthattune/clipworks/internal/retryq"
	"github.com/whatsthattune/clipworks/internal/store"
)

// StatusReader looks up the persisted state of a source URL.
type StatusReader interface {
	GetURLStatus(ctx context.Context, ownerID, url string) (store.URLState, string, error)
}

// Config controls the HTTP surface.
type Config struct {
	// RequestTimeout bounds plain HTTP handlers; the websocket route is
	// exempt because hijacked connections outlive it (default 60s).
	RequestTimeout time.Duration
	Clock          clock.Clock
	Logger         *zap.Logger
}

const defaultRequestTimeout = 60 * time.Second

// Server wires HTTP handlers to the hub, the job runner and the stores.
type Server struct {
	router    chi.Router
	hub       *hub.Hub
	runner    *driver.Runner
	estimator *estimator.Tracker
	queue     *retryq.Queue
	statuses  StatusReader
	clk       clock.Clock
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	cfg Config,
	h *hub.Hub,
	runner *driver.Runner,
	est *estimator.Tracker,
	queue *retryq.Queue,
	statuses StatusReader,
) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		hub:       h,
		runner:    runner,
		estimator: est,
		queue:     queue,
		statuses:  statuses,
		clk:       cfg.Clock,
		logger:    cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(cfg.Logger))
	r.Use(recoverMiddleware(cfg.Logger))

	// Hijacked websocket connections cannot live under the timeout
	// handler, so /ws mounts before it.
	r.Get("/ws", s.serveWS)

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))

		r.Get("/healthz", s.healthz)
		r.Get("/readyz", s.readyz)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())

		r.Route("/progress/{owner_id}", func(r chi.Router) {
			r.Get("/", s.getSnapshot)
			r.Post("/", s.putSnapshot)
			r.Delete("/", s.clearSnapshot)
			r.Get("/stats", s.getStats)
		})

		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Route("/{owner_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Post("/cancel", s.cancelJob)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"queue_depth": s.queue.Len(),
	})
}

// getSnapshot serves the last-value fallback for polling clients. 404
// means no snapshot is recorded for the owner.
func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "owner_id")
	evt, ok := s.hub.Snapshots().Get(ownerID)
	if !ok {
		writeError(w, http.StatusNotFound, "no progress recorded")
		return
	}
	writeJSON(w, http.StatusOK, evt)
}

// putSnapshot stores a progress event directly in the last-value slot.
// External drivers use it when they have no live connection to publish
// through.
func (s *Server) putSnapshot(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "owner_id")
	var evt progress.Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := evt.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	evt.OwnerID = ownerID
	s.hub.Publish(ownerID, evt)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearSnapshot(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "owner_id")
	s.hub.Snapshots().Delete(ownerID)
	writeJSON(w, http.StatusOK, map[string]string{"owner_id": ownerID, "status": "cleared"})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "owner_id")
	stats, ok := s.estimator.Stats(ownerID)
	if !ok {
		writeError(w, http.StatusNotFound, "no active session")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type submitJobRequest struct {
	OwnerID     string   `json:"owner_id"`
	PlaylistURL string   `json:"playlist_url"`
	SongCount   int      `json:"song_count"`
	ExtraArgs   []string `json:"extra_args"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job := driver.Job{
		OwnerID:     req.OwnerID,
		PlaylistURL: req.PlaylistURL,
		SongCount:   req.SongCount,
		ExtraArgs:   req.ExtraArgs,
	}
	correlationID, err := s.runner.Start(context.WithoutCancel(r.Context()), job)
	if err != nil {
		switch {
		case errors.Is(err, driver.ErrJobActive):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"owner_id":       job.OwnerID,
		"correlation_id": correlationID,
	})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "owner_id")
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url query parameter required")
		return
	}
	state, note, err := s.statuses.GetURLStatus(r.Context(), ownerID, url)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "url not tracked")
		return
	case err != nil:
		s.logger.Error("url status lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner_id": ownerID,
		"url":      url,
		"status":   state,
		"note":     note,
		"running":  s.runner.Running(ownerID),
	})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "owner_id")
	if !s.runner.Cancel(ownerID) {
		writeError(w, http.StatusNotFound, "no running job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner_id": ownerID, "status": "canceling"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			metrics.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
