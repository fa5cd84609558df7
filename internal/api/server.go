// Package api exposes the HTTP interface for the aggregator service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	googleuuid "github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prismnote/aggregator/internal/config"
	"github.com/prismnote/aggregator/internal/dispatcher"
	"github.com/prismnote/aggregator/internal/metrics"
	"github.com/prismnote/aggregator/internal/pipeline"
)

const enqueueTimeout = 5 * time.Second

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router     chi.Router
	jobs       pipeline.JobStore
	items      pipeline.ItemStore
	sources    pipeline.SourceRegistry
	dispatcher *dispatcher.Dispatcher
	idGen      pipeline.IDGenerator
	clock      pipeline.Clock
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobs pipeline.JobStore,
	items pipeline.ItemStore,
	sources pipeline.SourceRegistry,
	dispatch *dispatcher.Dispatcher,
	idGen pipeline.IDGenerator,
	clock pipeline.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		jobs:       jobs,
		items:      items,
		sources:    sources,
		dispatcher: dispatch,
		idGen:      idGen,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	r.Use(metrics.Middleware)
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/aggregates/refresh", func(r chi.Router) {
			r.Post("/", s.submitRefresh)
			r.Get("/{job_id}", s.getJob)
		})
		r.Post("/items/{item_id}/reanalyze", s.submitReanalyze)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type refreshResponse struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	Scope      string `json:"scope"`
	SourceID   string `json:"source_id,omitempty"`
	SourceSlug string `json:"source_slug,omitempty"`
	Message    string `json:"message"`
}

func (s *Server) submitRefresh(w http.ResponseWriter, r *http.Request) {
	scope := pipeline.JobScopeAll
	var source pipeline.Source
	if sourceID := r.URL.Query().Get("source_id"); sourceID != "" {
		if _, err := googleuuid.Parse(sourceID); err != nil {
			writeError(w, http.StatusBadRequest, "source_id must be a UUID")
			return
		}
		var err error
		source, err = s.sources.GetSource(r.Context(), sourceID)
		if err != nil {
			if errors.Is(err, pipeline.ErrSourceNotFound) {
				writeError(w, http.StatusNotFound, "source not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "source lookup failed")
			return
		}
		scope = pipeline.JobScopeSource
	}

	jobID, err := s.enqueueRefresh(r.Context(), scope, source)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, refreshResponse{
		JobID:      jobID,
		Status:     string(pipeline.JobStatusQueued),
		Scope:      string(scope),
		SourceID:   source.ID,
		SourceSlug: source.Slug,
		Message:    "refresh queued",
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) submitReanalyze(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "item_id")
	item, err := s.items.GetItem(r.Context(), itemID)
	if err != nil {
		if errors.Is(err, pipeline.ErrItemNotFound) {
			writeError(w, http.StatusNotFound, "item not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "item lookup failed")
		return
	}
	if item.AnalysisStatus == pipeline.AnalysisRunning {
		writeJSON(w, http.StatusConflict, map[string]string{
			"message": "analysis already running for this item",
		})
		return
	}

	queueCtx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	err = s.dispatcher.Enqueue(queueCtx, pipeline.QueueItem{
		Kind:      pipeline.TaskReanalyze,
		ItemID:    item.ID,
		SourceID:  item.SourceID,
		Submitted: s.clock.Now().Unix(),
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "enqueue reanalysis: "+err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "reanalysis queued",
		"item_id": item.ID,
	})
}

func (s *Server) enqueueRefresh(ctx context.Context, scope pipeline.JobScope, source pipeline.Source) (string, error) {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := pipeline.Job{
		ID:         jobID,
		Scope:      scope,
		SourceID:   source.ID,
		SourceSlug: source.Slug,
		Status:     pipeline.JobStatusQueued,
		CreatedAt:  now,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	item := pipeline.QueueItem{
		Kind:      pipeline.TaskRefresh,
		JobID:     jobID,
		Scope:     scope,
		SourceID:  source.ID,
		Submitted: now.Unix(),
	}
	if err := s.dispatcher.Enqueue(queueCtx, item); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return jobID, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := googleuuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
