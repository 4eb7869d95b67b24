// Package api exposes the HTTP interface for the crawler service.
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

	"github.com/JakeFAU/scopus-crawler/internal/config"
	"github.com/JakeFAU/scopus-crawler/internal/crawler"
	"github.com/JakeFAU/scopus-crawler/internal/metrics"
	"github.com/JakeFAU/scopus-crawler/internal/session"
)

const (
	requestTimeout = 60 * time.Second
	readyTimeout   = 2 * time.Second
)

// Sessions is the search lifecycle surface the handlers drive.
type Sessions interface {
	StartSearch(ctx context.Context, query string, categories []string) (crawler.Search, crawler.JobHandle, error)
	RestartSearch(ctx context.Context, id string, category *string) (crawler.Search, crawler.JobHandle, error)
	ResumeSearch(ctx context.Context, id string) (crawler.Search, crawler.JobHandle, error)
	DeleteSearch(ctx context.Context, id string) error
	GetSearch(ctx context.Context, id string) (crawler.Search, error)
	ListSearches(ctx context.Context, limit, offset int) ([]crawler.Search, error)
	ListPending(ctx context.Context) ([]session.PendingSearch, error)
	Results(ctx context.Context, id string) (session.Results, error)
	Runs(ctx context.Context, id string, limit, offset int) ([]crawler.SearchRun, error)
}

// AbstractFetcher looks up a document abstract upstream.
type AbstractFetcher interface {
	FetchAbstract(ctx context.Context, scopusID string) (string, error)
}

// ReadyCheck reports whether a downstream dependency is usable.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps bundles the collaborators behind the HTTP handlers. Abstracts may be
// nil, which disables the abstract passthrough.
type Deps struct {
	Sessions  Sessions
	Entries   crawler.EntryStore
	Reference crawler.ReferenceStore
	Abstracts AbstractFetcher
	Ready     []ReadyCheck
}

// Server wires HTTP handlers to the session manager and stores.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/searches", func(r chi.Router) {
			r.Post("/", s.createSearch)
			r.Get("/", s.listSearches)
			r.Route("/{search_id}", func(r chi.Router) {
				r.Get("/", s.getSearch)
				r.Delete("/", s.deleteSearch)
				r.Post("/restart", s.restartSearch)
				r.Post("/resume", s.resumeSearch)
				r.Get("/entries", s.listEntries)
				r.Get("/sources", s.sourceBreakdown)
				r.Get("/runs", s.listRuns)
			})
		})
		r.Get("/classifications", s.listClassifications)
		r.Get("/abstracts/{scopus_id}", s.getAbstract)
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

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	failures := map[string]string{}
	for _, rc := range s.deps.Ready {
		if err := rc.Check(ctx); err != nil {
			failures[rc.Name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failures", failures))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeServiceError maps domain errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		rateLimited *crawler.RateLimitError
		upstream    *crawler.UpstreamError
		transport   *crawler.TransportError
	)
	switch {
	case crawler.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, crawler.ErrSearchDeleted), errors.Is(err, crawler.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &rateLimited):
		if !rateLimited.ResetAt.IsZero() {
			w.Header().Set("Retry-After", rateLimited.ResetAt.UTC().Format(http.TimeFormat))
		}
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &upstream), errors.As(err, &transport):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
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
