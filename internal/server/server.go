// Package server exposes the ingestion pipeline and its records over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/imagefilter/internal/ingest"
	"github.com/sells-group/imagefilter/internal/metrics"
	"github.com/sells-group/imagefilter/internal/model"
	"github.com/sells-group/imagefilter/internal/store"
)

// BatchRunner runs one batch of events.
type BatchRunner interface {
	Run(ctx context.Context, events []model.Event) (*model.BatchResult, error)
}

// Deps are the collaborators the API serves. Metrics and Stream are
// optional.
type Deps struct {
	Runner  BatchRunner
	Store   store.Store
	Metrics *metrics.Metrics
	Stream  http.Handler
}

// Options tunes the API.
type Options struct {
	CORSOrigins []string
	// MaxUploadBytes bounds request bodies on the ingest endpoints.
	MaxUploadBytes int64
	// RunTimeout bounds one batch started from a request. Zero means no
	// limit beyond the client's connection.
	RunTimeout time.Duration
}

const defaultMaxUpload = 64 << 20

// Server holds the HTTP handlers.
type Server struct {
	deps Deps
	opts Options
}

// New creates a Server.
func New(deps Deps, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUpload
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	return &Server{deps: deps, opts: opts}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	// Upload endpoint kept for existing senders.
	r.Post("/crowd4sdg/start", s.handleUpload)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/batches", s.handleBatch)
		r.Post("/batches/upload", s.handleUpload)
		r.Get("/runs", s.handleListRuns)
		r.Get("/records", s.handleListRecords)
		r.Get("/records/export", s.handleExport)
		r.Get("/records/{id}", s.handleGetRecord)
		r.Get("/watermark", s.handleWatermark)
		if s.deps.Stream != nil {
			r.Method(http.MethodGet, "/stream", s.deps.Stream)
		}
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("server: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("server: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps pipeline and ingest errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrMalformedEvent),
		errors.Is(err, model.ErrUnknownDisasterType),
		errors.Is(err, ingest.ErrEmptyBatch):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
