package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tracklab/tracklab/internal/storage"
)

// Server is the local tracklab backend HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	Store  *storage.Store
	Buffer *MetricBuffer
	Logger *slog.Logger

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:   cfg.Store,
		Buffer:  cfg.Buffer,
		Logger:  cfg.Logger,
		Version: cfg.Version,
	})

	mux := http.NewServeMux()

	// Run lifecycle.
	mux.HandleFunc("POST /api/v1/runs", h.HandleUpsertRun)
	mux.HandleFunc("GET /api/v1/runs", h.HandleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("PATCH /api/v1/runs/{run_id}", h.HandlePatchRun)

	// Metric ingest and readback.
	mux.HandleFunc("POST /api/v1/runs/{run_id}/metrics", h.HandleAppendMetrics)
	mux.HandleFunc("GET /api/v1/runs/{run_id}/metrics", h.HandleListMetrics)

	// File records.
	mux.HandleFunc("POST /api/v1/runs/{run_id}/files", h.HandleUpsertFile)
	mux.HandleFunc("GET /api/v1/runs/{run_id}/files", h.HandleListFiles)

	// Projects.
	mux.HandleFunc("GET /api/v1/projects", h.HandleListProjects)

	// Health (no logging noise filter; local deployments poll this rarely).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
