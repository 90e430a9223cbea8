package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/docpipeline/internal/blobstore"
	"github.com/ashita-ai/docpipeline/internal/queue"
	"github.com/ashita-ai/docpipeline/internal/storage"
)

// Server is the document pipeline's HTTP API server.
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

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	DB        *storage.DB
	Blobs     blobstore.Store
	Publisher queue.Publisher
	Logger    *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string // ["*"] permits all.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:        cfg.DB,
		Blobs:     cfg.Blobs,
		Publisher: cfg.Publisher,
		Logger:    cfg.Logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("POST /api/documents/upload", h.HandleUpload)
	mux.HandleFunc("GET /api/documents", h.HandleList)
	mux.HandleFunc("GET /api/documents/search", h.HandleSearch)
	mux.HandleFunc("GET /api/documents/{id}", h.HandleGet)
	mux.HandleFunc("GET /api/documents/{id}/download", h.HandleDownload)
	mux.HandleFunc("GET /api/documents/{id}/ocr", h.HandleOCR)
	mux.HandleFunc("DELETE /api/documents/{id}", h.HandleDelete)
	mux.HandleFunc("PATCH /api/documents/{id}/classification", h.HandleCorrectClassification)
	mux.HandleFunc("POST /api/documents/{id}/retry", h.HandleRetry)

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → metrics → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = metricsMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  2 * cfg.ReadTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests. Blocks until the server stops; returns
// http.ErrServerClosed on a graceful Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
