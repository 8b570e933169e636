package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/halcyon-ai/halcyon/internal/auth"
	"github.com/halcyon-ai/halcyon/internal/ratelimit"
)

// Server is the Halcyon HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Config holds all dependencies and configuration for creating a Server.
type Config struct {
	Handlers *Handlers
	Verifier *auth.AdminVerifier
	Limiter  ratelimit.Limiter // nil disables rate limiting
	Logger   *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := cfg.Handlers

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	submitRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)
	adminOnly := requireAdmin(cfg.Verifier)

	mux := http.NewServeMux()

	// Run lifecycle (rate limited by client IP on submission paths).
	mux.Handle("POST /v1/runs", submitRL(http.HandlerFunc(h.HandleCreateRun)))
	mux.Handle("GET /v1/runs/{run_id}", http.HandlerFunc(h.HandleGetRun))
	mux.Handle("GET /v1/runs/{run_id}/cost", http.HandlerFunc(h.HandleGetRunCost))
	mux.Handle("POST /v1/runs/{run_id}/events", submitRL(http.HandlerFunc(h.HandleRecordCostEvent)))

	// Admin surface (X-Admin-Key, no rate limit).
	mux.Handle("POST /v1/admin/breakers", adminOnly(http.HandlerFunc(h.HandleAdminBreakers)))
	mux.Handle("GET /v1/admin/queue", adminOnly(http.HandlerFunc(h.HandleAdminQueueGet)))
	mux.Handle("POST /v1/admin/queue", adminOnly(http.HandlerFunc(h.HandleAdminQueuePost)))

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → body cap → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	if cfg.MaxRequestBodyBytes > 0 {
		handler = maxBodyMiddleware(cfg.MaxRequestBodyBytes, handler)
	}
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
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

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
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
