package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/privatedb/agent/pkg/config"
	"github.com/privatedb/agent/pkg/runtime"
)

// Server is the HTTP server wrapping the handler set with the middleware
// chain: request id, CORS, access log, then the per-IP rate limiter.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer assembles the middleware chain around the routed mux.
func NewServer(cfg *config.Config, pipeline *Pipeline, rt *runtime.Provider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	handlers := NewHandlers(cfg, pipeline, rt)
	var handler http.Handler = handlers.Routes()

	limiter := NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	handler = limiter.Middleware(handler)
	handler = WithRecover(logger, handler)
	handler = WithAccessLog(logger, handler)
	handler = WithCORS(handler)
	handler = WithRequestID(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           handler,
			ReadHeaderTimeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
