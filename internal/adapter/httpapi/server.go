// Package httpapi exposes the assistant over HTTP: synchronous JSON,
// server-sent events, WebSocket push and chunk polling.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"crm-copilot/internal/infra/middleware"
)

// ServerConfig holds listener and rate limit settings.
type ServerConfig struct {
	Addr           string
	RateLimitRPM   int
	RateLimitBurst int
}

// Server is the HTTP front of the assistant.
type Server struct {
	cfg       ServerConfig
	handler   *Handler
	logger    *slog.Logger
	httpSrv   *http.Server
	boundAddr string
	cancel    context.CancelFunc
}

// NewServer creates a server for h.
func NewServer(cfg ServerConfig, h *Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{cfg: cfg, handler: h, logger: logger}
}

// Routes returns the fully wrapped handler. ctx bounds the rate limiter's
// cleanup goroutine.
func (s *Server) Routes(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/assist", s.handler.handleAssist)
	mux.HandleFunc("POST /api/v1/assist/stream", s.handler.handleStream)
	mux.HandleFunc("GET /api/v1/assist/ws", s.handler.handleWebSocket)
	mux.HandleFunc("POST /api/v1/assist/poll", s.handler.handleStartPoll)
	mux.HandleFunc("GET /api/v1/assist/poll/{id}", s.handler.handlePoll)
	mux.HandleFunc("GET /api/v1/health", s.handler.handleHealth)
	mux.HandleFunc("GET /metrics", s.handler.handleMetrics)

	limited := middleware.RateLimitWithConfig(ctx, middleware.RateLimitConfig{
		RequestsPerMin: s.cfg.RateLimitRPM,
		BurstSize:      s.cfg.RateLimitBurst,
		OnLimited: func(r *http.Request) {
			s.handler.metrics.RateLimited.Add(1)
		},
	})(mux)
	return middleware.AccessLog(s.logger)(middleware.SecurityHeaders(limited))
}

// Start listens and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.boundAddr = ln.Addr().String()

	s.httpSrv = &http.Server{
		Handler:           s.Routes(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		s.logger.Info("http server started", "addr", s.boundAddr)
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// BoundAddr returns the address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }
