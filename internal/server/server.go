// Package server mounts the MCP endpoint and its operational routes on a chi
// router and runs the HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/scrypster/helixmcp/web/handlers"
)

// Config holds the listener and middleware settings.
type Config struct {
	Addr        string
	APIToken    string
	CORSOrigins []string
	RateLimit   float64 // requests per second, 0 disables
	RateBurst   int
}

// Routes are the handlers mounted by the server. Nil handlers are skipped.
type Routes struct {
	MCP     http.Handler // POST /mcp
	Health  http.Handler // GET /health
	Metrics http.Handler // GET /metrics
	Events  http.Handler // GET /ws/events
}

// Server is the HTTP front end.
type Server struct {
	router chi.Router
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}
}

// New builds the router. /mcp and /ws/events require the bearer token when
// one is configured; /health and /metrics never do.
func New(cfg Config, routes Routes, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(handlers.SecurityHeaders)
	r.Use(corsMiddleware(cfg.CORSOrigins))

	var limiter *handlers.RateLimiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		limiter = handlers.NewRateLimiter(cfg.RateLimit, burst)
	}

	if routes.Health != nil {
		r.Method(http.MethodGet, "/health", routes.Health)
	}
	if routes.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", routes.Metrics)
	}
	if routes.MCP != nil {
		r.Handle("/mcp", handlers.RateLimitMiddleware(handlers.RequireAuth(routes.MCP, cfg.APIToken), limiter))
	}
	if routes.Events != nil {
		r.Method(http.MethodGet, "/ws/events", handlers.RequireAuth(routes.Events, cfg.APIToken))
	}

	return &Server{router: r, cfg: cfg, logger: logger, ready: make(chan struct{})}
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr blocks until Start has bound the listener and returns its address. It
// returns nil when binding failed.
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start runs the HTTP server and blocks until the context is cancelled,
// then performs graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		close(s.ready)
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	close(s.ready)

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("http transport listening", zap.String("addr", ln.Addr().String()))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}

	return <-errCh
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Mcp-Session-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
