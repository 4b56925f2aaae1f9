// Package server exposes the order book over a small read-only JSON API.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/caesar-terminal/depthscope/internal/adapter"
	"github.com/caesar-terminal/depthscope/internal/book"
	"github.com/caesar-terminal/depthscope/internal/ingest"
)

// BookReader is the read side of *book.Book used by the handlers.
type BookReader interface {
	GetMetrics() book.Metrics
	DepthSnapshot(levels int) book.Depth
	Len() (bids, asks int)
	SpreadHistory() []book.NullFloat
	MidPriceHistory() []book.NullFloat
	ImbalanceHistory() []book.NullFloat
}

// HealthChecker reports whether the book can be trusted.
// *adapter.CircuitBreaker satisfies it.
type HealthChecker interface {
	Healthy() (bool, string)
}

// StatsProvider exposes ingestion counters. *ingest.BookHandler satisfies it.
type StatsProvider interface {
	Stats() ingest.Stats
}

// Deps are the components the handlers read from. Health, Feed and Stats
// are optional.
type Deps struct {
	Product string
	Book    BookReader
	Health  HealthChecker
	Feed    adapter.StateReader
	Stats   StatsProvider
}

// Server is the HTTP front end for one product's book.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// New registers all routes and wraps them in request logging.
func New(addr string, deps Deps, logger *zap.Logger) *Server {
	logger = logger.Named("http")
	h := &handlers{deps: deps, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.health)
	mux.HandleFunc("GET /api/metrics", h.metrics)
	mux.HandleFunc("GET /api/depth", h.depth)
	mux.HandleFunc("GET /api/history", h.history)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           logging(logger)(mux),
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
