// Package server exposes the HTTP API, the Prometheus endpoint and the
// WebSocket live feed.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/matchbook/internal/domain"
	"github.com/alanyoungcy/matchbook/internal/server/handler"
	"github.com/alanyoungcy/matchbook/internal/server/middleware"
	"github.com/alanyoungcy/matchbook/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr        string
	CORSOrigins []string
	// APIKeyHash is a bcrypt hash of the API key; empty disables auth.
	APIKeyHash      string
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates the route handlers. Optional handlers may be nil
// and their routes are then not registered.
type Handlers struct {
	Health   *handler.HealthHandler
	Status   *handler.StatusHandler
	Books    *handler.BookHandler
	Orders   *handler.OrderHandler
	Trades   *handler.TradeHandler
	Archives *handler.ArchiveHandler
	Events   *handler.EventHandler
	Metrics  http.Handler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	ready      chan struct{}
	addr       net.Addr
	logger     *slog.Logger
}

// NewServer registers routes and wraps them in CORS, logging, rate
// limiting and auth, outermost first.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	mux.HandleFunc("GET /api/statistics", handlers.Books.Statistics)
	mux.HandleFunc("GET /api/symbols", handlers.Books.ListSymbols)
	mux.HandleFunc("GET /api/orderbook", handlers.Books.ListBooks)
	mux.HandleFunc("GET /api/orderbook/{symbol}", handlers.Books.GetBook)

	mux.HandleFunc("POST /api/orders", handlers.Orders.PlaceOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", handlers.Orders.CancelOrder)
	mux.HandleFunc("GET /api/orders", handlers.Orders.ListOrders)
	mux.HandleFunc("GET /api/orders/{id}", handlers.Orders.GetOrder)

	mux.HandleFunc("GET /api/trades", handlers.Trades.ListTrades)

	if handlers.Archives != nil {
		mux.HandleFunc("GET /api/archives", handlers.Archives.ListArchives)
		mux.HandleFunc("POST /api/archives/run", handlers.Archives.TriggerArchive)
	}
	if handlers.Events != nil {
		mux.HandleFunc("GET /api/events", handlers.Events.Replay)
	}
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKeyHash, "/api/health", "/metrics")(h)
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateLimitWindow, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		ready:  make(chan struct{}),
		logger: logger,
	}
}

// Handler returns the full middleware chain, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address once Ready is closed.
func (s *Server) Addr() net.Addr { return s.addr }

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.httpServer.Addr, err)
	}
	s.addr = ln.Addr()
	close(s.ready)
	s.logger.Info("server: starting", slog.String("addr", s.addr.String()))

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests within the ctx deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
