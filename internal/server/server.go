// ABOUTME: Server orchestrator wiring registry, catalog, broker, and HTTP endpoints.
// ABOUTME: Owns listener lifecycle and graceful shutdown ordering.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaylabs/mcp-relay/internal/auth"
	"github.com/relaylabs/mcp-relay/internal/broker"
	"github.com/relaylabs/mcp-relay/internal/config"
	"github.com/relaylabs/mcp-relay/internal/registry"
	"github.com/relaylabs/mcp-relay/internal/stats"
)

// Server hosts the WebSocket relay endpoints and the health/stats API on a
// single HTTP listener.
type Server struct {
	config   *config.Config
	logger   *slog.Logger
	resolver auth.Resolver

	registry *registry.Registry
	catalog  *registry.Catalog
	broker   *broker.Broker
	stats    *stats.Reporter

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// New wires a Server from configuration. Observer order matters: the
// catalog must see unregistration before the broker so that stale tools are
// gone by the time pending calls are failed.
func New(cfg *config.Config, logger *slog.Logger) *Server {
	reg := registry.New(logger)
	cat := registry.NewCatalog(logger)
	brk := broker.New(broker.Config{
		Registry:         reg,
		Catalog:          cat,
		Logger:           logger.With("component", "broker"),
		CallTimeout:      cfg.Broker.CallTimeout,
		BroadcastTimeout: cfg.Broker.BroadcastTimeout,
	})
	reg.AddObserver(cat)
	reg.AddObserver(brk)

	s := &Server{
		config:   cfg,
		logger:   logger,
		resolver: auth.NewResolver(cfg.Auth.JWTSecret),
		registry: reg,
		catalog:  cat,
		broker:   brk,
		stats:    stats.NewReporter(reg, cat),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents and robots connect from arbitrary origins; auth is
			// the token, not the Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler serving all endpoints. Exposed so tests
// can mount it on an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp_endpoint/mcp/", s.handleProviderWS)
	mux.HandleFunc("/mcp_endpoint/call/", s.handleClientWS)
	mux.HandleFunc("/mcp_endpoint/health", s.handleHealth)
	mux.HandleFunc("/mcp_endpoint/stats", s.handleStats)
	mux.HandleFunc("/mcp_endpoint/", s.handleInfo)
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// Broker exposes the routing core for inspection in tests.
func (s *Server) Broker() *broker.Broker { return s.broker }

// Run starts the listener and blocks until the context is canceled or the
// server fails, then performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Server.ListenAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already
// canceled by the time shutdown begins.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops accepting connections, cancels pending routing state, and
// closes every live WebSocket.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.broker.Close()
	s.registry.CloseAll()
	s.logger.Info("server stopped")
	return err
}
