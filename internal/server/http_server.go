// Package server constructs and runs the relaychat HTTP service, which owns
// the registry, the live session table and the metrics.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"
)

// Server is the chat server process state.
type Server struct {
	cfg      Config
	log      logr.Logger
	clock    clock.Clock
	registry *Registry
	sessions *sessionTable
	metrics  *Metrics
	gatherer prometheus.Gatherer
	origins  *originPolicy
	upgrader websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
}

// Option customizes a Server.
type Option func(*Server)

// WithClock replaces the clock used for rate limiting and accept backoff.
func WithClock(clk clock.Clock) Option {
	return func(s *Server) { s.clock = clk }
}

// WithPrometheusRegistry registers the server metrics with reg instead of a
// private registry and serves reg on /metrics.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.gatherer = reg }
}

// New creates a Server from cfg. cfg is sanitized first.
func New(cfg Config, log logr.Logger, opts ...Option) *Server {
	cfg = cfg.Sanitize()
	s := &Server{
		cfg:      cfg,
		log:      log,
		clock:    clock.RealClock{},
		registry: NewRegistry(cfg.RegistryShards),
		sessions: newSessionTable(),
	}
	for _, opt := range opts {
		opt(s)
	}

	reg, ok := s.gatherer.(*prometheus.Registry)
	if !ok || reg == nil {
		reg = prometheus.NewRegistry()
		s.gatherer = reg
	}
	s.metrics = NewMetrics(reg)

	s.origins = newOriginPolicy(cfg.AllowedOrigins, log)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      s.origins.checkOrigin,
	}
	return s
}

// Config returns the sanitized configuration.
func (s *Server) Config() Config { return s.cfg }

// Registry returns the membership registry.
func (s *Server) Registry() *Registry { return s.registry }

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Lookup resolves a connection ID to a live connection, logged in or not.
func (s *Server) Lookup(id uint64) (*Connection, bool) { return s.sessions.Lookup(id) }

// ActiveConnections returns the number of live connections.
func (s *Server) ActiveConnections() int { return s.sessions.Len() }

// CreateServer creates and configures an HTTP server with the specified
// address and handler, with reasonable timeouts for the non-WebSocket routes.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Addr returns host:port for the configured address and port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Address, s.cfg.Port)
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	httpServer := CreateServer(ln.Addr().String(), s.Routes())
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	s.log.Info("Server listening", "addr", ln.Addr().String())
	err := httpServer.Serve(NewAcceptor(ln, s.log.WithName("acceptor"), s.clock, s.metrics))
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting, closes every live connection and waits for their
// sessions to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down server")

	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()

	var httpErr error
	if httpServer != nil {
		httpErr = httpServer.Shutdown(ctx)
		if httpErr != nil {
			s.log.Error(httpErr, "HTTP server shutdown error")
		}
	}

	closed := s.sessions.closeAll()
	s.log.Info("Closed client connections", "count", closed)

	if !s.sessions.wait(ctx) {
		s.log.Info("Shutdown timeout reached, some connections may still be running")
		return ctx.Err()
	}
	s.log.Info("Server shutdown completed")
	return httpErr
}

// serveConnection runs one upgraded WebSocket until the session ends.
func (s *Server) serveConnection(ws *websocket.Conn) {
	session := uuid.NewString()
	log := s.log.WithValues("session", session, "remote", ws.RemoteAddr().String())
	stream := newWSStream(ws, s.cfg.Keepalive, s.cfg.MaxMessageSize, log)

	c, ok := s.sessions.allocate(func(id uint64) *Connection {
		limiter := newRateLimiter(s.clock, s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval)
		return newConnection(id, session, stream, s.registry, s.metrics, limiter,
			connOptionsFrom(s.cfg), log.WithValues("conn", id))
	})
	if !ok {
		log.Info("Rejecting connection during shutdown")
		_ = stream.Close()
		return
	}
	defer s.sessions.release(c.ID())

	s.metrics.ActiveConnections.Inc()
	defer s.metrics.ActiveConnections.Dec()

	log.V(1).Info("Connection opened", "conn", c.ID())
	c.Run()
	log.V(1).Info("Connection finished", "conn", c.ID())
}
