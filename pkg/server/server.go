// Package server exposes a Broker over HTTP: client channels arrive as
// websocket upgrades and a health endpoint reports broker stats.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/billm/switchboard/internal/config"
	"github.com/billm/switchboard/internal/logger"
	"github.com/billm/switchboard/pkg/broker"
	"github.com/billm/switchboard/pkg/channel"
	"github.com/billm/switchboard/pkg/types"
)

const (
	// HealthPath reports broker stats as JSON
	HealthPath = "/healthz"

	pingInterval = 30 * time.Second
)

// Server accepts client channels for a broker.
type Server struct {
	cfg      config.ServerConfig
	broker   *broker.Broker
	logger   *logger.Logger
	upgrader websocket.Upgrader
	http     *http.Server
	wsOpts   channel.WebSocketOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// New creates a server for b. The broker is closed when the server is.
func New(cfg config.ServerConfig, writeTimeout time.Duration, b *broker.Broker, log *logger.Logger) (*Server, error) {
	if b == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "broker is required")
	}
	if log == nil {
		log = logger.NewNop()
	}

	s := &Server{
		cfg:    cfg,
		broker: b,
		logger: log.With("component", "server"),
		wsOpts: channel.WebSocketOptions{WriteTimeout: writeTimeout, PingInterval: pingInterval},
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: originChecker(cfg.AllowedOrigins)}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// originChecker returns nil for an empty list, which leaves gorilla's
// same-origin check in place. "*" admits every origin.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleChannel)
	mux.HandleFunc(HealthPath, s.handleHealth)
	return mux
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ch := channel.NewWebSocket(conn, s.wsOpts)
	s.logger.Debug("Client connected", "remote", r.RemoteAddr, "channel_id", ch.ID())
	if err := s.broker.Serve(s.ctx, ch); err != nil {
		s.logger.Warn("Channel rejected", "channel_id", ch.ID(), "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.broker.Stats()); err != nil {
		s.logger.Debug("Failed to write health response", "error", err)
	}
}

// ListenAndServe listens on the configured address and serves until Close.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to listen on "+s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close. It returns nil after a
// clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return types.NewError(types.ErrCodeUnavailable, "server is closed")
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Server listening", "addr", ln.Addr().String(), "path", s.cfg.Path)
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return types.WrapError(types.ErrCodeInternal, "server failed", err)
	}
	return nil
}

// Addr returns the listening address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections, disconnects every channel and
// closes the broker.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.logger.Info("Shutting down server")

	// Upgraded connections are hijacked, so http.Server.Shutdown does not
	// wait for them; canceling ctx ends their Serve loops.
	httpErr := s.http.Shutdown(ctx)
	s.cancel()
	brokerErr := s.broker.Close()

	if httpErr != nil {
		return types.WrapError(types.ErrCodeInternal, "http shutdown failed", httpErr)
	}
	return brokerErr
}

// Close shuts the server down within the configured shutdown timeout.
func (s *Server) Close() error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(ctx)
}
