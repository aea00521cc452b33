// Package gateway implements the in-process message router: services connect
// over WebSocket, register their methods/events/subscriptions, and exchange
// frames. The gateway owns the routing table, the pending-request table, and
// event sequencing; services never talk to each other directly.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// Options configures the gateway server.
type Options struct {
	Host           string
	Port           int
	RequestTimeout time.Duration // per forwarded request (default 10s)
	PingInterval   time.Duration // transport liveness probe (default 30s)
	RateLimitRPM   int           // per-connection request budget; <=0 disables
	AllowedOrigins []string      // empty = allow all
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Host == "" {
		out.Host = "127.0.0.1"
	}
	if out.Port == 0 {
		out.Port = 9000
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 10 * time.Second
	}
	if out.PingInterval <= 0 {
		out.PingInterval = 30 * time.Second
	}
	return out
}

// Server accepts service connections and routes frames between them.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader

	registry *Registry
	router   *MethodRouter
	events   *eventHub
	pending  *pendingTable

	mu       sync.RWMutex
	conns    map[string]*conn
	shutdown bool

	pubMu sync.Mutex // serializes event seq assignment + fan-out enqueue

	httpServer *http.Server
}

// NewServer creates a gateway server with the given options.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:     opts.withDefaults(),
		registry: NewRegistry(),
		router:   NewMethodRouter(),
		events:   newEventHub(),
		conns:    make(map[string]*conn),
	}
	s.pending = newPendingTable(s.opts.RequestTimeout)
	s.pending.onReject = func(callerConnID string, f *protocol.Frame) {
		if caller := s.connByID(callerConnID); caller != nil {
			caller.sendFrame(f)
		}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin allows all origins when none are configured. Empty Origin
// headers (non-browser clients: services, CLI) are always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range s.opts.AllowedOrigins {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway.origin_rejected", "origin", origin)
	return false
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
}

// Start listens for WebSocket and HTTP connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{Addr: s.Addr(), Handler: mux}

	slog.Info("gateway.starting", "addr", s.Addr())

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Serve runs the gateway on an existing listener. Used by tests and by the
// optional tsnet listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the gateway down: all pending forwards are rejected with
// SHUTTING_DOWN, connections are closed, the listener stops.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.pending.rejectAll(protocol.ErrShuttingDown, "gateway shutting down")
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "shutting down")
	}
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}
	slog.Info("gateway.stopped")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.upgrade_failed", "error", err)
		return
	}

	c := newConn(ws, s)

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		c.close(websocket.CloseGoingAway, "shutting down")
		return
	}
	s.conns[c.id] = c
	s.mu.Unlock()

	slog.Info("gateway.client_connected", "conn", c.id, "remote", r.RemoteAddr)
	c.run()
}

// dropConn removes a connection and cleans up everything it owned.
func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	if _, ok := s.conns[c.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c.id)
	s.mu.Unlock()

	service := s.registry.UnregisterConn(c.id)
	s.router.RemoveOwner(c.id)
	s.events.unsubscribeAll(c.id)
	s.pending.dropCaller(c.id)
	s.pending.dropHandler(c.id)

	slog.Info("gateway.client_disconnected", "conn", c.id, "service", service)

	if service != "" {
		s.publishEvent(nil, "gateway", protocol.EventServiceDisconnected,
			mustRaw(map[string]string{"service": service}))
	}
}

// Stats is the payload of gateway.stats.
type Stats struct {
	Services    []string `json:"services"`
	Methods     []string `json:"methods"`
	Connections int      `json:"connections"`
	Pending     int      `json:"pending"`
	EventSeq    uint64   `json:"eventSeq"`
}

func (s *Server) stats() Stats {
	s.mu.RLock()
	connCount := len(s.conns)
	s.mu.RUnlock()
	return Stats{
		Services:    s.registry.Services(),
		Methods:     s.router.Methods(),
		Connections: connCount,
		Pending:     s.pending.size(),
		EventSeq:    s.events.current(),
	}
}
