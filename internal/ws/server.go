// Package ws handles WebSocket connection management: upgrading HTTP
// connections, tying each connection to a session lifecycle, reading frames
// through epoll and a bounded worker pool, and dispatching them to handlers.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/marketchat/relay/internal/metrics"
	"github.com/marketchat/relay/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	MaxFrameBytes  int64         // frames larger than this close the connection
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameBytes:  16 * 1024,
	}
}

// Lifecycle allocates a session for every accepted connection and tears it
// down when the connection goes away.
type Lifecycle interface {
	Open(ctx context.Context) string
	Close(ctx context.Context, sessionID string) []string
}

// Admission decides whether an upgrade request from remoteIP may connect.
type Admission func(ctx context.Context, remoteIP string) bool

// Server is the WebSocket server built on gobwas/ws and Linux epoll.
type Server struct {
	config     ServerConfig
	poller     *poller
	conns      *ConnectionManager
	lifecycle  Lifecycle
	admit      Admission
	workerPool chan struct{}                       // semaphore limiting concurrent read workers
	onMessage  func(conn *Connection, data []byte) // message handler callback
	mux        *http.ServeMux
	httpServer *http.Server
	heartbeat  HeartbeatConfig
	done       chan struct{}
	closed     atomic.Bool
	startedAt  time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine for
// every complete text frame; frames of one connection never overlap.
func NewServer(config ServerConfig, lifecycle Lifecycle, onMessage func(conn *Connection, data []byte)) *Server {
	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		lifecycle:  lifecycle,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		heartbeat:  DefaultHeartbeatConfig(),
		done:       make(chan struct{}),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// Handle mounts an extra HTTP handler on the server's listener.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// SetAdmission installs a per-IP admission check run before each upgrade.
func (s *Server) SetAdmission(admit Admission) {
	s.admit = admit
}

// SetHeartbeat overrides the heartbeat configuration. Call before Start.
func (s *Server) SetHeartbeat(config HeartbeatConfig) {
	s.heartbeat = config
}

// Start begins accepting WebSocket connections. It blocks on
// http.Server.ListenAndServe.
func (s *Server) Start() error {
	if err := s.startPoller(); err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.mux,
	}

	StartHeartbeat(s, s.heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := ClientIP(r)
	if s.admit != nil && !s.admit(r.Context(), ip) {
		log.Printf("ws: connection from %s rejected by admission", ip)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := s.Accept(conn, ip)
	if err := s.watch(c); err != nil {
		log.Printf("ws: watch failed for session %s: %v", c.ID, err)
		s.RemoveConnection(c)
	}
}

// Accept ties an upgraded connection to a new session, registers it and sends
// session_created. The caller is responsible for feeding its frames to the
// server.
func (s *Server) Accept(conn net.Conn, remoteAddr string) *Connection {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	now := time.Now()
	c := &Connection{
		ID:           s.lifecycle.Open(ctx),
		Conn:         conn,
		Fd:           socketFD(conn),
		RemoteAddr:   remoteAddr,
		CreatedAt:    now,
		LastPing:     now,
		writeTimeout: s.config.WriteTimeout,
	}
	s.conns.Add(c)
	metrics.Connections.Inc()

	msg, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: c.ID,
	})
	if err != nil {
		log.Printf("ws: failed to build session_created for session %s: %v", c.ID, err)
	} else if err := c.WriteMessage(msg); err != nil {
		log.Printf("ws: failed to send session_created for session %s: %v", c.ID, err)
	}

	log.Printf("ws: new connection session=%s fd=%d (total=%d)", c.ID, c.Fd, s.conns.Count())
	return c
}

// handleHealth responds with the server's health status, connection count and
// uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// handleReady reads one frame from a readable connection. It reports false
// once the connection has been removed.
func (s *Server) handleReady(c *Connection) bool {
	// Level-triggered epoll can dispatch the same connection twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return true
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		// A timeout only means no frame arrived; the heartbeat handles dead
		// connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return true
		}
		s.RemoveConnection(c)
		return false
	}

	_ = c.Conn.SetReadDeadline(time.Time{})
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
			return false
		}
		return true
	}

	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		log.Printf("ws: frame of %d bytes exceeds limit session=%s", header.Length, c.ID)
		s.RemoveConnection(c)
		return false
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return false
		}
	}

	if len(data) > 0 && s.onMessage != nil {
		s.onMessage(c, data)
	}
	return true
}

// RemoveConnection closes a connection and ends its session. Concurrent
// callers (read error, heartbeat, shutdown) race on the connection manager;
// only the winner closes the session.
func (s *Server) RemoveConnection(c *Connection) {
	s.unwatch(c)

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.Connections.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.lifecycle.Close(ctx, c.ID)

	log.Printf("ws: connection closed session=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage writes a text frame to the connection of sessionID.
func (s *Server) SendMessage(sessionID string, data []byte) error {
	c := s.conns.Get(sessionID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", sessionID)
	}
	return c.WriteMessage(data)
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener and the event loop and closes every connection,
// ending each session through the lifecycle.
func (s *Server) Shutdown() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	log.Println("ws: shutting down server...")

	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}
	s.stopPoller()

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// ClientIP returns the client address of r, preferring the first hop of
// X-Forwarded-For when the server sits behind a proxy.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
