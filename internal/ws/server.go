// Package ws implements the WebSocket transport boundary: upgrading HTTP
// connections, maintaining the per-login connection registry, watching
// sockets for readable frames, and forwarding lifecycle signals (connect,
// disconnect, subscribe) into the application layer.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/blutbaden/chat/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxFrameSize   int64         // max accepted frame payload in bytes
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameSize:   1 << 20,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server accepts WebSocket connections, associates each with its principal,
// and reads frames using a kernel poller plus a bounded worker pool. The
// application layer observes connections through the OnConnect, OnFrame, and
// OnDisconnect callbacks; the server guarantees OnDisconnect fires exactly
// once per registered connection.
type Server struct {
	config     ServerConfig
	poller     *poller
	conns      *Registry
	workerPool chan struct{} // semaphore limiting concurrent read workers

	onFrame      func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)

	httpServer *http.Server
	routes     map[string]http.Handler
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server with the given configuration. The callbacks may
// be nil; OnFrame is invoked from a worker goroutine for every complete text
// frame.
func NewServer(config ServerConfig) *Server {
	return &Server{
		config:     config,
		conns:      NewRegistry(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		routes:     make(map[string]http.Handler),
		done:       make(chan struct{}),
	}
}

// OnFrame registers the frame callback.
func (s *Server) OnFrame(fn func(conn *Connection, data []byte)) { s.onFrame = fn }

// OnConnect registers the connect callback, invoked after the connection is
// registered and pollable.
func (s *Server) OnConnect(fn func(conn *Connection)) { s.onConnect = fn }

// OnDisconnect registers the disconnect callback, invoked once when a
// connection is removed for any reason (read error, heartbeat timeout,
// shutdown, or replacement by a newer connection for the same login).
func (s *Server) OnDisconnect(fn func(conn *Connection)) { s.onDisconnect = fn }

// Handle mounts an additional HTTP handler on the server's mux (e.g. the
// metrics endpoint). Must be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.routes[pattern] = handler
}

// Start initializes the poller, configures the HTTP server, and begins
// accepting WebSocket connections. It blocks until the listener stops.
func (s *Server) Start() error {
	var err error
	s.poller, err = newPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	for pattern, handler := range s.routes {
		mux.Handle(pattern, handler)
	}

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.eventLoop()

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection. The
// principal's login must arrive in the "login" query parameter; session
// establishment itself happens upstream of this service, so the login is
// taken as given.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	login := r.URL.Query().Get("login")
	if login == "" {
		http.Error(w, "missing login", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := &Connection{
		ID:        uuid.New().String(),
		Login:     login,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
	}
	c.Touch()

	if replaced := s.conns.Add(c); replaced != nil {
		// One live connection per login: drop the stale one first.
		log.Printf("ws: login=%s reconnected, closing stale connection %s", login, replaced.ID)
		_ = s.poller.remove(replaced.Conn)
		replaced.Close()
		if s.onDisconnect != nil {
			s.onDisconnect(replaced)
		}
	}

	if err := s.poller.add(conn); err != nil {
		log.Printf("ws: poller add failed login=%s: %v", login, err)
		s.conns.Remove(c.ID)
		return
	}

	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if s.onConnect != nil {
		s.onConnect(c)
	}

	log.Printf("ws: new connection login=%s id=%s (total=%d)", login, c.ID, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON.
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

// eventLoop runs the poller wait loop, dispatching each ready connection to
// a bounded worker goroutine for frame reading.
func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: poller wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.readFrame(conn)
			}()
		}
	}
}

// readFrame reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so control frames are handled without blocking on a data
// frame that may never arrive. Read failures remove the connection.
func (s *Server) readFrame(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered polling.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale poller
		// dispatch); the heartbeat handles genuinely dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	// The claimed length is client-controlled; cap it before allocating.
	if s.config.MaxFrameSize > 0 && header.Length > s.config.MaxFrameSize {
		log.Printf("ws: frame too large login=%s claimed=%d max=%d",
			c.Login, header.Length, s.config.MaxFrameSize)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onFrame != nil {
		s.onFrame(c, data)
	}
}

// RemoveConnection removes a connection from the poller and registry, closes
// the socket, and fires the disconnect callback. Exported so the heartbeat
// monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.remove(c.Conn)

	// Only proceed if the connection was actually registered; this prevents
	// double cleanup when read-error and heartbeat removal race.
	if !s.conns.Remove(c.ID) {
		return
	}

	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("ws: connection closed login=%s id=%s (total=%d)", c.Login, c.ID, s.conns.Count())
}

// SendToLogin writes a text frame to the connection owned by login. A login
// without an active connection is not an error; the frame is simply not
// delivered here.
func (s *Server) SendToLogin(login string, data []byte) error {
	c := s.conns.GetByLogin(login)
	if c == nil {
		return nil
	}
	return s.writeWithDeadline(c, data)
}

// writeWithDeadline writes a frame honoring the configured write timeout.
func (s *Server) writeWithDeadline(c *Connection, data []byte) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Connections returns the connection registry.
func (s *Server) Connections() *Registry {
	return s.conns
}

// Done returns a channel closed when the server shuts down.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Shutdown performs a graceful shutdown: it stops the HTTP listener, halts
// the event loop, and closes every active connection through the normal
// disconnect path so the application layer sees each teardown.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.poller != nil {
		_ = s.poller.close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is an interrupted syscall (EINTR), which is
// expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
