package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection. Unlike an
// anonymous session, every connection belongs to an authenticated principal:
// the login is extracted at upgrade time and keys presence and routing.
type Connection struct {
	ID         string     // connection ID (UUID)
	Login      string     // authenticated principal
	Conn       net.Conn   // underlying TCP connection
	Fd         int        // file descriptor for poller lookups
	CreatedAt  time.Time  // when the connection was established
	lastPing   int64      // unix nanos of last client activity, accessed atomically
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read

	subMu sync.Mutex          // protects subscriptions
	subs  map[string]struct{} // destinations this connection subscribed to
}

// Touch records client activity now. Read workers call it on every frame;
// the heartbeat goroutine observes it through LastActive.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastPing, time.Now().UnixNano())
}

// LastActive returns the time of the last observed client activity.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastPing))
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// AddSubscription records that this connection subscribed to destination.
func (c *Connection) AddSubscription(destination string) {
	c.subMu.Lock()
	if c.subs == nil {
		c.subs = make(map[string]struct{})
	}
	c.subs[destination] = struct{}{}
	c.subMu.Unlock()
}

// SubscribedTo reports whether this connection subscribed to destination.
func (c *Connection) SubscribedTo(destination string) bool {
	c.subMu.Lock()
	_, ok := c.subs[destination]
	c.subMu.Unlock()
	return ok
}

// Subscriptions returns a snapshot of this connection's subscribed
// destinations, used for index teardown on disconnect.
func (c *Connection) Subscriptions() []string {
	c.subMu.Lock()
	out := make([]string, 0, len(c.subs))
	for d := range c.subs {
		out = append(out, d)
	}
	c.subMu.Unlock()
	return out
}

// Registry is a thread-safe container of active connections with O(1)
// lookups by connection ID, file descriptor, and login.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Connection
	byFd    map[int]*Connection
	byLogin map[string]*Connection
}

// NewRegistry creates an empty connection Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[string]*Connection),
		byFd:    make(map[int]*Connection),
		byLogin: make(map[string]*Connection),
	}
}

// Add registers a connection in all lookup maps. If the login already has a
// live connection the old one is returned so the caller can tear it down;
// the new connection wins.
func (r *Registry) Add(conn *Connection) (replaced *Connection) {
	r.mu.Lock()
	replaced = r.byLogin[conn.Login]
	if replaced != nil {
		delete(r.byID, replaced.ID)
		delete(r.byFd, replaced.Fd)
	}
	r.byID[conn.ID] = conn
	r.byFd[conn.Fd] = conn
	r.byLogin[conn.Login] = conn
	r.mu.Unlock()
	return replaced
}

// Remove removes a connection by ID and closes its socket. Returns true if
// the connection was found and removed, false if it was already gone. The
// login mapping is only cleared when it still points at this connection, so
// a replacement connection for the same login is never evicted by the old
// one's cleanup.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	conn, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byFd, conn.Fd)
		if r.byLogin[conn.Login] == conn {
			delete(r.byLogin, conn.Login)
		}
	}
	r.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given connection ID, or nil.
func (r *Registry) Get(id string) *Connection {
	r.mu.RLock()
	conn := r.byID[id]
	r.mu.RUnlock()
	return conn
}

// GetByLogin returns the connection for the given login, or nil.
func (r *Registry) GetByLogin(login string) *Connection {
	r.mu.RLock()
	conn := r.byLogin[login]
	r.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil.
func (r *Registry) GetByFd(fd int) *Connection {
	r.mu.RLock()
	conn := r.byFd[fd]
	r.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting its
// file descriptor. Returns nil if not found.
func (r *Registry) GetByConn(c net.Conn) *Connection {
	return r.GetByFd(socketFD(c))
}

// Count returns the current number of active connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections, safe to iterate without
// holding the lock.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()
	return conns
}

// LocalSubscribers returns the connections on this instance that subscribed
// to destination. Used by the NATS bridge to fan a broadcast out locally.
func (r *Registry) LocalSubscribers(destination string) []*Connection {
	var out []*Connection
	for _, conn := range r.All() {
		if conn.SubscribedTo(destination) {
			out = append(out, conn)
		}
	}
	return out
}
