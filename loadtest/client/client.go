// Package client provides a reusable WebSocket load test client for the chat
// server. It connects using gobwas/ws (the same library the server uses),
// speaks the destination-addressed frame protocol, and tracks per-connection
// performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Destinations mirrored from the server's protocol package.
const (
	DestOnlineUsers     = "/app/online-users"
	DestUpdateUserState = "/app/update-user-state"
	DestChat            = "/app/chat"
	DestReadRoom        = "/app/read-room"
	TopicPublic         = "/topic/public"
	DestErrors          = "/queue/errors"
)

// UserQueue returns the private queue destination for a login.
func UserQueue(login string) string {
	return "/user/" + login + "/queue/messages"
}

// frame is the inbound (client to server) envelope.
type frame struct {
	Destination string      `json:"destination"`
	Subscribe   bool        `json:"subscribe,omitempty"`
	Payload     interface{} `json:"payload,omitempty"`
}

// ServerFrame is the outbound (server to client) envelope.
type ServerFrame struct {
	Destination string          `json:"destination"`
	Payload     json.RawMessage `json:"payload"`
}

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	FramesReceived   int
	FramesSent       int
	Errors           int
}

// Client represents a single simulated user connection. It manages the
// WebSocket lifecycle and dispatches incoming server frames to handlers
// registered per destination.
type Client struct {
	Login string

	conn      net.Conn
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(ServerFrame)
	catchAll  func(ServerFrame)
	done      chan struct{}
	closeOnce sync.Once
}

// New connects a simulated user to the server. The URL must include the
// login query parameter the upgrade handler requires, e.g.
// ws://localhost:8080/ws?login=loadtest-1.
func New(ctx context.Context, url, login string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		Login:    login,
		conn:     conn,
		handlers: make(map[string]func(ServerFrame)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// send marshals and writes one frame. It is goroutine-safe.
func (c *Client) send(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.FramesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Subscribe registers interest in a destination on the server side.
func (c *Client) Subscribe(destination string) error {
	return c.send(frame{Destination: destination, Subscribe: true})
}

// SendChat sends an INCOMING_MESSAGE chat payload into the given room.
func (c *Client) SendChat(roomID, message string) error {
	meta, err := json.Marshal(map[string]string{"ROOM": roomID, "MESSAGE": message})
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return c.send(frame{
		Destination: DestChat,
		Payload: map[string]string{
			"type":     "INCOMING_MESSAGE",
			"metadata": string(meta),
		},
	})
}

// UpdateState sends a state update for this client's login.
func (c *Client) UpdateState(state string) error {
	return c.send(frame{Destination: DestUpdateUserState, Payload: state})
}

// RequestOnlineUsers asks for an ONLINE_USERS snapshot on the private queue.
func (c *Client) RequestOnlineUsers() error {
	return c.send(frame{Destination: DestOnlineUsers})
}

// On registers a handler for server frames addressed to destination. Handlers
// run on the read loop goroutine and must not block. Registering a second
// handler for the same destination replaces the first.
func (c *Client) On(destination string, handler func(ServerFrame)) {
	c.handlers[destination] = handler
}

// OnAny registers a handler invoked for every server frame that has no
// destination-specific handler.
func (c *Client) OnAny(handler func(ServerFrame)) {
	c.catchAll = handler
}

// Close closes the connection and stops the read loop. Safe to call more
// than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return c.metrics
}

// readLoop reads server frames and dispatches them by destination until the
// connection closes.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Intentional close; not an error.
				return
			default:
			}
			c.metrics.Errors++
			return
		}

		c.metrics.FramesReceived++

		var f ServerFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.metrics.Errors++
			continue
		}

		if handler, ok := c.handlers[f.Destination]; ok {
			handler(f)
		} else if c.catchAll != nil {
			c.catchAll(f)
		}
	}
}
