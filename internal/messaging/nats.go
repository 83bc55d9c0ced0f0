// Package messaging provides the NATS client wrapper used to fan
// notifications out across chat server instances. The public presence topic
// and the per-user queues map onto NATS subjects; every server instance
// bridges its local WebSocket connections to those subjects.
package messaging

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns.
const (
	SubjectTopicPublic = "chat.topic.public"
	subjectUserPrefix  = "chat.user." // + <login>.queue
	subjectUserSuffix  = ".queue"
)

// UserSubject returns the NATS subject for a user's private queue. Logins
// are sanitized so they cannot inject subject hierarchy tokens.
func UserSubject(login string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return subjectUserPrefix + r.Replace(login) + subjectUserSuffix
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "chatserver",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Client wraps the NATS connection with helpers for the broadcast topic and
// per-user queues.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishBroadcast publishes data to the public presence topic.
func (c *Client) PublishBroadcast(data []byte) error {
	return c.conn.Publish(SubjectTopicPublic, data)
}

// PublishToUser publishes data to a user's private queue subject.
func (c *Client) PublishToUser(login string, data []byte) error {
	return c.conn.Publish(UserSubject(login), data)
}

// SubscribeBroadcast registers a handler for the public presence topic. Each
// server instance holds a single broadcast subscription.
func (c *Client) SubscribeBroadcast(handler func(data []byte)) error {
	return c.subscribe(SubjectTopicPublic, handler)
}

// SubscribeUser registers a handler for a user's private queue subject,
// keyed by subject for later teardown. Subscribing the same login again
// replaces the previous subscription.
func (c *Client) SubscribeUser(login string, handler func(data []byte)) error {
	subject := UserSubject(login)

	c.mu.Lock()
	old, hadOld := c.subs[subject]
	delete(c.subs, subject)
	c.mu.Unlock()
	if hadOld {
		_ = old.Unsubscribe()
	}

	return c.subscribe(subject, handler)
}

// UnsubscribeUser tears down the subscription for a user's private queue.
func (c *Client) UnsubscribeUser(login string) error {
	subject := UserSubject(login)

	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// subscribe registers a handler for the given subject and stores the
// subscription internally for cleanup.
func (c *Client) subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
