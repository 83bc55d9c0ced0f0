package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/blutbaden/chat/internal/notification"
)

// Notifier publishes notifications over NATS. It is the production Publisher
// used by the router: Broadcast reaches every server instance's public-topic
// bridge, SendToUser reaches whichever instance holds the user's connection.
type Notifier struct {
	client *Client
}

// NewNotifier creates a Notifier on top of an established NATS client.
func NewNotifier(client *Client) *Notifier {
	return &Notifier{client: client}
}

// Broadcast publishes n to the public presence topic.
func (p *Notifier) Broadcast(_ context.Context, n *notification.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("messaging: marshal notification: %w", err)
	}
	return p.client.PublishBroadcast(data)
}

// SendToUser publishes n to login's private queue subject. A user with no
// active subscription simply has no consumer; the publish still succeeds and
// the notification is dropped by the broker.
func (p *Notifier) SendToUser(_ context.Context, login string, n *notification.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("messaging: marshal notification: %w", err)
	}
	return p.client.PublishToUser(login, data)
}
