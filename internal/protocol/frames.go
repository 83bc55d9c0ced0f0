// Package protocol defines the client-facing wire format. Every inbound
// WebSocket text frame is a JSON envelope addressed to a logical destination;
// application payloads are decoded lazily based on that destination so the
// envelope parse stays cheap.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/blutbaden/chat/internal/notification"
)

// Application destinations a client may send to.
const (
	DestOnlineUsers     = "/app/online-users"
	DestUpdateUserState = "/app/update-user-state"
	DestChat            = "/app/chat"
	DestReadRoom        = "/app/read-room"
)

// TopicPublic is the broadcast destination every client subscribes to for
// presence announcements.
const TopicPublic = "/topic/public"

const (
	userQueuePrefix = "/user/"
	userQueueSuffix = "/queue/messages"
)

// UserQueue returns the point-to-point destination for a user's private
// message queue.
func UserQueue(login string) string {
	return userQueuePrefix + login + userQueueSuffix
}

// IsOwnQueue reports whether destination addresses login's own private queue.
func IsOwnQueue(destination, login string) bool {
	return strings.HasPrefix(destination, UserQueue(login))
}

// Frame is the inbound envelope. Subscribe frames register interest in a
// destination; send frames carry an application payload to one of the /app
// destinations.
type Frame struct {
	Destination string          `json:"destination"`
	Subscribe   bool            `json:"subscribe,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ParseFrame decodes an inbound frame envelope. The payload is left raw for
// destination-specific decoding.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("protocol: parse frame: %w", err)
	}
	if f.Destination == "" {
		return nil, fmt.Errorf("protocol: missing destination")
	}
	return &f, nil
}

// ChatPayload is the body of a /app/chat frame. Metadata is itself a
// JSON-encoded string-to-string mapping, preserved verbatim from the sender.
type ChatPayload struct {
	Content  string            `json:"content,omitempty"`
	Type     notification.Type `json:"type"`
	Metadata string            `json:"metadata"`
}

// DecodeChatPayload decodes the raw payload of a /app/chat frame.
func DecodeChatPayload(raw json.RawMessage) (*ChatPayload, error) {
	var p ChatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("protocol: decode chat payload: %w", err)
	}
	if p.Type == "" {
		return nil, fmt.Errorf("protocol: chat payload missing type")
	}
	return &p, nil
}

// DecodeStatePayload decodes the raw payload of a /app/update-user-state
// frame: a plain JSON string naming the target state.
func DecodeStatePayload(raw json.RawMessage) (string, error) {
	var state string
	if err := json.Unmarshal(raw, &state); err != nil {
		return "", fmt.Errorf("protocol: decode state payload: %w", err)
	}
	return state, nil
}

// ReadRoomPayload is the body of a /app/read-room frame.
type ReadRoomPayload struct {
	Room string `json:"room"`
}

// DecodeReadRoomPayload decodes the raw payload of a /app/read-room frame.
func DecodeReadRoomPayload(raw json.RawMessage) (*ReadRoomPayload, error) {
	var p ReadRoomPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("protocol: decode read-room payload: %w", err)
	}
	if p.Room == "" {
		return nil, fmt.Errorf("protocol: read-room payload missing room")
	}
	return &p, nil
}
