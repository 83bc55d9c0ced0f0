// Package notification defines the typed notification payloads delivered to
// chat clients and the builder functions that construct them. Notifications
// are serialized as JSON with a type discriminator, a timestamp, an optional
// human-readable content string, and a string-to-string metadata mapping.
package notification

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of notification being delivered.
type Type string

const (
	TypeUserState       Type = "USER_STATE"
	TypeOnlineUsers     Type = "ONLINE_USERS"
	TypeIncomingMessage Type = "INCOMING_MESSAGE"
	TypeIncomingCall    Type = "INCOMING_CALL"
	TypeRejectedCall    Type = "REJECTED_CALL"
	TypeCancelledCall   Type = "CANCELLED_CALL"
	TypeAcceptedCall    Type = "ACCEPTED_CALL"
)

// Metadata keys used across notification kinds.
const (
	KeyUser    = "USER"
	KeyState   = "STATE"
	KeyUsers   = "USERS"
	KeyRoom    = "ROOM"
	KeyMessage = "MESSAGE"
)

// Notification is a single outbound payload. It is constructed fresh per
// dispatch and never mutated after it has been handed to a sender.
type Notification struct {
	Time     time.Time         `json:"time"`
	Type     Type              `json:"type"`
	Content  string            `json:"content,omitempty"`
	Metadata map[string]string `json:"metadata"`
}

// Set adds or overwrites a metadata entry and returns the notification so
// calls can be chained during construction.
func (n *Notification) Set(key, value string) *Notification {
	n.Metadata[key] = value
	return n
}

// New creates an empty notification of the given type stamped with at.
func New(at time.Time, t Type) *Notification {
	return &Notification{
		Time:     at,
		Type:     t,
		Metadata: make(map[string]string),
	}
}

// NewUserState builds a USER_STATE notification announcing that login is now
// in the given state. The optional content is a human-readable description
// (e.g. the connect/disconnect announcement).
func NewUserState(at time.Time, login, state, content string) *Notification {
	n := New(at, TypeUserState)
	n.Content = content
	n.Set(KeyUser, login)
	n.Set(KeyState, state)
	return n
}

// UserStatus is one entry in an ONLINE_USERS listing.
type UserStatus struct {
	Username string `json:"username"`
	State    string `json:"state"`
}

// NewOnlineUsers builds an ONLINE_USERS notification carrying the given
// user listing serialized as a JSON array under the USERS metadata key.
func NewOnlineUsers(at time.Time, users []UserStatus) (*Notification, error) {
	if users == nil {
		users = []UserStatus{}
	}
	blob, err := json.Marshal(users)
	if err != nil {
		return nil, err
	}
	n := New(at, TypeOnlineUsers)
	n.Set(KeyUsers, string(blob))
	return n, nil
}

// NewIncomingMessage builds an INCOMING_MESSAGE notification for a chat
// message from sender. The message text travels in metadata, not content.
func NewIncomingMessage(at time.Time, sender, message string) *Notification {
	n := New(at, TypeIncomingMessage)
	n.Content = "New message from " + sender
	n.Set(KeyMessage, message)
	n.Set(KeyUser, sender)
	return n
}

// callTemplates maps each call-signal type to its content template suffix.
var callTemplates = map[Type]string{
	TypeIncomingCall:  " is calling you!",
	TypeAcceptedCall:  " accepted your call!",
	TypeCancelledCall: " cancelled the call!",
	TypeRejectedCall:  " rejected your call!",
}

// IsCallSignal reports whether t is one of the call-signal notification types.
func IsCallSignal(t Type) bool {
	_, ok := callTemplates[t]
	return ok
}

// NewCallSignal builds a call-signal notification of the given type with a
// templated content string naming the caller. It returns nil if t is not a
// call-signal type.
func NewCallSignal(at time.Time, t Type, caller string) *Notification {
	suffix, ok := callTemplates[t]
	if !ok {
		return nil
	}
	n := New(at, t)
	n.Content = caller + suffix
	return n
}
