// Package router implements the core dispatch logic of the real-time layer:
// it consumes transport lifecycle events and application messages, consults
// the presence registry and subscription index, and decides which
// notification is delivered to which recipient and whether a conversation
// row must be persisted.
package router

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/blutbaden/chat/internal/conversation"
	"github.com/blutbaden/chat/internal/metrics"
	"github.com/blutbaden/chat/internal/notification"
	"github.com/blutbaden/chat/internal/presence"
	"github.com/blutbaden/chat/internal/protocol"
)

// Publisher delivers notifications to clients. Broadcast targets every
// subscriber of the public topic; SendToUser targets one user's private
// queue. Both are fire-and-forget from the router's point of view: a failed
// delivery to one recipient must never block or fail delivery to others.
type Publisher interface {
	Broadcast(ctx context.Context, n *notification.Notification) error
	SendToUser(ctx context.Context, login string, n *notification.Notification) error
}

// SubscriptionIndex is the transport-owned view of who is currently
// subscribed to a logical channel. The router only reads it.
type SubscriptionIndex interface {
	SubscribersOf(ctx context.Context, channel string) ([]string, error)
}

// RoomDirectory resolves a room id to its current member logins. Membership
// is re-fetched on every dispatch; the router never caches it.
type RoomDirectory interface {
	Members(ctx context.Context, roomID int64) ([]string, error)
}

// Recorder persists delivered chat messages and manages delivery-state
// transitions. Persistence is best-effort: a failed write never rolls back a
// delivery that already happened.
type Recorder interface {
	Record(ctx context.Context, content string, roomID int64, sender, receiver string) error
	BulkTransition(ctx context.Context, roomID int64, receiver string, from, to conversation.State) error
	CountByState(ctx context.Context, receiver string, state conversation.State, roomID int64) (int, error)
}

// EventKind discriminates transport lifecycle events.
type EventKind int

const (
	// EventConnect fires when a principal's connection is established.
	EventConnect EventKind = iota
	// EventDisconnect fires when a principal's connection goes away.
	EventDisconnect
	// EventSubscribe fires when a principal subscribes to a destination.
	EventSubscribe
)

// LifecycleEvent is the tagged union of transport lifecycle signals. Using
// one event type keeps the router decoupled from any specific transport.
type LifecycleEvent struct {
	Kind        EventKind
	Login       string
	Destination string // set for EventSubscribe only
}

// Router is the dispatch core. It is stateless per event beyond the presence
// registry it owns; each handler may be invoked concurrently from multiple
// connection handlers.
type Router struct {
	presence *presence.Registry
	subs     SubscriptionIndex
	pub      Publisher
	rooms    RoomDirectory
	recorder Recorder
	now      func() time.Time
}

// New creates a Router with the given collaborators.
func New(reg *presence.Registry, subs SubscriptionIndex, pub Publisher, rooms RoomDirectory, recorder Recorder) *Router {
	return &Router{
		presence: reg,
		subs:     subs,
		pub:      pub,
		rooms:    rooms,
		recorder: recorder,
		now:      time.Now,
	}
}

// SetClock overrides the router's time source. Intended for tests.
func (r *Router) SetClock(now func() time.Time) {
	r.now = now
}

// Presence returns the registry the router owns.
func (r *Router) Presence() *presence.Registry {
	return r.presence
}

// HandleLifecycleEvent processes a connect, disconnect, or subscribe signal
// forwarded from the transport boundary.
func (r *Router) HandleLifecycleEvent(ctx context.Context, ev LifecycleEvent) error {
	switch ev.Kind {
	case EventConnect:
		r.presence.SetState(ev.Login, presence.StateOnline)
		metrics.OnlineUsers.Set(float64(r.presence.Len()))
		n := notification.NewUserState(r.now(), ev.Login, string(presence.StateOnline),
			"User «"+ev.Login+"» Connected")
		return r.broadcast(ctx, n)

	case EventDisconnect:
		n := notification.NewUserState(r.now(), ev.Login, string(presence.StateOffline),
			"User «"+ev.Login+"» Disconnected")
		err := r.broadcast(ctx, n)
		r.presence.Remove(ev.Login)
		metrics.OnlineUsers.Set(float64(r.presence.Len()))
		return err

	case EventSubscribe:
		// Only a subscription to the principal's own private queue triggers
		// the online-users snapshot.
		if protocol.IsOwnQueue(ev.Destination, ev.Login) {
			return r.SendOnlineUsers(ctx, ev.Login)
		}
		return nil
	}
	return nil
}

// SendOnlineUsers delivers an ONLINE_USERS snapshot to login's private
// queue, listing every current public-topic subscriber except login itself.
// Subscribers with no presence entry are reported as ONLINE.
func (r *Router) SendOnlineUsers(ctx context.Context, login string) error {
	subscribers, err := r.subs.SubscribersOf(ctx, protocol.TopicPublic)
	if err != nil {
		return err
	}

	users := make([]notification.UserStatus, 0, len(subscribers))
	for _, sub := range subscribers {
		if sub == login {
			continue
		}
		state := presence.StateOnline
		if entry, ok := r.presence.Get(sub); ok {
			state = entry.State
		}
		users = append(users, notification.UserStatus{Username: sub, State: string(state)})
	}

	n, err := notification.NewOnlineUsers(r.now(), users)
	if err != nil {
		return err
	}
	if err := r.pub.SendToUser(ctx, login, n); err != nil {
		return err
	}
	metrics.NotificationsTotal.WithLabelValues(string(notification.TypeOnlineUsers)).Inc()
	return nil
}

// UpdateUserState validates and applies an explicit state change for login,
// then notifies every public-topic subscriber except login. An unrecognized
// state value is rejected with presence.ErrInvalidState and leaves the
// registry untouched.
func (r *Router) UpdateUserState(ctx context.Context, login, rawState string) error {
	state, err := presence.ParseState(rawState)
	if err != nil {
		return err
	}
	r.presence.SetState(login, state)

	n := notification.NewUserState(r.now(), login, string(state), "")
	subscribers, err := r.subs.SubscribersOf(ctx, protocol.TopicPublic)
	if err != nil {
		log.Printf("router: state update for %s: subscriber lookup failed: %v", login, err)
		return nil
	}
	delivered := 0
	for _, sub := range subscribers {
		if sub == login {
			continue
		}
		if err := r.pub.SendToUser(ctx, sub, n); err != nil {
			log.Printf("router: state update for %s: send to %s failed: %v", login, sub, err)
			continue
		}
		delivered++
	}
	metrics.NotificationsTotal.WithLabelValues(string(notification.TypeUserState)).Add(float64(delivered))
	return nil
}

// HandleChat processes a /app/chat payload from login. Call signals are
// routed through the room fanout without persisting; incoming messages are
// fanned out and recorded once per recipient. A malformed metadata blob is
// logged and treated as empty; a missing ROOM id drops the message silently.
func (r *Router) HandleChat(ctx context.Context, login string, payload *protocol.ChatPayload) {
	meta, err := notification.ParseMetadata(payload.Metadata)
	if err != nil {
		log.Printf("router: chat from %s: %v (continuing with empty metadata)", login, err)
	}

	at := r.now()
	switch {
	case notification.IsCallSignal(payload.Type):
		n := notification.NewCallSignal(at, payload.Type, login)
		r.fanout(ctx, login, meta, n, false)

	case payload.Type == notification.TypeIncomingMessage:
		n := notification.NewIncomingMessage(at, login, meta.Message())
		r.fanout(ctx, login, meta, n, true)

	default:
		log.Printf("router: chat from %s: unroutable type %q dropped", login, payload.Type)
	}
}

// MarkRoomSeen transitions login's DELIVERED conversations in the given room
// to SEEN.
func (r *Router) MarkRoomSeen(ctx context.Context, login, room string) error {
	roomID, err := strconv.ParseInt(room, 10, 64)
	if err != nil {
		return err
	}
	return r.recorder.BulkTransition(ctx, roomID, login, conversation.StateDelivered, conversation.StateSeen)
}

// UnreadCount returns the number of DELIVERED conversations addressed to
// login in the given room.
func (r *Router) UnreadCount(ctx context.Context, login string, roomID int64) (int, error) {
	return r.recorder.CountByState(ctx, login, conversation.StateDelivered, roomID)
}

// broadcast publishes n to the public topic, reaching every subscriber
// including the originator.
func (r *Router) broadcast(ctx context.Context, n *notification.Notification) error {
	if err := r.pub.Broadcast(ctx, n); err != nil {
		return err
	}
	metrics.NotificationsTotal.WithLabelValues(string(n.Type)).Inc()
	return nil
}

// fanout routes n to every member of the room named in meta except the
// sender. Each recipient is handled independently: a failed send or a failed
// persistence write is logged and the loop continues. Without a ROOM id the
// message is dropped without error (fire-and-forget semantics).
func (r *Router) fanout(ctx context.Context, sender string, meta notification.Metadata, n *notification.Notification, persist bool) {
	room, ok := meta.Room()
	if !ok {
		log.Printf("router: chat from %s: no ROOM in metadata, dropped", sender)
		return
	}
	roomID, err := strconv.ParseInt(room, 10, 64)
	if err != nil {
		log.Printf("router: chat from %s: bad ROOM %q, dropped: %v", sender, room, err)
		return
	}

	members, err := r.rooms.Members(ctx, roomID)
	if err != nil {
		log.Printf("router: chat from %s: room %d lookup failed: %v", sender, roomID, err)
		return
	}

	start := time.Now()
	n.Set(notification.KeyUser, sender)
	// Recipients route the notification to a conversation by its ROOM id.
	n.Set(notification.KeyRoom, room)
	delivered := 0
	for _, member := range members {
		if member == sender {
			continue
		}
		if err := r.pub.SendToUser(ctx, member, n); err != nil {
			log.Printf("router: fanout room=%d to %s failed: %v", roomID, member, err)
		} else {
			delivered++
		}
		if persist {
			if err := r.recorder.Record(ctx, meta.Message(), roomID, sender, member); err != nil {
				log.Printf("router: record room=%d %s->%s failed: %v", roomID, sender, member, err)
			} else {
				metrics.ConversationsPersisted.Inc()
			}
		}
	}

	metrics.NotificationsTotal.WithLabelValues(string(n.Type)).Add(float64(delivered))
	metrics.FanoutLatency.Observe(time.Since(start).Seconds())
}
