package router

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/blutbaden/chat/internal/conversation"
	"github.com/blutbaden/chat/internal/metrics"
	"github.com/blutbaden/chat/internal/notification"
	"github.com/blutbaden/chat/internal/presence"
	"github.com/blutbaden/chat/internal/protocol"
)

var fixedTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type sentNotification struct {
	login string
	n     notification.Notification
}

// fakePublisher records every Broadcast and SendToUser call. Notifications
// are copied at call time because the router mutates them in place.
type fakePublisher struct {
	mu         sync.Mutex
	broadcasts []notification.Notification
	sends      []sentNotification
	failFor    map[string]error
}

func (p *fakePublisher) Broadcast(_ context.Context, n *notification.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcasts = append(p.broadcasts, *n)
	return nil
}

func (p *fakePublisher) SendToUser(_ context.Context, login string, n *notification.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failFor[login]; ok {
		return err
	}
	p.sends = append(p.sends, sentNotification{login: login, n: *n})
	return nil
}

func (p *fakePublisher) sentTo() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	logins := make([]string, 0, len(p.sends))
	for _, s := range p.sends {
		logins = append(logins, s.login)
	}
	sort.Strings(logins)
	return logins
}

type fakeIndex struct {
	subscribers []string
	err         error
}

func (i *fakeIndex) SubscribersOf(context.Context, string) ([]string, error) {
	return i.subscribers, i.err
}

type fakeRooms struct {
	members map[int64][]string
}

func (r *fakeRooms) Members(_ context.Context, roomID int64) ([]string, error) {
	return r.members[roomID], nil
}

type recordedRow struct {
	content  string
	roomID   int64
	sender   string
	receiver string
}

type fakeRecorder struct {
	rows        []recordedRow
	recordErr   error
	transitions []string
	unread      int
}

func (r *fakeRecorder) Record(_ context.Context, content string, roomID int64, sender, receiver string) error {
	if r.recordErr != nil {
		return r.recordErr
	}
	r.rows = append(r.rows, recordedRow{content, roomID, sender, receiver})
	return nil
}

func (r *fakeRecorder) BulkTransition(_ context.Context, roomID int64, receiver string, from, to conversation.State) error {
	r.transitions = append(r.transitions, receiver)
	return nil
}

func (r *fakeRecorder) CountByState(context.Context, string, conversation.State, int64) (int, error) {
	return r.unread, nil
}

type fixture struct {
	router   *Router
	pub      *fakePublisher
	index    *fakeIndex
	rooms    *fakeRooms
	recorder *fakeRecorder
}

func newFixture() *fixture {
	pub := &fakePublisher{failFor: map[string]error{}}
	index := &fakeIndex{}
	rooms := &fakeRooms{members: map[int64][]string{}}
	recorder := &fakeRecorder{}
	rt := New(presence.NewRegistry(), index, pub, rooms, recorder)
	rt.SetClock(func() time.Time { return fixedTime })
	return &fixture{router: rt, pub: pub, index: index, rooms: rooms, recorder: recorder}
}

func TestConnectBroadcastsAndRegisters(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	err := fx.router.HandleLifecycleEvent(ctx, LifecycleEvent{Kind: EventConnect, Login: "alice"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	entry, ok := fx.router.Presence().Get("alice")
	if !ok || entry.State != presence.StateOnline {
		t.Errorf("expected alice ONLINE after connect, got %+v (present=%v)", entry, ok)
	}

	if len(fx.pub.broadcasts) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(fx.pub.broadcasts))
	}
	b := fx.pub.broadcasts[0]
	if b.Type != notification.TypeUserState {
		t.Errorf("expected USER_STATE broadcast, got %v", b.Type)
	}
	if b.Content != "User «alice» Connected" {
		t.Errorf("unexpected content %q", b.Content)
	}
	if b.Metadata[notification.KeyState] != "ONLINE" {
		t.Errorf("expected STATE=ONLINE, got %q", b.Metadata[notification.KeyState])
	}
	if b.Metadata[notification.KeyUser] != "alice" {
		t.Errorf("expected USER=alice, got %q", b.Metadata[notification.KeyUser])
	}
}

func TestDisconnectBroadcastsThenEvicts(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	fx.router.HandleLifecycleEvent(ctx, LifecycleEvent{Kind: EventConnect, Login: "alice"})
	err := fx.router.HandleLifecycleEvent(ctx, LifecycleEvent{Kind: EventDisconnect, Login: "alice"})
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	if _, ok := fx.router.Presence().Get("alice"); ok {
		t.Error("expected alice evicted after disconnect")
	}

	if len(fx.pub.broadcasts) != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", len(fx.pub.broadcasts))
	}
	b := fx.pub.broadcasts[1]
	if b.Content != "User «alice» Disconnected" {
		t.Errorf("unexpected content %q", b.Content)
	}
	if b.Metadata[notification.KeyState] != "OFFLINE" {
		t.Errorf("expected STATE=OFFLINE, got %q", b.Metadata[notification.KeyState])
	}
}

func TestSubscribeOwnQueueSendsOnlineUsers(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	fx.index.subscribers = []string{"alice", "bob", "carol"}
	fx.router.Presence().SetState("bob", presence.StateBusy)
	// carol has no registry entry and must be reported as ONLINE.

	err := fx.router.HandleLifecycleEvent(ctx, LifecycleEvent{
		Kind:        EventSubscribe,
		Login:       "alice",
		Destination: protocol.UserQueue("alice"),
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if len(fx.pub.sends) != 1 {
		t.Fatalf("expected 1 send, got %d", len(fx.pub.sends))
	}
	sent := fx.pub.sends[0]
	if sent.login != "alice" {
		t.Errorf("expected snapshot sent to alice, got %q", sent.login)
	}
	if sent.n.Type != notification.TypeOnlineUsers {
		t.Errorf("expected ONLINE_USERS, got %v", sent.n.Type)
	}

	want := `[{"username":"bob","state":"BUSY"},{"username":"carol","state":"ONLINE"}]`
	if got := sent.n.Metadata[notification.KeyUsers]; got != want {
		t.Errorf("USERS = %s, want %s", got, want)
	}
}

func TestSubscribeOtherDestinationIsSilent(t *testing.T) {
	fx := newFixture()
	fx.index.subscribers = []string{"alice", "bob"}

	err := fx.router.HandleLifecycleEvent(context.Background(), LifecycleEvent{
		Kind:        EventSubscribe,
		Login:       "alice",
		Destination: protocol.TopicPublic,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(fx.pub.sends) != 0 {
		t.Errorf("expected no sends for public-topic subscription, got %d", len(fx.pub.sends))
	}
}

func TestUpdateUserStateNotifiesOthers(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	fx.index.subscribers = []string{"alice", "bob", "carol"}

	if err := fx.router.UpdateUserState(ctx, "alice", "BUSY"); err != nil {
		t.Fatalf("UpdateUserState: %v", err)
	}

	entry, _ := fx.router.Presence().Get("alice")
	if entry.State != presence.StateBusy {
		t.Errorf("expected alice BUSY, got %v", entry.State)
	}

	got := fx.pub.sentTo()
	want := []string{"bob", "carol"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("sent to %v, want %v", got, want)
	}
	for _, s := range fx.pub.sends {
		if s.n.Metadata[notification.KeyState] != "BUSY" {
			t.Errorf("expected STATE=BUSY, got %q", s.n.Metadata[notification.KeyState])
		}
		if s.n.Content != "" {
			t.Errorf("expected empty content for state update, got %q", s.n.Content)
		}
	}
}

func TestUpdateUserStateRejectsUnknownState(t *testing.T) {
	fx := newFixture()
	fx.index.subscribers = []string{"alice", "bob"}

	err := fx.router.UpdateUserState(context.Background(), "alice", "PURPLE")
	if err == nil {
		t.Fatal("expected error for unknown state")
	}
	if !errors.Is(err, presence.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if _, ok := fx.router.Presence().Get("alice"); ok {
		t.Error("expected registry untouched after rejected update")
	}
	if len(fx.pub.sends) != 0 {
		t.Errorf("expected no sends after rejected update, got %d", len(fx.pub.sends))
	}
}

func TestUpdateUserStateToleratesSendFailure(t *testing.T) {
	fx := newFixture()
	fx.index.subscribers = []string{"alice", "bob", "carol"}
	fx.pub.failFor["bob"] = errors.New("connection reset")

	if err := fx.router.UpdateUserState(context.Background(), "alice", "AWAY"); err != nil {
		t.Fatalf("UpdateUserState: %v", err)
	}
	got := fx.pub.sentTo()
	if len(got) != 1 || got[0] != "carol" {
		t.Errorf("expected delivery to carol despite bob failing, got %v", got)
	}
}

func TestStateUpdateCountsPerDelivery(t *testing.T) {
	fx := newFixture()
	fx.index.subscribers = []string{"alice", "bob", "carol", "dave"}
	fx.pub.failFor["dave"] = errors.New("connection reset")

	counter := metrics.NotificationsTotal.WithLabelValues(string(notification.TypeUserState))
	before := testutil.ToFloat64(counter)

	if err := fx.router.UpdateUserState(context.Background(), "alice", "AWAY"); err != nil {
		t.Fatalf("UpdateUserState: %v", err)
	}

	// One count per successful delivery: bob and carol, not alice or dave.
	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("notification count advanced by %v, want 2", got)
	}
}

func TestChatMessageFanout(t *testing.T) {
	fx := newFixture()
	fx.rooms.members[7] = []string{"alice", "bob", "carol"}

	fx.router.HandleChat(context.Background(), "alice", &protocol.ChatPayload{
		Type:     notification.TypeIncomingMessage,
		Metadata: `{"ROOM":"7","MESSAGE":"hello room"}`,
	})

	got := fx.pub.sentTo()
	want := []string{"bob", "carol"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("sent to %v, want %v", got, want)
	}
	for _, s := range fx.pub.sends {
		if s.n.Type != notification.TypeIncomingMessage {
			t.Errorf("expected INCOMING_MESSAGE, got %v", s.n.Type)
		}
		if s.n.Content != "New message from alice" {
			t.Errorf("unexpected content %q", s.n.Content)
		}
		if s.n.Metadata[notification.KeyMessage] != "hello room" {
			t.Errorf("expected MESSAGE carried through, got %q", s.n.Metadata[notification.KeyMessage])
		}
		if s.n.Metadata[notification.KeyUser] != "alice" {
			t.Errorf("expected USER=alice, got %q", s.n.Metadata[notification.KeyUser])
		}
		if s.n.Metadata[notification.KeyRoom] != "7" {
			t.Errorf("expected ROOM=7, got %q", s.n.Metadata[notification.KeyRoom])
		}
	}

	if len(fx.recorder.rows) != 2 {
		t.Fatalf("expected 2 conversation rows, got %d", len(fx.recorder.rows))
	}
	receivers := map[string]bool{}
	for _, row := range fx.recorder.rows {
		if row.sender != "alice" || row.roomID != 7 || row.content != "hello room" {
			t.Errorf("unexpected row %+v", row)
		}
		receivers[row.receiver] = true
	}
	if !receivers["bob"] || !receivers["carol"] {
		t.Errorf("expected rows for bob and carol, got %v", receivers)
	}
}

func TestChatMissingRoomIsDropped(t *testing.T) {
	fx := newFixture()
	fx.rooms.members[7] = []string{"alice", "bob"}

	fx.router.HandleChat(context.Background(), "alice", &protocol.ChatPayload{
		Type:     notification.TypeIncomingMessage,
		Metadata: `{"MESSAGE":"orphan"}`,
	})

	if len(fx.pub.sends) != 0 {
		t.Errorf("expected no deliveries, got %d", len(fx.pub.sends))
	}
	if len(fx.recorder.rows) != 0 {
		t.Errorf("expected no rows, got %d", len(fx.recorder.rows))
	}
}

func TestChatBadRoomIDIsDropped(t *testing.T) {
	fx := newFixture()

	fx.router.HandleChat(context.Background(), "alice", &protocol.ChatPayload{
		Type:     notification.TypeIncomingMessage,
		Metadata: `{"ROOM":"lobby","MESSAGE":"hi"}`,
	})

	if len(fx.pub.sends) != 0 || len(fx.recorder.rows) != 0 {
		t.Error("expected non-numeric room id to drop the message")
	}
}

func TestChatMalformedMetadataIsDropped(t *testing.T) {
	fx := newFixture()
	fx.rooms.members[7] = []string{"alice", "bob"}

	fx.router.HandleChat(context.Background(), "alice", &protocol.ChatPayload{
		Type:     notification.TypeIncomingMessage,
		Metadata: `{broken`,
	})

	// Malformed metadata degrades to an empty map, which has no ROOM.
	if len(fx.pub.sends) != 0 || len(fx.recorder.rows) != 0 {
		t.Error("expected malformed metadata to result in zero deliveries")
	}
}

func TestChatCallSignalSkipsPersistence(t *testing.T) {
	fx := newFixture()
	fx.rooms.members[7] = []string{"alice", "bob"}

	fx.router.HandleChat(context.Background(), "alice", &protocol.ChatPayload{
		Type:     notification.TypeIncomingCall,
		Metadata: `{"ROOM":"7"}`,
	})

	if len(fx.pub.sends) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(fx.pub.sends))
	}
	s := fx.pub.sends[0]
	if s.login != "bob" {
		t.Errorf("expected delivery to bob, got %q", s.login)
	}
	if s.n.Content != "alice is calling you!" {
		t.Errorf("unexpected content %q", s.n.Content)
	}
	if s.n.Metadata[notification.KeyRoom] != "7" {
		t.Errorf("expected ROOM=7, got %q", s.n.Metadata[notification.KeyRoom])
	}
	if len(fx.recorder.rows) != 0 {
		t.Errorf("expected no persistence for call signal, got %d rows", len(fx.recorder.rows))
	}
}

func TestChatUnroutableTypeIsDropped(t *testing.T) {
	fx := newFixture()
	fx.rooms.members[7] = []string{"alice", "bob"}

	fx.router.HandleChat(context.Background(), "alice", &protocol.ChatPayload{
		Type:     notification.TypeOnlineUsers,
		Metadata: `{"ROOM":"7"}`,
	})

	if len(fx.pub.sends) != 0 {
		t.Errorf("expected no deliveries for unroutable type, got %d", len(fx.pub.sends))
	}
}

func TestChatDeliveryContinuesPastFailures(t *testing.T) {
	fx := newFixture()
	fx.rooms.members[7] = []string{"alice", "bob", "carol", "dave"}
	fx.pub.failFor["carol"] = errors.New("slow consumer")

	fx.router.HandleChat(context.Background(), "alice", &protocol.ChatPayload{
		Type:     notification.TypeIncomingMessage,
		Metadata: `{"ROOM":"7","MESSAGE":"hi"}`,
	})

	got := fx.pub.sentTo()
	if len(got) != 2 || got[0] != "bob" || got[1] != "dave" {
		t.Errorf("expected deliveries to bob and dave, got %v", got)
	}
	// Persistence is attempted per recipient regardless of the send outcome.
	if len(fx.recorder.rows) != 3 {
		t.Errorf("expected 3 rows, got %d", len(fx.recorder.rows))
	}
}

func TestChatRecordFailureDoesNotBlockDelivery(t *testing.T) {
	fx := newFixture()
	fx.rooms.members[7] = []string{"alice", "bob", "carol"}
	fx.recorder.recordErr = errors.New("pq: connection refused")

	fx.router.HandleChat(context.Background(), "alice", &protocol.ChatPayload{
		Type:     notification.TypeIncomingMessage,
		Metadata: `{"ROOM":"7","MESSAGE":"hi"}`,
	})

	if got := fx.pub.sentTo(); len(got) != 2 {
		t.Errorf("expected 2 deliveries despite record failures, got %v", got)
	}
}

func TestMarkRoomSeen(t *testing.T) {
	fx := newFixture()

	if err := fx.router.MarkRoomSeen(context.Background(), "bob", "7"); err != nil {
		t.Fatalf("MarkRoomSeen: %v", err)
	}
	if len(fx.recorder.transitions) != 1 || fx.recorder.transitions[0] != "bob" {
		t.Errorf("expected one transition for bob, got %v", fx.recorder.transitions)
	}

	if err := fx.router.MarkRoomSeen(context.Background(), "bob", "lobby"); err == nil {
		t.Error("expected error for non-numeric room")
	}
}

func TestUnreadCount(t *testing.T) {
	fx := newFixture()
	fx.recorder.unread = 4

	n, err := fx.router.UnreadCount(context.Background(), "bob", 7)
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 unread, got %d", n)
	}
}
