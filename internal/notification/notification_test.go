package notification

import (
	"encoding/json"
	"testing"
	"time"
)

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewUserState(t *testing.T) {
	n := NewUserState(testTime, "alice", "ONLINE", "User «alice» Connected")

	if n.Type != TypeUserState {
		t.Errorf("expected type %v, got %v", TypeUserState, n.Type)
	}
	if n.Content != "User «alice» Connected" {
		t.Errorf("unexpected content %q", n.Content)
	}
	if n.Metadata[KeyUser] != "alice" {
		t.Errorf("expected USER=alice, got %q", n.Metadata[KeyUser])
	}
	if n.Metadata[KeyState] != "ONLINE" {
		t.Errorf("expected STATE=ONLINE, got %q", n.Metadata[KeyState])
	}
	if !n.Time.Equal(testTime) {
		t.Errorf("expected time %v, got %v", testTime, n.Time)
	}
}

func TestNewOnlineUsers(t *testing.T) {
	n, err := NewOnlineUsers(testTime, []UserStatus{
		{Username: "bob", State: "BUSY"},
		{Username: "carol", State: "ONLINE"},
	})
	if err != nil {
		t.Fatalf("NewOnlineUsers: %v", err)
	}
	if n.Type != TypeOnlineUsers {
		t.Errorf("expected type %v, got %v", TypeOnlineUsers, n.Type)
	}

	var users []UserStatus
	if err := json.Unmarshal([]byte(n.Metadata[KeyUsers]), &users); err != nil {
		t.Fatalf("USERS is not a JSON array: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
	if users[0].Username != "bob" || users[0].State != "BUSY" {
		t.Errorf("unexpected first user: %+v", users[0])
	}
}

func TestNewOnlineUsers_Empty(t *testing.T) {
	n, err := NewOnlineUsers(testTime, nil)
	if err != nil {
		t.Fatalf("NewOnlineUsers: %v", err)
	}
	if n.Metadata[KeyUsers] != "[]" {
		t.Errorf("expected empty JSON array, got %q", n.Metadata[KeyUsers])
	}
}

func TestNewIncomingMessage(t *testing.T) {
	n := NewIncomingMessage(testTime, "alice", "hello there")

	if n.Content != "New message from alice" {
		t.Errorf("unexpected content %q", n.Content)
	}
	if n.Metadata[KeyMessage] != "hello there" {
		t.Errorf("expected MESSAGE preserved, got %q", n.Metadata[KeyMessage])
	}
	if n.Metadata[KeyUser] != "alice" {
		t.Errorf("expected USER=alice, got %q", n.Metadata[KeyUser])
	}
}

func TestNewCallSignal(t *testing.T) {
	cases := []struct {
		typ     Type
		content string
	}{
		{TypeIncomingCall, "alice is calling you!"},
		{TypeAcceptedCall, "alice accepted your call!"},
		{TypeCancelledCall, "alice cancelled the call!"},
		{TypeRejectedCall, "alice rejected your call!"},
	}
	for _, tc := range cases {
		n := NewCallSignal(testTime, tc.typ, "alice")
		if n == nil {
			t.Fatalf("NewCallSignal(%v) returned nil", tc.typ)
		}
		if n.Content != tc.content {
			t.Errorf("%v: expected content %q, got %q", tc.typ, tc.content, n.Content)
		}
	}

	if n := NewCallSignal(testTime, TypeIncomingMessage, "alice"); n != nil {
		t.Errorf("expected nil for non-call type, got %+v", n)
	}
}

func TestIsCallSignal(t *testing.T) {
	for _, typ := range []Type{TypeIncomingCall, TypeAcceptedCall, TypeCancelledCall, TypeRejectedCall} {
		if !IsCallSignal(typ) {
			t.Errorf("expected %v to be a call signal", typ)
		}
	}
	for _, typ := range []Type{TypeUserState, TypeOnlineUsers, TypeIncomingMessage} {
		if IsCallSignal(typ) {
			t.Errorf("expected %v not to be a call signal", typ)
		}
	}
}

func TestMarshalOmitsEmptyContent(t *testing.T) {
	n := New(testTime, TypeOnlineUsers)
	blob, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(blob, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["content"]; ok {
		t.Error("expected content to be omitted when empty")
	}
	if _, ok := raw["metadata"]; !ok {
		t.Error("expected metadata to be present")
	}
}

func TestParseMetadata(t *testing.T) {
	m, err := ParseMetadata(`{"ROOM":"7","MESSAGE":"hi"}`)
	if err != nil {
		t.Fatalf("ParseMetadata: %v", err)
	}
	room, ok := m.Room()
	if !ok || room != "7" {
		t.Errorf("expected ROOM=7, got %q (present=%v)", room, ok)
	}
	if m.Message() != "hi" {
		t.Errorf("expected MESSAGE=hi, got %q", m.Message())
	}
}

func TestParseMetadata_Malformed(t *testing.T) {
	for _, blob := range []string{"{not json", `["a","b"]`, `{"k":1}`} {
		m, err := ParseMetadata(blob)
		if err == nil {
			t.Errorf("ParseMetadata(%q): expected error", blob)
		}
		if m == nil {
			t.Fatalf("ParseMetadata(%q): expected non-nil map on error", blob)
		}
		if len(m) != 0 {
			t.Errorf("ParseMetadata(%q): expected empty map, got %v", blob, m)
		}
	}
}

func TestParseMetadata_Empty(t *testing.T) {
	m, err := ParseMetadata("")
	if err != nil {
		t.Fatalf("ParseMetadata(\"\"): %v", err)
	}
	if len(m) != 0 {
		t.Errorf("expected empty map, got %v", m)
	}
	if _, ok := m.Room(); ok {
		t.Error("expected no ROOM in empty metadata")
	}
}
