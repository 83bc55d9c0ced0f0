// Package presence tracks the connection state of known users. The registry
// is in-memory, process-wide mutable state shared by every connection
// handler; it lives for the lifetime of the process and resets on restart.
package presence

import (
	"errors"
	"fmt"
	"sync"
)

// State is a user's presence state. The set is closed: values outside the
// enum are rejected by ParseState.
type State string

const (
	StateOnline  State = "ONLINE"
	StateOffline State = "OFFLINE"
	StateAway    State = "AWAY"
	StateBusy    State = "BUSY"
)

// ErrInvalidState is returned when a state string is not a member of the
// State enum.
var ErrInvalidState = errors.New("presence: invalid user state")

var validStates = map[State]bool{
	StateOnline:  true,
	StateOffline: true,
	StateAway:    true,
	StateBusy:    true,
}

// ParseState validates a raw state value against the closed enum.
func ParseState(raw string) (State, error) {
	s := State(raw)
	if !validStates[s] {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, raw)
	}
	return s, nil
}

// Entry is the presence record for a single user. At most one entry exists
// per login.
type Entry struct {
	Login string
	State State
}

// Registry is a concurrency-safe keyed container of presence entries. All
// operations are safe under concurrent access from multiple connection
// handlers; read-modify-write is atomic per key.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]State
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]State)}
}

// SetState upserts the entry for login: created if absent, overwritten if
// present. It always succeeds.
func (r *Registry) SetState(login string, state State) {
	r.mu.Lock()
	r.entries[login] = state
	r.mu.Unlock()
}

// Get returns the entry for login and whether one exists. Absence means the
// user has never been seen (or was removed on disconnect).
func (r *Registry) Get(login string) (Entry, bool) {
	r.mu.RLock()
	state, ok := r.entries[login]
	r.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	return Entry{Login: login, State: state}, true
}

// Remove deletes the entry for login if present. Removing an absent login is
// a no-op.
func (r *Registry) Remove(login string) {
	r.mu.Lock()
	delete(r.entries, login)
	r.mu.Unlock()
}

// Len returns the current number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	n := len(r.entries)
	r.mu.RUnlock()
	return n
}
