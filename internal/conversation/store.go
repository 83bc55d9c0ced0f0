// Package conversation provides PostgreSQL-backed storage for delivered chat
// messages. One row is written per (sender, receiver) pair of every fanned-out
// message; rows move from DELIVERED to SEEN through an explicit bulk
// transition scoped to a room and receiver.
package conversation

import (
	"context"
	"database/sql"
	"fmt"
)

// State is the delivery state of a conversation row.
type State string

const (
	StateDelivered State = "DELIVERED"
	StateSeen      State = "SEEN"
)

// Store manages conversation rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a conversation store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts one conversation row in DELIVERED state for a message from
// sender to receiver within the given room.
func (s *Store) Record(ctx context.Context, content string, roomID int64, sender, receiver string) error {
	const query = `
		INSERT INTO conversations (content, sender, receiver, room_id, state)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query, content, sender, receiver, roomID, StateDelivered)
	if err != nil {
		return fmt.Errorf("conversation: insert: %w", err)
	}
	return nil
}

// BulkTransition moves every conversation row for (roomID, receiver) from one
// state to another in a single statement. Transitioning zero rows is not an
// error.
func (s *Store) BulkTransition(ctx context.Context, roomID int64, receiver string, from, to State) error {
	const query = `
		UPDATE conversations
		SET state = $1
		WHERE room_id = $2 AND receiver = $3 AND state = $4`

	_, err := s.db.ExecContext(ctx, query, to, roomID, receiver, from)
	if err != nil {
		return fmt.Errorf("conversation: bulk transition: %w", err)
	}
	return nil
}

// CountByState returns the number of conversation rows addressed to receiver
// in the given state. A roomID of 0 counts across all rooms.
func (s *Store) CountByState(ctx context.Context, receiver string, state State, roomID int64) (int, error) {
	var (
		count int
		err   error
	)
	if roomID == 0 {
		const query = `
			SELECT COUNT(*) FROM conversations
			WHERE receiver = $1 AND state = $2`
		err = s.db.QueryRowContext(ctx, query, receiver, state).Scan(&count)
	} else {
		const query = `
			SELECT COUNT(*) FROM conversations
			WHERE receiver = $1 AND state = $2 AND room_id = $3`
		err = s.db.QueryRowContext(ctx, query, receiver, state, roomID).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("conversation: count by state: %w", err)
	}
	return count, nil
}
