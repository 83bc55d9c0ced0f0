// Package room reads room membership from PostgreSQL. The canonical room
// records are owned by the entity-management side of the application; this
// store only resolves a room id to its current member logins and is queried
// fresh on every fanout so membership changes take effect immediately.
package room

import (
	"context"
	"database/sql"
	"fmt"
)

// Store resolves room membership.
type Store struct {
	db *sql.DB
}

// NewStore creates a room store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Members returns the logins of every member of the room. An unknown room
// yields an empty slice, not an error.
func (s *Store) Members(ctx context.Context, roomID int64) ([]string, error) {
	const query = `
		SELECT login FROM room_members
		WHERE room_id = $1
		ORDER BY login`

	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("room: members of %d: %w", roomID, err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, fmt.Errorf("room: scan member: %w", err)
		}
		members = append(members, login)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("room: members of %d: %w", roomID, err)
	}
	return members, nil
}

// Add inserts a member into a room. It is idempotent.
func (s *Store) Add(ctx context.Context, roomID int64, login string) error {
	const query = `
		INSERT INTO room_members (room_id, login)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, roomID, login); err != nil {
		return fmt.Errorf("room: add member: %w", err)
	}
	return nil
}
