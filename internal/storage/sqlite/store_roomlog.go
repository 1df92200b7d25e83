package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/driftline/driftline/internal/room/event"
)

// RoomEventLog methods

// LatestRoomEvent returns the deepest locally known event of the room.
// Ties on depth break by event ID so the result is stable.
func (s *Store) LatestRoomEvent(ctx context.Context, roomID string) (event.Event, bool, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, false, err
	}
	if s == nil || s.sqlDB == nil {
		return event.Event{}, false, fmt.Errorf("storage is not configured")
	}

	var id string
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id FROM events WHERE room_id = ? ORDER BY depth DESC, id DESC LIMIT 1`,
		roomID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, false, nil
	}
	if err != nil {
		return event.Event{}, false, fmt.Errorf("query latest room event: %w", err)
	}
	return s.GetEvent(ctx, event.ID(id))
}

// RoomEventIDsByDepth returns the room's events ordered by (depth, id)
// ascending. Depth increases monotonically along every DAG path, so this is
// a causal order.
func (s *Store) RoomEventIDsByDepth(ctx context.Context, roomID string) ([]event.ID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id FROM events WHERE room_id = ? ORDER BY depth ASC, id ASC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("query room events: %w", err)
	}
	defer rows.Close()

	var ids []event.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan room event id: %w", err)
		}
		ids = append(ids, event.ID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room events: %w", err)
	}
	return ids, nil
}
