package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/driftline/driftline/internal/room/event"
	"github.com/driftline/driftline/internal/storage"
)

// EventStore / EventWriter methods

func encodeIDs(ids []event.ID) (string, error) {
	if ids == nil {
		ids = []event.ID{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode event ids: %w", err)
	}
	return string(raw), nil
}

func decodeIDs(raw string) ([]event.ID, error) {
	if raw == "" {
		return nil, nil
	}
	var ids []event.ID
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode event ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}

// PutEvent persists one immutable event. Re-inserting an already stored
// event is a no-op: events never change after ingestion.
func (s *Store) PutEvent(ctx context.Context, ev event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if !ev.IsValid() {
		return fmt.Errorf("event is missing required fields")
	}

	authJSON, err := encodeIDs(ev.AuthEvents)
	if err != nil {
		return err
	}
	prevJSON, err := encodeIDs(ev.PrevEvents)
	if err != nil {
		return err
	}

	var stateKey sql.NullString
	if ev.StateKey != nil {
		stateKey = sql.NullString{String: *ev.StateKey, Valid: true}
	}
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT OR IGNORE INTO events
    (id, room_id, event_type, state_key, sender, auth_events, prev_events, room_version, depth, content, received_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.ID), ev.RoomID, string(ev.Type), stateKey, ev.Sender,
		authJSON, prevJSON, ev.RoomVersion, ev.Depth, ev.Content, toMillis(receivedAt),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvent fetches one event by ID with allow-missing semantics.
func (s *Store) GetEvent(ctx context.Context, id event.ID) (event.Event, bool, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, false, err
	}
	if s == nil || s.sqlDB == nil {
		return event.Event{}, false, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, room_id, event_type, state_key, sender, auth_events, prev_events, room_version, depth, content, received_at
FROM events WHERE id = ?`, string(id))

	var (
		ev         event.Event
		evID       string
		evType     string
		stateKey   sql.NullString
		authJSON   string
		prevJSON   string
		receivedAt int64
	)
	err := row.Scan(&evID, &ev.RoomID, &evType, &stateKey, &ev.Sender,
		&authJSON, &prevJSON, &ev.RoomVersion, &ev.Depth, &ev.Content, &receivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, false, nil
	}
	if err != nil {
		return event.Event{}, false, fmt.Errorf("scan event: %w", err)
	}

	ev.ID = event.ID(evID)
	ev.Type = event.Type(evType)
	if stateKey.Valid {
		key := stateKey.String
		ev.StateKey = &key
	}
	if ev.AuthEvents, err = decodeIDs(authJSON); err != nil {
		return event.Event{}, false, err
	}
	if ev.PrevEvents, err = decodeIDs(prevJSON); err != nil {
		return event.Event{}, false, err
	}
	ev.ReceivedAt = fromMillis(receivedAt)
	return ev, true, nil
}

// GetStateIDsForEvent returns the stored room state immediately after the event.
func (s *Store) GetStateIDsForEvent(ctx context.Context, id event.ID) (event.StateMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT state_type, state_key, state_event_id
FROM event_state WHERE event_id = ?`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query event state: %w", err)
	}
	defer rows.Close()

	state := event.StateMap{}
	for rows.Next() {
		var stateType, stateKey, stateEventID string
		if err := rows.Scan(&stateType, &stateKey, &stateEventID); err != nil {
			return nil, fmt.Errorf("scan event state: %w", err)
		}
		state[event.StateKey{Type: event.Type(stateType), Key: stateKey}] = event.ID(stateEventID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event state: %w", err)
	}
	if len(state) == 0 {
		return state, storage.ErrNotFound
	}
	return state, nil
}

// SetStateAtEvent records the resolved room state at one DAG point.
func (s *Store) SetStateAtEvent(ctx context.Context, roomID string, id event.ID, state event.StateMap) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin state write: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback state write: %v", cause, rollbackErr)
		}
		return cause
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM event_state WHERE event_id = ?", string(id)); err != nil {
		return rollbackWith(fmt.Errorf("clear previous state: %w", err))
	}
	for _, key := range state.SortedKeys() {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO event_state (event_id, room_id, state_type, state_key, state_event_id)
VALUES (?, ?, ?, ?, ?)`,
			string(id), roomID, string(key.Type), key.Key, string(state[key])); err != nil {
			return rollbackWith(fmt.Errorf("insert state entry: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state write: %w", err)
	}
	return nil
}
