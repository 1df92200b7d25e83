package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/driftline/driftline/internal/storage"
)

// RoomStore and StreamStore methods

// GetRoom loads per-room partial-state bookkeeping.
func (s *Store) GetRoom(ctx context.Context, roomID string) (storage.RoomRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.RoomRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.RoomRecord{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT room_id, has_full_state, resync_peer, partial_since, un_partial_stated_at
FROM rooms WHERE room_id = ?`, roomID)
	record, err := scanRoomRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.RoomRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.RoomRecord{}, fmt.Errorf("scan room: %w", err)
	}
	return record, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoomRecord(row rowScanner) (storage.RoomRecord, error) {
	var (
		record       storage.RoomRecord
		hasFullState int64
		partialSince int64
	)
	if err := row.Scan(&record.RoomID, &hasFullState, &record.ResyncPeer,
		&partialSince, &record.UnPartialStatedAt); err != nil {
		return storage.RoomRecord{}, err
	}
	record.HasFullState = hasFullState != 0
	if partialSince > 0 {
		record.PartialSince = fromMillis(partialSince)
	}
	return record, nil
}

// MarkPartialState flags a newly joined room as lacking full state.
// The flag is one-way: a room that already reached full state stays there.
func (s *Store) MarkPartialState(ctx context.Context, roomID, resyncPeer string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(roomID) == "" {
		return fmt.Errorf("room id is required")
	}

	existing, err := s.GetRoom(ctx, roomID)
	if err == nil && existing.HasFullState && existing.UnPartialStatedAt > 0 {
		return storage.ErrAlreadyFullyStated
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO rooms (room_id, has_full_state, resync_peer, partial_since)
VALUES (?, 0, ?, ?)
ON CONFLICT (room_id) DO UPDATE SET
    has_full_state = 0,
    resync_peer = excluded.resync_peer,
    partial_since = excluded.partial_since
WHERE rooms.un_partial_stated_at = 0`,
		roomID, resyncPeer, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("mark partial state: %w", err)
	}
	return nil
}

// ListPartialStateRooms returns rooms still awaiting a resync.
func (s *Store) ListPartialStateRooms(ctx context.Context) ([]storage.RoomRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT room_id, has_full_state, resync_peer, partial_since, un_partial_stated_at
FROM rooms WHERE has_full_state = 0 ORDER BY partial_since ASC`)
	if err != nil {
		return nil, fmt.Errorf("query partial rooms: %w", err)
	}
	defer rows.Close()

	var records []storage.RoomRecord
	for rows.Next() {
		record, err := scanRoomRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan partial room: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate partial rooms: %w", err)
	}
	return records, nil
}

// MarkFullyStated atomically flips the room to full state, allocates the
// next stream position and enqueues the un-partial-stated row. Readers only
// ever observe the cleared flag together with the durable stream row.
func (s *Store) MarkFullyStated(ctx context.Context, roomID, instance string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(instance) == "" {
		return 0, fmt.Errorf("writer instance is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin un-partial-state write: %w", err)
	}
	rollbackWith := func(cause error) (int64, error) {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return 0, fmt.Errorf("%w: rollback un-partial-state write: %v", cause, rollbackErr)
		}
		return 0, cause
	}

	var hasFullState int64
	err = tx.QueryRowContext(ctx,
		"SELECT has_full_state FROM rooms WHERE room_id = ?", roomID).Scan(&hasFullState)
	if errors.Is(err, sql.ErrNoRows) {
		return rollbackWith(storage.ErrNotFound)
	}
	if err != nil {
		return rollbackWith(fmt.Errorf("load room flag: %w", err))
	}
	if hasFullState != 0 {
		return rollbackWith(storage.ErrAlreadyFullyStated)
	}

	position, err := nextStreamPosition(ctx, tx)
	if err != nil {
		return rollbackWith(err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE rooms SET has_full_state = 1, un_partial_stated_at = ? WHERE room_id = ?`,
		position, roomID); err != nil {
		return rollbackWith(fmt.Errorf("clear partial flag: %w", err))
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO un_partial_stated_stream (position, instance, room_id, written_at)
VALUES (?, ?, ?, ?)`,
		position, instance, roomID, toMillis(time.Now())); err != nil {
		return rollbackWith(fmt.Errorf("enqueue stream row: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit un-partial-state write: %w", err)
	}
	return position, nil
}

// nextStreamPosition draws the next value from the shared stream sequence.
// All writer instances allocate from one sequence, so positions are globally
// ordered even with multiple writers.
func nextStreamPosition(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO stream_sequence (id, position) VALUES (1, 0)"); err != nil {
		return 0, fmt.Errorf("init stream sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE stream_sequence SET position = position + 1 WHERE id = 1"); err != nil {
		return 0, fmt.Errorf("advance stream sequence: %w", err)
	}
	var position int64
	if err := tx.QueryRowContext(ctx,
		"SELECT position FROM stream_sequence WHERE id = 1").Scan(&position); err != nil {
		return 0, fmt.Errorf("read stream sequence: %w", err)
	}
	return position, nil
}

// StreamRowsSince returns stream rows strictly after the token position and
// no later than upTo, ordered by position ascending.
func (s *Store) StreamRowsSince(ctx context.Context, after, upTo int64) ([]storage.StreamRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT position, instance, room_id, written_at
FROM un_partial_stated_stream
WHERE position > ? AND position <= ?
ORDER BY position ASC`, after, upTo)
	if err != nil {
		return nil, fmt.Errorf("query stream rows: %w", err)
	}
	defer rows.Close()

	var result []storage.StreamRow
	for rows.Next() {
		var (
			row       storage.StreamRow
			writtenAt int64
		)
		if err := rows.Scan(&row.Position, &row.Instance, &row.RoomID, &writtenAt); err != nil {
			return nil, fmt.Errorf("scan stream row: %w", err)
		}
		row.WrittenAt = fromMillis(writtenAt)
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stream rows: %w", err)
	}
	return result, nil
}

// StreamPositions returns the highest written position per writer instance.
func (s *Store) StreamPositions(ctx context.Context) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT instance, MAX(position) FROM un_partial_stated_stream GROUP BY instance`)
	if err != nil {
		return nil, fmt.Errorf("query stream positions: %w", err)
	}
	defer rows.Close()

	positions := make(map[string]int64)
	for rows.Next() {
		var (
			instance string
			position int64
		)
		if err := rows.Scan(&instance, &position); err != nil {
			return nil, fmt.Errorf("scan stream position: %w", err)
		}
		positions[instance] = position
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stream positions: %w", err)
	}
	return positions, nil
}
