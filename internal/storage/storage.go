// Package storage defines the persistence capabilities the room-state core
// depends on. Each collaborator is a small interface injected where needed;
// the SQLite implementation in the sqlite subpackage satisfies all of them.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/driftline/driftline/internal/room/event"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyFullyStated indicates a partial-state transition was requested
	// for a room that already has full state. The flag only moves one way.
	ErrAlreadyFullyStated = errors.New("room already has full state")
)

// EventStore reads events and per-event state snapshots.
type EventStore interface {
	// GetEvent fetches one event by ID. A missing event is reported via the
	// boolean, not an error, so callers can do defensive lookups.
	GetEvent(ctx context.Context, id event.ID) (event.Event, bool, error)
	// GetStateIDsForEvent returns the room state immediately after the event.
	GetStateIDsForEvent(ctx context.Context, id event.ID) (event.StateMap, error)
}

// RoomEventLog exposes the per-room view of the event DAG the resync
// driver walks.
type RoomEventLog interface {
	// LatestRoomEvent returns the deepest locally known event of the room.
	LatestRoomEvent(ctx context.Context, roomID string) (event.Event, bool, error)
	// RoomEventIDsByDepth returns the room's locally known events ordered by
	// (depth, id) ascending, a causal (topological) order over the DAG.
	RoomEventIDsByDepth(ctx context.Context, roomID string) ([]event.ID, error)
}

// EventWriter persists events and resolved state snapshots.
type EventWriter interface {
	PutEvent(ctx context.Context, ev event.Event) error
	// SetStateAtEvent records the resolved state of the room at one DAG point.
	SetStateAtEvent(ctx context.Context, roomID string, id event.ID, state event.StateMap) error
}

// RoomRecord stores per-room bookkeeping for partial-state tracking.
type RoomRecord struct {
	RoomID string
	// HasFullState is false while the room is served with partial state.
	HasFullState bool
	// ResyncPeer is the server the background resync fetches from.
	ResyncPeer string
	// PartialSince is when the room was joined with partial state.
	PartialSince time.Time
	// UnPartialStatedAt is the stream position allocated when full state was
	// reached, zero while the room is still partial.
	UnPartialStatedAt int64
}

// RoomStore tracks per-room partial-state flags.
type RoomStore interface {
	GetRoom(ctx context.Context, roomID string) (RoomRecord, error)
	// MarkPartialState flags a newly joined room as lacking full state.
	// Returns ErrAlreadyFullyStated if the room finished resyncing already.
	MarkPartialState(ctx context.Context, roomID, resyncPeer string) error
	// ListPartialStateRooms returns rooms still awaiting a resync.
	ListPartialStateRooms(ctx context.Context) ([]RoomRecord, error)
	// MarkFullyStated atomically clears the partial-state flag, allocates the
	// next stream position for this writer instance and enqueues the
	// un-partial-stated row. No reader may observe the cleared flag before
	// the row is durable, so this is a single transaction.
	MarkFullyStated(ctx context.Context, roomID, instance string) (int64, error)
}

// StreamRow is one entry of the un-partial-stated replication stream.
type StreamRow struct {
	// Instance is the writer that emitted the row.
	Instance string
	// Position is the writer's monotonic position for this row.
	Position int64
	// RoomID is the room that became fully stated.
	RoomID string
	// WrittenAt is when the row was enqueued.
	WrittenAt time.Time
}

// StreamStore reads the un-partial-stated replication stream.
type StreamStore interface {
	// StreamRowsSince returns rows strictly after the token position and no
	// later than the limit position, ordered by position ascending.
	StreamRowsSince(ctx context.Context, after, upTo int64) ([]StreamRow, error)
	// StreamPositions returns the highest written position per instance.
	StreamPositions(ctx context.Context) (map[string]int64, error)
}
