// Package event defines the immutable room event model and the state map
// derived from it. Rooms form a directed acyclic graph of events linked by
// previous-event references; a subset of events (those carrying a state key)
// additionally contribute entries to the room's state.
package event

import (
	"sort"
	"strings"
	"time"
)

// ID is the globally unique identifier of an event within a room.
type ID string

// Type identifies the kind of a room event.
type Type string

// Well-known state event types.
const (
	// TypeCreate records the creation of a room.
	TypeCreate Type = "m.room.create"
	// TypeMember records a membership change for one user.
	TypeMember Type = "m.room.member"
	// TypePowerLevels records the room's authority assignments.
	TypePowerLevels Type = "m.room.power_levels"
	// TypeJoinRules records who may join the room.
	TypeJoinRules Type = "m.room.join_rules"
	// TypeTopic records the room topic.
	TypeTopic Type = "m.room.topic"
	// TypeMessage records a plain message. Never a state event.
	TypeMessage Type = "m.room.message"
)

// StateKey addresses one entry in a room's state.
type StateKey struct {
	// Type is the event type of the state entry.
	Type Type
	// Key is the event's state key (often empty, e.g. for room-wide state).
	Key string
}

// Event represents one immutable node of a room DAG. Events are never
// mutated after ingestion; all derived data (auth chains, resolved state)
// is recomputed from them.
type Event struct {
	// ID is the event identifier, unique within the room.
	ID ID
	// RoomID is the room this event belongs to.
	RoomID string
	// Type identifies the kind of event.
	Type Type
	// StateKey is present iff the event is a state event.
	StateKey *string
	// Sender is the user that created the event.
	Sender string
	// AuthEvents are the events cited as authorizing this one, in order.
	AuthEvents []ID
	// PrevEvents are the DAG parents of this event, in order.
	PrevEvents []ID
	// RoomVersion selects the authorization rule set for the room.
	RoomVersion string
	// Depth increases monotonically along any path from room creation.
	Depth int64
	// Content holds the event body as JSON.
	Content []byte
	// ReceivedAt is when this server first stored the event.
	ReceivedAt time.Time
}

// IsState reports whether the event is a state event.
func (e Event) IsState() bool {
	return e.StateKey != nil
}

// StateTuple returns the state map key this event addresses.
// The second return is false for non-state events.
func (e Event) StateTuple() (StateKey, bool) {
	if e.StateKey == nil {
		return StateKey{}, false
	}
	return StateKey{Type: e.Type, Key: *e.StateKey}, true
}

// IsValid reports whether the event carries the minimum fields required to
// participate in a room DAG.
func (e Event) IsValid() bool {
	return strings.TrimSpace(string(e.ID)) != "" &&
		strings.TrimSpace(e.RoomID) != "" &&
		strings.TrimSpace(string(e.Type)) != ""
}

// StateMap maps state keys to the event holding that piece of state.
// Multiple state maps may exist concurrently, one per unmerged DAG fork,
// until resolution converges them into one.
type StateMap map[StateKey]ID

// Clone returns an independent copy of the state map.
func (m StateMap) Clone() StateMap {
	out := make(StateMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Equal reports whether two state maps hold identical entries.
func (m StateMap) Equal(other StateMap) bool {
	if len(m) != len(other) {
		return false
	}
	for k, v := range m {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// SortedKeys returns the state keys in a fixed (type, key) order.
// Used wherever map iteration order would leak into observable output.
func (m StateMap) SortedKeys() []StateKey {
	keys := make([]StateKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].Key < keys[j].Key
	})
	return keys
}

// SortIDs orders event IDs ascending by byte value. This is the final
// tie-break of the resolution ordering, so it must be identical on every
// server.
func SortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
