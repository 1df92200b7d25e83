package ingest

import (
	"context"
	"testing"

	apperrors "github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/internal/room/event"
	"github.com/driftline/driftline/internal/room/stateres"
	"github.com/driftline/driftline/internal/storage"
)

type memDB struct {
	events map[event.ID]event.Event
	states map[event.ID]event.StateMap
}

func newMemDB() *memDB {
	return &memDB{
		events: make(map[event.ID]event.Event),
		states: make(map[event.ID]event.StateMap),
	}
}

func (db *memDB) GetEvent(_ context.Context, id event.ID) (event.Event, bool, error) {
	ev, ok := db.events[id]
	return ev, ok, nil
}

func (db *memDB) GetStateIDsForEvent(_ context.Context, id event.ID) (event.StateMap, error) {
	state, ok := db.states[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return state.Clone(), nil
}

func (db *memDB) PutEvent(_ context.Context, ev event.Event) error {
	if _, ok := db.events[ev.ID]; !ok {
		db.events[ev.ID] = ev
	}
	return nil
}

func (db *memDB) SetStateAtEvent(_ context.Context, _ string, id event.ID, state event.StateMap) error {
	db.states[id] = state.Clone()
	return nil
}

type allowAll struct{}

func (allowAll) Authorized(context.Context, string, event.Event, event.StateMap) (bool, error) {
	return true, nil
}

func strPtr(s string) *string { return &s }

func newTestIngester(db *memDB) *Ingester {
	return New(db, stateres.New(db, allowAll{}))
}

func TestIngestRoomCreation(t *testing.T) {
	db := newMemDB()
	ingester := newTestIngester(db)

	create := event.Event{
		ID: "$create", RoomID: "!r:a", Type: event.TypeCreate, StateKey: strPtr(""),
		Sender: "@alice:a", RoomVersion: "1", Depth: 1,
	}
	if err := ingester.Ingest(context.Background(), create); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	state, err := db.GetStateIDsForEvent(context.Background(), "$create")
	if err != nil {
		t.Fatalf("state at $create: %v", err)
	}
	if got := state[event.StateKey{Type: event.TypeCreate, Key: ""}]; got != "$create" {
		t.Fatalf("create = %s, want $create", got)
	}
}

func TestIngestSingleParentExtendsState(t *testing.T) {
	db := newMemDB()
	ingester := newTestIngester(db)

	events := []event.Event{
		{ID: "$create", RoomID: "!r:a", Type: event.TypeCreate, StateKey: strPtr(""),
			Sender: "@alice:a", RoomVersion: "1", Depth: 1},
		{ID: "$topic", RoomID: "!r:a", Type: event.TypeTopic, StateKey: strPtr(""),
			Sender: "@alice:a", RoomVersion: "1", Depth: 2, PrevEvents: []event.ID{"$create"}},
		{ID: "$msg", RoomID: "!r:a", Type: event.TypeMessage,
			Sender: "@alice:a", RoomVersion: "1", Depth: 3, PrevEvents: []event.ID{"$topic"}},
	}
	for _, ev := range events {
		if err := ingester.Ingest(context.Background(), ev); err != nil {
			t.Fatalf("ingest %s: %v", ev.ID, err)
		}
	}

	state, err := db.GetStateIDsForEvent(context.Background(), "$msg")
	if err != nil {
		t.Fatalf("state at $msg: %v", err)
	}
	want := event.StateMap{
		{Type: event.TypeCreate, Key: ""}: "$create",
		{Type: event.TypeTopic, Key: ""}:  "$topic",
	}
	if !state.Equal(want) {
		t.Fatalf("state = %v, want %v", state, want)
	}
}

func TestIngestForkMergeResolves(t *testing.T) {
	db := newMemDB()
	ingester := newTestIngester(db)

	events := []event.Event{
		{ID: "$create", RoomID: "!r:a", Type: event.TypeCreate, StateKey: strPtr(""),
			Sender: "@alice:a", RoomVersion: "1", Depth: 1},
		{ID: "$topic-a", RoomID: "!r:a", Type: event.TypeTopic, StateKey: strPtr(""),
			Sender: "@alice:a", RoomVersion: "1", Depth: 2,
			PrevEvents: []event.ID{"$create"}, AuthEvents: []event.ID{"$create"}},
		{ID: "$topic-b", RoomID: "!r:a", Type: event.TypeTopic, StateKey: strPtr(""),
			Sender: "@bob:a", RoomVersion: "1", Depth: 2,
			PrevEvents: []event.ID{"$create"}, AuthEvents: []event.ID{"$create"}},
		{ID: "$merge", RoomID: "!r:a", Type: event.TypeMessage,
			Sender: "@alice:a", RoomVersion: "1", Depth: 3,
			PrevEvents: []event.ID{"$topic-a", "$topic-b"}},
	}
	for _, ev := range events {
		if err := ingester.Ingest(context.Background(), ev); err != nil {
			t.Fatalf("ingest %s: %v", ev.ID, err)
		}
	}

	state, err := db.GetStateIDsForEvent(context.Background(), "$merge")
	if err != nil {
		t.Fatalf("state at $merge: %v", err)
	}
	// Same mainline position and depth, so the byte-wise ID tie-break
	// decides: the later-sorting topic is applied last and wins.
	if got := state[event.StateKey{Type: event.TypeTopic, Key: ""}]; got != "$topic-b" {
		t.Fatalf("topic = %s, want $topic-b", got)
	}
}

func TestIngestEqualParentStatesSkipResolution(t *testing.T) {
	db := newMemDB()
	ingester := newTestIngester(db)

	events := []event.Event{
		{ID: "$create", RoomID: "!r:a", Type: event.TypeCreate, StateKey: strPtr(""),
			Sender: "@alice:a", RoomVersion: "1", Depth: 1},
		{ID: "$msg-a", RoomID: "!r:a", Type: event.TypeMessage,
			Sender: "@alice:a", RoomVersion: "1", Depth: 2, PrevEvents: []event.ID{"$create"}},
		{ID: "$msg-b", RoomID: "!r:a", Type: event.TypeMessage,
			Sender: "@bob:a", RoomVersion: "1", Depth: 2, PrevEvents: []event.ID{"$create"}},
		{ID: "$merge", RoomID: "!r:a", Type: event.TypeMessage,
			Sender: "@alice:a", RoomVersion: "1", Depth: 3,
			PrevEvents: []event.ID{"$msg-a", "$msg-b"}},
	}
	for _, ev := range events {
		if err := ingester.Ingest(context.Background(), ev); err != nil {
			t.Fatalf("ingest %s: %v", ev.ID, err)
		}
	}

	state, err := db.GetStateIDsForEvent(context.Background(), "$merge")
	if err != nil {
		t.Fatalf("state at $merge: %v", err)
	}
	want := event.StateMap{{Type: event.TypeCreate, Key: ""}: "$create"}
	if !state.Equal(want) {
		t.Fatalf("state = %v, want %v", state, want)
	}
}

func TestIngestRejectsInvalidEvent(t *testing.T) {
	ingester := newTestIngester(newMemDB())

	err := ingester.Ingest(context.Background(), event.Event{ID: "$x"})
	if !apperrors.IsCode(err, apperrors.CodeInvalidEvent) {
		t.Fatalf("err = %v, want code %s", err, apperrors.CodeInvalidEvent)
	}
}

func TestIngestUnknownParentState(t *testing.T) {
	db := newMemDB()
	ingester := newTestIngester(db)

	ev := event.Event{
		ID: "$orphan", RoomID: "!r:a", Type: event.TypeMessage,
		Sender: "@alice:a", RoomVersion: "1", Depth: 5,
		PrevEvents: []event.ID{"$unknown"},
	}
	err := ingester.Ingest(context.Background(), ev)
	if !apperrors.IsCode(err, apperrors.CodeMissingEvent) {
		t.Fatalf("err = %v, want code %s", err, apperrors.CodeMissingEvent)
	}
}
