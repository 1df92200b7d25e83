package event

import (
	"testing"
)

func strPtr(s string) *string { return &s }

func TestStateTuple(t *testing.T) {
	tests := []struct {
		name    string
		ev      Event
		want    StateKey
		isState bool
	}{
		{
			name:    "state event with empty key",
			ev:      Event{Type: TypeTopic, StateKey: strPtr("")},
			want:    StateKey{Type: TypeTopic, Key: ""},
			isState: true,
		},
		{
			name:    "member event keyed by user",
			ev:      Event{Type: TypeMember, StateKey: strPtr("@alice:a")},
			want:    StateKey{Type: TypeMember, Key: "@alice:a"},
			isState: true,
		},
		{
			name:    "message is not state",
			ev:      Event{Type: TypeMessage},
			isState: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := tc.ev.StateTuple()
			if ok != tc.isState {
				t.Fatalf("isState = %v, want %v", ok, tc.isState)
			}
			if ok && got != tc.want {
				t.Fatalf("tuple = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestIsValid(t *testing.T) {
	valid := Event{ID: "$1", RoomID: "!r:a", Type: TypeMessage}
	if !valid.IsValid() {
		t.Fatal("expected event to be valid")
	}
	tests := []struct {
		name string
		ev   Event
	}{
		{"missing id", Event{RoomID: "!r:a", Type: TypeMessage}},
		{"missing room", Event{ID: "$1", Type: TypeMessage}},
		{"missing type", Event{ID: "$1", RoomID: "!r:a"}},
		{"blank id", Event{ID: "  ", RoomID: "!r:a", Type: TypeMessage}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.ev.IsValid() {
				t.Fatal("expected event to be invalid")
			}
		})
	}
}

func TestStateMapCloneIsIndependent(t *testing.T) {
	original := StateMap{
		{Type: TypeCreate, Key: ""}: "$create",
		{Type: TypeTopic, Key: ""}:  "$topic",
	}
	clone := original.Clone()
	clone[StateKey{Type: TypeTopic, Key: ""}] = "$other"

	if original[StateKey{Type: TypeTopic, Key: ""}] != "$topic" {
		t.Fatalf("original mutated through clone: %v", original)
	}
	if !original.Equal(original.Clone()) {
		t.Fatal("clone should equal its source")
	}
}

func TestStateMapEqual(t *testing.T) {
	base := StateMap{{Type: TypeCreate, Key: ""}: "$create"}
	tests := []struct {
		name  string
		other StateMap
		want  bool
	}{
		{"same entries", StateMap{{Type: TypeCreate, Key: ""}: "$create"}, true},
		{"different value", StateMap{{Type: TypeCreate, Key: ""}: "$other"}, false},
		{"different key", StateMap{{Type: TypeTopic, Key: ""}: "$create"}, false},
		{"extra entry", StateMap{
			{Type: TypeCreate, Key: ""}: "$create",
			{Type: TypeTopic, Key: ""}:  "$topic",
		}, false},
		{"empty", StateMap{}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := base.Equal(tc.other); got != tc.want {
				t.Fatalf("equal = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSortedKeysOrder(t *testing.T) {
	m := StateMap{
		{Type: TypeTopic, Key: ""}:       "$t",
		{Type: TypeCreate, Key: ""}:      "$c",
		{Type: TypeMember, Key: "@b:a"}:  "$mb",
		{Type: TypeMember, Key: "@a:a"}:  "$ma",
		{Type: TypePowerLevels, Key: ""}: "$p",
		{Type: TypeJoinRules, Key: ""}:   "$j",
	}
	keys := m.SortedKeys()
	want := []StateKey{
		{Type: TypeCreate, Key: ""},
		{Type: TypeJoinRules, Key: ""},
		{Type: TypeMember, Key: "@a:a"},
		{Type: TypeMember, Key: "@b:a"},
		{Type: TypePowerLevels, Key: ""},
		{Type: TypeTopic, Key: ""},
	}
	if len(keys) != len(want) {
		t.Fatalf("keys len = %d, want %d", len(keys), len(want))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys[%d] = %+v, want %+v", i, keys[i], want[i])
		}
	}
}

func TestSortIDs(t *testing.T) {
	ids := []ID{"$c", "$a", "$b"}
	SortIDs(ids)
	want := []ID{"$a", "$b", "$c"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
}
