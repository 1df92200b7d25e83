package stateres

import (
	"testing"

	"github.com/driftline/driftline/internal/room/event"
)

func TestPartitionAllAgree(t *testing.T) {
	snapshot := event.StateMap{
		{Type: event.TypeCreate, Key: ""}: "$create",
		{Type: event.TypeTopic, Key: ""}:  "$topic",
	}
	unconflicted, conflicted := Partition([]event.StateMap{snapshot, snapshot.Clone()})

	if !unconflicted.Equal(snapshot) {
		t.Fatalf("unconflicted = %v, want %v", unconflicted, snapshot)
	}
	if len(conflicted) != 0 {
		t.Fatalf("conflicted = %v, want empty", conflicted)
	}
}

func TestPartitionDisagreement(t *testing.T) {
	a := event.StateMap{
		{Type: event.TypeCreate, Key: ""}: "$create",
		{Type: event.TypeTopic, Key: ""}:  "$topic-a",
	}
	b := event.StateMap{
		{Type: event.TypeCreate, Key: ""}: "$create",
		{Type: event.TypeTopic, Key: ""}:  "$topic-b",
	}
	unconflicted, conflicted := Partition([]event.StateMap{a, b})

	if got := unconflicted[event.StateKey{Type: event.TypeCreate, Key: ""}]; got != "$create" {
		t.Fatalf("create = %s, want $create", got)
	}
	candidates := conflicted[event.StateKey{Type: event.TypeTopic, Key: ""}]
	if len(candidates) != 2 || candidates[0] != "$topic-a" || candidates[1] != "$topic-b" {
		t.Fatalf("topic candidates = %v, want [$topic-a $topic-b]", candidates)
	}
}

func TestPartitionAbsenceIsConflict(t *testing.T) {
	a := event.StateMap{
		{Type: event.TypeCreate, Key: ""}: "$create",
		{Type: event.TypeTopic, Key: ""}:  "$topic",
	}
	b := event.StateMap{
		{Type: event.TypeCreate, Key: ""}: "$create",
	}
	unconflicted, conflicted := Partition([]event.StateMap{a, b})

	if _, ok := unconflicted[event.StateKey{Type: event.TypeTopic, Key: ""}]; ok {
		t.Fatal("topic should not be unconflicted when a snapshot lacks it")
	}
	candidates := conflicted[event.StateKey{Type: event.TypeTopic, Key: ""}]
	if len(candidates) != 1 || candidates[0] != "$topic" {
		t.Fatalf("topic candidates = %v, want [$topic]", candidates)
	}
}

func TestPartitionCandidatesSortedAndDeduped(t *testing.T) {
	key := event.StateKey{Type: event.TypeTopic, Key: ""}
	snapshots := []event.StateMap{
		{key: "$z"},
		{key: "$a"},
		{key: "$z"},
		{key: "$m"},
	}
	_, conflicted := Partition(snapshots)

	candidates := conflicted[key]
	want := []event.ID{"$a", "$m", "$z"}
	if len(candidates) != len(want) {
		t.Fatalf("candidates = %v, want %v", candidates, want)
	}
	for i := range want {
		if candidates[i] != want[i] {
			t.Fatalf("candidates[%d] = %s, want %s", i, candidates[i], want[i])
		}
	}
}

func TestPartitionOrderIndependent(t *testing.T) {
	a := event.StateMap{{Type: event.TypeTopic, Key: ""}: "$topic-a"}
	b := event.StateMap{{Type: event.TypeTopic, Key: ""}: "$topic-b"}

	_, forward := Partition([]event.StateMap{a, b})
	_, reversed := Partition([]event.StateMap{b, a})

	key := event.StateKey{Type: event.TypeTopic, Key: ""}
	if len(forward[key]) != len(reversed[key]) {
		t.Fatalf("candidate lengths differ: %v vs %v", forward[key], reversed[key])
	}
	for i := range forward[key] {
		if forward[key][i] != reversed[key][i] {
			t.Fatalf("order leaked into partition: %v vs %v", forward[key], reversed[key])
		}
	}
}

func TestPartitionEmptyInput(t *testing.T) {
	unconflicted, conflicted := Partition(nil)
	if len(unconflicted) != 0 || len(conflicted) != 0 {
		t.Fatalf("partition of nil = %v %v, want empty", unconflicted, conflicted)
	}
}
