package stateres

import (
	"sort"

	"github.com/driftline/driftline/internal/room/event"
)

// Partition splits the entries of the given state snapshots into the state
// every snapshot agrees on and the contested keys with their candidates.
//
// A key is unconflicted only when every snapshot contains it with the same
// event ID. A key missing from some snapshot counts as conflicted even if
// the remaining snapshots agree: absence is itself a competing claim.
//
// Candidate lists are sorted ascending and de-duplicated so the partition is
// independent of snapshot order.
func Partition(snapshots []event.StateMap) (event.StateMap, map[event.StateKey][]event.ID) {
	unconflicted := event.StateMap{}
	conflicted := make(map[event.StateKey][]event.ID)

	if len(snapshots) == 0 {
		return unconflicted, conflicted
	}

	keys := make(map[event.StateKey]struct{})
	for _, snapshot := range snapshots {
		for key := range snapshot {
			keys[key] = struct{}{}
		}
	}

	for key := range keys {
		candidates := make(map[event.ID]struct{})
		missing := false
		for _, snapshot := range snapshots {
			id, ok := snapshot[key]
			if !ok {
				missing = true
				continue
			}
			candidates[id] = struct{}{}
		}

		if !missing && len(candidates) == 1 {
			for id := range candidates {
				unconflicted[key] = id
			}
			continue
		}

		ids := make([]event.ID, 0, len(candidates))
		for id := range candidates {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		conflicted[key] = ids
	}

	return unconflicted, conflicted
}
