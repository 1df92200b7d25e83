package stateres

import (
	"context"
	"sort"

	apperrors "github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/internal/room/event"
	"github.com/driftline/driftline/internal/storage"
)

// mainline is the canonical ordering reference for conflicted events: the
// chain of successive power-level events reached by walking the resolved
// power event's closest-power-ancestor links back to room creation.
//
// positions are 1-based and grow towards the resolved power event; events
// with no mainline ancestor sort first with position 0.
type mainline struct {
	store     storage.EventStore
	positions map[event.ID]int
	// memo caches the computed position of non-mainline events.
	memo map[event.ID]int
}

// newMainline walks the closest-power-ancestor links starting at the
// resolved power event and assigns mainline positions.
func newMainline(ctx context.Context, store storage.EventStore, powerID event.ID) (*mainline, error) {
	m := &mainline{
		store:     store,
		positions: make(map[event.ID]int),
		memo:      make(map[event.ID]int),
	}
	if powerID == "" {
		return m, nil
	}

	// Newest first while walking, then positions assigned oldest-first.
	var chain []event.ID
	current := powerID
	for current != "" {
		if _, ok := m.positions[current]; ok {
			break
		}
		m.positions[current] = 0 // placeholder, guards against malformed loops
		chain = append(chain, current)

		ev, found, err := store.GetEvent(ctx, current)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, apperrors.Newf(apperrors.CodeMissingEvent,
				"mainline references unknown event %s", current)
		}
		next, err := m.powerAncestor(ctx, ev)
		if err != nil {
			return nil, err
		}
		current = next
	}

	for i, id := range chain {
		m.positions[id] = len(chain) - i
	}
	return m, nil
}

// powerAncestor returns the closest power-level event cited in the event's
// auth events, or empty when there is none.
func (m *mainline) powerAncestor(ctx context.Context, ev event.Event) (event.ID, error) {
	for _, authID := range ev.AuthEvents {
		authEv, found, err := m.store.GetEvent(ctx, authID)
		if err != nil {
			return "", err
		}
		if !found {
			return "", apperrors.Newf(apperrors.CodeMissingEvent,
				"auth events reference unknown event %s", authID)
		}
		if authEv.Type == event.TypePowerLevels && authEv.IsState() {
			return authID, nil
		}
	}
	return "", nil
}

// position returns the mainline ordinal of an event: its own position when
// on the mainline, otherwise the position of its closest mainline ancestor
// reached through power-ancestor links, or 0 when it has none.
func (m *mainline) position(ctx context.Context, ev event.Event) (int, error) {
	if pos, ok := m.positions[ev.ID]; ok {
		return pos, nil
	}
	if pos, ok := m.memo[ev.ID]; ok {
		return pos, nil
	}

	var walked []event.ID
	// onWalk guards against power-ancestor cycles in malformed graphs.
	onWalk := map[event.ID]struct{}{ev.ID: {}}
	current := ev
	pos := 0
	for {
		next, err := m.powerAncestor(ctx, current)
		if err != nil {
			return 0, err
		}
		if next == "" {
			break
		}
		if p, ok := m.positions[next]; ok {
			pos = p
			break
		}
		if p, ok := m.memo[next]; ok {
			pos = p
			break
		}
		if _, ok := onWalk[next]; ok {
			return 0, apperrors.Newf(apperrors.CodeInvalidEvent,
				"power-level ancestry cycle through event %s", next)
		}
		onWalk[next] = struct{}{}
		walked = append(walked, next)

		nextEv, found, err := m.store.GetEvent(ctx, next)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, apperrors.Newf(apperrors.CodeMissingEvent,
				"mainline walk references unknown event %s", next)
		}
		current = nextEv
	}

	m.memo[ev.ID] = pos
	for _, id := range walked {
		m.memo[id] = pos
	}
	return pos, nil
}

// orderConflicted sorts the full conflicted set into the deterministic total
// order used for replay: mainline position ascending, then origin depth
// ascending, then event ID ascending by byte value. The final tie-break is
// fixed so that independent servers converge byte-for-byte.
func (m *mainline) orderConflicted(ctx context.Context, events []event.Event) ([]event.Event, error) {
	type ranked struct {
		ev       event.Event
		position int
	}
	rankedEvents := make([]ranked, 0, len(events))
	for _, ev := range events {
		pos, err := m.position(ctx, ev)
		if err != nil {
			return nil, err
		}
		rankedEvents = append(rankedEvents, ranked{ev: ev, position: pos})
	}

	sort.Slice(rankedEvents, func(i, j int) bool {
		a, b := rankedEvents[i], rankedEvents[j]
		if a.position != b.position {
			return a.position < b.position
		}
		if a.ev.Depth != b.ev.Depth {
			return a.ev.Depth < b.ev.Depth
		}
		return a.ev.ID < b.ev.ID
	})

	ordered := make([]event.Event, len(rankedEvents))
	for i, r := range rankedEvents {
		ordered[i] = r.ev
	}
	return ordered, nil
}
