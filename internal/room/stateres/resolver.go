// Package stateres implements deterministic state resolution for room DAGs.
//
// When a room's event graph grows from multiple directions at once, servers
// can hold divergent state snapshots, one per fork. Resolution merges those
// snapshots into a single state map that is byte-identical on every server
// given the same input events. There is no coordinator and no locking;
// convergence comes purely from determinism over shared history.
package stateres

import (
	"context"
	"math/bits"
	"slices"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/internal/room/authchain"
	"github.com/driftline/driftline/internal/room/event"
	"github.com/driftline/driftline/internal/storage"
)

const tracerName = "driftline/room/stateres"

// Authorizer decides whether an event is allowed against a room state.
// Implementations are parameterized by room version and must be pure with
// respect to their inputs; a false result is an expected replay outcome,
// not an error. Errors are reserved for failed event fetches.
type Authorizer interface {
	Authorized(ctx context.Context, roomVersion string, ev event.Event, state event.StateMap) (bool, error)
}

// Resolver computes merged room state from divergent snapshots.
type Resolver struct {
	store  storage.EventStore
	auth   Authorizer
	tracer trace.Tracer
	// group deduplicates concurrent resolutions of the same snapshot set:
	// the second caller attaches to the first's in-flight result.
	group singleflight.Group
}

// New creates a state resolver reading events from store and checking
// authorization through auth.
func New(store storage.EventStore, auth Authorizer) *Resolver {
	return &Resolver{
		store:  store,
		auth:   auth,
		tracer: otel.Tracer(tracerName),
	}
}

// Resolve merges the given state snapshots into one deterministic state map.
//
// Identical snapshot sets (compared as unordered sets) share one in-flight
// computation. Any event that cannot be fetched during resolution aborts the
// attempt with a MissingEvent error; the caller retries once the missing
// data is available.
func (r *Resolver) Resolve(ctx context.Context, roomVersion string, snapshots []event.StateMap) (event.StateMap, error) {
	ctx, span := r.tracer.Start(ctx, "stateres.Resolve",
		trace.WithAttributes(
			attribute.String("room_version", roomVersion),
			attribute.Int("snapshots", len(snapshots)),
		))
	defer span.End()

	key := snapshotSetKey(roomVersion, snapshots)
	// The computation is shared by every caller attached to the key, so it
	// must not die with whichever caller happened to start it. Values (trace
	// linkage) survive the detach; only the cancellation signal is dropped.
	shared := context.WithoutCancel(ctx)
	result, err, _ := r.group.Do(key, func() (any, error) {
		return r.resolve(shared, roomVersion, snapshots)
	})
	if err != nil {
		return nil, err
	}
	return result.(event.StateMap), nil
}

// ResolveStateAfterParents resolves the room state just before the given
// event by merging the state snapshots after each of its DAG parents.
func (r *Resolver) ResolveStateAfterParents(ctx context.Context, id event.ID) (event.StateMap, error) {
	ev, found, err := r.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperrors.Newf(apperrors.CodeMissingEvent, "unknown event %s", id)
	}

	snapshots := make([]event.StateMap, 0, len(ev.PrevEvents))
	for _, prev := range ev.PrevEvents {
		snapshot, err := r.store.GetStateIDsForEvent(ctx, prev)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeMissingEvent,
				"no state snapshot for parent "+string(prev), err)
		}
		snapshots = append(snapshots, snapshot)
	}
	return r.Resolve(ctx, ev.RoomVersion, snapshots)
}

func (r *Resolver) resolve(ctx context.Context, roomVersion string, snapshots []event.StateMap) (event.StateMap, error) {
	unconflicted, conflicted := Partition(snapshots)
	if len(conflicted) == 0 {
		return unconflicted, nil
	}

	fullConflicted, err := r.fullConflictedSet(ctx, conflicted)
	if err != nil {
		return nil, err
	}

	powerID := r.resolvedPowerEvent(ctx, unconflicted, conflicted)
	line, err := newMainline(ctx, r.store, powerID)
	if err != nil {
		return nil, err
	}
	ordered, err := line.orderConflicted(ctx, fullConflicted)
	if err != nil {
		return nil, err
	}

	return r.replay(ctx, roomVersion, unconflicted, ordered)
}

// fullConflictedSet expands the conflicted candidates with their reduced
// auth chain difference: every event in some candidate's auth chain that is
// not in the auth chain of all candidates. The pruning applies to the chain
// expansion only; the candidates themselves always replay, even when one is
// cited in every rival candidate's auth chain, so no contested claim is
// silently dropped.
func (r *Resolver) fullConflictedSet(ctx context.Context, conflicted map[event.StateKey][]event.ID) ([]event.Event, error) {
	startSet := make(map[event.ID]struct{})
	for _, candidates := range conflicted {
		for _, id := range candidates {
			startSet[id] = struct{}{}
		}
	}
	starts := make([]event.ID, 0, len(startSet))
	for id := range startSet {
		starts = append(starts, id)
	}
	event.SortIDs(starts)

	// Count, per reachable event, how many starts reach it. Start sets larger
	// than the bitmask width shard into multiple traversal passes.
	chains := authchain.New(r.store)
	reached := make(map[event.ID]int)
	for offset := 0; offset < len(starts); offset += authchain.MaxStarts {
		end := offset + authchain.MaxStarts
		if end > len(starts) {
			end = len(starts)
		}
		membership, err := chains.Membership(ctx, starts[offset:end])
		if err != nil {
			return nil, err
		}
		for id, mask := range membership {
			reached[id] += bits.OnesCount64(uint64(mask))
		}
	}

	ids := make([]event.ID, 0, len(reached))
	for id, count := range reached {
		if _, candidate := startSet[id]; candidate {
			continue
		}
		if count < len(starts) {
			ids = append(ids, id)
		}
	}
	ids = append(ids, starts...)
	event.SortIDs(ids)

	events := make([]event.Event, 0, len(ids))
	for _, id := range ids {
		ev, found, err := r.store.GetEvent(ctx, id)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, apperrors.Newf(apperrors.CodeMissingEvent,
				"conflicted set references unknown event %s", id)
		}
		events = append(events, ev)
	}
	return events, nil
}

// resolvedPowerEvent picks the power-level event anchoring the mainline.
// The unconflicted snapshot wins when it has one; otherwise the deepest
// conflicted candidate (ties broken by ID) anchors it deterministically.
func (r *Resolver) resolvedPowerEvent(ctx context.Context, unconflicted event.StateMap, conflicted map[event.StateKey][]event.ID) event.ID {
	powerKey := event.StateKey{Type: event.TypePowerLevels, Key: ""}
	if id, ok := unconflicted[powerKey]; ok {
		return id
	}

	candidates := append([]event.ID(nil), conflicted[powerKey]...)
	if len(candidates) == 0 {
		return ""
	}

	best := candidates[0]
	bestDepth := int64(-1)
	for _, id := range candidates {
		ev, found, err := r.store.GetEvent(ctx, id)
		if err != nil || !found {
			continue
		}
		if ev.Depth > bestDepth || (ev.Depth == bestDepth && id < best) {
			best = id
			bestDepth = ev.Depth
		}
	}
	return best
}

// replay iterates the ordered conflicted events against the accumulating
// state. Rejected events drop their state effect only; they remain part of
// the DAG.
func (r *Resolver) replay(ctx context.Context, roomVersion string, base event.StateMap, ordered []event.Event) (event.StateMap, error) {
	state := base.Clone()
	for _, ev := range ordered {
		key, isState := ev.StateTuple()
		if !isState {
			continue
		}
		allowed, err := r.auth.Authorized(ctx, roomVersion, ev, state)
		if err != nil {
			return nil, err
		}
		if !allowed {
			continue
		}
		state[key] = ev.ID
	}
	return state, nil
}

// AdvanceWithEvent applies one event's state effect on top of a resolved
// state: the event is checked against the authorization predicate and, when
// allowed and a state event, claims its state slot. Rejection leaves the
// state untouched.
func (r *Resolver) AdvanceWithEvent(ctx context.Context, roomVersion string, state event.StateMap, ev event.Event) (event.StateMap, error) {
	key, isState := ev.StateTuple()
	if !isState {
		return state, nil
	}
	allowed, err := r.auth.Authorized(ctx, roomVersion, ev, state)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return state, nil
	}
	next := state.Clone()
	next[key] = ev.ID
	return next, nil
}

// snapshotSetKey builds an order-insensitive identity for a set of state
// snapshots, so concurrent resolutions of the same set coalesce.
func snapshotSetKey(roomVersion string, snapshots []event.StateMap) string {
	parts := make([]string, 0, len(snapshots))
	for _, snapshot := range snapshots {
		var b strings.Builder
		for _, key := range snapshot.SortedKeys() {
			b.WriteString(string(key.Type))
			b.WriteByte(0x1f)
			b.WriteString(key.Key)
			b.WriteByte(0x1f)
			b.WriteString(string(snapshot[key]))
			b.WriteByte(0x1e)
		}
		parts = append(parts, b.String())
	}
	sort.Strings(parts)
	parts = slices.Compact(parts)
	return roomVersion + "\x1d" + strings.Join(parts, "\x1d")
}
