// Package authchain computes auth-chain membership for sets of start events.
//
// The auth chain of an event is the transitive closure over its auth-event
// references. Membership is tracked as a bitmask per event: bit i is set iff
// the event belongs to the auth chain of the i-th start event. Resolution
// uses the masks to find the auth events every branch already agrees on.
package authchain

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/internal/room/event"
	"github.com/driftline/driftline/internal/storage"
)

const tracerName = "driftline/room/authchain"

// MaxStarts is the largest start set one traversal supports. Callers with
// more starts batch into multiple passes and merge the results.
const MaxStarts = 64

// Bitmask records which start events can reach an event via auth edges.
type Bitmask uint64

// Has reports whether bit i is set.
func (b Bitmask) Has(i int) bool {
	return b&(1<<uint(i)) != 0
}

// Edge is one direct auth-event reference discovered during traversal.
type Edge struct {
	From event.ID
	To   event.ID
}

// Resolver walks auth chains through an event store.
type Resolver struct {
	store  storage.EventStore
	tracer trace.Tracer
	edges  map[Edge]struct{}
}

// New creates an auth chain resolver reading from the given store.
func New(store storage.EventStore) *Resolver {
	return &Resolver{
		store:  store,
		tracer: otel.Tracer(tracerName),
		edges:  make(map[Edge]struct{}),
	}
}

// Membership computes, for every event reachable from the starts through
// auth-event edges, which starts can reach it.
//
// The traversal is an iterative depth-first search with an explicit stack of
// (event, next-auth-index) frames so adversarially deep chains cannot blow
// the goroutine stack. An already-set bit short-circuits re-traversal, so
// each event is visited a bounded number of times per start.
func (r *Resolver) Membership(ctx context.Context, starts []event.ID) (map[event.ID]Bitmask, error) {
	ctx, span := r.tracer.Start(ctx, "authchain.Membership",
		trace.WithAttributes(attribute.Int("starts", len(starts))))
	defer span.End()

	if len(starts) > MaxStarts {
		return nil, apperrors.Newf(apperrors.CodeTooManyStartEvents,
			"auth chain traversal supports at most %d start events, got %d", MaxStarts, len(starts))
	}

	seen := make(map[event.ID]Bitmask)
	for i, start := range starts {
		if err := r.walk(ctx, start, 1<<uint(i), seen); err != nil {
			return nil, err
		}
	}
	span.SetAttributes(attribute.Int("events", len(seen)))
	return seen, nil
}

// frame is one entry of the explicit DFS stack: the event under
// consideration and the index of the next auth event to follow.
type frame struct {
	id    event.ID
	index int
}

func (r *Resolver) walk(ctx context.Context, start event.ID, bit Bitmask, seen map[event.ID]Bitmask) error {
	stack := []frame{{id: start}}
	// Events on the current DFS path. A well-formed graph is acyclic; a
	// cycle here means a malformed or adversarial peer built the events.
	onPath := map[event.ID]struct{}{start: {}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		top := &stack[len(stack)-1]
		ev, found, err := r.store.GetEvent(ctx, top.id)
		if err != nil {
			return err
		}
		if !found {
			return apperrors.Newf(apperrors.CodeMissingEvent,
				"auth chain references unknown event %s", top.id)
		}

		// All auth events handled: this event is reachable from the start.
		if top.index >= len(ev.AuthEvents) {
			seen[top.id] |= bit
			delete(onPath, top.id)
			stack = stack[:len(stack)-1]
			continue
		}

		next := ev.AuthEvents[top.index]
		r.edges[Edge{From: top.id, To: next}] = struct{}{}

		// Already known reachable from this start: skip to the next edge.
		if seen[next]&bit != 0 {
			top.index++
			continue
		}
		if _, ok := onPath[next]; ok {
			return apperrors.Newf(apperrors.CodeInvalidEvent,
				"auth chain cycle through event %s", next)
		}

		stack = append(stack, frame{id: next})
		onPath[next] = struct{}{}
	}
	return nil
}

// Edges returns every direct auth edge discovered so far, each recorded once.
func (r *Resolver) Edges() []Edge {
	out := make([]Edge, 0, len(r.edges))
	for e := range r.edges {
		out = append(out, e)
	}
	return out
}
