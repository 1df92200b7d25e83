// Package ingest accepts new room events into the DAG and keeps the room's
// authoritative state current. An event with a single parent extends its
// parent's state; an event merging several forks triggers state resolution
// over the diverged snapshots first.
package ingest

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/internal/room/event"
	"github.com/driftline/driftline/internal/room/stateres"
	"github.com/driftline/driftline/internal/storage"
)

const tracerName = "driftline/room/ingest"

// EventDB is the persistence ingestion needs.
type EventDB interface {
	storage.EventStore
	storage.EventWriter
}

// Ingester persists accepted events and their resolved state.
type Ingester struct {
	events   EventDB
	resolver *stateres.Resolver
	tracer   trace.Tracer
}

// New creates an ingester.
func New(events EventDB, resolver *stateres.Resolver) *Ingester {
	return &Ingester{
		events:   events,
		resolver: resolver,
		tracer:   otel.Tracer(tracerName),
	}
}

// Ingest accepts one event into the room DAG and records the room state at
// that point. A MissingEvent error means a parent's state is not yet known
// locally; the caller retries once the missing data has been fetched.
func (i *Ingester) Ingest(ctx context.Context, ev event.Event) error {
	ctx, span := i.tracer.Start(ctx, "ingest.Ingest",
		trace.WithAttributes(
			attribute.String("room_id", ev.RoomID),
			attribute.String("event_id", string(ev.ID)),
			attribute.Int("prev_events", len(ev.PrevEvents)),
		))
	defer span.End()

	if !ev.IsValid() {
		return apperrors.New(apperrors.CodeInvalidEvent, "event is missing required fields")
	}
	if err := i.events.PutEvent(ctx, ev); err != nil {
		return err
	}

	before, err := i.stateBeforeEvent(ctx, ev)
	if err != nil {
		return err
	}
	after, err := i.resolver.AdvanceWithEvent(ctx, ev.RoomVersion, before, ev)
	if err != nil {
		return err
	}
	return i.events.SetStateAtEvent(ctx, ev.RoomID, ev.ID, after)
}

// stateBeforeEvent merges the state after each DAG parent. One parent is
// the common fast path; several diverged parents go through resolution.
func (i *Ingester) stateBeforeEvent(ctx context.Context, ev event.Event) (event.StateMap, error) {
	if len(ev.PrevEvents) == 0 {
		return event.StateMap{}, nil
	}

	snapshots := make([]event.StateMap, 0, len(ev.PrevEvents))
	for _, prev := range ev.PrevEvents {
		snapshot, err := i.events.GetStateIDsForEvent(ctx, prev)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, apperrors.Newf(apperrors.CodeMissingEvent,
					"no state known for parent event %s", prev)
			}
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}

	if len(snapshots) == 1 {
		return snapshots[0], nil
	}
	allSame := true
	for _, snapshot := range snapshots[1:] {
		if !snapshot.Equal(snapshots[0]) {
			allSame = false
			break
		}
	}
	if allSame {
		return snapshots[0], nil
	}
	return i.resolver.Resolve(ctx, ev.RoomVersion, snapshots)
}
