// Package partialstate tracks rooms joined before their full state and auth
// history are locally known, and drives the background resync that repairs
// them.
//
// While a room is partial, state reads succeed but are explicitly marked as
// possibly incomplete. A background task per room fetches the missing state
// from a federation peer, converges every DAG point reached while partial
// through normal state resolution, and finally flips the room's flag
// atomically with enqueueing the un-partial-stated stream row other workers
// wake up on. The flag only ever moves partial -> full.
package partialstate

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/internal/federation"
	"github.com/driftline/driftline/internal/room/event"
	"github.com/driftline/driftline/internal/room/stateres"
	"github.com/driftline/driftline/internal/storage"
)

const tracerName = "driftline/room/partialstate"

const (
	defaultInstance      = "roomserver-1"
	defaultRetryBackoff  = 5 * time.Second
	defaultRetryMaxDelay = 5 * time.Minute
)

// Config controls resync retry behavior and writer identity.
type Config struct {
	// Instance names this writer on the replication stream.
	Instance string
	// RetryBackoff is the initial delay between failed resync attempts.
	RetryBackoff time.Duration
	// RetryMaxDelay caps the exponential backoff.
	RetryMaxDelay time.Duration
}

func (c Config) normalized() Config {
	if strings.TrimSpace(c.Instance) == "" {
		c.Instance = defaultInstance
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	return c
}

// EventDB is the event persistence the tracker needs: reads, writes and the
// per-room DAG walk.
type EventDB interface {
	storage.EventStore
	storage.EventWriter
	storage.RoomEventLog
}

// Tracker owns the partial-state flag of every room on this server and the
// background resync tasks repairing them.
type Tracker struct {
	events   EventDB
	rooms    storage.RoomStore
	resolver *stateres.Resolver
	fed      federation.Client
	cfg      Config
	tracer   trace.Tracer

	mu      sync.Mutex
	ctx     context.Context
	running map[string]struct{}
	// pending holds rooms joined before Run started; Run schedules them.
	pending map[string]string
	wg      sync.WaitGroup
}

// New creates a partial-state tracker.
func New(events EventDB, rooms storage.RoomStore, resolver *stateres.Resolver, fed federation.Client, cfg Config) *Tracker {
	return &Tracker{
		events:   events,
		rooms:    rooms,
		resolver: resolver,
		fed:      fed,
		cfg:      cfg.normalized(),
		tracer:   otel.Tracer(tracerName),
		running:  make(map[string]struct{}),
		pending:  make(map[string]string),
	}
}

// Run resumes resyncs for rooms still flagged partial and then serves
// scheduling until ctx is cancelled. Cancellation stops in-flight resyncs
// without touching any flag: resync restarts from scratch on the next boot.
func (t *Tracker) Run(ctx context.Context) error {
	t.mu.Lock()
	t.ctx = ctx
	queued := t.pending
	t.pending = make(map[string]string)
	t.mu.Unlock()

	records, err := t.rooms.ListPartialStateRooms(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		t.schedule(record.RoomID, record.ResyncPeer)
	}
	for roomID, peer := range queued {
		t.schedule(roomID, peer)
	}
	if len(records) > 0 {
		log.Printf("resuming partial-state resync for %d rooms", len(records))
	}

	<-ctx.Done()
	t.wg.Wait()
	return nil
}

// JoinWithPartialState flags a freshly joined room as partial and schedules
// its background resync against the given peer.
func (t *Tracker) JoinWithPartialState(ctx context.Context, roomID, peer string) error {
	if err := t.rooms.MarkPartialState(ctx, roomID, peer); err != nil {
		if errors.Is(err, storage.ErrAlreadyFullyStated) {
			return apperrors.Newf(apperrors.CodeRoomAlreadyFull,
				"room %s already reached full state", roomID)
		}
		return err
	}
	t.schedule(roomID, peer)
	return nil
}

// StateAt returns the room state after the given event. The incomplete flag
// is true while the room still lacks full state: callers get best-effort
// data instead of blocking on the resync.
func (t *Tracker) StateAt(ctx context.Context, roomID string, id event.ID) (event.StateMap, bool, error) {
	state, err := t.events.GetStateIDsForEvent(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	record, recordErr := t.rooms.GetRoom(ctx, roomID)
	if recordErr != nil {
		if errors.Is(recordErr, storage.ErrNotFound) {
			return state, false, err
		}
		return nil, false, recordErr
	}
	return state, !record.HasFullState, err
}

// schedule starts the room's resync task unless one is already running.
// At most one resync runs per room.
func (t *Tracker) schedule(roomID, peer string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.running[roomID]; ok {
		return
	}
	if t.ctx == nil {
		// Run has not started yet; it drains the queue once it does.
		t.pending[roomID] = peer
		return
	}
	if t.ctx.Err() != nil {
		return
	}
	t.running[roomID] = struct{}{}

	t.wg.Add(1)
	ctx := t.ctx
	go func() {
		defer t.wg.Done()
		defer func() {
			t.mu.Lock()
			delete(t.running, roomID)
			t.mu.Unlock()
		}()
		t.resync(ctx, roomID, peer)
	}()
}

// resync retries the room's state repair with exponential backoff until it
// succeeds or the context is cancelled. Failures never escalate beyond this
// task; the room simply stays partial and keeps serving best-effort reads.
func (t *Tracker) resync(ctx context.Context, roomID, peer string) {
	delay := t.cfg.RetryBackoff
	for {
		err := t.attempt(ctx, roomID, peer)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		log.Printf("resync room %s from %s failed, retrying in %v: %v", roomID, peer, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay *= 2
		if delay > t.cfg.RetryMaxDelay {
			delay = t.cfg.RetryMaxDelay
		}
	}
}

func (t *Tracker) attempt(ctx context.Context, roomID, peer string) error {
	ctx, span := t.tracer.Start(ctx, "partialstate.resync",
		trace.WithAttributes(
			attribute.String("room_id", roomID),
			attribute.String("peer", peer),
		))
	defer span.End()

	record, err := t.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if record.HasFullState {
		return nil
	}

	// The DAG slice received while partial, listed before the fetched state
	// events land so the convergence walk covers exactly this window.
	ids, err := t.events.RoomEventIDsByDepth(ctx, roomID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return apperrors.Newf(apperrors.CodeMissingEvent,
			"room %s has no locally known events to resync from", roomID)
	}
	earliest, found, err := t.events.GetEvent(ctx, ids[0])
	if err != nil {
		return err
	}
	if !found {
		return apperrors.Newf(apperrors.CodeMissingEvent,
			"room event %s vanished during resync", ids[0])
	}

	// Fetch the peer's state at the partial-join anchor. Fetching at a later
	// event would hand every earlier DAG point state from its own future.
	baseState, fetched, err := t.fed.RoomState(ctx, peer, roomID, earliest.ID)
	if err != nil {
		return err
	}
	for _, ev := range fetched {
		if err := t.events.PutEvent(ctx, ev); err != nil {
			return err
		}
	}

	if latest, ok, err := t.events.LatestRoomEvent(ctx, roomID); err == nil && ok {
		log.Printf("resyncing room %s from %s: %d events between depths %d and %d",
			roomID, peer, len(ids), earliest.Depth, latest.Depth)
	}

	if err := t.converge(ctx, roomID, earliest.RoomVersion, ids, baseState); err != nil {
		return err
	}

	position, err := t.rooms.MarkFullyStated(ctx, roomID, t.cfg.Instance)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyFullyStated) {
			return nil
		}
		return err
	}
	log.Printf("room %s is fully stated again (stream position %d)", roomID, position)
	return nil
}

// converge recomputes the state at every DAG point reached while the room
// was partial, in causal order. The fetched base state is the room state at
// the partial-join anchor and therefore anchors only the earliest event of
// the window; every later event derives its state from its parents, so no
// DAG point ever sees effects of events deeper than itself.
func (t *Tracker) converge(ctx context.Context, roomID, roomVersion string, ids []event.ID, baseState event.StateMap) error {
	for i, id := range ids {
		ev, found, err := t.events.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			return apperrors.Newf(apperrors.CodeMissingEvent, "room event %s vanished during resync", id)
		}

		var before event.StateMap
		if i == 0 {
			before = baseState
		} else {
			before, err = t.parentStates(ctx, roomVersion, ev, baseState)
			if err != nil {
				return err
			}
		}

		after, err := t.resolver.AdvanceWithEvent(ctx, roomVersion, before, ev)
		if err != nil {
			return err
		}
		if err := t.events.SetStateAtEvent(ctx, roomID, ev.ID, after); err != nil {
			return err
		}
	}
	return nil
}

// parentStates merges the state after each known parent of the event.
// Parents outside the local DAG slice fall back to the fetched base state.
func (t *Tracker) parentStates(ctx context.Context, roomVersion string, ev event.Event, baseState event.StateMap) (event.StateMap, error) {
	var snapshots []event.StateMap
	for _, prev := range ev.PrevEvents {
		snapshot, err := t.events.GetStateIDsForEvent(ctx, prev)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				snapshots = append(snapshots, baseState)
				continue
			}
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	if len(snapshots) == 0 {
		snapshots = append(snapshots, baseState)
	}
	return t.resolver.Resolve(ctx, roomVersion, snapshots)
}
