package stateres

import (
	"context"
	"encoding/json"

	apperrors "github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/internal/room/event"
	"github.com/driftline/driftline/internal/storage"
)

// PowerLevels is the default authorization predicate. It implements the
// power-level subset of the authorization rules shared by all room versions:
// a room must have a create event, senders must be joined members, and the
// sender's power level must meet the requirement for the event type.
//
// Full per-version rule sets plug in behind the Authorizer interface.
type PowerLevels struct {
	store storage.EventStore
}

// NewPowerLevels creates the default power-level authorizer.
func NewPowerLevels(store storage.EventStore) *PowerLevels {
	return &PowerLevels{store: store}
}

// powerLevelContent is the parsed body of an m.room.power_levels event.
type powerLevelContent struct {
	Users         map[string]int64 `json:"users"`
	UsersDefault  int64            `json:"users_default"`
	Events        map[string]int64 `json:"events"`
	EventsDefault int64            `json:"events_default"`
	StateDefault  int64            `json:"state_default"`
}

type memberContent struct {
	Membership string `json:"membership"`
}

// creatorLevel is the implicit power level of the room creator while the
// room has no power-level event yet.
const creatorLevel = 100

// Authorized reports whether the event is allowed against the given state.
func (p *PowerLevels) Authorized(ctx context.Context, roomVersion string, ev event.Event, state event.StateMap) (bool, error) {
	// Room creation is self-authorizing: it cites no auth events and only
	// one create event may hold the state slot.
	if ev.Type == event.TypeCreate {
		_, exists := state[event.StateKey{Type: event.TypeCreate, Key: ""}]
		return !exists && len(ev.AuthEvents) == 0, nil
	}

	createID, ok := state[event.StateKey{Type: event.TypeCreate, Key: ""}]
	if !ok {
		return false, nil
	}

	// Membership events may establish the sender's own membership.
	if ev.Type == event.TypeMember && ev.IsState() && *ev.StateKey == ev.Sender {
		return true, nil
	}

	joined, err := p.senderJoined(ctx, ev.Sender, state)
	if err != nil {
		return false, err
	}
	if !joined {
		return false, nil
	}

	senderLevel, err := p.senderLevel(ctx, ev.Sender, createID, state)
	if err != nil {
		return false, err
	}
	required, err := p.requiredLevel(ctx, ev, state)
	if err != nil {
		return false, err
	}
	return senderLevel >= required, nil
}

func (p *PowerLevels) senderJoined(ctx context.Context, sender string, state event.StateMap) (bool, error) {
	memberID, ok := state[event.StateKey{Type: event.TypeMember, Key: sender}]
	if !ok {
		return false, nil
	}
	memberEv, found, err := p.store.GetEvent(ctx, memberID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, apperrors.Newf(apperrors.CodeMissingEvent,
			"state references unknown member event %s", memberID)
	}
	var content memberContent
	if err := json.Unmarshal(memberEv.Content, &content); err != nil {
		return false, nil
	}
	return content.Membership == "join", nil
}

// currentPowerLevels parses the power-level event in the state. The boolean
// reports whether the state holds one at all.
func (p *PowerLevels) currentPowerLevels(ctx context.Context, state event.StateMap) (powerLevelContent, bool, error) {
	levels := powerLevelContent{StateDefault: 50}

	id, ok := state[event.StateKey{Type: event.TypePowerLevels, Key: ""}]
	if !ok {
		return levels, false, nil
	}
	ev, found, err := p.store.GetEvent(ctx, id)
	if err != nil {
		return levels, false, err
	}
	if !found {
		return levels, false, apperrors.Newf(apperrors.CodeMissingEvent,
			"state references unknown power-level event %s", id)
	}
	if err := json.Unmarshal(ev.Content, &levels); err != nil {
		return powerLevelContent{StateDefault: 50}, true, nil
	}
	return levels, true, nil
}

// senderLevel resolves the sender's power level. While the room has no
// power-level event the creator holds an implicit level of 100.
func (p *PowerLevels) senderLevel(ctx context.Context, sender string, createID event.ID, state event.StateMap) (int64, error) {
	levels, hasLevels, err := p.currentPowerLevels(ctx, state)
	if err != nil {
		return 0, err
	}
	if level, ok := levels.Users[sender]; ok {
		return level, nil
	}
	if !hasLevels {
		createEv, found, err := p.store.GetEvent(ctx, createID)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, apperrors.Newf(apperrors.CodeMissingEvent,
				"state references unknown create event %s", createID)
		}
		if createEv.Sender == sender {
			return creatorLevel, nil
		}
	}
	return levels.UsersDefault, nil
}

func (p *PowerLevels) requiredLevel(ctx context.Context, ev event.Event, state event.StateMap) (int64, error) {
	levels, _, err := p.currentPowerLevels(ctx, state)
	if err != nil {
		return 0, err
	}
	if level, ok := levels.Events[string(ev.Type)]; ok {
		return level, nil
	}
	if ev.IsState() {
		return levels.StateDefault, nil
	}
	return levels.EventsDefault, nil
}
