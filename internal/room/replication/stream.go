// Package replication exposes the un-partial-stated room stream: an ordered,
// resumable feed of rooms that finished their background resync and now hold
// full state. Worker processes consume it as a cache-invalidation signal for
// state they marked possibly incomplete.
package replication

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/driftline/driftline/internal/errors"
	"github.com/driftline/driftline/internal/storage"
)

// StreamName is the fixed identifier of the un-partial-stated room stream.
const StreamName = "un_partial_stated_room"

// Token is an opaque resumption position in the stream. The zero token
// addresses the start of the stream.
type Token int64

// ParseToken decodes the wire form of a token.
func ParseToken(raw string) (Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0, apperrors.Newf(apperrors.CodeStreamBadToken, "malformed stream token %q", raw)
	}
	return Token(value), nil
}

// String encodes the token for the wire.
func (t Token) String() string {
	return strconv.FormatInt(int64(t), 10)
}

// MergeTokens merges per-writer tokens into the single position a consumer
// may safely resume from: the minimum across writers that have acknowledged
// a position. Any row above that bound might belong to a writer whose
// earlier rows the consumer has not seen, so resuming higher could skip
// them. Writers that never acknowledged do not hold the merge back.
func MergeTokens(acknowledged map[string]Token) Token {
	merged := Token(0)
	first := true
	for _, token := range acknowledged {
		if first || token < merged {
			merged = token
			first = false
		}
	}
	return merged
}

// Row is one stream entry: a room that became fully stated, tagged with the
// writer instance that completed the resync and its position.
type Row struct {
	RoomID   string
	Instance string
	Position Token
}

// Stream reads the un-partial-stated room stream from shared storage.
//
// Every writer instance allocates positions from one shared sequence inside
// the same transaction that enqueues the row, so positions are dense and a
// committed row implies every lower position is committed too. That is what
// makes RowsSince gap-free without coordination between writers.
type Stream struct {
	store storage.StreamStore
}

// NewStream creates a stream reader over the given store.
func NewStream(store storage.StreamStore) *Stream {
	return &Stream{store: store}
}

// CurrentPosition returns the highest position emitted across all writer
// instances, the token consumers use to resume.
func (s *Stream) CurrentPosition(ctx context.Context) (Token, error) {
	positions, err := s.store.StreamPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load stream positions: %w", err)
	}

	current := Token(0)
	for _, position := range positions {
		if Token(position) > current {
			current = Token(position)
		}
	}
	return current, nil
}

// RowsSince returns the rows strictly after the token, ordered by position
// and without gaps. It is restartable: a consumer may reconnect and replay
// from its last acknowledged token without loss or duplication.
func (s *Stream) RowsSince(ctx context.Context, token Token) ([]Row, error) {
	upTo, err := s.CurrentPosition(ctx)
	if err != nil {
		return nil, err
	}
	if upTo <= token {
		return nil, nil
	}

	stored, err := s.store.StreamRowsSince(ctx, int64(token), int64(upTo))
	if err != nil {
		return nil, fmt.Errorf("load stream rows: %w", err)
	}

	rows := make([]Row, 0, len(stored))
	for _, row := range stored {
		rows = append(rows, Row{
			RoomID:   row.RoomID,
			Instance: row.Instance,
			Position: Token(row.Position),
		})
	}
	return rows, nil
}
