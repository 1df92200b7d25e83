package replication

import (
	apperrors "github.com/driftline/driftline/internal/errors"
)

// Consumer tracks a worker's progress through the stream and validates that
// delivered rows form a contiguous sequence. Delivery is at-least-once, so
// handlers must treat rows idempotently; a detected gap means the consumer's
// cached view is unreliable and must be rebuilt from scratch.
type Consumer struct {
	last Token
}

// NewConsumer creates a consumer resuming from the given token.
func NewConsumer(resumeFrom Token) *Consumer {
	return &Consumer{last: resumeFrom}
}

// Token returns the last acknowledged position.
func (c *Consumer) Token() Token {
	return c.last
}

// Apply validates and acknowledges a batch of rows, invoking handle for
// each. Rows at or below the acknowledged token are duplicates and skipped.
// A row beyond the next expected position is a gap: the consumer returns a
// StreamGap error and the caller must discard cached state and re-fetch,
// rather than trust a partial view.
func (c *Consumer) Apply(rows []Row, handle func(Row) error) error {
	for _, row := range rows {
		if row.Position <= c.last {
			continue
		}
		if row.Position != c.last+1 {
			return apperrors.Newf(apperrors.CodeStreamGap,
				"stream rows skipped from position %d to %d", c.last, row.Position)
		}
		if handle != nil {
			if err := handle(row); err != nil {
				return err
			}
		}
		c.last = row.Position
	}
	return nil
}
