package tsdb

import (
	"context"
	"errors"
	"time"

	"oee-monitor-backend/internal/counter"
)

// Backend failures fall into exactly two kinds: transient ones are retried
// indefinitely by the dead letter queue, malformed-request ones are not.
var (
	ErrTransient = errors.New("transient backend failure")
	ErrMalformed = errors.New("malformed backend request")
)

// IsTransient reports whether a write failure should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Writer persists immutable counter readings.
type Writer interface {
	WriteReadings(ctx context.Context, readings []counter.Reading) error
}

// Reader answers count queries over already-persisted readings. CountDelta
// returns the increase of the normalized count on one channel across a
// period, which for a monotonic counter is the production volume.
type Reader interface {
	CountDelta(ctx context.Context, deviceID string, channel int, start, end time.Time) (int64, error)
}

// Store is the full time-series backend surface the core depends on.
type Store interface {
	Writer
	Reader
}
