package ingest

import (
	"context"
	"time"
)

// Sample is one raw register observation from the transport layer. The core
// knows nothing about the wire protocol that produced it.
type Sample struct {
	DeviceID  string    `json:"device_id"`
	Channel   int       `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
	RawValue  uint64    `json:"raw_value"`
	Timeout   bool      `json:"timeout,omitempty"` // poll timed out, RawValue is meaningless
}

// Source yields raw samples once per ingest cycle. Implementations must
// return a device's samples in arrival order, since overflow and rate state
// are order-sensitive.
type Source interface {
	Poll(ctx context.Context) ([]Sample, error)
}
