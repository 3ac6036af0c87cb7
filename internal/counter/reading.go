package counter

import "time"

// Quality describes how much a reading can be trusted. Overflow readings are
// still trustworthy counts; Bad readings are excluded from rate and overflow
// accounting.
type Quality string

const (
	QualityGood     Quality = "good"
	QualityDegraded Quality = "degraded"
	QualityBad      Quality = "bad"
	QualityTimeout  Quality = "timeout"
	QualityOverflow Quality = "overflow"
)

// Reading is one immutable counter observation. Readings are append-only and
// are the sole source of truth for production volume; corrections happen via
// annotations, never by editing a reading.
type Reading struct {
	DeviceID        string    `json:"device_id"`
	Channel         int       `json:"channel"`
	Timestamp       time.Time `json:"timestamp"`
	RawValue        uint64    `json:"raw_value"`
	NormalizedValue uint64    `json:"normalized_value"`
	Rate            *float64  `json:"rate,omitempty"`
	Quality         Quality   `json:"quality"`
}

// ChannelKey identifies one counter channel on one device.
type ChannelKey struct {
	DeviceID string
	Channel  int
}
