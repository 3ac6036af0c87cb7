package ingest

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"oee-monitor-backend/config"
)

// SimulatorSource generates plausible counter traffic for the configured
// devices, including 16-bit wraparound, so the full pipeline can run without
// field hardware.
type SimulatorSource struct {
	mu       sync.Mutex
	rng      *rand.Rand
	counters map[string]uint64 // key: device/channel raw counter
	devices  []config.DeviceConfig
}

// NewSimulatorSource creates a simulator for the configured devices.
func NewSimulatorSource(devices []config.DeviceConfig) *SimulatorSource {
	return &SimulatorSource{
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		counters: make(map[string]uint64),
		devices:  devices,
	}
}

// Poll advances every configured channel and returns one sample per channel.
func (s *SimulatorSource) Poll(ctx context.Context) ([]Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var samples []Sample
	for _, dev := range s.devices {
		for _, ch := range dev.Channels {
			key := fmt.Sprintf("%s/%d", dev.DeviceID, ch.Channel)
			step := uint64(s.rng.Intn(12))
			if ch.Role == "reject" {
				// Reject counters tick far slower than production counters.
				if s.rng.Intn(10) != 0 {
					step = 0
				} else {
					step = 1
				}
			}
			modulus := uint64(1) << uint(ch.BitWidth)
			s.counters[key] = (s.counters[key] + step) % modulus

			samples = append(samples, Sample{
				DeviceID:  dev.DeviceID,
				Channel:   ch.Channel,
				Timestamp: now,
				RawValue:  s.counters[key],
			})
		}
	}
	return samples, nil
}
