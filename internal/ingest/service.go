package ingest

import (
	"context"
	"log"
	"sort"
	"time"

	"oee-monitor-backend/config"
	"oee-monitor-backend/internal/counter"
	"oee-monitor-backend/internal/metrics"
)

// ReadingWriter persists a batch of readings. Satisfied by *writer.ReliableWriter.
type ReadingWriter interface {
	Write(ctx context.Context, readings []counter.Reading) error
}

// RateObserver reacts to rate updates on production count channels.
// Satisfied by *stoppage.Detector.
type RateObserver interface {
	ObserveRate(ctx context.Context, deviceID string, rate *float64, ts time.Time)
}

// Service runs the ingest pipeline: raw samples are normalized, rated,
// persisted through the reliable writer, and production-channel rates are fed
// to the stoppage detector.
type Service struct {
	cfg        *config.Config
	source     Source
	normalizer *counter.Normalizer
	windows    *counter.RateWindows
	writer     ReadingWriter
	observer   RateObserver
	roles      map[counter.ChannelKey]string
}

// NewService wires the pipeline for the configured devices.
func NewService(cfg *config.Config, source Source, w ReadingWriter, observer RateObserver) *Service {
	normalizer := counter.NewNormalizer()
	windows := counter.NewRateWindows()
	roles := make(map[counter.ChannelKey]string)

	for _, dev := range cfg.Devices {
		for _, ch := range dev.Channels {
			normalizer.Register(dev.DeviceID, ch.Channel, counter.ChannelPolicy{
				BitWidth:        ch.BitWidth,
				ImplausibleJump: ch.ImplausibleJump,
			})
			windows.Register(dev.DeviceID, ch.Channel, counter.WindowPolicy{
				Span:     time.Duration(ch.WindowSeconds) * time.Second,
				Capacity: ch.WindowCapacity,
			})
			roles[counter.ChannelKey{DeviceID: dev.DeviceID, Channel: ch.Channel}] = ch.Role
		}
	}

	return &Service{
		cfg:        cfg,
		source:     source,
		normalizer: normalizer,
		windows:    windows,
		writer:     w,
		observer:   observer,
		roles:      roles,
	}
}

// Run executes ingest cycles on the configured interval until the context is
// cancelled. Overlong cycles are logged rather than allowed to pile up.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Ingest.Enabled {
		log.Println("Ingest is disabled. Not starting.")
		return
	}
	log.Printf("Starting ingest service (every %s)...", s.cfg.Ingest.Interval)

	timer := time.NewTimer(s.cfg.Ingest.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Ingest service shutting down.")
			return
		case <-timer.C:
			started := time.Now()
			s.IngestOnce(ctx)
			elapsed := time.Since(started)
			if elapsed > s.cfg.Ingest.Interval {
				log.Printf("Ingest cycle took %s, longer than interval %s", elapsed, s.cfg.Ingest.Interval)
				timer.Reset(0)
			} else {
				timer.Reset(s.cfg.Ingest.Interval - elapsed)
			}
		}
	}
}

// IngestOnce performs a single ingest cycle.
func (s *Service) IngestOnce(ctx context.Context) {
	samples, err := s.source.Poll(ctx)
	if err != nil {
		log.Printf("Error polling sample source: %v", err)
		return
	}
	if len(samples) == 0 {
		return
	}

	readings := s.Process(ctx, samples)
	if len(readings) == 0 {
		return
	}

	if err := s.writer.Write(ctx, readings); err != nil {
		log.Printf("Error writing reading batch: %v", err)
	}
}

// Process converts raw samples into readings. Samples are processed in
// per-device arrival order; devices are independent of each other.
func (s *Service) Process(ctx context.Context, samples []Sample) []counter.Reading {
	// Stable sort by device keeps cross-device batches grouped while
	// preserving each device's own arrival order.
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].DeviceID < samples[j].DeviceID
	})

	readings := make([]counter.Reading, 0, len(samples))
	for _, sample := range samples {
		reading := s.processOne(ctx, sample)
		metrics.ReadingsProcessed.WithLabelValues(reading.DeviceID, string(reading.Quality)).Inc()
		readings = append(readings, reading)
	}
	return readings
}

func (s *Service) processOne(ctx context.Context, sample Sample) counter.Reading {
	reading := counter.Reading{
		DeviceID:  sample.DeviceID,
		Channel:   sample.Channel,
		Timestamp: sample.Timestamp,
		RawValue:  sample.RawValue,
	}

	if sample.Timeout {
		reading.Quality = counter.QualityTimeout
		return reading
	}

	normalized, quality := s.normalizer.Normalize(sample.DeviceID, sample.Channel, sample.RawValue)
	reading.NormalizedValue = normalized
	reading.Quality = quality

	if quality == counter.QualityBad {
		// Bad samples are persisted for the record but stay out of the rate
		// window and the stoppage detector.
		log.Printf("Implausible counter jump on %s/%d (raw %d), sample flagged bad",
			sample.DeviceID, sample.Channel, sample.RawValue)
		return reading
	}

	rate := s.windows.AddSample(sample.DeviceID, sample.Channel, sample.Timestamp, normalized)
	reading.Rate = rate

	key := counter.ChannelKey{DeviceID: sample.DeviceID, Channel: sample.Channel}
	if s.observer != nil && s.roles[key] == "count" {
		s.observer.ObserveRate(ctx, sample.DeviceID, rate, sample.Timestamp)
	}
	return reading
}
