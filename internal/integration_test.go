package internal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"oee-monitor-backend/config"
	"oee-monitor-backend/internal/counter"
	"oee-monitor-backend/internal/db"
	"oee-monitor-backend/internal/devlock"
	"oee-monitor-backend/internal/ingest"
	"oee-monitor-backend/internal/job"
	"oee-monitor-backend/internal/model"
	"oee-monitor-backend/internal/oee"
	"oee-monitor-backend/internal/stoppage"
	"oee-monitor-backend/internal/store"
	"oee-monitor-backend/internal/tsdb"
	"oee-monitor-backend/internal/writer"
)

// scriptedSource replays one prepared batch of samples per poll.
type scriptedSource struct {
	batches [][]ingest.Sample
	next    int
}

func (s *scriptedSource) Poll(ctx context.Context) ([]ingest.Sample, error) {
	if s.next >= len(s.batches) {
		return nil, nil
	}
	batch := s.batches[s.next]
	s.next++
	return batch, nil
}

// memoryBackend is an in-memory stand-in for the time-series store. It can
// be toggled down to exercise the dead-letter path and answers count-delta
// queries from the readings it accepted.
type memoryBackend struct {
	down     bool
	readings []counter.Reading
}

func (m *memoryBackend) WriteReadings(ctx context.Context, readings []counter.Reading) error {
	if m.down {
		return tsdb.ErrTransient
	}
	m.readings = append(m.readings, readings...)
	return nil
}

func (m *memoryBackend) CountDelta(ctx context.Context, deviceID string, channel int, start, end time.Time) (int64, error) {
	var first, last *counter.Reading
	for i := range m.readings {
		r := &m.readings[i]
		if r.DeviceID != deviceID || r.Channel != channel || r.Quality == counter.QualityBad {
			continue
		}
		if r.Timestamp.Before(start) || !r.Timestamp.Before(end) {
			continue
		}
		if first == nil {
			first = r
		}
		last = r
	}
	if first == nil || last == nil {
		return 0, nil
	}
	return int64(last.NormalizedValue) - int64(first.NormalizedValue), nil
}

type testPlant struct {
	store    store.Store
	backend  *memoryBackend
	writer   *writer.ReliableWriter
	detector *stoppage.Detector
	ingest   *ingest.Service
	jobs     *job.Manager
	calc     *oee.Calculator
	source   *scriptedSource
}

func newTestPlant(t *testing.T) *testPlant {
	testDB, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(testDB))
	s := store.NewGormStore(testDB)

	cfg := &config.Config{}
	cfg.Ingest.Enabled = true
	cfg.Ingest.Interval = time.Second
	cfg.DeadLetter = config.DeadLetterConfig{
		RetryBaseSeconds: 1, RetryMaxSeconds: 30, MaxAttempts: 10,
		ScanIntervalSeconds: 1, BatchLimit: 50,
	}
	cfg.Stoppage = config.StoppageConfig{
		DebounceSeconds: 30, ShortThresholdSeconds: 120,
		AlertThresholdSeconds: 120, TickSeconds: 5,
	}
	cfg.Jobs.CompletionThresholdPct = 90
	cfg.Devices = []config.DeviceConfig{{
		DeviceID: "PRESS-1",
		Name:     "Press 1",
		Channels: []config.ChannelConfig{{
			Channel: 0, Role: "count", BitWidth: 16,
			WindowSeconds: 60, WindowCapacity: 200,
			ImplausibleJump: 1 << 16,
		}},
	}}

	require.NoError(t, s.UpsertDevices(context.Background(), []model.Device{{ID: "PRESS-1", Name: "Press 1"}}))
	require.NoError(t, s.UpsertChannels(context.Background(), []model.Channel{
		{DeviceID: "PRESS-1", Channel: 0, Role: "count", BitWidth: 16},
	}))

	backend := &memoryBackend{}
	w := writer.New(s, backend, cfg.DeadLetter, nil)
	detector := stoppage.NewDetector(s, cfg.Stoppage, nil)
	source := &scriptedSource{}
	svc := ingest.NewService(cfg, source, w, detector)

	locks := devlock.NewSet()
	return &testPlant{
		store:    s,
		backend:  backend,
		writer:   w,
		detector: detector,
		ingest:   svc,
		jobs:     job.NewManager(s, backend, cfg.Jobs, locks),
		calc:     oee.NewCalculator(s, backend),
		source:   source,
	}
}

func samplesAt(ts time.Time, raw uint64) []ingest.Sample {
	return []ingest.Sample{{DeviceID: "PRESS-1", Channel: 0, Timestamp: ts, RawValue: raw}}
}

// TestProductionLifecycle drives the full pipeline: counter samples flow in
// with a 16-bit wraparound, production stalls long enough to open a stoppage,
// resumes, and the OEE figures for the shift reflect all of it.
func TestProductionLifecycle(t *testing.T) {
	plant := newTestPlant(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	// Samples every 10 seconds at 2 counts/sec, crossing the 16-bit
	// boundary: 65500, 65520, ..., wrap to 4, 24, ...
	var batches [][]ingest.Sample
	var raw uint64
	for i := 0; i < 10; i++ {
		raw = (65500 + uint64(i)*20) % 65536
		batches = append(batches, samplesAt(base.Add(time.Duration(i*10)*time.Second), raw))
	}
	// Production stalls: the counter freezes at its last value. The rate
	// window needs 60 seconds to drain of moving samples before the rate
	// reads zero, then the 30-second debounce has to elapse on top.
	stallStart := base.Add(100 * time.Second)
	for i := 0; i < 10; i++ {
		batches = append(batches, samplesAt(stallStart.Add(time.Duration(i*10)*time.Second), raw))
	}
	plant.source.batches = batches

	for range batches {
		plant.ingest.IngestOnce(ctx)
	}

	// Every sample was persisted despite the wraparound, values monotonic.
	require.Len(t, plant.backend.readings, 20)
	for i := 1; i < len(plant.backend.readings); i++ {
		assert.GreaterOrEqual(t,
			plant.backend.readings[i].NormalizedValue,
			plant.backend.readings[i-1].NormalizedValue,
			"normalized values must never decrease across a wrap")
	}

	// One reading carries the overflow flag.
	overflows := 0
	for _, r := range plant.backend.readings {
		if r.Quality == counter.QualityOverflow {
			overflows++
		}
	}
	assert.Equal(t, 1, overflows)

	// The stall produced a stoppage: window drains to zero rate and the
	// zero persists past the 30s debounce.
	open, err := plant.store.OpenStoppage(ctx, "PRESS-1")
	require.NoError(t, err)
	require.NotNil(t, open, "sustained zero rate must open a stoppage")
	assert.Equal(t, model.StoppageUnclassified, open.Classification)
	assert.True(t, open.AutoDetected)
}

// TestBackendOutageLifecycle drives an outage through the dead-letter queue
// and verifies nothing is lost and order holds.
func TestBackendOutageLifecycle(t *testing.T) {
	plant := newTestPlant(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	plant.backend.down = true
	plant.source.batches = [][]ingest.Sample{
		samplesAt(base, 100),
		samplesAt(base.Add(10*time.Second), 120),
		samplesAt(base.Add(20*time.Second), 140),
	}
	for range plant.source.batches {
		plant.ingest.IngestOnce(ctx)
	}

	// Nothing reached the backend; three batches are parked durably and are
	// due immediately.
	assert.Empty(t, plant.backend.readings)
	due, err := plant.store.DueDeadLetters(ctx, time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, due, 3)

	// Backend recovers; the queue drains oldest first with no duplicates.
	plant.backend.down = false
	plant.writer.RetryDue(ctx)

	require.Len(t, plant.backend.readings, 3)
	assert.Equal(t, uint64(100), plant.backend.readings[0].NormalizedValue)
	assert.Equal(t, uint64(120), plant.backend.readings[1].NormalizedValue)
	assert.Equal(t, uint64(140), plant.backend.readings[2].NormalizedValue)

	remaining, err := plant.store.DueDeadLetters(ctx, time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

// TestJobAndOeeLifecycle starts a job, feeds production through the
// pipeline, and checks the OEE query over the shift.
func TestJobAndOeeLifecycle(t *testing.T) {
	plant := newTestPlant(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	started, err := plant.jobs.Start(ctx, job.StartParams{
		DeviceID: "PRESS-1", Name: "widgets", TargetRate: 2, PlannedQuantity: 100000,
	})
	require.NoError(t, err)

	// Backfill the job to a fixed start so the assertion window is stable.
	started.StartTime = base
	require.NoError(t, plant.store.DB().Save(started).Error)
	// The changeover stoppage opened by the start is closed immediately for
	// this scenario.
	open, err := plant.store.OpenStoppage(ctx, "PRESS-1")
	require.NoError(t, err)
	require.NotNil(t, open)
	open.StartTime = base
	closeAt := base.Add(time.Minute)
	open.EndTime = &closeAt
	require.NoError(t, plant.store.DB().Save(open).Error)

	// An hour of production at 1 count/sec against a target of 2.
	var batches [][]ingest.Sample
	for i := 0; i <= 60; i++ {
		batches = append(batches, samplesAt(base.Add(time.Duration(i)*time.Minute), uint64(i*60)))
	}
	plant.source.batches = batches
	for range batches {
		plant.ingest.IngestOnce(ctx)
	}

	res, err := plant.calc.Calculate(ctx, "PRESS-1", base, base.Add(time.Hour))
	require.NoError(t, err)

	require.NotNil(t, res.Availability)
	// One minute of changeover downtime in a 60-minute shift.
	assert.InDelta(t, 59.0/60.0, *res.Availability, 0.001)

	require.NotNil(t, res.Performance)
	// Producing at half the target rate.
	assert.InDelta(t, 0.5, *res.Performance, 0.02)

	assert.Equal(t, 1.0, res.Quality)
	assert.Equal(t, oee.FactorPerformance, res.WorstFactor)
}
