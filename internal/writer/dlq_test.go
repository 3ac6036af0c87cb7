package writer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"oee-monitor-backend/config"
	"oee-monitor-backend/internal/counter"
	"oee-monitor-backend/internal/db"
	"oee-monitor-backend/internal/model"
	"oee-monitor-backend/internal/notification"
	"oee-monitor-backend/internal/store"
	"oee-monitor-backend/internal/tsdb"
)

// fakeBackend fails the first failures writes with the configured error and
// records every successful batch.
type fakeBackend struct {
	failures int
	err      error
	calls    int
	written  [][]counter.Reading
}

func (f *fakeBackend) WriteReadings(ctx context.Context, readings []counter.Reading) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	batch := make([]counter.Reading, len(readings))
	copy(batch, readings)
	f.written = append(f.written, batch)
	return nil
}

type fakeAlerter struct {
	alerts []notification.Alert
}

func (f *fakeAlerter) Dispatch(alert notification.Alert) {
	f.alerts = append(f.alerts, alert)
}

func newTestStore(t *testing.T) store.Store {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gormDB))
	return store.NewGormStore(gormDB)
}

func testConfig() config.DeadLetterConfig {
	return config.DeadLetterConfig{
		RetryBaseSeconds:    1,
		RetryMaxSeconds:     30,
		MaxAttempts:         5,
		ScanIntervalSeconds: 1,
		BatchLimit:          50,
	}
}

func batch(device string, values ...uint64) []counter.Reading {
	readings := make([]counter.Reading, 0, len(values))
	ts := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	for i, v := range values {
		readings = append(readings, counter.Reading{
			DeviceID:        device,
			Channel:         0,
			Timestamp:       ts.Add(time.Duration(i) * time.Second),
			RawValue:        v,
			NormalizedValue: v,
			Quality:         counter.QualityGood,
		})
	}
	return readings
}

func TestWrite_SuccessBypassesQueue(t *testing.T) {
	s := newTestStore(t)
	backend := &fakeBackend{}
	w := New(s, backend, testConfig(), nil)

	err := w.Write(context.Background(), batch("D1", 1, 2, 3))
	assert.NoError(t, err)
	assert.Len(t, backend.written, 1)

	entries, err := s.DueDeadLetters(context.Background(), time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWrite_TransientFailureDeadLetters(t *testing.T) {
	s := newTestStore(t)
	backend := &fakeBackend{failures: 1, err: tsdb.ErrTransient}
	w := New(s, backend, testConfig(), nil)

	// The caller must see success even though the backend is down.
	err := w.Write(context.Background(), batch("D1", 1, 2))
	assert.NoError(t, err)
	assert.Empty(t, backend.written)

	entries, err := s.DueDeadLetters(context.Background(), time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 0, entries[0].AttemptCount)
	assert.False(t, entries[0].Terminal)
}

func TestWrite_MalformedFailureIsSurfaced(t *testing.T) {
	s := newTestStore(t)
	backend := &fakeBackend{failures: 1, err: tsdb.ErrMalformed}
	w := New(s, backend, testConfig(), nil)

	err := w.Write(context.Background(), batch("D1", 1))
	assert.Error(t, err)

	entries, err := s.DueDeadLetters(context.Background(), time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries, "malformed batches must not be queued for retry")
}

func TestRetryDue_RedeliversOnceAndRemovesEntry(t *testing.T) {
	s := newTestStore(t)
	backend := &fakeBackend{failures: 3, err: tsdb.ErrTransient}
	w := New(s, backend, testConfig(), nil)

	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	require.NoError(t, w.Write(context.Background(), batch("D1", 10, 11)))

	// Attempts 2 and 3 fail; the queue waits out the backoff between them.
	for i := 0; i < 2; i++ {
		now = now.Add(time.Minute)
		w.RetryDue(context.Background())
		assert.Empty(t, backend.written)
	}

	now = now.Add(time.Minute)
	w.RetryDue(context.Background())
	require.Len(t, backend.written, 1, "exactly one successful write")
	assert.Equal(t, uint64(10), backend.written[0][0].NormalizedValue)

	entries, err := s.DueDeadLetters(context.Background(), now, 10)
	require.NoError(t, err)
	assert.Empty(t, entries, "entry removed only after confirmed success")

	// A further scan must not redeliver anything.
	now = now.Add(time.Minute)
	w.RetryDue(context.Background())
	assert.Len(t, backend.written, 1)
}

func TestRetryDue_BackoffDoublesToCap(t *testing.T) {
	w := New(nil, nil, config.DeadLetterConfig{RetryBaseSeconds: 1, RetryMaxSeconds: 30}, nil)

	assert.Equal(t, 1*time.Second, w.backoff(1))
	assert.Equal(t, 2*time.Second, w.backoff(2))
	assert.Equal(t, 4*time.Second, w.backoff(3))
	assert.Equal(t, 16*time.Second, w.backoff(5))
	assert.Equal(t, 30*time.Second, w.backoff(6))
	assert.Equal(t, 30*time.Second, w.backoff(20))
}

func TestRetryDue_PreservesFIFOOrder(t *testing.T) {
	s := newTestStore(t)
	backend := &fakeBackend{failures: 3, err: tsdb.ErrTransient}
	cfg := testConfig()
	w := New(s, backend, cfg, nil)

	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	require.NoError(t, w.Write(context.Background(), batch("D1", 1)))
	now = now.Add(time.Second)
	require.NoError(t, w.Write(context.Background(), batch("D1", 2)))

	// Attempt 3 fails on the head entry; the second entry must not be tried
	// ahead of it.
	now = now.Add(time.Minute)
	w.RetryDue(context.Background())
	assert.Equal(t, 3, backend.calls)
	assert.Empty(t, backend.written)

	// Backend recovers; both drain oldest first.
	now = now.Add(time.Minute)
	w.RetryDue(context.Background())
	require.Len(t, backend.written, 2)
	assert.Equal(t, uint64(1), backend.written[0][0].NormalizedValue)
	assert.Equal(t, uint64(2), backend.written[1][0].NormalizedValue)
}

func TestRetryDue_BackedOffHeadBlocksYoungerEntries(t *testing.T) {
	s := newTestStore(t)
	backend := &fakeBackend{failures: 3, err: tsdb.ErrTransient}
	w := New(s, backend, testConfig(), nil)

	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	require.NoError(t, w.Write(context.Background(), batch("D1", 1)))
	now = now.Add(time.Second)
	require.NoError(t, w.Write(context.Background(), batch("D1", 2)))

	// The head entry fails its retry and picks up a backoff.
	now = now.Add(time.Second)
	w.RetryDue(context.Background())
	assert.Equal(t, 3, backend.calls)
	assert.Empty(t, backend.written)

	// The backend is healthy again, but the head is still backed off. The
	// younger batch is due and must not overtake it.
	w.RetryDue(context.Background())
	assert.Equal(t, 3, backend.calls, "nothing may be attempted while the head waits")
	assert.Empty(t, backend.written)

	// Head backoff expires; both drain in creation order.
	now = now.Add(2 * time.Second)
	w.RetryDue(context.Background())
	require.Len(t, backend.written, 2)
	assert.Equal(t, uint64(1), backend.written[0][0].NormalizedValue)
	assert.Equal(t, uint64(2), backend.written[1][0].NormalizedValue)
}

func TestRetryDue_AttemptCapGoesTerminalAndAlerts(t *testing.T) {
	s := newTestStore(t)
	backend := &fakeBackend{failures: 1000, err: tsdb.ErrTransient}
	cfg := testConfig()
	cfg.MaxAttempts = 3
	alerter := &fakeAlerter{}
	w := New(s, backend, cfg, alerter)

	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	require.NoError(t, w.Write(context.Background(), batch("D1", 7)))

	for i := 0; i < 3; i++ {
		now = now.Add(time.Minute)
		w.RetryDue(context.Background())
	}

	entries, err := s.DueDeadLetters(context.Background(), now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, entries, "terminal entries leave the retry schedule")

	// The entry itself is retained for operator intervention.
	var all []model.DeadLetterEntry
	require.NoError(t, s.DB().Find(&all).Error)
	require.Len(t, all, 1)
	assert.True(t, all[0].Terminal)
	assert.Equal(t, 3, all[0].AttemptCount)

	require.Len(t, alerter.alerts, 1)
	assert.Equal(t, notification.KindTerminalBackendFailure, alerter.alerts[0].Kind)
}
