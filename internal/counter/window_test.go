package counter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateWindows_TwoSamplesAcrossWindow(t *testing.T) {
	w := NewRateWindows()
	w.Register("D1", 0, WindowPolicy{Span: 60 * time.Second, Capacity: 200})

	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	rate := w.AddSample("D1", 0, t0, 0)
	assert.Nil(t, rate, "one sample is not enough for a rate")

	rate = w.AddSample("D1", 0, t0.Add(60*time.Second), 120)
	require.NotNil(t, rate)
	assert.InDelta(t, 2.0, *rate, 1e-9)
}

func TestRateWindows_SmoothsOverIntermediateSamples(t *testing.T) {
	w := NewRateWindows()
	w.Register("D1", 0, WindowPolicy{Span: 60 * time.Second, Capacity: 200})

	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	w.AddSample("D1", 0, t0, 0)
	w.AddSample("D1", 0, t0.Add(10*time.Second), 50) // transient burst
	rate := w.AddSample("D1", 0, t0.Add(30*time.Second), 60)
	require.NotNil(t, rate)
	// Window rate uses oldest and newest only: 60 counts over 30s.
	assert.InDelta(t, 2.0, *rate, 1e-9)
}

func TestRateWindows_EvictsSamplesOlderThanSpan(t *testing.T) {
	w := NewRateWindows()
	w.Register("D1", 0, WindowPolicy{Span: 30 * time.Second, Capacity: 200})

	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	w.AddSample("D1", 0, t0, 0)
	w.AddSample("D1", 0, t0.Add(10*time.Second), 100)
	rate := w.AddSample("D1", 0, t0.Add(45*time.Second), 170)
	require.NotNil(t, rate)
	// The t0 sample fell out of the 30s span; rate covers 10s→45s.
	assert.InDelta(t, 70.0/35.0, *rate, 1e-9)
}

func TestRateWindows_RateUndefinedAfterEvictionLeavesOne(t *testing.T) {
	w := NewRateWindows()
	w.Register("D1", 0, WindowPolicy{Span: 30 * time.Second, Capacity: 200})

	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	w.AddSample("D1", 0, t0, 0)
	rate := w.AddSample("D1", 0, t0.Add(5*time.Minute), 500)
	assert.Nil(t, rate, "a long gap leaves only the newest sample in the window")
}

func TestRateWindows_CapacityOverwritesOldest(t *testing.T) {
	w := NewRateWindows()
	w.Register("D1", 0, WindowPolicy{Span: time.Hour, Capacity: 3})

	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	w.AddSample("D1", 0, t0, 0)
	w.AddSample("D1", 0, t0.Add(1*time.Second), 10)
	w.AddSample("D1", 0, t0.Add(2*time.Second), 20)
	rate := w.AddSample("D1", 0, t0.Add(3*time.Second), 30)
	require.NotNil(t, rate)
	// Capacity 3: the t0 sample was overwritten, leaving 1s→3s.
	assert.InDelta(t, 10.0, *rate, 1e-9)
}

func TestRateWindows_ZeroRateWhenCountStalls(t *testing.T) {
	w := NewRateWindows()
	w.Register("D1", 0, WindowPolicy{Span: 60 * time.Second, Capacity: 200})

	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	w.AddSample("D1", 0, t0, 500)
	rate := w.AddSample("D1", 0, t0.Add(20*time.Second), 500)
	require.NotNil(t, rate)
	assert.Equal(t, 0.0, *rate)
}

func TestRateWindows_DuplicateTimestampYieldsNoRate(t *testing.T) {
	w := NewRateWindows()
	w.Register("D1", 0, WindowPolicy{Span: 60 * time.Second, Capacity: 200})

	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	w.AddSample("D1", 0, t0, 100)
	rate := w.AddSample("D1", 0, t0, 110)
	assert.Nil(t, rate, "zero elapsed time cannot produce a rate")
}
