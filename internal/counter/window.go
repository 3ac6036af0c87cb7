package counter

import (
	"sync"
	"time"
)

// WindowPolicy is the per-channel rate window policy. Low-volume channels
// (reject counters) typically get longer spans to avoid noisy rates.
type WindowPolicy struct {
	Span     time.Duration
	Capacity int
}

type windowSample struct {
	ts    time.Time
	value uint64
}

// window is a fixed-capacity circular buffer of samples for one channel.
type window struct {
	mu      sync.Mutex
	samples []windowSample
	head    int
	count   int
	span    time.Duration
}

func (w *window) add(ts time.Time, value uint64) *float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count == len(w.samples) {
		// Buffer full: overwrite the oldest slot.
		w.head = (w.head + 1) % len(w.samples)
		w.count--
	}
	idx := (w.head + w.count) % len(w.samples)
	w.samples[idx] = windowSample{ts: ts, value: value}
	w.count++

	// Evict samples older than the window span.
	cutoff := ts.Add(-w.span)
	for w.count > 1 {
		oldest := w.samples[w.head]
		if !oldest.ts.Before(cutoff) {
			break
		}
		w.head = (w.head + 1) % len(w.samples)
		w.count--
	}

	if w.count < 2 {
		return nil
	}

	oldest := w.samples[w.head]
	newest := w.samples[(w.head+w.count-1)%len(w.samples)]
	elapsed := newest.ts.Sub(oldest.ts).Seconds()
	if elapsed <= 0 {
		return nil
	}
	rate := float64(newest.value-oldest.value) / elapsed
	return &rate
}

// RateWindows maintains sliding rate windows for a set of channels. The table
// is owned by a single instance and passed by handle, never ambient state.
type RateWindows struct {
	mu       sync.RWMutex
	policies map[ChannelKey]WindowPolicy
	windows  map[ChannelKey]*window
}

// NewRateWindows creates an empty rate window table.
func NewRateWindows() *RateWindows {
	return &RateWindows{
		policies: make(map[ChannelKey]WindowPolicy),
		windows:  make(map[ChannelKey]*window),
	}
}

// Register sets the window policy for a channel. Unregistered channels fall
// back to a 60-second window of 200 samples.
func (r *RateWindows) Register(deviceID string, channel int, policy WindowPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if policy.Span <= 0 {
		policy.Span = 60 * time.Second
	}
	if policy.Capacity <= 0 {
		policy.Capacity = 200
	}
	r.policies[ChannelKey{DeviceID: deviceID, Channel: channel}] = policy
}

func (r *RateWindows) window(key ChannelKey) *window {
	r.mu.RLock()
	w, ok := r.windows[key]
	r.mu.RUnlock()
	if ok {
		return w
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok = r.windows[key]; ok {
		return w
	}
	policy, ok := r.policies[key]
	if !ok {
		policy = WindowPolicy{Span: 60 * time.Second, Capacity: 200}
		r.policies[key] = policy
	}
	w = &window{samples: make([]windowSample, policy.Capacity), span: policy.Span}
	r.windows[key] = w
	return w
}

// AddSample appends a normalized count to the channel's window and returns
// the smoothed rate in counts per second, or nil when fewer than two samples
// are in the window. Callers must not feed Bad-quality samples here.
func (r *RateWindows) AddSample(deviceID string, channel int, ts time.Time, normalized uint64) *float64 {
	return r.window(ChannelKey{DeviceID: deviceID, Channel: channel}).add(ts, normalized)
}
