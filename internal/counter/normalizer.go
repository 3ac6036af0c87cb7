package counter

import (
	"sync"
)

// ChannelPolicy is the per-channel normalization policy. ImplausibleJump is
// the largest forward movement a single wraparound may imply before the
// sample is treated as a device reset instead of a legitimate wrap.
type ChannelPolicy struct {
	BitWidth        int
	ImplausibleJump uint64
}

type overflowState struct {
	mu        sync.Mutex
	lastRaw   uint64
	wrapCount uint64
	seen      bool
}

// Normalizer converts raw register values into monotonic logical counts,
// detecting and compensating for counter wraparound. It owns all per-channel
// overflow state; downstream components never read it.
type Normalizer struct {
	mu       sync.RWMutex
	policies map[ChannelKey]ChannelPolicy
	states   map[ChannelKey]*overflowState
}

// NewNormalizer creates a normalizer with no registered channels.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		policies: make(map[ChannelKey]ChannelPolicy),
		states:   make(map[ChannelKey]*overflowState),
	}
}

// Register sets the policy for a channel. Unregistered channels fall back to
// a 32-bit policy with a full-wrap implausible-jump bound.
func (n *Normalizer) Register(deviceID string, channel int, policy ChannelPolicy) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if policy.BitWidth != 16 && policy.BitWidth != 32 {
		policy.BitWidth = 32
	}
	if policy.ImplausibleJump == 0 {
		policy.ImplausibleJump = uint64(1) << uint(policy.BitWidth)
	}
	n.policies[ChannelKey{DeviceID: deviceID, Channel: channel}] = policy
}

func (n *Normalizer) state(key ChannelKey) (*overflowState, ChannelPolicy) {
	n.mu.RLock()
	st, ok := n.states[key]
	policy, hasPolicy := n.policies[key]
	n.mu.RUnlock()
	if ok && hasPolicy {
		return st, policy
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if !hasPolicy {
		policy, hasPolicy = n.policies[key]
		if !hasPolicy {
			policy = ChannelPolicy{BitWidth: 32, ImplausibleJump: 1 << 32}
			n.policies[key] = policy
		}
	}
	st, ok = n.states[key]
	if !ok {
		st = &overflowState{}
		n.states[key] = st
	}
	return st, policy
}

// Normalize converts a raw register value into a monotonic logical count.
// A decrease in the raw value is interpreted as wraparound and flagged
// Overflow on that one reading; a decrease implying a forward jump beyond the
// channel's implausible-jump bound is flagged Bad instead, and the channel
// state is left untouched so a single corrupt sample cannot poison the tally.
func (n *Normalizer) Normalize(deviceID string, channel int, raw uint64) (uint64, Quality) {
	key := ChannelKey{DeviceID: deviceID, Channel: channel}
	st, policy := n.state(key)
	modulus := uint64(1) << uint(policy.BitWidth)

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.seen {
		st.seen = true
		st.lastRaw = raw
		return st.wrapCount*modulus + raw, QualityGood
	}

	if raw >= st.lastRaw {
		st.lastRaw = raw
		return st.wrapCount*modulus + raw, QualityGood
	}

	// Raw value decreased: either the counter wrapped or the device reset.
	impliedAdvance := (modulus - st.lastRaw) + raw
	if impliedAdvance > policy.ImplausibleJump {
		return st.wrapCount*modulus + st.lastRaw, QualityBad
	}

	st.wrapCount++
	st.lastRaw = raw
	return st.wrapCount*modulus + raw, QualityOverflow
}

// Reset clears the overflow state for a channel, used when a device is
// recommissioned and its counters restart from zero legitimately.
func (n *Normalizer) Reset(deviceID string, channel int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.states, ChannelKey{DeviceID: deviceID, Channel: channel})
}
