// Package channel holds the bridge's per-channel cache: the last state
// the bridge commanded the device into. The device has no "change one
// field" command — every channel-control frame re-specifies strength,
// enabled, mode, frequency and pulse-width together — so this cache is
// what lets the bridge compose a full frame from a single-field delta.
package channel

import (
	"sync"

	"github.com/kryptco/ycybridge/internal/valuemap"
	"github.com/kryptco/ycybridge/internal/wire"
)

// Op is a legacy-API strength mutation kind.
type Op int

const (
	OpSet Op = iota
	OpIncrease
	OpDecrease
)

// State is one channel's cached, last-commanded configuration. Frequency
// and PulseWidth are only meaningful when Mode is wire.ModeCustom; they
// are tracked here (rather than only in the waveform player) because a
// plain strength edit while the channel is in custom mode must reassert
// them unchanged.
type State struct {
	Strength   int
	Enabled    bool
	Mode       wire.Mode
	Frequency  int
	PulseWidth int
}

func initialState() State {
	return State{Strength: 1, Enabled: false, Mode: wire.ModePreset1}
}

// Cache is the bridge's authoritative per-channel state, mutated only by
// the bridge facade and the waveform player. Those mutations happen on
// the facade caller's goroutine and on the player goroutines, not on the
// supervisor's worker goroutine; the mutex is what serializes them.
type Cache struct {
	mu            sync.Mutex
	states        [2]State
	strengthLimit int
}

// NewCache creates a cache with both channels at their initial state.
func NewCache(strengthLimit int) *Cache {
	return &Cache{
		states:        [2]State{initialState(), initialState()},
		strengthLimit: strengthLimit,
	}
}

func index(ch wire.Channel) int {
	switch ch {
	case wire.ChannelA:
		return 0
	case wire.ChannelB:
		return 1
	default:
		panic("channel: index called with non-addressable channel")
	}
}

// State returns a copy of the channel's current cached state.
func (c *Cache) State(ch wire.Channel) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[index(ch)]
}

// LegacyStrength returns the channel's derived legacy-API strength view:
// 0 when disabled, ToLegacy(strength) otherwise.
func (c *Cache) LegacyStrength(ch wire.Channel) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.states[index(ch)]
	if !s.Enabled {
		return 0
	}
	return valuemap.ToLegacy(s.Strength)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ApplyLegacyStrengthOp computes a new strength from the legacy-API
// operation, updates the cache, and returns the channel-control frame to
// send. Mode (and, if custom, frequency/pulse-width) are preserved from
// the current cached state.
func (c *Cache) ApplyLegacyStrengthOp(ch wire.Channel, op Op, value int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := index(ch)
	cur := c.states[idx]

	currentLegacy := 0
	if cur.Enabled {
		currentLegacy = valuemap.ToLegacy(cur.Strength)
	}

	var newLegacy int
	switch op {
	case OpIncrease:
		newLegacy = currentLegacy + value
	case OpDecrease:
		newLegacy = currentLegacy - value
	default:
		newLegacy = value
	}
	newLegacy = clampInt(newLegacy, 0, c.strengthLimit)

	enabled, target := valuemap.ToTarget(newLegacy)
	cur.Strength = target
	cur.Enabled = enabled
	c.states[idx] = cur

	return wire.EncodeChannelControl(ch, enabled, target, cur.Mode, cur.Frequency, cur.PulseWidth)
}

// ApplyPreset updates the cached mode to preset presetIndex (legacy-API
// 0-15 catalog index). It always updates the cache; it only returns a
// frame to emit (ok=true) when the channel is active (enabled and
// strength > 1).
func (c *Cache) ApplyPreset(ch wire.Channel, presetIndex int) (frame []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := index(ch)
	cur := c.states[idx]
	cur.Mode = valuemap.PresetIndexToMode(presetIndex)
	cur.Frequency = 0
	cur.PulseWidth = 0
	c.states[idx] = cur

	if !cur.Enabled || cur.Strength <= 1 {
		return nil, false
	}
	return wire.EncodeChannelControl(ch, cur.Enabled, cur.Strength, cur.Mode, 0, 0), true
}

// ApplyCustomWave sets the channel to custom mode with the given
// frequency/pulse-width and returns the frame to emit. If the channel is
// disabled or at minimum strength, it is a pure no-op — no cache mutation
// and nothing to emit — so that waveform data enqueued before the user
// raises strength never errors (the waveform player relies on this).
func (c *Cache) ApplyCustomWave(ch wire.Channel, frequency, pulseWidth int) (frame []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := index(ch)
	cur := c.states[idx]
	if !cur.Enabled || cur.Strength <= 1 {
		return nil, false
	}

	cur.Mode = wire.ModeCustom
	cur.Frequency = frequency
	cur.PulseWidth = pulseWidth
	c.states[idx] = cur

	return wire.EncodeChannelControl(ch, cur.Enabled, cur.Strength, wire.ModeCustom, frequency, pulseWidth), true
}

// Stop disables the channel and returns the disable frame: enabled=false,
// mode forced to the first preset (the device has no OFF mode byte for
// outgoing frames), strength reset to the minimum.
func (c *Cache) Stop(ch wire.Channel) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := index(ch)
	c.states[idx] = initialState()

	return wire.EncodeChannelControl(ch, false, 1, wire.ModePreset1, 0, 0)
}
