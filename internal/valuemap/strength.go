// Package valuemap implements the value-range translations between the
// legacy-API's scalar and waveform representations and the target
// device's wire-level ones: strength scaling, waveform-frame conversion,
// and preset-index mapping.
package valuemap

import "github.com/kryptco/ycybridge/internal/wire"

// ToTarget maps a legacy-API strength (0-200) to the target device's
// scale (1-276) and the channel's enabled bit. legacy<=0 disables the
// channel and reports a strength of 1, matching the device's minimum.
func ToTarget(legacy int) (enabled bool, target int) {
	if legacy <= 0 {
		return false, 1
	}
	t := legacy*275/200 + 1
	if t > 276 {
		t = 276
	}
	return true, t
}

// ToLegacy maps a target-device strength (1-276) back to the legacy-API
// scale (0-200). target<=1 reports 0 (disabled).
func ToLegacy(target int) int {
	if target <= 1 {
		return 0
	}
	return (target - 1) * 200 / 275
}

// PresetIndexToMode maps the legacy-API's 16-entry preset catalog (index
// 0-15) onto the device's preset modes, 1:1. Out-of-range indices fall
// back to the first preset.
func PresetIndexToMode(index int) wire.Mode {
	if index < 0 || index > 15 {
		return wire.ModePreset1
	}
	return wire.PresetMode(index + 1)
}
