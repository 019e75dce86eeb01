// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"time"

	"github.com/lattice-im/lattice/lib/ref"
)

// Rotation defaults, applied when a room's encryption settings omit or
// malform the corresponding field.
const (
	DefaultRotationMessages = 100
	DefaultRotationPeriod   = 7 * 24 * time.Hour
)

// EncryptionSettings are the per-room rotation bounds from the room's
// encryption state event.
type EncryptionSettings struct {
	// RotationMessages is the maximum number of messages an outbound
	// session may encrypt before it must be replaced.
	RotationMessages int64

	// RotationPeriod is the maximum age of an outbound session.
	RotationPeriod time.Duration
}

// DefaultEncryptionSettings returns the settings used when a room has
// no encryption state or the state is unreadable.
func DefaultEncryptionSettings() EncryptionSettings {
	return EncryptionSettings{
		RotationMessages: DefaultRotationMessages,
		RotationPeriod:   DefaultRotationPeriod,
	}
}

// ParseEncryptionSettings extracts rotation bounds from raw encryption
// event content. Missing or malformed fields fall back to the
// defaults individually; a hostile room state can never disable
// rotation by sending garbage.
func ParseEncryptionSettings(content map[string]any) EncryptionSettings {
	settings := DefaultEncryptionSettings()
	if count, ok := integerSetting(content["rotation_period_msgs"]); ok && count > 0 {
		settings.RotationMessages = count
	}
	if period, ok := integerSetting(content["rotation_period_ms"]); ok && period > 0 {
		settings.RotationPeriod = time.Duration(period) * time.Millisecond
	}
	return settings
}

// integerSetting accepts the numeric encodings JSON decoding can
// produce. Fractional values are not valid settings.
func integerSetting(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// NeedsRotation reports whether an outbound session may continue to be
// used for the given device set at the given time. A session must be
// rotated when the room's device set differs in any way from the set
// it was shared with (additions and removals both count), when it has
// reached the message bound, or when it has reached the age bound.
func NeedsRotation(session *OutboundGroupSession, devices []ref.DeviceID, settings EncryptionSettings, now time.Time) bool {
	if !sameDeviceSet(session.Devices, devices) {
		return true
	}
	if session.Messages >= settings.RotationMessages {
		return true
	}
	if now.Sub(session.Created) >= settings.RotationPeriod {
		return true
	}
	return false
}

// sameDeviceSet compares a session's recorded share set (sorted at
// creation) against a current device list in any order.
func sameDeviceSet(recorded, current []ref.DeviceID) bool {
	if len(recorded) != len(current) {
		return false
	}
	seen := make(map[ref.DeviceID]int, len(recorded))
	for _, device := range recorded {
		seen[device]++
	}
	for _, device := range current {
		if seen[device] == 0 {
			return false
		}
		seen[device]--
	}
	return true
}
