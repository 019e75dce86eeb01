// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// EventType is a Matrix event type (e.g., "m.room_key",
// "m.room.encryption"). A thin string wrapper so that function
// signatures distinguish event types from the many other strings the
// protocol carries.
type EventType string

// String returns the event type string (e.g., "m.room_key").
func (t EventType) String() string { return string(t) }
