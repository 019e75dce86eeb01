// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// RoomID is a validated Matrix room ID (e.g., "!726s6s6q:example.com").
//
// RoomID is an immutable value type. The zero value is not valid;
// use IsZero to check.
type RoomID struct {
	id string
}

// ParseRoomID validates and wraps a raw Matrix room ID string.
// Returns an error if the string is empty, doesn't start with '!',
// has an empty localpart, or is missing the ':server' suffix.
func ParseRoomID(raw string) (RoomID, error) {
	_, _, err := parsePrefixedID(raw, '!', "room ID")
	if err != nil {
		return RoomID{}, err
	}
	return RoomID{id: raw}, nil
}

// String returns the full room ID string.
func (r RoomID) String() string { return r.id }

// IsZero reports whether the RoomID is the zero value (uninitialized).
func (r RoomID) IsZero() bool { return r.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (r RoomID) MarshalText() ([]byte, error) {
	if r.id == "" {
		return []byte{}, nil
	}
	return []byte(r.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler with validation.
// An empty input produces the zero value.
func (r *RoomID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*r = RoomID{}
		return nil
	}
	parsed, err := ParseRoomID(string(data))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
