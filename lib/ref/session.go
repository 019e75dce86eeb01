// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// SessionID is a megolm group-session identifier. Session IDs are
// generated by the ratchet library (the base64 of the session's ed25519
// public key) and are opaque to this codebase.
type SessionID struct {
	id string
}

// ParseSessionID constructs a SessionID from a raw string. Returns an
// error if the string is empty or contains whitespace.
func ParseSessionID(raw string) (SessionID, error) {
	if err := validateOpaqueID(raw, "session ID"); err != nil {
		return SessionID{}, err
	}
	return SessionID{id: raw}, nil
}

// String returns the raw session ID string.
func (s SessionID) String() string {
	return s.id
}

// IsZero reports whether the SessionID is the zero value (empty).
func (s SessionID) IsZero() bool {
	return s.id == ""
}

// MarshalText implements encoding.TextMarshaler. Returns an error if
// the SessionID is zero.
func (s SessionID) MarshalText() ([]byte, error) {
	if s.id == "" {
		return nil, fmt.Errorf("cannot marshal zero SessionID")
	}
	return []byte(s.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler with validation.
// An empty input produces the zero value.
func (s *SessionID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*s = SessionID{}
		return nil
	}
	parsed, err := ParseSessionID(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
