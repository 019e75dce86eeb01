// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable identity references for
// Matrix entities: user IDs, room IDs, device IDs, megolm session IDs,
// and device key types.
//
// All constructors validate their inputs and return errors for invalid
// values. Once constructed, a ref is immutable — the zero value of every
// type is invalid and detectable via IsZero. The type wrappers exist to
// prevent accidental confusion between the many opaque strings the
// protocol moves around (a session ID is not a device ID is not an
// access token) at compile time.
//
// JSON marshaling uses the canonical Matrix string form via
// encoding.TextMarshaler, so map keys and struct fields round-trip
// through the wire format with validation applied at the decode
// boundary.
package ref
