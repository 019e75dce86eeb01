// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// Curve25519Key is a device's curve25519 identity key in unpadded
// base64, as carried in device key lists, room key events, and
// forwarding chains. The key identifies the olm account that sent a
// message — the protocol calls this the "sender key".
type Curve25519Key struct {
	key string
}

// ParseCurve25519Key constructs a Curve25519Key from a raw string.
// Returns an error if the string is empty or contains whitespace. The
// base64 content is not decoded here — the key is compared and
// transported as an opaque token; only the backup crypto layer decodes
// key material.
func ParseCurve25519Key(raw string) (Curve25519Key, error) {
	if err := validateOpaqueID(raw, "curve25519 key"); err != nil {
		return Curve25519Key{}, err
	}
	return Curve25519Key{key: raw}, nil
}

// String returns the unpadded base64 key string.
func (k Curve25519Key) String() string { return k.key }

// IsZero reports whether the key is the zero value (empty).
func (k Curve25519Key) IsZero() bool { return k.key == "" }

// MarshalText implements encoding.TextMarshaler.
func (k Curve25519Key) MarshalText() ([]byte, error) {
	if k.key == "" {
		return nil, fmt.Errorf("cannot marshal zero Curve25519Key")
	}
	return []byte(k.key), nil
}

// UnmarshalText implements encoding.TextUnmarshaler with validation.
// An empty input produces the zero value.
func (k *Curve25519Key) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*k = Curve25519Key{}
		return nil
	}
	parsed, err := ParseCurve25519Key(string(data))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Ed25519Key is a device's ed25519 signing key in unpadded base64.
// Carried alongside forwarded room keys so recipients can pin the
// claimed signing key of the session creator.
type Ed25519Key struct {
	key string
}

// ParseEd25519Key constructs an Ed25519Key from a raw string. Returns
// an error if the string is empty or contains whitespace.
func ParseEd25519Key(raw string) (Ed25519Key, error) {
	if err := validateOpaqueID(raw, "ed25519 key"); err != nil {
		return Ed25519Key{}, err
	}
	return Ed25519Key{key: raw}, nil
}

// String returns the unpadded base64 key string.
func (k Ed25519Key) String() string { return k.key }

// IsZero reports whether the key is the zero value (empty).
func (k Ed25519Key) IsZero() bool { return k.key == "" }

// MarshalText implements encoding.TextMarshaler.
func (k Ed25519Key) MarshalText() ([]byte, error) {
	if k.key == "" {
		return nil, fmt.Errorf("cannot marshal zero Ed25519Key")
	}
	return []byte(k.key), nil
}

// UnmarshalText implements encoding.TextUnmarshaler with validation.
// An empty input produces the zero value.
func (k *Ed25519Key) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*k = Ed25519Key{}
		return nil
	}
	parsed, err := ParseEd25519Key(string(data))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
