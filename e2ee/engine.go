// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"github.com/lattice-im/lattice/lib/ref"
)

// MegolmAlgorithm is the only group-session algorithm this package
// understands. Events and backup entries declaring anything else are
// ignored.
const MegolmAlgorithm = "m.megolm.v1.aes-sha2"

// Engine is the boundary to the underlying ratchet implementation.
// The rest of the package treats sessions as opaque handles: it never
// inspects ratchet state and performs all cryptographic operations
// through the session interfaces.
//
// An Engine must be safe for concurrent use; the sessions it returns
// need not be (each session handle is confined to the SessionStore
// that owns it and accessed under its lock).
type Engine interface {
	// NewOutbound creates a fresh outbound group session and the
	// matching session-key export for distributing it.
	NewOutbound() (OutboundSession, error)

	// NewInbound builds an inbound session from the session_key field
	// of a directly shared room key (an m.room_key grant).
	NewInbound(sessionKey string) (InboundSession, error)

	// ImportInbound builds an inbound session from the export format
	// used by forwarded keys and backup entries. Sessions imported
	// this way may start at a nonzero first known index.
	ImportInbound(exported string) (InboundSession, error)

	// UnpickleInbound and UnpickleOutbound revive sessions from
	// pickled form under the given pickle key.
	UnpickleInbound(pickle []byte, key []byte) (InboundSession, error)
	UnpickleOutbound(pickle []byte, key []byte) (OutboundSession, error)
}

// OutboundSession is a sending ratchet. Encrypt advances the message
// index; SessionKey exports the distribution material at the current
// index, so it must be captured before the first Encrypt if recipients
// are expected to decrypt from the beginning.
type OutboundSession interface {
	ID() ref.SessionID
	Encrypt(plaintext []byte) (string, error)
	SessionKey() (string, error)
	MessageIndex() uint32
	Pickle(key []byte) ([]byte, error)

	// Discard zeroes the ratchet state. The handle is unusable
	// afterwards.
	Discard()
}

// InboundSession is a receiving ratchet. Decrypt returns the plaintext
// and the message index it was encrypted at; the index is the replay
// token callers must check against previously seen (index, event)
// pairs. Export produces forwardable key material at the given index,
// which must not be below FirstKnownIndex.
type InboundSession interface {
	ID() ref.SessionID
	Decrypt(ciphertext string) (plaintext []byte, messageIndex uint32, err error)
	FirstKnownIndex() uint32
	Export(messageIndex uint32) (string, error)
	Pickle(key []byte) ([]byte, error)
	Discard()
}
