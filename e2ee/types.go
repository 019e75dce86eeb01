// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"fmt"
	"time"

	"github.com/lattice-im/lattice/lib/ref"
)

// KeyContent is the key-distribution material retained alongside an
// inbound session: everything needed to re-export the session for a
// forward or a backup upload. For directly granted keys the forwarding
// chain is empty and the claimed key is the sender's own signing key;
// for forwarded keys both come from the forwarding device's claims and
// are only as trustworthy as that device.
type KeyContent struct {
	Algorithm        string            `json:"algorithm"`
	RoomID           ref.RoomID        `json:"room_id"`
	SessionID        ref.SessionID     `json:"session_id"`
	SessionKey       string            `json:"session_key"`
	SenderClaimedKey ref.Ed25519Key    `json:"sender_claimed_ed25519_key,omitzero"`
	ForwardingChain  []string          `json:"forwarding_curve25519_key_chain,omitempty"`
}

// InboundGroupSession is a receiving ratchet together with the
// metadata that scopes it: the room it belongs to, the identity key of
// the device that encrypts with it, and the replay record of message
// indices already consumed.
//
// The struct is owned by a SessionStore and must only be touched under
// its lock, except for read-only access to the immutable identity
// fields (Room, ID, SenderKey, Content).
type InboundGroupSession struct {
	Room      ref.RoomID
	ID        ref.SessionID
	SenderKey ref.Curve25519Key
	Content   KeyContent
	Forwarded bool

	ratchet InboundSession

	// usedIndices maps message index to the event ID first decrypted
	// at that index. A second event claiming an already-used index is
	// a replay.
	usedIndices map[uint32]string
}

// Decrypt decrypts one message with replay protection: the first event
// seen at each message index claims it, and any other event arriving
// at the same index is rejected.
func (s *InboundGroupSession) Decrypt(ciphertext, eventID string) ([]byte, uint32, error) {
	plaintext, index, err := s.ratchet.Decrypt(ciphertext)
	if err != nil {
		return nil, 0, fmt.Errorf("e2ee: decrypting with session %s: %w", s.ID, err)
	}
	if owner, seen := s.usedIndices[index]; seen && owner != eventID {
		return nil, 0, fmt.Errorf("e2ee: replay detected for session %s at index %d", s.ID, index)
	}
	s.usedIndices[index] = eventID
	return plaintext, index, nil
}

// FirstKnownIndex reports the earliest message index this session can
// decrypt. Nonzero for sessions imported from forwards or backups.
func (s *InboundGroupSession) FirstKnownIndex() uint32 {
	return s.ratchet.FirstKnownIndex()
}

// Export produces forwardable key material at the session's first
// known index.
func (s *InboundGroupSession) Export() (string, error) {
	return s.ratchet.Export(s.ratchet.FirstKnownIndex())
}

// OutboundGroupSession is a sending ratchet together with the rotation
// bookkeeping the policy evaluates: the device set it was shared with,
// when it was created, and how many messages it has encrypted.
type OutboundGroupSession struct {
	Room     ref.RoomID
	ID       ref.SessionID
	Devices  []ref.DeviceID // sorted; the share set at creation time
	Created  time.Time
	Messages int64

	ratchet OutboundSession
}

// Encrypt encrypts one message and advances the message counter the
// rotation policy reads.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) (string, error) {
	ciphertext, err := s.ratchet.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("e2ee: encrypting with session %s: %w", s.ID, err)
	}
	s.Messages++
	return ciphertext, nil
}

// Outcome reports what dispatching an inbound event did. Every event
// produces exactly one outcome; dropped events carry the reason they
// were dropped so callers can count and log them without the handler
// having to.
type Outcome int

const (
	// OutcomeHandled: the event had an effect (a key installed, a
	// request registered or forwarded, a cancellation applied).
	OutcomeHandled Outcome = iota

	// OutcomeIgnoredMalformed: the payload failed validation.
	OutcomeIgnoredMalformed

	// OutcomeIgnoredUntrusted: a key arrived over an unauthenticated
	// channel, or a request came from an unknown device.
	OutcomeIgnoredUntrusted

	// OutcomeIgnoredUnmatched: a forwarded key that no outstanding
	// request asked for, or a cancellation for an unknown request.
	OutcomeIgnoredUnmatched

	// OutcomeIgnoredDuplicate: a request already registered, or a key
	// for a session already held.
	OutcomeIgnoredDuplicate

	// OutcomeIgnoredUnknownType: an event type this package does not
	// handle.
	OutcomeIgnoredUnknownType
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHandled:
		return "handled"
	case OutcomeIgnoredMalformed:
		return "ignored-malformed"
	case OutcomeIgnoredUntrusted:
		return "ignored-untrusted"
	case OutcomeIgnoredUnmatched:
		return "ignored-unmatched"
	case OutcomeIgnoredDuplicate:
		return "ignored-duplicate"
	case OutcomeIgnoredUnknownType:
		return "ignored-unknown-type"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}
