// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"time"

	"github.com/lattice-im/lattice/lib/ref"
)

// InboundRecord is the persisted form of an inbound group session:
// the pickled ratchet plus the metadata needed to rebuild the
// in-memory session on load.
type InboundRecord struct {
	Account     ref.UserID        `json:"account"`
	Room        ref.RoomID        `json:"room_id"`
	SessionID   ref.SessionID     `json:"session_id"`
	SenderKey   ref.Curve25519Key `json:"sender_key"`
	Pickle      []byte            `json:"pickle"`
	Content     KeyContent        `json:"content,omitzero"`
	Forwarded   bool              `json:"forwarded,omitempty"`
	UsedIndices map[uint32]string `json:"used_indices,omitempty"`
}

// OutboundRecord is the persisted form of an outbound group session.
type OutboundRecord struct {
	Account  ref.UserID     `json:"account"`
	Room     ref.RoomID     `json:"room_id"`
	Pickle   []byte         `json:"pickle"`
	Devices  []ref.DeviceID `json:"devices"`
	Created  time.Time      `json:"created"`
	Messages int64          `json:"messages"`
}

// Store persists group sessions across restarts. Implementations must
// scope records by account: a session stored for one account must not
// be visible to another. A nil record with a nil error means "not
// found".
type Store interface {
	PutInbound(ctx context.Context, record *InboundRecord) error
	GetInbound(ctx context.Context, account ref.UserID, room ref.RoomID, session ref.SessionID) (*InboundRecord, error)

	PutOutbound(ctx context.Context, record *OutboundRecord) error
	GetOutbound(ctx context.Context, account ref.UserID, room ref.RoomID) (*OutboundRecord, error)
	DeleteOutbound(ctx context.Context, account ref.UserID, room ref.RoomID) error
}
