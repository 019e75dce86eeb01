// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"

	"github.com/lattice-im/lattice/lib/ref"
	"github.com/lattice-im/lattice/messaging"
)

// ToDeviceSender delivers device-to-device events. SendToDevice is the
// plaintext path used for key requests and cancellations, which carry
// no secrets; SendEncryptedToDevice wraps the content in the pairwise
// authenticated channel to one device and is the only path key
// material ever leaves on.
type ToDeviceSender interface {
	SendToDevice(ctx context.Context, eventType ref.EventType, messages messaging.ToDeviceMessages) error
	SendEncryptedToDevice(ctx context.Context, target *DeviceIdentity, eventType ref.EventType, content any) error
}

// BackupAPI is the server-side key backup surface consumed by
// BackupClient. *messaging.Session satisfies it.
type BackupAPI interface {
	KeyBackupVersion(ctx context.Context) (*messaging.KeyBackupVersion, error)
	GetBackedUpSession(ctx context.Context, room ref.RoomID, session ref.SessionID, version string) (*messaging.BackedUpSession, error)
	GetAllBackedUpSessions(ctx context.Context, version string) (*messaging.BackupPayload, error)
	PutBackedUpSession(ctx context.Context, room ref.RoomID, session ref.SessionID, version string, entry messaging.BackedUpSession) error
}

// RoomConfig resolves per-room encryption settings, normally from the
// room's m.room.encryption state event.
type RoomConfig interface {
	EncryptionSettings(ctx context.Context, room ref.RoomID) (EncryptionSettings, error)
}

// KeyRequester starts recovery of a missing inbound session. It exists
// to break the dependency cycle between the session store (which
// notices keys are missing) and the share protocol (which goes and
// asks for them); the manager wires the two together.
type KeyRequester interface {
	RequestKey(ctx context.Context, room ref.RoomID, session ref.SessionID, senderKey ref.Curve25519Key) error
}

// Approver decides incoming key requests that cannot be granted
// automatically. OnKeyRequest is called for requests from other
// accounts and from the owning account's unverified devices; the
// implementation may prompt, apply policy, or simply drop the request.
// Granting later is done with ShareProtocol.ForwardKey.
type Approver interface {
	OnKeyRequest(request *IncomingKeyRequest)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(request *IncomingKeyRequest)

func (f ApproverFunc) OnKeyRequest(request *IncomingKeyRequest) { f(request) }
