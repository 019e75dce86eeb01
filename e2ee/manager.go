// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"log/slog"

	"github.com/lattice-im/lattice/lib/clock"
	"github.com/lattice-im/lattice/lib/ref"
	"github.com/lattice-im/lattice/lib/secret"
)

// KeyManagerConfig assembles a full key-management stack.
type KeyManagerConfig struct {
	// Account, DeviceID, and IdentityKey identify the owning device.
	Account     ref.UserID
	DeviceID    ref.DeviceID
	IdentityKey ref.Curve25519Key

	Engine     Engine
	Store      Store
	Directory  DeviceDirectory
	Sender     ToDeviceSender
	Secrets    SecretStore
	BackupAPI  BackupAPI
	RoomConfig RoomConfig
	Approver   Approver

	// PickleKey encrypts sessions at rest. The manager borrows the
	// buffer for its lifetime; the caller keeps ownership.
	PickleKey *secret.Buffer

	// KeyRecoveryEnabled gates outgoing key requests;
	// KeyBackupEnabled gates all backup traffic.
	KeyRecoveryEnabled bool
	KeyBackupEnabled   bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// KeyManager owns the assembled key-management components and routes
// inbound to-device events to them.
type KeyManager struct {
	sessions *SessionStore
	backup   *BackupClient
	share    *ShareProtocol
	logger   *slog.Logger
}

// NewKeyManager builds the session store, backup client, and share
// protocol, and wires the store's recovery path to the share protocol.
func NewKeyManager(cfg KeyManagerConfig) *KeyManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sessions := NewSessionStore(SessionStoreConfig{
		Account:     cfg.Account,
		DeviceID:    cfg.DeviceID,
		IdentityKey: cfg.IdentityKey,
		Engine:      cfg.Engine,
		Store:       cfg.Store,
		Directory:   cfg.Directory,
		Sender:      cfg.Sender,
		RoomConfig:  cfg.RoomConfig,
		PickleKey:   cfg.PickleKey,
		Clock:       cfg.Clock,
		Logger:      logger,
	})
	backup := NewBackupClient(BackupClientConfig{
		API:     cfg.BackupAPI,
		Secrets: cfg.Secrets,
		Store:   sessions,
		Enabled: cfg.KeyBackupEnabled,
		Logger:  logger,
	})
	share := NewShareProtocol(ShareProtocolConfig{
		Account:     cfg.Account,
		DeviceID:    cfg.DeviceID,
		IdentityKey: cfg.IdentityKey,
		Store:       sessions,
		Directory:   cfg.Directory,
		Sender:      cfg.Sender,
		Backup:      backup,
		Approver:    cfg.Approver,
		Enabled:     cfg.KeyRecoveryEnabled,
		Logger:      logger,
	})
	sessions.SetKeyRequester(share)

	return &KeyManager{
		sessions: sessions,
		backup:   backup,
		share:    share,
		logger:   logger,
	}
}

// Sessions returns the session store.
func (m *KeyManager) Sessions() *SessionStore { return m.sessions }

// Backup returns the backup client.
func (m *KeyManager) Backup() *BackupClient { return m.backup }

// Share returns the share protocol.
func (m *KeyManager) Share() *ShareProtocol { return m.share }

// HandleToDeviceEvent routes one device-to-device event and reports
// what became of it. Unknown event types are not an error; the sync
// loop feeds everything through here.
func (m *KeyManager) HandleToDeviceEvent(ctx context.Context, ev ToDeviceEvent) Outcome {
	var outcome Outcome
	switch ev.Type {
	case EventRoomKey:
		outcome = m.share.HandleRoomKey(ctx, ev)
	case EventForwardedRoomKey:
		outcome = m.share.HandleForwardedKey(ctx, ev)
	case EventRoomKeyRequest:
		outcome = m.share.HandleKeyRequest(ctx, ev)
	default:
		outcome = OutcomeIgnoredUnknownType
	}
	if outcome != OutcomeHandled && outcome != OutcomeIgnoredUnknownType {
		m.logger.Debug("dropped to-device event",
			"type", ev.Type, "sender", ev.Sender, "outcome", outcome)
	}
	return outcome
}

// Close discards all cached ratchet state. Persisted sessions and
// secrets are untouched.
func (m *KeyManager) Close() {
	m.sessions.Close()
}
