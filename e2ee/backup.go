// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lattice-im/lattice/lib/ref"
	"github.com/lattice-im/lattice/lib/secret"
	"github.com/lattice-im/lattice/messaging"
)

// BackupAlgorithm is the only server-side key backup algorithm this
// package supports.
const BackupAlgorithm = "m.megolm_backup.v1.curve25519-aes-sha2"

// backupEntryPayload is the plaintext inside one encrypted backup
// entry.
type backupEntryPayload struct {
	Algorithm         string            `json:"algorithm"`
	SenderKey         ref.Curve25519Key `json:"sender_key"`
	SessionKey        string            `json:"session_key"`
	ForwardingChain   []string          `json:"forwarding_curve25519_key_chain,omitempty"`
	SenderClaimedKeys map[string]string `json:"sender_claimed_keys,omitempty"`
}

// BackupClientConfig carries the collaborators a BackupClient needs.
type BackupClientConfig struct {
	API     BackupAPI
	Secrets SecretStore
	Store   *SessionStore

	// Enabled gates every backup operation. When false the client
	// reports unavailable and all restores and uploads are no-ops.
	Enabled bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// backupInfo is a resolved view of the server's current backup
// version: the version token to address entries with and the public
// key entries are sealed to.
type backupInfo struct {
	version   string
	publicKey string
}

// BackupClient restores group sessions from the server-side key backup
// and uploads held sessions to it. The backup is addressed by a
// version token fetched fresh per operation, never cached: a backup
// can be replaced at any time, and uploading to or trusting a stale
// version silently loses keys.
type BackupClient struct {
	api     BackupAPI
	secrets SecretStore
	store   *SessionStore
	enabled bool
	logger  *slog.Logger
}

// NewBackupClient builds a client and registers the recovery-key
// validator with the secret store: a candidate recovery key is
// accepted only if its derived public key matches the key the current
// server-side backup is sealed to.
func NewBackupClient(cfg BackupClientConfig) *BackupClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &BackupClient{
		api:     cfg.API,
		secrets: cfg.Secrets,
		store:   cfg.Store,
		enabled: cfg.Enabled,
		logger:  logger,
	}
	c.secrets.SetValidator(BackupSecretName, c.validateRecoveryKey)
	return c
}

func (c *BackupClient) validateRecoveryKey(candidate *secret.Buffer) bool {
	derived, err := backupPublicKey(candidate)
	if err != nil {
		c.logger.Warn("rejecting malformed backup recovery key", "error", err)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	info, err := c.fetchInfo(ctx)
	if err != nil {
		// Fail closed: a key we cannot check is a key we do not trust.
		c.logger.Warn("cannot validate backup recovery key", "error", err)
		return false
	}
	if derived != info.publicKey {
		c.logger.Warn("backup recovery key does not match server backup",
			"derived", fingerprint(derived),
			"server", fingerprint(info.publicKey))
		return false
	}
	return true
}

// fetchInfo resolves the current backup version and its public key.
func (c *BackupClient) fetchInfo(ctx context.Context) (*backupInfo, error) {
	version, err := c.api.KeyBackupVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("e2ee: fetching backup version: %w", err)
	}
	if version.Algorithm != BackupAlgorithm {
		return nil, fmt.Errorf("e2ee: unsupported backup algorithm %q", version.Algorithm)
	}
	if version.AuthData.PublicKey == "" {
		return nil, errors.New("e2ee: backup version has no public key")
	}
	return &backupInfo{version: version.Version, publicKey: version.AuthData.PublicKey}, nil
}

// Available reports whether backup operations can proceed: the feature
// is enabled and the recovery key is held. It does not hit the server;
// per-operation version resolution still happens on every call.
func (c *BackupClient) Available() bool {
	return c.enabled && c.secrets.Get(BackupSecretName) != nil
}

// RestoreAll downloads every entry in the current backup and installs
// the sessions it can. Entries that fail individually (missing fields,
// undecryptable, wrong algorithm) are skipped and logged; one corrupt
// entry must not cost the rest of the backup. It returns the number of
// sessions installed.
//
// If the held recovery key does not match the key the backup is sealed
// to, the restore aborts before downloading anything.
func (c *BackupClient) RestoreAll(ctx context.Context) (int, error) {
	info, private, err := c.prepare(ctx)
	if err != nil {
		return 0, err
	}

	payload, err := c.api.GetAllBackedUpSessions(ctx, info.version)
	if err != nil {
		return 0, fmt.Errorf("e2ee: downloading backup: %w", err)
	}

	installed := 0
	for roomID, room := range payload.Rooms {
		for sessionID, entry := range room.Sessions {
			entry := entry
			if c.restoreEntry(ctx, private, roomID, sessionID, &entry) {
				installed++
			}
		}
	}
	c.logger.Info("backup restore finished", "installed", installed)
	return installed, nil
}

// RestoreSession fetches and installs a single session from the
// backup. A backup without the session is not an error; the method
// reports whether the session was installed.
func (c *BackupClient) RestoreSession(ctx context.Context, room ref.RoomID, session ref.SessionID) (bool, error) {
	info, private, err := c.prepare(ctx)
	if err != nil {
		return false, err
	}
	entry, err := c.api.GetBackedUpSession(ctx, room, session, info.version)
	if err != nil {
		if messaging.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("e2ee: fetching backup entry: %w", err)
	}
	return c.restoreEntry(ctx, private, room, session, entry), nil
}

// prepare resolves the backup version and checks the held recovery key
// against it.
func (c *BackupClient) prepare(ctx context.Context) (*backupInfo, *secret.Buffer, error) {
	if !c.enabled {
		return nil, nil, errors.New("e2ee: key backup is disabled")
	}
	private := c.secrets.Get(BackupSecretName)
	if private == nil {
		return nil, nil, errors.New("e2ee: backup recovery key not held")
	}
	info, err := c.fetchInfo(ctx)
	if err != nil {
		return nil, nil, err
	}
	derived, err := backupPublicKey(private)
	if err != nil {
		return nil, nil, err
	}
	if derived != info.publicKey {
		return nil, nil, errors.New("e2ee: recovery key does not match current backup")
	}
	return info, private, nil
}

// OpenBackupEntry decrypts one backup entry with the recovery key and
// returns the sender key and key content it carries. The entry is
// rejected if it cannot be decrypted, does not parse, or does not
// describe a megolm session.
func OpenBackupEntry(private *secret.Buffer, room ref.RoomID, session ref.SessionID, entry *messaging.BackedUpSession) (ref.Curve25519Key, KeyContent, error) {
	if entry == nil || entry.SessionData == nil {
		return ref.Curve25519Key{}, KeyContent{}, errors.New("e2ee: backup entry has no session data")
	}
	// The scalar fields are pointers so an absent field is
	// distinguishable from a zero value; an entry that omits any of
	// them did not come from a well-formed backup writer.
	if entry.FirstMessageIndex == nil || entry.ForwardedCount == nil || entry.IsVerified == nil {
		return ref.Curve25519Key{}, KeyContent{}, errors.New("e2ee: backup entry is missing required fields")
	}
	plaintext, err := decryptBackupEntry(private, entry.SessionData)
	if err != nil {
		return ref.Curve25519Key{}, KeyContent{}, err
	}
	var payload backupEntryPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return ref.Curve25519Key{}, KeyContent{}, fmt.Errorf("e2ee: parsing backup entry: %w", err)
	}
	if payload.Algorithm != MegolmAlgorithm || payload.SessionKey == "" || payload.SenderKey.IsZero() {
		return ref.Curve25519Key{}, KeyContent{}, errors.New("e2ee: backup entry payload is not a megolm session")
	}
	content := KeyContent{
		Algorithm:       MegolmAlgorithm,
		RoomID:          room,
		SessionID:       session,
		SessionKey:      payload.SessionKey,
		ForwardingChain: payload.ForwardingChain,
	}
	if claimed := payload.SenderClaimedKeys["ed25519"]; claimed != "" {
		if key, err := ref.ParseEd25519Key(claimed); err == nil {
			content.SenderClaimedKey = key
		}
	}
	return payload.SenderKey, content, nil
}

func (c *BackupClient) restoreEntry(ctx context.Context, private *secret.Buffer, room ref.RoomID, session ref.SessionID, entry *messaging.BackedUpSession) bool {
	senderKey, content, err := OpenBackupEntry(private, room, session, entry)
	if err != nil {
		c.logger.Warn("skipping bad backup entry",
			"room", room, "session", session, "error", err)
		return false
	}
	return c.store.SetInbound(ctx, senderKey, content, true)
}

// BackupSession uploads one held session to the current backup. The
// session is exported at its first known index and sealed to the
// backup public key.
func (c *BackupClient) BackupSession(ctx context.Context, room ref.RoomID, session ref.SessionID) error {
	info, _, err := c.prepare(ctx)
	if err != nil {
		return err
	}
	held := c.store.GetInbound(room, session, false)
	if held == nil {
		return fmt.Errorf("e2ee: session %s not held for %s", session, room)
	}
	exported, err := held.Export()
	if err != nil {
		return fmt.Errorf("e2ee: exporting session %s: %w", session, err)
	}
	payload := backupEntryPayload{
		Algorithm:       MegolmAlgorithm,
		SenderKey:       held.SenderKey,
		SessionKey:      exported,
		ForwardingChain: held.Content.ForwardingChain,
	}
	if !held.Content.SenderClaimedKey.IsZero() {
		payload.SenderClaimedKeys = map[string]string{"ed25519": held.Content.SenderClaimedKey.String()}
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("e2ee: encoding backup entry: %w", err)
	}
	data, err := encryptBackupEntry(info.publicKey, plaintext)
	if err != nil {
		return err
	}

	firstIndex := int64(held.FirstKnownIndex())
	forwardedCount := int64(len(held.Content.ForwardingChain))
	verified := false
	entry := messaging.BackedUpSession{
		FirstMessageIndex: &firstIndex,
		ForwardedCount:    &forwardedCount,
		IsVerified:        &verified,
		SessionData:       data,
	}
	if err := c.api.PutBackedUpSession(ctx, room, session, info.version, entry); err != nil {
		return fmt.Errorf("e2ee: uploading backup entry: %w", err)
	}
	c.logger.Info("uploaded session to backup",
		"room", room, "session", session, "version", info.version)
	return nil
}

// BackupAll uploads every held inbound session, skipping and logging
// individual failures. It returns the number of sessions uploaded.
func (c *BackupClient) BackupAll(ctx context.Context) (int, error) {
	if !c.Available() {
		return 0, errors.New("e2ee: key backup unavailable")
	}
	uploaded := 0
	for _, session := range c.store.Sessions() {
		if err := c.BackupSession(ctx, session.Room, session.ID); err != nil {
			c.logger.Warn("backup upload failed",
				"room", session.Room, "session", session.ID, "error", err)
			continue
		}
		uploaded++
	}
	return uploaded, nil
}
