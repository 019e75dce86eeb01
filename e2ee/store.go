// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/lattice-im/lattice/lib/clock"
	"github.com/lattice-im/lattice/lib/ref"
	"github.com/lattice-im/lattice/lib/secret"
)

type inboundKey struct {
	room    ref.RoomID
	session ref.SessionID
}

type recoveryKey struct {
	room    ref.RoomID
	session ref.SessionID
	sender  ref.Curve25519Key
}

// SessionStoreConfig carries the collaborators a SessionStore needs.
type SessionStoreConfig struct {
	// Account and DeviceID identify the owning device; IdentityKey is
	// its curve25519 identity key, under which self-inbound copies of
	// outbound sessions are registered.
	Account     ref.UserID
	DeviceID    ref.DeviceID
	IdentityKey ref.Curve25519Key

	Engine     Engine
	Store      Store
	Directory  DeviceDirectory
	Sender     ToDeviceSender
	RoomConfig RoomConfig

	// PickleKey encrypts sessions at rest. The store borrows the
	// buffer; the caller keeps ownership.
	PickleKey *secret.Buffer

	// Clock supplies session creation times and rotation-age checks.
	// Defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// SessionStore owns the in-memory group-session caches and their
// persistence. Inbound sessions are keyed by (room, session ID);
// outbound sessions by room, at most one live per room.
//
// All cache state is guarded by a single mutex. Methods that perform
// I/O (persistence, distribution sends) drop the lock around it and
// re-check cache state afterwards, so concurrent arrivals of the same
// session collapse to one installation.
type SessionStore struct {
	account     ref.UserID
	deviceID    ref.DeviceID
	identityKey ref.Curve25519Key
	engine      Engine
	store       Store
	directory   DeviceDirectory
	sender      ToDeviceSender
	roomConfig  RoomConfig
	pickleKey   *secret.Buffer
	clock       clock.Clock
	logger      *slog.Logger

	mu       sync.Mutex
	inbound  map[inboundKey]*InboundGroupSession
	outbound map[ref.RoomID]*OutboundGroupSession

	// outboundLoaded records rooms whose outbound session we already
	// tried to revive from persistence, so a missing record costs one
	// store round trip per room, not one per message.
	outboundLoaded map[ref.RoomID]bool

	// recovering records (room, session, sender key) triples with a
	// key request in flight, so a burst of undecryptable messages
	// triggers one request per triple.
	recovering map[recoveryKey]bool

	requester KeyRequester
	listeners map[ref.RoomID][]func(ref.SessionID)
}

// NewSessionStore builds a store with empty caches.
func NewSessionStore(cfg SessionStoreConfig) *SessionStore {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &SessionStore{
		account:        cfg.Account,
		deviceID:       cfg.DeviceID,
		identityKey:    cfg.IdentityKey,
		engine:         cfg.Engine,
		store:          cfg.Store,
		directory:      cfg.Directory,
		sender:         cfg.Sender,
		roomConfig:     cfg.RoomConfig,
		pickleKey:      cfg.PickleKey,
		clock:          clk,
		logger:         logger,
		inbound:        make(map[inboundKey]*InboundGroupSession),
		outbound:       make(map[ref.RoomID]*OutboundGroupSession),
		outboundLoaded: make(map[ref.RoomID]bool),
		recovering:     make(map[recoveryKey]bool),
		listeners:      make(map[ref.RoomID][]func(ref.SessionID)),
	}
}

// SetKeyRequester installs the recovery hook consulted when an inbound
// session is missing. Must be called before the store is used; the
// manager does this during assembly.
func (s *SessionStore) SetKeyRequester(requester KeyRequester) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requester = requester
}

// OnKeyArrival registers a callback invoked whenever an inbound
// session for the room is installed. Callers use it to retry
// decryption of events that failed for lack of the key. Callbacks run
// on the installing goroutine, outside the store lock.
func (s *SessionStore) OnKeyArrival(room ref.RoomID, fn func(ref.SessionID)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[room] = append(s.listeners[room], fn)
}

// SetInbound installs an inbound group session built from the given
// key-distribution content. It reports whether the session was
// installed: false means it was already present or the material was
// unusable, both of which are logged and otherwise ignored so that a
// bad key share never disturbs the sessions already held.
func (s *SessionStore) SetInbound(ctx context.Context, senderKey ref.Curve25519Key, content KeyContent, forwarded bool) bool {
	key := inboundKey{room: content.RoomID, session: content.SessionID}

	s.mu.Lock()
	if _, exists := s.inbound[key]; exists {
		s.mu.Unlock()
		s.logger.Debug("inbound session already known",
			"room", content.RoomID,
			"session", content.SessionID)
		return false
	}
	s.mu.Unlock()

	// Ratchet construction is CPU work on untrusted input; keep it
	// outside the lock.
	var ratchet InboundSession
	var err error
	if forwarded {
		ratchet, err = s.engine.ImportInbound(content.SessionKey)
	} else {
		ratchet, err = s.engine.NewInbound(content.SessionKey)
	}
	if err != nil {
		s.logger.Warn("discarding unusable inbound session key",
			"room", content.RoomID,
			"session", content.SessionID,
			"key", fingerprint(content.SessionKey),
			"error", err)
		return false
	}
	if ratchet.ID() != content.SessionID {
		ratchet.Discard()
		s.logger.Warn("session key does not match claimed session id",
			"room", content.RoomID,
			"claimed", content.SessionID,
			"actual", ratchet.ID())
		return false
	}

	session := &InboundGroupSession{
		Room:        content.RoomID,
		ID:          content.SessionID,
		SenderKey:   senderKey,
		Content:     content,
		Forwarded:   forwarded,
		ratchet:     ratchet,
		usedIndices: make(map[uint32]string),
	}

	s.mu.Lock()
	if _, exists := s.inbound[key]; exists {
		// Lost the race to another arrival of the same session.
		s.mu.Unlock()
		ratchet.Discard()
		return false
	}
	s.inbound[key] = session
	s.clearRecovering(content.RoomID, content.SessionID)
	notify := slices.Clone(s.listeners[content.RoomID])
	s.mu.Unlock()

	s.logger.Info("installed inbound session",
		"room", content.RoomID,
		"session", content.SessionID,
		"forwarded", forwarded,
		"first_known_index", ratchet.FirstKnownIndex())

	go s.persistInbound(context.WithoutCancel(ctx), session)

	for _, fn := range notify {
		fn(content.SessionID)
	}
	return true
}

func (s *SessionStore) persistInbound(ctx context.Context, session *InboundGroupSession) {
	s.mu.Lock()
	pickle, err := session.ratchet.Pickle(s.pickleKey.Bytes())
	var record *InboundRecord
	if err == nil {
		record = &InboundRecord{
			Account:     s.account,
			Room:        session.Room,
			SessionID:   session.ID,
			SenderKey:   session.SenderKey,
			Pickle:      pickle,
			Content:     session.Content,
			Forwarded:   session.Forwarded,
			UsedIndices: maps.Clone(session.usedIndices),
		}
	}
	s.mu.Unlock()
	if err == nil {
		err = s.store.PutInbound(ctx, record)
	}
	if err != nil {
		// Persistence failure loses durability, not correctness; the
		// in-memory session keeps working.
		s.logger.Error("persisting inbound session failed",
			"room", session.Room,
			"session", session.ID,
			"error", err)
	}
}

// GetInbound returns the cached inbound session for (room, session
// ID), or nil. With searchOtherRooms it falls back to scanning every
// cached session for a matching session ID regardless of room, for
// callers chasing a key that was shared under a different room than
// the ciphertext claims.
func (s *SessionStore) GetInbound(room ref.RoomID, session ref.SessionID, searchOtherRooms bool) *InboundGroupSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if found, ok := s.inbound[inboundKey{room: room, session: session}]; ok {
		return found
	}
	if !searchOtherRooms {
		return nil
	}
	for key, found := range s.inbound {
		if key.session == session {
			return found
		}
	}
	return nil
}

// LoadInbound returns the inbound session for (room, session ID),
// reviving it from persistence if necessary. When the session is not
// held at all, it triggers asynchronous recovery through the key
// requester (at most one in-flight request per session) and returns
// nil; the caller should subscribe via OnKeyArrival rather than poll.
func (s *SessionStore) LoadInbound(ctx context.Context, room ref.RoomID, session ref.SessionID, senderKey ref.Curve25519Key) *InboundGroupSession {
	key := inboundKey{room: room, session: session}

	s.mu.Lock()
	if found, ok := s.inbound[key]; ok {
		s.mu.Unlock()
		return found
	}
	s.mu.Unlock()

	record, err := s.store.GetInbound(ctx, s.account, room, session)
	if err != nil {
		s.logger.Error("loading inbound session failed",
			"room", room, "session", session, "error", err)
	} else if record != nil {
		if revived := s.reviveInbound(record); revived != nil {
			return revived
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if found, ok := s.inbound[key]; ok {
		// Arrived while we were looking at persistence.
		return found
	}
	marker := recoveryKey{room: room, session: session, sender: senderKey}
	if s.requester != nil && !s.recovering[marker] {
		s.recovering[marker] = true
		go s.recover(context.WithoutCancel(ctx), room, session, senderKey)
	}
	return nil
}

func (s *SessionStore) recover(ctx context.Context, room ref.RoomID, session ref.SessionID, senderKey ref.Curve25519Key) {
	if err := s.requester.RequestKey(ctx, room, session, senderKey); err != nil {
		s.logger.Warn("key recovery request failed",
			"room", room, "session", session, "error", err)
		s.mu.Lock()
		delete(s.recovering, recoveryKey{room: room, session: session, sender: senderKey})
		s.mu.Unlock()
	}
}

// clearRecovering drops every in-flight marker for the session,
// whichever sender was asked. Callers hold s.mu.
func (s *SessionStore) clearRecovering(room ref.RoomID, session ref.SessionID) {
	for marker := range s.recovering {
		if marker.room == room && marker.session == session {
			delete(s.recovering, marker)
		}
	}
}

// reviveInbound rebuilds an in-memory session from a persisted record
// and caches it. Returns nil if the record is unusable. Records
// written by offline tooling carry no pickle; those are rebuilt from
// the key material the record retains.
func (s *SessionStore) reviveInbound(record *InboundRecord) *InboundGroupSession {
	var ratchet InboundSession
	var err error
	switch {
	case len(record.Pickle) > 0:
		ratchet, err = s.engine.UnpickleInbound(record.Pickle, s.pickleKey.Bytes())
	case record.Forwarded:
		ratchet, err = s.engine.ImportInbound(record.Content.SessionKey)
	default:
		ratchet, err = s.engine.NewInbound(record.Content.SessionKey)
	}
	if err != nil {
		s.logger.Error("rebuilding inbound session failed",
			"room", record.Room, "session", record.SessionID, "error", err)
		return nil
	}
	used := record.UsedIndices
	if used == nil {
		used = make(map[uint32]string)
	}
	session := &InboundGroupSession{
		Room:        record.Room,
		ID:          record.SessionID,
		SenderKey:   record.SenderKey,
		Content:     record.Content,
		Forwarded:   record.Forwarded,
		ratchet:     ratchet,
		usedIndices: used,
	}

	key := inboundKey{room: record.Room, session: record.SessionID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.inbound[key]; ok {
		ratchet.Discard()
		return existing
	}
	s.inbound[key] = session
	s.clearRecovering(record.Room, record.SessionID)
	return session
}

// GetOutbound returns the cached outbound session for the room, or
// nil. It does not consult persistence; use LoadOutbound for that.
func (s *SessionStore) GetOutbound(room ref.RoomID) *OutboundGroupSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbound[room]
}

// LoadOutbound returns the outbound session for the room, reviving it
// from persistence on first call. Revival is attempted once per room;
// after that a missing session means the caller must create one.
func (s *SessionStore) LoadOutbound(ctx context.Context, room ref.RoomID) (*OutboundGroupSession, error) {
	s.mu.Lock()
	if session, ok := s.outbound[room]; ok {
		s.mu.Unlock()
		return session, nil
	}
	if s.outboundLoaded[room] {
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()

	record, err := s.store.GetOutbound(ctx, s.account, room)
	if err != nil {
		return nil, fmt.Errorf("e2ee: loading outbound session for %s: %w", room, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboundLoaded[room] = true
	if session, ok := s.outbound[room]; ok {
		return session, nil
	}
	if record == nil {
		return nil, nil
	}
	ratchet, err := s.engine.UnpickleOutbound(record.Pickle, s.pickleKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("e2ee: unpickling outbound session for %s: %w", room, err)
	}
	session := &OutboundGroupSession{
		Room:     room,
		ID:       ratchet.ID(),
		Devices:  record.Devices,
		Created:  record.Created,
		Messages: record.Messages,
		ratchet:  ratchet,
	}
	s.outbound[room] = session
	return session, nil
}

// ClearOutbound discards the room's outbound session. With force it
// always discards; without force it discards only if the rotation
// policy says the session may no longer be used for the room's current
// device set. It reports whether a session was discarded.
func (s *SessionStore) ClearOutbound(ctx context.Context, room ref.RoomID, force bool) (bool, error) {
	s.mu.Lock()
	session, ok := s.outbound[room]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	if !force {
		rotate, err := s.needsRotation(ctx, room, session)
		if err != nil {
			return false, err
		}
		if !rotate {
			return false, nil
		}
	}

	s.mu.Lock()
	if s.outbound[room] != session {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.outbound, room)
	session.ratchet.Discard()
	s.mu.Unlock()

	s.logger.Info("discarded outbound session",
		"room", room, "session", session.ID, "forced", force)

	if err := s.store.DeleteOutbound(ctx, s.account, room); err != nil {
		s.logger.Error("deleting persisted outbound session failed",
			"room", room, "error", err)
	}
	return true, nil
}

func (s *SessionStore) needsRotation(ctx context.Context, room ref.RoomID, session *OutboundGroupSession) (bool, error) {
	devices, err := s.directory.RoomDevices(ctx, room)
	if err != nil {
		return false, fmt.Errorf("e2ee: listing devices of %s: %w", room, err)
	}
	settings, err := s.roomConfig.EncryptionSettings(ctx, room)
	if err != nil {
		s.logger.Warn("encryption settings unavailable, using defaults",
			"room", room, "error", err)
		settings = DefaultEncryptionSettings()
	}
	ids := deviceIDs(devices)
	s.mu.Lock()
	defer s.mu.Unlock()
	return NeedsRotation(session, ids, settings, s.clock.Now()), nil
}

// CreateOutbound replaces the room's outbound session with a fresh
// one: it discards any existing session, creates a new ratchet, shares
// it with every target device over the encrypted device channel, and
// registers a self-inbound copy so the account can decrypt its own
// messages. If sharing fails for any device the new session is
// discarded entirely and nothing is cached; a session that part of the
// room cannot read must never be used.
func (s *SessionStore) CreateOutbound(ctx context.Context, room ref.RoomID) (*OutboundGroupSession, error) {
	if _, err := s.ClearOutbound(ctx, room, true); err != nil {
		return nil, err
	}

	devices, err := s.directory.RoomDevices(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("e2ee: listing devices of %s: %w", room, err)
	}

	ratchet, err := s.engine.NewOutbound()
	if err != nil {
		return nil, fmt.Errorf("e2ee: creating outbound session for %s: %w", room, err)
	}
	sessionKey, err := ratchet.SessionKey()
	if err != nil {
		ratchet.Discard()
		return nil, fmt.Errorf("e2ee: exporting session key for %s: %w", room, err)
	}

	content := RoomKeyContent{
		Algorithm:  MegolmAlgorithm,
		RoomID:     room,
		SessionID:  ratchet.ID(),
		SessionKey: sessionKey,
	}
	for i := range devices {
		device := &devices[i]
		if device.UserID == s.account && device.DeviceID == s.deviceID {
			continue
		}
		if err := s.sender.SendEncryptedToDevice(ctx, device, EventRoomKey, content); err != nil {
			ratchet.Discard()
			return nil, fmt.Errorf("e2ee: sharing session %s with %s/%s: %w",
				ratchet.ID(), device.UserID, device.DeviceID, err)
		}
	}

	session := &OutboundGroupSession{
		Room:    room,
		ID:      ratchet.ID(),
		Devices: deviceIDs(devices),
		Created: s.clock.Now(),
		ratchet: ratchet,
	}

	s.mu.Lock()
	s.outbound[room] = session
	s.outboundLoaded[room] = true
	s.mu.Unlock()

	s.logger.Info("created outbound session",
		"room", room, "session", session.ID, "devices", len(session.Devices))

	// Self-inbound copy, so our own history stays decryptable.
	s.SetInbound(ctx, s.identityKey, KeyContent{
		Algorithm:  MegolmAlgorithm,
		RoomID:     room,
		SessionID:  session.ID,
		SessionKey: sessionKey,
	}, false)

	s.persistOutbound(ctx, session)
	return session, nil
}

func (s *SessionStore) persistOutbound(ctx context.Context, session *OutboundGroupSession) {
	s.mu.Lock()
	pickle, err := session.ratchet.Pickle(s.pickleKey.Bytes())
	var record *OutboundRecord
	if err == nil {
		record = &OutboundRecord{
			Account:  s.account,
			Room:     session.Room,
			Pickle:   pickle,
			Devices:  slices.Clone(session.Devices),
			Created:  session.Created,
			Messages: session.Messages,
		}
	}
	s.mu.Unlock()
	if err == nil {
		err = s.store.PutOutbound(ctx, record)
	}
	if err != nil {
		s.logger.Error("persisting outbound session failed",
			"room", session.Room, "session", session.ID, "error", err)
	}
}

// Sessions returns the cached inbound sessions, for backup uploads and
// exports. The returned slice is a snapshot; the sessions themselves
// are shared and follow the store's locking rules.
func (s *SessionStore) Sessions() []*InboundGroupSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*InboundGroupSession, 0, len(s.inbound))
	for _, session := range s.inbound {
		result = append(result, session)
	}
	return result
}

// Close discards every cached ratchet and empties the caches.
// Persisted state is untouched.
func (s *SessionStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, session := range s.inbound {
		session.ratchet.Discard()
		delete(s.inbound, key)
	}
	for room, session := range s.outbound {
		session.ratchet.Discard()
		delete(s.outbound, room)
	}
	clear(s.outboundLoaded)
	clear(s.recovering)
}

func deviceIDs(devices []DeviceIdentity) []ref.DeviceID {
	ids := make([]ref.DeviceID, 0, len(devices))
	for _, device := range devices {
		ids = append(ids, device.DeviceID)
	}
	slices.SortFunc(ids, func(a, b ref.DeviceID) int {
		return strings.Compare(a.String(), b.String())
	})
	return ids
}
