// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/lattice-im/lattice/lib/ref"
	"github.com/lattice-im/lattice/lib/secret"
	"github.com/lattice-im/lattice/messaging"
)

// The fake engine speaks a transparent string protocol instead of real
// cryptography, so tests can assert on exactly what flowed where:
//
//	session key:  "sessionkey:<id>:<index>"
//	export:       "export:<id>:<index>"
//	ciphertext:   "ct:<id>:<index>:<plaintext>"
//	pickle:       "pickle:<kind>:<id>:<index>"

type fakeEngine struct {
	mu      sync.Mutex
	counter int
}

func (e *fakeEngine) nextID() ref.SessionID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counter++
	return mustSessionID(fmt.Sprintf("fake-session-%d", e.counter))
}

func (e *fakeEngine) NewOutbound() (OutboundSession, error) {
	return &fakeOutbound{id: e.nextID()}, nil
}

func (e *fakeEngine) NewInbound(sessionKey string) (InboundSession, error) {
	id, index, err := parseFakeMaterial("sessionkey", sessionKey)
	if err != nil {
		return nil, err
	}
	return &fakeInbound{id: id, firstIndex: index}, nil
}

func (e *fakeEngine) ImportInbound(exported string) (InboundSession, error) {
	id, index, err := parseFakeMaterial("export", exported)
	if err != nil {
		return nil, err
	}
	return &fakeInbound{id: id, firstIndex: index}, nil
}

func (e *fakeEngine) UnpickleInbound(pickle []byte, key []byte) (InboundSession, error) {
	id, index, err := parseFakeMaterial("pickle:inbound", string(pickle))
	if err != nil {
		return nil, err
	}
	return &fakeInbound{id: id, firstIndex: index}, nil
}

func (e *fakeEngine) UnpickleOutbound(pickle []byte, key []byte) (OutboundSession, error) {
	id, index, err := parseFakeMaterial("pickle:outbound", string(pickle))
	if err != nil {
		return nil, err
	}
	return &fakeOutbound{id: id, index: index}, nil
}

func parseFakeMaterial(prefix, material string) (ref.SessionID, uint32, error) {
	rest, ok := strings.CutPrefix(material, prefix+":")
	if !ok {
		return ref.SessionID{}, 0, fmt.Errorf("bad %s material %q", prefix, material)
	}
	idText, indexText, ok := strings.Cut(rest, ":")
	if !ok {
		return ref.SessionID{}, 0, fmt.Errorf("bad %s material %q", prefix, material)
	}
	index, err := strconv.ParseUint(indexText, 10, 32)
	if err != nil {
		return ref.SessionID{}, 0, fmt.Errorf("bad %s material %q", prefix, material)
	}
	id, err := ref.ParseSessionID(idText)
	if err != nil {
		return ref.SessionID{}, 0, err
	}
	return id, uint32(index), nil
}

type fakeOutbound struct {
	id        ref.SessionID
	index     uint32
	discarded bool
}

func (s *fakeOutbound) ID() ref.SessionID { return s.id }

func (s *fakeOutbound) Encrypt(plaintext []byte) (string, error) {
	if s.discarded {
		return "", fmt.Errorf("session %s discarded", s.id)
	}
	ciphertext := fmt.Sprintf("ct:%s:%d:%s", s.id, s.index, plaintext)
	s.index++
	return ciphertext, nil
}

func (s *fakeOutbound) SessionKey() (string, error) {
	return fmt.Sprintf("sessionkey:%s:%d", s.id, s.index), nil
}

func (s *fakeOutbound) MessageIndex() uint32 { return s.index }

func (s *fakeOutbound) Pickle(key []byte) ([]byte, error) {
	return []byte(fmt.Sprintf("pickle:outbound:%s:%d", s.id, s.index)), nil
}

func (s *fakeOutbound) Discard() { s.discarded = true }

type fakeInbound struct {
	id         ref.SessionID
	firstIndex uint32
	discarded  bool
}

func (s *fakeInbound) ID() ref.SessionID { return s.id }

func (s *fakeInbound) Decrypt(ciphertext string) ([]byte, uint32, error) {
	rest, ok := strings.CutPrefix(ciphertext, "ct:"+s.id.String()+":")
	if !ok {
		return nil, 0, fmt.Errorf("ciphertext %q is not for session %s", ciphertext, s.id)
	}
	indexText, plaintext, ok := strings.Cut(rest, ":")
	if !ok {
		return nil, 0, fmt.Errorf("bad ciphertext %q", ciphertext)
	}
	index, err := strconv.ParseUint(indexText, 10, 32)
	if err != nil {
		return nil, 0, fmt.Errorf("bad ciphertext %q", ciphertext)
	}
	if uint32(index) < s.firstIndex {
		return nil, 0, fmt.Errorf("index %d below first known index %d", index, s.firstIndex)
	}
	return []byte(plaintext), uint32(index), nil
}

func (s *fakeInbound) FirstKnownIndex() uint32 { return s.firstIndex }

func (s *fakeInbound) Export(index uint32) (string, error) {
	if index < s.firstIndex {
		return "", fmt.Errorf("cannot export at %d, first known is %d", index, s.firstIndex)
	}
	return fmt.Sprintf("export:%s:%d", s.id, index), nil
}

func (s *fakeInbound) Pickle(key []byte) ([]byte, error) {
	return []byte(fmt.Sprintf("pickle:inbound:%s:%d", s.id, s.firstIndex)), nil
}

func (s *fakeInbound) Discard() { s.discarded = true }

// memStore is an in-memory Store that signals writes on a channel so
// tests can wait for the asynchronous persistence path.
type memStore struct {
	mu       sync.Mutex
	inbound  map[string]*InboundRecord
	outbound map[string]*OutboundRecord
	puts     chan string
	failPut  error
}

func newMemStore() *memStore {
	return &memStore{
		inbound:  make(map[string]*InboundRecord),
		outbound: make(map[string]*OutboundRecord),
		puts:     make(chan string, 64),
	}
}

func inboundMemKey(account ref.UserID, room ref.RoomID, session ref.SessionID) string {
	return account.String() + "|" + room.String() + "|" + session.String()
}

func outboundMemKey(account ref.UserID, room ref.RoomID) string {
	return account.String() + "|" + room.String()
}

func (s *memStore) PutInbound(ctx context.Context, record *InboundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return s.failPut
	}
	key := inboundMemKey(record.Account, record.Room, record.SessionID)
	s.inbound[key] = record
	s.puts <- "inbound:" + key
	return nil
}

func (s *memStore) GetInbound(ctx context.Context, account ref.UserID, room ref.RoomID, session ref.SessionID) (*InboundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inbound[inboundMemKey(account, room, session)], nil
}

func (s *memStore) PutOutbound(ctx context.Context, record *OutboundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return s.failPut
	}
	key := outboundMemKey(record.Account, record.Room)
	s.outbound[key] = record
	s.puts <- "outbound:" + key
	return nil
}

func (s *memStore) GetOutbound(ctx context.Context, account ref.UserID, room ref.RoomID) (*OutboundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbound[outboundMemKey(account, room)], nil
}

func (s *memStore) DeleteOutbound(ctx context.Context, account ref.UserID, room ref.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outbound, outboundMemKey(account, room))
	return nil
}

type sentPlain struct {
	eventType ref.EventType
	messages  messaging.ToDeviceMessages
}

type sentEncrypted struct {
	target    DeviceIdentity
	eventType ref.EventType
	content   any
}

// fakeSender records sends and can be told to fail deliveries to
// specific devices.
type fakeSender struct {
	mu            sync.Mutex
	plain         []sentPlain
	encrypted     []sentEncrypted
	failPlain     error
	failEncrypted map[ref.DeviceID]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{failEncrypted: make(map[ref.DeviceID]error)}
}

func (s *fakeSender) SendToDevice(ctx context.Context, eventType ref.EventType, messages messaging.ToDeviceMessages) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPlain != nil {
		return s.failPlain
	}
	s.plain = append(s.plain, sentPlain{eventType: eventType, messages: messages})
	return nil
}

func (s *fakeSender) SendEncryptedToDevice(ctx context.Context, target *DeviceIdentity, eventType ref.EventType, content any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failEncrypted[target.DeviceID]; err != nil {
		return err
	}
	s.encrypted = append(s.encrypted, sentEncrypted{target: *target, eventType: eventType, content: content})
	return nil
}

func (s *fakeSender) sentPlain() []sentPlain {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentPlain(nil), s.plain...)
}

func (s *fakeSender) sentEncrypted() []sentEncrypted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentEncrypted(nil), s.encrypted...)
}

// fixedRoomConfig serves the same encryption settings for every room.
type fixedRoomConfig struct {
	settings EncryptionSettings
}

func (c fixedRoomConfig) EncryptionSettings(ctx context.Context, room ref.RoomID) (EncryptionSettings, error) {
	return c.settings, nil
}

// fakeBackupAPI is an in-memory key backup server.
type fakeBackupAPI struct {
	mu      sync.Mutex
	version *messaging.KeyBackupVersion
	entries map[string]messaging.BackedUpSession
	puts    int
}

func newFakeBackupAPI(version, publicKey string) *fakeBackupAPI {
	return &fakeBackupAPI{
		version: &messaging.KeyBackupVersion{
			Algorithm: BackupAlgorithm,
			AuthData:  messaging.KeyBackupAuthData{PublicKey: publicKey},
			Version:   version,
		},
		entries: make(map[string]messaging.BackedUpSession),
	}
}

func backupEntryKey(room ref.RoomID, session ref.SessionID) string {
	return room.String() + "|" + session.String()
}

func (a *fakeBackupAPI) KeyBackupVersion(ctx context.Context) (*messaging.KeyBackupVersion, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.version == nil {
		return nil, &messaging.MatrixError{Code: messaging.ErrCodeNotFound, Message: "no backup", StatusCode: 404}
	}
	version := *a.version
	return &version, nil
}

func (a *fakeBackupAPI) GetBackedUpSession(ctx context.Context, room ref.RoomID, session ref.SessionID, version string) (*messaging.BackedUpSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.entries[backupEntryKey(room, session)]
	if !ok {
		return nil, &messaging.MatrixError{Code: messaging.ErrCodeNotFound, Message: "no entry", StatusCode: 404}
	}
	return &entry, nil
}

func (a *fakeBackupAPI) GetAllBackedUpSessions(ctx context.Context, version string) (*messaging.BackupPayload, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	payload := &messaging.BackupPayload{Rooms: make(map[ref.RoomID]messaging.BackedUpRoom)}
	for key, entry := range a.entries {
		roomText, sessionText, _ := strings.Cut(key, "|")
		room := mustRoomID(roomText)
		session := mustSessionID(sessionText)
		byRoom, ok := payload.Rooms[room]
		if !ok {
			byRoom = messaging.BackedUpRoom{Sessions: make(map[ref.SessionID]messaging.BackedUpSession)}
		}
		byRoom.Sessions[session] = entry
		payload.Rooms[room] = byRoom
	}
	return payload, nil
}

func (a *fakeBackupAPI) PutBackedUpSession(ctx context.Context, room ref.RoomID, session ref.SessionID, version string, entry messaging.BackedUpSession) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[backupEntryKey(room, session)] = entry
	a.puts++
	return nil
}

// approverRecorder collects surfaced incoming requests on a channel.
type approverRecorder struct {
	requests chan *IncomingKeyRequest
}

func newApproverRecorder() *approverRecorder {
	return &approverRecorder{requests: make(chan *IncomingKeyRequest, 16)}
}

func (a *approverRecorder) OnKeyRequest(request *IncomingKeyRequest) {
	a.requests <- request
}

func mustUserID(raw string) ref.UserID {
	id, err := ref.ParseUserID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func mustRoomID(raw string) ref.RoomID {
	id, err := ref.ParseRoomID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func mustSessionID(raw string) ref.SessionID {
	id, err := ref.ParseSessionID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func mustDeviceID(raw string) ref.DeviceID {
	id, err := ref.ParseDeviceID(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func mustCurveKey(raw string) ref.Curve25519Key {
	key, err := ref.ParseCurve25519Key(raw)
	if err != nil {
		panic(err)
	}
	return key
}

func mustEdKey(raw string) ref.Ed25519Key {
	key, err := ref.ParseEd25519Key(raw)
	if err != nil {
		panic(err)
	}
	return key
}

func testPickleKey(t *testing.T) *secret.Buffer {
	t.Helper()
	key, err := secret.NewFromBytes([]byte("test-pickle-key-0123456789abcdef"))
	if err != nil {
		t.Fatalf("creating pickle key: %v", err)
	}
	t.Cleanup(func() { key.Close() })
	return key
}
