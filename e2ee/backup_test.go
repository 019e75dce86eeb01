// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/lattice-im/lattice/lib/secret"
	"github.com/lattice-im/lattice/messaging"
)

func testBackupPrivateBytes() []byte {
	raw := make([]byte, backupKeySize)
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	return raw
}

// testBackupKey returns a fresh locked buffer holding the test backup
// private key, plus the matching public key.
func testBackupKey(t *testing.T) (*secret.Buffer, string) {
	t.Helper()
	private, err := secret.NewFromBytes(testBackupPrivateBytes())
	if err != nil {
		t.Fatalf("creating backup key buffer: %v", err)
	}
	public, err := backupPublicKey(private)
	if err != nil {
		t.Fatalf("deriving backup public key: %v", err)
	}
	return private, public
}

func sealTestEntry(t *testing.T, publicKey string, payload backupEntryPayload) messaging.BackedUpSession {
	t.Helper()
	plaintext, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encoding payload: %v", err)
	}
	data, err := encryptBackupEntry(publicKey, plaintext)
	if err != nil {
		t.Fatalf("sealing entry: %v", err)
	}
	firstIndex := int64(0)
	forwarded := int64(len(payload.ForwardingChain))
	verified := false
	return messaging.BackedUpSession{
		FirstMessageIndex: &firstIndex,
		ForwardedCount:    &forwarded,
		IsVerified:        &verified,
		SessionData:       data,
	}
}

type backupFixture struct {
	*storeFixture
	api     *fakeBackupAPI
	secrets *MemorySecretStore
	client  *BackupClient
	public  string
}

func newBackupFixture(t *testing.T) *backupFixture {
	t.Helper()
	private, public := testBackupKey(t)
	f := &backupFixture{
		storeFixture: newStoreFixture(t),
		api:          newFakeBackupAPI("1", public),
		secrets:      NewMemorySecretStore(),
		public:       public,
	}
	t.Cleanup(f.secrets.Close)
	f.client = NewBackupClient(BackupClientConfig{
		API:     f.api,
		Secrets: f.secrets,
		Store:   f.store,
		Enabled: true,
	})
	if err := f.secrets.Set(BackupSecretName, private); err != nil {
		t.Fatalf("provisioning recovery key: %v", err)
	}
	return f
}

func TestBackupEntryRoundTrip(t *testing.T) {
	private, public := testBackupKey(t)
	defer private.Close()
	plaintext := []byte(`{"algorithm":"m.megolm.v1.aes-sha2","session_key":"export:x:0"}`)

	data, err := encryptBackupEntry(public, plaintext)
	if err != nil {
		t.Fatalf("encryptBackupEntry: %v", err)
	}
	got, err := decryptBackupEntry(private, data)
	if err != nil {
		t.Fatalf("decryptBackupEntry: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("round trip = %q, want %q", got, plaintext)
	}
}

func TestBackupEntryTamperDetection(t *testing.T) {
	private, public := testBackupKey(t)
	defer private.Close()
	data, err := encryptBackupEntry(public, []byte("secret material"))
	if err != nil {
		t.Fatalf("encryptBackupEntry: %v", err)
	}

	ciphertext, err := base64.RawStdEncoding.DecodeString(data.Ciphertext)
	if err != nil {
		t.Fatalf("decoding ciphertext: %v", err)
	}
	ciphertext[0] ^= 0x01
	data.Ciphertext = base64.RawStdEncoding.EncodeToString(ciphertext)

	if _, err := decryptBackupEntry(private, data); err == nil {
		t.Fatal("tampered ciphertext decrypted")
	}
}

func TestBackupEntryWrongKey(t *testing.T) {
	_, public := testBackupKey(t)
	data, err := encryptBackupEntry(public, []byte("secret material"))
	if err != nil {
		t.Fatalf("encryptBackupEntry: %v", err)
	}

	wrongBytes := testBackupPrivateBytes()
	wrongBytes[0] ^= 0xff
	wrong, err := secret.NewFromBytes(wrongBytes)
	if err != nil {
		t.Fatalf("creating wrong key: %v", err)
	}
	defer wrong.Close()

	if _, err := decryptBackupEntry(wrong, data); err == nil {
		t.Fatal("entry decrypted with the wrong key")
	}
}

func TestRecoveryKeyValidator(t *testing.T) {
	f := newBackupFixture(t)

	// A key that does not match the server-side backup is refused.
	wrongBytes := testBackupPrivateBytes()
	wrongBytes[0] ^= 0xff
	wrong, err := secret.NewFromBytes(wrongBytes)
	if err != nil {
		t.Fatalf("creating wrong key: %v", err)
	}
	defer wrong.Close()
	if err := f.secrets.Set(BackupSecretName, wrong); err == nil {
		t.Fatal("mismatched recovery key accepted")
	}

	// So is one that is not key-shaped at all.
	short, err := secret.NewFromBytes([]byte("too short"))
	if err != nil {
		t.Fatalf("creating short key: %v", err)
	}
	defer short.Close()
	if err := f.secrets.Set(BackupSecretName, short); err == nil {
		t.Fatal("malformed recovery key accepted")
	}

	// The valid key from setup is still in place.
	if !f.client.Available() {
		t.Error("backup unavailable despite held recovery key")
	}
}

func TestRestoreSession(t *testing.T) {
	f := newBackupFixture(t)
	session := mustSessionID("backed-up-1")
	f.api.entries[backupEntryKey(testRoom, session)] = sealTestEntry(t, f.public, backupEntryPayload{
		Algorithm:         MegolmAlgorithm,
		SenderKey:         charlieCurve,
		SessionKey:        fmt.Sprintf("export:%s:0", session),
		SenderClaimedKeys: map[string]string{"ed25519": "charlie-signing-ed25519"},
	})

	restored, err := f.client.RestoreSession(context.Background(), testRoom, session)
	if err != nil || !restored {
		t.Fatalf("RestoreSession = %v, %v; want true, nil", restored, err)
	}
	held := f.store.GetInbound(testRoom, session, false)
	if held == nil {
		t.Fatal("restored session not in store")
	}
	if held.SenderKey != charlieCurve {
		t.Errorf("sender key = %s, want %s", held.SenderKey, charlieCurve)
	}
	if !held.Forwarded {
		t.Error("restored session not marked forwarded")
	}
	if held.Content.SenderClaimedKey.String() != "charlie-signing-ed25519" {
		t.Errorf("claimed key = %s", held.Content.SenderClaimedKey)
	}

	// A session the backup does not hold is a miss, not an error.
	missing, err := f.client.RestoreSession(context.Background(), testRoom, mustSessionID("not-there"))
	if err != nil || missing {
		t.Fatalf("RestoreSession(missing) = %v, %v; want false, nil", missing, err)
	}
}

func TestRestoreAllSkipsBadEntries(t *testing.T) {
	f := newBackupFixture(t)
	good := mustSessionID("good-1")
	f.api.entries[backupEntryKey(testRoom, good)] = sealTestEntry(t, f.public, backupEntryPayload{
		Algorithm:  MegolmAlgorithm,
		SenderKey:  charlieCurve,
		SessionKey: fmt.Sprintf("export:%s:0", good),
	})
	// Sealed to somebody else's key.
	otherBytes := testBackupPrivateBytes()
	otherBytes[5] ^= 0x40
	otherBuf, err := secret.NewFromBytes(otherBytes)
	if err != nil {
		t.Fatalf("creating other key: %v", err)
	}
	otherPublic, err := backupPublicKey(otherBuf)
	otherBuf.Close()
	if err != nil {
		t.Fatalf("deriving other public key: %v", err)
	}
	f.api.entries[backupEntryKey(testRoom, mustSessionID("sealed-elsewhere"))] = sealTestEntry(t, otherPublic, backupEntryPayload{
		Algorithm:  MegolmAlgorithm,
		SenderKey:  charlieCurve,
		SessionKey: "export:sealed-elsewhere:0",
	})
	// Wrong algorithm inside.
	f.api.entries[backupEntryKey(testRoom, mustSessionID("wrong-algo"))] = sealTestEntry(t, f.public, backupEntryPayload{
		Algorithm:  "m.olm.v1.curve25519-aes-sha2",
		SenderKey:  charlieCurve,
		SessionKey: "export:wrong-algo:0",
	})
	// No session data at all.
	f.api.entries[backupEntryKey(testRoom, mustSessionID("empty-entry"))] = messaging.BackedUpSession{}
	// Decryptable session data, but the scalar fields are absent.
	bare := sealTestEntry(t, f.public, backupEntryPayload{
		Algorithm:  MegolmAlgorithm,
		SenderKey:  charlieCurve,
		SessionKey: "export:bare-entry:0",
	})
	bare.FirstMessageIndex = nil
	bare.ForwardedCount = nil
	bare.IsVerified = nil
	f.api.entries[backupEntryKey(testRoom, mustSessionID("bare-entry"))] = bare

	installed, err := f.client.RestoreAll(context.Background())
	if err != nil {
		t.Fatalf("RestoreAll: %v", err)
	}
	if installed != 1 {
		t.Errorf("installed = %d, want 1", installed)
	}
	if f.store.GetInbound(testRoom, good, false) == nil {
		t.Error("good session not restored")
	}
	if f.store.GetInbound(testRoom, mustSessionID("wrong-algo"), false) != nil {
		t.Error("wrong-algorithm session restored")
	}
	if f.store.GetInbound(testRoom, mustSessionID("bare-entry"), false) != nil {
		t.Error("entry without first_message_index/forwarded_count/is_verified restored")
	}
}

func TestRestoreAbortsOnBackupKeyMismatch(t *testing.T) {
	f := newBackupFixture(t)
	// The server rotates to a new backup sealed to a different key.
	f.api.mu.Lock()
	f.api.version.AuthData.PublicKey = base64.RawStdEncoding.EncodeToString(make([]byte, backupKeySize))
	f.api.version.Version = "2"
	f.api.mu.Unlock()

	if _, err := f.client.RestoreAll(context.Background()); err == nil {
		t.Fatal("RestoreAll proceeded with a mismatched recovery key")
	}
}

func TestBackupSessionUpload(t *testing.T) {
	f := newBackupFixture(t)
	session := mustSessionID("upload-1")
	if !f.store.SetInbound(context.Background(), charlieCurve, KeyContent{
		Algorithm:       MegolmAlgorithm,
		RoomID:          testRoom,
		SessionID:       session,
		SessionKey:      fmt.Sprintf("export:%s:3", session),
		ForwardingChain: []string{"hop-curve25519"},
	}, true) {
		t.Fatal("installing session failed")
	}

	if err := f.client.BackupSession(context.Background(), testRoom, session); err != nil {
		t.Fatalf("BackupSession: %v", err)
	}
	entry, ok := f.api.entries[backupEntryKey(testRoom, session)]
	if !ok {
		t.Fatal("no entry uploaded")
	}
	if entry.FirstMessageIndex == nil || *entry.FirstMessageIndex != 3 {
		t.Errorf("first message index = %v, want 3", entry.FirstMessageIndex)
	}
	if entry.ForwardedCount == nil || *entry.ForwardedCount != 1 {
		t.Errorf("forwarded count = %v, want 1", entry.ForwardedCount)
	}

	private, _ := testBackupKey(t)
	defer private.Close()
	plaintext, err := decryptBackupEntry(private, entry.SessionData)
	if err != nil {
		t.Fatalf("decrypting uploaded entry: %v", err)
	}
	var payload backupEntryPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		t.Fatalf("decoding uploaded payload: %v", err)
	}
	if payload.SessionKey != fmt.Sprintf("export:%s:3", session) {
		t.Errorf("uploaded session key = %q", payload.SessionKey)
	}
	if payload.SenderKey != charlieCurve {
		t.Errorf("uploaded sender key = %s", payload.SenderKey)
	}
}

func TestBackupAllUploadsEverything(t *testing.T) {
	f := newBackupFixture(t)
	for i := 0; i < 3; i++ {
		session := mustSessionID(fmt.Sprintf("bulk-%d", i))
		f.store.SetInbound(context.Background(), charlieCurve, testKeyContent(testRoom, session), false)
	}

	uploaded, err := f.client.BackupAll(context.Background())
	if err != nil {
		t.Fatalf("BackupAll: %v", err)
	}
	if uploaded != 3 {
		t.Errorf("uploaded = %d, want 3", uploaded)
	}
	if f.api.puts != 3 {
		t.Errorf("server received %d entries, want 3", f.api.puts)
	}
}

func TestBackupAvailability(t *testing.T) {
	f := newBackupFixture(t)
	if !f.client.Available() {
		t.Error("configured backup reported unavailable")
	}

	disabled := NewBackupClient(BackupClientConfig{
		API:     f.api,
		Secrets: f.secrets,
		Store:   f.store,
		Enabled: false,
	})
	if disabled.Available() {
		t.Error("disabled backup reported available")
	}
	if _, err := disabled.RestoreAll(context.Background()); err == nil {
		t.Error("disabled backup performed a restore")
	}

	empty := NewMemorySecretStore()
	t.Cleanup(empty.Close)
	keyless := NewBackupClient(BackupClientConfig{
		API:     f.api,
		Secrets: empty,
		Store:   f.store,
		Enabled: true,
	})
	if keyless.Available() {
		t.Error("backup without recovery key reported available")
	}
}
