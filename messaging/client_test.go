// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lattice-im/lattice/lib/ref"
)

func mustUserID(t *testing.T, raw string) ref.UserID {
	t.Helper()
	userID, err := ref.ParseUserID(raw)
	if err != nil {
		t.Fatalf("ParseUserID(%q): %v", raw, err)
	}
	return userID
}

func mustRoomID(t *testing.T, raw string) ref.RoomID {
	t.Helper()
	roomID, err := ref.ParseRoomID(raw)
	if err != nil {
		t.Fatalf("ParseRoomID(%q): %v", raw, err)
	}
	return roomID
}

func mustSessionID(t *testing.T, raw string) ref.SessionID {
	t.Helper()
	sessionID, err := ref.ParseSessionID(raw)
	if err != nil {
		t.Fatalf("ParseSessionID(%q): %v", raw, err)
	}
	return sessionID
}

// newTestSession creates a Client and Session pointing at a test server.
func newTestSession(t *testing.T, handler http.Handler) *Session {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	deviceID, err := ref.ParseDeviceID("TESTDEV")
	if err != nil {
		t.Fatalf("ParseDeviceID failed: %v", err)
	}
	session, err := client.SessionFromToken(mustUserID(t, "@test:local"), deviceID, "test-token")
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func assertAuth(t *testing.T, request *http.Request, token string) {
	t.Helper()
	if got := request.Header.Get("Authorization"); got != "Bearer "+token {
		t.Errorf("unexpected Authorization header: %q", got)
	}
}

func writeJSON(writer http.ResponseWriter, value any) {
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(value)
}

func TestWhoAmI(t *testing.T) {
	session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "test-token")
		if request.URL.Path != "/_matrix/client/v3/account/whoami" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		writeJSON(writer, map[string]string{"user_id": "@test:local", "device_id": "TESTDEV"})
	}))

	userID, err := session.WhoAmI(context.Background())
	if err != nil {
		t.Fatalf("WhoAmI failed: %v", err)
	}
	if userID.String() != "@test:local" {
		t.Errorf("unexpected user ID: %s", userID)
	}
}

func TestSyncCarriesToDeviceEvents(t *testing.T) {
	session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "test-token")
		if request.URL.Path != "/_matrix/client/v3/sync" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		if got := request.URL.Query().Get("since"); got != "batch-1" {
			t.Errorf("unexpected since token: %q", got)
		}
		writeJSON(writer, map[string]any{
			"next_batch": "batch-2",
			"to_device": map[string]any{
				"events": []map[string]any{
					{
						"sender":  "@alice:local",
						"type":    "m.room_key_request",
						"content": map[string]any{"action": "request"},
					},
				},
			},
		})
	}))

	response, err := session.Sync(context.Background(), SyncOptions{Since: "batch-1"})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if response.NextBatch != "batch-2" {
		t.Errorf("unexpected next_batch: %q", response.NextBatch)
	}
	if len(response.ToDevice.Events) != 1 {
		t.Fatalf("expected 1 to-device event, got %d", len(response.ToDevice.Events))
	}
	event := response.ToDevice.Events[0]
	if event.Type != "m.room_key_request" {
		t.Errorf("unexpected event type: %s", event.Type)
	}
	if event.Sender.String() != "@alice:local" {
		t.Errorf("unexpected sender: %s", event.Sender)
	}
}

func TestSendToDevice(t *testing.T) {
	session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "test-token")
		if request.Method != http.MethodPut {
			t.Errorf("unexpected method: %s", request.Method)
		}
		if !strings.HasPrefix(request.URL.Path, "/_matrix/client/v3/sendToDevice/m.room_key_request/") {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}

		var body struct {
			Messages map[string]map[string]any `json:"messages"`
		}
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		devices, ok := body.Messages["@alice:local"]
		if !ok {
			t.Fatal("missing recipient @alice:local")
		}
		if _, ok := devices["*"]; !ok {
			t.Error("expected wildcard device recipient")
		}
		writeJSON(writer, map[string]any{})
	}))

	messages := ToDeviceMessages{
		mustUserID(t, "@alice:local"): {
			"*": map[string]any{"action": "request"},
		},
	}
	if err := session.SendToDevice(context.Background(), "m.room_key_request", messages); err != nil {
		t.Fatalf("SendToDevice failed: %v", err)
	}
}

func TestSendToDeviceTransactionIDsAreUnique(t *testing.T) {
	var paths []string
	session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		paths = append(paths, request.URL.Path)
		writeJSON(writer, map[string]any{})
	}))

	for i := 0; i < 2; i++ {
		if err := session.SendToDevice(context.Background(), "m.room_key", ToDeviceMessages{}); err != nil {
			t.Fatalf("SendToDevice failed: %v", err)
		}
	}
	if len(paths) != 2 || paths[0] == paths[1] {
		t.Errorf("expected distinct transaction paths, got %v", paths)
	}
}

func TestKeyBackupVersion(t *testing.T) {
	session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "test-token")
		if request.URL.Path != "/_matrix/client/v3/room_keys/version" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		writeJSON(writer, map[string]any{
			"algorithm": "m.megolm_backup.v1.curve25519-aes-sha2",
			"auth_data": map[string]any{"public_key": "abc123"},
			"count":     5,
			"etag":      "0",
			"version":   "3",
		})
	}))

	info, err := session.KeyBackupVersion(context.Background())
	if err != nil {
		t.Fatalf("KeyBackupVersion failed: %v", err)
	}
	if info.Version != "3" {
		t.Errorf("unexpected version: %q", info.Version)
	}
	if info.AuthData.PublicKey != "abc123" {
		t.Errorf("unexpected public key: %q", info.AuthData.PublicKey)
	}
}

func TestGetBackedUpSessionNotFound(t *testing.T) {
	session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusNotFound)
		json.NewEncoder(writer).Encode(map[string]string{
			"errcode": "M_NOT_FOUND",
			"error":   "No room_keys found",
		})
	}))

	_, err := session.GetBackedUpSession(context.Background(),
		mustRoomID(t, "!room:local"), mustSessionID(t, "sess1"), "3")
	if err == nil {
		t.Fatal("expected error for missing backup entry")
	}
	if !IsNotFound(err) {
		t.Errorf("expected M_NOT_FOUND, got %v", err)
	}
}

func TestGetBackedUpSession(t *testing.T) {
	session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if !strings.HasPrefix(request.URL.Path, "/_matrix/client/v3/room_keys/keys/") {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		if got := request.URL.Query().Get("version"); got != "3" {
			t.Errorf("unexpected version: %q", got)
		}
		writeJSON(writer, map[string]any{
			"first_message_index": 0,
			"forwarded_count":     0,
			"is_verified":         true,
			"session_data": map[string]any{
				"ephemeral":  "eph",
				"ciphertext": "ct",
				"mac":        "mac",
			},
		})
	}))

	entry, err := session.GetBackedUpSession(context.Background(),
		mustRoomID(t, "!room:local"), mustSessionID(t, "sess1"), "3")
	if err != nil {
		t.Fatalf("GetBackedUpSession failed: %v", err)
	}
	if entry.FirstMessageIndex == nil || *entry.FirstMessageIndex != 0 {
		t.Error("missing first_message_index")
	}
	if entry.SessionData == nil || entry.SessionData.Ephemeral != "eph" {
		t.Error("missing session_data")
	}
}

func TestMatrixErrorShape(t *testing.T) {
	session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusForbidden)
		json.NewEncoder(writer).Encode(map[string]string{
			"errcode": "M_FORBIDDEN",
			"error":   "Access denied",
		})
	}))

	_, err := session.WhoAmI(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsMatrixError(err, ErrCodeForbidden) {
		t.Errorf("expected M_FORBIDDEN, got %v", err)
	}
}
