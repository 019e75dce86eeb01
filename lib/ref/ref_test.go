// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package ref_test

import (
	"encoding/json"
	"testing"

	"github.com/lattice-im/lattice/lib/ref"
)

func TestParseUserID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "simple", raw: "@alice:example.com"},
		{name: "subdomain-server", raw: "@bob:chat.example.com"},
		{name: "port-in-server", raw: "@carol:localhost:8448"},
		{name: "empty", raw: "", wantErr: true},
		{name: "missing-sigil", raw: "alice:example.com", wantErr: true},
		{name: "wrong-sigil", raw: "!alice:example.com", wantErr: true},
		{name: "missing-server", raw: "@alice", wantErr: true},
		{name: "empty-localpart", raw: "@:example.com", wantErr: true},
		{name: "empty-server", raw: "@alice:", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID, err := ref.ParseUserID(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", userID)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if userID.String() != tt.raw {
				t.Errorf("String() = %q, want %q", userID.String(), tt.raw)
			}
			if userID.IsZero() {
				t.Error("IsZero() = true for valid user ID")
			}
		})
	}
}

func TestUserIDParts(t *testing.T) {
	userID, err := ref.ParseUserID("@alice:example.com")
	if err != nil {
		t.Fatalf("ParseUserID: %v", err)
	}
	if got := userID.Localpart(); got != "alice" {
		t.Errorf("Localpart() = %q, want %q", got, "alice")
	}
	if got := userID.Server(); got != "example.com" {
		t.Errorf("Server() = %q, want %q", got, "example.com")
	}
}

func TestParseRoomID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "simple", raw: "!726s6s6q:example.com"},
		{name: "empty", raw: "", wantErr: true},
		{name: "missing-sigil", raw: "726s6s6q:example.com", wantErr: true},
		{name: "user-sigil", raw: "@726s6s6q:example.com", wantErr: true},
		{name: "missing-server", raw: "!726s6s6q", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			roomID, err := ref.ParseRoomID(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", roomID)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if roomID.String() != tt.raw {
				t.Errorf("String() = %q, want %q", roomID.String(), tt.raw)
			}
		})
	}
}

func TestOpaqueIDs(t *testing.T) {
	t.Run("device ID", func(t *testing.T) {
		if _, err := ref.ParseDeviceID(""); err == nil {
			t.Error("expected error for empty device ID")
		}
		if _, err := ref.ParseDeviceID("JLA FKJWSCS"); err == nil {
			t.Error("expected error for device ID with space")
		}
		deviceID, err := ref.ParseDeviceID("JLAFKJWSCS")
		if err != nil {
			t.Fatalf("ParseDeviceID: %v", err)
		}
		if deviceID.String() != "JLAFKJWSCS" {
			t.Errorf("String() = %q", deviceID.String())
		}
	})

	t.Run("session ID", func(t *testing.T) {
		if _, err := ref.ParseSessionID(""); err == nil {
			t.Error("expected error for empty session ID")
		}
		sessionID, err := ref.ParseSessionID("X3lUlvLELLYxeTx4yOVu6UDpasGEVO0Jbu+QFnm0cKQ")
		if err != nil {
			t.Fatalf("ParseSessionID: %v", err)
		}
		if sessionID.IsZero() {
			t.Error("IsZero() = true for valid session ID")
		}
	})

	t.Run("curve25519 key", func(t *testing.T) {
		key, err := ref.ParseCurve25519Key("RF3s+E7RkTQTGF2d8Deol0FkQvgII2aJDf3/Jp5mxVU")
		if err != nil {
			t.Fatalf("ParseCurve25519Key: %v", err)
		}
		if key.IsZero() {
			t.Error("IsZero() = true for valid key")
		}
		if _, err := ref.ParseCurve25519Key(""); err == nil {
			t.Error("expected error for empty key")
		}
	})
}

func TestJSONRoundTrip(t *testing.T) {
	type payload struct {
		User    ref.UserID    `json:"user"`
		Room    ref.RoomID    `json:"room"`
		Device  ref.DeviceID  `json:"device"`
		Session ref.SessionID `json:"session"`
	}

	original := `{"user":"@alice:example.com","room":"!r:example.com","device":"DEV1","session":"sess1"}`
	var decoded payload
	if err := json.Unmarshal([]byte(original), &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.User.String() != "@alice:example.com" {
		t.Errorf("user = %q", decoded.User)
	}
	if decoded.Room.String() != "!r:example.com" {
		t.Errorf("room = %q", decoded.Room)
	}

	encoded, err := json.Marshal(decoded)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(encoded) != original {
		t.Errorf("round trip mismatch:\n got %s\nwant %s", encoded, original)
	}
}

func TestJSONRejectsInvalid(t *testing.T) {
	var decoded struct {
		User ref.UserID `json:"user"`
	}
	if err := json.Unmarshal([]byte(`{"user":"not-a-user-id"}`), &decoded); err == nil {
		t.Error("expected error decoding invalid user ID")
	}
}

func TestOpaqueUnmarshalValidates(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "session-id-whitespace", raw: `{"session":"abc def"}`},
		{name: "session-id-control", raw: `{"session":"abcdef"}`},
		{name: "curve-key-whitespace", raw: `{"curve":"k ey"}`},
		{name: "ed-key-control", raw: `{"ed":"k\tey"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var decoded struct {
				Session ref.SessionID     `json:"session"`
				Curve   ref.Curve25519Key `json:"curve"`
				Ed      ref.Ed25519Key    `json:"ed"`
			}
			if err := json.Unmarshal([]byte(tt.raw), &decoded); err == nil {
				t.Errorf("decoding %s did not reject the invalid identifier", tt.raw)
			}
		})
	}
}

func TestRoomIDMapKeys(t *testing.T) {
	// Sync responses decode rooms as map[ref.RoomID]...; map keys go
	// through UnmarshalText.
	var rooms map[ref.RoomID]int
	if err := json.Unmarshal([]byte(`{"!a:x":1,"!b:y":2}`), &rooms); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(rooms) != 2 {
		t.Errorf("len(rooms) = %d, want 2", len(rooms))
	}
}
