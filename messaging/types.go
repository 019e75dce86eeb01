// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"

	"github.com/lattice-im/lattice/lib/ref"
)

// LoginRequest is the request body for password login.
type LoginRequest struct {
	Type                     string `json:"type"`
	User                     string `json:"user"`
	Password                 string `json:"password"`
	DeviceID                 string `json:"device_id,omitempty"`
	InitialDeviceDisplayName string `json:"initial_device_display_name,omitempty"`
}

// AuthResponse is returned by Login.
type AuthResponse struct {
	UserID      ref.UserID   `json:"user_id"`
	AccessToken string       `json:"access_token"`
	DeviceID    ref.DeviceID `json:"device_id"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   ref.UserID   `json:"user_id"`
	DeviceID ref.DeviceID `json:"device_id,omitempty"`
}

// Event represents a Matrix room event from the server.
type Event struct {
	EventID        string         `json:"event_id"`
	Type           ref.EventType  `json:"type"`
	Sender         ref.UserID     `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
	StateKey       *string        `json:"state_key,omitempty"`
}

// ToDeviceEvent is a device-to-device event from the to_device section
// of a /sync response. Content is left raw — the encryption layer
// parses it into a tagged variant after establishing whether the event
// arrived over an authenticated olm channel.
type ToDeviceEvent struct {
	Sender  ref.UserID      `json:"sender"`
	Type    ref.EventType   `json:"type"`
	Content json.RawMessage `json:"content"`
}

// SyncOptions controls the behavior of the /sync endpoint.
type SyncOptions struct {
	Since      string // next_batch token from previous sync; empty for initial sync
	Timeout    int    // long-poll timeout in milliseconds; 0 for immediate return
	SetTimeout bool   // if true, send the timeout parameter (needed to distinguish "not set" from "0")
	Filter     string // filter ID or inline JSON filter
}

// SyncResponse is the top-level response from /sync.
type SyncResponse struct {
	NextBatch string          `json:"next_batch"`
	ToDevice  ToDeviceSection `json:"to_device"`
	Rooms     RoomsSection    `json:"rooms"`
}

// ToDeviceSection carries device-to-device events: room keys, forwarded
// room keys, and key requests.
type ToDeviceSection struct {
	Events []ToDeviceEvent `json:"events"`
}

// RoomsSection contains per-room sync data for joined rooms. Map keys
// are room IDs; encoding/json uses ref.RoomID's TextUnmarshaler for
// automatic validation at deserialization.
type RoomsSection struct {
	Join map[ref.RoomID]JoinedRoom `json:"join,omitempty"`
}

// JoinedRoom contains sync data for a room the user has joined.
type JoinedRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// TimelineSection contains timeline events from a sync response.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch"`
	Limited   bool    `json:"limited"`
}

// StateSection contains state events from a sync response.
type StateSection struct {
	Events []Event `json:"events"`
}

// RoomMember represents a member of a Matrix room.
type RoomMember struct {
	UserID      ref.UserID `json:"user_id"`
	DisplayName string     `json:"display_name"`
	Membership  string     `json:"membership"`
}

// RoomMembersResponse is returned by the /members endpoint.
type RoomMembersResponse struct {
	Chunk []RoomMemberEvent `json:"chunk"`
}

// RoomMemberEvent is a member state event from the /members endpoint.
type RoomMemberEvent struct {
	Type     string            `json:"type"`
	StateKey ref.UserID        `json:"state_key"`
	Sender   ref.UserID        `json:"sender"`
	Content  RoomMemberContent `json:"content"`
}

// RoomMemberContent is the content of a m.room.member state event.
type RoomMemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
}

// KeyBackupVersion is the server-announced backup metadata returned by
// GET /_matrix/client/v3/room_keys/version: the active backup version,
// its algorithm, and the public key that backed-up sessions are
// encrypted to.
type KeyBackupVersion struct {
	Algorithm string            `json:"algorithm"`
	AuthData  KeyBackupAuthData `json:"auth_data"`
	Count     int64             `json:"count"`
	ETag      string            `json:"etag"`
	Version   string            `json:"version"`
}

// KeyBackupAuthData carries the backup public key in unpadded base64.
// Signatures over the auth data are verified by the device-trust layer,
// not here.
type KeyBackupAuthData struct {
	PublicKey string `json:"public_key"`
}

// BackedUpSession is one room/session entry in a key backup. The
// integer and boolean fields are pointers so the encryption layer can
// distinguish "absent" from zero values when validating entries from
// untrusted backups.
type BackedUpSession struct {
	FirstMessageIndex *int64             `json:"first_message_index"`
	ForwardedCount    *int64             `json:"forwarded_count"`
	IsVerified        *bool              `json:"is_verified"`
	SessionData       *BackupSessionData `json:"session_data"`
}

// BackupSessionData is the encrypted envelope of one backed-up session:
// an ephemeral curve25519 public key, AES-256-CBC ciphertext, and a
// truncated HMAC, all unpadded base64.
type BackupSessionData struct {
	Ephemeral  string `json:"ephemeral"`
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
}

// BackedUpRoom groups the backed-up sessions of one room.
type BackedUpRoom struct {
	Sessions map[ref.SessionID]BackedUpSession `json:"sessions"`
}

// BackupPayload is the bulk shape consumed by a full restore:
// rooms → sessions → encrypted entries.
type BackupPayload struct {
	Rooms map[ref.RoomID]BackedUpRoom `json:"rooms"`
}

// ToDeviceMessages maps user ID → device ID → event content for
// PUT /sendToDevice. The inner key is a plain string rather than
// ref.DeviceID because the protocol accepts "*" to address all of a
// user's devices.
type ToDeviceMessages map[ref.UserID]map[string]any
