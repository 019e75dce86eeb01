// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"encoding/json"

	"github.com/lattice-im/lattice/lib/ref"
)

// To-device event types handled by the key manager.
const (
	EventRoomKey          ref.EventType = "m.room_key"
	EventForwardedRoomKey ref.EventType = "m.forwarded_room_key"
	EventRoomKeyRequest   ref.EventType = "m.room_key_request"
)

// Key request actions.
const (
	ActionRequest      = "request"
	ActionCancellation = "request_cancellation"
)

// ToDeviceEvent is a device-to-device event as handed to the key
// manager by the sync loop. Encrypted reports whether the event
// arrived over an authenticated pairwise channel; SenderKey is the
// identity key of that channel and is zero for plaintext events.
// Content is left raw and parsed per event type at dispatch, so a
// malformed payload of one type cannot break handling of others.
type ToDeviceEvent struct {
	Sender    ref.UserID
	SenderKey ref.Curve25519Key
	Type      ref.EventType
	Encrypted bool
	Content   json.RawMessage
}

// RoomKeyContent is the payload of an m.room_key event: a direct grant
// of a group session from the device that created it.
type RoomKeyContent struct {
	Algorithm  string        `json:"algorithm"`
	RoomID     ref.RoomID    `json:"room_id"`
	SessionID  ref.SessionID `json:"session_id"`
	SessionKey string        `json:"session_key"`
}

// ForwardedRoomKeyContent is the payload of an m.forwarded_room_key
// event: a re-share of a session by a device that did not create it.
// The forwarding chain records every identity key the session passed
// through on its way here.
type ForwardedRoomKeyContent struct {
	Algorithm        string            `json:"algorithm"`
	RoomID           ref.RoomID        `json:"room_id"`
	SessionID        ref.SessionID     `json:"session_id"`
	SessionKey       string            `json:"session_key"`
	SenderKey        ref.Curve25519Key `json:"sender_key"`
	ForwardingChain  []string          `json:"forwarding_curve25519_key_chain"`
	SenderClaimedKey ref.Ed25519Key    `json:"sender_claimed_ed25519_key,omitzero"`
}

// KeyRequestContent is the payload of an m.room_key_request event.
// Body is present for "request" and absent for
// "request_cancellation".
type KeyRequestContent struct {
	Action             string          `json:"action"`
	Body               *KeyRequestBody `json:"body,omitempty"`
	RequestID          string          `json:"request_id"`
	RequestingDeviceID ref.DeviceID    `json:"requesting_device_id"`
}

// KeyRequestBody identifies the session a key request is asking for.
type KeyRequestBody struct {
	Algorithm string            `json:"algorithm"`
	RoomID    ref.RoomID        `json:"room_id"`
	SenderKey ref.Curve25519Key `json:"sender_key"`
	SessionID ref.SessionID     `json:"session_id"`
}

// parseRoomKey decodes and validates an m.room_key payload. A false
// return means the event is malformed or not megolm and must be
// dropped without side effects.
func parseRoomKey(raw json.RawMessage) (RoomKeyContent, bool) {
	var content RoomKeyContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return RoomKeyContent{}, false
	}
	if content.Algorithm != MegolmAlgorithm {
		return RoomKeyContent{}, false
	}
	if content.RoomID.IsZero() || content.SessionID.IsZero() || content.SessionKey == "" {
		return RoomKeyContent{}, false
	}
	return content, true
}

func parseForwardedRoomKey(raw json.RawMessage) (ForwardedRoomKeyContent, bool) {
	var content ForwardedRoomKeyContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return ForwardedRoomKeyContent{}, false
	}
	if content.Algorithm != MegolmAlgorithm {
		return ForwardedRoomKeyContent{}, false
	}
	if content.RoomID.IsZero() || content.SessionID.IsZero() ||
		content.SessionKey == "" || content.SenderKey.IsZero() {
		return ForwardedRoomKeyContent{}, false
	}
	return content, true
}

func parseKeyRequest(raw json.RawMessage) (KeyRequestContent, bool) {
	var content KeyRequestContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return KeyRequestContent{}, false
	}
	if content.RequestID == "" || content.RequestingDeviceID.IsZero() {
		return KeyRequestContent{}, false
	}
	switch content.Action {
	case ActionRequest:
		body := content.Body
		if body == nil || body.Algorithm != MegolmAlgorithm ||
			body.RoomID.IsZero() || body.SessionID.IsZero() || body.SenderKey.IsZero() {
			return KeyRequestContent{}, false
		}
	case ActionCancellation:
		// No body required.
	default:
		return KeyRequestContent{}, false
	}
	return content, true
}
