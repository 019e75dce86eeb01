// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/lattice-im/lattice/lib/ref"
	"github.com/lattice-im/lattice/lib/secret"
)

// Session is an authenticated Matrix session.
// It wraps a Client with an access token for making authenticated API calls.
// Sessions are lightweight and safe to create in large numbers.
//
// The access token is stored in a secret.Buffer (mmap-backed, locked against
// swap, excluded from core dumps). The caller must call Close when the Session
// is no longer needed.
type Session struct {
	client      *Client
	accessToken *secret.Buffer
	userID      ref.UserID
	deviceID    ref.DeviceID

	// transactionCounter generates unique transaction IDs for idempotent sends.
	transactionCounter atomic.Int64
}

// UserID returns the fully-qualified Matrix user ID (e.g., "@alice:example.com").
func (s *Session) UserID() ref.UserID {
	return s.userID
}

// DeviceID returns the device ID for this session.
func (s *Session) DeviceID() ref.DeviceID {
	return s.deviceID
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool. Call this after a sync error to force
// the next request to establish a fresh TCP connection.
func (s *Session) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

// Close releases the access token memory (zeros, unlocks, unmaps).
// Idempotent — safe to call multiple times.
func (s *Session) Close() error {
	if s.accessToken != nil {
		return s.accessToken.Close()
	}
	return nil
}

// WhoAmI validates the access token and returns the user ID.
// Useful for checking whether a stored token is still valid.
func (s *Session) WhoAmI(ctx context.Context) (ref.UserID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.accessToken, nil)
	if err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: whoami failed: %w", err)
	}

	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// Sync performs an incremental sync with the homeserver.
// For initial sync, leave options.Since empty.
// For long-polling, set options.Timeout to the desired wait in milliseconds.
func (s *Session) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: sync failed: %w", err)
	}

	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse sync response: %w", err)
	}
	return &response, nil
}

// SendToDevice sends device-to-device messages of the given event type.
// Uses Matrix's idempotent PUT with a transaction ID. The messages map
// may address a user's devices individually or with the "*" wildcard.
func (s *Session) SendToDevice(ctx context.Context, eventType ref.EventType, messages ToDeviceMessages) error {
	transactionID := s.nextTransactionID()
	path := fmt.Sprintf("/_matrix/client/v3/sendToDevice/%s/%s",
		url.PathEscape(eventType.String()),
		url.PathEscape(transactionID),
	)

	requestBody := map[string]any{"messages": messages}
	if _, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, requestBody); err != nil {
		return fmt.Errorf("messaging: send to-device %s failed: %w", eventType, err)
	}
	return nil
}

// GetStateEvent fetches a specific state event's content from a room.
// Returns the raw JSON content for the caller to unmarshal (e.g., the
// m.room.encryption settings event).
//
// If the state event does not exist, returns a *MatrixError with code M_NOT_FOUND.
func (s *Session) GetStateEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, stateKey string) (json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
		url.PathEscape(stateKey),
	)

	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get state event %s/%s in %q failed: %w", eventType, stateKey, roomID, err)
	}
	return json.RawMessage(body), nil
}

// GetRoomMembers returns the joined members of a room.
func (s *Session) GetRoomMembers(ctx context.Context, roomID ref.RoomID) ([]RoomMember, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/members", url.PathEscape(roomID.String()))
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get room members for %q failed: %w", roomID, err)
	}

	var response RoomMembersResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse room members response: %w", err)
	}

	members := make([]RoomMember, len(response.Chunk))
	for index, event := range response.Chunk {
		members[index] = RoomMember{
			UserID:      event.StateKey,
			DisplayName: event.Content.DisplayName,
			Membership:  event.Content.Membership,
		}
	}
	return members, nil
}

// JoinedRooms returns the list of room IDs the user has joined.
func (s *Session) JoinedRooms(ctx context.Context) ([]ref.RoomID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: joined rooms failed: %w", err)
	}

	var response struct {
		JoinedRooms []ref.RoomID `json:"joined_rooms"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse joined rooms response: %w", err)
	}
	return response.JoinedRooms, nil
}

// KeyBackupVersion fetches the current server-side key backup metadata:
// version, algorithm, and the public key the backup is encrypted to.
//
// Corresponds to GET /_matrix/client/v3/room_keys/version. If no backup
// exists, returns a *MatrixError with code M_NOT_FOUND.
func (s *Session) KeyBackupVersion(ctx context.Context) (*KeyBackupVersion, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/room_keys/version", s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get key backup version failed: %w", err)
	}

	var response KeyBackupVersion
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse key backup version: %w", err)
	}
	return &response, nil
}

// GetBackedUpSession fetches one session's backup entry.
//
// Corresponds to GET /_matrix/client/v3/room_keys/keys/{roomId}/{sessionId}.
// Returns a *MatrixError with code M_NOT_FOUND if the session was never
// backed up.
func (s *Session) GetBackedUpSession(ctx context.Context, roomID ref.RoomID, sessionID ref.SessionID, version string) (*BackedUpSession, error) {
	path := fmt.Sprintf("/_matrix/client/v3/room_keys/keys/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(sessionID.String()),
	)
	query := url.Values{}
	query.Set("version", version)

	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: get backed-up session %s in %q failed: %w", sessionID, roomID, err)
	}

	var response BackedUpSession
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse backed-up session: %w", err)
	}
	return &response, nil
}

// GetAllBackedUpSessions fetches every backed-up session for the
// account, shaped rooms → sessions → encrypted entries.
//
// Corresponds to GET /_matrix/client/v3/room_keys/keys.
func (s *Session) GetAllBackedUpSessions(ctx context.Context, version string) (*BackupPayload, error) {
	query := url.Values{}
	query.Set("version", version)

	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/room_keys/keys", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: get all backed-up sessions failed: %w", err)
	}

	var response BackupPayload
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse backup payload: %w", err)
	}
	return &response, nil
}

// PutBackedUpSession uploads one session's encrypted backup entry.
//
// Corresponds to PUT /_matrix/client/v3/room_keys/keys/{roomId}/{sessionId}.
// The server rejects the write with M_WRONG_ROOM_KEYS_VERSION if the
// backup version has rotated since the caller fetched it.
func (s *Session) PutBackedUpSession(ctx context.Context, roomID ref.RoomID, sessionID ref.SessionID, version string, entry BackedUpSession) error {
	path := fmt.Sprintf("/_matrix/client/v3/room_keys/keys/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(sessionID.String()),
	)
	query := url.Values{}
	query.Set("version", version)

	if _, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, entry, query); err != nil {
		return fmt.Errorf("messaging: put backed-up session %s in %q failed: %w", sessionID, roomID, err)
	}
	return nil
}

// nextTransactionID generates a unique transaction ID for idempotent event sending.
// Format: "lattice-<timestamp_ms>-<counter>" to ensure uniqueness across restarts.
func (s *Session) nextTransactionID() string {
	counter := s.transactionCounter.Add(1)
	return fmt.Sprintf("lattice-%d-%d", time.Now().UnixMilli(), counter)
}
