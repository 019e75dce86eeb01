// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/lattice-im/lattice/lib/ref"
	"github.com/lattice-im/lattice/messaging"
)

// OutgoingKeyRequest tracks a key request this device has broadcast
// and is waiting on. Candidate devices leave the remaining list as
// they respond; the request is satisfied once a valid key arrives and
// removed once no candidates remain.
type OutgoingKeyRequest struct {
	RequestID string
	Room      ref.RoomID
	SessionID ref.SessionID
	SenderKey ref.Curve25519Key

	// targets is the full device list the request was addressed to,
	// retained for the cancellation broadcast. remaining are the
	// candidates that have not responded yet. Both guarded by the
	// owning protocol's mutex.
	targets   []DeviceIdentity
	remaining []DeviceIdentity
}

// IncomingKeyRequest is another device's request for a session this
// device may hold. Requests that cannot be granted automatically are
// handed to the Approver holding a pointer to this struct; granting
// later goes through ShareProtocol.ForwardKey with the same pointer.
type IncomingKeyRequest struct {
	RequestID string
	Requester DeviceIdentity
	Room      ref.RoomID
	SessionID ref.SessionID
	SenderKey ref.Curve25519Key

	// canceled is set when a request_cancellation arrives. Guarded by
	// the owning protocol's mutex and re-checked immediately before a
	// forward is sent.
	canceled bool
}

type incomingKey struct {
	user      ref.UserID
	device    ref.DeviceID
	requestID string
}

// ShareProtocolConfig carries the collaborators a ShareProtocol needs.
type ShareProtocolConfig struct {
	Account     ref.UserID
	DeviceID    ref.DeviceID
	IdentityKey ref.Curve25519Key

	Store     *SessionStore
	Directory DeviceDirectory
	Sender    ToDeviceSender

	// Backup, when available, is tried before broadcasting a request:
	// a key sitting in the server-side backup needs no peer's help.
	Backup *BackupClient

	// Approver receives incoming requests that are not auto-granted.
	// When nil such requests are registered but never surfaced, which
	// effectively means manual grants only via introspection.
	Approver Approver

	// Enabled gates outgoing requests. Incoming requests are always
	// served; refusing to ask for keys is a local choice, refusing to
	// answer verified peers is not.
	Enabled bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ShareProtocol runs the device-to-device key negotiation: it
// broadcasts requests for missing sessions, matches forwarded keys
// against them, serves other devices' requests for sessions this
// device holds, and handles cancellations in both directions.
type ShareProtocol struct {
	account     ref.UserID
	deviceID    ref.DeviceID
	identityKey ref.Curve25519Key
	store       *SessionStore
	directory   DeviceDirectory
	sender      ToDeviceSender
	backup      *BackupClient
	approver    Approver
	enabled     bool
	logger      *slog.Logger

	mu       sync.Mutex
	outgoing map[string]*OutgoingKeyRequest
	incoming map[incomingKey]*IncomingKeyRequest
}

func NewShareProtocol(cfg ShareProtocolConfig) *ShareProtocol {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ShareProtocol{
		account:     cfg.Account,
		deviceID:    cfg.DeviceID,
		identityKey: cfg.IdentityKey,
		store:       cfg.Store,
		directory:   cfg.Directory,
		sender:      cfg.Sender,
		backup:      cfg.Backup,
		approver:    cfg.Approver,
		enabled:     cfg.Enabled,
		logger:      logger,
		outgoing:    make(map[string]*OutgoingKeyRequest),
		incoming:    make(map[incomingKey]*IncomingKeyRequest),
	}
}

// RequestKey recovers a missing inbound session: first from the
// server-side key backup if one is usable, then by broadcasting an
// m.room_key_request to the devices that might hold it. At most one
// request per session is kept outstanding.
func (p *ShareProtocol) RequestKey(ctx context.Context, room ref.RoomID, session ref.SessionID, senderKey ref.Curve25519Key) error {
	if !p.enabled {
		return nil
	}
	if p.store.GetInbound(room, session, false) != nil {
		return nil
	}

	if p.backup != nil && p.backup.Available() {
		restored, err := p.backup.RestoreSession(ctx, room, session)
		if err != nil {
			p.logger.Warn("backup lookup during key recovery failed",
				"room", room, "session", session, "error", err)
		} else if restored {
			p.logger.Info("recovered session from backup",
				"room", room, "session", session)
			return nil
		}
	}

	p.mu.Lock()
	for _, pending := range p.outgoing {
		if pending.Room == room && pending.SessionID == session {
			p.mu.Unlock()
			return nil
		}
	}
	p.mu.Unlock()

	devices, err := p.directory.RoomDevices(ctx, room)
	if err != nil {
		return fmt.Errorf("e2ee: listing devices of %s: %w", room, err)
	}
	candidates := make([]DeviceIdentity, 0, len(devices))
	for _, device := range devices {
		if device.UserID == p.account && device.DeviceID == p.deviceID {
			continue
		}
		candidates = append(candidates, device)
	}
	if len(candidates) == 0 {
		return fmt.Errorf("e2ee: no devices to request session %s from", session)
	}

	request := &OutgoingKeyRequest{
		RequestID: uuid.NewString(),
		Room:      room,
		SessionID: session,
		SenderKey: senderKey,
		targets:   candidates,
		remaining: slices.Clone(candidates),
	}

	p.mu.Lock()
	for _, pending := range p.outgoing {
		if pending.Room == room && pending.SessionID == session {
			p.mu.Unlock()
			return nil
		}
	}
	p.outgoing[request.RequestID] = request
	p.mu.Unlock()

	content := KeyRequestContent{
		Action: ActionRequest,
		Body: &KeyRequestBody{
			Algorithm: MegolmAlgorithm,
			RoomID:    room,
			SenderKey: senderKey,
			SessionID: session,
		},
		RequestID:          request.RequestID,
		RequestingDeviceID: p.deviceID,
	}
	// The request is broadcast to all of each candidate user's devices
	// rather than targeted: it carries no secrets, and a device that
	// appeared after the directory snapshot may still hold the key.
	if err := p.sender.SendToDevice(ctx, EventRoomKeyRequest, wildcardMessages(candidates, content)); err != nil {
		p.mu.Lock()
		delete(p.outgoing, request.RequestID)
		p.mu.Unlock()
		return fmt.Errorf("e2ee: broadcasting key request: %w", err)
	}

	p.logger.Info("requested missing session",
		"room", room, "session", session,
		"request_id", request.RequestID, "devices", len(candidates))
	return nil
}

// HandleForwardedKey processes an m.forwarded_room_key event. Only
// keys that answer an outstanding request from a device that was asked
// are installed; unsolicited forwards are dropped.
func (p *ShareProtocol) HandleForwardedKey(ctx context.Context, ev ToDeviceEvent) Outcome {
	if !ev.Encrypted || ev.SenderKey.IsZero() {
		p.logger.Warn("dropping forwarded key from unauthenticated channel", "sender", ev.Sender)
		return OutcomeIgnoredUntrusted
	}
	content, ok := parseForwardedRoomKey(ev.Content)
	if !ok {
		return OutcomeIgnoredMalformed
	}

	p.mu.Lock()
	var request *OutgoingKeyRequest
	for _, pending := range p.outgoing {
		if pending.Room == content.RoomID && pending.SessionID == content.SessionID &&
			pending.SenderKey == content.SenderKey {
			request = pending
			break
		}
	}
	var responder *DeviceIdentity
	if request != nil {
		for i := range request.remaining {
			device := &request.remaining[i]
			if device.UserID == ev.Sender && device.IdentityKey == ev.SenderKey {
				responder = device
				break
			}
		}
	}
	p.mu.Unlock()
	if request == nil || responder == nil {
		p.logger.Warn("dropping unsolicited forwarded key",
			"sender", ev.Sender,
			"room", content.RoomID,
			"session", content.SessionID)
		return OutcomeIgnoredUnmatched
	}

	// The forwarder's channel key joins the chain: trust in this copy
	// of the session now also depends on that device.
	keyContent := KeyContent{
		Algorithm:        MegolmAlgorithm,
		RoomID:           content.RoomID,
		SessionID:        content.SessionID,
		SessionKey:       content.SessionKey,
		SenderClaimedKey: content.SenderClaimedKey,
		ForwardingChain:  append(slices.Clone(content.ForwardingChain), ev.SenderKey.String()),
	}
	alreadyHeld := p.store.GetInbound(content.RoomID, content.SessionID, false) != nil
	installed := false
	if !alreadyHeld {
		installed = p.store.SetInbound(ctx, content.SenderKey, keyContent, true)
	}

	p.mu.Lock()
	request.remaining = slices.DeleteFunc(request.remaining, func(d DeviceIdentity) bool {
		return d.UserID == responder.UserID && d.DeviceID == responder.DeviceID
	})
	exhausted := len(request.remaining) == 0
	if exhausted {
		delete(p.outgoing, request.RequestID)
	}
	p.mu.Unlock()

	if exhausted {
		p.cancelOutgoing(ctx, request)
	}

	switch {
	case installed:
		return OutcomeHandled
	case alreadyHeld:
		return OutcomeIgnoredDuplicate
	default:
		return OutcomeIgnoredMalformed
	}
}

// cancelOutgoing broadcasts a request_cancellation for a request that
// is no longer wanted, so devices that saw the wildcard request drop
// it.
func (p *ShareProtocol) cancelOutgoing(ctx context.Context, request *OutgoingKeyRequest) {
	content := KeyRequestContent{
		Action:             ActionCancellation,
		RequestID:          request.RequestID,
		RequestingDeviceID: p.deviceID,
	}
	messages := wildcardMessages(request.targets, content)
	if len(messages) == 0 {
		return
	}
	if err := p.sender.SendToDevice(ctx, EventRoomKeyRequest, messages); err != nil {
		p.logger.Warn("broadcasting request cancellation failed",
			"request_id", request.RequestID, "error", err)
	}
}

// HandleKeyRequest processes an m.room_key_request event, both actions.
func (p *ShareProtocol) HandleKeyRequest(ctx context.Context, ev ToDeviceEvent) Outcome {
	content, ok := parseKeyRequest(ev.Content)
	if !ok {
		return OutcomeIgnoredMalformed
	}
	if content.Action == ActionCancellation {
		return p.handleCancellation(ev.Sender, content)
	}
	return p.handleRequest(ctx, ev.Sender, content)
}

func (p *ShareProtocol) handleCancellation(sender ref.UserID, content KeyRequestContent) Outcome {
	key := incomingKey{user: sender, device: content.RequestingDeviceID, requestID: content.RequestID}
	p.mu.Lock()
	defer p.mu.Unlock()
	request, ok := p.incoming[key]
	if !ok {
		return OutcomeIgnoredUnmatched
	}
	// The flag outlives the map entry: a forward already in flight for
	// this request re-checks it before sending.
	request.canceled = true
	delete(p.incoming, key)
	p.logger.Info("key request canceled",
		"requester", sender, "device", content.RequestingDeviceID,
		"request_id", content.RequestID)
	return OutcomeHandled
}

func (p *ShareProtocol) handleRequest(ctx context.Context, sender ref.UserID, content KeyRequestContent) Outcome {
	if sender == p.account && content.RequestingDeviceID == p.deviceID {
		// Our own broadcast reflected back at us.
		return OutcomeIgnoredUnmatched
	}

	device, err := p.directory.Device(ctx, sender, content.RequestingDeviceID)
	if err != nil {
		p.logger.Warn("device lookup for key request failed",
			"requester", sender, "device", content.RequestingDeviceID, "error", err)
		return OutcomeIgnoredUntrusted
	}
	if device == nil || device.Blocked {
		p.logger.Warn("dropping key request from unknown or blocked device",
			"requester", sender, "device", content.RequestingDeviceID)
		return OutcomeIgnoredUntrusted
	}

	body := content.Body
	held := p.store.GetInbound(body.RoomID, body.SessionID, false)
	if held == nil {
		// We may hold it in persistence; revive in the background so a
		// repeat request can be served. No answer for this one.
		go p.store.LoadInbound(context.WithoutCancel(ctx), body.RoomID, body.SessionID, body.SenderKey)
		return OutcomeIgnoredUnmatched
	}
	if held.SenderKey != body.SenderKey {
		p.logger.Warn("key request sender_key does not match held session",
			"room", body.RoomID, "session", body.SessionID)
		return OutcomeIgnoredUnmatched
	}

	key := incomingKey{user: sender, device: content.RequestingDeviceID, requestID: content.RequestID}
	request := &IncomingKeyRequest{
		RequestID: content.RequestID,
		Requester: *device,
		Room:      body.RoomID,
		SessionID: body.SessionID,
		SenderKey: body.SenderKey,
	}
	p.mu.Lock()
	if _, exists := p.incoming[key]; exists {
		p.mu.Unlock()
		return OutcomeIgnoredDuplicate
	}
	p.incoming[key] = request
	p.mu.Unlock()

	// Auto-grant only for our own verified devices; everything else is
	// a policy decision.
	if sender == p.account && device.Verified && !device.Blocked {
		if err := p.ForwardKey(ctx, request); err != nil {
			p.logger.Warn("auto-granting key request failed",
				"device", device.DeviceID, "session", body.SessionID, "error", err)
		}
		return OutcomeHandled
	}
	if p.approver != nil {
		p.approver.OnKeyRequest(request)
	}
	return OutcomeHandled
}

// ForwardKey grants an incoming request: it exports the session at its
// first known index, appends this device's identity key to the
// forwarding chain, and sends the result to the requester over the
// encrypted device channel. The cancellation flag is re-checked
// immediately before the send, since a cancellation can arrive while
// the export is being prepared.
func (p *ShareProtocol) ForwardKey(ctx context.Context, request *IncomingKeyRequest) error {
	p.mu.Lock()
	canceled := request.canceled
	p.mu.Unlock()
	if canceled {
		return errors.New("e2ee: key request was canceled")
	}

	held := p.store.GetInbound(request.Room, request.SessionID, false)
	if held == nil {
		return fmt.Errorf("e2ee: session %s no longer held", request.SessionID)
	}
	exported, err := held.Export()
	if err != nil {
		return fmt.Errorf("e2ee: exporting session %s: %w", request.SessionID, err)
	}
	content := ForwardedRoomKeyContent{
		Algorithm:        MegolmAlgorithm,
		RoomID:           request.Room,
		SessionID:        request.SessionID,
		SessionKey:       exported,
		SenderKey:        held.SenderKey,
		SenderClaimedKey: held.Content.SenderClaimedKey,
		ForwardingChain:  append(slices.Clone(held.Content.ForwardingChain), p.identityKey.String()),
	}

	p.mu.Lock()
	canceled = request.canceled
	if !canceled {
		delete(p.incoming, incomingKey{
			user:      request.Requester.UserID,
			device:    request.Requester.DeviceID,
			requestID: request.RequestID,
		})
	}
	p.mu.Unlock()
	if canceled {
		return errors.New("e2ee: key request was canceled")
	}

	if err := p.sender.SendEncryptedToDevice(ctx, &request.Requester, EventForwardedRoomKey, content); err != nil {
		return fmt.Errorf("e2ee: forwarding session %s to %s/%s: %w",
			request.SessionID, request.Requester.UserID, request.Requester.DeviceID, err)
	}
	p.logger.Info("forwarded session",
		"room", request.Room, "session", request.SessionID,
		"to_user", request.Requester.UserID, "to_device", request.Requester.DeviceID)
	return nil
}

// HandleRoomKey processes an m.room_key event: a direct grant from the
// session's creator. The sender's signing key, when the directory
// knows the sending device, is recorded alongside the session.
func (p *ShareProtocol) HandleRoomKey(ctx context.Context, ev ToDeviceEvent) Outcome {
	if !ev.Encrypted || ev.SenderKey.IsZero() {
		p.logger.Warn("dropping room key from unauthenticated channel", "sender", ev.Sender)
		return OutcomeIgnoredUntrusted
	}
	content, ok := parseRoomKey(ev.Content)
	if !ok {
		return OutcomeIgnoredMalformed
	}
	if p.store.GetInbound(content.RoomID, content.SessionID, false) != nil {
		return OutcomeIgnoredDuplicate
	}

	keyContent := KeyContent{
		Algorithm:  MegolmAlgorithm,
		RoomID:     content.RoomID,
		SessionID:  content.SessionID,
		SessionKey: content.SessionKey,
	}
	if device, err := p.directory.DeviceByIdentityKey(ctx, ev.Sender, ev.SenderKey); err == nil && device != nil {
		keyContent.SenderClaimedKey = device.SigningKey
	}
	if !p.store.SetInbound(ctx, ev.SenderKey, keyContent, false) {
		return OutcomeIgnoredMalformed
	}
	return OutcomeHandled
}

// OutgoingRequests returns a snapshot of the pending outgoing
// requests, for introspection and tooling.
func (p *ShareProtocol) OutgoingRequests() []OutgoingKeyRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]OutgoingKeyRequest, 0, len(p.outgoing))
	for _, request := range p.outgoing {
		snapshot := *request
		snapshot.remaining = slices.Clone(request.remaining)
		result = append(result, snapshot)
	}
	return result
}

// IncomingRequests returns a snapshot of the registered incoming
// requests awaiting a decision.
func (p *ShareProtocol) IncomingRequests() []IncomingKeyRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]IncomingKeyRequest, 0, len(p.incoming))
	for _, request := range p.incoming {
		result = append(result, *request)
	}
	return result
}

// RemainingCandidates reports how many devices an outgoing request is
// still waiting on. Zero with ok=false means the request is no longer
// pending.
func (p *ShareProtocol) RemainingCandidates(requestID string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	request, ok := p.outgoing[requestID]
	if !ok {
		return 0, false
	}
	return len(request.remaining), true
}

func wildcardMessages(devices []DeviceIdentity, content any) messaging.ToDeviceMessages {
	messages := make(messaging.ToDeviceMessages)
	for _, device := range devices {
		if _, ok := messages[device.UserID]; ok {
			continue
		}
		messages[device.UserID] = map[string]any{"*": content}
	}
	return messages
}
