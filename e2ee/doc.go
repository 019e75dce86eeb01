// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package e2ee manages the lifecycle of megolm group sessions: the
// symmetric ratchet keys that encrypt and decrypt room messages.
//
// The package is organized around six pieces:
//
//   - [Engine] is the opaque boundary to the ratchet library. The
//     package never looks inside a session; it creates, imports,
//     encrypts, decrypts, exports, and pickles through the interface.
//   - [SessionStore] owns the in-memory caches of inbound and outbound
//     sessions, backed by a [Store] persistence interface.
//   - Rotation policy ([NeedsRotation]) decides when an outbound
//     session must be replaced: membership change, message count, or
//     age.
//   - [BackupClient] restores sessions from the server-side key backup
//     and uploads held sessions to it, gated by the recovery key held
//     in a [SecretStore].
//   - [ShareProtocol] runs the device-to-device negotiation for
//     missing keys: outgoing requests, incoming requests, forwarding,
//     and cancellation.
//   - [KeyManager] wires the pieces together and dispatches inbound
//     to-device events.
//
// # Trust boundaries
//
// Every inbound event is adversarial until proven otherwise. Malformed
// events are dropped with an explicit [Outcome] rather than an error
// (a buggy or hostile peer must not be able to generate log spam or
// retries). Keys arriving on an unauthenticated channel are rejected
// unconditionally — there is no code path that installs an
// unauthenticated m.room_key or m.forwarded_room_key. Key forwards to
// other devices happen automatically only for the owning account's
// verified, unblocked devices; everything else is surfaced to an
// [Approver] for a policy decision.
//
// # Concurrency
//
// The caches and request maps are owned by this package and guarded by
// per-component mutexes. Operations that suspend on I/O (persistence,
// network sends, backup fetches) release the lock first and re-check
// cache state when they resume — insertion is idempotent, and
// cancellation flags are re-read immediately before the final send of
// a key forward, since a cancellation can arrive while the forward is
// in flight.
package e2ee
