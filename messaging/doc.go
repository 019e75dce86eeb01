// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the subset of the Matrix client-server API
// that the encryption layer consumes.
//
// The package provides two core types. [Client] is an unauthenticated
// Matrix client that handles login, returning authenticated [Session]
// values. Client holds the homeserver URL and HTTP transport, shared
// across all Sessions derived from it.
//
// [Session] wraps a Client with an access token for authenticated
// operations: incremental sync with long-polling (including the
// to_device section that carries key-distribution and key-request
// events), device-to-device message sending, room state reads (the
// m.room.encryption settings event), room membership, and the
// server-side key backup API (version info, per-session download and
// upload, bulk download).
//
// Sessions are lightweight (a pointer to the parent Client plus an
// access token in mmap-backed secret.Buffer memory) and safe to create
// in large numbers. The access token is locked against swap and
// excluded from core dumps; callers must call Session.Close to release
// the protected memory.
//
// All API errors are returned as [*MatrixError] with the standard
// Matrix error code (M_FORBIDDEN, M_NOT_FOUND, etc.) and HTTP status
// code. [IsMatrixError] tests for a specific error code. Request URLs
// are built by string concatenation rather than url.URL to avoid
// double-encoding of path segments that contain URL-encoded characters
// (session IDs carry '+' and '/').
package messaging
