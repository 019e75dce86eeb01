// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Lattice-keytool operates on an account's megolm session records
// without a running client: it lists the local session store, restores
// the server-side key backup into it, seals held sessions into an
// age-encrypted export file, imports such a file, and broadcasts a key
// request for a missing session.
// Subcommands: list, restore, export, import, request.
package main
