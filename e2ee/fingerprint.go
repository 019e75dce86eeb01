// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// fingerprint returns a short stable digest of key material for log
// statements. Logs must never carry the material itself, but operators
// still need to correlate "which key" across lines and processes.
func fingerprint(material string) string {
	sum := blake3.Sum256([]byte(material))
	return hex.EncodeToString(sum[:8])
}
