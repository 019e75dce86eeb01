// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/term"

	"github.com/lattice-im/lattice/lib/ref"
	"github.com/lattice-im/lattice/lib/secret"
)

// exportFormatVersion is bumped on incompatible changes to the export
// payload. Importers reject versions they do not know.
const exportFormatVersion = 1

// exportFile is the plaintext inside a sealed export: the sessions an
// account holds, with enough material to rebuild each receiving
// ratchet. Pickles stay out of the file; they are bound to one
// installation's pickle key and would be dead weight anywhere else.
type exportFile struct {
	Version   int               `json:"version"`
	Account   ref.UserID        `json:"account"`
	CreatedAt string            `json:"created_at"`
	Sessions  []exportedSession `json:"sessions"`
}

// exportedSession is one session record in an export file.
type exportedSession struct {
	Room             ref.RoomID        `json:"room_id"`
	SessionID        ref.SessionID     `json:"session_id"`
	SenderKey        ref.Curve25519Key `json:"sender_key"`
	SessionKey       string            `json:"session_key"`
	Forwarded        bool              `json:"forwarded,omitempty"`
	SenderClaimedKey ref.Ed25519Key    `json:"sender_claimed_ed25519_key,omitempty"`
	ForwardingChain  []string          `json:"forwarding_curve25519_key_chain,omitempty"`
}

// exportRecipients resolves the age recipients an export is sealed to.
// With no configured keys the user is prompted for a passphrase, typed
// twice; a mistyped passphrase on an export nobody can open is data
// loss.
func exportRecipients(keys []string) ([]age.Recipient, error) {
	if len(keys) == 0 {
		passphrase, err := promptPassphrase(true)
		if err != nil {
			return nil, err
		}
		defer passphrase.Close()
		recipient, err := age.NewScryptRecipient(passphrase.String())
		if err != nil {
			return nil, fmt.Errorf("building passphrase recipient: %w", err)
		}
		return []age.Recipient{recipient}, nil
	}
	recipients := make([]age.Recipient, 0, len(keys))
	for _, key := range keys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}
	return recipients, nil
}

// promptPassphrase reads a passphrase from the terminal, twice when
// confirm is set.
func promptPassphrase(confirm bool) (*secret.Buffer, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("no terminal for passphrase prompt")
	}
	fmt.Fprint(os.Stderr, "Passphrase: ")
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	if len(first) == 0 {
		return nil, fmt.Errorf("empty passphrase")
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Confirm passphrase: ")
		second, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			secret.Zero(first)
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
		match := bytes.Equal(first, second)
		secret.Zero(second)
		if !match {
			secret.Zero(first)
			return nil, fmt.Errorf("passphrases do not match")
		}
	}
	buffer, err := secret.NewFromBytes(first)
	if err != nil {
		secret.Zero(first)
		return nil, err
	}
	return buffer, nil
}

// writeSealed compresses the payload with zstd, encrypts it to the
// recipients, and writes the result through a temp file and rename.
func writeSealed(path string, plaintext []byte, recipients []age.Recipient) error {
	var sealed bytes.Buffer
	encryptor, err := age.Encrypt(&sealed, recipients...)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	compressor, err := zstd.NewWriter(encryptor, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("creating compressor: %w", err)
	}
	if _, err := compressor.Write(plaintext); err != nil {
		return fmt.Errorf("compressing export: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("finalizing compression: %w", err)
	}
	if err := encryptor.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("writing export: %w", err)
	}
	if _, err := tmp.Write(sealed.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("writing export: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	return nil
}

// readSealed decrypts and decompresses an export file. The identity
// comes from an age identity file when one is given, otherwise from a
// prompted passphrase.
func readSealed(path, identityFile string) ([]byte, error) {
	var identities []age.Identity
	if identityFile != "" {
		data, err := os.ReadFile(identityFile)
		if err != nil {
			return nil, fmt.Errorf("reading identity file: %w", err)
		}
		parsed, err := age.ParseIdentities(bytes.NewReader(data))
		secret.Zero(data)
		if err != nil {
			return nil, fmt.Errorf("parsing identity file: %w", err)
		}
		identities = parsed
	} else {
		passphrase, err := promptPassphrase(false)
		if err != nil {
			return nil, err
		}
		defer passphrase.Close()
		identity, err := age.NewScryptIdentity(passphrase.String())
		if err != nil {
			return nil, fmt.Errorf("building passphrase identity: %w", err)
		}
		identities = []age.Identity{identity}
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening export: %w", err)
	}
	defer file.Close()

	decryptor, err := age.Decrypt(file, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting export: %w", err)
	}
	decompressor, err := zstd.NewReader(decryptor)
	if err != nil {
		return nil, fmt.Errorf("creating decompressor: %w", err)
	}
	defer decompressor.Close()

	plaintext, err := io.ReadAll(decompressor)
	if err != nil {
		return nil, fmt.Errorf("reading export: %w", err)
	}
	return plaintext, nil
}
