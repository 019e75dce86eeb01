// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/lattice-im/lattice/lib/secret"
	"github.com/lattice-im/lattice/messaging"
)

// Backup entries are sealed to the backup's curve25519 public key: an
// ephemeral ECDH agreement feeds HKDF-SHA256, which yields an AES-256
// key, an HMAC-SHA256 key, and a CBC IV. The MAC covers the
// ciphertext.

const backupKeySize = curve25519.ScalarSize

var unpadded = base64.RawStdEncoding

// backupKeys derives the AES key, MAC key, and IV from an ECDH shared
// secret.
func backupKeys(shared []byte) (aesKey, macKey, iv []byte, err error) {
	material := make([]byte, 32+32+16)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, nil), material); err != nil {
		return nil, nil, nil, fmt.Errorf("e2ee: deriving backup keys: %w", err)
	}
	return material[:32], material[32:64], material[64:], nil
}

// RecoveryPublicKey derives the unpadded base64 public key a recovery
// key seals backups to. Tooling uses it to check a candidate key
// against the server's backup version before trusting it.
func RecoveryPublicKey(private *secret.Buffer) (string, error) {
	return backupPublicKey(private)
}

func backupPublicKey(private *secret.Buffer) (string, error) {
	if private.Len() != backupKeySize {
		return "", fmt.Errorf("e2ee: backup key is %d bytes, want %d", private.Len(), backupKeySize)
	}
	public, err := curve25519.X25519(private.Bytes(), curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("e2ee: deriving backup public key: %w", err)
	}
	return unpadded.EncodeToString(public), nil
}

// encryptBackupEntry seals plaintext session data to the backup public
// key using a fresh ephemeral key pair.
func encryptBackupEntry(publicKey string, plaintext []byte) (*messaging.BackupSessionData, error) {
	public, err := unpadded.DecodeString(publicKey)
	if err != nil || len(public) != backupKeySize {
		return nil, errors.New("e2ee: malformed backup public key")
	}

	ephemeralPrivate := make([]byte, backupKeySize)
	if _, err := rand.Read(ephemeralPrivate); err != nil {
		return nil, fmt.Errorf("e2ee: generating ephemeral key: %w", err)
	}
	defer secret.Zero(ephemeralPrivate)
	ephemeralPublic, err := curve25519.X25519(ephemeralPrivate, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("e2ee: deriving ephemeral public key: %w", err)
	}
	shared, err := curve25519.X25519(ephemeralPrivate, public)
	if err != nil {
		return nil, fmt.Errorf("e2ee: backup key agreement: %w", err)
	}
	defer secret.Zero(shared)

	aesKey, macKey, iv, err := backupKeys(shared)
	if err != nil {
		return nil, err
	}
	defer secret.Zero(aesKey)
	defer secret.Zero(macKey)

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("e2ee: backup cipher: %w", err)
	}
	padded := padPKCS7(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)

	return &messaging.BackupSessionData{
		Ephemeral:  unpadded.EncodeToString(ephemeralPublic),
		Ciphertext: unpadded.EncodeToString(ciphertext),
		MAC:        unpadded.EncodeToString(mac.Sum(nil)),
	}, nil
}

// decryptBackupEntry opens one backup entry with the backup private
// key. Every failure mode (bad encoding, MAC mismatch, bad padding)
// comes back as an error; callers treat the entry as lost and move on.
func decryptBackupEntry(private *secret.Buffer, data *messaging.BackupSessionData) ([]byte, error) {
	if private.Len() != backupKeySize {
		return nil, fmt.Errorf("e2ee: backup key is %d bytes, want %d", private.Len(), backupKeySize)
	}
	ephemeral, err := unpadded.DecodeString(data.Ephemeral)
	if err != nil || len(ephemeral) != backupKeySize {
		return nil, errors.New("e2ee: malformed ephemeral key in backup entry")
	}
	ciphertext, err := unpadded.DecodeString(data.Ciphertext)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("e2ee: malformed ciphertext in backup entry")
	}
	claimedMAC, err := unpadded.DecodeString(data.MAC)
	if err != nil {
		return nil, errors.New("e2ee: malformed mac in backup entry")
	}

	shared, err := curve25519.X25519(private.Bytes(), ephemeral)
	if err != nil {
		return nil, fmt.Errorf("e2ee: backup key agreement: %w", err)
	}
	defer secret.Zero(shared)

	aesKey, macKey, iv, err := backupKeys(shared)
	if err != nil {
		return nil, err
	}
	defer secret.Zero(aesKey)
	defer secret.Zero(macKey)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)
	if !hmac.Equal(mac.Sum(nil), claimedMAC) {
		return nil, errors.New("e2ee: backup entry mac mismatch")
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("e2ee: backup cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return unpadPKCS7(plaintext, aes.BlockSize)
}

func padPKCS7(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("e2ee: bad padded length")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize {
		return nil, errors.New("e2ee: bad padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, errors.New("e2ee: bad padding")
		}
	}
	return data[:len(data)-pad], nil
}
