// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"fmt"
	"sync"

	"github.com/lattice-im/lattice/lib/secret"
)

// BackupSecretName is the secret-store name of the key backup recovery
// key: the curve25519 private key that decrypts backup entries.
const BackupSecretName = "m.megolm_backup.v1"

// SecretValidator checks a candidate secret before it is accepted into
// a SecretStore. The candidate buffer is only valid for the duration
// of the call.
type SecretValidator func(candidate *secret.Buffer) bool

// SecretStore holds named account-level secrets (recovery keys,
// cross-signing material) and gates acceptance through registered
// validators, so that a corrupt or mistyped secret is rejected at the
// door instead of failing every later operation.
type SecretStore interface {
	// Get returns the named secret, or nil if it is not held. The
	// returned buffer is owned by the store; callers must not close
	// it.
	Get(name string) *secret.Buffer

	// Set validates and stores a secret. The store takes ownership of
	// the buffer on success; on failure the caller still owns it.
	Set(name string, value *secret.Buffer) error

	// SetValidator registers the validator consulted by Set for the
	// given name. Registering replaces any previous validator.
	SetValidator(name string, validate SecretValidator)
}

// MemorySecretStore keeps secrets in locked memory for the lifetime of
// the process. It does not persist; callers re-provision secrets at
// startup, typically from secret-storage or operator input.
type MemorySecretStore struct {
	mu         sync.Mutex
	secrets    map[string]*secret.Buffer
	validators map[string]SecretValidator
}

func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{
		secrets:    make(map[string]*secret.Buffer),
		validators: make(map[string]SecretValidator),
	}
}

func (s *MemorySecretStore) Get(name string) *secret.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secrets[name]
}

func (s *MemorySecretStore) Set(name string, value *secret.Buffer) error {
	s.mu.Lock()
	validate := s.validators[name]
	s.mu.Unlock()

	// Validators may perform I/O (fetching the server-side key to
	// check against), so they run outside the lock.
	if validate != nil && !validate(value) {
		return fmt.Errorf("e2ee: secret %q failed validation", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if previous := s.secrets[name]; previous != nil {
		previous.Close()
	}
	s.secrets[name] = value
	return nil
}

func (s *MemorySecretStore) SetValidator(name string, validate SecretValidator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validators[name] = validate
}

// Close releases every held secret.
func (s *MemorySecretStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, value := range s.secrets {
		value.Close()
		delete(s.secrets, name)
	}
}
