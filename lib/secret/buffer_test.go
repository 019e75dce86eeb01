// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestNewValidSize(t *testing.T) {
	buffer, err := New(64)
	if err != nil {
		t.Fatalf("New(64) failed: %v", err)
	}
	defer buffer.Close()

	if buffer.Len() != 64 {
		t.Errorf("expected length 64, got %d", buffer.Len())
	}

	// Memory should be zero-initialized by mmap.
	for index, value := range buffer.Bytes() {
		if value != 0 {
			t.Fatalf("expected zero at index %d, got %d", index, value)
		}
	}
}

func TestNewInvalidSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("New(0) should fail")
	}
	if _, err := New(-1); err == nil {
		t.Error("New(-1) should fail")
	}
}

func TestNewFromBytesZerosSource(t *testing.T) {
	source := []byte("recovery-key-material")
	want := append([]byte(nil), source...)

	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}
	defer buffer.Close()

	if !bytes.Equal(buffer.Bytes(), want) {
		t.Errorf("buffer contents = %q, want %q", buffer.Bytes(), want)
	}

	// The caller's slice must no longer hold the secret.
	for index, value := range source {
		if value != 0 {
			t.Fatalf("source not zeroed at index %d", index)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	buffer, err := NewFromBytes([]byte("token"))
	if err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestAccessAfterClosePanics(t *testing.T) {
	buffer, err := NewFromBytes([]byte("token"))
	if err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}
	buffer.Close()

	defer func() {
		if recover() == nil {
			t.Error("Bytes() after Close should panic")
		}
	}()
	buffer.Bytes()
}

func TestReadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recovery_key")
	if err := os.WriteFile(path, []byte("  EsTc abcd efgh  \n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	buffer, err := ReadFromPath(path)
	if err != nil {
		t.Fatalf("ReadFromPath failed: %v", err)
	}
	defer buffer.Close()

	if got := buffer.String(); got != "EsTc abcd efgh" {
		t.Errorf("contents = %q, want trimmed key", got)
	}
}

func TestReadFromPathEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty")
	if err := os.WriteFile(path, []byte("   \n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := ReadFromPath(path); err == nil {
		t.Error("expected error for whitespace-only secret")
	}
}
