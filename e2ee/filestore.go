// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/lattice-im/lattice/lib/codec"
	"github.com/lattice-im/lattice/lib/ref"
)

// FileStore persists session records as CBOR files under a root
// directory, one file per record:
//
//	<root>/inbound/<digest>.cbor
//	<root>/outbound/<digest>.cbor
//
// The digest is a hash of the record key (account, room, and for
// inbound records the session ID), so identifier bytes never appear in
// filenames. Writes go through a temp file and rename, so a crash
// leaves either the old record or the new one, never a torn file.
type FileStore struct {
	root string
}

// NewFileStore creates the directory layout under root. The root is
// created mode 0700; pickles are only as secret as the pickle key, but
// there is no reason to share them.
func NewFileStore(root string) (*FileStore, error) {
	for _, dir := range []string{root, filepath.Join(root, "inbound"), filepath.Join(root, "outbound")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("e2ee: creating session store: %w", err)
		}
	}
	return &FileStore{root: root}, nil
}

func recordName(parts ...string) string {
	hasher := blake3.New()
	for _, part := range parts {
		// Length-prefix framing keeps distinct part lists from
		// colliding.
		fmt.Fprintf(hasher, "%d:%s", len(part), part)
	}
	return hex.EncodeToString(hasher.Sum(nil)[:16]) + ".cbor"
}

func (s *FileStore) inboundPath(account ref.UserID, room ref.RoomID, session ref.SessionID) string {
	return filepath.Join(s.root, "inbound", recordName(account.String(), room.String(), session.String()))
}

func (s *FileStore) outboundPath(account ref.UserID, room ref.RoomID) string {
	return filepath.Join(s.root, "outbound", recordName(account.String(), room.String()))
}

func (s *FileStore) PutInbound(ctx context.Context, record *InboundRecord) error {
	return s.writeRecord(s.inboundPath(record.Account, record.Room, record.SessionID), record)
}

func (s *FileStore) GetInbound(ctx context.Context, account ref.UserID, room ref.RoomID, session ref.SessionID) (*InboundRecord, error) {
	var record InboundRecord
	found, err := s.readRecord(s.inboundPath(account, room, session), &record)
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

func (s *FileStore) PutOutbound(ctx context.Context, record *OutboundRecord) error {
	return s.writeRecord(s.outboundPath(record.Account, record.Room), record)
}

func (s *FileStore) GetOutbound(ctx context.Context, account ref.UserID, room ref.RoomID) (*OutboundRecord, error) {
	var record OutboundRecord
	found, err := s.readRecord(s.outboundPath(account, room), &record)
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

// ListInbound walks every persisted inbound record and returns the
// ones belonging to the given account. It exists for tooling; the hot
// path always addresses records directly.
func (s *FileStore) ListInbound(ctx context.Context, account ref.UserID) ([]*InboundRecord, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "inbound"))
	if err != nil {
		return nil, fmt.Errorf("e2ee: listing session records: %w", err)
	}
	var records []*InboundRecord
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".cbor" {
			continue
		}
		var record InboundRecord
		found, err := s.readRecord(filepath.Join(s.root, "inbound", entry.Name()), &record)
		if err != nil {
			return nil, err
		}
		if found && record.Account == account {
			records = append(records, &record)
		}
	}
	return records, nil
}

func (s *FileStore) DeleteOutbound(ctx context.Context, account ref.UserID, room ref.RoomID) error {
	err := os.Remove(s.outboundPath(account, room))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("e2ee: deleting outbound record: %w", err)
	}
	return nil
}

func (s *FileStore) writeRecord(path string, record any) error {
	data, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("e2ee: encoding session record: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".record-*")
	if err != nil {
		return fmt.Errorf("e2ee: writing session record: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("e2ee: writing session record: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("e2ee: writing session record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("e2ee: syncing session record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("e2ee: writing session record: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("e2ee: writing session record: %w", err)
	}
	return nil
}

func (s *FileStore) readRecord(path string, record any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("e2ee: reading session record: %w", err)
	}
	if err := codec.Unmarshal(data, record); err != nil {
		return false, fmt.Errorf("e2ee: decoding session record %s: %w", filepath.Base(path), err)
	}
	return true, nil
}
