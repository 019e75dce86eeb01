// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"sync"

	"github.com/lattice-im/lattice/lib/ref"
)

// DeviceIdentity is the directory's view of one device: its keys and
// its trust state. Verified means the signing key has been confirmed
// out of band; Blocked means keys must never be shared with it
// regardless of verification.
type DeviceIdentity struct {
	UserID      ref.UserID
	DeviceID    ref.DeviceID
	IdentityKey ref.Curve25519Key
	SigningKey  ref.Ed25519Key
	Verified    bool
	Blocked     bool
}

// DeviceDirectory answers questions about the devices participating in
// encrypted rooms. Implementations typically sit on top of a device
// tracking layer that processes key-query responses; the key manager
// only reads.
type DeviceDirectory interface {
	// RoomDevices lists the active, unblocked devices of every member
	// of the room. The result includes the caller's own devices.
	RoomDevices(ctx context.Context, room ref.RoomID) ([]DeviceIdentity, error)

	// Device looks up one device. A nil result means the device is
	// unknown or deleted.
	Device(ctx context.Context, user ref.UserID, device ref.DeviceID) (*DeviceIdentity, error)

	// DeviceByIdentityKey resolves a device of the given user by its
	// curve25519 identity key. A nil result means no active device of
	// that user holds the key.
	DeviceByIdentityKey(ctx context.Context, user ref.UserID, key ref.Curve25519Key) (*DeviceIdentity, error)
}

// StaticDirectory is a DeviceDirectory over a fixed device list. It
// serves tools that operate on a snapshot and tests; a syncing client
// would use a live directory instead.
type StaticDirectory struct {
	mu      sync.Mutex
	devices []DeviceIdentity
	rooms   map[ref.RoomID][]int
}

// NewStaticDirectory builds a directory with no devices. Populate it
// with Add.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{rooms: make(map[ref.RoomID][]int)}
}

// Add registers a device as a member of the given rooms.
func (d *StaticDirectory) Add(identity DeviceIdentity, rooms ...ref.RoomID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	index := len(d.devices)
	d.devices = append(d.devices, identity)
	for _, room := range rooms {
		d.rooms[room] = append(d.rooms[room], index)
	}
}

func (d *StaticDirectory) RoomDevices(ctx context.Context, room ref.RoomID) ([]DeviceIdentity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var result []DeviceIdentity
	for _, index := range d.rooms[room] {
		if d.devices[index].Blocked {
			continue
		}
		result = append(result, d.devices[index])
	}
	return result, nil
}

func (d *StaticDirectory) Device(ctx context.Context, user ref.UserID, device ref.DeviceID) (*DeviceIdentity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.devices {
		if d.devices[i].UserID == user && d.devices[i].DeviceID == device {
			identity := d.devices[i]
			return &identity, nil
		}
	}
	return nil, nil
}

func (d *StaticDirectory) DeviceByIdentityKey(ctx context.Context, user ref.UserID, key ref.Curve25519Key) (*DeviceIdentity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.devices {
		if d.devices[i].UserID == user && d.devices[i].IdentityKey == key {
			identity := d.devices[i]
			return &identity, nil
		}
	}
	return nil, nil
}
