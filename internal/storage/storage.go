// Package storage persists the hub's pairing state: associated-device
// records, per-device session keys, and the hub's own identity. Everything
// lives in a single sealed file so a lifted disk image exposes no key
// material.
package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/companionlink/companionlink/internal/callbacks"
)

// AssociatedDevice is a persisted pairing record.
type AssociatedDevice struct {
	DeviceID          string `json:"device_id"`
	Address           string `json:"address"`
	Name              string `json:"name"`
	ConnectionEnabled bool   `json:"connection_enabled"`
}

// Callback receives out-of-band store changes. The connection manager
// republishes these to its own association subscribers.
type Callback interface {
	OnAssociatedDeviceAdded(device AssociatedDevice)
	OnAssociatedDeviceRemoved(device AssociatedDevice)
	OnAssociatedDeviceUpdated(device AssociatedDevice)
}

// Store exposes the persistence contract used by the connection manager.
type Store interface {
	Initialize(ctx context.Context, passphrase string) error
	Unlock(ctx context.Context, passphrase string) error

	// UniqueID returns the hub's stable identity, generating it on first use.
	UniqueID(ctx context.Context) (uuid.UUID, error)

	ActiveUserAssociatedDevices(ctx context.Context) ([]AssociatedDevice, error)
	AddAssociatedDeviceForActiveUser(ctx context.Context, device AssociatedDevice, key []byte) error
	RemoveAssociatedDeviceForActiveUser(ctx context.Context, deviceID string) error
	UpdateAssociatedDeviceConnectionEnabled(ctx context.Context, deviceID string, enabled bool) error

	EncryptionKey(ctx context.Context, deviceID string) ([]byte, error)
	SaveEncryptionKey(ctx context.Context, deviceID string, key []byte) error

	RegisterCallback(cb Callback, exec callbacks.Executor)
	UnregisterCallback(cb Callback)
}
