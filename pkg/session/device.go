package session

import (
	"fmt"
	"time"
)

// DeviceStatus is the lifecycle status of a paired device record.
// Records are logically deleted by a status change, never hard-deleted
// except by explicit cleanup.
type DeviceStatus int

const (
	// StatusPaired means the pairing is live and usable.
	StatusPaired DeviceStatus = iota

	// StatusUnpairedByUser means the user removed the pairing locally.
	StatusUnpairedByUser

	// StatusUnpairedByDaemon means the host revoked the pairing.
	StatusUnpairedByDaemon
)

// String returns a human-readable name for the status.
func (s DeviceStatus) String() string {
	switch s {
	case StatusPaired:
		return "Paired"
	case StatusUnpairedByUser:
		return "UnpairedByUser"
	case StatusUnpairedByDaemon:
		return "UnpairedByDaemon"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// PairedDevice is the persisted record for one pairing. Created on
// successful authentication, mutated on reconnection and IP updates.
type PairedDevice struct {
	// DeviceID identifies this pairing on both peers.
	DeviceID string `cbor:"1,keyasint"`

	// MasterSecret is the root secret. The store is expected to sit on
	// top of platform at-rest encryption; this package does not re-wrap it.
	MasterSecret []byte `cbor:"2,keyasint"`

	// Status is the lifecycle status.
	Status DeviceStatus `cbor:"3,keyasint"`

	// Selected marks the device targeted by reconnection. At most one
	// record is selected at a time; the store enforces it.
	Selected bool `cbor:"4,keyasint"`

	// Host and Port are the last known direct signaling address.
	Host string `cbor:"5,keyasint,omitempty"`
	Port uint16 `cbor:"6,keyasint,omitempty"`

	// VPNHost and VPNPort are the last known overlay address.
	VPNHost string `cbor:"7,keyasint,omitempty"`
	VPNPort uint16 `cbor:"8,keyasint,omitempty"`

	// HostName is a display name for the host.
	HostName string `cbor:"9,keyasint,omitempty"`

	// UserDisconnected is the sticky "do not auto-reconnect" flag.
	// Only the reconnection controller writes it.
	UserDisconnected bool `cbor:"10,keyasint,omitempty"`

	// PairedAt is when the pairing first authenticated.
	PairedAt time.Time `cbor:"11,keyasint,omitempty"`

	// LastSeenAt is the last successful authentication.
	LastSeenAt time.Time `cbor:"12,keyasint,omitempty"`
}

// Clone returns a deep copy so store callers never share slices.
func (d *PairedDevice) Clone() *PairedDevice {
	if d == nil {
		return nil
	}
	c := *d
	c.MasterSecret = append([]byte(nil), d.MasterSecret...)
	return &c
}
