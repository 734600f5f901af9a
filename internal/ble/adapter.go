// Package ble moves fastcon frames between the bridge and a radio. It
// defines the adapter abstraction implemented by the local tinygo radio and
// by the remote relay link, the advertising transmitter used for control
// frames, and the GATT pairer used for pairing responses.
package ble

import (
	"context"
	"errors"
	"time"

	"github.com/chaz8081/meshlight/internal/mesh"
)

// Fastcon GATT control service, exposed by fixtures while pairing.
const (
	ServiceUUID    = "0000fff0-0000-1000-8000-00805f9b34fb"
	WriteCharUUID  = "0000fff3-0000-1000-8000-00805f9b34fb"
	NotifyCharUUID = "0000fff4-0000-1000-8000-00805f9b34fb"
)

// ErrAdapterDown is wrapped by adapters whose underlying radio or link has
// gone away and must be enabled again.
var ErrAdapterDown = errors.New("ble: adapter down")

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Scanner delivers every manufacturer data record a radio hears.
type Scanner interface {
	// Scan calls onAdv for each record until ctx is done. onAdv may run on
	// the radio's receive goroutine and must not block.
	Scan(ctx context.Context, onAdv func(mesh.Advertisement)) error
}

// Adapter abstracts the radio for testing.
type Adapter interface {
	Scanner
	// Enable powers on the radio or opens the link. Calling it again on an
	// enabled adapter is a no-op.
	Enable() error
	// Advertise broadcasts payload as non-connectable manufacturer data for
	// d, or until ctx is done.
	Advertise(ctx context.Context, companyID uint16, payload []byte, d time.Duration) error
	// Connect establishes a connection to the device with the given MAC address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
