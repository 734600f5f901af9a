// Package mesh holds the value types shared by every layer of the bridge:
// mesh keys, device addresses, factory device identifiers, light states and
// raw advertisements as delivered by a radio.
package mesh

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2s"
)

// KeySize is the length of a mesh key in bytes.
const KeySize = 4

var (
	ErrInvalidMeshKey  = errors.New("mesh: invalid mesh key")
	ErrInvalidAddress  = errors.New("mesh: invalid device address")
	ErrInvalidDeviceID = errors.New("mesh: invalid device id")
)

// MeshKey is the shared secret of one mesh network.
type MeshKey [KeySize]byte

// ParseMeshKey parses an 8 hex digit mesh key such as "30323336".
func ParseMeshKey(s string) (MeshKey, error) {
	var k MeshKey
	s = strings.TrimSpace(s)
	if len(s) != KeySize*2 {
		return k, fmt.Errorf("%w: want %d hex digits, got %d", ErrInvalidMeshKey, KeySize*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("%w: %v", ErrInvalidMeshKey, err)
	}
	copy(k[:], b)
	return k, nil
}

// MeshKeyFromBytes copies b into a MeshKey. It never pads or truncates.
func MeshKeyFromBytes(b []byte) (MeshKey, error) {
	var k MeshKey
	if len(b) != KeySize {
		return k, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidMeshKey, KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

func (k MeshKey) String() string { return hex.EncodeToString(k[:]) }

// Fingerprint identifies the key in logs without revealing it.
func (k MeshKey) Fingerprint() string {
	sum := blake2s.Sum256(k[:])
	return hex.EncodeToString(sum[:4])
}

// Address identifies a fixture inside one mesh. Zero means unassigned.
type Address uint16

// Extended reports whether the address needs the high byte on the wire.
func (a Address) Extended() bool { return a > 0xFF }

// Valid reports whether the address can be assigned to a device.
func (a Address) Valid() bool { return a != 0 }

func (a Address) String() string { return fmt.Sprintf("%d", uint16(a)) }

// DeviceID is the factory identifier a device announces in its pairing beacon.
type DeviceID [6]byte

// ParseDeviceID accepts "AA:BB:CC:DD:EE:FF", "aa-bb-cc-dd-ee-ff" or twelve hex digits.
func ParseDeviceID(s string) (DeviceID, error) {
	var id DeviceID
	clean := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	if len(clean) != len(id)*2 {
		return id, fmt.Errorf("%w: %q", ErrInvalidDeviceID, s)
	}
	b, err := hex.DecodeString(clean)
	if err != nil {
		return id, fmt.Errorf("%w: %q: %v", ErrInvalidDeviceID, s, err)
	}
	copy(id[:], b)
	return id, nil
}

func (id DeviceID) String() string {
	var sb strings.Builder
	for i, b := range id {
		if i > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}

// IsZero reports whether the id was never set.
func (id DeviceID) IsZero() bool { return id == DeviceID{} }

// Advertisement is one raw manufacturer-data record observed by a radio.
type Advertisement struct {
	CompanyID  uint16
	Payload    []byte
	RSSI       int8
	MAC        string
	ReceivedAt time.Time
}
