package protocol

import (
	"encoding/binary"
	"fmt"
	"time"

	blecrypto "github.com/chaz8081/meshlight/internal/ble/crypto"
	"github.com/chaz8081/meshlight/internal/mesh"
)

// Pairing response sizes. The extended form carries the high address byte.
const (
	PairingResponseLen         = 12
	ExtendedPairingResponseLen = 18
)

// DefaultAddressToken is the address-type byte the vendor app sends for a
// first pairing. Its meaning is not fully known; it is passed through as an
// opaque value.
const DefaultAddressToken byte = 0x01

// Beacon layout, sent in the clear by an unkeyed device.
//
//	[0:6]   device id
//	[6:8]   factory address, little endian
//	[8:12]  factory key
//	[12]    device type
//	[13]    firmware revision
//	[14:16] reserved
const (
	bcnDeviceID = 0
	bcnAddr     = 6
	bcnKey      = 8
	bcnType     = 12
	bcnFirmware = 13
)

// Pairing response layout before the factory keystream.
//
//	[0:6]   device id
//	[6]     assigned address, low byte
//	[7]     address-type token
//	[8:12]  mesh key
//	[12]    assigned address, high byte (extended only)
//	[13:18] zero (extended only)
const (
	rspDeviceID = 0
	rspAddrLow  = 6
	rspToken    = 7
	rspKey      = 8
	rspAddrHigh = 12
)

// Beacon is the content of a pairing beacon plus its radio metadata.
type Beacon struct {
	DeviceID       mesh.DeviceID
	FactoryAddress mesh.Address
	FactoryKey     [mesh.KeySize]byte
	DeviceType     uint8
	Firmware       uint8

	MAC    string
	RSSI   int8
	SeenAt time.Time
}

// ParseBeacon extracts the factory identity of an unpaired device.
func ParseBeacon(adv mesh.Advertisement) (Beacon, error) {
	var b Beacon
	p := adv.Payload
	if len(p) != BeaconLen {
		return b, fmt.Errorf("%w: beacon is %d bytes, want %d", ErrFrameLength, len(p), BeaconLen)
	}
	copy(b.DeviceID[:], p[bcnDeviceID:bcnAddr])
	b.FactoryAddress = mesh.Address(binary.LittleEndian.Uint16(p[bcnAddr:]))
	copy(b.FactoryKey[:], p[bcnKey:bcnType])
	b.DeviceType = p[bcnType]
	b.Firmware = p[bcnFirmware]
	b.MAC = adv.MAC
	b.RSSI = adv.RSSI
	b.SeenAt = adv.ReceivedAt
	return b, nil
}

// PairingResponse is the plaintext content of a pairing response.
type PairingResponse struct {
	DeviceID mesh.DeviceID
	Address  mesh.Address
	Token    byte
	Key      mesh.MeshKey
}

// BuildPairingResponse assigns addr and delivers key to the device id.
// Addresses above 0xFF use the extended 18-byte form. The payload is sealed
// with the factory cipher, the only key an unpaired device knows. Some
// community tools write the same layout unsealed; the sealed bytes for a
// known input are pinned in TestBuildPairingResponseOnAir for comparison
// against captures. The codec does not check addr against a registry;
// callers must reserve it first.
func BuildPairingResponse(id mesh.DeviceID, addr mesh.Address, token byte, key mesh.MeshKey) ([]byte, error) {
	if !addr.Valid() {
		return nil, fmt.Errorf("protocol: build pairing response: %w", mesh.ErrInvalidAddress)
	}
	if id.IsZero() {
		return nil, fmt.Errorf("protocol: build pairing response: %w", mesh.ErrInvalidDeviceID)
	}
	n := PairingResponseLen
	if addr.Extended() {
		n = ExtendedPairingResponseLen
	}
	buf := make([]byte, n)
	copy(buf[rspDeviceID:], id[:])
	buf[rspAddrLow] = byte(addr)
	buf[rspToken] = token
	copy(buf[rspKey:], key[:])
	if addr.Extended() {
		buf[rspAddrHigh] = byte(addr >> 8)
	}
	blecrypto.FactoryCipher().XORKeyStream(buf, buf)
	return buf, nil
}

// ParsePairingResponse reverses BuildPairingResponse.
func ParsePairingResponse(payload []byte) (PairingResponse, error) {
	var r PairingResponse
	if len(payload) != PairingResponseLen && len(payload) != ExtendedPairingResponseLen {
		return r, fmt.Errorf("%w: pairing response is %d bytes", ErrFrameLength, len(payload))
	}
	buf := make([]byte, len(payload))
	blecrypto.FactoryCipher().XORKeyStream(buf, payload)

	copy(r.DeviceID[:], buf[rspDeviceID:rspAddrLow])
	r.Address = mesh.Address(buf[rspAddrLow])
	r.Token = buf[rspToken]
	copy(r.Key[:], buf[rspKey:rspAddrHigh])
	if len(buf) == ExtendedPairingResponseLen {
		r.Address |= mesh.Address(buf[rspAddrHigh]) << 8
		for _, b := range buf[rspAddrHigh+1:] {
			if b != 0 {
				return r, fmt.Errorf("%w: non-zero padding", ErrMalformed)
			}
		}
	}
	return r, nil
}
