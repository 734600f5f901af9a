// Package crypto implements the mesh cipher of the fastcon light protocol:
// a fixed whitening mask over the 4-byte frame header and a repeating
// mesh-key keystream over the frame body.
//
// The per-frame nonce is the sequence byte in the header. It is bound into
// the frame checksum, so two frames that differ only in sequence differ on
// the wire. The cipher cannot stop a caller from reusing a sequence number
// for two different plaintexts to the same address; schedulers must advance
// the sequence for every transmission.
package crypto

import (
	"errors"
	"fmt"

	"github.com/chaz8081/meshlight/internal/mesh"
)

// HeaderSize is the length of the whitened frame header.
const HeaderSize = 4

// headerMask is XORed over every frame header (0xc47b365e little-endian).
var headerMask = [HeaderSize]byte{0x5e, 0x36, 0x7b, 0xc4}

// factoryKey is the key unpaired devices listen with.
var factoryKey = mesh.MeshKey{0x5e, 0x36, 0x7b, 0xc4}

// ErrKeySize is returned for a mesh key that is not exactly mesh.KeySize bytes.
var ErrKeySize = errors.New("ble/crypto: mesh key must be 4 bytes")

// Cipher transforms frames for one mesh key. It is immutable and safe for
// concurrent use.
type Cipher struct {
	key mesh.MeshKey
}

// NewCipher returns a cipher for key. It fails rather than pad or truncate.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != mesh.KeySize {
		return nil, fmt.Errorf("%w, got %d", ErrKeySize, len(key))
	}
	c := &Cipher{}
	copy(c.key[:], key)
	return c, nil
}

// ForKey returns the cipher for an already validated mesh key.
func ForKey(key mesh.MeshKey) *Cipher {
	return &Cipher{key: key}
}

// FactoryCipher returns the cipher keyed with the factory default key used
// while a device has not yet received its mesh key.
func FactoryCipher() *Cipher {
	return &Cipher{key: factoryKey}
}

// Key returns the mesh key the cipher was built from.
func (c *Cipher) Key() mesh.MeshKey { return c.key }

// XORKeyStream writes src XOR keystream into dst. dst and src may overlap
// exactly. The transform is its own inverse.
func (c *Cipher) XORKeyStream(dst, src []byte) {
	if len(dst) < len(src) {
		panic("ble/crypto: output smaller than input")
	}
	for i, b := range src {
		dst[i] = b ^ c.key[i&3]
	}
}

// WhitenHeader XORs a frame header with the protocol mask. It is its own inverse.
func WhitenHeader(dst, src []byte) {
	if len(src) != HeaderSize || len(dst) < HeaderSize {
		panic("ble/crypto: header must be 4 bytes")
	}
	for i, b := range src {
		dst[i] = b ^ headerMask[i]
	}
}

// Seal returns header and body transformed into a wire frame.
func (c *Cipher) Seal(header, body []byte) ([]byte, error) {
	if len(header) != HeaderSize {
		return nil, fmt.Errorf("ble/crypto: header must be %d bytes, got %d", HeaderSize, len(header))
	}
	frame := make([]byte, HeaderSize+len(body))
	WhitenHeader(frame[:HeaderSize], header)
	c.XORKeyStream(frame[HeaderSize:], body)
	return frame, nil
}

// Open reverses Seal, returning a plaintext copy split into header and body.
func (c *Cipher) Open(frame []byte) (header, body []byte, err error) {
	if len(frame) < HeaderSize {
		return nil, nil, fmt.Errorf("ble/crypto: frame shorter than header: %d bytes", len(frame))
	}
	plain := make([]byte, len(frame))
	WhitenHeader(plain[:HeaderSize], frame[:HeaderSize])
	c.XORKeyStream(plain[HeaderSize:], frame[HeaderSize:])
	return plain[:HeaderSize], plain[HeaderSize:], nil
}
