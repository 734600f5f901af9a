// Package protocol implements the fastcon mesh light wire formats: frame
// classification, control frames and the pairing handshake payloads.
package protocol

import (
	"errors"
	"fmt"

	"github.com/chaz8081/meshlight/internal/mesh"
)

// CompanyID is the manufacturer data identifier fastcon devices advertise under.
const CompanyID uint16 = 0xF0FF

// Manufacturer payload lengths that identify a frame.
const (
	PairedStateLen = 24
	BeaconLen      = 16
)

var (
	ErrFrameLength = errors.New("protocol: unexpected frame length")
	ErrChecksum    = errors.New("protocol: checksum mismatch")
	ErrOpcode      = errors.New("protocol: unknown opcode")
	ErrMalformed   = errors.New("protocol: malformed frame")
)

// FrameKind is the result of classifying one advertisement.
type FrameKind uint8

const (
	FrameUnknown FrameKind = iota
	FramePairedState
	FramePairingBeacon
)

func (k FrameKind) String() string {
	switch k {
	case FrameUnknown:
		return "unknown"
	case FramePairedState:
		return "paired_state"
	case FramePairingBeacon:
		return "pairing_beacon"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Classify decides what an advertisement carries. Only frames under
// companyID are relevant; among those the payload length alone separates
// paired state broadcasts from pairing beacons. Everything else is
// FrameUnknown. Classify has no side effects and accepts any input.
func Classify(adv mesh.Advertisement, companyID uint16) FrameKind {
	if adv.CompanyID != companyID {
		return FrameUnknown
	}
	switch len(adv.Payload) {
	case PairedStateLen:
		return FramePairedState
	case BeaconLen:
		return FramePairingBeacon
	default:
		return FrameUnknown
	}
}
