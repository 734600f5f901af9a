package protocol

import (
	"encoding/binary"
	"fmt"

	blecrypto "github.com/chaz8081/meshlight/internal/ble/crypto"
	"github.com/chaz8081/meshlight/internal/mesh"
)

// CmdType is the 3-bit command class carried in the frame header.
type CmdType uint8

const (
	CmdStatus  CmdType = 0 // state broadcast by a fixture
	CmdControl CmdType = 1
	CmdPairing CmdType = 2
	CmdGroup   CmdType = 3
	CmdScene   CmdType = 4
)

// Header layout before whitening.
//
//	byte 0: bits 0-3 retry count, bits 4-6 CmdType, bit 7 mesh forward
//	byte 1: sequence number (frame nonce)
//	byte 2: group, 0 when addressing a single fixture
//	byte 3: checksum, sum of every other plaintext byte
const (
	hdrFlags    = 0
	hdrSeq      = 1
	hdrGroup    = 2
	hdrChecksum = 3

	retryMask   = 0x0F
	cmdShift    = 4
	cmdMask     = 0x07
	forwardFlag = 0x80
)

// Body layout before the keystream is applied.
const (
	bodyLen = PairedStateLen - blecrypto.HeaderSize

	offOpcode = 0
	offAddr   = 1 // little endian uint16
	offPower  = 3 // bit 7 power, bits 0-6 brightness
	offMode   = 4
	offBlue   = 5
	offRed    = 6
	offGreen  = 7
	offWarm   = 8
	offCool   = 9
	offEffect = 10
	offSpeed  = 11

	powerFlag      = 0x80
	brightnessMask = 0x7F
)

// OpLightControl is the body opcode for a light output command.
const OpLightControl = 0x22

// Mode byte bits.
const (
	modeRGB    = 0x01
	modeWhite  = 0x02
	modeEffect = 0x04
)

// ControlCommand is everything needed to build one control frame.
type ControlCommand struct {
	Address mesh.Address
	State   mesh.LightState
	Seq     uint8
	Forward bool
	Retry   uint8 // clamped to 15

	// Capability is checked against State when non-zero.
	Capability mesh.Capability
}

// ControlFrame is a decoded control or status frame.
type ControlFrame struct {
	Cmd     CmdType
	Address mesh.Address
	State   mesh.LightState
	Seq     uint8
	Forward bool
	Retry   uint8
	Group   uint8
}

// BrightnessToWire scales a 0..100 brightness onto the 7-bit wire field.
func BrightnessToWire(pct uint8) uint8 {
	return uint8((uint16(pct)*brightnessMask + 50) / 100)
}

// BrightnessFromWire is the exact inverse of BrightnessToWire on 0..100.
func BrightnessFromWire(w uint8) uint8 {
	return uint8((uint16(w&brightnessMask)*100 + 63) / brightnessMask)
}

// EncodeControl serializes cmd and seals it with c. It rejects invalid
// states and color modes the fixture cannot render; it never emits a frame
// the device would misinterpret.
func EncodeControl(cmd ControlCommand, c *blecrypto.Cipher) ([]byte, error) {
	if !cmd.Address.Valid() {
		return nil, fmt.Errorf("protocol: encode control: %w", mesh.ErrInvalidAddress)
	}
	check := cmd.State.Validate
	if cmd.Capability != 0 {
		check = func() error { return cmd.Capability.Check(cmd.State) }
	}
	if err := check(); err != nil {
		return nil, fmt.Errorf("protocol: encode control for %s: %w", cmd.Address, err)
	}

	s := cmd.State
	body := make([]byte, bodyLen)
	body[offOpcode] = OpLightControl
	binary.LittleEndian.PutUint16(body[offAddr:], uint16(cmd.Address))
	body[offPower] = BrightnessToWire(s.Brightness)
	if s.On {
		body[offPower] |= powerFlag
	}
	switch s.Mode {
	case mesh.ColorModeRGB:
		body[offMode] |= modeRGB
		body[offBlue], body[offRed], body[offGreen] = s.Blue, s.Red, s.Green
	case mesh.ColorModeWhite:
		body[offMode] |= modeWhite
		body[offWarm], body[offCool] = s.Warm, s.Cool
	}
	if s.Effect != mesh.EffectNone {
		body[offMode] |= modeEffect
		body[offEffect] = uint8(s.Effect)
		body[offSpeed] = s.EffectSpeed
	}

	header := make([]byte, blecrypto.HeaderSize)
	retry := cmd.Retry
	if retry > retryMask {
		retry = retryMask
	}
	header[hdrFlags] = retry | uint8(CmdControl)<<cmdShift
	if cmd.Forward {
		header[hdrFlags] |= forwardFlag
	}
	header[hdrSeq] = cmd.Seq
	header[hdrChecksum] = checksum(header, body)

	return c.Seal(header, body)
}

// DecodeControl opens a paired-state frame with c and parses it back into
// a ControlFrame. A wrong key shows up as ErrChecksum.
func DecodeControl(frame []byte, c *blecrypto.Cipher) (ControlFrame, error) {
	var f ControlFrame
	if len(frame) != PairedStateLen {
		return f, fmt.Errorf("%w: %d bytes, want %d", ErrFrameLength, len(frame), PairedStateLen)
	}
	header, body, err := c.Open(frame)
	if err != nil {
		return f, err
	}
	if sum := checksum(header, body); sum != header[hdrChecksum] {
		return f, fmt.Errorf("%w: got %#02x, want %#02x", ErrChecksum, header[hdrChecksum], sum)
	}
	if body[offOpcode] != OpLightControl {
		return f, fmt.Errorf("%w: %#02x", ErrOpcode, body[offOpcode])
	}

	f.Retry = header[hdrFlags] & retryMask
	f.Cmd = CmdType(header[hdrFlags]>>cmdShift) & cmdMask
	f.Forward = header[hdrFlags]&forwardFlag != 0
	f.Seq = header[hdrSeq]
	f.Group = header[hdrGroup]
	f.Address = mesh.Address(binary.LittleEndian.Uint16(body[offAddr:]))

	mode := body[offMode]
	s := mesh.LightState{
		On:         body[offPower]&powerFlag != 0,
		Brightness: BrightnessFromWire(body[offPower]),
	}
	switch mode & (modeRGB | modeWhite) {
	case 0:
	case modeRGB:
		s.Mode = mesh.ColorModeRGB
	case modeWhite:
		s.Mode = mesh.ColorModeWhite
	default:
		return f, fmt.Errorf("%w: both rgb and white channels flagged", ErrMalformed)
	}
	// Channel bytes outside the flagged group are ignored so the decoded
	// state is canonical.
	switch s.Mode {
	case mesh.ColorModeRGB:
		s.Blue, s.Red, s.Green = body[offBlue], body[offRed], body[offGreen]
	case mesh.ColorModeWhite:
		s.Warm, s.Cool = body[offWarm], body[offCool]
	}
	if mode&modeEffect != 0 {
		s.Effect = mesh.Effect(body[offEffect])
		s.EffectSpeed = body[offSpeed]
	}
	if err := s.Validate(); err != nil {
		return f, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	f.State = s
	return f, nil
}

func checksum(header, body []byte) uint8 {
	var sum uint8
	for i, b := range header {
		if i != hdrChecksum {
			sum += b
		}
	}
	for _, b := range body {
		sum += b
	}
	return sum
}
