// Package link speaks to a serial or WebSocket radio relay (typically an
// ESP32 running the companion firmware) that owns the Bluetooth radio on
// behalf of the host.
//
// Each message is CBOR encoded as a two element array [type, body], followed
// by a big-endian CRC-16-CCITT over the CBOR bytes. The result is byte
// stuffed and wrapped in START/END markers:
//
//	0x7E | stuffed(cbor || crc_hi || crc_lo) | 0x7F
//
// START, END and ESC inside the data are sent as ESC followed by the byte
// XOR 0x20.
package link

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20

	crcInitial    = 0xFFFF
	crcPolynomial = 0x1021

	// MaxFrameSize bounds the unstuffed data section of a frame.
	MaxFrameSize = 512
)

var (
	ErrCRC        = errors.New("link: crc mismatch")
	ErrFrameSize  = errors.New("link: frame too large")
	ErrShortFrame = errors.New("link: frame too short")
)

// MsgType identifies a relay message.
type MsgType uint8

const (
	MsgHello      MsgType = 0x01 // host -> relay, answered by MsgResult
	MsgAdvertise  MsgType = 0x02 // host -> relay
	MsgScan       MsgType = 0x03 // host -> relay, toggles report forwarding
	MsgConnect    MsgType = 0x04 // host -> relay
	MsgWrite      MsgType = 0x05 // host -> relay, GATT write without response
	MsgDisconnect MsgType = 0x06 // host -> relay
	MsgResult     MsgType = 0x10 // relay -> host, completes a request by ID
	MsgReport     MsgType = 0x11 // relay -> host, one received advertisement
	MsgNotify     MsgType = 0x12 // relay -> host, GATT notification
	MsgLost       MsgType = 0x13 // relay -> host, peripheral disconnected
)

func (t MsgType) String() string {
	switch t {
	case MsgHello:
		return "hello"
	case MsgAdvertise:
		return "advertise"
	case MsgScan:
		return "scan"
	case MsgConnect:
		return "connect"
	case MsgWrite:
		return "write"
	case MsgDisconnect:
		return "disconnect"
	case MsgResult:
		return "result"
	case MsgReport:
		return "report"
	case MsgNotify:
		return "notify"
	case MsgLost:
		return "lost"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// Body carries the fields of every message type; unused fields are omitted
// on the wire.
type Body struct {
	ID         uint32 `cbor:"1,keyasint,omitempty"`
	CompanyID  uint16 `cbor:"2,keyasint,omitempty"`
	Payload    []byte `cbor:"3,keyasint,omitempty"`
	DurationMS uint32 `cbor:"4,keyasint,omitempty"`
	MAC        string `cbor:"5,keyasint,omitempty"`
	RSSI       int8   `cbor:"6,keyasint,omitempty"`
	Char       string `cbor:"7,keyasint,omitempty"`
	Enable     bool   `cbor:"8,keyasint,omitempty"`
	Error      string `cbor:"9,keyasint,omitempty"`
	Firmware   string `cbor:"10,keyasint,omitempty"`
}

// Message is one relay message.
type Message struct {
	Type MsgType
	Body Body
}

type envelope struct {
	_    struct{} `cbor:",toarray"`
	Type MsgType
	Body Body
}

// Encode returns the framed wire form of m.
func Encode(m Message) ([]byte, error) {
	payload, err := cbor.Marshal(envelope{Type: m.Type, Body: m.Body})
	if err != nil {
		return nil, fmt.Errorf("link: encode %s: %w", m.Type, err)
	}
	crc := CalculateCRC(payload)
	data := append(payload, byte(crc>>8), byte(crc))
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameSize, len(data), MaxFrameSize)
	}

	frame := make([]byte, 0, len(data)*2+2)
	frame = append(frame, StartByte)
	frame = append(frame, stuffBytes(data)...)
	frame = append(frame, EndByte)
	return frame, nil
}

// decodeData parses an unstuffed data section.
func decodeData(data []byte) (Message, error) {
	if len(data) < 3 {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	payload, tail := data[:len(data)-2], data[len(data)-2:]
	want := uint16(tail[0])<<8 | uint16(tail[1])
	if got := CalculateCRC(payload); got != want {
		return Message{}, fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrCRC, got, want)
	}
	var env envelope
	if err := cbor.Unmarshal(payload, &env); err != nil {
		return Message{}, fmt.Errorf("link: decode cbor: %w", err)
	}
	return Message{Type: env.Type, Body: env.Body}, nil
}

// CalculateCRC computes the CRC-16-CCITT checksum of data.
func CalculateCRC(data []byte) uint16 {
	crc := uint16(crcInitial)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ crcPolynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func stuffBytes(data []byte) []byte {
	result := make([]byte, 0, len(data)*2)
	for _, b := range data {
		if b == StartByte || b == EndByte || b == EscByte {
			result = append(result, EscByte, b^EscXor)
		} else {
			result = append(result, b)
		}
	}
	return result
}

// Decoder reassembles messages from a byte stream. Bytes outside a frame
// are ignored, and a START byte always begins a new frame.
type Decoder struct {
	buf     []byte
	inFrame bool
	escape  bool
}

// NewDecoder creates a decoder.
func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, MaxFrameSize)}
}

// Reset discards any partial frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.inFrame = false
	d.escape = false
}

// DecodeByte feeds one byte. It returns a message when b completes a valid
// frame, and an error when b completes a corrupt one.
func (d *Decoder) DecodeByte(b byte) (*Message, error) {
	switch {
	case b == StartByte:
		d.Reset()
		d.inFrame = true
		return nil, nil
	case !d.inFrame:
		return nil, nil
	case b == EndByte:
		data := d.buf
		escaped := d.escape
		d.Reset()
		if escaped {
			return nil, fmt.Errorf("link: frame ends inside escape sequence")
		}
		m, err := decodeData(data)
		if err != nil {
			return nil, err
		}
		return &m, nil
	case b == EscByte && !d.escape:
		d.escape = true
		return nil, nil
	}

	if d.escape {
		b ^= EscXor
		d.escape = false
	}
	if len(d.buf) >= MaxFrameSize {
		d.Reset()
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrFrameSize, MaxFrameSize)
	}
	d.buf = append(d.buf, b)
	return nil, nil
}
