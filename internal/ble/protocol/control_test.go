package protocol

import (
	"bytes"
	"errors"
	"testing"

	blecrypto "github.com/chaz8081/meshlight/internal/ble/crypto"
	"github.com/chaz8081/meshlight/internal/mesh"
)

func testCipher(t *testing.T) *blecrypto.Cipher {
	t.Helper()
	c, err := blecrypto.NewCipher([]byte{0x30, 0x32, 0x33, 0x36})
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}
	return c
}

func TestBrightnessRoundTripsExactly(t *testing.T) {
	for pct := 0; pct <= mesh.MaxBrightness; pct++ {
		w := BrightnessToWire(uint8(pct))
		if w > 0x7F {
			t.Fatalf("BrightnessToWire(%d) = %d overflows 7 bits", pct, w)
		}
		if back := BrightnessFromWire(w); back != uint8(pct) {
			t.Errorf("BrightnessFromWire(BrightnessToWire(%d)) = %d", pct, back)
		}
	}
	if BrightnessToWire(100) != 0x7F {
		t.Errorf("full brightness = %d, want 127", BrightnessToWire(100))
	}
}

func TestEncodeControlLayout(t *testing.T) {
	c := testCipher(t)
	frame, err := EncodeControl(ControlCommand{
		Address: 5,
		State:   mesh.RGB(100, 0x11, 0x22, 0x33),
		Seq:     9,
		Forward: true,
	}, c)
	if err != nil {
		t.Fatalf("EncodeControl() error = %v", err)
	}
	if len(frame) != PairedStateLen {
		t.Fatalf("frame length = %d, want %d", len(frame), PairedStateLen)
	}

	header, body, _ := c.Open(frame)
	if header[hdrFlags] != 0x80|0x10 {
		t.Errorf("flags = %#02x, want 0x90", header[hdrFlags])
	}
	if header[hdrSeq] != 9 {
		t.Errorf("seq = %d, want 9", header[hdrSeq])
	}
	want := []byte{OpLightControl, 0x05, 0x00, 0x80 | 0x7F, modeRGB, 0x33, 0x11, 0x22}
	if !bytes.Equal(body[:len(want)], want) {
		t.Errorf("body = %x, want prefix %x", body, want)
	}
	if header[hdrChecksum] != checksum(header, body) {
		t.Error("checksum does not cover the frame")
	}
}

func TestEncodeControlForwardIsPassThrough(t *testing.T) {
	c := testCipher(t)
	for _, fwd := range []bool{false, true} {
		frame, err := EncodeControl(ControlCommand{Address: 1, State: mesh.Off(), Forward: fwd}, c)
		if err != nil {
			t.Fatalf("EncodeControl() error = %v", err)
		}
		got, err := DecodeControl(frame, c)
		if err != nil {
			t.Fatalf("DecodeControl() error = %v", err)
		}
		if got.Forward != fwd {
			t.Errorf("Forward = %v, want %v", got.Forward, fwd)
		}
	}
}

func TestControlRoundTrip(t *testing.T) {
	c := testCipher(t)
	var states []mesh.LightState
	for pct := uint8(0); pct <= mesh.MaxBrightness; pct += 7 {
		states = append(states,
			mesh.Dim(pct),
			mesh.RGB(pct, pct, 255-pct, pct/2),
			mesh.White(pct, 255-pct, pct),
			mesh.LightState{On: false, Brightness: pct, Mode: mesh.ColorModeRGB, Red: pct},
		)
	}
	for e := mesh.EffectRainbow; e <= mesh.EffectPolice; e++ {
		states = append(states, mesh.LightState{On: true, Brightness: 80, Mode: mesh.ColorModeRGB, Red: 1, Effect: e, EffectSpeed: e.DefaultSpeed()})
	}
	states = append(states, mesh.Off(), mesh.Dim(100))

	for i, s := range states {
		addr := mesh.Address(1 + i*613%0xFFFE)
		frame, err := EncodeControl(ControlCommand{Address: addr, State: s, Seq: uint8(i), Retry: 3, Capability: mesh.CapabilityRGBW}, c)
		if err != nil {
			t.Fatalf("EncodeControl(%v) error = %v", s, err)
		}
		got, err := DecodeControl(frame, c)
		if err != nil {
			t.Fatalf("DecodeControl(%v) error = %v", s, err)
		}
		if got.State != s {
			t.Errorf("round trip = %+v, want %+v", got.State, s)
		}
		if got.Address != addr || got.Seq != uint8(i) || got.Retry != 3 || got.Cmd != CmdControl {
			t.Errorf("header round trip = %+v", got)
		}
	}
}

func TestEncodeControlRejectsUnsupportedMode(t *testing.T) {
	c := testCipher(t)
	_, err := EncodeControl(ControlCommand{Address: 3, State: mesh.RGB(50, 255, 0, 0), Capability: mesh.CapabilityWhite}, c)
	if !errors.Is(err, mesh.ErrUnsupportedColorMode) {
		t.Errorf("EncodeControl() error = %v, want ErrUnsupportedColorMode", err)
	}
}

func TestEncodeControlRejectsInvalidInput(t *testing.T) {
	c := testCipher(t)
	if _, err := EncodeControl(ControlCommand{Address: 0, State: mesh.Off()}, c); !errors.Is(err, mesh.ErrInvalidAddress) {
		t.Errorf("zero address error = %v, want ErrInvalidAddress", err)
	}
	if _, err := EncodeControl(ControlCommand{Address: 1, State: mesh.Dim(150)}, c); !errors.Is(err, mesh.ErrInvalidState) {
		t.Errorf("brightness 150 error = %v, want ErrInvalidState", err)
	}
}

func TestEncodeControlClampsRetry(t *testing.T) {
	c := testCipher(t)
	frame, err := EncodeControl(ControlCommand{Address: 1, State: mesh.Off(), Retry: 40}, c)
	if err != nil {
		t.Fatalf("EncodeControl() error = %v", err)
	}
	got, _ := DecodeControl(frame, c)
	if got.Retry != 15 {
		t.Errorf("Retry = %d, want 15", got.Retry)
	}
}

func TestSeqChangesWireBytes(t *testing.T) {
	c := testCipher(t)
	a, _ := EncodeControl(ControlCommand{Address: 2, State: mesh.Dim(40), Seq: 1}, c)
	b, _ := EncodeControl(ControlCommand{Address: 2, State: mesh.Dim(40), Seq: 2}, c)
	if bytes.Equal(a, b) {
		t.Error("frames with different sequence numbers are identical")
	}
}

func TestDecodeControlErrors(t *testing.T) {
	c := testCipher(t)
	frame, _ := EncodeControl(ControlCommand{Address: 7, State: mesh.Off()}, c)

	if _, err := DecodeControl(frame[:20], c); !errors.Is(err, ErrFrameLength) {
		t.Errorf("short frame error = %v, want ErrFrameLength", err)
	}

	corrupted := append([]byte(nil), frame...)
	corrupted[10] ^= 0x01
	if _, err := DecodeControl(corrupted, c); !errors.Is(err, ErrChecksum) {
		t.Errorf("corrupted frame error = %v, want ErrChecksum", err)
	}

	other, _ := blecrypto.NewCipher([]byte{0x01, 0x02, 0x03, 0x05})
	if _, err := DecodeControl(frame, other); err == nil {
		t.Error("DecodeControl() with the wrong key should fail")
	}
}

func TestDecodeControlUnknownOpcode(t *testing.T) {
	c := testCipher(t)
	header := make([]byte, blecrypto.HeaderSize)
	body := make([]byte, bodyLen)
	body[offOpcode] = 0x99
	header[hdrChecksum] = checksum(header, body)
	frame, _ := c.Seal(header, body)

	if _, err := DecodeControl(frame, c); !errors.Is(err, ErrOpcode) {
		t.Errorf("DecodeControl() error = %v, want ErrOpcode", err)
	}
}

func TestDecodeControlBothModeBits(t *testing.T) {
	c := testCipher(t)
	header := make([]byte, blecrypto.HeaderSize)
	body := make([]byte, bodyLen)
	body[offOpcode] = OpLightControl
	body[offMode] = modeRGB | modeWhite
	header[hdrChecksum] = checksum(header, body)
	frame, _ := c.Seal(header, body)

	if _, err := DecodeControl(frame, c); !errors.Is(err, ErrMalformed) {
		t.Errorf("DecodeControl() error = %v, want ErrMalformed", err)
	}
}
