package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestNewCipherRejectsWrongKeySize(t *testing.T) {
	for _, n := range []int{0, 1, 3, 5, 32} {
		if _, err := NewCipher(make([]byte, n)); !errors.Is(err, ErrKeySize) {
			t.Errorf("NewCipher(%d bytes) error = %v, want ErrKeySize", n, err)
		}
	}
}

func TestXORKeyStreamRepeatsKey(t *testing.T) {
	c, err := NewCipher([]byte{0x01, 0x02, 0x04, 0x08})
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}
	src := make([]byte, 9)
	dst := make([]byte, 9)
	c.XORKeyStream(dst, src)

	want := []byte{0x01, 0x02, 0x04, 0x08, 0x01, 0x02, 0x04, 0x08, 0x01}
	if !bytes.Equal(dst, want) {
		t.Errorf("keystream = %x, want %x", dst, want)
	}
}

func TestWhitenHeaderUsesMask(t *testing.T) {
	dst := make([]byte, HeaderSize)
	WhitenHeader(dst, []byte{0, 0, 0, 0})
	if !bytes.Equal(dst, []byte{0x5e, 0x36, 0x7b, 0xc4}) {
		t.Errorf("whitened zero header = %x", dst)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	c, err := NewCipher([]byte{0x30, 0x32, 0x33, 0x36})
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}
	header := []byte{0x12, 0x07, 0x00, 0x99}
	body := []byte("twenty byte payload!")

	frame, err := c.Seal(header, body)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if len(frame) != HeaderSize+len(body) {
		t.Fatalf("frame length = %d, want %d", len(frame), HeaderSize+len(body))
	}
	if bytes.Equal(frame[HeaderSize:], body) {
		t.Error("body was not transformed")
	}

	gotHeader, gotBody, err := c.Open(frame)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(gotHeader, header) {
		t.Errorf("header = %x, want %x", gotHeader, header)
	}
	if !bytes.Equal(gotBody, body) {
		t.Errorf("body = %q, want %q", gotBody, body)
	}
}

func TestSealIsDeterministic(t *testing.T) {
	c := FactoryCipher()
	a, _ := c.Seal([]byte{1, 2, 3, 4}, []byte{5, 6, 7})
	b, _ := c.Seal([]byte{1, 2, 3, 4}, []byte{5, 6, 7})
	if !bytes.Equal(a, b) {
		t.Errorf("Seal() not deterministic: %x vs %x", a, b)
	}
}

func TestOpenWithWrongKeyGarbles(t *testing.T) {
	good, _ := NewCipher([]byte{1, 2, 3, 4})
	bad, _ := NewCipher([]byte{4, 3, 2, 1})
	body := []byte{0x22, 0x05, 0x00, 0xff}
	frame, _ := good.Seal([]byte{0, 0, 0, 0}, body)

	_, got, err := bad.Open(frame)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if bytes.Equal(got, body) {
		t.Error("wrong key recovered the plaintext")
	}
}

func TestOpenShortFrame(t *testing.T) {
	if _, _, err := FactoryCipher().Open([]byte{1, 2}); err == nil {
		t.Error("Open() should reject a frame shorter than the header")
	}
}

func TestSealRejectsBadHeader(t *testing.T) {
	if _, err := FactoryCipher().Seal([]byte{1, 2, 3}, nil); err == nil {
		t.Error("Seal() should reject a 3-byte header")
	}
}
