package ble

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

// newAckingAdapter returns an adapter whose fixtures answer every write on
// the control characteristic with ack on the notify characteristic.
func newAckingAdapter(ack []byte) *mockAdapter {
	a := newMockAdapter()
	a.newConn = func() *mockConnection {
		conn := newMockConnection()
		conn.writeChar.onWrite = func([]byte) {
			conn.notifyChar.SimulateNotification(ack)
		}
		return conn
	}
	return a
}

func TestPairerWriteReturnsAck(t *testing.T) {
	adapter := newAckingAdapter([]byte{0x01})
	p := NewPairer(adapter, PairOptions{Timeout: time.Second})

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	ack, err := p.Write(context.Background(), "AA:BB:CC:DD:EE:FF", payload)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !bytes.Equal(ack, []byte{0x01}) {
		t.Errorf("ack = %x, want 01", ack)
	}

	conn := adapter.latestConnection()
	writes := conn.writeChar.written()
	if len(writes) != 1 || !bytes.Equal(writes[0], payload) {
		t.Errorf("writes = %x, want [%x]", writes, payload)
	}
	if !conn.isDisconnected() {
		t.Error("connection should be closed after pairing")
	}
}

func TestPairerTimeoutWithoutAck(t *testing.T) {
	adapter := newMockAdapter()
	p := NewPairer(adapter, PairOptions{Timeout: 50 * time.Millisecond})

	_, err := p.Write(context.Background(), "AA:BB:CC:DD:EE:FF", []byte{1})
	if !errors.Is(err, ErrNoAck) {
		t.Fatalf("Write() error = %v, want ErrNoAck", err)
	}
	if !adapter.latestConnection().isDisconnected() {
		t.Error("connection should be closed after timeout")
	}
}

func TestPairerRespectsCallerContext(t *testing.T) {
	adapter := newMockAdapter()
	p := NewPairer(adapter, PairOptions{Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Write(ctx, "AA:BB:CC:DD:EE:FF", []byte{1}); !errors.Is(err, ErrNoAck) {
		t.Fatalf("Write() error = %v, want ErrNoAck", err)
	}
}

func TestPairerConnectFailure(t *testing.T) {
	adapter := newMockAdapter()
	adapter.connectErr = errRadio
	p := NewPairer(adapter, DefaultPairOptions())

	_, err := p.Write(context.Background(), "AA:BB:CC:DD:EE:FF", []byte{1})
	if !errors.Is(err, errRadio) {
		t.Fatalf("Write() error = %v, want errRadio", err)
	}
}

func TestPairerWriteFailure(t *testing.T) {
	adapter := newMockAdapter()
	adapter.newConn = func() *mockConnection {
		conn := newMockConnection()
		conn.writeChar.writeErr = errRadio
		return conn
	}
	p := NewPairer(adapter, DefaultPairOptions())

	if _, err := p.Write(context.Background(), "AA:BB:CC:DD:EE:FF", []byte{1}); !errors.Is(err, errRadio) {
		t.Fatalf("Write() error = %v, want errRadio", err)
	}
}

func TestPairerEnableFailure(t *testing.T) {
	adapter := newMockAdapter()
	adapter.enableErrs = []error{errRadio}
	p := NewPairer(adapter, DefaultPairOptions())

	if _, err := p.Write(context.Background(), "AA:BB:CC:DD:EE:FF", []byte{1}); !errors.Is(err, errRadio) {
		t.Fatalf("Write() error = %v, want errRadio", err)
	}
}
