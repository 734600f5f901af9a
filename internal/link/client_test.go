package link

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/meshlight/internal/ble"
	"github.com/chaz8081/meshlight/internal/mesh"
)

// fakeRelay serves the relay side of a net.Pipe.
type fakeRelay struct {
	t       *testing.T
	mu      sync.Mutex
	conn    net.Conn
	got     []Message
	handler func(r *fakeRelay, m Message) // replies; nil means ok result
	dials   int
	dialErr error
}

func newFakeRelay(t *testing.T) *fakeRelay {
	return &fakeRelay{t: t}
}

func (r *fakeRelay) dial(context.Context) (io.ReadWriteCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dials++
	if r.dialErr != nil {
		return nil, r.dialErr
	}
	host, relay := net.Pipe()
	r.conn = relay
	go r.serve(relay)
	return host, nil
}

func (r *fakeRelay) serve(conn net.Conn) {
	dec := NewDecoder()
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		for _, b := range buf[:n] {
			m, _ := dec.DecodeByte(b)
			if m == nil {
				continue
			}
			r.mu.Lock()
			r.got = append(r.got, *m)
			h := r.handler
			r.mu.Unlock()
			if h != nil {
				h(r, *m)
			} else {
				r.reply(Message{Type: MsgResult, Body: Body{ID: m.Body.ID, Firmware: "relay-1.0"}})
			}
		}
		if err != nil {
			return
		}
	}
}

func (r *fakeRelay) reply(m Message) {
	wire, err := Encode(m)
	if err != nil {
		r.t.Errorf("Encode() error = %v", err)
		return
	}
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	_, _ = conn.Write(wire)
}

func (r *fakeRelay) received(typ MsgType) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.got {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (r *fakeRelay) dialCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dials
}

func (r *fakeRelay) hangUp() {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	_ = conn.Close()
}

func newTestClient(r *fakeRelay) *Client {
	return NewClient(r.dial, Options{DialTimeout: time.Second, RequestTimeout: 200 * time.Millisecond})
}

func TestClientEnableHandshake(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(relay)
	defer c.Close()

	require.NoError(t, c.Enable())
	assert.True(t, c.Connected())
	assert.Equal(t, "relay-1.0", c.Firmware())
	assert.Len(t, relay.received(MsgHello), 1)

	// Already connected: no second dial.
	require.NoError(t, c.Enable())
	assert.Equal(t, 1, relay.dialCount())
}

func TestClientEnableDialFailure(t *testing.T) {
	relay := newFakeRelay(t)
	relay.dialErr = errors.New("no such port")
	c := newTestClient(relay)

	err := c.Enable()
	assert.ErrorIs(t, err, ble.ErrAdapterDown)
	assert.False(t, c.Connected())
}

func TestClientAdvertise(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(relay)
	defer c.Close()
	require.NoError(t, c.Enable())

	payload := []byte{1, 2, 3}
	require.NoError(t, c.Advertise(context.Background(), 0xF0FF, payload, 150*time.Millisecond))

	adv := relay.received(MsgAdvertise)
	require.Len(t, adv, 1)
	assert.Equal(t, uint16(0xF0FF), adv[0].Body.CompanyID)
	assert.Equal(t, payload, adv[0].Body.Payload)
	assert.Equal(t, uint32(150), adv[0].Body.DurationMS)
}

func TestClientRelayError(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(relay)
	defer c.Close()
	require.NoError(t, c.Enable())

	relay.mu.Lock()
	relay.handler = func(r *fakeRelay, m Message) {
		r.reply(Message{Type: MsgResult, Body: Body{ID: m.Body.ID, Error: "radio busy"}})
	}
	relay.mu.Unlock()

	err := c.Advertise(context.Background(), 0xF0FF, []byte{1}, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrRelay)
	assert.True(t, c.Connected())
}

func TestClientUnresponsiveRelayIsAdapterDown(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(relay)
	defer c.Close()
	require.NoError(t, c.Enable())

	relay.mu.Lock()
	relay.handler = func(*fakeRelay, Message) {}
	relay.mu.Unlock()

	err := c.Advertise(context.Background(), 0xF0FF, []byte{1}, 10*time.Millisecond)
	assert.ErrorIs(t, err, ble.ErrAdapterDown)
	assert.False(t, c.Connected())
}

func TestClientConnectionLossFailsPending(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(relay)
	defer c.Close()
	require.NoError(t, c.Enable())

	relay.mu.Lock()
	relay.handler = func(r *fakeRelay, m Message) {
		if m.Type == MsgAdvertise {
			go r.hangUp()
		}
	}
	relay.mu.Unlock()

	err := c.Advertise(context.Background(), 0xF0FF, []byte{1}, time.Second)
	assert.ErrorIs(t, err, ble.ErrAdapterDown)
	require.Eventually(t, func() bool { return !c.Connected() }, time.Second, 5*time.Millisecond)

	// Enable redials after a loss.
	relay.mu.Lock()
	relay.handler = nil
	relay.mu.Unlock()
	require.NoError(t, c.Enable())
	assert.Equal(t, 2, relay.dialCount())
}

func TestClientScanForwardsReports(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(relay)
	defer c.Close()

	reports := make(chan mesh.Advertisement, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Scan(ctx, func(adv mesh.Advertisement) { reports <- adv })
	}()

	require.Eventually(t, func() bool { return len(relay.received(MsgScan)) == 1 }, time.Second, 5*time.Millisecond)
	relay.reply(Message{Type: MsgReport, Body: Body{CompanyID: 0xF0FF, Payload: []byte{9, 9}, MAC: "AA:BB:CC:DD:EE:01", RSSI: -60}})

	select {
	case adv := <-reports:
		assert.Equal(t, uint16(0xF0FF), adv.CompanyID)
		assert.Equal(t, []byte{9, 9}, adv.Payload)
		assert.Equal(t, "AA:BB:CC:DD:EE:01", adv.MAC)
		assert.Equal(t, int8(-60), adv.RSSI)
	case <-time.After(time.Second):
		t.Fatal("report not delivered")
	}

	cancel()
	require.NoError(t, <-done)
	scans := relay.received(MsgScan)
	require.Len(t, scans, 2)
	assert.True(t, scans[0].Body.Enable)
	assert.False(t, scans[1].Body.Enable)
}

func TestClientPairingOverRelay(t *testing.T) {
	relay := newFakeRelay(t)
	relay.handler = func(r *fakeRelay, m Message) {
		r.reply(Message{Type: MsgResult, Body: Body{ID: m.Body.ID}})
		if m.Type == MsgWrite {
			r.reply(Message{Type: MsgNotify, Body: Body{MAC: m.Body.MAC, Char: ble.NotifyCharUUID, Payload: []byte{0x01}}})
		}
	}
	c := newTestClient(relay)
	defer c.Close()

	p := ble.NewPairer(c, ble.PairOptions{Timeout: time.Second})
	ack, err := p.Write(context.Background(), "AA:BB:CC:DD:EE:02", []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, ack)

	writes := relay.received(MsgWrite)
	require.Len(t, writes, 1)
	assert.Equal(t, ble.WriteCharUUID, writes[0].Body.Char)
	assert.Equal(t, []byte{1, 2, 3}, writes[0].Body.Payload)
	assert.Len(t, relay.received(MsgConnect), 1)
	assert.Len(t, relay.received(MsgDisconnect), 1)
}

func TestClientLostPeerFiresDisconnect(t *testing.T) {
	relay := newFakeRelay(t)
	c := newTestClient(relay)
	defer c.Close()

	conn, err := c.Connect(context.Background(), "AA:BB:CC:DD:EE:03")
	require.NoError(t, err)
	lost := make(chan struct{})
	conn.OnDisconnect(func() { close(lost) })

	relay.reply(Message{Type: MsgLost, Body: Body{MAC: "AA:BB:CC:DD:EE:03"}})
	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("OnDisconnect not called")
	}
}
