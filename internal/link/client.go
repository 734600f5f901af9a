package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/meshlight/internal/ble"
	"github.com/chaz8081/meshlight/internal/mesh"
)

// ErrRelay is returned when the relay answers a request with an error.
var ErrRelay = errors.New("link: relay error")

// Options configures a relay client.
type Options struct {
	DialTimeout    time.Duration // dial plus hello handshake
	RequestTimeout time.Duration // per request, added to advertise durations
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		DialTimeout:    15 * time.Second,
		RequestTimeout: 2 * time.Second,
	}
}

type result struct {
	body Body
	err  error
}

// Client drives a remote radio relay. It implements ble.Adapter, so the
// transmitter, pairer and discovery code run unchanged over a relay.
//
// Enable dials lazily and is safe to call again after the link drops;
// the caller's re-enable loop provides the reconnect backoff.
type Client struct {
	dial Dialer
	opts Options

	enableMu sync.Mutex // serializes dialing
	writeMu  sync.Mutex // one frame on the wire at a time
	nextID   atomic.Uint32

	mu          sync.Mutex
	conn        io.ReadWriteCloser
	firmware    string
	pending     map[uint32]chan result
	scanners    map[uint64]func(mesh.Advertisement)
	nextScanner uint64
	peers       map[string]*relayConnection // keyed by MAC
}

// NewClient creates a client that reaches the relay through dial.
func NewClient(dial Dialer, opts Options) *Client {
	def := DefaultOptions()
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	return &Client{
		dial:     dial,
		opts:     opts,
		pending:  make(map[uint32]chan result),
		scanners: make(map[uint64]func(mesh.Advertisement)),
		peers:    make(map[string]*relayConnection),
	}
}

// Compile-time check that Client implements ble.Adapter.
var _ ble.Adapter = (*Client)(nil)

// Enable connects to the relay and performs the hello handshake. It is a
// no-op while connected.
func (c *Client) Enable() error {
	c.enableMu.Lock()
	defer c.enableMu.Unlock()

	if c.Connected() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ble.ErrAdapterDown, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)

	hello, err := c.request(ctx, Message{Type: MsgHello})
	if err != nil {
		c.drop(conn, err)
		return fmt.Errorf("%w: hello: %v", ble.ErrAdapterDown, err)
	}

	c.mu.Lock()
	c.firmware = hello.Firmware
	scanning := len(c.scanners) > 0
	c.mu.Unlock()
	slog.Info("[LINK] relay connected", "firmware", hello.Firmware)

	if scanning {
		if _, err := c.request(ctx, Message{Type: MsgScan, Body: Body{Enable: true}}); err != nil {
			slog.Warn("[LINK] failed to resume scanning", "error", err)
		}
	}
	return nil
}

// Connected reports whether a relay connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Firmware returns the version string the relay reported at hello.
func (c *Client) Firmware() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firmware
}

// Close drops the relay connection. Pending requests fail with
// ble.ErrAdapterDown.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.drop(conn, errors.New("closed"))
	}
	return nil
}

// Advertise asks the relay to broadcast payload for d. A relay that does
// not answer within d plus the request timeout is treated as lost.
func (c *Client) Advertise(ctx context.Context, companyID uint16, payload []byte, d time.Duration) error {
	reqCtx, cancel := context.WithTimeout(ctx, d+c.opts.RequestTimeout)
	defer cancel()

	_, err := c.request(reqCtx, Message{Type: MsgAdvertise, Body: Body{
		CompanyID:  companyID,
		Payload:    payload,
		DurationMS: uint32(d / time.Millisecond),
	}})
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		c.dropCurrent(err)
		return fmt.Errorf("%w: relay unresponsive", ble.ErrAdapterDown)
	}
	return err
}

// Scan forwards relay advertisement reports to onAdv until ctx is done.
// Concurrent scans share one relay-side scan.
func (c *Client) Scan(ctx context.Context, onAdv func(mesh.Advertisement)) error {
	if err := c.Enable(); err != nil {
		return err
	}

	c.mu.Lock()
	id := c.nextScanner
	c.nextScanner++
	c.scanners[id] = onAdv
	first := len(c.scanners) == 1
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.scanners, id)
		last := len(c.scanners) == 0
		c.mu.Unlock()
		if last && c.Connected() {
			stopCtx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
			defer cancel()
			if _, err := c.request(stopCtx, Message{Type: MsgScan}); err != nil {
				slog.Debug("[LINK] stop scan failed", "error", err)
			}
		}
	}()

	if first {
		reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
		_, err := c.request(reqCtx, Message{Type: MsgScan, Body: Body{Enable: true}})
		cancel()
		if err != nil {
			return fmt.Errorf("link: start scan: %w", err)
		}
	}

	<-ctx.Done()
	return nil
}

// Connect opens a GATT connection through the relay.
func (c *Client) Connect(ctx context.Context, mac string) (ble.Connection, error) {
	if err := c.Enable(); err != nil {
		return nil, err
	}
	if _, err := c.request(ctx, Message{Type: MsgConnect, Body: Body{MAC: mac}}); err != nil {
		return nil, fmt.Errorf("link: connect to %s: %w", mac, err)
	}

	conn := &relayConnection{client: c, mac: mac, subscribers: make(map[string]func([]byte))}
	c.mu.Lock()
	c.peers[mac] = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) request(ctx context.Context, m Message) (Body, error) {
	m.Body.ID = c.nextID.Add(1)
	frame, err := Encode(m)
	if err != nil {
		return Body{}, err
	}

	ch := make(chan result, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return Body{}, fmt.Errorf("%w: relay not connected", ble.ErrAdapterDown)
	}
	c.pending[m.Body.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, m.Body.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	_, err = conn.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.drop(conn, err)
		return Body{}, fmt.Errorf("%w: write: %v", ble.ErrAdapterDown, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return Body{}, r.err
		}
		if r.body.Error != "" {
			return Body{}, fmt.Errorf("%w: %s: %s", ErrRelay, m.Type, r.body.Error)
		}
		return r.body, nil
	case <-ctx.Done():
		return Body{}, fmt.Errorf("link: %s request: %w", m.Type, ctx.Err())
	}
}

func (c *Client) readLoop(conn io.ReadWriteCloser) {
	dec := NewDecoder()
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		for _, b := range buf[:n] {
			m, derr := dec.DecodeByte(b)
			if derr != nil {
				slog.Debug("[LINK] dropped corrupt frame", "error", derr)
				continue
			}
			if m != nil {
				c.dispatch(*m)
			}
		}
		if err != nil {
			slog.Warn("[LINK] relay connection lost", "error", err)
			c.drop(conn, err)
			return
		}
	}
}

func (c *Client) dispatch(m Message) {
	switch m.Type {
	case MsgResult:
		c.mu.Lock()
		ch, ok := c.pending[m.Body.ID]
		c.mu.Unlock()
		if !ok {
			slog.Debug("[LINK] result for unknown request", "id", m.Body.ID)
			return
		}
		select {
		case ch <- result{body: m.Body}:
		default:
		}

	case MsgReport:
		adv := mesh.Advertisement{
			CompanyID:  m.Body.CompanyID,
			Payload:    m.Body.Payload,
			RSSI:       m.Body.RSSI,
			MAC:        m.Body.MAC,
			ReceivedAt: time.Now(),
		}
		c.mu.Lock()
		scanners := make([]func(mesh.Advertisement), 0, len(c.scanners))
		for _, fn := range c.scanners {
			scanners = append(scanners, fn)
		}
		c.mu.Unlock()
		for _, fn := range scanners {
			fn(adv)
		}

	case MsgNotify:
		c.mu.Lock()
		peer := c.peers[m.Body.MAC]
		c.mu.Unlock()
		if peer != nil {
			peer.notify(m.Body.Char, m.Body.Payload)
		}

	case MsgLost:
		c.mu.Lock()
		peer := c.peers[m.Body.MAC]
		delete(c.peers, m.Body.MAC)
		c.mu.Unlock()
		if peer != nil {
			peer.lost()
		}

	default:
		slog.Debug("[LINK] ignoring message", "type", m.Type)
	}
}

func (c *Client) dropCurrent(cause error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.drop(conn, cause)
	}
}

// drop tears down conn if it is still current, failing everything that
// depended on it.
func (c *Client) drop(conn io.ReadWriteCloser, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[uint32]chan result)
	peers := c.peers
	c.peers = make(map[string]*relayConnection)
	c.mu.Unlock()

	_ = conn.Close()
	for _, ch := range pending {
		select {
		case ch <- result{err: fmt.Errorf("%w: %v", ble.ErrAdapterDown, cause)}:
		default:
		}
	}
	for _, p := range peers {
		p.lost()
	}
}

type relayConnection struct {
	client *Client
	mac    string

	mu           sync.Mutex
	subscribers  map[string]func([]byte) // keyed by characteristic UUID
	disconnectCb func()
}

func (r *relayConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	if serviceUUID != ble.ServiceUUID {
		return nil, fmt.Errorf("link: relay only exposes service %s, not %s", ble.ServiceUUID, serviceUUID)
	}
	return &relayCharacteristic{conn: r, uuid: charUUID}, nil
}

func (r *relayConnection) Disconnect() error {
	c := r.client
	c.mu.Lock()
	if c.peers[r.mac] == r {
		delete(c.peers, r.mac)
	}
	c.mu.Unlock()
	if !c.Connected() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	_, err := c.request(ctx, Message{Type: MsgDisconnect, Body: Body{MAC: r.mac}})
	return err
}

func (r *relayConnection) OnDisconnect(cb func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnectCb = cb
}

func (r *relayConnection) notify(char string, payload []byte) {
	r.mu.Lock()
	cb := r.subscribers[char]
	r.mu.Unlock()
	if cb != nil {
		cb(payload)
	}
}

func (r *relayConnection) lost() {
	r.mu.Lock()
	cb := r.disconnectCb
	r.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type relayCharacteristic struct {
	conn *relayConnection
	uuid string
}

func (ch *relayCharacteristic) Write(data []byte) error {
	c := ch.conn.client
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
	defer cancel()
	_, err := c.request(ctx, Message{Type: MsgWrite, Body: Body{
		MAC:     ch.conn.mac,
		Char:    ch.uuid,
		Payload: data,
	}})
	return err
}

func (ch *relayCharacteristic) Subscribe(cb func([]byte)) error {
	ch.conn.mu.Lock()
	defer ch.conn.mu.Unlock()
	ch.conn.subscribers[ch.uuid] = cb
	return nil
}
