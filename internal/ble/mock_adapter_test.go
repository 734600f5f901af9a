package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/meshlight/internal/mesh"
)

// mockCharacteristic records writes and allows subscribing.
type mockCharacteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	callback func([]byte)
	onWrite  func(data []byte) // optional device-side reaction
	writeErr error
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	hook := c.onWrite
	c.mu.Unlock()
	if hook != nil {
		hook(cp)
	}
	return nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

// SimulateNotification sends a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *mockCharacteristic) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// mockConnection simulates a GATT connection to a fixture.
type mockConnection struct {
	mu           sync.Mutex
	writeChar    *mockCharacteristic
	notifyChar   *mockCharacteristic
	disconnectCb func()
	disconnected bool
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		writeChar:  &mockCharacteristic{},
		notifyChar: &mockCharacteristic{},
	}
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	if serviceUUID != ServiceUUID {
		return nil, fmt.Errorf("mock: unknown service UUID %q", serviceUUID)
	}
	switch charUUID {
	case WriteCharUUID:
		return c.writeChar, nil
	case NotifyCharUUID:
		return c.notifyChar, nil
	default:
		return nil, fmt.Errorf("mock: unknown characteristic UUID %q", charUUID)
	}
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *mockConnection) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

type recordedAdvert struct {
	companyID uint16
	payload   []byte
	duration  time.Duration
}

// mockAdapter simulates the radio.
type mockAdapter struct {
	mu          sync.Mutex
	enableCalls int
	enableErrs  []error // consumed one per Enable call
	enableErr   error   // returned once enableErrs is exhausted
	advErrs     []error // consumed one per Advertise call
	adverts     []recordedAdvert
	scanFeed    []mesh.Advertisement
	connectErr  error
	connection  *mockConnection // most recent connection for test assertions
	newConn     func() *mockConnection
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{newConn: newMockConnection}
}

func (a *mockAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enableCalls++
	if len(a.enableErrs) > 0 {
		err := a.enableErrs[0]
		a.enableErrs = a.enableErrs[1:]
		return err
	}
	return a.enableErr
}

func (a *mockAdapter) Scan(ctx context.Context, onAdv func(mesh.Advertisement)) error {
	a.mu.Lock()
	feed := append([]mesh.Advertisement(nil), a.scanFeed...)
	a.mu.Unlock()
	for _, adv := range feed {
		onAdv(adv)
	}
	<-ctx.Done()
	return nil
}

func (a *mockAdapter) Advertise(_ context.Context, companyID uint16, payload []byte, d time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.adverts = append(a.adverts, recordedAdvert{companyID, append([]byte(nil), payload...), d})
	if len(a.advErrs) > 0 {
		err := a.advErrs[0]
		a.advErrs = a.advErrs[1:]
		return err
	}
	return nil
}

func (a *mockAdapter) Connect(_ context.Context, _ string) (Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	conn := a.newConn()
	a.connection = conn
	return conn, nil
}

// latestConnection returns the most recently created connection (thread-safe).
func (a *mockAdapter) latestConnection() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connection
}

func (a *mockAdapter) advertised() []recordedAdvert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]recordedAdvert(nil), a.adverts...)
}

func (a *mockAdapter) enables() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enableCalls
}

var errRadio = errors.New("mock: radio error")

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ Characteristic = (*mockCharacteristic)(nil)
}
