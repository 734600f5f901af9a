package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/meshlight/internal/mesh"
)

// advertiseInterval is the on-air spacing of repeated advertisements.
const advertiseInterval = 20 * time.Millisecond

// NativeAdapter drives the host's own Bluetooth controller through
// tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth on macOS). On macOS
// peripheral addresses are CoreBluetooth UUIDs rather than MAC addresses;
// the MAC strings used here carry whichever form the platform reports.
type NativeAdapter struct {
	adapter *bluetooth.Adapter

	// Swapped in tests; default to the controller behind adapter.
	enableRadio      func() error
	newAdvertisement func() advertisement

	// enableMu guards enabled. Only success is remembered so a controller
	// that was off at startup can be enabled later.
	enableMu sync.Mutex
	enabled  bool

	// advMu serializes use of the single default advertisement.
	advMu sync.Mutex

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*nativeConnection // keyed by address string
}

// NewNativeAdapter creates an adapter for the default controller.
func NewNativeAdapter() *NativeAdapter {
	a := &NativeAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*nativeConnection),
	}
	a.enableRadio = a.enableController
	a.newAdvertisement = func() advertisement { return a.adapter.DefaultAdvertisement() }
	return a
}

// advertisement is the part of *bluetooth.Advertisement used here.
type advertisement interface {
	Configure(options bluetooth.AdvertisementOptions) error
	Start() error
	Stop() error
}

func (a *NativeAdapter) Enable() error {
	a.enableMu.Lock()
	defer a.enableMu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.enableRadio(); err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterDown, err)
	}
	a.enabled = true
	return nil
}

// markDown forgets a successful enable so the next Enable powers the
// controller again.
func (a *NativeAdapter) markDown() {
	a.enableMu.Lock()
	a.enabled = false
	a.enableMu.Unlock()
}

func (a *NativeAdapter) enableController() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}
	// Fire OnDisconnect callbacks for tracked connections.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok && conn.disconnectCb != nil {
			conn.disconnectCb()
		}
	})
	return nil
}

func (a *NativeAdapter) Scan(ctx context.Context, onAdv func(mesh.Advertisement)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		records := result.ManufacturerData()
		if len(records) == 0 {
			return
		}
		mac := result.Address.String()
		now := time.Now()
		for _, md := range records {
			onAdv(mesh.Advertisement{
				CompanyID:  md.CompanyID,
				Payload:    append([]byte(nil), md.Data...),
				RSSI:       clampRSSI(result.RSSI),
				MAC:        mac,
				ReceivedAt: now,
			})
		}
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *NativeAdapter) Advertise(ctx context.Context, companyID uint16, payload []byte, d time.Duration) error {
	a.advMu.Lock()
	defer a.advMu.Unlock()

	adv := a.newAdvertisement()
	err := adv.Configure(bluetooth.AdvertisementOptions{
		AdvertisementType: bluetooth.AdvertisingTypeNonConnInd,
		ManufacturerData: []bluetooth.ManufacturerDataElement{
			{CompanyID: companyID, Data: payload},
		},
		Interval: bluetooth.NewDuration(advertiseInterval),
	})
	if err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		a.markDown()
		return fmt.Errorf("%w: start advertisement: %v", ErrAdapterDown, err)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	if err := adv.Stop(); err != nil {
		a.markDown()
		return fmt.Errorf("%w: stop advertisement: %v", ErrAdapterDown, err)
	}
	return ctx.Err()
}

func (a *NativeAdapter) Connect(ctx context.Context, mac string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(mac)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", mac, result.err)
		}
		conn := &nativeConnection{device: result.device}
		a.mu.Lock()
		a.connections[result.device.Address.String()] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

// Compile-time check that NativeAdapter implements Adapter.
var _ Adapter = (*NativeAdapter)(nil)

func clampRSSI(v int16) int8 {
	switch {
	case v < -128:
		return -128
	case v > 127:
		return 127
	}
	return int8(v)
}

type nativeConnection struct {
	device       bluetooth.Device
	disconnectCb func()
}

func (c *nativeConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &nativeCharacteristic{char: chars[0]}, nil
}

func (c *nativeConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *nativeConnection) OnDisconnect(cb func()) {
	c.disconnectCb = cb
}

type nativeCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *nativeCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *nativeCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(append([]byte(nil), buf...))
	})
}
