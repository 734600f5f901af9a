package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrNoAck is returned when a device does not acknowledge a pairing write.
var ErrNoAck = errors.New("ble: no acknowledgement from device")

// PairOptions configures pairing behavior.
type PairOptions struct {
	Timeout time.Duration // connect, write and wait for the acknowledgement
}

// DefaultPairOptions returns sensible defaults for production use.
func DefaultPairOptions() PairOptions {
	return PairOptions{
		Timeout: 10 * time.Second,
	}
}

// Pairer delivers pairing payloads over a GATT connection.
type Pairer struct {
	adapter Adapter
	opts    PairOptions
}

// NewPairer creates a pairer that connects through adapter.
func NewPairer(adapter Adapter, opts PairOptions) *Pairer {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultPairOptions().Timeout
	}
	return &Pairer{adapter: adapter, opts: opts}
}

// Write connects to mac, writes payload to the control characteristic and
// waits for the device to answer on the notify characteristic. The answer
// is returned as the acknowledgement.
func (p *Pairer) Write(ctx context.Context, mac string, payload []byte) ([]byte, error) {
	if err := p.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	conn, err := p.adapter.Connect(ctx, mac)
	if err != nil {
		return nil, fmt.Errorf("ble: connect for pairing: %w", err)
	}
	defer func() { _ = conn.Disconnect() }()

	writeChar, err := conn.DiscoverCharacteristic(ServiceUUID, WriteCharUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: discover write char: %w", err)
	}
	notifyChar, err := conn.DiscoverCharacteristic(ServiceUUID, NotifyCharUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: discover notify char: %w", err)
	}

	// Subscribe before writing so a fast answer is not missed.
	ackCh := make(chan []byte, 1)
	if err := notifyChar.Subscribe(func(data []byte) {
		ack := append([]byte(nil), data...)
		select {
		case ackCh <- ack:
		default:
		}
	}); err != nil {
		return nil, fmt.Errorf("ble: subscribe to notifications: %w", err)
	}

	if err := writeChar.Write(payload); err != nil {
		return nil, fmt.Errorf("ble: write pairing payload: %w", err)
	}
	slog.Debug("[PAIR] payload written, waiting for acknowledgement", "mac", mac, "bytes", len(payload))

	select {
	case ack := <-ackCh:
		return ack, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s after %s", ErrNoAck, mac, p.opts.Timeout)
	}
}
