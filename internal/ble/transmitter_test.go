package ble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/meshlight/internal/ble/protocol"
	"github.com/chaz8081/meshlight/internal/mesh"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type results struct {
	mu   sync.Mutex
	errs map[mesh.Address][]error
	ch   chan struct{}
}

func newResults() *results {
	return &results{errs: map[mesh.Address][]error{}, ch: make(chan struct{}, 256)}
}

func (r *results) done(addr mesh.Address) func(error) {
	return func(err error) {
		r.mu.Lock()
		r.errs[addr] = append(r.errs[addr], err)
		r.mu.Unlock()
		r.ch <- struct{}{}
	}
}

func (r *results) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for completion %d of %d", i+1, n)
		}
	}
}

func (r *results) get(addr mesh.Address) []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs[addr]...)
}

func startTransmitter(t *testing.T, adapter *mockAdapter, opts TransmitterOptions) (*Transmitter, context.CancelFunc, chan error) {
	t.Helper()
	tx := NewTransmitter(adapter, opts)
	tx.sleep = noSleep
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- tx.Run(ctx) }()
	return tx, cancel, errCh
}

func TestTransmitterAdvertisesFrame(t *testing.T) {
	adapter := newMockAdapter()
	tx, cancel, _ := startTransmitter(t, adapter, TransmitterOptions{AdvertiseFor: 80 * time.Millisecond})
	defer cancel()

	res := newResults()
	frame := []byte{0xde, 0xad, 0xbe, 0xef}
	tx.Send(5, frame, res.done(5))
	res.wait(t, 1)

	if errs := res.get(5); len(errs) != 1 || errs[0] != nil {
		t.Fatalf("completion = %v, want [nil]", errs)
	}
	adv := adapter.advertised()
	if len(adv) != 1 {
		t.Fatalf("got %d advertisements, want 1", len(adv))
	}
	if adv[0].companyID != protocol.CompanyID {
		t.Errorf("companyID = %#x, want %#x", adv[0].companyID, protocol.CompanyID)
	}
	if !bytes.Equal(adv[0].payload, frame) {
		t.Errorf("payload = %x, want %x", adv[0].payload, frame)
	}
	if adv[0].duration != 80*time.Millisecond {
		t.Errorf("duration = %v, want 80ms", adv[0].duration)
	}
}

func TestTransmitterReportsAdvertiseFailure(t *testing.T) {
	adapter := newMockAdapter()
	adapter.advErrs = []error{errRadio}
	tx, cancel, _ := startTransmitter(t, adapter, DefaultTransmitterOptions())
	defer cancel()

	res := newResults()
	tx.Send(1, []byte{1}, res.done(1))
	tx.Send(1, []byte{2}, res.done(1))
	res.wait(t, 2)

	errs := res.get(1)
	if !errors.Is(errs[0], errRadio) {
		t.Errorf("first completion = %v, want errRadio", errs[0])
	}
	if errs[1] != nil {
		t.Errorf("second completion = %v, want nil", errs[1])
	}
}

func TestTransmitterQueueOverflowDropsOldest(t *testing.T) {
	adapter := newMockAdapter()
	tx := NewTransmitter(adapter, TransmitterOptions{QueueSize: 2})

	res := newResults()
	for a := mesh.Address(1); a <= 3; a++ {
		tx.Send(a, []byte{byte(a)}, res.done(a))
	}
	res.wait(t, 1)

	if errs := res.get(1); len(errs) != 1 || !errors.Is(errs[0], ErrQueueFull) {
		t.Errorf("address 1 completion = %v, want ErrQueueFull", errs)
	}
	if tx.QueueLen() != 2 {
		t.Errorf("QueueLen() = %d, want 2", tx.QueueLen())
	}
}

func TestTransmitterReenablesAfterAdapterDown(t *testing.T) {
	adapter := newMockAdapter()
	adapter.advErrs = []error{fmt.Errorf("link lost: %w", ErrAdapterDown)}
	adapter.enableErrs = []error{nil, errRadio, errRadio}
	tx, cancel, _ := startTransmitter(t, adapter, DefaultTransmitterOptions())
	defer cancel()

	res := newResults()
	tx.Send(2, []byte{1}, res.done(2))
	tx.Send(2, []byte{2}, res.done(2))
	res.wait(t, 2)

	errs := res.get(2)
	if !errors.Is(errs[0], ErrAdapterDown) || errs[1] != nil {
		t.Fatalf("completions = %v, want [ErrAdapterDown nil]", errs)
	}
	// initial enable, two failed re-enables, one success
	if got := adapter.enables(); got != 4 {
		t.Errorf("Enable() calls = %d, want 4", got)
	}
	if !tx.Enabled() {
		t.Error("transmitter should be enabled again")
	}
}

func TestTransmitterFailsQueuedFramesOnClose(t *testing.T) {
	adapter := newMockAdapter()
	// Never enables, so frames stay queued until Run returns.
	adapter.enableErr = errRadio
	tx := NewTransmitter(adapter, DefaultTransmitterOptions())
	tx.sleep = func(ctx context.Context, _ time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- tx.Run(ctx) }()

	res := newResults()
	tx.Send(3, []byte{1}, res.done(3))
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	res.wait(t, 1)
	if errs := res.get(3); len(errs) != 1 || !errors.Is(errs[0], ErrClosed) {
		t.Errorf("completion = %v, want ErrClosed", errs)
	}

	tx.Send(4, []byte{1}, res.done(4))
	res.wait(t, 1)
	if errs := res.get(4); len(errs) != 1 || !errors.Is(errs[0], ErrClosed) {
		t.Errorf("send after close = %v, want ErrClosed", errs)
	}
}

func TestReconnectBackoff(t *testing.T) {
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // still capped
	}

	for i, want := range delays {
		got := backoffDelay(i, 30)
		if got != want {
			t.Errorf("backoffDelay(%d, 30) = %v, want %v", i, got, want)
		}
	}
	if got := backoffDelay(80, 30); got != 30*time.Second {
		t.Errorf("backoffDelay(80, 30) = %v, want 30s", got)
	}
}
