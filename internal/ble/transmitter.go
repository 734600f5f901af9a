package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/meshlight/internal/ble/protocol"
	"github.com/chaz8081/meshlight/internal/mesh"
)

var (
	ErrQueueFull = errors.New("ble: transmit queue full")
	ErrClosed    = errors.New("ble: transmitter closed")
)

// TransmitterOptions configures the advertising transmitter.
type TransmitterOptions struct {
	CompanyID    uint16        // manufacturer id frames are broadcast under
	QueueSize    int           // max frames waiting for the radio
	AdvertiseFor time.Duration // how long each frame stays on air
	ReconnectMax int           // max re-enable backoff in seconds
}

// DefaultTransmitterOptions returns sensible defaults.
func DefaultTransmitterOptions() TransmitterOptions {
	return TransmitterOptions{
		CompanyID:    protocol.CompanyID,
		QueueSize:    64,
		AdvertiseFor: 150 * time.Millisecond,
		ReconnectMax: 30,
	}
}

type job struct {
	addr  mesh.Address
	frame []byte
	done  func(error)
}

// Transmitter broadcasts control frames one at a time through an Adapter.
// Send never blocks; outcomes are reported through the done callback,
// which is called exactly once per frame.
type Transmitter struct {
	adapter Adapter
	opts    TransmitterOptions

	mu      sync.Mutex
	queue   []job
	enabled bool
	closed  bool
	wake    chan struct{}

	// sleep is replaced in tests to skip backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTransmitter creates a transmitter. Call Run to start it.
func NewTransmitter(adapter Adapter, opts TransmitterOptions) *Transmitter {
	def := DefaultTransmitterOptions()
	if opts.CompanyID == 0 {
		opts.CompanyID = def.CompanyID
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.AdvertiseFor <= 0 {
		opts.AdvertiseFor = def.AdvertiseFor
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}
	return &Transmitter{
		adapter: adapter,
		opts:    opts,
		wake:    make(chan struct{}, 1),
		sleep:   sleepCtx,
	}
}

// Send queues frame for broadcast. When the queue is full the oldest frame
// is dropped and failed with ErrQueueFull.
func (t *Transmitter) Send(addr mesh.Address, frame []byte, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		done(ErrClosed)
		return
	}
	var dropped *job
	if len(t.queue) >= t.opts.QueueSize {
		slog.Warn("[BLE] queue full, dropping oldest frame", "address", t.queue[0].addr)
		d := t.queue[0]
		dropped = &d
		t.queue = t.queue[1:]
	}
	t.queue = append(t.queue, job{addr: addr, frame: frame, done: done})
	t.mu.Unlock()

	if dropped != nil {
		dropped.done(ErrQueueFull)
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// QueueLen returns the number of queued frames.
func (t *Transmitter) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Run enables the adapter and drains the queue until ctx is done. Frames
// still queued on return are failed with ErrClosed.
func (t *Transmitter) Run(ctx context.Context) error {
	defer t.close()

	if !t.enable(ctx) {
		return nil
	}
	for {
		j, ok := t.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-t.wake:
				continue
			}
		}

		err := t.adapter.Advertise(ctx, t.opts.CompanyID, j.frame, t.opts.AdvertiseFor)
		if err != nil && ctx.Err() != nil {
			j.done(ErrClosed)
			return nil
		}
		j.done(err)

		if errors.Is(err, ErrAdapterDown) {
			slog.Warn("[BLE] adapter down, re-enabling...", "error", err)
			t.setEnabled(false)
			if !t.enable(ctx) {
				return nil
			}
		} else if err != nil {
			slog.Debug("[BLE] advertise failed", "address", j.addr, "error", err)
		}
	}
}

func (t *Transmitter) next() (job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return job{}, false
	}
	j := t.queue[0]
	t.queue = t.queue[1:]
	return j, true
}

func (t *Transmitter) setEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

// Enabled reports whether the adapter is currently usable.
func (t *Transmitter) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// enable retries adapter.Enable with exponential backoff until it succeeds
// or ctx is done. Queued frames wait. It reports false when ctx ended first.
func (t *Transmitter) enable(ctx context.Context) bool {
	for attempt := 0; ; attempt++ {
		// On the first attempt, try immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, t.opts.ReconnectMax)
			slog.Info("[BLE] enable backoff", "attempt", attempt+1, "delay", delay)
			if err := t.sleep(ctx, delay); err != nil {
				return false
			}
		}
		if err := t.adapter.Enable(); err != nil {
			slog.Warn("[BLE] enable failed", "error", err, "attempt", attempt+1)
			continue
		}
		t.setEnabled(true)
		if attempt > 0 {
			slog.Info("[BLE] adapter enabled", "queued", t.QueueLen())
		}
		return true
	}
}

func (t *Transmitter) close() {
	t.mu.Lock()
	t.closed = true
	t.enabled = false
	queued := t.queue
	t.queue = nil
	t.mu.Unlock()

	if len(queued) > 0 {
		slog.Warn("[BLE] closing with unsent frames", "count", len(queued))
	}
	for _, j := range queued {
		j.done(ErrClosed)
	}
}

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt >= 31 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("ble: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
