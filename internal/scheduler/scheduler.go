// Package scheduler coalesces light state intents into control frames.
//
// Each address owns one entry that is overwritten in place: the newest
// desired state always wins and is sent only after it has been stable for
// the debounce window and at least the minimum interval has passed since the
// previous transmission to that address. Transmission is fire-and-forget;
// the sink reports the outcome through a callback, and only a confirmed
// hand-off updates the last sent state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/chaz8081/meshlight/internal/ble/protocol"
	"github.com/chaz8081/meshlight/internal/mesh"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Sink hands an encoded frame to the radio. Send must not block. done is
// called exactly once, from any goroutine, with nil when the frame reached
// the radio.
type Sink interface {
	Send(addr mesh.Address, frame []byte, done func(err error))
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(addr mesh.Address, frame []byte, done func(err error))

func (f SinkFunc) Send(addr mesh.Address, frame []byte, done func(err error)) { f(addr, frame, done) }

// Encoder turns a control command into wire bytes.
type Encoder interface {
	Encode(cmd protocol.ControlCommand) ([]byte, error)
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(cmd protocol.ControlCommand) ([]byte, error)

func (f EncoderFunc) Encode(cmd protocol.ControlCommand) ([]byte, error) { return f(cmd) }

// Options configures the scheduler.
type Options struct {
	Debounce         time.Duration // quiet period after the last change
	MinInterval      time.Duration // spacing between transmissions to one address
	Tick             time.Duration // Run polling period
	FailureThreshold int           // consecutive failures before an address is degraded
	Forward          bool          // mesh-forward flag for every frame

	// RadioRate caps frames per second across all addresses. Zero disables it.
	RadioRate  float64
	RadioBurst int

	Clock Clock

	// OnFault is called once each time an address becomes degraded.
	OnFault func(addr mesh.Address, failures int, err error)
}

// DefaultOptions returns the rates tolerated by current fastcon firmware.
func DefaultOptions() Options {
	return Options{
		Debounce:         100 * time.Millisecond,
		MinInterval:      300 * time.Millisecond,
		Tick:             20 * time.Millisecond,
		FailureThreshold: 5,
		Forward:          true,
		RadioRate:        20,
		RadioBurst:       4,
	}
}

// State is the lifecycle position of one address.
type State int

const (
	StateIdle    State = iota // nothing to send
	StatePending              // waiting for debounce or min interval
	StateSending              // frame handed to the sink, outcome unknown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateSending:
		return "sending"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a snapshot of one address.
type Status struct {
	Address    mesh.Address
	State      State
	Desired    mesh.LightState
	LastSent   *mesh.LightState
	LastSentAt time.Time
	Failures   int
	Degraded   bool
	LastError  error
}

type entry struct {
	mu   sync.Mutex
	addr mesh.Address

	desired   mesh.LightState
	pending   bool
	createdAt time.Time

	sent       bool
	lastSent   mesh.LightState
	lastSentAt time.Time

	inFlight      bool
	inFlightState mesh.LightState
	lastAttemptAt time.Time

	failures int
	degraded bool
	lastErr  error
}

// reference is the state the fixture will hold once nothing more is sent.
func (e *entry) reference() (mesh.LightState, bool) {
	if e.inFlight {
		return e.inFlightState, true
	}
	return e.lastSent, e.sent
}

func (e *entry) sendable(now time.Time, debounce, minInterval time.Duration) bool {
	if !e.pending || e.inFlight {
		return false
	}
	if now.Sub(e.createdAt) < debounce {
		return false
	}
	return e.lastAttemptAt.IsZero() || now.Sub(e.lastAttemptAt) >= minInterval
}

// Scheduler owns one entry per address. The address map lock is held only
// for lookup and insert; each entry has its own mutex.
type Scheduler struct {
	sink    Sink
	enc     Encoder
	opts    Options
	clock   Clock
	limiter *rate.Limiter

	mu      sync.RWMutex
	entries map[mesh.Address]*entry

	seq atomic.Uint32
}

// New builds a scheduler. Durations must not be negative.
func New(sink Sink, enc Encoder, opts Options) (*Scheduler, error) {
	if sink == nil || enc == nil {
		return nil, errors.New("scheduler: sink and encoder are required")
	}
	if opts.Debounce < 0 || opts.MinInterval < 0 {
		return nil, fmt.Errorf("scheduler: negative debounce %s or min interval %s", opts.Debounce, opts.MinInterval)
	}
	if opts.Tick <= 0 {
		opts.Tick = 20 * time.Millisecond
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	s := &Scheduler{
		sink:    sink,
		enc:     enc,
		opts:    opts,
		clock:   clock,
		entries: make(map[mesh.Address]*entry),
	}
	if opts.RadioRate > 0 {
		burst := opts.RadioBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RadioRate), burst)
	}
	return s, nil
}

func (s *Scheduler) entry(addr mesh.Address) *entry {
	s.mu.RLock()
	e, ok := s.entries[addr]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[addr]; !ok {
		e = &entry{addr: addr}
		s.entries[addr] = e
	}
	return e
}

// Set records the desired state for addr and returns immediately. A state
// equal to what the fixture already holds (or is being sent) cancels any
// pending change; repeating the pending state does not restart the debounce.
func (s *Scheduler) Set(addr mesh.Address, state mesh.LightState) error {
	if !addr.Valid() {
		return fmt.Errorf("scheduler: set: %w", mesh.ErrInvalidAddress)
	}
	if err := state.Validate(); err != nil {
		return fmt.Errorf("scheduler: set %s: %w", addr, err)
	}
	e := s.entry(addr)
	now := s.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if ref, ok := e.reference(); ok && ref == state {
		if e.pending {
			slog.Debug("[SCHED] pending change withdrawn", "address", addr, "state", state)
		}
		e.pending = false
		return nil
	}
	if e.pending && e.desired == state {
		return nil
	}
	e.desired = state
	e.pending = true
	e.createdAt = now
	return nil
}

// Tick sends every address that is due, oldest intent first. It never
// blocks on the radio.
func (s *Scheduler) Tick() {
	now := s.clock.Now()

	s.mu.RLock()
	all := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	s.mu.RUnlock()

	type due struct {
		e       *entry
		created time.Time
	}
	var ready []due
	for _, e := range all {
		e.mu.Lock()
		if e.sendable(now, s.opts.Debounce, s.opts.MinInterval) {
			ready = append(ready, due{e, e.createdAt})
		}
		e.mu.Unlock()
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].created.Equal(ready[j].created) {
			return ready[i].e.addr < ready[j].e.addr
		}
		return ready[i].created.Before(ready[j].created)
	})

	for _, d := range ready {
		if !s.dispatch(d.e, now) {
			return
		}
	}
}

// dispatch encodes and hands off one entry. It returns false when the radio
// budget is exhausted for this tick.
func (s *Scheduler) dispatch(e *entry, now time.Time) bool {
	e.mu.Lock()
	if !e.sendable(now, s.opts.Debounce, s.opts.MinInterval) {
		e.mu.Unlock()
		return true
	}
	if s.limiter != nil && !s.limiter.AllowN(now, 1) {
		e.mu.Unlock()
		slog.Debug("[SCHED] radio budget exhausted, deferring", "address", e.addr)
		return false
	}

	state := e.desired
	retry := e.failures
	if retry > 0xFF {
		retry = 0xFF
	}
	cmd := protocol.ControlCommand{
		Address: e.addr,
		State:   state,
		Seq:     uint8(s.seq.Add(1)),
		Forward: s.opts.Forward,
		Retry:   uint8(retry),
	}
	frame, err := s.enc.Encode(cmd)
	if err != nil {
		// Not retryable: the same state would fail again on every tick.
		e.pending = false
		e.lastErr = err
		e.mu.Unlock()
		slog.Error("[SCHED] encode failed, dropping intent", "address", e.addr, "state", state, "error", err)
		return true
	}
	e.pending = false
	e.inFlight = true
	e.inFlightState = state
	e.lastAttemptAt = now
	e.mu.Unlock()

	slog.Debug("[SCHED] transmitting", "address", e.addr, "seq", cmd.Seq, "state", state, "retry", cmd.Retry)
	s.sink.Send(e.addr, frame, func(err error) { s.complete(e, state, now, err) })
	return true
}

func (s *Scheduler) complete(e *entry, sent mesh.LightState, at time.Time, err error) {
	var fault bool
	var failures int

	e.mu.Lock()
	e.inFlight = false
	if err == nil {
		e.sent = true
		e.lastSent = sent
		e.lastSentAt = at
		e.failures = 0
		e.lastErr = nil
		if e.degraded {
			e.degraded = false
			slog.Info("[SCHED] address recovered", "address", e.addr)
		}
		if e.pending && e.desired == sent {
			e.pending = false
		}
	} else {
		e.failures++
		e.lastErr = err
		if !e.pending {
			e.desired = sent
			e.pending = true
		}
		if e.failures >= s.opts.FailureThreshold && !e.degraded {
			e.degraded = true
			fault = true
		}
	}
	failures = e.failures
	e.mu.Unlock()

	if err != nil {
		slog.Debug("[SCHED] transmit failed, will retry", "address", e.addr, "failures", failures, "error", err)
	}
	if fault {
		slog.Warn("[SCHED] address degraded", "address", e.addr, "failures", failures, "error", err)
		if s.opts.OnFault != nil {
			s.opts.OnFault(e.addr, failures, err)
		}
	}
}

// Status reports the scheduling state of addr.
func (s *Scheduler) Status(addr mesh.Address) (Status, bool) {
	s.mu.RLock()
	e, ok := s.entries[addr]
	s.mu.RUnlock()
	if !ok {
		return Status{Address: addr}, false
	}
	return e.status(), true
}

// Statuses reports every known address ordered by address.
func (s *Scheduler) Statuses() []Status {
	s.mu.RLock()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.status())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (e *entry) status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		Address:    e.addr,
		State:      StateIdle,
		Desired:    e.desired,
		LastSentAt: e.lastSentAt,
		Failures:   e.failures,
		Degraded:   e.degraded,
		LastError:  e.lastErr,
	}
	switch {
	case e.inFlight:
		st.State = StateSending
		st.Desired = e.inFlightState
		if e.pending {
			st.Desired = e.desired
		}
	case e.pending:
		st.State = StatePending
	default:
		if e.sent {
			st.Desired = e.lastSent
		}
	}
	if e.sent {
		ls := e.lastSent
		st.LastSent = &ls
	}
	return st
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.opts.Tick)
	defer t.Stop()
	slog.Info("[SCHED] running", "debounce", s.opts.Debounce, "min_interval", s.opts.MinInterval, "tick", s.opts.Tick)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Tick()
		}
	}
}
