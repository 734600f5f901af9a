// Package discovery runs bounded scans that sort everything the radio hears
// into pairing candidates and paired-state observations.
package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/meshlight/internal/ble"
	blecrypto "github.com/chaz8081/meshlight/internal/ble/crypto"
	"github.com/chaz8081/meshlight/internal/ble/protocol"
	"github.com/chaz8081/meshlight/internal/mesh"
)

// eventBuffer is the capacity of the Events channel.
const eventBuffer = 64

// Options configures a discovery session.
type Options struct {
	// Timeout ends the session on its own. Zero means run until cancelled.
	Timeout   time.Duration
	CompanyID uint16
	// Cipher decodes paired-state frames. Nil leaves observations raw.
	Cipher *blecrypto.Cipher
	// Propose suggests an address for a new candidate. Nil proposes none.
	Propose func(id mesh.DeviceID) mesh.Address
}

// Candidate is an unpaired device seen advertising a pairing beacon.
type Candidate struct {
	protocol.Beacon
	ProposedAddress mesh.Address
}

// Observation is one paired-state broadcast.
type Observation struct {
	MAC     string
	RSSI    int8
	At      time.Time
	Decoded bool
	Frame   protocol.ControlFrame // valid when Decoded
	Raw     []byte
}

// EventKind tells which field of an Event is set.
type EventKind uint8

const (
	EventCandidate EventKind = iota + 1
	EventObservation
)

func (k EventKind) String() string {
	switch k {
	case EventCandidate:
		return "candidate"
	case EventObservation:
		return "observation"
	default:
		return "unknown"
	}
}

// Event is delivered on Session.Events.
type Event struct {
	Kind        EventKind
	Candidate   *Candidate
	Observation *Observation
}

// Result summarizes a finished session.
type Result struct {
	ID           string
	Candidates   []Candidate // first-seen order, latest radio metadata
	Observations []Observation
	Unknown      int // frames classified as noise
	Err          error
}

// Session is one running scan.
type Session struct {
	id     string
	opts   Options
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}

	mu           sync.Mutex
	closed       bool
	candidates   map[mesh.DeviceID]*Candidate
	order        []mesh.DeviceID
	proposed     map[mesh.Address]bool
	observations []Observation
	unknown      int
	result       Result
}

// Begin starts scanning until ctx is done, the timeout elapses or Cancel is
// called.
func Begin(ctx context.Context, scanner ble.Scanner, opts Options) *Session {
	if opts.CompanyID == 0 {
		opts.CompanyID = protocol.CompanyID
	}
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	s := &Session{
		id:         uuid.NewString(),
		opts:       opts,
		cancel:     cancel,
		events:     make(chan Event, eventBuffer),
		done:       make(chan struct{}),
		candidates: make(map[mesh.DeviceID]*Candidate),
		proposed:   make(map[mesh.Address]bool),
	}
	slog.Info("[DISCOVERY] session started", "session", s.id, "timeout", opts.Timeout, "decoding", opts.Cipher != nil)

	go s.run(ctx, scanner)
	return s
}

// ID returns the session id used in logs.
func (s *Session) ID() string { return s.id }

// Events delivers candidates (once per device id) and observations as they
// arrive. It is closed when the session ends. Events are dropped when the
// channel is full; Wait always returns the complete result.
func (s *Session) Events() <-chan Event { return s.events }

// Cancel ends the session early. Everything seen so far is kept.
func (s *Session) Cancel() { s.cancel() }

// Wait blocks until the session ends and returns its result.
func (s *Session) Wait() Result {
	<-s.done
	return s.result
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) run(ctx context.Context, scanner ble.Scanner) {
	defer s.cancel()

	err := scanner.Scan(ctx, s.handle)

	s.mu.Lock()
	s.closed = true
	res := Result{
		ID:           s.id,
		Observations: s.observations,
		Unknown:      s.unknown,
		Err:          err,
	}
	for _, id := range s.order {
		res.Candidates = append(res.Candidates, *s.candidates[id])
	}
	s.result = res
	close(s.events)
	s.mu.Unlock()

	if err != nil {
		slog.Warn("[DISCOVERY] scan failed", "session", s.id, "error", err)
	}
	slog.Info("[DISCOVERY] session finished", "session", s.id,
		"candidates", len(res.Candidates), "observations", len(res.Observations), "unknown", res.Unknown)
	close(s.done)
}

// handle runs on the radio's receive goroutine.
func (s *Session) handle(adv mesh.Advertisement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	switch protocol.Classify(adv, s.opts.CompanyID) {
	case protocol.FramePairingBeacon:
		s.handleBeacon(adv)
	case protocol.FramePairedState:
		s.handleState(adv)
	default:
		s.unknown++
		slog.Debug("[DISCOVERY] ignoring frame", "session", s.id, "company", adv.CompanyID, "len", len(adv.Payload))
	}
}

func (s *Session) handleBeacon(adv mesh.Advertisement) {
	b, err := protocol.ParseBeacon(adv)
	if err != nil {
		s.unknown++
		return
	}
	if c, ok := s.candidates[b.DeviceID]; ok {
		c.MAC = b.MAC
		c.RSSI = b.RSSI
		c.SeenAt = b.SeenAt
		return
	}

	c := &Candidate{Beacon: b, ProposedAddress: s.propose(b.DeviceID)}
	s.candidates[b.DeviceID] = c
	s.order = append(s.order, b.DeviceID)
	slog.Info("[DISCOVERY] pairing candidate", "session", s.id, "device", b.DeviceID, "mac", b.MAC, "rssi", b.RSSI, "proposed", c.ProposedAddress)

	cp := *c
	s.emit(Event{Kind: EventCandidate, Candidate: &cp})
}

// propose asks Options.Propose and keeps proposals unique within the session.
func (s *Session) propose(id mesh.DeviceID) mesh.Address {
	if s.opts.Propose == nil {
		return 0
	}
	addr := s.opts.Propose(id)
	for addr.Valid() && s.proposed[addr] {
		addr++
	}
	if addr.Valid() {
		s.proposed[addr] = true
	}
	return addr
}

func (s *Session) handleState(adv mesh.Advertisement) {
	obs := Observation{
		MAC:  adv.MAC,
		RSSI: adv.RSSI,
		At:   adv.ReceivedAt,
		Raw:  append([]byte(nil), adv.Payload...),
	}
	if s.opts.Cipher != nil {
		frame, err := protocol.DecodeControl(adv.Payload, s.opts.Cipher)
		if err != nil {
			slog.Debug("[DISCOVERY] undecodable state frame", "session", s.id, "mac", adv.MAC, "error", err)
		} else {
			obs.Decoded = true
			obs.Frame = frame
		}
	}
	s.observations = append(s.observations, obs)
	s.emit(Event{Kind: EventObservation, Observation: &obs})
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		slog.Debug("[DISCOVERY] event dropped, consumer too slow", "session", s.id, "kind", ev.Kind)
	}
}
