// Package bridge is the caller-facing surface of meshlight. It accepts
// light state intents, runs discovery and pairs new fixtures, keeping the
// registry, the scheduler and the radio in agreement.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/meshlight/internal/ble"
	blecrypto "github.com/chaz8081/meshlight/internal/ble/crypto"
	"github.com/chaz8081/meshlight/internal/ble/protocol"
	"github.com/chaz8081/meshlight/internal/discovery"
	"github.com/chaz8081/meshlight/internal/mesh"
	"github.com/chaz8081/meshlight/internal/registry"
	"github.com/chaz8081/meshlight/internal/scheduler"
)

var (
	// ErrUnknownDevice is returned for addresses with no paired device.
	ErrUnknownDevice = registry.ErrUnknownDevice
	// ErrPairingNoAck is returned when a candidate did not acknowledge its
	// pairing response. The candidate can be paired again.
	ErrPairingNoAck = errors.New("bridge: pairing not acknowledged")
	// ErrNoRadio is returned by operations that need a radio the bridge was
	// built without.
	ErrNoRadio = errors.New("bridge: no radio configured")
)

// PairWriter delivers a pairing response to a device and returns its
// acknowledgement. ble.Pairer implements it.
type PairWriter interface {
	Write(ctx context.Context, mac string, payload []byte) ([]byte, error)
}

// Deps are the collaborators of a Bridge. Scanner and Pairer may be nil
// for a transmit-only bridge.
type Deps struct {
	Registry *registry.Registry
	Sink     scheduler.Sink
	Scanner  ble.Scanner
	Pairer   PairWriter
}

// Options configures a Bridge.
type Options struct {
	Key          mesh.MeshKey
	CompanyID    uint16
	AddressToken byte // pairing response address-type byte
	Scheduler    scheduler.Options
}

// DefaultOptions returns defaults for everything but the mesh key.
func DefaultOptions() Options {
	return Options{
		CompanyID:    protocol.CompanyID,
		AddressToken: protocol.DefaultAddressToken,
		Scheduler:    scheduler.DefaultOptions(),
	}
}

// Bridge is safe for concurrent use.
type Bridge struct {
	reg     *registry.Registry
	sched   *scheduler.Scheduler
	scanner ble.Scanner
	pairer  PairWriter
	cipher  *blecrypto.Cipher
	opts    Options
}

// New wires a bridge. The scheduler encodes with the mesh key and the
// capability the registry holds for each address.
func New(deps Deps, opts Options) (*Bridge, error) {
	if deps.Registry == nil {
		return nil, errors.New("bridge: registry is required")
	}
	if deps.Sink == nil {
		return nil, errors.New("bridge: sink is required")
	}
	if opts.CompanyID == 0 {
		opts.CompanyID = protocol.CompanyID
	}
	if opts.AddressToken == 0 {
		opts.AddressToken = protocol.DefaultAddressToken
	}

	b := &Bridge{
		reg:     deps.Registry,
		scanner: deps.Scanner,
		pairer:  deps.Pairer,
		cipher:  blecrypto.ForKey(opts.Key),
		opts:    opts,
	}
	sched, err := scheduler.New(deps.Sink, scheduler.EncoderFunc(b.encode), opts.Scheduler)
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	b.sched = sched

	slog.Info("[BRIDGE] ready", "key", opts.Key.Fingerprint(), "devices", len(b.reg.Devices()))
	return b, nil
}

func (b *Bridge) encode(cmd protocol.ControlCommand) ([]byte, error) {
	if dev, ok := b.reg.Lookup(cmd.Address); ok {
		cmd.Capability = dev.Capability
	}
	return protocol.EncodeControl(cmd, b.cipher)
}

// Run drives the scheduler until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	return b.sched.Run(ctx)
}

// SetLightState records the desired state of a paired device. A nil error
// means the intent was accepted, not that it was sent.
func (b *Bridge) SetLightState(addr mesh.Address, s mesh.LightState) error {
	dev, ok := b.reg.Lookup(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	if err := dev.Capability.Check(s); err != nil {
		return fmt.Errorf("bridge: %s: %w", dev.Name, err)
	}
	return b.sched.Set(addr, s)
}

// DeviceStatus joins what the registry and the scheduler know about one
// device.
type DeviceStatus struct {
	registry.Device
	Schedule  scheduler.Status
	Scheduled bool // false until the first intent
}

// Status reports on the paired device at addr.
func (b *Bridge) Status(addr mesh.Address) (DeviceStatus, error) {
	dev, ok := b.reg.Lookup(addr)
	if !ok {
		return DeviceStatus{}, fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	st, scheduled := b.sched.Status(addr)
	return DeviceStatus{Device: dev, Schedule: st, Scheduled: scheduled}, nil
}

// Devices lists paired devices ordered by address.
func (b *Bridge) Devices() []registry.Device {
	return b.reg.Devices()
}

// Describe renames the device at addr and records its capability, which
// later intents are checked against.
func (b *Bridge) Describe(addr mesh.Address, name string, c mesh.Capability) (registry.Device, error) {
	return b.reg.Describe(addr, name, c)
}

// BeginDiscovery scans for timeout. Candidates are proposed the next free
// address; paired-state frames are decoded with the mesh key.
func (b *Bridge) BeginDiscovery(ctx context.Context, timeout time.Duration) (*discovery.Session, error) {
	if b.scanner == nil {
		return nil, ErrNoRadio
	}
	return discovery.Begin(ctx, b.scanner, discovery.Options{
		Timeout:   timeout,
		CompanyID: b.opts.CompanyID,
		Cipher:    b.cipher,
		Propose:   func(mesh.DeviceID) mesh.Address { return b.reg.NextFree() },
	}), nil
}

// Pair assigns addr to the candidate and hands it the mesh key. The
// address is reserved first, so a concurrent pairing that wants the same
// address fails with registry.ErrAddressInUse. On any failure the
// reservation is released and the candidate stays pairable.
func (b *Bridge) Pair(ctx context.Context, c discovery.Candidate, addr mesh.Address) (registry.Device, error) {
	if b.pairer == nil {
		return registry.Device{}, ErrNoRadio
	}
	if err := b.reg.Reserve(addr, c.DeviceID); err != nil {
		return registry.Device{}, fmt.Errorf("bridge: pair %s: %w", c.DeviceID, err)
	}
	committed := false
	defer func() {
		if !committed {
			b.reg.Release(addr, c.DeviceID)
		}
	}()

	payload, err := protocol.BuildPairingResponse(c.DeviceID, addr, b.opts.AddressToken, b.opts.Key)
	if err != nil {
		return registry.Device{}, fmt.Errorf("bridge: pair %s: %w", c.DeviceID, err)
	}

	slog.Info("[PAIR] sending pairing response", "device", c.DeviceID, "mac", c.MAC, "address", addr, "extended", addr.Extended())
	if _, err := b.pairer.Write(ctx, c.MAC, payload); err != nil {
		if errors.Is(err, ble.ErrNoAck) {
			return registry.Device{}, fmt.Errorf("%w: %s: %w", ErrPairingNoAck, c.DeviceID, err)
		}
		return registry.Device{}, fmt.Errorf("bridge: pair %s: %w", c.DeviceID, err)
	}

	dev := registry.Device{
		Address:    addr,
		DeviceID:   c.DeviceID,
		Capability: mesh.CapabilityRGBW,
		PairedAt:   time.Now(),
	}
	if err := b.reg.Commit(dev); err != nil {
		return registry.Device{}, fmt.Errorf("bridge: pair %s: %w", c.DeviceID, err)
	}
	committed = true

	dev, _ = b.reg.Lookup(addr)
	slog.Info("[PAIR] device paired", "device", c.DeviceID, "address", addr, "name", dev.Name)
	return dev, nil
}

// Observe scans until ctx is done and records every decodable paired-state
// broadcast in the registry.
func (b *Bridge) Observe(ctx context.Context) error {
	if b.scanner == nil {
		return ErrNoRadio
	}
	return b.scanner.Scan(ctx, b.observe)
}

func (b *Bridge) observe(adv mesh.Advertisement) {
	if kind := protocol.Classify(adv, b.opts.CompanyID); kind != protocol.FramePairedState {
		slog.Debug("[BRIDGE] ignoring frame", "kind", kind, "mac", adv.MAC, "company", adv.CompanyID, "len", len(adv.Payload))
		return
	}
	frame, err := protocol.DecodeControl(adv.Payload, b.cipher)
	if err != nil {
		slog.Debug("[BRIDGE] undecodable state frame", "mac", adv.MAC, "error", err)
		return
	}
	if err := b.reg.UpdateObserved(frame.Address, frame.State, adv.RSSI, adv.ReceivedAt); err != nil {
		slog.Debug("[BRIDGE] state from unpaired address", "address", frame.Address)
	}
}
