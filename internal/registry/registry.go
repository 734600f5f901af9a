// Package registry keeps the in-memory map from mesh addresses to paired
// fixtures. Address uniqueness is enforced here: an address is either free,
// reserved for one device id while pairing is in progress, or committed.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/meshlight/internal/mesh"
)

var (
	ErrAddressInUse  = errors.New("registry: address already in use")
	ErrAlreadyPaired = errors.New("registry: device already paired")
	ErrNotReserved   = errors.New("registry: address not reserved for device")
	ErrUnknownDevice = errors.New("registry: unknown device")
)

// Device is one paired fixture.
type Device struct {
	Address    mesh.Address
	Name       string
	DeviceID   mesh.DeviceID
	Capability mesh.Capability
	PairedAt   time.Time

	// Observed is the last state the fixture broadcast, if any.
	Observed   *mesh.LightState
	ObservedAt time.Time
	RSSI       int8
}

type slot struct {
	device   Device
	reserved bool // pairing in flight, not yet committed
}

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	slots map[mesh.Address]*slot
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{slots: make(map[mesh.Address]*slot)}
}

// Add registers an already paired device, typically from configuration.
func (r *Registry) Add(d Device) error {
	if !d.Address.Valid() {
		return fmt.Errorf("registry: add %q: %w", d.Name, mesh.ErrInvalidAddress)
	}
	if d.Capability == 0 {
		d.Capability = mesh.CapabilityRGBW
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.slots[d.Address]; ok {
		return fmt.Errorf("%w: %s", ErrAddressInUse, d.Address)
	}
	if !d.DeviceID.IsZero() {
		if other, ok := r.byDeviceLocked(d.DeviceID); ok {
			return fmt.Errorf("%w: %s at address %s", ErrAlreadyPaired, d.DeviceID, other)
		}
	}
	r.slots[d.Address] = &slot{device: d}
	return nil
}

// Reserve claims addr for the device id while pairing runs. Any second
// reservation of a held address fails, including one by the holder, so
// exactly one pairing attempt owns the slot until it commits or releases.
func (r *Registry) Reserve(addr mesh.Address, id mesh.DeviceID) error {
	if !addr.Valid() {
		return fmt.Errorf("registry: reserve: %w", mesh.ErrInvalidAddress)
	}
	if id.IsZero() {
		return fmt.Errorf("registry: reserve: %w", mesh.ErrInvalidDeviceID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[addr]; ok {
		return fmt.Errorf("%w: %s held by %s", ErrAddressInUse, addr, s.device.DeviceID)
	}
	if other, ok := r.byDeviceLocked(id); ok {
		return fmt.Errorf("%w: %s at address %s", ErrAlreadyPaired, id, other)
	}
	r.slots[addr] = &slot{device: Device{Address: addr, DeviceID: id}, reserved: true}
	slog.Debug("[REGISTRY] address reserved", "address", addr, "device", id)
	return nil
}

// Commit turns a reservation into a paired device.
func (r *Registry) Commit(d Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[d.Address]
	if !ok || !s.reserved || s.device.DeviceID != d.DeviceID {
		return fmt.Errorf("%w: %s for %s", ErrNotReserved, d.Address, d.DeviceID)
	}
	if d.Capability == 0 {
		d.Capability = mesh.CapabilityRGBW
	}
	if d.Name == "" {
		d.Name = fmt.Sprintf("Light %d", uint16(d.Address))
	}
	s.device = d
	s.reserved = false
	return nil
}

// Release drops a reservation held by id. Committed devices are untouched.
func (r *Registry) Release(addr mesh.Address, id mesh.DeviceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[addr]; ok && s.reserved && s.device.DeviceID == id {
		delete(r.slots, addr)
		slog.Debug("[REGISTRY] reservation released", "address", addr, "device", id)
	}
}

// Lookup returns the paired device at addr. Reservations are not returned.
func (r *Registry) Lookup(addr mesh.Address) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[addr]
	if !ok || s.reserved {
		return Device{}, false
	}
	return s.device, true
}

// LookupDevice finds the paired device with the given factory id.
func (r *Registry) LookupDevice(id mesh.DeviceID) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.byDeviceLocked(id)
	if !ok || r.slots[addr].reserved {
		return Device{}, false
	}
	return r.slots[addr].device, true
}

// Devices returns the paired devices ordered by address.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.slots))
	for _, s := range r.slots {
		if !s.reserved {
			out = append(out, s.device)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// NextFree suggests an address for a new device: one above the highest
// address in use, reservations included. It returns 0 when the space above
// the highest address is exhausted.
func (r *Registry) NextFree() mesh.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var max mesh.Address
	for addr := range r.slots {
		if addr > max {
			max = addr
		}
	}
	if max == 0xFFFF {
		return 0
	}
	return max + 1
}

// Describe renames a paired device and sets its capability. An empty name
// or a zero capability leaves that field unchanged.
func (r *Registry) Describe(addr mesh.Address, name string, c mesh.Capability) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[addr]
	if !ok || s.reserved {
		return Device{}, fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	if name != "" {
		s.device.Name = name
	}
	if c != 0 {
		s.device.Capability = c
	}
	return s.device, nil
}

// UpdateObserved records a state a fixture broadcast about itself.
func (r *Registry) UpdateObserved(addr mesh.Address, state mesh.LightState, rssi int8, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[addr]
	if !ok || s.reserved {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	st := state
	s.device.Observed = &st
	s.device.ObservedAt = at
	s.device.RSSI = rssi
	return nil
}

func (r *Registry) byDeviceLocked(id mesh.DeviceID) (mesh.Address, bool) {
	if id.IsZero() {
		return 0, false
	}
	for addr, s := range r.slots {
		if s.device.DeviceID == id {
			return addr, true
		}
	}
	return 0, false
}
