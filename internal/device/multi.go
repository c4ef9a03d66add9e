package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/fxnlabs/computedevice/internal/driver"
	"github.com/fxnlabs/computedevice/internal/kernel"
)

// subAlloc is the allocation of a memory object on one sub device.
type subAlloc struct {
	ptr  driver.DevicePtr
	size uint64
}

// multiEntry tracks one memory object across sub devices. key is the opaque
// pointer handed out while the object is allocated.
type multiEntry struct {
	key  driver.DevicePtr
	subs map[*Device]subAlloc
}

// MultiDevice spreads memory objects over several devices. Every device
// holds its own copy unless peer sharing is enabled, in which case the first
// device stores the data and the others address it over the peer link.
// Devices that fall back to host memory share one host allocation.
type MultiDevice struct {
	log     *zap.Logger
	devices []*Device
	// owner stores all data when peers share memory, nil otherwise.
	owner *Device

	mu      sync.Mutex
	entries map[MemoryID]*multiEntry
	nextKey driver.DevicePtr
}

// NewMultiDevice combines devices. With sharePeers set the devices must have
// peer access enabled between each other, see Manager.EnablePeerAccess.
func NewMultiDevice(devices []*Device, sharePeers bool, log *zap.Logger) (*MultiDevice, error) {
	if len(devices) == 0 {
		return nil, errors.New("multi device needs at least one device")
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &MultiDevice{
		log:     log.Named("multi"),
		devices: devices,
		entries: make(map[MemoryID]*multiEntry),
	}
	if sharePeers && len(devices) > 1 {
		m.owner = devices[0]
	}
	return m, nil
}

// Devices returns the sub devices.
func (m *MultiDevice) Devices() []*Device { return m.devices }

// storing returns the devices that hold storage of memory objects.
func (m *MultiDevice) storing() []*Device {
	if m.owner != nil {
		return []*Device{m.owner}
	}
	return m.devices
}

// peers returns the devices addressing storage of the owner.
func (m *MultiDevice) peers() []*Device {
	if m.owner == nil {
		return nil
	}
	return m.devices[1:]
}

func (m *MultiDevice) adopt(mem *Memory) {
	mem.allocator = m
	if m.owner != nil {
		mem.owner = m.owner
	}
}

func (m *MultiDevice) entry(mem *Memory) *multiEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[mem.ID]
	if !ok {
		m.nextKey++
		e = &multiEntry{key: m.nextKey, subs: make(map[*Device]subAlloc)}
		m.entries[mem.ID] = e
	}
	return e
}

func (m *MultiDevice) lookup(mem *Memory) (*multiEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[mem.ID]
	return e, ok
}

// swapIn points mem at its allocation on d.
func (m *MultiDevice) swapIn(mem *Memory, e *multiEntry, d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := e.subs[d]
	mem.devicePointer = s.ptr
	mem.deviceSize = s.size
}

// swapOut records the allocation of mem on d.
func (m *MultiDevice) swapOut(mem *Memory, e *multiEntry, d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mem.devicePointer == 0 {
		delete(e.subs, d)
		return
	}
	e.subs[d] = subAlloc{ptr: mem.devicePointer, size: mem.deviceSize}
}

// publish replaces the sub device pointer in mem by the opaque key, or
// clears it when no device holds the memory anymore.
func (m *MultiDevice) publish(mem *Memory, e *multiEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var size uint64
	for _, s := range e.subs {
		size = max(size, s.size)
	}
	if len(e.subs) == 0 {
		delete(m.entries, mem.ID)
		mem.devicePointer = 0
		mem.deviceSize = 0
		return
	}
	mem.devicePointer = e.key
	mem.deviceSize = size
}

// DevicePointer returns the address of mem on d.
func (m *MultiDevice) DevicePointer(mem *Memory, d *Device) driver.DevicePtr {
	e, ok := m.lookup(mem)
	if !ok {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := e.subs[d]; ok {
		return s.ptr
	}
	if m.owner != nil {
		return e.subs[m.owner].ptr
	}
	return 0
}

// each runs op with mem pointing at its allocation on every storing device.
// Peers of the owner run op too for kinds that keep per-device state.
func (m *MultiDevice) each(mem *Memory, op func(d *Device) error) error {
	m.adopt(mem)
	e := m.entry(mem)
	defer m.publish(mem, e)

	for _, d := range m.storing() {
		m.swapIn(mem, e, d)
		err := op(d)
		m.swapOut(mem, e, d)
		if err != nil {
			return err
		}
		if mem.Kind == KindGeneric {
			continue
		}
		for _, p := range m.peers() {
			m.swapIn(mem, e, d)
			if err := op(p); err != nil {
				return err
			}
		}
	}
	return nil
}

// MemAlloc allocates generic memory on every storing device.
func (m *MultiDevice) MemAlloc(mem *Memory) error {
	return m.each(mem, func(d *Device) error {
		if !mem.IsResident(d) {
			return nil
		}
		return d.MemAlloc(mem)
	})
}

// MemCopyTo uploads mem to every device, allocating where needed. Textures
// and globals are rebound on all devices.
func (m *MultiDevice) MemCopyTo(mem *Memory) error {
	return m.each(mem, func(d *Device) error {
		return d.MemCopyTo(mem)
	})
}

// MemZero zero fills mem on every storing device.
func (m *MultiDevice) MemZero(mem *Memory) error {
	return m.each(mem, func(d *Device) error {
		if !mem.IsResident(d) {
			return nil
		}
		return d.MemZero(mem)
	})
}

// MemCopyFrom reads h rows starting at y back, splitting the rows evenly
// between the storing devices.
func (m *MultiDevice) MemCopyFrom(mem *Memory, y, w, h, elem int) error {
	e, ok := m.lookup(mem)
	if !ok {
		return m.storing()[0].MemCopyFrom(mem, y, w, h, elem)
	}
	defer m.publish(mem, e)

	devices := m.storing()
	subH := h / len(devices)
	for i, d := range devices {
		sy := y + i*subH
		sh := subH
		if i == len(devices)-1 {
			sh = h - subH*i
		}
		m.swapIn(mem, e, d)
		if err := d.MemCopyFrom(mem, sy, w, sh, elem); err != nil {
			return err
		}
	}
	return nil
}

// MemFree releases mem on every device. Peers drop their references before
// the owner frees the storage.
func (m *MultiDevice) MemFree(mem *Memory) error {
	e, ok := m.lookup(mem)
	if !ok || mem.devicePointer == 0 {
		return nil
	}
	defer m.publish(mem, e)

	var result *multierror.Error
	for _, d := range m.storing() {
		if mem.Kind != KindGeneric {
			for _, p := range m.peers() {
				m.swapIn(mem, e, d)
				if err := p.MemFree(mem); err != nil {
					result = multierror.Append(result, err)
				}
			}
		}
		m.swapIn(mem, e, d)
		if err := d.MemFree(mem); err != nil {
			result = multierror.Append(result, err)
		}
		m.swapOut(mem, e, d)
	}
	return result.ErrorOrNil()
}

// BindTexture binds a texture on every device.
func (m *MultiDevice) BindTexture(mem *Memory) error {
	if mem.Kind != KindTexture {
		return fmt.Errorf("bind %s memory %s as texture: %w", mem.Kind, mem.Name, ErrUnsupportedOperation)
	}
	return m.MemCopyTo(mem)
}

// UnbindTexture unbinds a texture on every device.
func (m *MultiDevice) UnbindTexture(mem *Memory) error {
	return m.MemFree(mem)
}

// LoadTextureInfo uploads the texture table of every device.
func (m *MultiDevice) LoadTextureInfo() error {
	var result *multierror.Error
	for _, d := range m.devices {
		if err := d.LoadTextureInfo(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", d.label, err))
		}
	}
	return result.ErrorOrNil()
}

// ConstCopyTo writes a module global on every device.
func (m *MultiDevice) ConstCopyTo(name string, host []byte) error {
	for _, d := range m.devices {
		if err := d.ConstCopyTo(name, host); err != nil {
			return err
		}
	}
	return nil
}

// LoadKernels loads the kernel on every device.
func (m *MultiDevice) LoadKernels(ctx context.Context, resolver *kernel.Resolver) error {
	for _, d := range m.devices {
		if err := d.LoadKernels(ctx, resolver); err != nil {
			return fmt.Errorf("%s: %w", d.label, err)
		}
	}
	return nil
}

// HaveError reports whether any device recorded an error.
func (m *MultiDevice) HaveError() bool {
	for _, d := range m.devices {
		if d.HaveError() {
			return true
		}
	}
	return false
}
