package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/fxnlabs/computedevice/internal/driver"
	"github.com/fxnlabs/computedevice/internal/kernel"
)

// Manager opens the configured devices of a driver and owns their lifecycle.
// All devices share one Coordinator.
type Manager struct {
	log   *zap.Logger
	drv   driver.Driver
	coord *Coordinator

	mu      sync.RWMutex
	devices []*Device
}

// NewManager opens the devices at ordinals, or every device of the driver
// when ordinals is empty.
func NewManager(drv driver.Driver, ordinals []int, opts Options, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		log:   log,
		drv:   drv,
		coord: NewCoordinator(),
	}

	if err := drv.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize %s driver: %w", drv.Name(), err)
	}
	if len(ordinals) == 0 {
		count, err := drv.DeviceCount()
		if err != nil {
			return nil, fmt.Errorf("failed to count devices: %w", err)
		}
		for i := 0; i < count; i++ {
			ordinals = append(ordinals, i)
		}
	}
	if len(ordinals) == 0 {
		return nil, fmt.Errorf("no %s devices found", drv.Name())
	}

	for _, ordinal := range ordinals {
		d, err := New(drv, ordinal, m.coord, opts, log)
		if err != nil {
			var result *multierror.Error
			result = multierror.Append(result, err)
			if cerr := m.Close(); cerr != nil {
				result = multierror.Append(result, cerr)
			}
			return nil, result.ErrorOrNil()
		}
		m.devices = append(m.devices, d)
	}

	log.Info("Devices opened", zap.String("driver", drv.Name()), zap.Int("count", len(m.devices)))
	return m, nil
}

// DriverName returns the name of the driver in use.
func (m *Manager) DriverName() string { return m.drv.Name() }

// Coordinator returns the coordinator shared by the devices.
func (m *Manager) Coordinator() *Coordinator { return m.coord }

// Devices returns the open devices.
func (m *Manager) Devices() []*Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Device(nil), m.devices...)
}

// Device returns the device with the given driver ordinal.
func (m *Manager) Device(ordinal int) (*Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.devices {
		if d.ordinal == ordinal {
			return d, true
		}
	}
	return nil, false
}

// EnablePeerAccess enables peer access between every pair of devices. It
// reports whether all pairs can share memory.
func (m *Manager) EnablePeerAccess() (bool, error) {
	devices := m.Devices()
	all := len(devices) > 1
	for i, a := range devices {
		for _, b := range devices[i+1:] {
			ok, err := a.CheckPeerAccess(b)
			if err != nil {
				return false, err
			}
			if !ok {
				m.log.Info("Peer access unavailable", zap.String("device", a.label), zap.String("peer", b.label))
				all = false
			}
		}
	}
	return all, nil
}

// Multi combines all devices into a MultiDevice. Peers share storage when
// sharePeers is set and every pair has peer access.
func (m *Manager) Multi(sharePeers bool) (*MultiDevice, error) {
	if sharePeers {
		ok, err := m.EnablePeerAccess()
		if err != nil {
			return nil, err
		}
		sharePeers = ok
	}
	return NewMultiDevice(m.Devices(), sharePeers, m.log)
}

// LoadKernels loads the kernel on every device.
func (m *Manager) LoadKernels(ctx context.Context, resolver *kernel.Resolver) error {
	var result *multierror.Error
	for _, d := range m.Devices() {
		if err := d.LoadKernels(ctx, resolver); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", d.label, err))
		}
	}
	return result.ErrorOrNil()
}

// Info reports every device.
func (m *Manager) Info() ([]Info, error) {
	var (
		infos  []Info
		result *multierror.Error
	)
	for _, d := range m.Devices() {
		info, err := d.Info()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", d.label, err))
		}
		infos = append(infos, info)
	}
	return infos, result.ErrorOrNil()
}

// Close closes every device, collecting all failures.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result *multierror.Error
	for _, d := range m.devices {
		if err := d.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", d.label, err))
		}
	}
	m.devices = nil
	return result.ErrorOrNil()
}
