package device

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/computedevice/internal/driver"
)

const (
	mib = 1 << 20

	// testModule declares the globals written by the device.
	testModule = ".global __texture_info 8\n.global __data 8\n"
	// testModuleSize is the device memory taken by testModule.
	testModuleSize = 16
)

func simDevice(total uint64) driver.SimDevice {
	cfg := driver.DefaultSimDevice()
	cfg.TotalMemory = total
	return cfg
}

// newDevice opens device 0 of a fresh simulated driver with the test module
// loaded.
func newDevice(t *testing.T, cfg driver.SimDevice, opts Options) (*Device, *driver.Sim) {
	t.Helper()
	sim := driver.NewSim(nil, cfg)
	d, err := New(sim, 0, nil, opts, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, d.LoadModule([]byte(testModule)))
	t.Cleanup(func() { _ = d.Close() })
	return d, sim
}

// newManager opens every device of a fresh simulated driver with the test
// module loaded.
func newManager(t *testing.T, opts Options, cfgs ...driver.SimDevice) (*Manager, *driver.Sim) {
	t.Helper()
	sim := driver.NewSim(nil, cfgs...)
	m, err := NewManager(sim, nil, opts, zap.NewNop())
	require.NoError(t, err)
	for _, d := range m.Devices() {
		require.NoError(t, d.LoadModule([]byte(testModule)))
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, sim
}

func freeMemory(t *testing.T, d *Device) uint64 {
	t.Helper()
	scope, err := d.Enter()
	require.NoError(t, err)
	defer scope.Exit()
	free, _, err := d.drv.MemGetInfo()
	require.NoError(t, err)
	return free
}

func lookup(t *testing.T, d *Device, mem *Memory) record {
	t.Helper()
	rec, ok := d.reg.lookup(mem.ID)
	require.True(t, ok, "no record for %s on %s", mem.Name, d.label)
	return rec
}

// globalPointer reads the address stored in a module global.
func globalPointer(t *testing.T, d *Device, sim *driver.Sim, name string) driver.DevicePtr {
	t.Helper()
	ptr, _, err := sim.ModuleGetGlobal(d.module, name)
	require.NoError(t, err)
	data, err := sim.ReadDevice(ptr, 8)
	require.NoError(t, err)
	return driver.DevicePtr(binary.LittleEndian.Uint64(data))
}

func image(name string, slot, width, height int) *Memory {
	mem := NewTexture(name, slot, TypeUChar, 4, TextureInfo{DataType: ImageByte4})
	buf := mem.Alloc(width, height, 0)
	for i := range buf {
		buf[i] = byte(i)
	}
	return mem
}

func linear(name string, size int) *Memory {
	mem := NewMemory(name, KindGeneric, TypeUChar, 1)
	buf := mem.Alloc(size, 0, 0)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	return mem
}
