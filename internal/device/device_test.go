package device

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/computedevice/internal/driver"
	"github.com/fxnlabs/computedevice/internal/kernel"
)

func TestNew(t *testing.T) {
	t.Run("reads capabilities", func(t *testing.T) {
		d, _ := newDevice(t, driver.DefaultSimDevice(), Options{HostLimit: 64 * mib})
		assert.Equal(t, "sim0", d.Label())
		assert.Equal(t, "Simulated Device", d.Name())
		assert.Equal(t, 68, d.NumMultiprocessors())
		assert.Equal(t, 1536, d.MaxThreadsPerMultiprocessor())
		assert.Equal(t, kernel.Capability{Major: 8, Minor: 6}, d.ComputeCapability())
		assert.True(t, d.CanMapHost())
		assert.Equal(t, 32, d.PitchAlignment())
		assert.Equal(t, uint64(64*mib), d.HostLimit())
		assert.Equal(t, DefaultWorkingHeadroom, d.workingHeadroom)
		assert.Equal(t, DefaultTextureHeadroom, d.textureHeadroom)
		assert.NoError(t, d.SupportDevice())
	})

	t.Run("host mapping can be disabled", func(t *testing.T) {
		d, _ := newDevice(t, driver.DefaultSimDevice(), Options{DisableHostMapping: true})
		assert.False(t, d.CanMapHost())
	})

	t.Run("device without host mapping", func(t *testing.T) {
		cfg := driver.DefaultSimDevice()
		cfg.CanMapHost = false
		d, _ := newDevice(t, cfg, Options{})
		assert.False(t, d.CanMapHost())
	})

	t.Run("context creation failure", func(t *testing.T) {
		sim := driver.NewSim(nil)
		sim.FailNext("CtxCreate", driver.ErrorOutOfMemory)
		_, err := New(sim, 0, nil, Options{}, zap.NewNop())
		require.Error(t, err)
		assert.True(t, driver.IsOutOfMemory(err))
	})

	t.Run("invalid ordinal", func(t *testing.T) {
		_, err := New(driver.NewSim(nil), 3, nil, Options{}, zap.NewNop())
		assert.ErrorIs(t, err, driver.ErrorInvalidDevice)
	})
}

func TestHostMemoryLimit(t *testing.T) {
	tests := []struct {
		ram  uint64
		want uint64
	}{
		{ram: 64 << 30, want: 60 << 30},
		{ram: 16 << 30, want: 12 << 30},
		{ram: 8 << 30, want: 4 << 30},
		{ram: 6 << 30, want: 3 << 30},
		{ram: 0, want: 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HostMemoryLimit(tt.ram), "ram %d", tt.ram)
	}
}

func TestContextScope(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	d, sim := newDevice(t, driver.DefaultSimDevice(), Options{})

	_, _, err := sim.MemGetInfo()
	assert.Equal(t, driver.ErrorInvalidContext, err, "no context outside a scope")

	outer, err := d.Enter()
	require.NoError(t, err)
	inner, err := d.Enter()
	require.NoError(t, err)
	_, _, err = sim.MemGetInfo()
	assert.NoError(t, err)
	inner.Exit()
	_, _, err = sim.MemGetInfo()
	assert.NoError(t, err, "outer scope still current")
	outer.Exit()

	_, _, err = sim.MemGetInfo()
	assert.Equal(t, driver.ErrorInvalidContext, err)

	t.Run("push failure", func(t *testing.T) {
		sim.FailNext("CtxPushCurrent", driver.ErrorInvalidContext)
		_, err := d.Enter()
		assert.ErrorIs(t, err, driver.ErrorInvalidContext)
		assert.True(t, d.HaveError())
	})
}

func TestStickyError(t *testing.T) {
	d, sim := newDevice(t, driver.DefaultSimDevice(), Options{})
	mem := linear("buffer", 1024)
	require.NoError(t, d.MemAlloc(mem))

	sim.FailNext("MemcpyHtoD", driver.ErrorUnknown)
	err := d.MemCopyTo(mem)
	require.ErrorIs(t, err, driver.ErrorUnknown)
	assert.False(t, errors.Is(err, ErrDeviceFailed))

	err = d.MemCopyTo(mem)
	assert.ErrorIs(t, err, ErrDeviceFailed)
	assert.ErrorIs(t, err, driver.ErrorUnknown, "wraps the first error")

	other := linear("other", 1024)
	assert.ErrorIs(t, d.MemAlloc(other), ErrDeviceFailed)

	// Freeing is still possible on a failed device.
	assert.NoError(t, d.MemFree(mem))
	assert.Zero(t, mem.DevicePointer())

	d.ClearError()
	assert.False(t, d.HaveError())
	assert.NoError(t, d.MemAlloc(other))
	assert.NoError(t, d.MemFree(other))
}

func TestCheckPeerAccess(t *testing.T) {
	t.Run("peers", func(t *testing.T) {
		m, _ := newManager(t, Options{}, driver.DefaultSimDevice(), driver.DefaultSimDevice())
		devices := m.Devices()

		ok, err := devices[0].CheckPeerAccess(devices[0])
		require.NoError(t, err)
		assert.False(t, ok, "a device is not its own peer")

		ok, err = devices[0].CheckPeerAccess(devices[1])
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = devices[1].CheckPeerAccess(devices[0])
		require.NoError(t, err)
		assert.True(t, ok, "already enabled access is accepted")
	})

	t.Run("no peer access", func(t *testing.T) {
		cfg := driver.DefaultSimDevice()
		cfg.PeerAccess = false
		m, _ := newManager(t, Options{}, cfg, driver.DefaultSimDevice())
		devices := m.Devices()

		ok, err := devices[0].CheckPeerAccess(devices[1])
		require.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, devices[0].HaveError())
	})
}

func TestLoadKernels(t *testing.T) {
	ctx := context.Background()

	newResolver := func(t *testing.T) (*kernel.Resolver, kernel.Options) {
		root := t.TempDir()
		opts := kernel.Options{
			Name:       "kernel",
			Base:       "cuda",
			Prefix:     "fxn",
			LibPath:    filepath.Join(root, "lib"),
			SourcePath: filepath.Join(root, "source"),
			CachePath:  filepath.Join(root, "cache"),
		}
		require.NoError(t, os.MkdirAll(opts.LibPath, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(opts.LibPath, "kernel_sm_86.cubin"), []byte(testModule), 0o644))
		r, err := kernel.NewResolver(opts, nil, zap.NewNop())
		require.NoError(t, err)
		return r, opts
	}

	t.Run("loads the resolved binary", func(t *testing.T) {
		sim := driver.NewSim(nil)
		d, err := New(sim, 0, nil, Options{}, zap.NewNop())
		require.NoError(t, err)
		defer d.Close()

		resolver, _ := newResolver(t)
		require.NoError(t, d.LoadKernels(ctx, resolver))
		info, err := d.Info()
		require.NoError(t, err)
		assert.True(t, info.KernelsLoaded)
		assert.Equal(t, uint64(testModuleSize), sim.Used(0))

		// A second load keeps the module.
		require.NoError(t, d.LoadKernels(ctx, resolver))
		assert.Equal(t, uint64(testModuleSize), sim.Used(0))
	})

	t.Run("hardware too old", func(t *testing.T) {
		cfg := driver.DefaultSimDevice()
		cfg.Major, cfg.Minor = 2, 1
		sim := driver.NewSim(nil, cfg)
		d, err := New(sim, 0, nil, Options{}, zap.NewNop())
		require.NoError(t, err)
		defer d.Close()

		resolver, _ := newResolver(t)
		err = d.LoadKernels(ctx, resolver)
		assert.ErrorIs(t, err, kernel.ErrUnsupportedHardware)
		assert.Contains(t, err.Error(), "found 2.1")
		assert.True(t, d.HaveError())
	})

	t.Run("global write needs a module", func(t *testing.T) {
		d, err := New(driver.NewSim(nil), 0, nil, Options{}, zap.NewNop())
		require.NoError(t, err)
		defer d.Close()
		assert.ErrorIs(t, d.ConstCopyTo("__data", make([]byte, 8)), ErrNoModule)
	})
}

func TestInfo(t *testing.T) {
	d, _ := newDevice(t, simDevice(256*mib), Options{HostLimit: 64 * mib})
	mem := linear("buffer", mib)
	require.NoError(t, d.MemAlloc(mem))

	info, err := d.Info()
	require.NoError(t, err)
	assert.Equal(t, "sim", info.Driver)
	assert.Equal(t, "8.6", info.ComputeCapability)
	assert.Equal(t, uint64(256*mib), info.TotalMemory)
	assert.Equal(t, uint64(255*mib-testModuleSize), info.FreeMemory)
	assert.Equal(t, 1, info.Allocations)
	assert.Empty(t, info.Error)
}
