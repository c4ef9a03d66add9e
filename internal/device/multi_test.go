package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/computedevice/internal/driver"
)

func TestNewMultiDevice(t *testing.T) {
	_, err := NewMultiDevice(nil, false, zap.NewNop())
	assert.Error(t, err)

	m, _ := newManager(t, Options{}, driver.DefaultSimDevice())
	multi, err := NewMultiDevice(m.Devices(), true, nil)
	require.NoError(t, err)
	assert.Nil(t, multi.owner, "a single device shares nothing")
	assert.Len(t, multi.Devices(), 1)
}

func TestMultiDevice_Replicated(t *testing.T) {
	m, sim := newManager(t, Options{}, driver.DefaultSimDevice(), driver.DefaultSimDevice())
	multi, err := m.Multi(false)
	require.NoError(t, err)
	d0, d1 := m.Devices()[0], m.Devices()[1]

	mem := NewMemory("rows", KindGeneric, TypeFloat, 1)
	buf := mem.Alloc(16, 8, 0)
	for i := range buf {
		buf[i] = byte(i)
	}
	original := append([]byte(nil), buf...)

	require.NoError(t, multi.MemCopyTo(mem))
	p0, p1 := multi.DevicePointer(mem, d0), multi.DevicePointer(mem, d1)
	require.NotZero(t, p0)
	require.NotZero(t, p1)
	assert.NotEqual(t, p0, p1)
	assert.NotEqual(t, p0, mem.DevicePointer(), "callers only see an opaque key")
	assert.NotZero(t, mem.DevicePointer())
	assert.Equal(t, uint64(512+testModuleSize), sim.Used(0))
	assert.Equal(t, uint64(512+testModuleSize), sim.Used(1))

	for _, p := range []driver.DevicePtr{p0, p1} {
		data, err := sim.ReadDevice(p, 512)
		require.NoError(t, err)
		assert.Equal(t, original, data)
	}

	t.Run("copy back splits rows between devices", func(t *testing.T) {
		scope, err := d1.Enter()
		require.NoError(t, err)
		require.NoError(t, sim.MemsetD8(p1, 0xff, 512))
		scope.Exit()

		clear(mem.Host)
		require.NoError(t, multi.MemCopyFrom(mem, 0, 16, 8, 4))
		assert.Equal(t, original[:256], mem.Host[:256], "first half from the first device")
		for _, b := range mem.Host[256:] {
			require.Equal(t, byte(0xff), b, "second half from the second device")
		}
	})

	t.Run("zero", func(t *testing.T) {
		require.NoError(t, multi.MemZero(mem))
		for _, p := range []driver.DevicePtr{p0, p1} {
			data, err := sim.ReadDevice(p, 512)
			require.NoError(t, err)
			assert.Equal(t, make([]byte, 512), data)
		}
	})

	require.NoError(t, multi.MemFree(mem))
	assert.Zero(t, mem.DevicePointer())
	assert.Zero(t, multi.DevicePointer(mem, d0))
	assert.Equal(t, uint64(testModuleSize), sim.Used(0))
	assert.Equal(t, uint64(testModuleSize), sim.Used(1))
	assert.NoError(t, multi.MemFree(mem), "second free is a no-op")
}

func TestMultiDevice_PeerSharing(t *testing.T) {
	m, sim := newManager(t, Options{}, driver.DefaultSimDevice(), driver.DefaultSimDevice())
	multi, err := m.Multi(true)
	require.NoError(t, err)
	require.NotNil(t, multi.owner)
	d0, d1 := m.Devices()[0], m.Devices()[1]

	t.Run("generic memory is stored once", func(t *testing.T) {
		mem := linear("buffer", 4096)
		require.NoError(t, multi.MemAlloc(mem))
		assert.Equal(t, multi.DevicePointer(mem, d0), multi.DevicePointer(mem, d1))
		assert.Equal(t, uint64(4096+testModuleSize), sim.Used(0))
		assert.Equal(t, uint64(testModuleSize), sim.Used(1))
		require.NoError(t, multi.MemFree(mem))
		assert.Equal(t, uint64(testModuleSize), sim.Used(0))
	})

	t.Run("textures are referenced by peers", func(t *testing.T) {
		mem := image("albedo", 5, 60, 64)
		require.NoError(t, multi.BindTexture(mem))
		owned := multi.DevicePointer(mem, d0)
		require.NotZero(t, owned)
		assert.Equal(t, uint64(256*64+testModuleSize), sim.Used(0))
		assert.Equal(t, uint64(testModuleSize), sim.Used(1), "peer holds no storage")

		rec := lookup(t, d1, mem)
		require.NotZero(t, rec.texObject)
		tex, ok := sim.Texture(rec.texObject)
		require.True(t, ok)
		assert.Equal(t, owned, tex.Resource.Ptr)
		assert.Equal(t, 256, tex.Resource.PitchInBytes)

		info, ok := d1.TextureInfo(5)
		require.True(t, ok)
		assert.Equal(t, uint64(rec.texObject), info.Data)

		require.NoError(t, multi.LoadTextureInfo())
		assert.Equal(t, uint64(rec.texObject), readTextureInfo(t, d1, sim)[5].Data)

		require.NoError(t, multi.UnbindTexture(mem))
		_, ok = sim.Texture(rec.texObject)
		assert.False(t, ok)
		_, ok = d1.reg.lookup(mem.ID)
		assert.False(t, ok, "the peer reference is dropped")
		assert.Zero(t, mem.DevicePointer())
	})

	t.Run("textures must be texture memory", func(t *testing.T) {
		assert.ErrorIs(t, multi.BindTexture(linear("buffer", 16)), ErrUnsupportedOperation)
	})
}

func TestMultiDevice_SharedHostFallback(t *testing.T) {
	m, sim := newManager(t, Options{HostLimit: 64 * mib}, simDevice(16*mib), simDevice(16*mib))
	multi, err := m.Multi(false)
	require.NoError(t, err)
	d0, d1 := m.Devices()[0], m.Devices()[1]

	mem := linear("buffer", 12*mib)
	require.NoError(t, multi.MemCopyTo(mem))

	assert.True(t, lookup(t, d0, mem).mappedHost)
	assert.True(t, lookup(t, d1, mem).mappedHost)
	assert.Equal(t, 1, sim.HostAllocations(), "devices share one host buffer")
	require.NotNil(t, mem.Shared())
	assert.Equal(t, 2, mem.Shared().Refs())
	assert.Equal(t, multi.DevicePointer(mem, d0), multi.DevicePointer(mem, d1))

	require.NoError(t, multi.MemFree(mem))
	assert.Zero(t, sim.HostAllocations())
	assert.Zero(t, d0.HostUsed())
	assert.Zero(t, d1.HostUsed())
}

func TestMultiDevice_NestedEviction(t *testing.T) {
	m, sim := newManager(t, Options{
		WorkingHeadroom: 4 * mib,
		TextureHeadroom: 8 * mib,
		HostLimit:       64 * mib,
	}, simDevice(64*mib), simDevice(64*mib))
	multi, err := m.Multi(false)
	require.NoError(t, err)
	d0, d1 := m.Devices()[0], m.Devices()[1]

	tex := NewTexture("table", 0, TypeUChar, 4, TextureInfo{DataType: ImageByte4})
	tex.Alloc(3*mib, 0, 0)
	require.NoError(t, multi.BindTexture(tex))
	require.False(t, lookup(t, d0, tex).mappedHost)
	require.False(t, lookup(t, d1, tex).mappedHost)

	// Leave the second device too little room to take the texture back.
	filler := linear("filler", 44*mib)
	require.NoError(t, d1.MemAlloc(filler))
	t.Cleanup(func() { _ = d1.MemFree(filler) })

	count0, _ := evictions(d0)
	count1, _ := evictions(d1)

	// The first device moves the texture to host memory. The move is
	// republished on every device, and the second device cannot start a
	// relocation of its own while the first one runs.
	mem := linear("buffer", 48*mib)
	require.NoError(t, d0.MemAlloc(mem))
	t.Cleanup(func() { _ = d0.MemFree(mem) })

	assert.False(t, lookup(t, d0, mem).mappedHost)
	assert.True(t, lookup(t, d0, tex).mappedHost)
	assert.True(t, lookup(t, d1, tex).mappedHost)
	assert.Equal(t, 1, sim.HostAllocations())
	assert.Equal(t, 2, tex.Shared().Refs())

	n0, _ := evictions(d0)
	n1, _ := evictions(d1)
	assert.Equal(t, count0+1, n0)
	assert.Equal(t, count1, n1)
	assert.False(t, m.Coordinator().Moving())

	require.NoError(t, multi.LoadTextureInfo())
	for _, d := range m.Devices() {
		rec := lookup(t, d, tex)
		assert.Equal(t, uint64(rec.texObject), readTextureInfo(t, d, sim)[0].Data, "%s table updated", d.Label())
	}

	require.NoError(t, multi.UnbindTexture(tex))
	assert.Zero(t, sim.HostAllocations())
	assert.False(t, multi.HaveError())
}

func TestMultiDevice_ConstCopyTo(t *testing.T) {
	m, sim := newManager(t, Options{}, driver.DefaultSimDevice(), driver.DefaultSimDevice())
	multi, err := m.Multi(false)
	require.NoError(t, err)

	value := []byte{7, 0, 0, 0, 0, 0, 0, 0}
	require.NoError(t, multi.ConstCopyTo("__data", value))
	for _, d := range m.Devices() {
		assert.Equal(t, driver.DevicePtr(7), globalPointer(t, d, sim, "__data"))
	}

	assert.Error(t, multi.ConstCopyTo("__missing", value))
	assert.True(t, multi.HaveError())
}
