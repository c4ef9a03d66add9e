package driver

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// pushed creates a context on device 0 and keeps it current for the test.
func pushed(t *testing.T, s *Sim) Context {
	t.Helper()
	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)
	require.NoError(t, s.Init())
	dev, err := s.DeviceGet(0)
	require.NoError(t, err)
	ctx, err := s.CtxCreate(CtxMapHost, dev)
	require.NoError(t, err)
	return ctx
}

func TestSim_ContextStack(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := NewSim(zap.NewNop(), DefaultSimDevice(), DefaultSimDevice())
	require.NoError(t, s.Init())

	_, _, err := s.MemGetInfo()
	assert.Equal(t, ErrorInvalidContext, err)

	ctx0, err := s.CtxCreate(0, 0)
	require.NoError(t, err)
	popped, err := s.CtxPopCurrent()
	require.NoError(t, err)
	assert.Equal(t, ctx0, popped)

	ctx1, err := s.CtxCreate(0, 1)
	require.NoError(t, err)
	require.NoError(t, s.CtxPushCurrent(ctx0))

	popped, err = s.CtxPopCurrent()
	require.NoError(t, err)
	assert.Equal(t, ctx0, popped)
	popped, err = s.CtxPopCurrent()
	require.NoError(t, err)
	assert.Equal(t, ctx1, popped)

	_, err = s.CtxPopCurrent()
	assert.Equal(t, ErrorInvalidContext, err)
}

func TestSim_MemAllocTracksFreeMemory(t *testing.T) {
	cfg := DefaultSimDevice()
	cfg.TotalMemory = 1 << 20
	s := NewSim(nil, cfg)
	pushed(t, s)

	free, total, err := s.MemGetInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), total)
	assert.Equal(t, total, free)

	ptr, err := s.MemAlloc(4096)
	require.NoError(t, err)
	free, _, err = s.MemGetInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20-4096), free)

	_, err = s.MemAlloc(1 << 20)
	assert.True(t, IsOutOfMemory(err))

	require.NoError(t, s.MemFree(ptr))
	assert.Equal(t, uint64(0), s.Used(0))
	assert.Error(t, s.MemFree(ptr))
}

func TestSim_CopiesAndMemset(t *testing.T) {
	s := NewSim(nil)
	pushed(t, s)

	ptr, err := s.MemAlloc(8)
	require.NoError(t, err)
	require.NoError(t, s.MemcpyHtoD(ptr, []byte{1, 2, 3, 4, 5, 6, 7, 8}))

	out := make([]byte, 4)
	require.NoError(t, s.MemcpyDtoH(out, ptr+4))
	assert.Equal(t, []byte{5, 6, 7, 8}, out)

	require.NoError(t, s.MemsetD8(ptr, 0, 8))
	data, err := s.ReadDevice(ptr, 8)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8), data)
}

func TestSim_MappedHostMemory(t *testing.T) {
	s := NewSim(nil)
	pushed(t, s)

	buf, err := s.MemHostAlloc(16, HostAllocDeviceMap|HostAllocWriteCombined)
	require.NoError(t, err)
	ptr, err := s.MemHostGetDevicePointer(buf)
	require.NoError(t, err)

	buf[3] = 42
	data, err := s.ReadDevice(ptr, 16)
	require.NoError(t, err)
	assert.Equal(t, byte(42), data[3])
	assert.Equal(t, uint64(0), s.Used(0), "mapped host memory must not count as device memory")

	require.NoError(t, s.MemFreeHost(buf))
	assert.Equal(t, 0, s.HostAllocations())
	_, err = s.ReadDevice(ptr, 16)
	assert.Error(t, err)
}

func TestSim_Memcpy2DUnaligned(t *testing.T) {
	s := NewSim(nil)
	pushed(t, s)

	ptr, err := s.MemAlloc(2 * 8)
	require.NoError(t, err)
	src := []byte{1, 2, 3, 4, 5, 6}
	require.NoError(t, s.Memcpy2DUnaligned(&Copy2D{
		Dst: ptr, DstPitch: 8, Src: src, SrcPitch: 3, WidthInBytes: 3, Height: 2,
	}))
	data, err := s.ReadDevice(ptr, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0, 4, 5, 6, 0, 0, 0, 0, 0}, data)
}

func TestSim_ArraysAndTextures(t *testing.T) {
	s := NewSim(nil)
	pushed(t, s)

	arr, err := s.Array3DCreate(&Array3DDescriptor{Width: 2, Height: 2, Depth: 2, Format: FormatFloat, NumChannels: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(32), s.Used(0))

	src := make([]byte, 32)
	src[31] = 9
	require.NoError(t, s.Memcpy3D(&Copy3D{Dst: arr, Src: src, SrcPitch: 8, WidthInBytes: 8, Height: 2, Depth: 2}))
	data, err := s.ReadArray(arr)
	require.NoError(t, err)
	assert.Equal(t, byte(9), data[31])

	tex, err := s.TexObjectCreate(&ResourceDesc{Type: ResourceTypeArray, Array: arr}, &TextureDesc{FilterMode: FilterModeLinear})
	require.NoError(t, err)
	got, ok := s.Texture(tex)
	require.True(t, ok)
	assert.Equal(t, FilterModeLinear, got.Texture.FilterMode)

	require.NoError(t, s.TexObjectDestroy(tex))
	require.NoError(t, s.ArrayDestroy(arr))
	assert.Equal(t, uint64(0), s.Used(0))
}

func TestSim_ModuleGlobals(t *testing.T) {
	s := NewSim(nil)
	pushed(t, s)

	_, err := s.ModuleLoadData(nil)
	assert.Equal(t, ErrorInvalidImage, err)

	mod, err := s.ModuleLoadData([]byte("// kernel\n.global __data 64\n.global __texture_info 8\n"))
	require.NoError(t, err)

	ptr, size, err := s.ModuleGetGlobal(mod, "__texture_info")
	require.NoError(t, err)
	assert.NotZero(t, ptr)
	assert.Equal(t, uint64(8), size)

	_, _, err = s.ModuleGetGlobal(mod, "missing")
	assert.Equal(t, ErrorNotFound, err)

	require.NoError(t, s.ModuleUnload(mod))
	assert.Equal(t, uint64(0), s.Used(0))
}

func TestSim_FailNext(t *testing.T) {
	s := NewSim(nil)
	pushed(t, s)

	s.FailNext("MemAlloc", ErrorUnknown)
	_, err := s.MemAlloc(16)
	assert.Equal(t, ErrorUnknown, err)
	_, err = s.MemAlloc(16)
	assert.NoError(t, err)
}

func TestResult_Error(t *testing.T) {
	assert.Equal(t, "out of memory", ErrorOutOfMemory.Error())
	assert.Contains(t, Result(12345).Error(), "12345")
	assert.NoError(t, Check(Success))
	assert.Equal(t, ErrorInvalidValue, Check(ErrorInvalidValue))
}
