//go:build cuda
// +build cuda

package driver

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"
)

// Driver API entry points, bound at runtime from libcuda.
var (
	loadOnce sync.Once
	loadErr  error

	cuInit                    func(flags uint32) Result
	cuGetErrorString          func(r Result, str **byte) Result
	cuDeviceGetCount          func(count *int32) Result
	cuDeviceGet               func(dev *int32, ordinal int32) Result
	cuDeviceGetName           func(name *byte, n int32, dev int32) Result
	cuDeviceTotalMem          func(bytes *uint64, dev int32) Result
	cuDeviceGetAttribute      func(v *int32, attr int32, dev int32) Result
	cuDeviceCanAccessPeer     func(can *int32, dev int32, peer int32) Result
	cuDeviceGetP2PAttribute   func(v *int32, attr int32, src int32, dst int32) Result
	cuCtxCreate               func(ctx *uintptr, flags uint32, dev int32) Result
	cuCtxDestroy              func(ctx uintptr) Result
	cuCtxPushCurrent          func(ctx uintptr) Result
	cuCtxPopCurrent           func(ctx *uintptr) Result
	cuCtxEnablePeerAccess     func(peer uintptr, flags uint32) Result
	cuMemGetInfo              func(free *uint64, total *uint64) Result
	cuMemAlloc                func(ptr *uint64, size uint64) Result
	cuMemFree                 func(ptr uint64) Result
	cuMemHostAlloc            func(p *unsafe.Pointer, size uint64, flags uint32) Result
	cuMemFreeHost             func(p unsafe.Pointer) Result
	cuMemHostGetDevicePointer func(ptr *uint64, p unsafe.Pointer, flags uint32) Result
	cuMemcpyHtoD              func(dst uint64, src unsafe.Pointer, n uint64) Result
	cuMemcpyDtoH              func(dst unsafe.Pointer, src uint64, n uint64) Result
	cuMemsetD8                func(dst uint64, v uint8, n uint64) Result
	cuMemcpy2DUnaligned       func(p *cudaMemcpy2D) Result
	cuArray3DCreate           func(a *uintptr, desc *cudaArray3DDescriptor) Result
	cuMemcpy3D                func(p *cudaMemcpy3D) Result
	cuArrayDestroy            func(a uintptr) Result
	cuTexObjectCreate         func(t *uint64, res *cudaResourceDesc, tex *cudaTextureDesc, view unsafe.Pointer) Result
	cuTexObjectDestroy        func(t uint64) Result
	cuModuleLoadData          func(m *uintptr, image unsafe.Pointer) Result
	cuModuleUnload            func(m uintptr) Result
	cuModuleGetGlobal         func(ptr *uint64, size *uint64, m uintptr, name *byte) Result
)

const (
	memoryTypeHost   = 0x01
	memoryTypeDevice = 0x02
	memoryTypeArray  = 0x03

	p2pAttrArrayAccessSupported = 0x04

	trsfNormalizedCoordinates = 0x02
)

// C layouts of the driver's copy and texture descriptors.
type cudaMemcpy2D struct {
	srcXInBytes, srcY uint64
	srcMemoryType     uint32
	_                 uint32
	srcHost           unsafe.Pointer
	srcDevice         uint64
	srcArray          uintptr
	srcPitch          uint64
	dstXInBytes, dstY uint64
	dstMemoryType     uint32
	_                 uint32
	dstHost           unsafe.Pointer
	dstDevice         uint64
	dstArray          uintptr
	dstPitch          uint64
	widthInBytes      uint64
	height            uint64
}

type cudaMemcpy3D struct {
	srcXInBytes, srcY, srcZ, srcLOD uint64
	srcMemoryType                   uint32
	_                               uint32
	srcHost                         unsafe.Pointer
	srcDevice                       uint64
	srcArray                        uintptr
	reserved0                       unsafe.Pointer
	srcPitch, srcHeight             uint64
	dstXInBytes, dstY, dstZ, dstLOD uint64
	dstMemoryType                   uint32
	_                               uint32
	dstHost                         unsafe.Pointer
	dstDevice                       uint64
	dstArray                        uintptr
	reserved1                       unsafe.Pointer
	dstPitch, dstHeight             uint64
	widthInBytes, height, depth     uint64
}

type cudaArray3DDescriptor struct {
	width, height, depth uint64
	format               uint32
	numChannels          uint32
	flags                uint32
	_                    uint32
}

type cudaResourceDesc struct {
	resType uint32
	_       uint32
	res     [128]byte
	flags   uint32
	_       uint32
}

type cudaTextureDesc struct {
	addressMode         [3]uint32
	filterMode          uint32
	flags               uint32
	maxAnisotropy       uint32
	mipmapFilterMode    uint32
	mipmapLevelBias     float32
	minMipmapLevelClamp float32
	maxMipmapLevelClamp float32
	borderColor         [4]float32
	reserved            [12]int32
}

func loadLibrary() error {
	loadOnce.Do(func() {
		var lib uintptr
		lib, loadErr = purego.Dlopen("libcuda.so.1", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		if loadErr != nil {
			lib, loadErr = purego.Dlopen("libcuda.so", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
			if loadErr != nil {
				loadErr = fmt.Errorf("cannot load libcuda: %w", loadErr)
				return
			}
		}
		purego.RegisterLibFunc(&cuInit, lib, "cuInit")
		purego.RegisterLibFunc(&cuGetErrorString, lib, "cuGetErrorString")
		purego.RegisterLibFunc(&cuDeviceGetCount, lib, "cuDeviceGetCount")
		purego.RegisterLibFunc(&cuDeviceGet, lib, "cuDeviceGet")
		purego.RegisterLibFunc(&cuDeviceGetName, lib, "cuDeviceGetName")
		purego.RegisterLibFunc(&cuDeviceTotalMem, lib, "cuDeviceTotalMem_v2")
		purego.RegisterLibFunc(&cuDeviceGetAttribute, lib, "cuDeviceGetAttribute")
		purego.RegisterLibFunc(&cuDeviceCanAccessPeer, lib, "cuDeviceCanAccessPeer")
		purego.RegisterLibFunc(&cuDeviceGetP2PAttribute, lib, "cuDeviceGetP2PAttribute")
		purego.RegisterLibFunc(&cuCtxCreate, lib, "cuCtxCreate_v2")
		purego.RegisterLibFunc(&cuCtxDestroy, lib, "cuCtxDestroy_v2")
		purego.RegisterLibFunc(&cuCtxPushCurrent, lib, "cuCtxPushCurrent_v2")
		purego.RegisterLibFunc(&cuCtxPopCurrent, lib, "cuCtxPopCurrent_v2")
		purego.RegisterLibFunc(&cuCtxEnablePeerAccess, lib, "cuCtxEnablePeerAccess")
		purego.RegisterLibFunc(&cuMemGetInfo, lib, "cuMemGetInfo_v2")
		purego.RegisterLibFunc(&cuMemAlloc, lib, "cuMemAlloc_v2")
		purego.RegisterLibFunc(&cuMemFree, lib, "cuMemFree_v2")
		purego.RegisterLibFunc(&cuMemHostAlloc, lib, "cuMemHostAlloc")
		purego.RegisterLibFunc(&cuMemFreeHost, lib, "cuMemFreeHost")
		purego.RegisterLibFunc(&cuMemHostGetDevicePointer, lib, "cuMemHostGetDevicePointer_v2")
		purego.RegisterLibFunc(&cuMemcpyHtoD, lib, "cuMemcpyHtoD_v2")
		purego.RegisterLibFunc(&cuMemcpyDtoH, lib, "cuMemcpyDtoH_v2")
		purego.RegisterLibFunc(&cuMemsetD8, lib, "cuMemsetD8_v2")
		purego.RegisterLibFunc(&cuMemcpy2DUnaligned, lib, "cuMemcpy2DUnaligned_v2")
		purego.RegisterLibFunc(&cuArray3DCreate, lib, "cuArray3DCreate_v2")
		purego.RegisterLibFunc(&cuMemcpy3D, lib, "cuMemcpy3D_v2")
		purego.RegisterLibFunc(&cuArrayDestroy, lib, "cuArrayDestroy")
		purego.RegisterLibFunc(&cuTexObjectCreate, lib, "cuTexObjectCreate")
		purego.RegisterLibFunc(&cuTexObjectDestroy, lib, "cuTexObjectDestroy")
		purego.RegisterLibFunc(&cuModuleLoadData, lib, "cuModuleLoadData")
		purego.RegisterLibFunc(&cuModuleUnload, lib, "cuModuleUnload")
		purego.RegisterLibFunc(&cuModuleGetGlobal, lib, "cuModuleGetGlobal_v2")
	})
	return loadErr
}

// CUDA implements Driver on top of the installed NVIDIA driver library.
type CUDA struct {
	log *zap.Logger
}

func newCUDA(log *zap.Logger) (Driver, error) {
	if err := loadLibrary(); err != nil {
		return nil, err
	}
	return &CUDA{log: log}, nil
}

func (c *CUDA) Name() string { return "cuda" }

// check converts a result, resolving the driver's own error string when the
// code is unknown to this package.
func check(r Result) error {
	if r == Success {
		return nil
	}
	if _, ok := resultStrings[r]; !ok && cuGetErrorString != nil {
		var str *byte
		if cuGetErrorString(r, &str) == Success && str != nil {
			return fmt.Errorf("%s (%d): %w", goString(str), int32(r), r)
		}
	}
	return r
}

func goString(p *byte) string {
	var buf bytes.Buffer
	for ptr := unsafe.Pointer(p); *(*byte)(ptr) != 0; ptr = unsafe.Add(ptr, 1) {
		buf.WriteByte(*(*byte)(ptr))
	}
	return buf.String()
}

func hostPtr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}

func (c *CUDA) Init() error { return check(cuInit(0)) }

func (c *CUDA) DeviceCount() (int, error) {
	var n int32
	err := check(cuDeviceGetCount(&n))
	return int(n), err
}

func (c *CUDA) DeviceGet(ordinal int) (Device, error) {
	var dev int32
	err := check(cuDeviceGet(&dev, int32(ordinal)))
	return Device(dev), err
}

func (c *CUDA) DeviceName(dev Device) (string, error) {
	buf := make([]byte, 256)
	if err := check(cuDeviceGetName(&buf[0], int32(len(buf)), int32(dev))); err != nil {
		return "", err
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}

func (c *CUDA) DeviceTotalMem(dev Device) (uint64, error) {
	var total uint64
	err := check(cuDeviceTotalMem(&total, int32(dev)))
	return total, err
}

func (c *CUDA) DeviceAttribute(dev Device, attr Attribute) (int, error) {
	var v int32
	err := check(cuDeviceGetAttribute(&v, int32(attr), int32(dev)))
	return int(v), err
}

func (c *CUDA) DeviceCanAccessPeer(dev, peer Device) (bool, error) {
	var can int32
	if err := check(cuDeviceCanAccessPeer(&can, int32(dev), int32(peer))); err != nil || can == 0 {
		return false, err
	}
	// 3D textures are arrays, so array access over the link is required too.
	if err := check(cuDeviceGetP2PAttribute(&can, p2pAttrArrayAccessSupported, int32(dev), int32(peer))); err != nil {
		return false, err
	}
	return can != 0, nil
}

func (c *CUDA) CtxCreate(flags ContextFlags, dev Device) (Context, error) {
	var ctx uintptr
	err := check(cuCtxCreate(&ctx, uint32(flags), int32(dev)))
	return Context(ctx), err
}

func (c *CUDA) CtxDestroy(ctx Context) error { return check(cuCtxDestroy(uintptr(ctx))) }

func (c *CUDA) CtxPushCurrent(ctx Context) error { return check(cuCtxPushCurrent(uintptr(ctx))) }

func (c *CUDA) CtxPopCurrent() (Context, error) {
	var ctx uintptr
	err := check(cuCtxPopCurrent(&ctx))
	return Context(ctx), err
}

func (c *CUDA) CtxEnablePeerAccess(peer Context) error {
	return check(cuCtxEnablePeerAccess(uintptr(peer), 0))
}

func (c *CUDA) MemGetInfo() (uint64, uint64, error) {
	var free, total uint64
	err := check(cuMemGetInfo(&free, &total))
	return free, total, err
}

func (c *CUDA) MemAlloc(size uint64) (DevicePtr, error) {
	var ptr uint64
	err := check(cuMemAlloc(&ptr, size))
	return DevicePtr(ptr), err
}

func (c *CUDA) MemFree(ptr DevicePtr) error { return check(cuMemFree(uint64(ptr))) }

func (c *CUDA) MemHostAlloc(size uint64, flags HostAllocFlags) ([]byte, error) {
	var p unsafe.Pointer
	if err := check(cuMemHostAlloc(&p, size, uint32(flags))); err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), size), nil
}

func (c *CUDA) MemFreeHost(buf []byte) error { return check(cuMemFreeHost(hostPtr(buf))) }

func (c *CUDA) MemHostGetDevicePointer(buf []byte) (DevicePtr, error) {
	var ptr uint64
	err := check(cuMemHostGetDevicePointer(&ptr, hostPtr(buf), 0))
	return DevicePtr(ptr), err
}

func (c *CUDA) MemcpyHtoD(dst DevicePtr, src []byte) error {
	return check(cuMemcpyHtoD(uint64(dst), hostPtr(src), uint64(len(src))))
}

func (c *CUDA) MemcpyDtoH(dst []byte, src DevicePtr) error {
	return check(cuMemcpyDtoH(hostPtr(dst), uint64(src), uint64(len(dst))))
}

func (c *CUDA) MemsetD8(dst DevicePtr, value byte, n uint64) error {
	return check(cuMemsetD8(uint64(dst), value, n))
}

func (c *CUDA) Memcpy2DUnaligned(p *Copy2D) error {
	param := cudaMemcpy2D{
		srcMemoryType: memoryTypeHost,
		srcHost:       hostPtr(p.Src),
		srcPitch:      uint64(p.SrcPitch),
		dstMemoryType: memoryTypeDevice,
		dstDevice:     uint64(p.Dst),
		dstPitch:      uint64(p.DstPitch),
		widthInBytes:  uint64(p.WidthInBytes),
		height:        uint64(p.Height),
	}
	return check(cuMemcpy2DUnaligned(&param))
}

func (c *CUDA) Array3DCreate(desc *Array3DDescriptor) (Array, error) {
	d := cudaArray3DDescriptor{
		width:       uint64(desc.Width),
		height:      uint64(desc.Height),
		depth:       uint64(desc.Depth),
		format:      uint32(desc.Format),
		numChannels: uint32(desc.NumChannels),
	}
	var a uintptr
	err := check(cuArray3DCreate(&a, &d))
	return Array(a), err
}

func (c *CUDA) Memcpy3D(p *Copy3D) error {
	param := cudaMemcpy3D{
		srcMemoryType: memoryTypeHost,
		srcHost:       hostPtr(p.Src),
		srcPitch:      uint64(p.SrcPitch),
		dstMemoryType: memoryTypeArray,
		dstArray:      uintptr(p.Dst),
		widthInBytes:  uint64(p.WidthInBytes),
		height:        uint64(p.Height),
		depth:         uint64(p.Depth),
	}
	return check(cuMemcpy3D(&param))
}

func (c *CUDA) ArrayDestroy(a Array) error { return check(cuArrayDestroy(uintptr(a))) }

func (c *CUDA) TexObjectCreate(res *ResourceDesc, tex *TextureDesc) (TexObject, error) {
	var rd cudaResourceDesc
	rd.resType = uint32(res.Type)
	le := binary.LittleEndian
	switch res.Type {
	case ResourceTypeArray:
		le.PutUint64(rd.res[0:], uint64(res.Array))
	case ResourceTypeLinear:
		le.PutUint64(rd.res[0:], uint64(res.Ptr))
		le.PutUint32(rd.res[8:], uint32(res.Format))
		le.PutUint32(rd.res[12:], uint32(res.NumChannels))
		le.PutUint64(rd.res[16:], uint64(res.SizeInBytes))
	case ResourceTypePitch2D:
		le.PutUint64(rd.res[0:], uint64(res.Ptr))
		le.PutUint32(rd.res[8:], uint32(res.Format))
		le.PutUint32(rd.res[12:], uint32(res.NumChannels))
		le.PutUint64(rd.res[16:], uint64(res.Width))
		le.PutUint64(rd.res[24:], uint64(res.Height))
		le.PutUint64(rd.res[32:], uint64(res.PitchInBytes))
	}
	td := cudaTextureDesc{filterMode: uint32(tex.FilterMode)}
	for i, m := range tex.AddressMode {
		td.addressMode[i] = uint32(m)
	}
	if tex.NormalizedCoords {
		td.flags |= trsfNormalizedCoordinates
	}
	var t uint64
	err := check(cuTexObjectCreate(&t, &rd, &td, nil))
	return TexObject(t), err
}

func (c *CUDA) TexObjectDestroy(t TexObject) error { return check(cuTexObjectDestroy(uint64(t))) }

func (c *CUDA) ModuleLoadData(image []byte) (Module, error) {
	// The driver expects a NUL terminated image for PTX input.
	data := append(bytes.Clone(image), 0)
	var m uintptr
	err := check(cuModuleLoadData(&m, unsafe.Pointer(&data[0])))
	return Module(m), err
}

func (c *CUDA) ModuleUnload(m Module) error { return check(cuModuleUnload(uintptr(m))) }

func (c *CUDA) ModuleGetGlobal(m Module, name string) (DevicePtr, uint64, error) {
	cname := append([]byte(name), 0)
	var ptr, size uint64
	err := check(cuModuleGetGlobal(&ptr, &size, uintptr(m), &cname[0]))
	return DevicePtr(ptr), size, err
}
