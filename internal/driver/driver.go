package driver

// DevicePtr is an address in an accelerator's address space.
type DevicePtr uint64

// Device is a driver device handle resolved from an ordinal.
type Device int32

// Context is a driver execution context bound to one device.
type Context uintptr

// Array is an opaque image array with no linear address.
type Array uintptr

// TexObject is a bindless texture handle.
type TexObject uint64

// Module is a loaded kernel binary.
type Module uintptr

// Attribute selects a device attribute. Values match the driver API.
type Attribute int32

const (
	AttrMultiprocessorCount         Attribute = 16
	AttrCanMapHostMemory            Attribute = 19
	AttrMaxThreadsPerMultiprocessor Attribute = 39
	AttrTexturePitchAlignment       Attribute = 51
	AttrComputeCapabilityMajor      Attribute = 75
	AttrComputeCapabilityMinor      Attribute = 76
)

// ContextFlags are passed to CtxCreate.
type ContextFlags uint32

const (
	// CtxMapHost allows mapping page-locked host memory into the device.
	CtxMapHost ContextFlags = 0x08
	// CtxLmemResizeToMax keeps local memory reserved after kernel launches.
	CtxLmemResizeToMax ContextFlags = 0x10
)

// HostAllocFlags are passed to MemHostAlloc.
type HostAllocFlags uint32

const (
	HostAllocDeviceMap     HostAllocFlags = 0x02
	HostAllocWriteCombined HostAllocFlags = 0x04
)

// ArrayFormat is the element format of image storage.
type ArrayFormat uint32

const (
	FormatUnsignedInt8  ArrayFormat = 0x01
	FormatUnsignedInt16 ArrayFormat = 0x02
	FormatUnsignedInt32 ArrayFormat = 0x03
	FormatSignedInt32   ArrayFormat = 0x0a
	FormatHalf          ArrayFormat = 0x10
	FormatFloat         ArrayFormat = 0x20
)

// AddressMode is the texture addressing mode for out of range coordinates.
type AddressMode uint32

const (
	AddressModeWrap   AddressMode = 0
	AddressModeClamp  AddressMode = 1
	AddressModeMirror AddressMode = 2
	AddressModeBorder AddressMode = 3
)

// FilterMode is the texture filtering mode.
type FilterMode uint32

const (
	FilterModePoint  FilterMode = 0
	FilterModeLinear FilterMode = 1
)

// ResourceType selects the backing store described by a ResourceDesc.
type ResourceType uint32

const (
	ResourceTypeArray   ResourceType = 0x00
	ResourceTypeLinear  ResourceType = 0x02
	ResourceTypePitch2D ResourceType = 0x03
)

// Array3DDescriptor describes a 3D image array.
type Array3DDescriptor struct {
	Width       int
	Height      int
	Depth       int
	Format      ArrayFormat
	NumChannels int
}

// Copy2D describes a pitched host to device copy.
type Copy2D struct {
	Dst          DevicePtr
	DstPitch     int
	Src          []byte
	SrcPitch     int
	WidthInBytes int
	Height       int
}

// Copy3D describes a host to array copy.
type Copy3D struct {
	Dst          Array
	Src          []byte
	SrcPitch     int
	WidthInBytes int
	Height       int
	Depth        int
}

// ResourceDesc describes the storage a texture object reads from.
type ResourceDesc struct {
	Type         ResourceType
	Array        Array
	Ptr          DevicePtr
	Format       ArrayFormat
	NumChannels  int
	Width        int
	Height       int
	PitchInBytes int
	SizeInBytes  int
}

// TextureDesc describes how a texture object samples its resource.
type TextureDesc struct {
	AddressMode      [3]AddressMode
	FilterMode       FilterMode
	NormalizedCoords bool
}

// Driver is the hardware interface used by devices.
//
// It mirrors the accelerator driver API closely: every call operates on the
// context current on the calling OS thread, so callers must push a context
// (see device.ContextScope) before touching device state. Every method returns
// a Result as its error when the driver reports a failure.
//
// Implementations must be safe for concurrent use from multiple threads.
type Driver interface {
	// Name identifies the implementation ("cuda", "sim").
	Name() string

	Init() error
	DeviceCount() (int, error)
	DeviceGet(ordinal int) (Device, error)
	DeviceName(dev Device) (string, error)
	DeviceTotalMem(dev Device) (uint64, error)
	DeviceAttribute(dev Device, attr Attribute) (int, error)

	// DeviceCanAccessPeer reports whether dev can address memory of peer,
	// including image arrays over the link.
	DeviceCanAccessPeer(dev, peer Device) (bool, error)

	CtxCreate(flags ContextFlags, dev Device) (Context, error)
	CtxDestroy(ctx Context) error
	CtxPushCurrent(ctx Context) error
	CtxPopCurrent() (Context, error)
	CtxEnablePeerAccess(peer Context) error

	// MemGetInfo returns free and total memory of the current context's device.
	MemGetInfo() (free, total uint64, err error)
	MemAlloc(size uint64) (DevicePtr, error)
	MemFree(ptr DevicePtr) error

	// MemHostAlloc reserves page-locked host memory. With HostAllocDeviceMap
	// the buffer can be mapped with MemHostGetDevicePointer.
	MemHostAlloc(size uint64, flags HostAllocFlags) ([]byte, error)
	MemFreeHost(buf []byte) error
	MemHostGetDevicePointer(buf []byte) (DevicePtr, error)

	MemcpyHtoD(dst DevicePtr, src []byte) error
	MemcpyDtoH(dst []byte, src DevicePtr) error
	MemsetD8(dst DevicePtr, value byte, n uint64) error
	Memcpy2DUnaligned(p *Copy2D) error

	Array3DCreate(desc *Array3DDescriptor) (Array, error)
	Memcpy3D(p *Copy3D) error
	ArrayDestroy(a Array) error

	TexObjectCreate(res *ResourceDesc, tex *TextureDesc) (TexObject, error)
	TexObjectDestroy(t TexObject) error

	ModuleLoadData(image []byte) (Module, error)
	ModuleUnload(m Module) error
	// ModuleGetGlobal returns the address and size of a named module global.
	ModuleGetGlobal(m Module, name string) (DevicePtr, uint64, error)
}
