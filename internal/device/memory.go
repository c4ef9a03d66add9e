package device

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/fxnlabs/computedevice/internal/driver"
)

// Kind is the kind of a logical memory object.
type Kind int

const (
	// KindGeneric is plain linear memory staged by the render loop.
	KindGeneric Kind = iota
	// KindGlobal is memory whose device address is published into a module
	// global of the same name.
	KindGlobal
	// KindTexture is image data bound through the texture binder.
	KindTexture
)

func (k Kind) String() string {
	switch k {
	case KindGeneric:
		return "generic"
	case KindGlobal:
		return "global"
	case KindTexture:
		return "texture"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// DataType is the element type of a memory object.
type DataType int

const (
	TypeUChar DataType = iota
	TypeUInt16
	TypeUInt
	TypeInt
	TypeFloat
	TypeHalf
	TypeUInt64
)

// Size returns the size of one element component in bytes.
func (t DataType) Size() int {
	switch t {
	case TypeUChar:
		return 1
	case TypeUInt16, TypeHalf:
		return 2
	case TypeUInt, TypeInt, TypeFloat:
		return 4
	case TypeUInt64:
		return 8
	}
	return 0
}

func (t DataType) String() string {
	switch t {
	case TypeUChar:
		return "uchar"
	case TypeUInt16:
		return "uint16"
	case TypeUInt:
		return "uint"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeHalf:
		return "half"
	case TypeUInt64:
		return "uint64"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// arrayFormat maps a data type onto the driver's image element format.
func (t DataType) arrayFormat() (driver.ArrayFormat, error) {
	switch t {
	case TypeUChar:
		return driver.FormatUnsignedInt8, nil
	case TypeUInt16:
		return driver.FormatUnsignedInt16, nil
	case TypeUInt:
		return driver.FormatUnsignedInt32, nil
	case TypeInt:
		return driver.FormatSignedInt32, nil
	case TypeFloat:
		return driver.FormatFloat, nil
	case TypeHalf:
		return driver.FormatHalf, nil
	}
	return 0, fmt.Errorf("no image format for data type %s", t)
}

// MemoryID is the stable identity of a memory object.
type MemoryID uuid.UUID

func (id MemoryID) String() string { return uuid.UUID(id).String() }

// SharedHost is a mapped host buffer referenced by one or more devices'
// allocation records. It is released when the last reference is dropped.
type SharedHost struct {
	buf  []byte
	refs int
}

// Refs returns the number of device records referencing the buffer.
func (s *SharedHost) Refs() int { return s.refs }

// Allocator is the memory surface of a device. Both Device and MultiDevice
// implement it.
type Allocator interface {
	MemAlloc(mem *Memory) error
	MemCopyTo(mem *Memory) error
	MemCopyFrom(mem *Memory, y, w, h, elem int) error
	MemZero(mem *Memory) error
	MemFree(mem *Memory) error
}

// Memory is a logical memory object owned by the caller. Its host buffer is
// the authoritative contents; devices mirror it into their address space.
type Memory struct {
	ID       MemoryID
	Name     string
	Kind     Kind
	DataType DataType
	Elements int

	Width  int
	Height int
	Depth  int

	// Host holds the host copy of the data. When the memory is mapped from
	// host memory it may alias the shared host buffer.
	Host []byte

	// Slot and Info describe a texture. They are unused for other kinds.
	Slot int
	Info TextureInfo

	devicePointer driver.DevicePtr
	deviceSize    uint64

	// owner is the device holding the storage when several devices address
	// the same memory over a peer link. Nil means every device is resident.
	owner *Device

	// allocator is the device surface that first allocated the memory.
	// Relocation republishes through it so every device picks up the move.
	allocator Allocator

	mu     sync.Mutex
	shared *SharedHost
}

// NewMemory creates a memory object with no host storage.
func NewMemory(name string, kind Kind, dataType DataType, elements int) *Memory {
	if elements < 1 {
		elements = 1
	}
	return &Memory{
		ID:       MemoryID(uuid.New()),
		Name:     name,
		Kind:     kind,
		DataType: dataType,
		Elements: elements,
	}
}

// NewTexture creates a texture memory object for a metadata slot.
func NewTexture(name string, slot int, dataType DataType, elements int, info TextureInfo) *Memory {
	mem := NewMemory(name, KindTexture, dataType, elements)
	mem.Slot = slot
	mem.Info = info
	return mem
}

// Alloc sizes the memory and allocates a zeroed host buffer for it. A height
// or depth of zero marks a lower dimensional object.
func (m *Memory) Alloc(width, height, depth int) []byte {
	m.Width = width
	m.Height = height
	m.Depth = depth
	m.Host = make([]byte, m.Size())
	return m.Host
}

// ElementSize returns the size of one element in bytes.
func (m *Memory) ElementSize() int {
	return m.DataType.Size() * m.Elements
}

// Size returns the logical size of the data in bytes.
func (m *Memory) Size() uint64 {
	return uint64(m.ElementSize()) * uint64(m.Width) * uint64(max(m.Height, 1)) * uint64(max(m.Depth, 1))
}

// DevicePointer returns the device address, zero when not allocated. For
// memory held by a multi device it is an opaque key.
func (m *Memory) DevicePointer() driver.DevicePtr { return m.devicePointer }

// DeviceSize returns the allocated size including padding.
func (m *Memory) DeviceSize() uint64 { return m.deviceSize }

// IsResident reports whether d holds the storage of the memory.
func (m *Memory) IsResident(d *Device) bool {
	return m.owner == nil || m.owner == d
}

// Shared returns the shared host allocation, if any.
func (m *Memory) Shared() *SharedHost {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shared
}

// hostIsShared reports whether the host buffer is the shared host allocation.
func (m *Memory) hostIsShared() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shared != nil && sameBuffer(m.Host, m.shared.buf)
}

func (m *Memory) via(d *Device) Allocator {
	if m.allocator != nil {
		return m.allocator
	}
	return d
}

func sameBuffer(a, b []byte) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
}
