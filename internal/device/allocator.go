package device

import (
	"encoding/binary"
	"fmt"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/fxnlabs/computedevice/internal/driver"
	"github.com/fxnlabs/computedevice/internal/metrics"
)

const (
	placementDevice = "device"
	placementHost   = "host"
	placementFailed = "failed"
)

// genericAlloc places mem in device memory, or in mapped host memory when
// the device is short on memory. padding is added to the logical size.
func (d *Device) genericAlloc(mem *Memory, padding uint64) error {
	scope, err := d.Enter()
	if err != nil {
		return err
	}
	defer scope.Exit()

	size := mem.Size() + padding
	if size == 0 {
		return fmt.Errorf("allocate %s: memory has no size", mem.Name)
	}

	// The texture table is small and read by every kernel, so it is placed
	// like working memory.
	isTexture := (mem.Kind == KindTexture || mem.Kind == KindGlobal) && mem != d.texInfoMem
	isImage := isTexture && mem.Height > 1

	headroom := d.workingHeadroom
	if isTexture {
		headroom = d.textureHeadroom
	}

	free, _, err := d.drv.MemGetInfo()
	if err != nil {
		return d.check(err, "query free memory")
	}

	if !d.moveToHost.Load() && !isImage && size+headroom >= free && d.canMapHost {
		d.moveTexturesToHost(size+headroom-free, isTexture)
		if free, _, err = d.drv.MemGetInfo(); err != nil {
			return d.check(err, "query free memory")
		}
	}

	var (
		ptr       driver.DevicePtr
		placement string
		shared    *SharedHost
	)
	if !d.moveToHost.Load() && size+headroom < free {
		p, err := d.drv.MemAlloc(size)
		if err == nil {
			ptr = p
			placement = placementDevice
		} else {
			d.log.Debug("Device memory allocation failed, trying host memory",
				zap.String("name", mem.Name), zap.Error(err))
		}
	}

	if ptr == 0 && d.canMapHost {
		ptr, shared, err = d.hostAlloc(mem, size, padding)
		if err != nil {
			return err
		}
		if ptr != 0 {
			placement = placementHost
		}
	}

	if ptr == 0 {
		d.logAllocation(mem, " failed, out of device and host memory")
		metrics.DeviceAllocations.WithLabelValues(d.label, placementFailed).Inc()
		return d.fail(fmt.Errorf("allocate %s (%s): %w", mem.Name, humanize.IBytes(size), ErrOutOfMemory))
	}

	d.logAllocation(mem, " in "+placement+" memory")
	mem.devicePointer = ptr
	mem.deviceSize = size
	d.reg.insert(record{mem: mem, size: size, mappedHost: shared != nil})

	metrics.DeviceAllocations.WithLabelValues(d.label, placement).Inc()
	metrics.DeviceMemoryBytes.WithLabelValues(d.label, placement).Add(float64(size))
	return nil
}

// hostAlloc maps mem from host memory. The shared host allocation of mem is
// adopted if another device created it; otherwise a new one is reserved if
// it fits under the host limit. A zero pointer without error means the
// memory did not fit.
func (d *Device) hostAlloc(mem *Memory, size, padding uint64) (driver.DevicePtr, *SharedHost, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	shared := mem.shared
	if shared != nil {
		d.reg.addHost(size)
	} else {
		if !d.reg.reserveHost(size, d.hostLimit) {
			return 0, nil, nil
		}
		buf, err := d.drv.MemHostAlloc(size, driver.HostAllocDeviceMap|driver.HostAllocWriteCombined)
		if err != nil {
			d.reg.releaseHost(size)
			d.log.Debug("Host memory allocation failed", zap.String("name", mem.Name), zap.Error(err))
			return 0, nil, nil
		}
		shared = &SharedHost{buf: buf}
	}

	ptr, err := d.drv.MemHostGetDevicePointer(shared.buf)
	if err != nil {
		d.reg.releaseHost(size)
		if shared.refs == 0 {
			_ = d.drv.MemFreeHost(shared.buf)
		}
		return 0, nil, d.check(err, "map host memory of %s", mem.Name)
	}

	// Replace the host buffer with the mapped one so both sides observe the
	// same contents. This needs an identical layout, and is skipped while
	// relocating since other devices may still read the old buffer.
	if !d.moveToHost.Load() && padding == 0 && len(mem.Host) > 0 && !sameBuffer(mem.Host, shared.buf) {
		copy(shared.buf, mem.Host)
		mem.Host = shared.buf[:mem.Size()]
	}
	mem.shared = shared
	shared.refs++
	return ptr, shared, nil
}

func (d *Device) logAllocation(mem *Memory, status string) {
	if mem.Name == "" {
		return
	}
	size := mem.Size()
	d.log.Debug(fmt.Sprintf("Buffer allocate: %s, %s bytes. (%s)%s",
		mem.Name, humanize.Comma(int64(size)), humanize.IBytes(size), status))
}

// genericCopyTo copies the host buffer to the device. Memory mapped from its
// own host buffer needs no copy.
func (d *Device) genericCopyTo(mem *Memory) error {
	if len(mem.Host) == 0 || mem.devicePointer == 0 {
		return nil
	}
	if rec, ok := d.reg.lookup(mem.ID); ok && rec.mappedHost && mem.hostIsShared() {
		return nil
	}

	scope, err := d.Enter()
	if err != nil {
		return err
	}
	defer scope.Exit()
	return d.check(d.drv.MemcpyHtoD(mem.devicePointer, mem.Host[:mem.Size()]), "copy %s to device", mem.Name)
}

// genericFree releases the allocation of mem on this device. Mapped host
// memory is only released once no device references it.
func (d *Device) genericFree(mem *Memory) error {
	if mem.devicePointer == 0 {
		return nil
	}
	scope, err := d.Enter()
	if err != nil {
		return err
	}
	defer scope.Exit()

	rec, ok := d.reg.remove(mem.ID)
	if !ok {
		return nil
	}

	placement := placementDevice
	if rec.mappedHost {
		placement = placementHost
		err = d.releaseShared(mem)
		d.reg.releaseHost(rec.size)
	} else {
		err = d.check(d.drv.MemFree(mem.devicePointer), "free %s", mem.Name)
	}

	metrics.DeviceMemoryBytes.WithLabelValues(d.label, placement).Sub(float64(rec.size))
	mem.devicePointer = 0
	mem.deviceSize = 0
	return err
}

// releaseShared drops one reference to the shared host allocation of mem.
func (d *Device) releaseShared(mem *Memory) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	shared := mem.shared
	if shared == nil {
		return nil
	}
	shared.refs--
	if shared.refs > 0 {
		return nil
	}
	if sameBuffer(mem.Host, shared.buf) {
		mem.Host = nil
	}
	mem.shared = nil
	return d.check(d.drv.MemFreeHost(shared.buf), "free host memory of %s", mem.Name)
}

// MemAlloc allocates generic memory. Textures and globals are allocated by
// BindTexture and GlobalAlloc.
func (d *Device) MemAlloc(mem *Memory) error {
	if err := d.failed(); err != nil {
		return err
	}
	if mem.allocator == nil {
		mem.allocator = d
	}
	return handlerFor(mem.Kind).alloc(d, mem)
}

// MemCopyTo uploads the host contents of mem, allocating it first if needed.
// For textures and globals it rebinds them, which also relocates them.
func (d *Device) MemCopyTo(mem *Memory) error {
	if err := d.failed(); err != nil {
		return err
	}
	if mem.allocator == nil {
		mem.allocator = d
	}
	return handlerFor(mem.Kind).copyTo(d, mem)
}

// MemCopyFrom reads h rows of w elements of elem bytes starting at row y
// back into the host buffer. Unallocated memory reads as zeros.
func (d *Device) MemCopyFrom(mem *Memory, y, w, h, elem int) error {
	if mem.Kind != KindGeneric {
		return fmt.Errorf("copy %s from device: %w", mem.Kind, ErrUnsupportedOperation)
	}
	if len(mem.Host) == 0 {
		return nil
	}
	size := elem * w * h
	offset := elem * y * w
	if offset < 0 || size < 0 || offset+size > len(mem.Host) {
		return fmt.Errorf("copy %s from device: range [%d, %d) outside host buffer of %d bytes",
			mem.Name, offset, offset+size, len(mem.Host))
	}
	if mem.devicePointer == 0 {
		clear(mem.Host[offset : offset+size])
		return nil
	}

	if err := d.failed(); err != nil {
		return err
	}
	scope, err := d.Enter()
	if err != nil {
		return err
	}
	defer scope.Exit()
	return d.check(d.drv.MemcpyDtoH(mem.Host[offset:offset+size], mem.devicePointer+driver.DevicePtr(offset)),
		"copy %s from device", mem.Name)
}

// MemZero zero fills mem, allocating it first if needed.
func (d *Device) MemZero(mem *Memory) error {
	if err := d.failed(); err != nil {
		return err
	}
	if mem.devicePointer == 0 {
		if err := d.MemAlloc(mem); err != nil {
			return err
		}
	}
	if mem.devicePointer == 0 {
		return nil
	}

	rec, _ := d.reg.lookup(mem.ID)
	if !rec.mappedHost || !mem.hostIsShared() {
		scope, err := d.Enter()
		if err != nil {
			return err
		}
		defer scope.Exit()
		return d.check(d.drv.MemsetD8(mem.devicePointer, 0, mem.Size()), "zero %s", mem.Name)
	}
	clear(mem.Host)
	return nil
}

// MemFree releases mem on this device. Freeing unallocated memory is a no-op.
func (d *Device) MemFree(mem *Memory) error {
	return handlerFor(mem.Kind).free(d, mem)
}

// MemSubPointer returns the device address of the element at offset.
func (d *Device) MemSubPointer(mem *Memory, offset int) driver.DevicePtr {
	return mem.devicePointer + driver.DevicePtr(offset*mem.ElementSize())
}

// ConstCopyTo writes host into the module global called name.
func (d *Device) ConstCopyTo(name string, host []byte) error {
	if err := d.failed(); err != nil {
		return err
	}
	if d.module == 0 {
		return fmt.Errorf("write global %s: %w", name, ErrNoModule)
	}
	scope, err := d.Enter()
	if err != nil {
		return err
	}
	defer scope.Exit()

	ptr, size, err := d.drv.ModuleGetGlobal(d.module, name)
	if err != nil {
		return d.check(err, "look up global %s", name)
	}
	if uint64(len(host)) > size {
		return d.fail(fmt.Errorf("write global %s: %d bytes do not fit in %d", name, len(host), size))
	}
	return d.check(d.drv.MemcpyHtoD(ptr, host), "write global %s", name)
}

// GlobalAlloc allocates and uploads mem if it is resident here, then
// publishes its device address into the module global named after it.
func (d *Device) GlobalAlloc(mem *Memory) error {
	if err := d.failed(); err != nil {
		return err
	}
	if mem.IsResident(d) {
		if err := d.genericAlloc(mem, 0); err != nil {
			return err
		}
		if err := d.genericCopyTo(mem); err != nil {
			return err
		}
	}
	var ptr [8]byte
	binary.LittleEndian.PutUint64(ptr[:], uint64(mem.devicePointer))
	return d.ConstCopyTo(mem.Name, ptr[:])
}

// GlobalFree releases global memory resident on this device.
func (d *Device) GlobalFree(mem *Memory) error {
	if mem.IsResident(d) && mem.devicePointer != 0 {
		return d.genericFree(mem)
	}
	return nil
}
