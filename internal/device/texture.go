package device

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/fxnlabs/computedevice/internal/driver"
	"github.com/fxnlabs/computedevice/internal/metrics"
)

// textureSlotGrowth is how many slots the metadata table grows by at once.
const textureSlotGrowth = 128

// ImageDataType is the pixel layout of a texture as seen by kernels.
type ImageDataType uint32

const (
	ImageFloat4 ImageDataType = iota
	ImageByte4
	ImageHalf4
	ImageFloat
	ImageByte
	ImageHalf
	ImageUShort4
	ImageUShort
	ImageNanoVDBFloat
	ImageNanoVDBFloat3
)

// sampledInKernel reports whether kernels read the format with their own
// sampling code from a raw address instead of a texture object.
func (t ImageDataType) sampledInKernel() bool {
	return t == ImageNanoVDBFloat || t == ImageNanoVDBFloat3
}

// Interpolation is the texture filtering requested by the scene.
type Interpolation uint32

const (
	InterpolationLinear Interpolation = iota
	InterpolationClosest
	InterpolationCubic
	InterpolationSmart
)

// Extension is how a texture is sampled outside its bounds.
type Extension uint32

const (
	ExtensionRepeat Extension = iota
	ExtensionExtend
	ExtensionClip
)

// TextureInfo is one slot of the texture metadata table read by kernels.
// Data holds a texture object handle, or a device address for formats
// sampled in the kernel.
type TextureInfo struct {
	Data          uint64
	DataType      ImageDataType
	Interpolation Interpolation
	Extension     Extension
	Width         uint32
	Height        uint32
	Depth         uint32
}

func (e Extension) addressMode() (driver.AddressMode, error) {
	switch e {
	case ExtensionRepeat:
		return driver.AddressModeWrap, nil
	case ExtensionExtend:
		return driver.AddressModeClamp, nil
	case ExtensionClip:
		return driver.AddressModeBorder, nil
	}
	return 0, fmt.Errorf("unknown texture extension %d", e)
}

func (i Interpolation) filterMode() driver.FilterMode {
	if i == InterpolationClosest {
		return driver.FilterModePoint
	}
	return driver.FilterModeLinear
}

func alignUp(n, alignment int) int {
	return (n + alignment - 1) / alignment * alignment
}

// BindTexture places a texture on the device and records it in the metadata
// table. 1D textures use linear memory, 2D textures pitch aligned memory and
// 3D textures an image array.
func (d *Device) BindTexture(mem *Memory) error {
	if err := d.failed(); err != nil {
		return err
	}
	if mem.allocator == nil {
		mem.allocator = d
	}

	addressMode, err := mem.Info.Extension.addressMode()
	if err != nil {
		return fmt.Errorf("bind texture %s: %w", mem.Name, err)
	}
	format, err := mem.DataType.arrayFormat()
	if err != nil {
		return fmt.Errorf("bind texture %s: %w", mem.Name, err)
	}
	if uint64(len(mem.Host)) < mem.Size() {
		return fmt.Errorf("bind texture %s: host buffer holds %d of %d bytes", mem.Name, len(mem.Host), mem.Size())
	}

	scope, err := d.Enter()
	if err != nil {
		return err
	}
	defer scope.Exit()

	size := mem.Size()
	srcPitch := mem.Width * mem.ElementSize()
	dstPitch := srcPitch
	var array driver.Array

	switch {
	case !mem.IsResident(d):
		// Storage lives on a peer; only reference it.
		rec := record{mem: mem, size: mem.deviceSize}
		if mem.Depth > 1 {
			array = driver.Array(mem.devicePointer)
			rec.array = array
		} else if mem.Height > 0 {
			dstPitch = alignUp(srcPitch, d.pitchAlignment)
		}
		d.reg.insert(rec)

	case mem.Depth > 1:
		d.log.Debug(fmt.Sprintf("Array 3D allocate: %s, %s bytes. (%s)",
			mem.Name, humanize.Comma(int64(size)), humanize.IBytes(size)))

		array, err = d.drv.Array3DCreate(&driver.Array3DDescriptor{
			Width:       mem.Width,
			Height:      mem.Height,
			Depth:       mem.Depth,
			Format:      format,
			NumChannels: mem.Elements,
		})
		if err != nil {
			return d.check(err, "create array for %s", mem.Name)
		}
		if err := d.drv.Memcpy3D(&driver.Copy3D{
			Dst:          array,
			Src:          mem.Host,
			SrcPitch:     srcPitch,
			WidthInBytes: srcPitch,
			Height:       mem.Height,
			Depth:        mem.Depth,
		}); err != nil {
			_ = d.drv.ArrayDestroy(array)
			return d.check(err, "copy %s to array", mem.Name)
		}
		mem.devicePointer = driver.DevicePtr(array)
		mem.deviceSize = size
		d.reg.insert(record{mem: mem, array: array, size: size})
		metrics.DeviceMemoryBytes.WithLabelValues(d.label, placementDevice).Add(float64(size))

	case mem.Height > 0:
		dstPitch = alignUp(srcPitch, d.pitchAlignment)
		dstSize := uint64(dstPitch * mem.Height)
		if err := d.genericAlloc(mem, dstSize-size); err != nil {
			return err
		}
		if err := d.drv.Memcpy2DUnaligned(&driver.Copy2D{
			Dst:          mem.devicePointer,
			DstPitch:     dstPitch,
			Src:          mem.Host,
			SrcPitch:     srcPitch,
			WidthInBytes: srcPitch,
			Height:       mem.Height,
		}); err != nil {
			err = d.check(err, "copy %s to device", mem.Name)
			_ = d.genericFree(mem)
			return err
		}

	default:
		if err := d.genericAlloc(mem, 0); err != nil {
			return err
		}
		if err := d.drv.MemcpyHtoD(mem.devicePointer, mem.Host[:size]); err != nil {
			err = d.check(err, "copy %s to device", mem.Name)
			_ = d.genericFree(mem)
			return err
		}
	}

	info := mem.Info
	info.Width = uint32(mem.Width)
	info.Height = uint32(mem.Height)
	info.Depth = uint32(mem.Depth)

	if info.DataType.sampledInKernel() {
		info.Data = uint64(mem.devicePointer)
	} else {
		res := driver.ResourceDesc{}
		switch {
		case array != 0:
			res.Type = driver.ResourceTypeArray
			res.Array = array
		case mem.Height > 0:
			res.Type = driver.ResourceTypePitch2D
			res.Ptr = mem.devicePointer
			res.Format = format
			res.NumChannels = mem.Elements
			res.Width = mem.Width
			res.Height = mem.Height
			res.PitchInBytes = dstPitch
		default:
			res.Type = driver.ResourceTypeLinear
			res.Ptr = mem.devicePointer
			res.Format = format
			res.NumChannels = mem.Elements
			res.SizeInBytes = int(mem.deviceSize)
		}
		tex := driver.TextureDesc{
			AddressMode:      [3]driver.AddressMode{addressMode, addressMode, addressMode},
			FilterMode:       info.Interpolation.filterMode(),
			NormalizedCoords: true,
		}
		texObject, err := d.drv.TexObjectCreate(&res, &tex)
		if err != nil {
			err = d.check(err, "create texture object for %s", mem.Name)
			d.releaseBinding(mem, array)
			return err
		}
		d.reg.update(mem.ID, func(r *record) { r.texObject = texObject })
		info.Data = uint64(texObject)
	}

	d.setTextureInfo(mem.Slot, info)
	return nil
}

// releaseBinding undoes the storage of a binding that failed part way.
func (d *Device) releaseBinding(mem *Memory, array driver.Array) {
	switch {
	case !mem.IsResident(d):
		d.reg.remove(mem.ID)
	case array != 0:
		if rec, ok := d.reg.remove(mem.ID); ok {
			_ = d.drv.ArrayDestroy(array)
			metrics.DeviceMemoryBytes.WithLabelValues(d.label, placementDevice).Sub(float64(rec.size))
		}
		mem.devicePointer = 0
		mem.deviceSize = 0
	default:
		_ = d.genericFree(mem)
	}
}

// setTextureInfo stores info at slot and marks the table for upload.
func (d *Device) setTextureInfo(slot int, info TextureInfo) {
	d.texMu.Lock()
	defer d.texMu.Unlock()
	if slot >= len(d.texInfo) {
		d.texInfo = append(d.texInfo, make([]TextureInfo, slot+textureSlotGrowth-len(d.texInfo))...)
		metrics.DeviceTextureSlots.WithLabelValues(d.label).Set(float64(len(d.texInfo)))
	}
	d.texInfo[slot] = info
	d.needTexInfo = true
}

// UnbindTexture destroys the texture object of mem and releases its storage.
// Textures stored on a peer only drop the local reference.
func (d *Device) UnbindTexture(mem *Memory) error {
	if mem.devicePointer == 0 {
		return nil
	}
	scope, err := d.Enter()
	if err != nil {
		return err
	}
	defer scope.Exit()

	rec, ok := d.reg.lookup(mem.ID)
	if ok && rec.texObject != 0 {
		if err := d.drv.TexObjectDestroy(rec.texObject); err != nil {
			return d.check(err, "destroy texture object of %s", mem.Name)
		}
		d.reg.update(mem.ID, func(r *record) { r.texObject = 0 })
	}

	switch {
	case !mem.IsResident(d):
		d.reg.remove(mem.ID)
		return nil
	case ok && rec.array != 0:
		d.reg.remove(mem.ID)
		err := d.check(d.drv.ArrayDestroy(rec.array), "destroy array of %s", mem.Name)
		metrics.DeviceMemoryBytes.WithLabelValues(d.label, placementDevice).Sub(float64(rec.size))
		mem.devicePointer = 0
		mem.deviceSize = 0
		return err
	}
	return d.genericFree(mem)
}

// TextureInfo returns the metadata of a slot.
func (d *Device) TextureInfo(slot int) (TextureInfo, bool) {
	d.texMu.Lock()
	defer d.texMu.Unlock()
	if slot < 0 || slot >= len(d.texInfo) {
		return TextureInfo{}, false
	}
	return d.texInfo[slot], true
}

// TextureSlots returns the size of the metadata table.
func (d *Device) TextureSlots() int {
	d.texMu.Lock()
	defer d.texMu.Unlock()
	return len(d.texInfo)
}

// LoadTextureInfo uploads the metadata table if it changed since the last
// upload. The dirty flag is cleared before copying, so relocation triggered
// by the upload's own allocation marks the table again and is picked up by
// the next round instead of recursing. A call made while another upload is
// in progress on the device returns immediately.
func (d *Device) LoadTextureInfo() error {
	if !d.texUpload.TryLock() {
		return nil
	}
	defer d.texUpload.Unlock()

	for {
		d.texMu.Lock()
		if !d.needTexInfo {
			d.texMu.Unlock()
			return nil
		}
		d.needTexInfo = false
		data, err := encodeTextureInfo(d.texInfo)
		d.texMu.Unlock()
		if err != nil {
			return err
		}

		mem := d.texInfoMem
		if err := d.GlobalFree(mem); err != nil {
			return err
		}
		mem.Host = data
		mem.Width = len(data)
		if err := d.GlobalAlloc(mem); err != nil {
			return err
		}
	}
}

func encodeTextureInfo(infos []TextureInfo) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, infos); err != nil {
		return nil, fmt.Errorf("encode texture info: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeTextureInfo parses a metadata table as uploaded to the device.
func DecodeTextureInfo(data []byte) ([]TextureInfo, error) {
	size := binary.Size(TextureInfo{})
	if len(data)%size != 0 {
		return nil, fmt.Errorf("decode texture info: %d bytes is not a multiple of %d", len(data), size)
	}
	infos := make([]TextureInfo, len(data)/size)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, infos); err != nil {
		return nil, fmt.Errorf("decode texture info: %w", err)
	}
	return infos, nil
}
