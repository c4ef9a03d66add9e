package device

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/fxnlabs/computedevice/internal/metrics"
)

// candidate is an allocation selected for relocation to host memory.
type candidate struct {
	mem     *Memory
	size    uint64
	isImage bool
}

// eligible reports whether rec may be relocated to host memory. With
// forTexture set only image textures qualify.
func (d *Device) eligible(rec record, forTexture bool) (candidate, bool) {
	mem := rec.mem
	if !mem.IsResident(d) || rec.mappedHost {
		return candidate{}, false
	}
	isTexture := (mem.Kind == KindTexture || mem.Kind == KindGlobal) && mem != d.texInfoMem
	isImage := isTexture && mem.Height > 1
	if !isTexture || rec.array != 0 {
		return candidate{}, false
	}
	if forTexture && !isImage {
		return candidate{}, false
	}
	return candidate{mem: mem, size: rec.size, isImage: isImage}, true
}

// pickEviction returns the largest eligible allocation, preferring images.
func (d *Device) pickEviction(forTexture bool) (candidate, bool) {
	var best candidate
	found := false
	for _, rec := range d.reg.snapshot() {
		c, ok := d.eligible(rec, forTexture)
		if !ok {
			continue
		}
		if !found || (c.isImage && !best.isImage) || (c.isImage == best.isImage && c.size > best.size) {
			best = c
			found = true
		}
	}
	return best, found
}

// moveTexturesToHost relocates textures from device to host memory until
// size bytes were moved or nothing eligible remains. It returns immediately
// while any device sharing the coordinator is relocating.
func (d *Device) moveTexturesToHost(size uint64, forTexture bool) {
	if d.coord.Moving() {
		return
	}

	// New allocations on this device go to host memory while moving.
	d.moveToHost.Store(true)

	for size > 0 {
		c, ok := d.pickEviction(forTexture)
		if !ok {
			break
		}
		moved, err := d.relocate(c, forTexture)
		if err != nil {
			d.log.Warn("Failed to move memory to host", zap.String("name", c.mem.Name), zap.Error(err))
			break
		}
		if moved >= size {
			size = 0
		} else {
			size -= moved
		}
	}

	// The texture table itself stays in device memory.
	d.moveToHost.Store(false)

	if err := d.LoadTextureInfo(); err != nil {
		d.log.Warn("Failed to reload texture info", zap.Error(err))
	}
}

// relocate moves one candidate to host memory under the coordinator. The
// candidate is re-checked first since the registry may have changed after
// the scan; a stale candidate moves nothing and the caller scans again.
func (d *Device) relocate(c candidate, forTexture bool) (uint64, error) {
	var moved uint64
	err := d.coord.relocate(func() error {
		rec, ok := d.reg.lookup(c.mem.ID)
		if !ok {
			return nil
		}
		if _, ok := d.eligible(rec, forTexture); !ok {
			return nil
		}

		d.log.Debug(fmt.Sprintf("Move memory from device to host: %s (%s)", c.mem.Name, humanize.IBytes(rec.size)))

		// Republish through the surface that allocated the memory, so a
		// multi device updates every device's pointer.
		if err := c.mem.via(d).MemCopyTo(c.mem); err != nil {
			return err
		}
		moved = rec.size
		metrics.DeviceEvictions.WithLabelValues(d.label).Inc()
		metrics.DeviceEvictedBytes.WithLabelValues(d.label).Add(float64(rec.size))
		return nil
	})
	return moved, err
}
