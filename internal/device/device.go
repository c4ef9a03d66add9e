package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/fxnlabs/computedevice/internal/driver"
	"github.com/fxnlabs/computedevice/internal/kernel"
	"github.com/fxnlabs/computedevice/internal/metrics"
)

const (
	// DefaultWorkingHeadroom is kept free for allocations made by kernel
	// execution itself when allocating working memory.
	DefaultWorkingHeadroom uint64 = 32 << 20
	// DefaultTextureHeadroom is kept free when allocating textures, so some
	// space is left for working memory after all textures are placed.
	DefaultTextureHeadroom uint64 = 128 << 20

	textureInfoName = "__texture_info"
)

// Options are the memory budgets of a device. Zero values select defaults.
type Options struct {
	WorkingHeadroom uint64
	TextureHeadroom uint64
	// HostLimit caps mapped host memory. Zero derives it from system RAM.
	HostLimit uint64
	// DisableHostMapping forbids falling back to mapped host memory.
	DisableHostMapping bool
}

// HostMemoryLimit derives the mapped host memory ceiling from installed RAM:
// all but 4 GiB on large systems, half of RAM otherwise.
func HostMemoryLimit(ram uint64) uint64 {
	const reserve = 4 << 30
	if ram/2 > reserve {
		return ram - reserve
	}
	return ram / 2
}

// Info describes a device for status reports.
type Info struct {
	Ordinal           int    `json:"ordinal"`
	Name              string `json:"name"`
	Driver            string `json:"driver"`
	ComputeCapability string `json:"computeCapability"`
	Multiprocessors   int    `json:"multiprocessors"`
	MaxThreadsPerSM   int    `json:"maxThreadsPerMultiprocessor"`
	CanMapHost        bool   `json:"canMapHost"`
	PitchAlignment    int    `json:"pitchAlignment"`
	TotalMemory       uint64 `json:"totalMemory"`
	FreeMemory        uint64 `json:"freeMemory"`
	HostMemoryUsed    uint64 `json:"hostMemoryUsed"`
	HostMemoryLimit   uint64 `json:"hostMemoryLimit"`
	Allocations       int    `json:"allocations"`
	KernelsLoaded     bool   `json:"kernelsLoaded"`
	Error             string `json:"error,omitempty"`
}

// Device manages memory and textures of one accelerator.
type Device struct {
	log   *zap.Logger
	drv   driver.Driver
	coord *Coordinator

	ordinal int
	label   string
	name    string
	handle  driver.Device
	ctx     driver.Context
	module  driver.Module

	canMapHost      bool
	pitchAlignment  int
	major, minor    int
	multiprocessors int
	maxThreads      int
	totalMemory     uint64

	workingHeadroom uint64
	textureHeadroom uint64
	hostLimit       uint64

	reg *registry
	// moveToHost redirects new allocations to host memory while this device
	// relocates textures.
	moveToHost atomic.Bool

	texMu       sync.Mutex
	texUpload   sync.Mutex
	texInfo     []TextureInfo
	needTexInfo bool
	texInfoMem  *Memory

	errMu  sync.Mutex
	err    error
	hinted bool
}

// New opens the device at ordinal and creates its context. Devices sharing
// coord serialise eviction between them; a nil coord gets a private one.
func New(drv driver.Driver, ordinal int, coord *Coordinator, opts Options, log *zap.Logger) (*Device, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if coord == nil {
		coord = NewCoordinator()
	}
	d := &Device{
		drv:     drv,
		coord:   coord,
		ordinal: ordinal,
		label:   fmt.Sprintf("%s%d", drv.Name(), ordinal),
		reg:     newRegistry(),
	}
	d.log = log.Named("device").With(zap.String("device", d.label))

	if err := drv.Init(); err != nil {
		return nil, fmt.Errorf("initialize %s driver: %w", drv.Name(), err)
	}
	handle, err := drv.DeviceGet(ordinal)
	if err != nil {
		return nil, fmt.Errorf("get device %d: %w", ordinal, err)
	}
	d.handle = handle

	if d.name, err = drv.DeviceName(handle); err != nil {
		return nil, fmt.Errorf("query device %d name: %w", ordinal, err)
	}
	if d.totalMemory, err = drv.DeviceTotalMem(handle); err != nil {
		return nil, fmt.Errorf("query device %d memory: %w", ordinal, err)
	}
	attrs := []struct {
		attr driver.Attribute
		dst  *int
	}{
		{driver.AttrComputeCapabilityMajor, &d.major},
		{driver.AttrComputeCapabilityMinor, &d.minor},
		{driver.AttrTexturePitchAlignment, &d.pitchAlignment},
		{driver.AttrMultiprocessorCount, &d.multiprocessors},
		{driver.AttrMaxThreadsPerMultiprocessor, &d.maxThreads},
	}
	for _, a := range attrs {
		if *a.dst, err = drv.DeviceAttribute(handle, a.attr); err != nil {
			return nil, fmt.Errorf("query device %d attribute %d: %w", ordinal, a.attr, err)
		}
	}
	canMap, err := drv.DeviceAttribute(handle, driver.AttrCanMapHostMemory)
	if err != nil {
		return nil, fmt.Errorf("query device %d host mapping: %w", ordinal, err)
	}
	d.canMapHost = canMap != 0 && !opts.DisableHostMapping
	if d.pitchAlignment < 1 {
		d.pitchAlignment = 1
	}

	// Keep local memory reserved after kernel launches and allow mapping
	// host memory when supported.
	flags := driver.CtxLmemResizeToMax
	if d.canMapHost {
		flags |= driver.CtxMapHost
	}
	if err := d.createContext(flags); err != nil {
		return nil, err
	}

	d.workingHeadroom = opts.WorkingHeadroom
	if d.workingHeadroom == 0 {
		d.workingHeadroom = DefaultWorkingHeadroom
	}
	d.textureHeadroom = opts.TextureHeadroom
	if d.textureHeadroom == 0 {
		d.textureHeadroom = DefaultTextureHeadroom
	}
	d.hostLimit = opts.HostLimit
	if d.hostLimit == 0 {
		d.hostLimit = HostMemoryLimit(systemPhysicalRAM())
	}

	d.texInfoMem = NewMemory(textureInfoName, KindGlobal, TypeUChar, 1)

	d.log.Info("Device initialized",
		zap.String("name", d.name),
		zap.String("compute_capability", fmt.Sprintf("%d.%d", d.major, d.minor)),
		zap.Bool("map_host", d.canMapHost))
	d.log.Debug(fmt.Sprintf("Mapped host memory limit set to %s bytes. (%s)",
		humanize.Comma(int64(d.hostLimit)), humanize.IBytes(d.hostLimit)))
	return d, nil
}

func (d *Device) createContext(flags driver.ContextFlags) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ctx, err := d.drv.CtxCreate(flags, d.handle)
	if err != nil {
		return fmt.Errorf("create context on device %d: %w", d.ordinal, err)
	}
	if _, err := d.drv.CtxPopCurrent(); err != nil {
		_ = d.drv.CtxDestroy(ctx)
		return fmt.Errorf("pop new context on device %d: %w", d.ordinal, err)
	}
	d.ctx = ctx
	return nil
}

// Ordinal returns the driver ordinal of the device.
func (d *Device) Ordinal() int { return d.ordinal }

// Label returns the short name used in logs and metrics, e.g. "cuda0".
func (d *Device) Label() string { return d.label }

// Name returns the marketing name reported by the driver.
func (d *Device) Name() string { return d.name }

// CanMapHost reports whether the device may fall back to mapped host memory.
func (d *Device) CanMapHost() bool { return d.canMapHost }

// PitchAlignment returns the required row alignment of 2D textures in bytes.
func (d *Device) PitchAlignment() int { return d.pitchAlignment }

// HostLimit returns the mapped host memory ceiling.
func (d *Device) HostLimit() uint64 { return d.hostLimit }

// HostUsed returns the mapped host memory accounted to the device.
func (d *Device) HostUsed() uint64 { return d.reg.hostInUse() }

// ComputeCapability returns the hardware revision.
func (d *Device) ComputeCapability() kernel.Capability {
	return kernel.Capability{Major: d.major, Minor: d.minor}
}

// SupportDevice checks the device against the minimum hardware tier.
func (d *Device) SupportDevice() error {
	return d.ComputeCapability().Supported()
}

// NumMultiprocessors returns the number of streaming multiprocessors.
func (d *Device) NumMultiprocessors() int { return d.multiprocessors }

// MaxThreadsPerMultiprocessor returns the resident thread limit per multiprocessor.
func (d *Device) MaxThreadsPerMultiprocessor() int { return d.maxThreads }

// Info reports the device state.
func (d *Device) Info() (Info, error) {
	info := Info{
		Ordinal:           d.ordinal,
		Name:              d.name,
		Driver:            d.drv.Name(),
		ComputeCapability: d.ComputeCapability().String(),
		Multiprocessors:   d.multiprocessors,
		MaxThreadsPerSM:   d.maxThreads,
		CanMapHost:        d.canMapHost,
		PitchAlignment:    d.pitchAlignment,
		TotalMemory:       d.totalMemory,
		HostMemoryUsed:    d.reg.hostInUse(),
		HostMemoryLimit:   d.hostLimit,
		Allocations:       d.reg.len(),
		KernelsLoaded:     d.module != 0,
	}
	if err := d.Err(); err != nil {
		info.Error = err.Error()
	}

	scope, err := d.Enter()
	if err != nil {
		return info, err
	}
	defer scope.Exit()
	free, _, err := d.drv.MemGetInfo()
	if err != nil {
		return info, fmt.Errorf("query free memory: %w", err)
	}
	info.FreeMemory = free
	return info, nil
}

// CheckPeerAccess enables peer access between d and peer in both directions.
// It reports false without error when the hardware cannot share memory,
// including image arrays, over the link.
func (d *Device) CheckPeerAccess(peer *Device) (bool, error) {
	if peer == d || peer.drv != d.drv {
		return false, nil
	}
	can, err := d.drv.DeviceCanAccessPeer(d.handle, peer.handle)
	if err != nil {
		return false, d.check(err, "query peer access from device %d to %d", d.ordinal, peer.ordinal)
	}
	if !can {
		return false, nil
	}
	back, err := d.drv.DeviceCanAccessPeer(peer.handle, d.handle)
	if err != nil {
		return false, d.check(err, "query peer access from device %d to %d", peer.ordinal, d.ordinal)
	}
	if !back {
		return false, nil
	}

	if err := d.enablePeer(peer); err != nil {
		return false, err
	}
	if err := peer.enablePeer(d); err != nil {
		return false, err
	}
	d.log.Info("Peer access enabled", zap.String("peer", peer.label))
	return true, nil
}

func (d *Device) enablePeer(peer *Device) error {
	scope, err := d.Enter()
	if err != nil {
		return err
	}
	defer scope.Exit()

	err = d.drv.CtxEnablePeerAccess(peer.ctx)
	if errors.Is(err, driver.ErrorPeerAccessAlreadyEnabled) {
		return nil
	}
	return d.check(err, "enable peer access from device %d to %d", d.ordinal, peer.ordinal)
}

// LoadKernels resolves the kernel artifact for this device and loads it.
// Loading is skipped when a module is already present.
func (d *Device) LoadKernels(ctx context.Context, resolver *kernel.Resolver) error {
	if err := d.failed(); err != nil {
		return err
	}
	if d.module != 0 {
		return nil
	}
	if err := d.SupportDevice(); err != nil {
		return d.fail(err)
	}
	artifact, err := resolver.Resolve(ctx, d.ComputeCapability())
	if err != nil {
		return d.fail(err)
	}
	image, err := os.ReadFile(artifact.Path)
	if err != nil {
		return d.fail(fmt.Errorf("read kernel %s: %w", artifact.Path, err))
	}
	if err := d.LoadModule(image); err != nil {
		return fmt.Errorf("load kernel from %q: %w", artifact.Path, err)
	}
	return nil
}

// LoadModule loads a kernel image into the device context.
func (d *Device) LoadModule(image []byte) error {
	if err := d.failed(); err != nil {
		return err
	}
	scope, err := d.Enter()
	if err != nil {
		return err
	}
	defer scope.Exit()

	before, _, err := d.drv.MemGetInfo()
	if err != nil {
		return d.check(err, "query free memory")
	}
	mod, err := d.drv.ModuleLoadData(image)
	if err != nil {
		return d.check(err, "load kernel module")
	}
	d.module = mod
	return d.reserveLocalMemory(before)
}

// reserveLocalMemory logs the memory claimed by loading the module, which
// includes the local memory the context keeps reserved for launches.
func (d *Device) reserveLocalMemory(before uint64) error {
	after, _, err := d.drv.MemGetInfo()
	if err != nil {
		return d.check(err, "query free memory")
	}
	var reserved uint64
	if before > after {
		reserved = before - after
	}
	d.log.Debug(fmt.Sprintf("Local memory reserved %s bytes. (%s)",
		humanize.Comma(int64(reserved)), humanize.IBytes(reserved)))
	d.log.Debug(fmt.Sprintf("Free memory after kernel load %s", humanize.IBytes(after)))
	return nil
}

// Close releases the texture table, the kernel module and the context.
// Memory objects still allocated by callers must be freed first.
func (d *Device) Close() error {
	var result *multierror.Error
	if err := d.GlobalFree(d.texInfoMem); err != nil {
		result = multierror.Append(result, err)
	}
	if d.module != 0 {
		scope, err := d.Enter()
		if err != nil {
			result = multierror.Append(result, err)
		} else {
			if err := d.drv.ModuleUnload(d.module); err != nil {
				result = multierror.Append(result, fmt.Errorf("unload module: %w", err))
			}
			scope.Exit()
		}
		d.module = 0
	}
	if n := d.reg.len(); n > 0 {
		d.log.Warn("Device closed with live allocations", zap.Int("count", n))
	}
	if d.ctx != 0 {
		if err := d.drv.CtxDestroy(d.ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("destroy context: %w", err))
		}
		d.ctx = 0
	}
	metrics.DeviceMemoryBytes.DeleteLabelValues(d.label, placementDevice)
	metrics.DeviceMemoryBytes.DeleteLabelValues(d.label, placementHost)
	return result.ErrorOrNil()
}
