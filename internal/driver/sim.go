package driver

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// SimDevice describes one device of the simulated driver.
type SimDevice struct {
	Name                        string
	TotalMemory                 uint64
	PitchAlignment              int
	CanMapHost                  bool
	Major                       int
	Minor                       int
	Multiprocessors             int
	MaxThreadsPerMultiprocessor int
	PeerAccess                  bool
}

// DefaultSimDevice returns a mid-range 8 GiB device.
func DefaultSimDevice() SimDevice {
	return SimDevice{
		Name:                        "Simulated Device",
		TotalMemory:                 8 << 30,
		PitchAlignment:              32,
		CanMapHost:                  true,
		Major:                       8,
		Minor:                       6,
		Multiprocessors:             68,
		MaxThreadsPerMultiprocessor: 1536,
		PeerAccess:                  true,
	}
}

// SimTexture is a texture object created on the simulated driver.
type SimTexture struct {
	Resource ResourceDesc
	Texture  TextureDesc
}

type simDevice struct {
	cfg    SimDevice
	used   uint64
	next   DevicePtr
	allocs map[DevicePtr][]byte
}

type simContext struct {
	dev   int
	flags ContextFlags
	peers map[Context]bool
}

type simHost struct {
	buf    []byte
	ptr    DevicePtr
	mapped bool
}

type simArray struct {
	dev  int
	desc Array3DDescriptor
	data []byte
}

type simModule struct {
	dev     int
	globals map[string]DevicePtr
	sizes   map[string]uint64
}

const (
	simDeviceBase   DevicePtr = 1 << 40
	simHostBase     DevicePtr = 1 << 52
	simPtrAlignment           = 256
)

// Sim is an in-process driver backed by Go memory. It keeps the driver's
// threading model: the current context is tracked per OS thread, so callers
// must pin their goroutine while a context is pushed.
type Sim struct {
	log *zap.Logger

	mu          sync.Mutex
	initialized bool
	devices     []*simDevice
	contexts    map[Context]*simContext
	stacks      map[int][]Context
	nextCtx     Context
	hosts       map[*byte]*simHost
	nextHost    DevicePtr
	arrays      map[Array]*simArray
	nextArray   Array
	textures    map[TexObject]SimTexture
	nextTex     TexObject
	modules     map[Module]*simModule
	nextModule  Module
	failures    map[string]Result
}

// NewSim creates a simulated driver exposing the given devices.
func NewSim(log *zap.Logger, devices ...SimDevice) *Sim {
	if log == nil {
		log = zap.NewNop()
	}
	if len(devices) == 0 {
		devices = []SimDevice{DefaultSimDevice()}
	}
	s := &Sim{
		log:      log,
		contexts: make(map[Context]*simContext),
		stacks:   make(map[int][]Context),
		hosts:    make(map[*byte]*simHost),
		nextHost: simHostBase,
		arrays:   make(map[Array]*simArray),
		textures: make(map[TexObject]SimTexture),
		modules:  make(map[Module]*simModule),
		failures: make(map[string]Result),
	}
	for i, cfg := range devices {
		s.devices = append(s.devices, &simDevice{
			cfg:    cfg,
			next:   simDeviceBase * DevicePtr(i+1),
			allocs: make(map[DevicePtr][]byte),
		})
	}
	return s
}

func (s *Sim) Name() string { return "sim" }

// FailNext makes the next call of the named driver method return r.
func (s *Sim) FailNext(method string, r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = r
}

// Reserve marks n bytes of a device as used by something outside this
// process, shrinking what MemGetInfo reports as free.
func (s *Sim) Reserve(ordinal int, n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[ordinal].used += n
}

// Used returns the bytes in use on a device.
func (s *Sim) Used(ordinal int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[ordinal].used
}

// HostAllocations returns the number of live page-locked host buffers.
func (s *Sim) HostAllocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hosts)
}

// Texture returns the descriptors a texture object was created with.
func (s *Sim) Texture(t TexObject) (SimTexture, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tex, ok := s.textures[t]
	return tex, ok
}

// ReadDevice returns a copy of n bytes at a device or mapped host address.
func (s *Sim) ReadDevice(ptr DevicePtr, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mem, err := s.resolve(ptr, uint64(n))
	if err != nil {
		return nil, err
	}
	return bytes.Clone(mem), nil
}

// ReadArray returns a copy of the contents of an image array.
func (s *Sim) ReadArray(a Array) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	arr, ok := s.arrays[a]
	if !ok {
		return nil, ErrorInvalidHandle
	}
	return bytes.Clone(arr.data), nil
}

func (s *Sim) fail(method string) error {
	if r, ok := s.failures[method]; ok {
		delete(s.failures, method)
		return r
	}
	return nil
}

func (s *Sim) device(dev Device) (*simDevice, error) {
	if !s.initialized {
		return nil, ErrorNotInitialized
	}
	if dev < 0 || int(dev) >= len(s.devices) {
		return nil, ErrorInvalidDevice
	}
	return s.devices[dev], nil
}

func (s *Sim) current() (*simContext, error) {
	if !s.initialized {
		return nil, ErrorNotInitialized
	}
	stack := s.stacks[gettid()]
	if len(stack) == 0 {
		return nil, ErrorInvalidContext
	}
	return s.contexts[stack[len(stack)-1]], nil
}

// resolve maps an address range onto the Go memory backing it.
func (s *Sim) resolve(ptr DevicePtr, n uint64) ([]byte, error) {
	if ptr >= simHostBase {
		for _, h := range s.hosts {
			if h.mapped && ptr >= h.ptr && uint64(ptr-h.ptr)+n <= uint64(len(h.buf)) {
				off := uint64(ptr - h.ptr)
				return h.buf[off : off+n], nil
			}
		}
		return nil, ErrorInvalidValue
	}
	for _, d := range s.devices {
		for base, buf := range d.allocs {
			if ptr >= base && uint64(ptr-base)+n <= uint64(len(buf)) {
				off := uint64(ptr - base)
				return buf[off : off+n], nil
			}
		}
	}
	return nil, ErrorInvalidValue
}

func (s *Sim) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Init"); err != nil {
		return err
	}
	s.initialized = true
	return nil
}

func (s *Sim) DeviceCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return 0, ErrorNotInitialized
	}
	return len(s.devices), nil
}

func (s *Sim) DeviceGet(ordinal int) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeviceGet"); err != nil {
		return 0, err
	}
	if _, err := s.device(Device(ordinal)); err != nil {
		return 0, err
	}
	return Device(ordinal), nil
}

func (s *Sim) DeviceName(dev Device) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.device(dev)
	if err != nil {
		return "", err
	}
	return d.cfg.Name, nil
}

func (s *Sim) DeviceTotalMem(dev Device) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.device(dev)
	if err != nil {
		return 0, err
	}
	return d.cfg.TotalMemory, nil
}

func (s *Sim) DeviceAttribute(dev Device, attr Attribute) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.device(dev)
	if err != nil {
		return 0, err
	}
	switch attr {
	case AttrMultiprocessorCount:
		return d.cfg.Multiprocessors, nil
	case AttrCanMapHostMemory:
		if d.cfg.CanMapHost {
			return 1, nil
		}
		return 0, nil
	case AttrMaxThreadsPerMultiprocessor:
		return d.cfg.MaxThreadsPerMultiprocessor, nil
	case AttrTexturePitchAlignment:
		return d.cfg.PitchAlignment, nil
	case AttrComputeCapabilityMajor:
		return d.cfg.Major, nil
	case AttrComputeCapabilityMinor:
		return d.cfg.Minor, nil
	}
	return 0, ErrorInvalidValue
}

func (s *Sim) DeviceCanAccessPeer(dev, peer Device) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.device(dev)
	if err != nil {
		return false, err
	}
	b, err := s.device(peer)
	if err != nil {
		return false, err
	}
	return dev != peer && a.cfg.PeerAccess && b.cfg.PeerAccess, nil
}

func (s *Sim) CtxCreate(flags ContextFlags, dev Device) (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CtxCreate"); err != nil {
		return 0, err
	}
	d, err := s.device(dev)
	if err != nil {
		return 0, err
	}
	if flags&CtxMapHost != 0 && !d.cfg.CanMapHost {
		return 0, ErrorInvalidValue
	}
	s.nextCtx++
	ctx := s.nextCtx
	s.contexts[ctx] = &simContext{dev: int(dev), flags: flags, peers: make(map[Context]bool)}
	tid := gettid()
	s.stacks[tid] = append(s.stacks[tid], ctx)
	return ctx, nil
}

func (s *Sim) CtxDestroy(ctx Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contexts[ctx]; !ok {
		return ErrorInvalidContext
	}
	delete(s.contexts, ctx)
	return nil
}

func (s *Sim) CtxPushCurrent(ctx Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CtxPushCurrent"); err != nil {
		return err
	}
	if _, ok := s.contexts[ctx]; !ok {
		return ErrorInvalidContext
	}
	tid := gettid()
	s.stacks[tid] = append(s.stacks[tid], ctx)
	return nil
}

func (s *Sim) CtxPopCurrent() (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tid := gettid()
	stack := s.stacks[tid]
	if len(stack) == 0 {
		return 0, ErrorInvalidContext
	}
	ctx := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(s.stacks, tid)
	} else {
		s.stacks[tid] = stack[:len(stack)-1]
	}
	return ctx, nil
}

func (s *Sim) CtxEnablePeerAccess(peer Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.current()
	if err != nil {
		return err
	}
	other, ok := s.contexts[peer]
	if !ok {
		return ErrorInvalidContext
	}
	if !s.devices[cur.dev].cfg.PeerAccess || !s.devices[other.dev].cfg.PeerAccess {
		return ErrorPeerAccessUnsupported
	}
	if cur.peers[peer] {
		return ErrorPeerAccessAlreadyEnabled
	}
	cur.peers[peer] = true
	return nil
}

func (s *Sim) MemGetInfo() (uint64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.current()
	if err != nil {
		return 0, 0, err
	}
	d := s.devices[cur.dev]
	if d.used >= d.cfg.TotalMemory {
		return 0, d.cfg.TotalMemory, nil
	}
	return d.cfg.TotalMemory - d.used, d.cfg.TotalMemory, nil
}

// reserve takes size bytes from the current device, returning ErrorOutOfMemory
// when they do not fit.
func (s *Sim) reserve(size uint64) (*simDevice, int, error) {
	cur, err := s.current()
	if err != nil {
		return nil, 0, err
	}
	d := s.devices[cur.dev]
	if size == 0 {
		return nil, 0, ErrorInvalidValue
	}
	if d.used+size > d.cfg.TotalMemory {
		return nil, 0, ErrorOutOfMemory
	}
	d.used += size
	return d, cur.dev, nil
}

func (s *Sim) MemAlloc(size uint64) (DevicePtr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("MemAlloc"); err != nil {
		return 0, err
	}
	d, _, err := s.reserve(size)
	if err != nil {
		return 0, err
	}
	ptr := d.next
	d.allocs[ptr] = make([]byte, size)
	d.next += DevicePtr((size + simPtrAlignment - 1) / simPtrAlignment * simPtrAlignment)
	return ptr, nil
}

func (s *Sim) MemFree(ptr DevicePtr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if buf, ok := d.allocs[ptr]; ok {
			d.used -= uint64(len(buf))
			delete(d.allocs, ptr)
			return nil
		}
	}
	return ErrorInvalidValue
}

func (s *Sim) MemHostAlloc(size uint64, flags HostAllocFlags) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("MemHostAlloc"); err != nil {
		return nil, err
	}
	if _, err := s.current(); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, ErrorInvalidValue
	}
	buf := make([]byte, size)
	h := &simHost{buf: buf}
	if flags&HostAllocDeviceMap != 0 {
		h.mapped = true
		h.ptr = s.nextHost
		s.nextHost += DevicePtr((size + simPtrAlignment - 1) / simPtrAlignment * simPtrAlignment)
	}
	s.hosts[&buf[0]] = h
	return buf, nil
}

func (s *Sim) MemFreeHost(buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(buf) == 0 {
		return ErrorInvalidValue
	}
	if _, ok := s.hosts[&buf[0]]; !ok {
		return ErrorInvalidValue
	}
	delete(s.hosts, &buf[0])
	return nil
}

func (s *Sim) MemHostGetDevicePointer(buf []byte) (DevicePtr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(buf) == 0 {
		return 0, ErrorInvalidValue
	}
	h, ok := s.hosts[&buf[0]]
	if !ok || !h.mapped {
		return 0, ErrorInvalidValue
	}
	return h.ptr, nil
}

func (s *Sim) MemcpyHtoD(dst DevicePtr, src []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("MemcpyHtoD"); err != nil {
		return err
	}
	mem, err := s.resolve(dst, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(mem, src)
	return nil
}

func (s *Sim) MemcpyDtoH(dst []byte, src DevicePtr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mem, err := s.resolve(src, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, mem)
	return nil
}

func (s *Sim) MemsetD8(dst DevicePtr, value byte, n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mem, err := s.resolve(dst, n)
	if err != nil {
		return err
	}
	for i := range mem {
		mem[i] = value
	}
	return nil
}

func (s *Sim) Memcpy2DUnaligned(p *Copy2D) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.WidthInBytes > p.SrcPitch || p.WidthInBytes > p.DstPitch {
		return ErrorInvalidValue
	}
	if p.Height == 0 {
		return nil
	}
	if len(p.Src) < p.SrcPitch*(p.Height-1)+p.WidthInBytes {
		return ErrorInvalidValue
	}
	n := uint64(p.DstPitch*(p.Height-1) + p.WidthInBytes)
	mem, err := s.resolve(p.Dst, n)
	if err != nil {
		return err
	}
	for y := 0; y < p.Height; y++ {
		src := p.Src[y*p.SrcPitch : y*p.SrcPitch+p.WidthInBytes]
		copy(mem[y*p.DstPitch:], src)
	}
	return nil
}

func formatSize(f ArrayFormat) int {
	switch f {
	case FormatUnsignedInt8:
		return 1
	case FormatUnsignedInt16, FormatHalf:
		return 2
	default:
		return 4
	}
}

func (s *Sim) Array3DCreate(desc *Array3DDescriptor) (Array, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("Array3DCreate"); err != nil {
		return 0, err
	}
	size := uint64(desc.Width * desc.Height * desc.Depth * desc.NumChannels * formatSize(desc.Format))
	_, dev, err := s.reserve(size)
	if err != nil {
		return 0, err
	}
	s.nextArray++
	s.arrays[s.nextArray] = &simArray{dev: dev, desc: *desc, data: make([]byte, size)}
	return s.nextArray, nil
}

func (s *Sim) Memcpy3D(p *Copy3D) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	arr, ok := s.arrays[p.Dst]
	if !ok {
		return ErrorInvalidHandle
	}
	n := p.SrcPitch * p.Height * p.Depth
	if n > len(p.Src) || n > len(arr.data) {
		return ErrorInvalidValue
	}
	copy(arr.data, p.Src[:n])
	return nil
}

func (s *Sim) ArrayDestroy(a Array) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	arr, ok := s.arrays[a]
	if !ok {
		return ErrorInvalidHandle
	}
	s.devices[arr.dev].used -= uint64(len(arr.data))
	delete(s.arrays, a)
	return nil
}

func (s *Sim) TexObjectCreate(res *ResourceDesc, tex *TextureDesc) (TexObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("TexObjectCreate"); err != nil {
		return 0, err
	}
	if _, err := s.current(); err != nil {
		return 0, err
	}
	if res.Type == ResourceTypeArray {
		if _, ok := s.arrays[res.Array]; !ok {
			return 0, ErrorInvalidHandle
		}
	}
	s.nextTex++
	s.textures[s.nextTex] = SimTexture{Resource: *res, Texture: *tex}
	return s.nextTex, nil
}

func (s *Sim) TexObjectDestroy(t TexObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.textures[t]; !ok {
		return ErrorInvalidHandle
	}
	delete(s.textures, t)
	return nil
}

// ModuleLoadData loads a textual image. Lines of the form
// ".global <name> <bytes>" declare module globals; everything else is ignored.
func (s *Sim) ModuleLoadData(image []byte) (Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("ModuleLoadData"); err != nil {
		return 0, err
	}
	if len(image) == 0 {
		return 0, ErrorInvalidImage
	}
	cur, err := s.current()
	if err != nil {
		return 0, err
	}
	m := &simModule{dev: cur.dev, globals: make(map[string]DevicePtr), sizes: make(map[string]uint64)}
	d := s.devices[cur.dev]
	sc := bufio.NewScanner(bytes.NewReader(image))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 3 || fields[0] != ".global" {
			continue
		}
		size, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil || size == 0 {
			return 0, ErrorInvalidImage
		}
		ptr := d.next
		d.allocs[ptr] = make([]byte, size)
		d.used += size
		d.next += DevicePtr((size + simPtrAlignment - 1) / simPtrAlignment * simPtrAlignment)
		m.globals[fields[1]] = ptr
		m.sizes[fields[1]] = size
	}
	s.nextModule++
	s.modules[s.nextModule] = m
	s.log.Debug("sim module loaded", zap.Int("globals", len(m.globals)))
	return s.nextModule, nil
}

func (s *Sim) ModuleUnload(mod Module) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[mod]
	if !ok {
		return ErrorInvalidHandle
	}
	d := s.devices[m.dev]
	for _, ptr := range m.globals {
		d.used -= uint64(len(d.allocs[ptr]))
		delete(d.allocs, ptr)
	}
	delete(s.modules, mod)
	return nil
}

func (s *Sim) ModuleGetGlobal(mod Module, name string) (DevicePtr, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modules[mod]
	if !ok {
		return 0, 0, ErrorInvalidHandle
	}
	ptr, ok := m.globals[name]
	if !ok {
		return 0, 0, ErrorNotFound
	}
	return ptr, m.sizes[name], nil
}

// String describes the simulated devices for logs.
func (s *Sim) String() string {
	names := make([]string, 0, len(s.devices))
	for _, d := range s.devices {
		names = append(names, fmt.Sprintf("%s (%d.%d)", d.cfg.Name, d.cfg.Major, d.cfg.Minor))
	}
	return strings.Join(names, ", ")
}
