package device

import (
	"sync"

	"github.com/fxnlabs/computedevice/internal/driver"
)

// Handle addresses a record in the registry arena.
type Handle int

// record is the device side state of one memory object.
type record struct {
	mem *Memory

	// mappedHost is set when the device pointer addresses mapped host memory.
	mappedHost bool
	array      driver.Array
	texObject  driver.TexObject
	// size is the allocated size including pitch padding.
	size uint64
	live bool
}

// registry maps memory objects onto their allocation records. Records live
// in an arena so scans can copy them without holding pointers into it.
type registry struct {
	mu      sync.Mutex
	records []record
	free    []Handle
	index   map[MemoryID]Handle

	// hostUsed is the mapped host memory accounted to the device.
	hostUsed uint64
}

func newRegistry() *registry {
	return &registry{index: make(map[MemoryID]Handle)}
}

// insert stores rec for its memory object, replacing an existing record.
func (r *registry) insert(rec record) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec.live = true
	if h, ok := r.index[rec.mem.ID]; ok {
		r.records[h] = rec
		return h
	}
	var h Handle
	if n := len(r.free); n > 0 {
		h = r.free[n-1]
		r.free = r.free[:n-1]
		r.records[h] = rec
	} else {
		h = Handle(len(r.records))
		r.records = append(r.records, rec)
	}
	r.index[rec.mem.ID] = h
	return h
}

func (r *registry) lookup(id MemoryID) (record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.index[id]
	if !ok {
		return record{}, false
	}
	return r.records[h], true
}

// update applies fn to the record of id, reporting whether it exists.
func (r *registry) update(id MemoryID, fn func(*record)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.index[id]
	if !ok {
		return false
	}
	fn(&r.records[h])
	return true
}

// remove drops the record of id and returns it.
func (r *registry) remove(id MemoryID) (record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.index[id]
	if !ok {
		return record{}, false
	}
	rec := r.records[h]
	r.records[h] = record{}
	r.free = append(r.free, h)
	delete(r.index, id)
	return rec, true
}

// snapshot copies the live records.
func (r *registry) snapshot() []record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]record, 0, len(r.index))
	for _, rec := range r.records {
		if rec.live {
			out = append(out, rec)
		}
	}
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.index)
}

// reserveHost accounts size bytes of mapped host memory if the total stays
// under limit.
func (r *registry) reserveHost(size, limit uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hostUsed+size >= limit {
		return false
	}
	r.hostUsed += size
	return true
}

// addHost accounts size bytes of mapped host memory unconditionally.
func (r *registry) addHost(size uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hostUsed += size
}

func (r *registry) releaseHost(size uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if size > r.hostUsed {
		size = r.hostUsed
	}
	r.hostUsed -= size
}

func (r *registry) hostInUse() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostUsed
}
