package device

import (
	"sync"
	"sync/atomic"
)

// Coordinator serialises relocation of memory from device to host across
// all devices sharing it. One coordinator is normally shared by every device
// of a process.
type Coordinator struct {
	mu     sync.Mutex
	moving atomic.Bool
}

// NewCoordinator returns an idle coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// Moving reports whether a relocation is in flight.
func (c *Coordinator) Moving() bool {
	return c.moving.Load()
}

// relocate runs fn with the eviction lock held and the in-flight flag set.
func (c *Coordinator) relocate(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.moving.Store(true)
	defer c.moving.Store(false)
	return fn()
}
