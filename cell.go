package softmap

import (
	"runtime"
	"sync/atomic"
	"weak"
)

// cell is the reclaimable holder of one cached value.
//
// While pinned the cell keeps its value strongly reachable. Once the pin is
// dropped only the weak pointer is left, and the garbage collector is free
// to reclaim the value as soon as nothing else references it; the cleanup
// registered on the value then pushes a notice for this cell's generation.
//
// gen is the cell's identity. The table may hold a newer cell for the same
// key by the time a notice is drained, and the reaper must leave that one
// alone.
type cell[V any] struct {
	pin     atomic.Pointer[V]
	ref     weak.Pointer[V]
	gen     uint64
	dead    atomic.Bool
	touched atomic.Uint64
	cleanup runtime.Cleanup
}

// peek returns the value if the cell is live, without pinning it.
func (c *cell[V]) peek() *V {
	if c.dead.Load() {
		return nil
	}
	if v := c.pin.Load(); v != nil {
		return v
	}
	return c.ref.Value()
}

// acquire returns the live value and pins it again if it had been
// released. repinned reports whether this call added a pin that the
// caller must count, even when v is nil.
func (c *cell[V]) acquire(tick uint64) (v *V, repinned bool) {
	if c.dead.Load() {
		return nil, false
	}
	if v = c.pin.Load(); v == nil {
		if v = c.ref.Value(); v == nil {
			return nil, false
		}
		repinned = c.pin.CompareAndSwap(nil, v)
		if repinned && c.dead.Load() {
			// Killed while we pinned. If the killer's unpin already took
			// our pin it has counted it, so ours must be counted too.
			if c.pin.CompareAndSwap(v, nil) {
				return nil, false
			}
			return nil, true
		}
	}
	c.touched.Store(tick)
	return v, repinned
}

// unpin drops the strong reference and reports whether one was held.
func (c *cell[V]) unpin() bool {
	return c.pin.Swap(nil) != nil
}

// kill marks the cell reclaimed or retired and cancels its pending
// cleanup. It reports false if the cell was already dead.
func (c *cell[V]) kill() bool {
	if !c.dead.CompareAndSwap(false, true) {
		return false
	}
	c.cleanup.Stop()
	return true
}

// pinned reports whether the cell currently holds a strong reference.
func (c *cell[V]) pinned() bool {
	return c.pin.Load() != nil
}
