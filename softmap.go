package softmap

import (
	"context"
	"hash/maphash"
	"iter"
	"log/slog"
	"runtime"
	"slices"
	"sync/atomic"
	"unsafe"
	"weak"

	"github.com/llxisdsh/pb"
)

// SoftMap is an associative cache whose values may be reclaimed by the
// garbage collector once they are released, without the caller ever
// observing a half-removed entry.
//
// Every value starts out pinned (strongly held). A pin is dropped by
// Release, ReleaseAll, TrimTo, the pin limit or a PressureMonitor; from
// then on the value survives only while something else references it or
// until Get pins it again. When the collector reclaims it, or Reclaim is
// called, a notice is queued and the entry is reaped at the start of the
// next operation.
//
// Results of Get, ContainsKey and ContainsValue may be stale the moment
// they return: a released value can be reclaimed concurrently.
//
// Notes:
//   - Create with New; the zero value is not usable.
//   - SoftMap must not be copied after first use.
type SoftMap[K comparable, V any] struct {
	_     noCopy
	table pb.MapOf[K, *cell[V]]
	queue *reclaimQueue[K]

	gen    atomic.Uint64 // last issued cell generation
	clock  atomic.Uint64 // access ticks for TrimTo ordering
	pinned atomic.Int64

	stats counters

	reservedKey func(ptr unsafe.Pointer) bool
	valEqual    EqualFunc
	valHash     HashFunc
	pinLimit    int
	logger      *slog.Logger
}

// New creates a SoftMap configured by options.
//
// Usage:
//
//	m := New[string, Bitmap]()
//	m := New[string, Bitmap](WithPinLimit(256), WithLogger(logger))
func New[K comparable, V any](options ...func(*Config)) *SoftMap[K, V] {
	var cfg Config
	for _, o := range options {
		o(&cfg)
	}
	m := &SoftMap[K, V]{
		queue:       newReclaimQueue[K](),
		reservedKey: cfg.reservedKey,
		valEqual:    cfg.valEqual,
		valHash:     cfg.valHash,
		pinLimit:    cfg.pinLimit,
		logger:      cfg.logger,
	}
	if m.valEqual == nil {
		m.valEqual = defaultValueEqual[V]()
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	return m
}

// Get returns the value stored for key if it is still live.
// A released value that has not been collected yet is pinned again.
func (m *SoftMap[K, V]) Get(key K) (value *V, ok bool) {
	m.reap()
	c, found := m.table.Load(key)
	if !found {
		m.stats.misses.Add(1)
		return nil, false
	}
	v, repinned := c.acquire(m.clock.Add(1))
	if repinned {
		m.pinned.Add(1)
	}
	if v == nil {
		m.stats.misses.Add(1)
		return nil, false
	}
	m.stats.hits.Add(1)
	return v, true
}

// Put stores value for key with a fresh cell and returns the previous live
// value, or nil if there was none or it had been reclaimed.
//
// A nil value removes the entry instead of storing anything.
// Put fails with ErrInvalidKey only for a key reserved with
// WithReservedKey.
func (m *SoftMap[K, V]) Put(key K, value *V) (previous *V, err error) {
	if m.reservedKey != nil && m.reservedKey(unsafe.Pointer(&key)) {
		return nil, invalidKeyError(key)
	}
	m.reap()
	if value == nil {
		previous, _ = m.remove(key)
		return previous, nil
	}
	previous = m.store(key, value)
	m.enforcePinLimit()
	return previous, nil
}

// Remove deletes the entry for key and returns its last live value.
// ok is false when there was no entry or its value had been reclaimed.
func (m *SoftMap[K, V]) Remove(key K) (value *V, ok bool) {
	m.reap()
	return m.remove(key)
}

// ContainsKey reports whether key has a live value. It does not pin.
func (m *SoftMap[K, V]) ContainsKey(key K) bool {
	m.reap()
	c, ok := m.table.Load(key)
	return ok && c.peek() != nil
}

// ContainsValue reports whether any live value equals value.
// It is a linear scan; nil is never contained.
func (m *SoftMap[K, V]) ContainsValue(value *V) bool {
	if value == nil {
		return false
	}
	m.reap()
	found := false
	m.table.Range(func(_ K, c *cell[V]) bool {
		if v := c.peek(); v != nil && m.equal(v, value) {
			found = true
			return false
		}
		return true
	})
	return found
}

// Size returns the number of entries in the table after reaping.
//
// An entry whose value was collected but whose notice has not been
// delivered yet is still counted; call Reap first for a tighter bound.
func (m *SoftMap[K, V]) Size() int {
	m.reap()
	return m.table.Size()
}

// IsEmpty reports whether Size is zero.
func (m *SoftMap[K, V]) IsEmpty() bool {
	return m.Size() == 0
}

// Clear removes all entries and drops every cell immediately. Pending
// reclamation notices are discarded since none can match anymore.
func (m *SoftMap[K, V]) Clear() {
	m.queue.drain()
	m.table.Range(func(k K, c *cell[V]) bool {
		if m.removeCell(k, c) {
			m.retire(c)
		}
		return true
	})
}

// Range calls f for each live entry until f returns false. It reaps
// first but is not a snapshot: entries stored or removed during the call
// may or may not be visited.
func (m *SoftMap[K, V]) Range(f func(key K, value *V) bool) {
	m.reap()
	m.table.Range(func(k K, c *cell[V]) bool {
		if v := c.peek(); v != nil {
			return f(k, v)
		}
		return true
	})
}

// All returns an iterator over live entries with Range semantics.
func (m *SoftMap[K, V]) All() iter.Seq2[K, *V] {
	return m.Range
}

// Keys returns a snapshot of the keys with a live value, the same keys
// Entries reports.
func (m *SoftMap[K, V]) Keys() []K {
	m.reap()
	keys := make([]K, 0, m.table.Size())
	m.table.Range(func(k K, c *cell[V]) bool {
		if c.peek() != nil {
			keys = append(keys, k)
		}
		return true
	})
	return keys
}

// Equal reports whether m and other hold the same keys mapped to equal
// live values. Reclaimed cells count as absent on both sides.
func (m *SoftMap[K, V]) Equal(other *SoftMap[K, V]) bool {
	if other == nil {
		return false
	}
	if m == other {
		return true
	}
	m.reap()
	other.reap()

	n := 0
	equal := true
	m.table.Range(func(k K, c *cell[V]) bool {
		v := c.peek()
		if v == nil {
			return true
		}
		n++
		oc, ok := other.table.Load(k)
		if !ok {
			equal = false
			return false
		}
		ov := oc.peek()
		if ov == nil || !m.equal(v, ov) {
			equal = false
			return false
		}
		return true
	})
	return equal && n == other.liveLen()
}

// Hash returns an order-independent hash of the live entries, consistent
// with Equal. Values contribute only when WithValueHasher is set.
func (m *SoftMap[K, V]) Hash() uint64 {
	m.reap()
	var h uint64
	m.table.Range(func(k K, c *cell[V]) bool {
		v := c.peek()
		if v == nil {
			return true
		}
		eh := maphash.Comparable(hashSeed, k)
		if m.valHash != nil {
			eh ^= m.valHash(unsafe.Pointer(v), hashSeed)
		}
		h += eh
		return true
	})
	return h
}

// ============================================================================
// Reclamation policy
// ============================================================================

// Release drops the pin on key's value. The value stays readable for as
// long as something else keeps it alive.
func (m *SoftMap[K, V]) Release(key K) bool {
	c, ok := m.table.Load(key)
	if !ok || !c.unpin() {
		return false
	}
	m.pinned.Add(-1)
	m.stats.released.Add(1)
	return true
}

// ReleaseAll drops every pin and returns how many were held.
func (m *SoftMap[K, V]) ReleaseAll() int {
	n := 0
	m.table.Range(func(_ K, c *cell[V]) bool {
		if c.unpin() {
			n++
		}
		return true
	})
	m.pinned.Add(int64(-n))
	m.stats.released.Add(uint64(n))
	if n > 0 {
		m.logger.Info("softmap: released pins", slog.Int("count", n))
	}
	return n
}

// TrimTo releases pinned values, least recently touched first, until at
// most n remain pinned. It returns the number released.
func (m *SoftMap[K, V]) TrimTo(n int) int {
	if n < 0 {
		n = 0
	}
	m.reap()
	if int(m.pinned.Load()) <= n {
		return 0
	}

	type candidate struct {
		c    *cell[V]
		tick uint64
	}
	var pinned []candidate
	m.table.Range(func(_ K, c *cell[V]) bool {
		if c.pinned() {
			pinned = append(pinned, candidate{c, c.touched.Load()})
		}
		return true
	})
	if len(pinned) <= n {
		return 0
	}
	slices.SortFunc(pinned, func(a, b candidate) int {
		switch {
		case a.tick < b.tick:
			return -1
		case a.tick > b.tick:
			return 1
		}
		return 0
	})

	released := 0
	for _, p := range pinned[:len(pinned)-n] {
		if p.c.unpin() {
			released++
		}
	}
	m.pinned.Add(int64(-released))
	m.stats.released.Add(uint64(released))
	if released > 0 {
		m.logger.Debug("softmap: trimmed pins",
			slog.Int("released", released), slog.Int("keep", n))
	}
	return released
}

// Reclaim reclaims key's current value right away, as the collector
// would: the cell is marked dead and its notice queued. The entry is
// removed by the next operation that reaps.
func (m *SoftMap[K, V]) Reclaim(key K) bool {
	c, ok := m.table.Load(key)
	if !ok || !c.kill() {
		return false
	}
	if c.unpin() {
		m.pinned.Add(-1)
	}
	m.stats.reclaimed.Add(1)
	m.queue.push(&notice[K]{key: key, gen: c.gen})
	return true
}

// Reap drains pending reclamation notices and returns the number of
// entries removed. Every other operation already does this first.
func (m *SoftMap[K, V]) Reap() int {
	return m.reap()
}

// Pinned returns the number of pinned values.
func (m *SoftMap[K, V]) Pinned() int {
	return int(m.pinned.Load())
}

// ============================================================================
// Internals
// ============================================================================

// reap removes the entries named by pending notices, but only when the
// table still holds the exact cell the notice was issued for.
func (m *SoftMap[K, V]) reap() int {
	n := m.queue.drain()
	if n == nil {
		return 0
	}
	removed, stale := 0, 0
	for ; n != nil; n = n.next {
		gen := n.gen
		var dead *cell[V]
		m.table.ProcessEntry(
			n.key,
			func(l *pb.EntryOf[K, *cell[V]]) (*pb.EntryOf[K, *cell[V]], *cell[V], bool) {
				if l != nil && l.Value.gen == gen {
					dead = l.Value
					return nil, dead, true
				}
				return l, nil, false
			},
		)
		if dead == nil {
			stale++
			continue
		}
		m.retire(dead)
		removed++
	}
	m.stats.reaped.Add(uint64(removed))
	m.logger.Debug("softmap: reaped",
		slog.Int("removed", removed), slog.Int("stale", stale))
	return removed
}

// store installs a fresh cell for key and returns the previous live value.
func (m *SoftMap[K, V]) store(key K, value *V) *V {
	c := m.newCell(key, value)
	var old *cell[V]
	m.table.ProcessEntry(
		key,
		func(l *pb.EntryOf[K, *cell[V]]) (*pb.EntryOf[K, *cell[V]], *cell[V], bool) {
			if l != nil {
				old = l.Value
			}
			return &pb.EntryOf[K, *cell[V]]{Value: c}, c, l != nil
		},
	)
	if old == nil {
		return nil
	}
	previous := old.peek()
	m.retire(old)
	return previous
}

func (m *SoftMap[K, V]) remove(key K) (*V, bool) {
	var old *cell[V]
	m.table.ProcessEntry(
		key,
		func(l *pb.EntryOf[K, *cell[V]]) (*pb.EntryOf[K, *cell[V]], *cell[V], bool) {
			if l == nil {
				return nil, nil, false
			}
			old = l.Value
			return nil, old, true
		},
	)
	if old == nil {
		return nil, false
	}
	v := old.peek()
	m.retire(old)
	return v, v != nil
}

// removeCell deletes key only while it still maps to c.
func (m *SoftMap[K, V]) removeCell(key K, c *cell[V]) bool {
	removed := false
	m.table.ProcessEntry(
		key,
		func(l *pb.EntryOf[K, *cell[V]]) (*pb.EntryOf[K, *cell[V]], *cell[V], bool) {
			if l != nil && l.Value == c {
				removed = true
				return nil, c, true
			}
			return l, nil, false
		},
	)
	return removed
}

func (m *SoftMap[K, V]) newCell(key K, value *V) *cell[V] {
	c := &cell[V]{
		gen: m.gen.Add(1),
		ref: weak.Make(value),
	}
	c.pin.Store(value)
	c.touched.Store(m.clock.Add(1))
	c.cleanup = runtime.AddCleanup(value, m.queue.push, &notice[K]{key: key, gen: c.gen})
	m.pinned.Add(1)
	return c
}

// retire detaches a cell that has left the table: it is marked dead so a
// concurrent Get cannot pin it again, its cleanup is cancelled and its pin
// dropped.
func (m *SoftMap[K, V]) retire(c *cell[V]) {
	c.kill()
	if c.unpin() {
		m.pinned.Add(-1)
	}
}

func (m *SoftMap[K, V]) enforcePinLimit() {
	if m.pinLimit > 0 && int(m.pinned.Load()) > m.pinLimit {
		m.TrimTo(m.pinLimit)
	}
}

func (m *SoftMap[K, V]) equal(v, other *V) bool {
	return v == other || m.valEqual(unsafe.Pointer(v), unsafe.Pointer(other))
}

func (m *SoftMap[K, V]) liveLen() int {
	n := 0
	m.table.Range(func(_ K, c *cell[V]) bool {
		if c.peek() != nil {
			n++
		}
		return true
	})
	return n
}

// log writes through the map's logger, passing ctx on to the handler.
func (m *SoftMap[K, V]) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	m.logger.Log(ctx, level, msg, args...)
}
