package softmap

// Entry is one element of the snapshot returned by Entries.
//
// The snapshot is fixed at the time Entries returns: later changes to the
// map neither add nor remove Entry values. Value, however, reads the key's
// current value in the map, and SetValue writes back into the map.
//
// An Entry does not keep its value pinned; the value can still be
// reclaimed while the snapshot is held.
type Entry[K comparable, V any] struct {
	m   *SoftMap[K, V]
	key K
}

// Key returns the entry's key.
func (e *Entry[K, V]) Key() K {
	return e.key
}

// Value returns the live value currently stored under the entry's key, or
// nil once the key has been removed or its value reclaimed. It does not pin.
func (e *Entry[K, V]) Value() *V {
	c, ok := e.m.table.Load(e.key)
	if !ok {
		return nil
	}
	return c.peek()
}

// SetValue stores value under the entry's key in the live map and returns
// the value it replaced. A nil value removes the key from the map.
func (e *Entry[K, V]) SetValue(value *V) (previous *V) {
	e.m.reap()
	if value == nil {
		previous, _ = e.m.remove(e.key)
		return previous
	}
	previous = e.m.store(e.key, value)
	e.m.enforcePinLimit()
	return previous
}

// Entries returns a snapshot of the live entries, the same set Range
// visits. A value collected but not reaped yet is left out, though Size
// still counts it until the reaper sees its notice.
func (m *SoftMap[K, V]) Entries() []*Entry[K, V] {
	m.reap()
	entries := make([]*Entry[K, V], 0, m.table.Size())
	m.table.Range(func(k K, c *cell[V]) bool {
		if c.peek() != nil {
			entries = append(entries, &Entry[K, V]{m: m, key: k})
		}
		return true
	})
	return entries
}
