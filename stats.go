package softmap

import "sync/atomic"

// Stats is a point-in-time view of a map's counters.
type Stats struct {
	Hits      uint64 // Get calls that returned a value
	Misses    uint64 // Get calls that found no live value
	Reaped    uint64 // entries removed by the reaper
	Reclaimed uint64 // cells reclaimed through Reclaim
	Released  uint64 // pins dropped by Release, ReleaseAll and TrimTo
	Pinned    int    // values currently pinned
	Entries   int    // table entries after reaping
}

type counters struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	reaped    atomic.Uint64
	reclaimed atomic.Uint64
	released  atomic.Uint64
}

// Stats reaps and returns the map's counters.
func (m *SoftMap[K, V]) Stats() Stats {
	entries := m.Size()
	return Stats{
		Hits:      m.stats.hits.Load(),
		Misses:    m.stats.misses.Load(),
		Reaped:    m.stats.reaped.Load(),
		Reclaimed: m.stats.reclaimed.Load(),
		Released:  m.stats.released.Load(),
		Pinned:    m.Pinned(),
		Entries:   entries,
	}
}
