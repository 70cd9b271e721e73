package softmap

import (
	"sync/atomic"
	"unsafe"

	"github.com/llxisdsh/softmap/internal/opt"
)

// notice records that the cell with generation gen, stored under key,
// has been reclaimed.
type notice[K comparable] struct {
	key  K
	gen  uint64
	next *notice[K]
}

// reclaimQueue is the reclamation channel between the runtime and a map.
//
// Producers are runtime cleanup callbacks (which run on the runtime's
// cleanup goroutine) and Reclaim. The only consumer is the reaper, which
// takes the whole pending list in one step.
//
// The queue is allocated apart from the map: cleanup callbacks hold a
// reference to it, and must not keep the map (and through it the cached
// values) reachable.
type reclaimQueue[K comparable] struct {
	_ noCopy
	// pending lets drain skip the lock when nothing was pushed.
	pending atomic.Int64
	_       [(opt.CacheLineSize_ - unsafe.Sizeof(int64(0))%opt.CacheLineSize_) % opt.CacheLineSize_]byte
	mu      ticketLock
	head    *notice[K]
	tail    *notice[K]
}

func newReclaimQueue[K comparable]() *reclaimQueue[K] {
	return &reclaimQueue[K]{}
}

// push appends n. It is used directly as a runtime.AddCleanup callback, so
// it must never block for long.
func (q *reclaimQueue[K]) push(n *notice[K]) {
	n.next = nil
	q.mu.Lock()
	if q.tail == nil {
		q.head = n
	} else {
		q.tail.next = n
	}
	q.tail = n
	q.pending.Add(1)
	q.mu.Unlock()
}

// drain detaches and returns every pending notice in push order.
func (q *reclaimQueue[K]) drain() *notice[K] {
	if q.pending.Load() == 0 {
		return nil
	}
	q.mu.Lock()
	n := q.head
	q.head, q.tail = nil, nil
	q.pending.Store(0)
	q.mu.Unlock()
	return n
}

// len reports the number of notices waiting to be drained.
func (q *reclaimQueue[K]) len() int {
	return int(q.pending.Load())
}

// ticketLock is a fair FIFO spin lock. Critical sections in the queue are a
// handful of pointer writes, and cleanup callbacks must not park on a
// runtime semaphore, so spinning is preferred over sync.Mutex.
//
//   - Lock(): take a ticket, wait until serving reaches it.
//   - Unlock(): serve the next ticket.
type ticketLock struct {
	_       noCopy
	next    atomic.Uint32
	serving atomic.Uint32
}

func (l *ticketLock) Lock() {
	my := l.next.Add(1) - 1
	var spins int
	for l.serving.Load() != my {
		delay(&spins)
	}
}

func (l *ticketLock) Unlock() {
	l.serving.Add(1)
}
