package softmap

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"runtime/debug"
	"runtime/metrics"
	"sync"
	"sync/atomic"
	"time"
)

// Releaser is the part of a SoftMap a PressureMonitor drives.
type Releaser interface {
	ReleaseAll() int
	TrimTo(n int) int
}

// PressureConfig controls a PressureMonitor.
//
// Defaults:
//   - HeapLimit == 0 uses 80% of the runtime memory limit (GOMEMLIMIT or
//     debug.SetMemoryLimit). With neither set, construction fails.
//   - Interval <= 0 disables the background loop; Check still works.
//   - Keep == 0 releases every pin when the limit is exceeded.
type PressureConfig struct {
	HeapLimit uint64
	Interval  time.Duration
	Keep      int

	// ForceGC runs a collection right after pins are released, so that
	// unreferenced values are reclaimed without waiting for the next cycle.
	ForceGC bool

	// HeapSampler returns the current live heap in bytes. Nil samples
	// /memory/classes/heap/objects:bytes from runtime/metrics.
	HeapSampler func() uint64

	Logger *slog.Logger
}

// PressureMonitor releases pins on a Releaser whenever the sampled heap
// exceeds a limit. This stands in for the memory-pressure signal a soft
// reference gets from a managed runtime.
//
// Ownership model:
// PressureMonitor owns its goroutine. Call Close to stop it.
type PressureMonitor struct {
	target   Releaser
	limit    uint64
	keep     int
	forceGC  bool
	sample   func() uint64
	logger   *slog.Logger
	interval time.Duration

	triggered atomic.Uint64

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewPressureMonitor validates cfg and starts the monitor loop (if
// enabled).
func NewPressureMonitor(target Releaser, cfg PressureConfig) (*PressureMonitor, error) {
	limit := cfg.HeapLimit
	if limit == 0 {
		ml := debug.SetMemoryLimit(-1)
		if ml <= 0 || ml == math.MaxInt64 {
			return nil, ErrNoHeapLimit
		}
		limit = uint64(ml) / 10 * 8
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PressureMonitor{
		target:   target,
		limit:    limit,
		keep:     max(cfg.Keep, 0),
		forceGC:  cfg.ForceGC,
		sample:   cfg.HeapSampler,
		logger:   cfg.Logger,
		interval: cfg.Interval,
		ctx:      ctx,
		cancel:   cancel,
	}
	if p.sample == nil {
		p.sample = sampleHeapObjects
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}

	if p.interval > 0 {
		p.wg.Add(1)
		go p.loop()
	}
	return p, nil
}

// Limit returns the heap limit in bytes.
func (p *PressureMonitor) Limit() uint64 {
	return p.limit
}

// Triggered returns how many checks found the heap over the limit.
func (p *PressureMonitor) Triggered() uint64 {
	return p.triggered.Load()
}

// Check samples the heap once and releases pins if it is over the limit.
// It reports whether pins were released.
func (p *PressureMonitor) Check() bool {
	heap := p.sample()
	if heap <= p.limit {
		return false
	}
	var released int
	if p.keep == 0 {
		released = p.target.ReleaseAll()
	} else {
		released = p.target.TrimTo(p.keep)
	}
	p.triggered.Add(1)
	p.logger.Info("softmap: memory pressure",
		slog.Uint64("heap", heap),
		slog.Uint64("limit", p.limit),
		slog.Int("released", released))
	if p.forceGC && released > 0 {
		runtime.GC()
	}
	return true
}

// Close stops the monitor loop. Close is safe to call multiple times.
func (p *PressureMonitor) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	return nil
}

func (p *PressureMonitor) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.Check()
		}
	}
}

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

func sampleHeapObjects() uint64 {
	s := []metrics.Sample{{Name: heapObjectsMetric}}
	metrics.Read(s)
	if s[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s[0].Value.Uint64()
}
