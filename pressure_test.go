package softmap

import (
	stderrors "errors"
	"math"
	"runtime/debug"
	"sync/atomic"
	"testing"
	"time"
)

type fakeReleaser struct {
	releaseAll atomic.Int32
	trims      atomic.Int32
	lastKeep   atomic.Int32
}

func (f *fakeReleaser) ReleaseAll() int {
	f.releaseAll.Add(1)
	return 1
}

func (f *fakeReleaser) TrimTo(n int) int {
	f.trims.Add(1)
	f.lastKeep.Store(int32(n))
	return 1
}

func TestPressureMonitor_Check(t *testing.T) {
	var heap atomic.Uint64
	r := &fakeReleaser{}
	p, err := NewPressureMonitor(r, PressureConfig{
		HeapLimit:   1000,
		HeapSampler: heap.Load,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer p.Close()

	heap.Store(999)
	if p.Check() {
		t.Fatal("triggered below limit")
	}
	heap.Store(1001)
	if !p.Check() {
		t.Fatal("not triggered above limit")
	}
	if n := r.releaseAll.Load(); n != 1 {
		t.Fatalf("ReleaseAll calls=%d", n)
	}
	if n := p.Triggered(); n != 1 {
		t.Fatalf("triggered=%d", n)
	}
	if l := p.Limit(); l != 1000 {
		t.Fatalf("limit=%d", l)
	}
}

func TestPressureMonitor_Keep(t *testing.T) {
	r := &fakeReleaser{}
	p, err := NewPressureMonitor(r, PressureConfig{
		HeapLimit:   1,
		Keep:        16,
		HeapSampler: func() uint64 { return 2 },
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer p.Close()

	p.Check()
	if n := r.trims.Load(); n != 1 {
		t.Fatalf("TrimTo calls=%d", n)
	}
	if k := r.lastKeep.Load(); k != 16 {
		t.Fatalf("keep=%d", k)
	}
	if n := r.releaseAll.Load(); n != 0 {
		t.Fatalf("ReleaseAll calls=%d", n)
	}
}

func TestPressureMonitor_Loop(t *testing.T) {
	r := &fakeReleaser{}
	p, err := NewPressureMonitor(r, PressureConfig{
		HeapLimit:   1,
		Interval:    5 * time.Millisecond,
		HeapSampler: func() uint64 { return 2 },
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for r.releaseAll.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.releaseAll.Load() == 0 {
		t.Fatal("loop never checked")
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close again: %v", err)
	}
	after := r.releaseAll.Load()
	time.Sleep(20 * time.Millisecond)
	if r.releaseAll.Load() != after {
		t.Fatal("loop still running after Close")
	}
}

func TestPressureMonitor_ReleasesSoftMap(t *testing.T) {
	m := New[int, bitmap]()
	for i := range 8 {
		m.Put(i, newBitmap(16, 16, byte(i)))
	}
	p, err := NewPressureMonitor(m, PressureConfig{
		HeapLimit:   1,
		Keep:        2,
		HeapSampler: func() uint64 { return 2 },
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer p.Close()

	p.Check()
	if n := m.Pinned(); n != 2 {
		t.Fatalf("pinned=%d", n)
	}
}

func TestPressureMonitor_MemoryLimit(t *testing.T) {
	prev := debug.SetMemoryLimit(-1)
	defer debug.SetMemoryLimit(prev)

	debug.SetMemoryLimit(math.MaxInt64)
	if _, err := NewPressureMonitor(&fakeReleaser{}, PressureConfig{}); !stderrors.Is(err, ErrNoHeapLimit) {
		t.Fatalf("err=%v, want ErrNoHeapLimit", err)
	}

	debug.SetMemoryLimit(1 << 40)
	p, err := NewPressureMonitor(&fakeReleaser{}, PressureConfig{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer p.Close()
	if l, want := p.Limit(), uint64(1<<40)/10*8; l != want {
		t.Fatalf("limit=%d", l)
	}
}

func TestSampleHeapObjects(t *testing.T) {
	if n := sampleHeapObjects(); n == 0 {
		t.Fatal("heap sample is zero")
	}
}
