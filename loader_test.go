package softmap

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
)

func TestLoader_GetLoadsOnce(t *testing.T) {
	m := New[string, bitmap]()
	var calls atomic.Int32
	l := NewLoader(m, func(ctx context.Context, key string) (*bitmap, error) {
		calls.Add(1)
		time.Sleep(2 * time.Millisecond)
		return newBitmap(4, 4, byte(len(key))), nil
	})

	n := 64
	var wg sync.WaitGroup
	wg.Add(n)
	results := make([]*bitmap, n)
	for i := range n {
		go func() {
			defer wg.Done()
			v, err := l.Get(context.Background(), "tile")
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			results[i] = v
		}()
	}
	wg.Wait()

	if c := calls.Load(); c != 1 {
		t.Fatalf("load executed %d times, want 1", c)
	}
	for i, v := range results {
		if v != results[0] {
			t.Fatalf("result %d differs: %p vs %p", i, v, results[0])
		}
	}
	if v, ok := m.Get("tile"); !ok || v != results[0] {
		t.Fatal("loaded value not cached")
	}
}

func TestLoader_ReloadsAfterReclaim(t *testing.T) {
	m := New[int, int]()
	var calls atomic.Int32
	l := NewLoader(m, func(ctx context.Context, key int) (*int, error) {
		n := int(calls.Add(1))
		return &n, nil
	})

	v, _ := l.Get(context.Background(), 1)
	if *v != 1 {
		t.Fatalf("first=%d", *v)
	}
	v, _ = l.Get(context.Background(), 1)
	if *v != 1 {
		t.Fatalf("cached=%d", *v)
	}
	m.Reclaim(1)
	v, _ = l.Get(context.Background(), 1)
	if *v != 2 {
		t.Fatalf("after reclaim=%d", *v)
	}
}

func TestLoader_Error(t *testing.T) {
	m := New[string, int]()
	cause := fmt.Errorf("decode failed")
	l := NewLoader(m, func(ctx context.Context, key string) (*int, error) {
		return nil, cause
	})

	v, err := l.Get(context.Background(), "bad")
	if v != nil || err == nil {
		t.Fatalf("get = %v, %v", v, err)
	}
	if !stderrors.Is(err, cause) {
		t.Fatalf("err=%v does not wrap cause", err)
	}
	if code := errors.GetCode(err); code != errors.CodeExecutionFailed {
		t.Fatalf("code=%s", code)
	}
	if m.ContainsKey("bad") {
		t.Fatal("failed load was cached")
	}
}

func TestLoader_NilNotCached(t *testing.T) {
	m := New[string, int]()
	var calls atomic.Int32
	l := NewLoader(m, func(ctx context.Context, key string) (*int, error) {
		calls.Add(1)
		return nil, nil
	})
	for range 2 {
		if v, err := l.Get(context.Background(), "none"); v != nil || err != nil {
			t.Fatalf("get = %v, %v", v, err)
		}
	}
	if c := calls.Load(); c != 2 {
		t.Fatalf("calls=%d", c)
	}
	if n := m.Size(); n != 0 {
		t.Fatalf("size=%d", n)
	}
}

func TestLoader_ReservedKey(t *testing.T) {
	m := New[string, int](WithReservedKey("nil"))
	l := NewLoader(m, func(ctx context.Context, key string) (*int, error) {
		return new(int), nil
	})
	if _, err := l.Get(context.Background(), "nil"); !stderrors.Is(err, ErrInvalidKey) {
		t.Fatalf("err=%v", err)
	}
}

func TestLoader_WaiterContextCanceled(t *testing.T) {
	m := New[string, int]()
	release := make(chan struct{})
	started := make(chan struct{})
	l := NewLoader(m, func(ctx context.Context, key string) (*int, error) {
		close(started)
		<-release
		return new(int), nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := l.Get(context.Background(), "slow"); err != nil {
			t.Errorf("primary: %v", err)
		}
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Get(ctx, "slow"); !stderrors.Is(err, context.Canceled) {
		t.Fatalf("waiter err=%v", err)
	}

	close(release)
	<-done
	if !m.ContainsKey("slow") {
		t.Fatal("primary result not cached")
	}
}

func TestLoader_PanicFailsWaiters(t *testing.T) {
	m := New[string, int]()
	l := NewLoader(m, func(ctx context.Context, key string) (*int, error) {
		panic("boom")
	})

	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Fatalf("recovered=%v", r)
			}
		}()
		l.Get(context.Background(), "k")
	}()

	// The call was unregistered, so the next Get runs the loader again.
	l.load = func(ctx context.Context, key string) (*int, error) {
		return new(int), nil
	}
	if _, err := l.Get(context.Background(), "k"); err != nil {
		t.Fatalf("get after panic: %v", err)
	}
}

func TestLoader_Prefetch(t *testing.T) {
	m := New[int, int]()
	var active, peak atomic.Int32
	l := NewLoader(m, func(ctx context.Context, key int) (*int, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
		v := key * 2
		return &v, nil
	})

	keys := make([]int, 20)
	for i := range keys {
		keys[i] = i
	}
	if err := l.Prefetch(context.Background(), keys, 3); err != nil {
		t.Fatalf("prefetch: %v", err)
	}
	if p := peak.Load(); p > 3 {
		t.Fatalf("peak concurrency=%d", p)
	}
	if n := m.Size(); n != len(keys) {
		t.Fatalf("size=%d", n)
	}
	if v, _ := m.Get(7); *v != 14 {
		t.Fatalf("get 7=%d", *v)
	}
}

func TestLoader_PrefetchError(t *testing.T) {
	m := New[int, int]()
	l := NewLoader(m, func(ctx context.Context, key int) (*int, error) {
		if key == 3 {
			return nil, fmt.Errorf("key %d unreadable", key)
		}
		return &key, nil
	})
	err := l.Prefetch(context.Background(), []int{1, 2, 3, 4}, 0)
	if err == nil {
		t.Fatal("expected error")
	}
	if code := errors.GetCode(err); code != errors.CodeExecutionFailed {
		t.Fatalf("code=%s", code)
	}
	if l.Map() != m {
		t.Fatal("Map() mismatch")
	}
}
