package softmap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmgilman/go/errors"
	"github.com/llxisdsh/pb"
	"golang.org/x/sync/errgroup"
)

// LoadFunc produces the value for key on a cache miss. Returning a nil
// value with a nil error caches nothing.
type LoadFunc[K comparable, V any] func(ctx context.Context, key K) (*V, error)

// Loader fills a SoftMap on demand. Concurrent misses for the same key
// share a single call to the load function.
type Loader[K comparable, V any] struct {
	m     *SoftMap[K, V]
	load  LoadFunc[K, V]
	calls pb.MapOf[K, *loadCall[V]]
}

// loadCall is an in-flight or completed load for one key.
type loadCall[V any] struct {
	done chan struct{}
	val  *V
	err  error
}

// NewLoader returns a Loader backed by m.
func NewLoader[K comparable, V any](m *SoftMap[K, V], load LoadFunc[K, V]) *Loader[K, V] {
	return &Loader[K, V]{m: m, load: load}
}

// Map returns the SoftMap the loader fills.
func (l *Loader[K, V]) Map() *SoftMap[K, V] {
	return l.m
}

// Get returns the cached value for key, loading and storing it on a miss.
// A caller that joins another caller's load stops waiting when ctx is
// done; the load itself runs under the first caller's context.
func (l *Loader[K, V]) Get(ctx context.Context, key K) (*V, error) {
	if v, ok := l.m.Get(key); ok {
		return v, nil
	}

	var c *loadCall[V]
	_, loaded := l.calls.ProcessEntry(
		key,
		func(e *pb.EntryOf[K, *loadCall[V]]) (*pb.EntryOf[K, *loadCall[V]], *loadCall[V], bool) {
			if e != nil {
				c = e.Value
				return e, c, true
			}
			c = &loadCall[V]{done: make(chan struct{})}
			return &pb.EntryOf[K, *loadCall[V]]{Value: c}, c, false
		},
	)
	if loaded {
		select {
		case <-c.done:
			return c.val, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	l.do(ctx, c, key)
	return c.val, c.err
}

// Prefetch loads keys concurrently, at most limit at a time (unbounded
// when limit <= 0). The first failure cancels the remaining loads and is
// returned.
func (l *Loader[K, V]) Prefetch(ctx context.Context, keys []K, limit int) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, key := range keys {
		g.Go(func() error {
			_, err := l.Get(gctx, key)
			return err
		})
	}
	return g.Wait()
}

// do runs the load for c and publishes the result. A panicking load
// fails every waiter with CodeInternal before the panic continues.
func (l *Loader[K, V]) do(ctx context.Context, c *loadCall[V], key K) {
	normalReturn := false
	defer func() {
		var r any
		if !normalReturn {
			r = recover()
			c.err = errors.Newf(errors.CodeInternal, "softmap: load panicked: %v", r)
		}
		l.finish(c, key)
		if r != nil {
			panic(r)
		}
	}()

	// A load that finished between our miss and registering c has
	// already stored its value.
	if v, ok := l.m.Get(key); ok {
		c.val = v
		normalReturn = true
		return
	}

	v, err := l.load(ctx, key)
	normalReturn = true
	if err != nil {
		c.err = loadError(err, key)
		l.m.log(ctx, slog.LevelWarn, "softmap: load failed",
			slog.String("key", fmt.Sprint(key)), slog.Any("error", err))
		return
	}
	if v == nil {
		return
	}
	if _, err := l.m.Put(key, v); err != nil {
		c.err = err
		return
	}
	c.val = v
}

// finish unregisters c, but only if key still maps to this very call,
// and wakes the waiters.
func (l *Loader[K, V]) finish(c *loadCall[V], key K) {
	l.calls.ProcessEntry(
		key,
		func(e *pb.EntryOf[K, *loadCall[V]]) (*pb.EntryOf[K, *loadCall[V]], *loadCall[V], bool) {
			if e != nil && e.Value == c {
				return nil, nil, false
			}
			return e, nil, false
		},
	)
	close(c.done)
}
