package cache

import (
	"context"
	"sync"
	"time"
)

type item[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a small TTL cache. Expired entries are dropped lazily on read
// and swept when the cache grows past its sweep threshold.
type Cache[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]item[V]
	ttl   time.Duration
	sweep int
	now   func() time.Time

	loadMu  sync.Mutex
	loading map[K]*call[V]
}

type call[V any] struct {
	done  chan struct{}
	value V
	err   error
}

func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		items:   make(map[K]item[V]),
		ttl:     ttl,
		sweep:   1024,
		now:     time.Now,
		loading: make(map[K]*call[V]),
	}
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(it.expiresAt) {
		delete(c.items, key)
		var zero V
		return zero, false
	}
	return it.value, true
}

func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(c.items) >= c.sweep {
		for k, it := range c.items {
			if !now.Before(it.expiresAt) {
				delete(c.items, k)
			}
		}
	}
	c.items[key] = item[V]{value: value, expiresAt: now.Add(c.ttl)}
}

func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// GetOrLoad returns the cached value for key or calls load once for all
// concurrent callers missing the same key. Errors are not cached.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, key K, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	c.loadMu.Lock()
	if v, ok := c.Get(key); ok {
		c.loadMu.Unlock()
		return v, nil
	}
	if inflight, ok := c.loading[key]; ok {
		c.loadMu.Unlock()
		select {
		case <-inflight.done:
			return inflight.value, inflight.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}
	cl := &call[V]{done: make(chan struct{})}
	c.loading[key] = cl
	c.loadMu.Unlock()

	cl.value, cl.err = load(ctx)
	if cl.err == nil {
		c.Set(key, cl.value)
	}

	c.loadMu.Lock()
	delete(c.loading, key)
	c.loadMu.Unlock()
	close(cl.done)

	return cl.value, cl.err
}
