package mem_cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pmkol/swcache-x/pkg/concurrent_lru"
	"github.com/pmkol/swcache-x/pkg/fetch"
)

const defaultCapacity = 8192

var errClosed = errors.New("mem cache closed")

// MemCache is an in-process cache.Backend. Every named cache is a
// size bounded LRU.
type MemCache struct {
	closed          uint32
	defaultCapacity int

	m      sync.RWMutex
	caches map[string]*concurrent_lru.ShardedLRU[*fetch.Response]
}

// NewMemCache returns a MemCache. defaultCapacity is used by Open when
// its capacity is 0.
func NewMemCache(defaultCap int) *MemCache {
	if defaultCap <= 0 {
		defaultCap = defaultCapacity
	}
	return &MemCache{
		defaultCapacity: defaultCap,
		caches:          make(map[string]*concurrent_lru.ShardedLRU[*fetch.Response]),
	}
}

func (c *MemCache) isClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

func (c *MemCache) Close() error {
	if atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		c.m.Lock()
		c.caches = make(map[string]*concurrent_lru.ShardedLRU[*fetch.Response])
		c.m.Unlock()
	}
	return nil
}

func (c *MemCache) Open(_ context.Context, name string, capacity int) error {
	if c.isClosed() {
		return errClosed
	}
	c.m.Lock()
	defer c.m.Unlock()
	c.openLocked(name, capacity)
	return nil
}

func (c *MemCache) openLocked(name string, capacity int) *concurrent_lru.ShardedLRU[*fetch.Response] {
	if l, ok := c.caches[name]; ok {
		return l
	}
	if capacity <= 0 {
		capacity = c.defaultCapacity
	}
	l := concurrent_lru.NewShardedLRU[*fetch.Response](capacity, nil)
	c.caches[name] = l
	return l
}

func (c *MemCache) get(name string) *concurrent_lru.ShardedLRU[*fetch.Response] {
	c.m.RLock()
	defer c.m.RUnlock()
	return c.caches[name]
}

func (c *MemCache) Get(_ context.Context, name, key string) (*fetch.Response, bool, error) {
	if c.isClosed() {
		return nil, false, errClosed
	}
	l := c.get(name)
	if l == nil {
		return nil, false, nil
	}
	r, ok := l.Get(key)
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// Store implicitly opens the named cache with the default capacity,
// matching the platform's cache.put on an unopened name.
func (c *MemCache) Store(_ context.Context, name, key string, r *fetch.Response) error {
	if c.isClosed() {
		return errClosed
	}
	l := c.get(name)
	if l == nil {
		c.m.Lock()
		l = c.openLocked(name, 0)
		c.m.Unlock()
	}
	l.Add(key, r.Clone())
	return nil
}

func (c *MemCache) Names(_ context.Context) ([]string, error) {
	if c.isClosed() {
		return nil, errClosed
	}
	c.m.RLock()
	defer c.m.RUnlock()
	names := make([]string, 0, len(c.caches))
	for name := range c.caches {
		names = append(names, name)
	}
	return names, nil
}

func (c *MemCache) Keys(_ context.Context, name string) ([]string, error) {
	if c.isClosed() {
		return nil, errClosed
	}
	l := c.get(name)
	if l == nil {
		return nil, nil
	}
	return l.Keys(), nil
}

func (c *MemCache) Drop(_ context.Context, name string) (bool, error) {
	if c.isClosed() {
		return false, errClosed
	}
	c.m.Lock()
	defer c.m.Unlock()
	l, ok := c.caches[name]
	if !ok {
		return false, nil
	}
	delete(c.caches, name)
	l.Purge()
	return true, nil
}
