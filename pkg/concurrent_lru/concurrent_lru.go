package concurrent_lru

import (
	"hash/maphash"
	"sync"

	"github.com/pmkol/swcache-x/pkg/lru"
)

const (
	maxShards       = 64
	minSizePerShard = 16
)

// ShardedLRU is a string keyed LRU split into independently locked shards.
// Capacity is approximate: each shard evicts on its own.
type ShardedLRU[V any] struct {
	seed maphash.Seed
	l    []*ConcurrentLRU[string, V]
	mask uint64 // shardNum - 1 (shardNum must be power of 2)
}

// NewShardedLRU creates a ShardedLRU that holds roughly capacity entries.
// Small capacities use fewer shards so that the bound stays meaningful.
func NewShardedLRU[V any](capacity int, onEvict func(key string, v V)) *ShardedLRU[V] {
	if capacity <= 0 {
		panic("capacity must be > 0")
	}

	shardNum := 1
	for shardNum < maxShards && capacity/(shardNum*2) >= minSizePerShard {
		shardNum *= 2
	}
	sizePerShard := (capacity + shardNum - 1) / shardNum

	cl := &ShardedLRU[V]{
		seed: maphash.MakeSeed(),
		l:    make([]*ConcurrentLRU[string, V], shardNum),
		mask: uint64(shardNum - 1),
	}
	for i := range cl.l {
		cl.l[i] = NewConcurrentLRU[string, V](sizePerShard, onEvict)
	}
	return cl
}

func (c *ShardedLRU[V]) getShard(key string) *ConcurrentLRU[string, V] {
	h := maphash.String(c.seed, key)
	return c.l[int(h&c.mask)]
}

func (c *ShardedLRU[V]) Add(key string, v V) {
	c.getShard(key).Add(key, v)
}

func (c *ShardedLRU[V]) Del(key string) {
	c.getShard(key).Del(key)
}

func (c *ShardedLRU[V]) Get(key string) (v V, ok bool) {
	return c.getShard(key).Get(key)
}

// Keys returns a snapshot of all keys. Order is unspecified.
func (c *ShardedLRU[V]) Keys() []string {
	keys := make([]string, 0, c.Len())
	for _, shard := range c.l {
		keys = append(keys, shard.Keys()...)
	}
	return keys
}

// Purge removes all entries without calling onEvict.
func (c *ShardedLRU[V]) Purge() {
	for _, shard := range c.l {
		shard.Purge()
	}
}

func (c *ShardedLRU[V]) Len() int {
	sum := 0
	for _, shard := range c.l {
		sum += shard.Len()
	}
	return sum
}

// ConcurrentLRU is a lru.LRU guarded by a mutex.
type ConcurrentLRU[K comparable, V any] struct {
	sync.Mutex
	maxSize int
	onEvict func(key K, v V)
	lru     *lru.LRU[K, V]
}

func NewConcurrentLRU[K comparable, V any](maxSize int, onEvict func(key K, v V)) *ConcurrentLRU[K, V] {
	return &ConcurrentLRU[K, V]{
		maxSize: maxSize,
		onEvict: onEvict,
		lru:     lru.NewLRU[K, V](maxSize, onEvict),
	}
}

func (c *ConcurrentLRU[K, V]) Add(key K, v V) {
	c.Lock()
	c.lru.Add(key, v)
	c.Unlock()
}

func (c *ConcurrentLRU[K, V]) Del(key K) {
	c.Lock()
	c.lru.Del(key)
	c.Unlock()
}

func (c *ConcurrentLRU[K, V]) Get(key K) (v V, ok bool) {
	c.Lock()
	v, ok = c.lru.Get(key)
	c.Unlock()
	return
}

func (c *ConcurrentLRU[K, V]) Keys() []K {
	c.Lock()
	defer c.Unlock()
	keys := make([]K, 0, c.lru.Len())
	c.lru.Range(func(key K, _ V) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

func (c *ConcurrentLRU[K, V]) Purge() {
	c.Lock()
	c.lru = lru.NewLRU[K, V](c.maxSize, c.onEvict)
	c.Unlock()
}

func (c *ConcurrentLRU[K, V]) Len() int {
	c.Lock()
	n := c.lru.Len()
	c.Unlock()
	return n
}
