package lru

import (
	"fmt"

	"github.com/pmkol/swcache-x/pkg/list"
)

// LRU is a fixed size, not concurrent safe, least recently used cache.
// Get and Add promote an entry; Range does not.
type LRU[K comparable, V any] struct {
	maxSize int
	onEvict func(key K, v V)

	l *list.List[KV[K, V]]
	m map[K]*list.Elem[KV[K, V]]
}

type KV[K comparable, V any] struct {
	key K
	v   V
}

func NewLRU[K comparable, V any](maxSize int, onEvict func(key K, v V)) *LRU[K, V] {
	if maxSize <= 0 {
		panic(fmt.Sprintf("LRU: invalid max size: %d", maxSize))
	}

	return &LRU[K, V]{
		maxSize: maxSize,
		onEvict: onEvict,
		l:       list.New[KV[K, V]](),
		m:       make(map[K]*list.Elem[KV[K, V]]),
	}
}

// Add stores v under key. An existing value is replaced (last write wins).
func (q *LRU[K, V]) Add(key K, v V) {
	if e, ok := q.m[key]; ok {
		e.Value.v = v
		q.l.MoveToBack(e)
		return
	}

	if q.l.Len() >= q.maxSize {
		// Reuse the oldest element.
		e := q.l.Front()
		if q.onEvict != nil {
			q.onEvict(e.Value.key, e.Value.v)
		}
		delete(q.m, e.Value.key)

		e.Value.key = key
		e.Value.v = v
		q.m[key] = e
		q.l.MoveToBack(e)
		return
	}

	e := list.NewElem(KV[K, V]{key: key, v: v})
	q.m[key] = e
	q.l.PushBack(e)
}

func (q *LRU[K, V]) Get(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	q.l.MoveToBack(e)
	return e.Value.v, true
}

func (q *LRU[K, V]) Del(key K) {
	e := q.m[key]
	if e == nil {
		return
	}
	q.l.PopElem(e)
	delete(q.m, key)
	if q.onEvict != nil {
		q.onEvict(key, e.Value.v)
	}
}

// Range calls f for each entry from the oldest to the newest until f returns false.
// f must not modify q.
func (q *LRU[K, V]) Range(f func(key K, v V) bool) {
	for e := q.l.Front(); e != nil; e = e.Next() {
		if !f(e.Value.key, e.Value.v) {
			return
		}
	}
}

func (q *LRU[K, V]) Len() int {
	return q.l.Len()
}
