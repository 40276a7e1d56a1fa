package lru

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLRU(t *testing.T) {
	var evicted []string
	q := NewLRU[string, int](2, func(key string, v int) { evicted = append(evicted, key) })

	q.Add("a", 1)
	q.Add("b", 2)
	_, ok := q.Get("a") // a becomes newest
	require.True(t, ok)

	q.Add("c", 3)
	require.Equal(t, []string{"b"}, evicted)
	_, ok = q.Get("b")
	require.False(t, ok)

	q.Add("a", 10)
	v, _ := q.Get("a")
	require.Equal(t, 10, v)

	var keys []string
	q.Range(func(key string, _ int) bool {
		keys = append(keys, key)
		return true
	})
	require.Equal(t, []string{"c", "a"}, keys)

	q.Del("c")
	require.Equal(t, 1, q.Len())
	require.Equal(t, []string{"b", "c"}, evicted)
}
