/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package mem_cache

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pmkol/swcache-x/pkg/fetch"
)

func resp(body string) *fetch.Response {
	return &fetch.Response{Status: 200, Body: []byte(body)}
}

func Test_memCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(0)
	defer c.Close()

	require.NoError(t, c.Open(ctx, "static-v1", 0))
	_, ok, err := c.Get(ctx, "static-v1", "GET /a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Store(ctx, "static-v1", "GET /a", resp("a1")))
	require.NoError(t, c.Store(ctx, "static-v1", "GET /a", resp("a2")))
	r, ok, err := c.Get(ctx, "static-v1", "GET /a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a2", string(r.Body))

	// Returned copies must not alias the stored entry.
	r.Body[0] = 'x'
	r, _, _ = c.Get(ctx, "static-v1", "GET /a")
	require.Equal(t, "a2", string(r.Body))

	// Store on an unopened name creates it.
	require.NoError(t, c.Store(ctx, "api-v1", "GET /api/x", resp("x")))
	names, err := c.Names(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"static-v1", "api-v1"}, names)

	dropped, err := c.Drop(ctx, "static-v1")
	require.NoError(t, err)
	require.True(t, dropped)
	_, ok, _ = c.Get(ctx, "static-v1", "GET /a")
	require.False(t, ok)
	dropped, _ = c.Drop(ctx, "static-v1")
	require.False(t, dropped)
}

func Test_memCache_capacity(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(0)
	require.NoError(t, c.Open(ctx, "dynamic-v1", 32))
	for i := 0; i < 1024; i++ {
		require.NoError(t, c.Store(ctx, "dynamic-v1", fmt.Sprintf("GET /img/%d.png", i), resp("")))
	}
	keys, err := c.Keys(ctx, "dynamic-v1")
	require.NoError(t, err)
	require.LessOrEqual(t, len(keys), 64)
}

func Test_memCache_closed(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(0)
	require.NoError(t, c.Close())
	require.Error(t, c.Store(ctx, "a", "b", resp("")))
	_, _, err := c.Get(ctx, "a", "b")
	require.Error(t, err)
}

func Test_memCache_race(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(1024)
	defer c.Close()

	wg := sync.WaitGroup{}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("c-%d", i%4)
			for j := 0; j < 256; j++ {
				key := fmt.Sprintf("GET /%d", j)
				_ = c.Store(ctx, name, key, resp("v"))
				_, _, _ = c.Get(ctx, name, key)
				if j%64 == 0 {
					_, _ = c.Drop(ctx, name)
				}
			}
		}(i)
	}
	wg.Wait()
}
