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

package redis_cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/pmkol/swcache-x/pkg/fetch"
	"github.com/pmkol/swcache-x/pkg/utils"
)

var (
	nopLogger   = zap.NewNop()
	errDisabled = errors.New("redis temporarily disabled")
)

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called.
	// Optional.
	ClientCloser io.Closer

	// Namespace prefixes every redis key. Default is "swcache".
	Namespace string

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 1s.
	ClientTimeout time.Duration

	// Logger is the *zap.Logger for this RedisCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisCacheOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	utils.SetDefaultNum(&opts.ClientTimeout, time.Second)
	utils.SetDefaultString(&opts.Namespace, "swcache")
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// RedisCache is a cache.Backend that keeps every named cache in a redis
// hash. Cache names are tracked in a redis set so that they can be
// enumerated. Entries are json encoded and snappy compressed.
type RedisCache struct {
	opts           RedisCacheOpts
	clientDisabled uint32
}

func NewRedisCache(opts RedisCacheOpts) (*RedisCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisCache{opts: opts}, nil
}

func (r *RedisCache) namesKey() string {
	return r.opts.Namespace + ":caches"
}

func (r *RedisCache) cacheKey(name string) string {
	return r.opts.Namespace + ":cache:" + name
}

func (r *RedisCache) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

func (r *RedisCache) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				time.Sleep(backoff)
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				atomic.StoreUint32(&r.clientDisabled, 0)
				r.opts.Logger.Info("redis enabled")
				return
			}
		}()
	}
}

func (r *RedisCache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opts.ClientTimeout)
}

func (r *RedisCache) Open(ctx context.Context, name string, _ int) error {
	if r.disabled() {
		return errDisabled
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.opts.Client.SAdd(ctx, r.namesKey(), name).Err(); err != nil {
		r.disableClient()
		return err
	}
	return nil
}

// Get returns a miss when redis is disabled.
func (r *RedisCache) Get(ctx context.Context, name, key string) (*fetch.Response, bool, error) {
	if r.disabled() {
		return nil, false, nil
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	b, err := r.opts.Client.HGet(ctx, r.cacheKey(name), key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		r.disableClient()
		return nil, false, err
	}

	resp, err := unpackEntry(b)
	if err != nil {
		r.opts.Logger.Warn("redis data unpack error", zap.String("cache", name), zap.Error(err))
		return nil, false, nil
	}
	return resp, true, nil
}

// Store drops the entry when redis is disabled.
func (r *RedisCache) Store(ctx context.Context, name, key string, resp *fetch.Response) error {
	if r.disabled() {
		return nil
	}

	data, err := packEntry(resp)
	if err != nil {
		return err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	pipeline := r.opts.Client.TxPipeline()
	pipeline.SAdd(ctx, r.namesKey(), name)
	pipeline.HSet(ctx, r.cacheKey(name), key, data)
	if _, err := pipeline.Exec(ctx); err != nil {
		r.opts.Logger.Warn("redis pipeline set", zap.Error(err))
		r.disableClient()
		return err
	}
	return nil
}

func (r *RedisCache) Names(ctx context.Context) ([]string, error) {
	if r.disabled() {
		return nil, errDisabled
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	names, err := r.opts.Client.SMembers(ctx, r.namesKey()).Result()
	if err != nil {
		r.disableClient()
		return nil, err
	}
	return names, nil
}

func (r *RedisCache) Keys(ctx context.Context, name string) ([]string, error) {
	if r.disabled() {
		return nil, errDisabled
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	keys, err := r.opts.Client.HKeys(ctx, r.cacheKey(name)).Result()
	if err != nil {
		r.disableClient()
		return nil, err
	}
	return keys, nil
}

func (r *RedisCache) Drop(ctx context.Context, name string) (bool, error) {
	if r.disabled() {
		return false, errDisabled
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	pipeline := r.opts.Client.TxPipeline()
	srem := pipeline.SRem(ctx, r.namesKey(), name)
	pipeline.Del(ctx, r.cacheKey(name))
	if _, err := pipeline.Exec(ctx); err != nil {
		r.disableClient()
		return false, err
	}
	return srem.Val() > 0, nil
}

// Close closes the redis client.
func (r *RedisCache) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

type entry struct {
	Status   int         `json:"s"`
	Header   http.Header `json:"h,omitempty"`
	Body     []byte      `json:"b,omitempty"`
	StoredAt int64       `json:"t"`
}

// packEntry encodes resp as snappy compressed json.
func packEntry(resp *fetch.Response) ([]byte, error) {
	b, err := json.Marshal(entry{
		Status:   resp.Status,
		Header:   resp.Header,
		Body:     resp.Body,
		StoredAt: time.Now().Unix(),
	})
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, b), nil
}

func unpackEntry(b []byte) (*fetch.Response, error) {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, fmt.Errorf("snappy: %w", err)
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	if e.Status == 0 {
		return nil, errors.New("missing status")
	}
	if e.Header == nil {
		e.Header = make(http.Header)
	}
	return &fetch.Response{Status: e.Status, Header: e.Header, Body: e.Body}, nil
}
