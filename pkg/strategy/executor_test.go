package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/swcache-x/pkg/cache"
	"github.com/pmkol/swcache-x/pkg/cache/mem_cache"
	"github.com/pmkol/swcache-x/pkg/classifier"
	"github.com/pmkol/swcache-x/pkg/fetch"
	"github.com/pmkol/swcache-x/pkg/notifier"
	"github.com/pmkol/swcache-x/pkg/queue"
	"github.com/pmkol/swcache-x/pkg/queue/mem_queue"
)

const testOrigin = "https://shop.example.com"

var errOffline = errors.New("network unreachable")

type origin struct {
	mu    sync.Mutex
	pages map[string]*fetch.Response
	down  bool
	hits  map[string]int
}

func newOrigin() *origin {
	return &origin{pages: make(map[string]*fetch.Response), hits: make(map[string]int)}
}

func (o *origin) set(path, contentType, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	o.pages[path] = &fetch.Response{Status: http.StatusOK, Header: h, Body: []byte(body)}
}

func (o *origin) setDown(down bool) {
	o.mu.Lock()
	o.down = down
	o.mu.Unlock()
}

func (o *origin) hitCount(method, path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[method+" "+path]
}

func (o *origin) Fetch(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hits[req.Method+" "+req.Path()]++
	if o.down {
		return nil, errOffline
	}
	if req.Method != http.MethodGet {
		return &fetch.Response{Status: http.StatusCreated, Header: make(http.Header), Body: []byte(`{"ok":true}`)}, nil
	}
	r, ok := o.pages[req.Path()]
	if !ok {
		return &fetch.Response{Status: http.StatusNotFound, Header: make(http.Header)}, nil
	}
	return r.Clone(), nil
}

// stalling holds every call made while stalled until it is released or
// its context ends.
type stalling struct {
	*origin
	stalled atomic.Bool
	release chan struct{}
	entered chan struct{}
}

func stall(o *origin) *stalling {
	return &stalling{origin: o, release: make(chan struct{}), entered: make(chan struct{}, 16)}
}

func (s *stalling) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if s.stalled.Load() {
		select {
		case s.entered <- struct{}{}:
		default:
		}
		select {
		case <-s.release:
		case <-ctx.Done():
			// A release that came first still wins.
			select {
			case <-s.release:
			default:
				return nil, ctx.Err()
			}
		}
	}
	return s.origin.Fetch(ctx, req)
}

type recorder struct {
	mu   sync.Mutex
	msgs []any
}

func (r *recorder) Broadcast(v any) {
	r.mu.Lock()
	r.msgs = append(r.msgs, v)
	r.mu.Unlock()
}

func (r *recorder) messages() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.msgs...)
}

type env struct {
	e      *Executor
	origin *origin
	store  *mem_queue.Store
	notes  *recorder
	bank   *cache.Bank
}

func newEnv(t *testing.T, with ...func(*Opts)) *env {
	t.Helper()
	u, _ := url.Parse(testOrigin)
	c, err := classifier.New(classifier.Opts{Origin: u})
	require.NoError(t, err)
	bank, err := cache.NewBank(cache.BankOpts{Backend: mem_cache.NewMemCache(0), Prefix: "test", Version: "v1"})
	require.NoError(t, err)

	o := newOrigin()
	store := mem_queue.New()
	notes := new(recorder)
	opts := Opts{
		Bank:       bank,
		Fetcher:    o,
		Queue:      queue.NewStaticManager(store),
		Classifier: c,
		Notifier:   notes,
		Metrics:    prometheus.NewRegistry(),
	}
	for _, f := range with {
		f(&opts)
	}
	e, err := NewExecutor(opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return &env{e: e, origin: o, store: store, notes: notes, bank: bank}
}

func (v *env) serve(t *testing.T, method, path string, body []byte) (*fetch.Response, error) {
	t.Helper()
	req, err := fetch.NewRequest(method, testOrigin+path, nil, nil, body)
	require.NoError(t, err)
	return v.e.Serve(context.Background(), fetch.NewContext(req, ""))
}

func (v *env) cached(t *testing.T, k cache.Kind, path string) (*fetch.Response, bool) {
	t.Helper()
	req, err := fetch.NewRequest(http.MethodGet, testOrigin+path, nil, nil, nil)
	require.NoError(t, err)
	return v.bank.Match(context.Background(), k, req)
}

func TestCacheFirst(t *testing.T) {
	v := newEnv(t)
	v.origin.set("/assets/app.js", "text/javascript", "console.log(1)")

	r, err := v.serve(t, http.MethodGet, "/assets/app.js", nil)
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(r.Body))
	assert.Equal(t, 1, v.origin.hitCount("GET", "/assets/app.js"))

	// Served from cache, even when the origin changes or goes away.
	v.origin.set("/assets/app.js", "text/javascript", "console.log(2)")
	r, err = v.serve(t, http.MethodGet, "/assets/app.js", nil)
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(r.Body))
	v.origin.setDown(true)
	r, err = v.serve(t, http.MethodGet, "/assets/app.js", nil)
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(r.Body))
	assert.Equal(t, 1, v.origin.hitCount("GET", "/assets/app.js"))

	r, err = v.serve(t, http.MethodGet, "/assets/missing.css", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, r.Status)
	assert.Equal(t, "Offline", string(r.Body))
}

func TestCacheFirst_nonOKNotStored(t *testing.T) {
	v := newEnv(t)
	r, err := v.serve(t, http.MethodGet, "/static/gone.css", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, r.Status)
	_, ok := v.cached(t, cache.Static, "/static/gone.css")
	assert.False(t, ok)
}

func TestCacheFirstLimited(t *testing.T) {
	v := newEnv(t)
	v.origin.set("/img/watch.png", "image/png", "png")

	r, err := v.serve(t, http.MethodGet, "/img/watch.png", nil)
	require.NoError(t, err)
	assert.Equal(t, "png", string(r.Body))
	_, ok := v.cached(t, cache.Dynamic, "/img/watch.png")
	assert.True(t, ok)
	_, ok = v.cached(t, cache.Static, "/img/watch.png")
	assert.False(t, ok)

	v.origin.setDown(true)
	r, err = v.serve(t, http.MethodGet, "/img/other.PNG", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, r.Status)
	assert.Equal(t, "image/svg+xml", r.Header.Get("Content-Type"))
	assert.Empty(t, r.Body)
}

func TestNetworkFirst(t *testing.T) {
	v := newEnv(t)
	v.origin.set("/api/products", "application/json", `[1,2]`)

	r, err := v.serve(t, http.MethodGet, "/api/products", nil)
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(r.Body))
	assert.Empty(t, r.Header.Get(fetch.CacheMarkerHeader))

	v.origin.set("/api/products", "application/json", `[1,2,3]`)
	r, err = v.serve(t, http.MethodGet, "/api/products", nil)
	require.NoError(t, err)
	assert.Equal(t, `[1,2,3]`, string(r.Body))

	v.origin.setDown(true)
	r, err = v.serve(t, http.MethodGet, "/api/products", nil)
	require.NoError(t, err)
	assert.Equal(t, `[1,2,3]`, string(r.Body))
	assert.Equal(t, fetch.CacheMarkerValue, r.Header.Get(fetch.CacheMarkerHeader))

	r, err = v.serve(t, http.MethodGet, "/api/orders", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, r.Status)
	var p fetch.OfflinePayload
	require.NoError(t, json.Unmarshal(r.Body, &p))
	assert.Equal(t, "offline", p.Error)
	require.NotNil(t, p.Cached)
	assert.False(t, *p.Cached)
	assert.NotZero(t, p.Timestamp)
}

func TestStaleWhileRevalidate(t *testing.T) {
	v := newEnv(t)
	v.origin.set("/flowers", "text/html", "v1")

	r, err := v.serve(t, http.MethodGet, "/flowers", nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(r.Body))

	// The cached copy wins over a newer network answer.
	v.origin.set("/flowers", "text/html", "v2")
	r, err = v.serve(t, http.MethodGet, "/flowers", nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(r.Body))

	// The background refresh updated the entry.
	require.NoError(t, v.e.Close())
	cached, ok := v.cached(t, cache.Static, "/flowers")
	require.True(t, ok)
	assert.Equal(t, "v2", string(cached.Body))
}

func TestStaleWhileRevalidate_offline(t *testing.T) {
	v := newEnv(t)
	v.origin.setDown(true)

	r, err := v.serve(t, http.MethodGet, "/catalog", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, r.Status)
	assert.Equal(t, "Offline", string(r.Body))

	offline, err := fetch.NewRequest(http.MethodGet, testOrigin+"/offline.html", nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, v.bank.Put(context.Background(), cache.Static, offline, &fetch.Response{Status: 200, Header: make(http.Header), Body: []byte("<h1>offline</h1>")}))
	r, err = v.serve(t, http.MethodGet, "/catalog", nil)
	require.NoError(t, err)
	assert.Equal(t, "<h1>offline</h1>", string(r.Body))
}

func TestMutation(t *testing.T) {
	v := newEnv(t)
	ctx := context.Background()

	r, err := v.serve(t, http.MethodPost, "/api/orders", []byte(`{"id":1}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, r.Status)
	n, _ := v.store.Count(ctx)
	assert.Zero(t, n)

	v.origin.setDown(true)
	r, err = v.serve(t, http.MethodPost, "/api/orders", []byte(`{ "id": 2 }`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, r.Status)
	var p fetch.OfflinePayload
	require.NoError(t, json.Unmarshal(r.Body, &p))
	require.NotNil(t, p.Queued)
	assert.True(t, *p.Queued)

	recs, err := v.store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, http.MethodPost, recs[0].Method)
	assert.Equal(t, testOrigin+"/api/orders", recs[0].URL)
	assert.JSONEq(t, `{"id":2}`, string(recs[0].Body))
	assert.Equal(t, []any{notifier.NewSyncQueued(1)}, v.notes.messages())
	assert.Equal(t, 1.0, testutil.ToFloat64(v.e.m.queued))

	// Mutations never touch the caches.
	n, err = v.bank.Len(ctx, cache.API)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMutation_storeUnavailable(t *testing.T) {
	v := newEnv(t)
	v.origin.setDown(true)
	v.store.FailWith = errors.New("disk full")

	r, err := v.serve(t, http.MethodPut, "/cart", []byte("a=1"))
	assert.Nil(t, r)
	assert.ErrorIs(t, err, errOffline)
	assert.Empty(t, v.notes.messages())
}

func TestBypass(t *testing.T) {
	v := newEnv(t)
	req, err := fetch.NewRequest(http.MethodGet, "https://cdn.example.net/lib.js", nil, nil, nil)
	require.NoError(t, err)
	fctx := fetch.NewContext(req, "")
	r, err := v.e.Serve(context.Background(), fctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, r.Status)
	assert.Equal(t, classifier.Bypass.String(), fctx.Strategy())

	n, err := v.bank.Len(context.Background(), cache.Static)
	require.NoError(t, err)
	assert.Zero(t, n)

	v.origin.setDown(true)
	_, err = v.serve(t, http.MethodDelete, "/api/orders/1", nil)
	assert.ErrorIs(t, err, errOffline)
}

func TestSetBank(t *testing.T) {
	v := newEnv(t)
	v.origin.set("/assets/app.js", "text/javascript", "one")
	_, err := v.serve(t, http.MethodGet, "/assets/app.js", nil)
	require.NoError(t, err)

	next, err := v.bank.WithVersion("v2")
	require.NoError(t, err)
	v.e.SetBank(next)
	v.origin.set("/assets/app.js", "text/javascript", "two")
	r, err := v.serve(t, http.MethodGet, "/assets/app.js", nil)
	require.NoError(t, err)
	assert.Equal(t, "two", string(r.Body))
	assert.Equal(t, 2, v.origin.hitCount("GET", "/assets/app.js"))
}

func TestFetchTimeout(t *testing.T) {
	var s *stalling
	v := newEnv(t, func(opts *Opts) {
		s = stall(opts.Fetcher.(*origin))
		opts.Fetcher = s
		opts.FetchTimeout = 50 * time.Millisecond
	})
	v.origin.set("/api/products", "application/json", `[1]`)
	_, err := v.serve(t, http.MethodGet, "/api/products", nil)
	require.NoError(t, err)
	s.stalled.Store(true)

	start := time.Now()
	r, err := v.serve(t, http.MethodGet, "/assets/missing.css", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, r.Status)
	assert.Equal(t, "Offline", string(r.Body))

	r, err = v.serve(t, http.MethodGet, "/img/missing.png", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, r.Status)

	r, err = v.serve(t, http.MethodGet, "/api/products", nil)
	require.NoError(t, err)
	assert.Equal(t, `[1]`, string(r.Body))
	assert.Equal(t, fetch.CacheMarkerValue, r.Header.Get(fetch.CacheMarkerHeader))

	r, err = v.serve(t, http.MethodPost, "/api/orders", []byte(`{"id":1}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, r.Status)
	n, err := v.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r, err = v.serve(t, http.MethodGet, "/catalog", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, r.Status)

	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestStaleWhileRevalidate_doesNotWaitForNetwork(t *testing.T) {
	var s *stalling
	v := newEnv(t, func(opts *Opts) {
		s = stall(opts.Fetcher.(*origin))
		opts.Fetcher = s
	})
	v.origin.set("/flowers", "text/html", "v1")
	_, err := v.serve(t, http.MethodGet, "/flowers", nil)
	require.NoError(t, err)

	v.origin.set("/flowers", "text/html", "v2")
	s.stalled.Store(true)
	r, err := v.serve(t, http.MethodGet, "/flowers", nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(r.Body))

	// The refresh is still on the network.
	<-s.entered
	cached, ok := v.cached(t, cache.Static, "/flowers")
	require.True(t, ok)
	assert.Equal(t, "v1", string(cached.Body))

	close(s.release)
	require.NoError(t, v.e.Close())
	cached, ok = v.cached(t, cache.Static, "/flowers")
	require.True(t, ok)
	assert.Equal(t, "v2", string(cached.Body))
}

func TestSetBank_lateRefreshOfRetiredBank(t *testing.T) {
	ctx := context.Background()
	var s *stalling
	v := newEnv(t, func(opts *Opts) {
		s = stall(opts.Fetcher.(*origin))
		opts.Fetcher = s
	})
	v.origin.set("/flowers", "text/html", "v1")
	_, err := v.serve(t, http.MethodGet, "/flowers", nil)
	require.NoError(t, err)

	s.stalled.Store(true)
	_, err = v.serve(t, http.MethodGet, "/flowers", nil)
	require.NoError(t, err)
	<-s.entered

	// Activation of v2 while the v1 refresh is in flight.
	next, err := v.bank.WithVersion("v2")
	require.NoError(t, err)
	v.e.SetBank(next)
	v.bank.Retire()
	_, err = next.Prune(ctx)
	require.NoError(t, err)

	close(s.release)
	require.NoError(t, v.e.Close())
	names, err := v.bank.Backend().Names(ctx)
	require.NoError(t, err)
	for _, name := range names {
		assert.NotContains(t, name, "-v1", name)
	}
}
