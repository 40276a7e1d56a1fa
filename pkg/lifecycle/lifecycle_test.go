package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/swcache-x/pkg/cache"
	"github.com/pmkol/swcache-x/pkg/cache/mem_cache"
	"github.com/pmkol/swcache-x/pkg/fetch"
	"github.com/pmkol/swcache-x/pkg/notifier"
)

var origin, _ = url.Parse("https://shop.example.com")

const rootPage = `<!doctype html>
<html><head>
<link rel="stylesheet" href="/assets/index.css">
<link rel="preload" as="font" href="/fonts/inter.woff2" crossorigin>
<link rel="icon" href="/icon.png">
<link rel="stylesheet" href="https://fonts.example.net/css">
<style>@font-face { src: url('/fonts/mono.ttf') format('truetype'); }</style>
<script type="module" src="/assets/index.js"></script>
<script src="/assets/index.js"></script>
</head><body><div id="root"></div></body></html>`

type site struct {
	mu    sync.Mutex
	pages map[string]string
}

func newSite() *site {
	s := &site{pages: make(map[string]string)}
	for _, p := range DefaultShellAssets {
		s.pages[p] = "asset " + p
	}
	s.pages["/"] = rootPage
	for _, p := range []string{"/assets/index.css", "/fonts/inter.woff2", "/fonts/mono.ttf", "/assets/index.js"} {
		s.pages[p] = "asset " + p
	}
	return s
}

func (s *site) Fetch(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.URL.Host != origin.Host {
		return nil, fmt.Errorf("unexpected host %s", req.URL.Host)
	}
	body, ok := s.pages[req.Path()]
	if !ok {
		return &fetch.Response{Status: http.StatusNotFound, Header: make(http.Header)}, nil
	}
	return &fetch.Response{Status: http.StatusOK, Header: make(http.Header), Body: []byte(body)}, nil
}

func (s *site) del(p string) {
	s.mu.Lock()
	delete(s.pages, p)
	s.mu.Unlock()
}

// claimer records the caches that exist when a generation takes over.
type claimer struct {
	b      *cache.Bank
	caches []string
}

func (c *claimer) SetBank(b *cache.Bank) {
	c.b = b
	c.caches, _ = b.Backend().Names(context.Background())
}

type recorder struct{ msgs []any }

func (r *recorder) Broadcast(v any) { r.msgs = append(r.msgs, v) }

func newBank(t *testing.T, backend cache.Backend, version string) *cache.Bank {
	t.Helper()
	b, err := cache.NewBank(cache.BankOpts{Backend: backend, Prefix: "tg-showcase", Version: version})
	require.NoError(t, err)
	return b
}

func staticKeys(t *testing.T, backend cache.Backend, b *cache.Bank) []string {
	t.Helper()
	keys, err := backend.Keys(context.Background(), b.Name(cache.Static))
	require.NoError(t, err)
	sort.Strings(keys)
	return keys
}

func TestManager_Update(t *testing.T) {
	backend := mem_cache.NewMemCache(0)
	s := newSite()
	cl := new(claimer)
	notes := new(recorder)
	m, err := NewManager(Opts{Fetcher: s, Origin: origin, Claimer: cl, Notifier: notes})
	require.NoError(t, err)
	assert.Equal(t, Parsed, m.State())

	v1 := newBank(t, backend, "v1")
	require.NoError(t, m.Update(context.Background(), v1))
	assert.Equal(t, Active, m.State())
	assert.Equal(t, "v1", m.Version())
	assert.Same(t, v1, cl.b)
	assert.Equal(t, []any{notifier.NewActivated("v1")}, notes.msgs)

	want := []string{
		"GET https://shop.example.com/",
		"GET https://shop.example.com/assets/index.css",
		"GET https://shop.example.com/assets/index.js",
		"GET https://shop.example.com/fonts/inter.woff2",
		"GET https://shop.example.com/fonts/mono.ttf",
		"GET https://shop.example.com/icon.png",
		"GET https://shop.example.com/index.html",
		"GET https://shop.example.com/manifest.json",
		"GET https://shop.example.com/offline.html",
	}
	assert.Equal(t, want, staticKeys(t, backend, v1))

	// A new version deletes every cache of the old one.
	ctx := context.Background()
	req, _ := fetch.NewRequest(http.MethodGet, "/img/a.png", origin, nil, nil)
	require.NoError(t, v1.Put(ctx, cache.Dynamic, req, &fetch.Response{Status: 200}))
	v2 := newBank(t, backend, "v2")
	require.NoError(t, m.Update(ctx, v2))
	assert.Equal(t, "v2", m.Version())
	assert.Same(t, v2, cl.b)
	// v2 serves before the v1 caches are deleted, and v1 takes no more writes.
	assert.Contains(t, cl.caches, v1.Name(cache.Dynamic))
	assert.True(t, v1.Retired())
	assert.False(t, v2.Retired())
	assert.ErrorIs(t, v1.Put(ctx, cache.Dynamic, req, &fetch.Response{Status: 200}), cache.ErrRetired)
	names, err := backend.Names(ctx)
	require.NoError(t, err)
	for _, name := range names {
		assert.True(t, strings.HasSuffix(name, "-v2"), name)
	}
	assert.Len(t, staticKeys(t, backend, v2), len(want))
}

func TestManager_installFailure(t *testing.T) {
	backend := mem_cache.NewMemCache(0)
	s := newSite()
	s.del("/manifest.json")
	cl := new(claimer)
	m, err := NewManager(Opts{Fetcher: s, Origin: origin, Claimer: cl})
	require.NoError(t, err)

	b := newBank(t, backend, "v1")
	require.Error(t, m.Update(context.Background(), b))
	assert.Equal(t, Redundant, m.State())
	assert.Nil(t, cl.b)
	assert.Empty(t, m.Version())
	assert.Empty(t, staticKeys(t, backend, b))
	assert.False(t, m.SkipWaiting(context.Background()))
}

func TestManager_discoveryFailureIsSwallowed(t *testing.T) {
	backend := mem_cache.NewMemCache(0)
	s := newSite()
	s.del("/fonts/mono.ttf")
	m, err := NewManager(Opts{Fetcher: s, Origin: origin})
	require.NoError(t, err)

	b := newBank(t, backend, "v1")
	require.NoError(t, m.Install(context.Background(), b))
	assert.Equal(t, Installed, m.State())
	assert.Len(t, staticKeys(t, backend, b), len(DefaultShellAssets))

	assert.True(t, m.SkipWaiting(context.Background()))
	assert.Equal(t, Active, m.State())
	assert.False(t, m.SkipWaiting(context.Background()))
}

func TestDiscoverAssets(t *testing.T) {
	got := discoverAssets([]byte(rootPage), origin, 20)
	assert.Equal(t, []string{
		"https://shop.example.com/assets/index.css",
		"https://shop.example.com/fonts/inter.woff2",
		"https://shop.example.com/fonts/mono.ttf",
		"https://shop.example.com/assets/index.js",
	}, got)

	var b strings.Builder
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&b, `<script src="/assets/chunk-%d.js"></script>`, i)
	}
	got = discoverAssets([]byte(b.String()), origin, 20)
	require.Len(t, got, 20)
	assert.Equal(t, "https://shop.example.com/assets/chunk-0.js", got[0])

	assert.Empty(t, discoverAssets([]byte("not html at all"), origin, 20))
}
