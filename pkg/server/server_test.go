package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/swcache-x/pkg/fetch"
	H "github.com/pmkol/swcache-x/pkg/server/http_handler"
)

type closer struct{ n atomic.Int32 }

func (c *closer) Close() error {
	c.n.Add(1)
	return nil
}

func TestServer_Close(t *testing.T) {
	s := NewServer(Opts{})
	a, b := new(closer), new(closer)
	require.True(t, s.track(a))
	require.True(t, s.track(b))
	s.untrack(b)

	s.Close()
	s.Close()
	assert.True(t, s.Closed())
	assert.EqualValues(t, 1, a.n.Load())
	assert.Zero(t, b.n.Load())

	// Nothing is tracked once closed.
	c := new(closer)
	assert.False(t, s.track(c))
	s.untrack(c)
	assert.Zero(t, c.n.Load())
}

func TestServe_noHandler(t *testing.T) {
	s := NewServer(Opts{})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, s.ServeHTTP(l), errNoHandler)
}

type echo struct{ seen *fetch.Request }

func (e *echo) Fetch(_ context.Context, req *fetch.Request, clientID string) (*fetch.Response, error) {
	e.seen = req
	h := make(http.Header)
	h.Set("X-Client", clientID)
	return &fetch.Response{Status: http.StatusOK, Header: h, Body: req.Body}, nil
}

func TestStdHandler(t *testing.T) {
	e := new(echo)
	h, err := H.NewHandler(H.HandlerOpts{FetchHandler: e})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "https://shop.example.com/api/orders?x=1", strings.NewReader(`{"id":1}`))
	req.Header.Set(H.ClientIDHeader, "page-1")
	rec := httptest.NewRecorder()
	stdHandler{h}.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"id":1}`, rec.Body.String())
	assert.Equal(t, "page-1", rec.Header().Get("X-Client"))
	require.NotNil(t, e.seen)
	assert.Equal(t, http.MethodPost, e.seen.Method)
	assert.Equal(t, "/api/orders", e.seen.URL.Path)
	assert.Empty(t, e.seen.Header.Get(H.ClientIDHeader))
}
