package http_handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/swcache-x/pkg/fetch"
)

type testRequest struct{ r *http.Request }

func (r *testRequest) URL() *url.URL             { return r.r.URL }
func (r *testRequest) TLS() *TlsInfo             { return nil }
func (r *testRequest) Body() io.ReadCloser       { return r.r.Body }
func (r *testRequest) Header() http.Header       { return r.r.Header }
func (r *testRequest) Host() string              { return r.r.Host }
func (r *testRequest) Method() string            { return r.r.Method }
func (r *testRequest) Context() context.Context  { return r.r.Context() }
func (r *testRequest) RequestURI() string        { return r.r.RequestURI }
func (r *testRequest) GetRemoteAddr() string     { return r.r.RemoteAddr }
func (r *testRequest) SetRemoteAddr(addr string) { r.r.RemoteAddr = addr }

type fetchFunc func(ctx context.Context, req *fetch.Request, clientID string) (*fetch.Response, error)

func (f fetchFunc) Fetch(ctx context.Context, req *fetch.Request, clientID string) (*fetch.Response, error) {
	return f(ctx, req, clientID)
}

func TestHandler_ServeHTTP(t *testing.T) {
	origin, _ := url.Parse("https://shop.example.com")
	var got *fetch.Request
	var gotClient string
	h, err := NewHandler(HandlerOpts{
		Origin: origin,
		FetchHandler: fetchFunc(func(_ context.Context, req *fetch.Request, clientID string) (*fetch.Response, error) {
			got, gotClient = req, clientID
			hdr := make(http.Header)
			hdr.Set("Content-Type", "application/json")
			hdr.Set("Connection", "close")
			return &fetch.Response{Status: http.StatusAccepted, Header: hdr, Body: []byte(`{"queued":true}`)}, nil
		}),
	})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/api/orders?x=1", strings.NewReader(`{"id":1}`))
	r.Header.Set(ClientIDHeader, "c1")
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, &testRequest{r})

	require.NotNil(t, got)
	assert.Equal(t, "POST", got.Method)
	assert.Equal(t, "https://shop.example.com/api/orders?x=1", got.URL.String())
	assert.Equal(t, `{"id":1}`, string(got.Body))
	assert.Equal(t, "c1", gotClient)
	assert.Empty(t, got.Header.Get(ClientIDHeader))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "203.0.113.7", r.RemoteAddr)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, `{"queued":true}`, w.Body.String())
	assert.Equal(t, "15", w.Header().Get("Content-Length"))
	assert.Empty(t, w.Header().Get("Connection"))
}

func TestHandler_derivedOrigin(t *testing.T) {
	var got *fetch.Request
	h, err := NewHandler(HandlerOpts{
		FetchHandler: fetchFunc(func(_ context.Context, req *fetch.Request, _ string) (*fetch.Response, error) {
			got = req
			return &fetch.Response{Status: 200, Header: make(http.Header), Body: []byte("hello")}, nil
		}),
	})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodHead, "http://gateway.local:8080/index.html", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, &testRequest{r})
	assert.Equal(t, "http://gateway.local:8080/index.html", got.URL.String())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Equal(t, "5", w.Header().Get("Content-Length"))
}

func TestHandler_errors(t *testing.T) {
	h, err := NewHandler(HandlerOpts{
		MaxBodySize: 4,
		FetchHandler: fetchFunc(func(context.Context, *fetch.Request, string) (*fetch.Response, error) {
			return nil, errors.New("connection refused")
		}),
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, &testRequest{httptest.NewRequest(http.MethodGet, "/x", nil)})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, &testRequest{httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("12345"))})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	_, err = NewHandler(HandlerOpts{})
	assert.Error(t, err)
}
