package server

import (
	"context"
	"io"
	"net/http"
	"net/url"

	eHttp "gitlab.com/go-extension/http"

	H "github.com/pmkol/swcache-x/pkg/server/http_handler"
)

// stdHandler serves h3, which runs on net/http types.
type stdHandler struct{ h *H.Handler }

func (a stdHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := &request{
		ctx:    r.Context(),
		url:    r.URL,
		body:   r.Body,
		header: r.Header,
		host:   r.Host,
		method: r.Method,
		uri:    r.RequestURI,
		remote: r.RemoteAddr,
	}
	if r.TLS != nil {
		req.tls = &H.TlsInfo{Version: r.TLS.Version, ServerName: r.TLS.ServerName, NegotiatedProtocol: r.TLS.NegotiatedProtocol}
	}
	a.h.ServeHTTP(w, req)
}

// extHandler serves http and https, which run on go-extension types.
type extHandler struct{ h *H.Handler }

func (a extHandler) ServeHTTP(w eHttp.ResponseWriter, r *eHttp.Request) {
	req := &request{
		ctx:    r.Context(),
		url:    r.URL,
		body:   r.Body,
		header: http.Header(r.Header),
		host:   r.Host,
		method: r.Method,
		uri:    r.RequestURI,
		remote: r.RemoteAddr,
	}
	if r.TLS != nil {
		req.tls = &H.TlsInfo{Version: r.TLS.Version, ServerName: r.TLS.ServerName, NegotiatedProtocol: r.TLS.NegotiatedProtocol}
	}
	a.h.ServeHTTP(extWriter{w}, req)
}

// request is a snapshot of an inbound request from either stack.
type request struct {
	ctx    context.Context
	url    *url.URL
	tls    *H.TlsInfo
	body   io.ReadCloser
	header http.Header
	host   string
	method string
	uri    string
	remote string
}

func (r *request) URL() *url.URL             { return r.url }
func (r *request) TLS() *H.TlsInfo           { return r.tls }
func (r *request) Body() io.ReadCloser       { return r.body }
func (r *request) Header() http.Header       { return r.header }
func (r *request) Host() string              { return r.host }
func (r *request) Method() string            { return r.method }
func (r *request) Context() context.Context  { return r.ctx }
func (r *request) RequestURI() string        { return r.uri }
func (r *request) GetRemoteAddr() string     { return r.remote }
func (r *request) SetRemoteAddr(addr string) { r.remote = addr }

type extWriter struct{ w eHttp.ResponseWriter }

func (w extWriter) Header() http.Header         { return http.Header(w.w.Header()) }
func (w extWriter) Write(b []byte) (int, error) { return w.w.Write(b) }
func (w extWriter) WriteHeader(code int)        { w.w.WriteHeader(code) }
