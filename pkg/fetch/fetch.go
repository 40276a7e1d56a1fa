package fetch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Fetcher performs a real network request.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc is an adapter to allow the use of ordinary functions as Fetcher.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Request is a fully buffered snapshot of a page request.
// URL is always the page-visible absolute URL.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// NewRequest builds a Request. rawURL may be relative, in which case it is
// resolved against base.
func NewRequest(method, rawURL string, base *url.URL, header http.Header, body []byte) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if header == nil {
		header = make(http.Header)
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: header,
		Body:   body,
	}, nil
}

// Key returns the cache identity of r: method and full URL.
func (r *Request) Key() string {
	return r.Method + " " + r.URL.String()
}

// Path returns the origin-relative path of r.
func (r *Request) Path() string {
	if len(r.URL.Path) == 0 {
		return "/"
	}
	return r.URL.Path
}

// Clone deep copies r.
func (r *Request) Clone() *Request {
	u := *r.URL
	var body []byte
	if r.Body != nil {
		body = append([]byte(nil), r.Body...)
	}
	return &Request{
		Method: r.Method,
		URL:    &u,
		Header: r.Header.Clone(),
		Body:   body,
	}
}

// BodyReader returns a reader of the request body, or nil if r has no body.
func (r *Request) BodyReader() io.Reader {
	if len(r.Body) == 0 {
		return nil
	}
	return bytes.NewReader(r.Body)
}

// Response is a fully buffered response snapshot.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone deep copies r.
func (r *Response) Clone() *Response {
	return &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   append([]byte(nil), r.Body...),
	}
}
