// Package web fetches from the origin server over HTTP/1.1 or HTTP/2.
package web

import (
	"context"
	"fmt"
	nethttp "net/http"
	"net/url"

	"gitlab.com/go-extension/http"

	C "github.com/pmkol/swcache-x/constant"
	"github.com/pmkol/swcache-x/pkg/fetch"
)

var defaultUserAgent = fmt.Sprintf("swcache-x/%s", C.Version)

type Upstream struct {
	server      *url.URL
	transport   *http.Transport
	maxBodySize int64
}

func NewUpstream(server *url.URL, transport *http.Transport, maxBodySize int64) *Upstream {
	return &Upstream{
		server:      server,
		transport:   transport,
		maxBodySize: maxBodySize,
	}
}

func (u *Upstream) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	target, header := req.Outbound(u.server)
	hr, err := http.NewRequestWithContext(ctx, req.Method, target.String(), req.BodyReader())
	if err != nil {
		return nil, err
	}
	hr.Header = http.Header(header)
	if len(hr.Header.Get("User-Agent")) == 0 {
		hr.Header.Set("User-Agent", defaultUserAgent)
	}

	res, err := u.transport.RoundTrip(hr)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := fetch.ReadBody(res.Body, u.maxBodySize)
	if err != nil {
		return nil, err
	}
	h := nethttp.Header(res.Header).Clone()
	fetch.RemoveHopHeaders(h)
	return &fetch.Response{Status: res.StatusCode, Header: h, Body: body}, nil
}

func (u *Upstream) Close() error {
	u.transport.CloseIdleConnections()
	return nil
}
