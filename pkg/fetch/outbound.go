package fetch

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
)

var ErrBodyTooLarge = errors.New("response body too large")

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopHeaders deletes hop-by-hop headers from h, including the ones
// listed in its Connection header.
func RemoveHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); len(name) > 0 {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// Outbound returns the url and headers to send r to server. Scheme and host
// come from server, a non root server path is prepended. The page visible
// host is kept in X-Forwarded-Host.
func (r *Request) Outbound(server *url.URL) (*url.URL, http.Header) {
	u := *r.URL
	u.Scheme = server.Scheme
	u.Host = server.Host
	u.User = nil
	if p := strings.TrimSuffix(server.Path, "/"); len(p) > 0 {
		u.Path = p + r.Path()
		u.RawPath = ""
	}

	h := r.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	RemoveHopHeaders(h)
	h.Del("Host")
	if len(r.URL.Host) > 0 {
		h.Set("X-Forwarded-Host", r.URL.Host)
	}
	return &u, h
}

// ReadBody reads at most limit bytes from rd. It returns ErrBodyTooLarge
// if rd has more.
func ReadBody(rd io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(rd, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, ErrBodyTooLarge
	}
	return b, nil
}
