/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 */

package http_handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/pmkol/swcache-x/pkg/fetch"
	"github.com/pmkol/swcache-x/pkg/utils"
)

var nopLogger = zap.NewNop()

// proxyHeaders is defined as a package-level variable to avoid allocation on every request.
var proxyHeaders = []string{"True-Client-IP", "X-Real-IP", "X-Forwarded-For"}

// ClientIDHeader optionally carries the id a page got from the client
// channel, so that replies can be addressed to it.
const ClientIDHeader = "X-SW-Client"

const defaultMaxBodySize = 8 << 20

// FetchHandler answers fetch events.
type FetchHandler interface {
	Fetch(ctx context.Context, req *fetch.Request, clientID string) (*fetch.Response, error)
}

type HandlerOpts struct {
	// FetchHandler cannot be nil.
	FetchHandler FetchHandler

	// Origin is the page visible origin. Requests are seen by the worker
	// as requests to it. If nil, the origin is derived from each request.
	Origin *url.URL

	// SrcIPHeader names an extra header that carries the client address.
	SrcIPHeader string

	// MaxBodySize limits request bodies. Default is 8 MiB.
	MaxBodySize int64

	Logger *zap.Logger
}

func (opts *HandlerOpts) Init() error {
	if opts.FetchHandler == nil {
		return errors.New("nil fetch handler")
	}
	utils.SetDefaultNum(&opts.MaxBodySize, defaultMaxBodySize)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type Handler struct {
	opts HandlerOpts
}

func NewHandler(opts HandlerOpts) (*Handler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Handler{opts: opts}, nil
}

func (h *Handler) warnErr(req Request, err error) {
	h.opts.Logger.Warn(err.Error(), zap.String("from", req.GetRemoteAddr()), zap.String("method", req.Method()), zap.String("url", req.RequestURI()))
}

// Interfaces to abstract http/http3 requests
type ResponseWriter interface {
	Header() http.Header
	Write([]byte) (int, error)
	WriteHeader(statusCode int)
}

type Request interface {
	URL() *url.URL
	TLS() *TlsInfo
	Body() io.ReadCloser
	Header() http.Header
	Host() string
	Method() string
	Context() context.Context
	RequestURI() string
	GetRemoteAddr() string
	SetRemoteAddr(addr string)
}

type TlsInfo struct {
	Version            uint16
	ServerName         string
	NegotiatedProtocol string
}

func (h *Handler) ServeHTTP(w ResponseWriter, req Request) {
	if addr, err := getRemoteAddr(req, h.opts.SrcIPHeader); err == nil {
		req.SetRemoteAddr(addr.String())
	}

	var body []byte
	if rb := req.Body(); rb != nil {
		b, err := fetch.ReadBody(rb, h.opts.MaxBodySize)
		if errors.Is(err, fetch.ErrBodyTooLarge) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			h.warnErr(req, fmt.Errorf("read body failed: %w", err))
			return
		}
		body = b
	}

	header := req.Header().Clone()
	clientID := header.Get(ClientIDHeader)
	header.Del(ClientIDHeader)
	fetch.RemoveHopHeaders(header)

	fr, err := fetch.NewRequest(req.Method(), req.URL().RequestURI(), h.pageOrigin(req), header, body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		h.warnErr(req, fmt.Errorf("invalid request url: %w", err))
		return
	}

	r, err := h.opts.FetchHandler.Fetch(req.Context(), fr, clientID)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("Bad Gateway"))
		h.warnErr(req, fmt.Errorf("fetch failed: %w", err))
		return
	}

	wh := w.Header()
	for k, v := range r.Header {
		wh[k] = append([]string(nil), v...)
	}
	fetch.RemoveHopHeaders(wh)
	wh.Set("Content-Length", strconv.Itoa(len(r.Body)))
	w.WriteHeader(r.Status)
	if req.Method() != http.MethodHead {
		_, _ = w.Write(r.Body)
	}
}

// pageOrigin returns the origin the page sees.
func (h *Handler) pageOrigin(req Request) *url.URL {
	if h.opts.Origin != nil {
		return h.opts.Origin
	}
	scheme := "http"
	if req.TLS() != nil {
		scheme = "https"
	}
	host := req.Host()
	if len(host) == 0 {
		host = req.URL().Host
	}
	return &url.URL{Scheme: scheme, Host: host}
}

func getRemoteAddr(req Request, customHeader string) (netip.Addr, error) {
	// Priority check for common proxy headers using the static package-level slice
	for _, h := range proxyHeaders {
		if val := req.Header().Get(h); val != "" {
			// Handle potential list in X-Forwarded-For (take first)
			ipStr := val
			if h == "X-Forwarded-For" {
				ipStr, _, _ = strings.Cut(val, ",")
			}
			ipStr = strings.TrimSpace(ipStr)
			if addr, err := netip.ParseAddr(ipStr); err == nil {
				return addr, nil
			}
		}
	}

	// Check custom header if provided and not already checked
	if customHeader != "" {
		isStandard := false
		for _, h := range proxyHeaders {
			if strings.EqualFold(customHeader, h) {
				isStandard = true
				break
			}
		}
		if !isStandard {
			if val := req.Header().Get(customHeader); val != "" {
				if addr, err := netip.ParseAddr(val); err == nil {
					return addr, nil
				}
			}
		}
	}

	// Fallback to direct remote address
	addrport, err := netip.ParseAddrPort(req.GetRemoteAddr())
	if err != nil {
		return netip.Addr{}, err
	}
	return addrport.Addr().Unmap(), nil
}
