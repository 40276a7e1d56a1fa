// Package upstream builds the fetch.Fetcher that talks to the origin server.
package upstream

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"gitlab.com/go-extension/http"

	"github.com/pmkol/swcache-x/pkg/fetch"
	"github.com/pmkol/swcache-x/pkg/upstream/web"
	"github.com/pmkol/swcache-x/pkg/upstream/web3"
	"github.com/pmkol/swcache-x/pkg/utils"
)

const (
	ProtocolHTTP = "http"
	ProtocolH3   = "h3"
)

// Upstream is a fetch.Fetcher bound to one origin server.
type Upstream interface {
	fetch.Fetcher
	io.Closer
}

type Opts struct {
	// URL of the origin server. Only its scheme, host and path prefix
	// are used.
	URL *url.URL

	// Protocol is ProtocolHTTP (default) or ProtocolH3.
	Protocol string

	// MaxBodySize limits response bodies. Default is 32 MiB.
	MaxBodySize int64

	// IdleTimeout of pooled connections. Default is 90s.
	IdleTimeout time.Duration

	// MaxIdleConns per host. Default is 64.
	MaxIdleConns int
}

func (opts *Opts) Init() error {
	if opts.URL == nil || len(opts.URL.Host) == 0 {
		return fmt.Errorf("invalid upstream url")
	}
	utils.SetDefaultString(&opts.Protocol, ProtocolHTTP)
	utils.SetDefaultNum(&opts.MaxBodySize, 32<<20)
	utils.SetDefaultNum(&opts.IdleTimeout, 90*time.Second)
	utils.SetDefaultNum(&opts.MaxIdleConns, 64)
	return nil
}

func New(opts Opts) (Upstream, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}

	switch opts.Protocol {
	case ProtocolHTTP:
		t := &http.Transport{
			ForceAttemptHTTP2:   true,
			MaxIdleConnsPerHost: opts.MaxIdleConns,
			IdleConnTimeout:     opts.IdleTimeout,
		}
		return web.NewUpstream(opts.URL, t, opts.MaxBodySize), nil
	case ProtocolH3:
		if opts.URL.Scheme != "https" {
			return nil, fmt.Errorf("h3 upstream requires an https url, got %s", opts.URL.Scheme)
		}
		t := &http3.Transport{
			TLSClientConfig: &tls.Config{NextProtos: []string{http3.NextProtoH3}},
			QUICConfig:      &quic.Config{MaxIdleTimeout: opts.IdleTimeout},
		}
		return web3.NewUpstream(opts.URL, t, opts.MaxBodySize), nil
	default:
		return nil, fmt.Errorf("unsupported upstream protocol %q", opts.Protocol)
	}
}
