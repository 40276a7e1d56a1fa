package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

const defaultQUICIdleTimeout = 30 * time.Second

// ServeH3 serves page requests over HTTP/3.
func (s *Server) ServeH3(l *quic.EarlyListener) error {
	defer l.Close()

	if s.opts.HttpHandler == nil {
		return errNoHandler
	}

	idleTimeout := s.opts.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = defaultQUICIdleTimeout
	}

	hs := &http3.Server{
		Handler:        stdHandler{s.opts.HttpHandler},
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: defaultMaxHeaderBytes,
	}
	if !s.track(hs) {
		return ErrServerClosed
	}
	defer s.untrack(hs)

	err := hs.ServeListener(l)
	if errors.Is(err, http.ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}
