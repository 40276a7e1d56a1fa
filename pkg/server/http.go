/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 */

package server

import (
	"errors"
	"net"
	"time"

	"gitlab.com/go-extension/http"
)

const (
	// TLS handshake + HTTP headers (Slowloris protection)
	defaultReadHeaderTimeout = 5 * time.Second

	// Mutation bodies are buffered before the fetch event starts.
	defaultReadTimeout = 30 * time.Second

	defaultTCPIdleTimeout = 10 * time.Second

	defaultMaxHeaderBytes = 16 << 10
)

// ServeHTTP serves page requests on l over HTTP/1.1, or HTTP/2 if l is
// a tls listener that negotiated it.
func (s *Server) ServeHTTP(l net.Listener) error {
	defer l.Close()

	if s.opts.HttpHandler == nil {
		return errNoHandler
	}

	idleTimeout := s.opts.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = defaultTCPIdleTimeout
	}

	hs := &http.Server{
		Handler:           extHandler{s.opts.HttpHandler},
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       defaultReadTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
	}
	if !s.track(hs) {
		return ErrServerClosed
	}
	defer s.untrack(hs)

	err := hs.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}
