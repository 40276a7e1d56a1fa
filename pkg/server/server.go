// Package server accepts page requests over http, https and h3 and hands
// them to an http_handler.Handler, which turns them into fetch events.
package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	H "github.com/pmkol/swcache-x/pkg/server/http_handler"
)

var (
	ErrServerClosed = errors.New("server closed")
	errNoHandler    = errors.New("no http handler")
)

type Opts struct {
	// Nil disables logging.
	Logger *zap.Logger

	// HttpHandler cannot be nil.
	HttpHandler *H.Handler

	// Cert and Key are required by https and h3. Both files are watched
	// and reloaded on change.
	Cert, Key string

	// Kernel TLS offload of the https listener.
	KernelRX, KernelTX bool

	// IdleTimeout of keep-alive connections. Zero picks a per protocol
	// default.
	IdleTimeout time.Duration
}

// Server runs listeners that share one handler. Close stops all of them
// together with their certificate watchers.
type Server struct {
	opts Opts

	mu     sync.Mutex
	closed bool
	live   map[io.Closer]struct{}
}

func NewServer(opts Opts) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.IdleTimeout < 0 {
		opts.IdleTimeout = 0
	}
	return &Server{opts: opts, live: make(map[io.Closer]struct{})}
}

func (s *Server) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// track registers c to be closed by Close. It returns false and leaves c
// alone once s is closed.
func (s *Server) track(c io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.live[c] = struct{}{}
	return true
}

func (s *Server) untrack(c io.Closer) {
	s.mu.Lock()
	delete(s.live, c)
	s.mu.Unlock()
}

// Close is idempotent.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	live := s.live
	s.live = nil
	s.mu.Unlock()

	// A closer may call untrack.
	for c := range live {
		_ = c.Close()
	}
}
