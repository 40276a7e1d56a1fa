// Package lifecycle installs and activates cache generations.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/swcache-x/pkg/cache"
	"github.com/pmkol/swcache-x/pkg/fetch"
	"github.com/pmkol/swcache-x/pkg/notifier"
	"github.com/pmkol/swcache-x/pkg/utils"
)

// State of the newest generation.
type State int32

const (
	Parsed State = iota
	Installing
	Installed
	Activating
	Active
	Redundant
)

func (s State) String() string {
	switch s {
	case Parsed:
		return "parsed"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Active:
		return "active"
	case Redundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DefaultShellAssets are cached on install.
var DefaultShellAssets = []string{"/", "/index.html", "/offline.html", "/manifest.json", "/icon.png"}

const defaultMaxDiscovered = 20

type Broadcaster interface {
	Broadcast(v any)
}

// Claimer starts serving fetch events from an activated generation.
type Claimer interface {
	SetBank(b *cache.Bank)
}

type Opts struct {
	// Fetcher and Origin cannot be nil.
	Fetcher fetch.Fetcher
	Origin  *url.URL

	// ShellAssets default to DefaultShellAssets.
	ShellAssets []string

	// MaxDiscovered caps discovered assets. Default is 20.
	MaxDiscovered int

	// FetchTimeout bounds the install. Default is 30s.
	FetchTimeout time.Duration

	Claimer  Claimer
	Notifier Broadcaster
	Logger   *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.Fetcher == nil {
		return errors.New("nil fetcher")
	}
	if opts.Origin == nil {
		return errors.New("nil origin")
	}
	if len(opts.ShellAssets) == 0 {
		opts.ShellAssets = DefaultShellAssets
	}
	utils.SetDefaultNum(&opts.MaxDiscovered, defaultMaxDiscovered)
	utils.SetDefaultNum(&opts.FetchTimeout, 30*time.Second)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return nil
}

// Manager moves cache generations through install and activation. Only
// one transition runs at a time.
type Manager struct {
	opts Opts

	mu      sync.Mutex
	pending *cache.Bank
	active  *cache.Bank

	state   atomic.Int32
	version atomic.Pointer[string]
}

func NewManager(opts Opts) (*Manager, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Manager{opts: opts}, nil
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	m.opts.Logger.Debug("lifecycle state changed", zap.Stringer("state", s))
}

// Version returns the version of the active generation, "" if none.
func (m *Manager) Version() string {
	if v := m.version.Load(); v != nil {
		return *v
	}
	return ""
}

// Update installs b and activates it.
func (m *Manager) Update(ctx context.Context, b *cache.Bank) error {
	if err := m.Install(ctx, b); err != nil {
		return err
	}
	m.SkipWaiting(ctx)
	return nil
}

// Install fills the static cache of b with the shell assets. If any of
// them fails, the install fails and b is discarded. Assets referenced by
// the root page are added on a best effort basis.
func (m *Manager) Install(ctx context.Context, b *cache.Bank) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setState(Installing)
	ctx, cancel := context.WithTimeout(ctx, m.opts.FetchTimeout)
	defer cancel()

	if err := m.install(ctx, b); err != nil {
		m.setState(Redundant)
		return fmt.Errorf("install %s: %w", b.Version(), err)
	}
	m.discover(ctx, b)

	m.pending = b
	m.setState(Installed)
	m.opts.Logger.Info("generation installed", zap.String("version", b.Version()))
	return nil
}

func (m *Manager) install(ctx context.Context, b *cache.Bank) error {
	if err := b.Open(ctx); err != nil {
		return err
	}
	reqs := make([]*fetch.Request, 0, len(m.opts.ShellAssets))
	for _, p := range m.opts.ShellAssets {
		req, err := fetch.NewRequest(http.MethodGet, p, m.opts.Origin, nil, nil)
		if err != nil {
			return fmt.Errorf("invalid shell asset %q: %w", p, err)
		}
		reqs = append(reqs, req)
	}
	return b.AddAll(ctx, cache.Static, m.opts.Fetcher, reqs)
}

func (m *Manager) discover(ctx context.Context, b *cache.Bank) {
	logger := m.opts.Logger
	root, _ := fetch.NewRequest(http.MethodGet, "/", m.opts.Origin, nil, nil)
	r, err := m.opts.Fetcher.Fetch(ctx, root)
	if err != nil {
		logger.Warn("asset discovery failed", zap.Error(err))
		return
	}
	if !r.OK() {
		logger.Warn("asset discovery failed", zap.Int("status", r.Status))
		return
	}

	urls := discoverAssets(r.Body, root.URL, m.opts.MaxDiscovered)
	if len(urls) == 0 {
		return
	}
	reqs := make([]*fetch.Request, 0, len(urls))
	for _, u := range urls {
		req, err := fetch.NewRequest(http.MethodGet, u, nil, nil, nil)
		if err != nil {
			continue
		}
		reqs = append(reqs, req)
	}
	if err := b.AddAll(ctx, cache.Static, m.opts.Fetcher, reqs); err != nil {
		logger.Warn("failed to cache discovered assets", zap.Int("assets", len(reqs)), zap.Error(err))
		return
	}
	logger.Info("discovered assets cached", zap.Strings("urls", urls))
}

// SkipWaiting activates the installed generation. It reports false if
// there is none.
func (m *Manager) SkipWaiting(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return false
	}
	b := m.pending
	m.pending = nil
	m.activate(ctx, b)
	return true
}

// activate lets b serve fetch events, retires the previous generation,
// deletes the caches of other generations and tells the pages. Pruning
// comes last so no write of the previous generation recreates a cache
// after it is deleted.
func (m *Manager) activate(ctx context.Context, b *cache.Bank) {
	m.setState(Activating)
	if m.opts.Claimer != nil {
		m.opts.Claimer.SetBank(b)
	}
	if old := m.active; old != nil && old != b {
		old.Retire()
		if old.Version() != b.Version() {
			m.opts.Logger.Info("generation is redundant", zap.String("version", old.Version()))
		}
	}
	m.active = b

	deleted, err := b.Prune(ctx)
	if err != nil {
		m.opts.Logger.Error("failed to delete old caches", zap.Error(err))
	} else if len(deleted) > 0 {
		m.opts.Logger.Info("old caches deleted", zap.Strings("caches", deleted))
	}

	v := b.Version()
	m.version.Store(&v)
	m.setState(Active)
	m.opts.Logger.Info("generation activated", zap.String("version", v))
	if m.opts.Notifier != nil {
		m.opts.Notifier.Broadcast(notifier.NewActivated(v))
	}
}
