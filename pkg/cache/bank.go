package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pmkol/swcache-x/pkg/fetch"
	"github.com/pmkol/swcache-x/pkg/utils"
)

// Kind is one of the three logical caches.
type Kind int

const (
	Static Kind = iota
	Dynamic
	API
)

func (k Kind) String() string {
	switch k {
	case Static:
		return "static"
	case Dynamic:
		return "dynamic"
	case API:
		return "api"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var kinds = [...]Kind{Static, Dynamic, API}

const maxAddAllConcurrency = 6

// ErrRetired is returned by writes to a Bank that is no longer active.
var ErrRetired = errors.New("cache generation retired")

type BankOpts struct {
	// Backend cannot be nil.
	Backend Backend

	// Prefix of every cache name. Default is "swcache".
	Prefix string

	// Version is the generation tag shared by all three caches.
	// Version cannot be empty.
	Version string

	// Capacity hint of the static and api caches, 0 means backend default.
	Size int

	// Capacity hint of the dynamic cache, 0 means backend default.
	DynamicSize int

	Logger *zap.Logger
}

func (opts *BankOpts) Init() error {
	if opts.Backend == nil {
		return fmt.Errorf("nil cache backend")
	}
	if len(opts.Version) == 0 {
		return fmt.Errorf("empty cache version")
	}
	utils.SetDefaultString(&opts.Prefix, "swcache")
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return nil
}

// Bank is one generation of the static, dynamic and api caches.
// A version bump creates a new Bank over the same Backend and retires
// the old one.
type Bank struct {
	opts BankOpts

	mu      sync.RWMutex
	retired bool
}

func NewBank(opts BankOpts) (*Bank, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Bank{opts: opts}, nil
}

// WithVersion returns a Bank of another generation sharing b's backend.
func (b *Bank) WithVersion(version string) (*Bank, error) {
	opts := b.opts
	opts.Version = version
	return NewBank(opts)
}

func (b *Bank) Version() string {
	return b.opts.Version
}

func (b *Bank) Backend() Backend {
	return b.opts.Backend
}

// Name returns the cache name of kind k in this generation.
func (b *Bank) Name(k Kind) string {
	return b.opts.Prefix + "-" + k.String() + "-" + b.opts.Version
}

// Names returns the names of all three caches of this generation.
func (b *Bank) Names() []string {
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, b.Name(k))
	}
	return names
}

// Open makes sure all three caches of this generation exist.
func (b *Bank) Open(ctx context.Context) error {
	for _, k := range kinds {
		capacity := b.opts.Size
		if k == Dynamic {
			capacity = b.opts.DynamicSize
		}
		if err := b.opts.Backend.Open(ctx, b.Name(k), capacity); err != nil {
			return fmt.Errorf("failed to open cache %s: %w", b.Name(k), err)
		}
	}
	return nil
}

// Match looks req up in cache k. Backend errors are logged and reported
// as a miss.
func (b *Bank) Match(ctx context.Context, k Kind, req *fetch.Request) (*fetch.Response, bool) {
	if req.Method != http.MethodGet {
		return nil, false
	}
	r, ok, err := b.opts.Backend.Get(ctx, b.Name(k), req.Key())
	if err != nil {
		b.opts.Logger.Warn("cache read failed", zap.Stringer("cache", k), zap.String("key", req.Key()), zap.Error(err))
		return nil, false
	}
	return r, ok
}

// Put stores a clone of r for req in cache k. Only GET requests are cached,
// other methods are silently ignored. It returns ErrRetired once b is
// retired.
func (b *Bank) Put(ctx context.Context, k Kind, req *fetch.Request, r *fetch.Response) error {
	if req.Method != http.MethodGet {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.retired {
		return ErrRetired
	}
	return b.opts.Backend.Store(ctx, b.Name(k), req.Key(), r.Clone())
}

// Retire rejects every later Put. When it returns no Put of b is still
// writing, so b's caches can be dropped safely.
func (b *Bank) Retire() {
	b.mu.Lock()
	b.retired = true
	b.mu.Unlock()
}

func (b *Bank) Retired() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.retired
}

// AddAll fetches every request and stores the responses in cache k.
// Like the platform's addAll it is all or nothing: if any fetch fails or
// returns a non-ok status, nothing is stored and an error is returned.
func (b *Bank) AddAll(ctx context.Context, k Kind, f fetch.Fetcher, reqs []*fetch.Request) error {
	resps := make([]*fetch.Response, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxAddAllConcurrency)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			r, err := f.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", req.URL, err)
			}
			if !r.OK() {
				return fmt.Errorf("fetch %s: bad status %d", req.URL, r.Status)
			}
			resps[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, req := range reqs {
		if err := b.Put(ctx, k, req, resps[i]); err != nil {
			return fmt.Errorf("store %s: %w", req.URL, err)
		}
	}
	return nil
}

// Prune deletes every cache whose name does not contain the version tag
// of this generation and returns the deleted names.
func (b *Bank) Prune(ctx context.Context) ([]string, error) {
	names, err := b.opts.Backend.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}

	var deleted []string
	for _, name := range names {
		if strings.Contains(name, b.opts.Version) {
			continue
		}
		if _, err := b.opts.Backend.Drop(ctx, name); err != nil {
			return deleted, fmt.Errorf("failed to delete cache %s: %w", name, err)
		}
		b.opts.Logger.Info("stale cache deleted", zap.String("cache", name))
		deleted = append(deleted, name)
	}
	return deleted, nil
}

// Len returns the number of entries of cache k.
func (b *Bank) Len(ctx context.Context, k Kind) (int, error) {
	keys, err := b.opts.Backend.Keys(ctx, b.Name(k))
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
