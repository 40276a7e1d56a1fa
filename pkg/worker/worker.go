// Package worker is the offline caching worker. It owns the cache
// generations, the mutation queue and the client channel, and exposes
// one entry point per event: fetch, message, sync, push and
// notification click.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/swcache-x/pkg/background_sync"
	"github.com/pmkol/swcache-x/pkg/cache"
	"github.com/pmkol/swcache-x/pkg/classifier"
	"github.com/pmkol/swcache-x/pkg/fetch"
	"github.com/pmkol/swcache-x/pkg/lifecycle"
	"github.com/pmkol/swcache-x/pkg/queue"
	"github.com/pmkol/swcache-x/pkg/safe_close"
	"github.com/pmkol/swcache-x/pkg/strategy"
	"github.com/pmkol/swcache-x/pkg/utils"
)

// Clients is the channel to the pages.
type Clients interface {
	Broadcast(v any)
	Send(clientID string, v any) error
	SetURL(clientID, u string) bool
	FindByURL(s string) (string, bool)
	Len() int
}

type nopClients struct{}

func (nopClients) Broadcast(any)                   {}
func (nopClients) Send(string, any) error          { return nil }
func (nopClients) SetURL(string, string) bool      { return false }
func (nopClients) FindByURL(string) (string, bool) { return "", false }
func (nopClients) Len() int                        { return 0 }

const (
	defaultCachePrefix = "swcache"

	// HealthPath is probed by CHECK_ONLINE.
	HealthPath = "/api/health"

	demoPathPrefix = "/api/demo/"
)

type Opts struct {
	// Origin is the page visible origin. Required.
	Origin *url.URL

	// Version tags the cache generation. Required.
	Version string

	// CachePrefix defaults to "swcache".
	CachePrefix string

	// Fetcher, Cache and Queue cannot be nil.
	Fetcher fetch.Fetcher
	Cache   cache.Backend
	Queue   *queue.Manager

	// Clients defaults to a channel without pages.
	Clients Clients

	CacheSize        int
	DynamicCacheSize int

	Rules       []classifier.Rule
	ShellAssets []string

	// FetchTimeout bounds every network call. Default is 10s.
	FetchTimeout time.Duration

	// SyncInterval runs periodic sync passes. Zero disables them.
	SyncInterval time.Duration

	DeadLetter    bool
	KeepRawBodies bool

	Metrics prometheus.Registerer
	Logger  *zap.Logger
}

func (opts *Opts) Init() error {
	switch {
	case opts.Origin == nil:
		return errors.New("nil origin")
	case len(opts.Version) == 0:
		return errors.New("empty version")
	case opts.Fetcher == nil:
		return errors.New("nil fetcher")
	case opts.Cache == nil:
		return errors.New("nil cache backend")
	case opts.Queue == nil:
		return errors.New("nil queue manager")
	}
	utils.SetDefaultString(&opts.CachePrefix, defaultCachePrefix)
	if opts.Clients == nil {
		opts.Clients = nopClients{}
	}
	utils.SetDefaultNum(&opts.FetchTimeout, 10*time.Second)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return nil
}

type Worker struct {
	opts   Opts
	logger *zap.Logger
	sc     *safe_close.SafeClose

	executor  *strategy.Executor
	lifecycle *lifecycle.Manager
	sync      *background_sync.Coordinator

	// bank is the generation of the last successful update.
	bankM sync.Mutex
	bank  *cache.Bank
}

func New(opts Opts) (*Worker, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	lg := opts.Logger

	c, err := classifier.New(classifier.Opts{Origin: opts.Origin, Rules: opts.Rules})
	if err != nil {
		return nil, fmt.Errorf("failed to init classifier: %w", err)
	}
	bank, err := cache.NewBank(cache.BankOpts{
		Backend:     opts.Cache,
		Prefix:      opts.CachePrefix,
		Version:     opts.Version,
		Size:        opts.CacheSize,
		DynamicSize: opts.DynamicCacheSize,
		Logger:      lg.Named("cache"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init cache bank: %w", err)
	}

	w := &Worker{
		opts:   opts,
		logger: lg,
		sc:     safe_close.NewSafeClose(),
		bank:   bank,
	}

	w.executor, err = strategy.NewExecutor(strategy.Opts{
		Bank:          bank,
		Fetcher:       opts.Fetcher,
		Queue:         opts.Queue,
		Classifier:    c,
		Notifier:      opts.Clients,
		SafeClose:     w.sc,
		FetchTimeout:  opts.FetchTimeout,
		KeepRawBodies: opts.KeepRawBodies,
		Metrics:       opts.Metrics,
		Logger:        lg.Named("fetch"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init strategy executor: %w", err)
	}

	w.lifecycle, err = lifecycle.NewManager(lifecycle.Opts{
		Fetcher:     opts.Fetcher,
		Origin:      opts.Origin,
		ShellAssets: opts.ShellAssets,
		Claimer:     w.executor,
		Notifier:    opts.Clients,
		Logger:      lg.Named("lifecycle"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init lifecycle: %w", err)
	}

	w.sync, err = background_sync.NewCoordinator(background_sync.Opts{
		Queue:        opts.Queue,
		Fetcher:      opts.Fetcher,
		Notifier:     opts.Clients,
		FetchTimeout: opts.FetchTimeout,
		DeadLetter:   opts.DeadLetter,
		Interval:     opts.SyncInterval,
		Metrics:      opts.Metrics,
		Logger:       lg.Named("sync"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init sync coordinator: %w", err)
	}

	if opts.Metrics != nil {
		clients := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "clients",
			Help: "The number of connected pages",
		}, func() float64 { return float64(opts.Clients.Len()) })
		if err := opts.Metrics.Register(clients); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return w, nil
}

// Start installs and activates the configured generation and starts
// periodic sync passes.
func (w *Worker) Start(ctx context.Context) error {
	w.bankM.Lock()
	err := w.lifecycle.Update(ctx, w.bank)
	w.bankM.Unlock()
	if err != nil {
		return err
	}
	w.sync.Start(w.sc)
	return nil
}

// SetVersion installs and activates a new generation. The current one
// keeps serving until the new one is active.
func (w *Worker) SetVersion(ctx context.Context, version string) error {
	w.bankM.Lock()
	defer w.bankM.Unlock()
	cur := w.bank
	if cur.Version() == version && w.lifecycle.Version() == version {
		return nil
	}
	next, err := cur.WithVersion(version)
	if err != nil {
		return err
	}

	w.logger.Info("updating version", zap.String("from", cur.Version()), zap.String("to", version))
	if err := w.lifecycle.Update(ctx, next); err != nil {
		return err
	}
	w.bank = next
	return nil
}

// Version returns the version of the active generation.
func (w *Worker) Version() string {
	return w.lifecycle.Version()
}

// Fetch answers a fetch event. Requests are passed to the network as is
// until a generation is active.
func (w *Worker) Fetch(ctx context.Context, req *fetch.Request, clientID string) (*fetch.Response, error) {
	fctx := fetch.NewContext(req, clientID)
	if len(w.lifecycle.Version()) == 0 {
		ctx, cancel := context.WithTimeout(ctx, w.opts.FetchTimeout)
		defer cancel()
		return w.opts.Fetcher.Fetch(ctx, req)
	}

	r, err := w.executor.Serve(ctx, fctx)
	if ce := w.logger.Check(zap.DebugLevel, "fetch event"); ce != nil {
		fields := []zap.Field{fctx.InfoField(), zap.String("strategy", fctx.Strategy()), zap.Duration("elapsed", time.Since(fctx.StartTime()))}
		if r != nil {
			fields = append(fields, zap.Int("status", r.Status))
		}
		ce.Write(append(fields, zap.Error(err))...)
	}
	return r, err
}

// Sync handles a sync event. Tags other than background_sync.Tag are
// ignored.
func (w *Worker) Sync(ctx context.Context, tag string) (background_sync.Result, bool) {
	if tag != background_sync.Tag {
		w.logger.Debug("unknown sync tag", zap.String("tag", tag))
		return background_sync.Result{}, false
	}
	return w.sync.Sync(ctx), true
}

// Status is a snapshot of the worker.
type Status struct {
	Version string          `json:"version"`
	State   lifecycle.State `json:"state"`
	Pending int             `json:"pending"`
	Clients int             `json:"clients"`
	Caches  map[string]int  `json:"caches"`
}

func (w *Worker) Status(ctx context.Context) Status {
	st := Status{
		Version: w.lifecycle.Version(),
		State:   w.lifecycle.State(),
		Pending: w.sync.Pending(ctx),
		Clients: w.opts.Clients.Len(),
		Caches:  make(map[string]int),
	}
	b := w.executor.Bank()
	for _, k := range []cache.Kind{cache.Static, cache.Dynamic, cache.API} {
		n, err := b.Len(ctx, k)
		if err != nil {
			w.logger.Warn("failed to count cache entries", zap.String("cache", b.Name(k)), zap.Error(err))
			continue
		}
		st.Caches[b.Name(k)] = n
	}
	return st
}

// Go runs f as an independent event. It reports false once the worker
// is closed.
func (w *Worker) Go(f func(ctx context.Context)) bool {
	return w.sc.Go(f)
}

// Close stops periodic syncs and waits for running events.
func (w *Worker) Close() error {
	w.sc.Done()
	w.sc.CloseWait()
	return nil
}
