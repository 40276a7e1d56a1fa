// Package strategy serves fetch events with the caching strategy the
// classifier picks for them.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/swcache-x/pkg/cache"
	"github.com/pmkol/swcache-x/pkg/classifier"
	"github.com/pmkol/swcache-x/pkg/fetch"
	"github.com/pmkol/swcache-x/pkg/notifier"
	"github.com/pmkol/swcache-x/pkg/queue"
	"github.com/pmkol/swcache-x/pkg/safe_close"
	"github.com/pmkol/swcache-x/pkg/utils"
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultOfflinePage  = "/offline.html"
)

// Broadcaster posts a message to every page.
type Broadcaster interface {
	Broadcast(v any)
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(any) {}

type Opts struct {
	// Bank, Fetcher, Queue and Classifier cannot be nil.
	Bank       *cache.Bank
	Fetcher    fetch.Fetcher
	Queue      *queue.Manager
	Classifier *classifier.Classifier

	// Notifier receives SYNC_QUEUED messages. Nil discards them.
	Notifier Broadcaster

	// SafeClose owns background refreshes. If nil, the Executor creates
	// its own and Close waits for them.
	SafeClose *safe_close.SafeClose

	// FetchTimeout bounds every network call. Default is 10s.
	FetchTimeout time.Duration

	// OfflinePage is served from the static cache when a page cannot be
	// loaded at all. Default is "/offline.html".
	OfflinePage string

	// KeepRawBodies keeps non json mutation bodies for replay.
	KeepRawBodies bool

	// Metrics registers the executor metrics if not nil.
	Metrics prometheus.Registerer

	Logger *zap.Logger
}

func (opts *Opts) Init() error {
	switch {
	case opts.Bank == nil:
		return errors.New("nil cache bank")
	case opts.Fetcher == nil:
		return errors.New("nil fetcher")
	case opts.Queue == nil:
		return errors.New("nil queue manager")
	case opts.Classifier == nil:
		return errors.New("nil classifier")
	}
	if opts.Notifier == nil {
		opts.Notifier = nopBroadcaster{}
	}
	utils.SetDefaultNum(&opts.FetchTimeout, defaultFetchTimeout)
	utils.SetDefaultString(&opts.OfflinePage, defaultOfflinePage)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return nil
}

// Executor runs the caching strategies. It is safe for concurrent use.
type Executor struct {
	opts      Opts
	ownSC     bool
	bank      atomic.Pointer[cache.Bank]
	refreshSF singleflight.Group
	m         *metrics
}

func NewExecutor(opts Opts) (*Executor, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	e := &Executor{opts: opts, m: newMetrics()}
	if e.opts.SafeClose == nil {
		e.opts.SafeClose = safe_close.NewSafeClose()
		e.ownSC = true
	}
	if opts.Metrics != nil {
		if err := e.m.register(opts.Metrics); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	e.bank.Store(opts.Bank)
	return e, nil
}

// SetBank switches the cache generation used by later fetch events.
func (e *Executor) SetBank(b *cache.Bank) {
	e.bank.Store(b)
}

func (e *Executor) Bank() *cache.Bank {
	return e.bank.Load()
}

// Serve answers a fetch event. A nil response and an error mean the
// request could not be answered at all (a bypassed request whose network
// call failed, or a mutation that failed and could not be queued).
func (e *Executor) Serve(ctx context.Context, fctx *fetch.Context) (*fetch.Response, error) {
	req := fctx.R()
	s := e.opts.Classifier.Classify(req.Method, req.URL)
	fctx.SetStrategy(s.String())
	e.m.requests.WithLabelValues(s.String()).Inc()

	switch s {
	case classifier.CacheFirst:
		return e.cacheFirst(ctx, fctx, cache.Static, fetch.OfflineText), nil
	case classifier.CacheFirstLimited:
		return e.cacheFirst(ctx, fctx, cache.Dynamic, fetch.OfflineImage), nil
	case classifier.NetworkFirst:
		return e.networkFirst(ctx, fctx), nil
	case classifier.StaleWhileRevalidate:
		return e.staleWhileRevalidate(ctx, fctx), nil
	case classifier.Mutation:
		return e.mutation(ctx, fctx)
	default:
		return e.network(ctx, req)
	}
}

// network performs one bounded network call.
func (e *Executor) network(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
	defer cancel()
	return e.opts.Fetcher.Fetch(ctx, req)
}

func (e *Executor) match(ctx context.Context, b *cache.Bank, k cache.Kind, req *fetch.Request) (*fetch.Response, bool) {
	r, ok := b.Match(ctx, k, req)
	if ok {
		e.m.cacheHits.WithLabelValues(k.String()).Inc()
	} else {
		e.m.cacheMisses.WithLabelValues(k.String()).Inc()
	}
	return r, ok
}

func (e *Executor) put(ctx context.Context, b *cache.Bank, k cache.Kind, req *fetch.Request, r *fetch.Response) {
	if err := b.Put(ctx, k, req, r); err != nil {
		if errors.Is(err, cache.ErrRetired) {
			e.opts.Logger.Debug("response of a retired generation dropped", zap.Stringer("cache", k), zap.String("key", req.Key()))
			return
		}
		e.opts.Logger.Warn("failed to store response", zap.Stringer("cache", k), zap.String("key", req.Key()), zap.Error(err))
	}
}

// cacheFirst answers from cache k if it can, otherwise from the network,
// storing ok responses in k.
func (e *Executor) cacheFirst(ctx context.Context, fctx *fetch.Context, k cache.Kind, offline func() *fetch.Response) *fetch.Response {
	req := fctx.R()
	b := e.Bank()
	if r, ok := e.match(ctx, b, k, req); ok {
		return r
	}

	r, err := e.network(ctx, req)
	if err != nil {
		e.opts.Logger.Debug("network failed, nothing cached", fctx.InfoField(), zap.Error(err))
		e.m.offline.WithLabelValues(fctx.Strategy()).Inc()
		return offline()
	}
	if r.OK() {
		e.put(ctx, b, k, req, r)
	}
	return r
}

// networkFirst prefers a live answer and falls back to the api cache,
// marking cached answers with the cache marker header.
func (e *Executor) networkFirst(ctx context.Context, fctx *fetch.Context) *fetch.Response {
	req := fctx.R()
	b := e.Bank()
	r, err := e.network(ctx, req)
	if err == nil {
		if r.OK() {
			e.put(ctx, b, cache.API, req, r)
		}
		return r
	}

	e.opts.Logger.Debug("network failed, trying api cache", fctx.InfoField(), zap.Error(err))
	if cached, ok := e.match(ctx, b, cache.API, req); ok {
		return fetch.MarkCached(cached)
	}
	e.m.offline.WithLabelValues(fctx.Strategy()).Inc()
	return fetch.OfflineJSON(time.Now())
}

// staleWhileRevalidate answers from the static cache at once and refreshes
// the entry in the background. Without a cached entry it waits for the
// network, and falls back to the offline page.
func (e *Executor) staleWhileRevalidate(ctx context.Context, fctx *fetch.Context) *fetch.Response {
	req := fctx.R()
	b := e.Bank()
	if cached, ok := e.match(ctx, b, cache.Static, req); ok {
		e.refresh(b, req)
		return cached
	}

	r, err := e.network(ctx, req)
	if err == nil {
		if r.OK() {
			e.put(ctx, b, cache.Static, req, r)
		}
		return r
	}

	e.opts.Logger.Debug("network failed, serving offline page", fctx.InfoField(), zap.Error(err))
	e.m.offline.WithLabelValues(fctx.Strategy()).Inc()
	if page, ok := e.offlinePage(ctx, b, req); ok {
		return page
	}
	return fetch.OfflineText()
}

func (e *Executor) offlinePage(ctx context.Context, b *cache.Bank, req *fetch.Request) (*fetch.Response, bool) {
	pageReq, err := fetch.NewRequest(http.MethodGet, e.opts.OfflinePage, req.URL, nil, nil)
	if err != nil {
		return nil, false
	}
	return b.Match(ctx, cache.Static, pageReq)
}

// refresh updates the cached copy of req in the background. Concurrent
// refreshes of the same entry share one network call. It never blocks.
func (e *Executor) refresh(b *cache.Bank, req *fetch.Request) {
	key := b.Name(cache.Static) + " " + req.Key()
	req = req.Clone()
	e.opts.SafeClose.Go(func(ctx context.Context) {
		e.refreshSF.Do(key, func() (any, error) {
			r, err := e.network(ctx, req)
			if err != nil {
				e.m.refreshErrors.Inc()
				e.opts.Logger.Debug("background refresh failed", zap.String("key", req.Key()), zap.Error(err))
				return nil, nil
			}
			if r.OK() {
				e.put(ctx, b, cache.Static, req, r)
			}
			return nil, nil
		})
	})
}

// mutation sends req to the network. If that fails, req is queued for
// background sync and a 202 is returned. If queuing fails too, the network
// error is returned.
func (e *Executor) mutation(ctx context.Context, fctx *fetch.Context) (*fetch.Response, error) {
	req := fctx.R()
	rec := queue.Capture(req, e.opts.KeepRawBodies, time.Now())

	r, netErr := e.network(ctx, req)
	if netErr == nil {
		return r, nil
	}

	// The page may be gone already. The record must still be written.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.FetchTimeout)
	defer cancel()
	var count int
	err := e.opts.Queue.With(sctx, func(s queue.Store) error {
		id, err := s.Enqueue(sctx, rec)
		if err != nil {
			return err
		}
		e.opts.Logger.Info("mutation queued", fctx.InfoField(), zap.Int64("id", id), zap.NamedError("network_err", netErr))
		count, err = s.Count(sctx)
		if err != nil {
			e.opts.Logger.Warn("failed to count queued requests", zap.Error(err))
		}
		return nil
	})
	if err != nil {
		e.opts.Logger.Error("failed to queue mutation", fctx.InfoField(), zap.Error(err))
		return nil, netErr
	}

	e.m.queued.Inc()
	e.opts.Notifier.Broadcast(notifier.NewSyncQueued(count))
	return fetch.Queued(time.Now()), nil
}

// Close waits for background refreshes if the Executor owns them.
func (e *Executor) Close() error {
	if e.ownSC {
		e.opts.SafeClose.Done()
		e.opts.SafeClose.CloseWait()
	}
	return nil
}
