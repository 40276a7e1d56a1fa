// Package background_sync replays queued mutations once the network is back.
package background_sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/swcache-x/pkg/fetch"
	"github.com/pmkol/swcache-x/pkg/notifier"
	"github.com/pmkol/swcache-x/pkg/queue"
	"github.com/pmkol/swcache-x/pkg/safe_close"
	"github.com/pmkol/swcache-x/pkg/utils"
)

// Tag is the sync tag that triggers a replay.
const Tag = "background-sync"

// IsPermanent reports whether a replay answered with status will never
// succeed. Every 4xx is permanent except 408, 425 and 429.
func IsPermanent(status int) bool {
	if status < 400 || status > 499 {
		return false
	}
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return true
}

type Broadcaster interface {
	Broadcast(v any)
}

type Opts struct {
	// Queue and Fetcher cannot be nil.
	Queue   *queue.Manager
	Fetcher fetch.Fetcher

	// Notifier receives SYNC_COMPLETE messages. Nil discards them.
	Notifier Broadcaster

	// FetchTimeout bounds each replay and each queue call of a pass.
	// Default is 10s.
	FetchTimeout time.Duration

	// DeadLetter moves permanently failed requests out of the queue.
	// Without it they are retried forever like transient failures.
	DeadLetter bool

	// Interval runs a sync pass periodically once Start is called.
	// Zero disables it.
	Interval time.Duration

	Metrics prometheus.Registerer
	Logger  *zap.Logger
}

func (opts *Opts) Init() error {
	if opts.Queue == nil {
		return errors.New("nil queue manager")
	}
	if opts.Fetcher == nil {
		return errors.New("nil fetcher")
	}
	utils.SetDefaultNum(&opts.FetchTimeout, 10*time.Second)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return nil
}

// Result is the outcome of one sync pass.
type Result struct {
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
	Dead      int `json:"dead"`
}

type Coordinator struct {
	opts Opts
	sf   singleflight.Group

	replayed *prometheus.CounterVec
	pending  prometheus.Gauge

	// stop ends a running pass between two replays. Set by Start.
	stop <-chan struct{}
}

func NewCoordinator(opts Opts) (*Coordinator, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		opts: opts,
		replayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_replays_total",
			Help: "The total number of replayed requests by result",
		}, []string{"result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sync_pending",
			Help: "The number of queued requests after the last sync pass",
		}),
	}
	if opts.Metrics != nil {
		for _, col := range []prometheus.Collector{c.replayed, c.pending} {
			if err := opts.Metrics.Register(col); err != nil {
				return nil, fmt.Errorf("failed to register metrics: %w", err)
			}
		}
	}
	return c, nil
}

// Sync runs a sync pass and broadcasts its result. A Sync called while
// another pass is running joins it and returns the same result.
// The pass does not stop when ctx is canceled: the caller that
// triggered it may go away while others have joined it.
func (c *Coordinator) Sync(ctx context.Context) Result {
	v, _, _ := c.sf.Do("sync", func() (any, error) {
		res := c.run(context.WithoutCancel(ctx))
		c.pending.Set(float64(res.Remaining))
		c.opts.Logger.Info(
			"sync pass finished",
			zap.Int("synced", res.Synced),
			zap.Int("failed", res.Failed),
			zap.Int("remaining", res.Remaining),
			zap.Int("dead", res.Dead),
		)
		if c.opts.Notifier != nil {
			c.opts.Notifier.Broadcast(notifier.NewSyncComplete(res.Synced, res.Failed, res.Remaining, res.Dead))
		}
		return res, nil
	})
	return v.(Result)
}

// run replays every queued request in id order, one at a time. No store
// call is in flight while a request is on the network.
func (c *Coordinator) run(ctx context.Context) Result {
	var s queue.Store
	err := c.bounded(ctx, func(ctx context.Context) error {
		var err error
		s, err = c.opts.Queue.Acquire(ctx)
		return err
	})
	if err != nil {
		c.opts.Logger.Error("failed to open queue", zap.Error(err))
		return Result{}
	}
	var recs []*queue.Record
	err = c.bounded(ctx, func(ctx context.Context) error {
		var err error
		recs, err = s.ListAll(ctx)
		return err
	})
	if err != nil {
		c.opts.Logger.Error("failed to read queue", zap.Error(err))
		return Result{}
	}

	var res Result
	for _, rec := range recs {
		if c.stopped() {
			break
		}
		status, err := c.replay(ctx, rec)
		switch {
		case err == nil && status >= 200 && status <= 299:
			res.Synced++
			c.replayed.WithLabelValues("synced").Inc()
			id := rec.ID
			if err := c.bounded(ctx, func(ctx context.Context) error { return s.DeleteByID(ctx, id) }); err != nil {
				c.opts.Logger.Error("failed to delete replayed request", zap.Int64("id", id), zap.Error(err))
			}
		case err == nil && c.opts.DeadLetter && IsPermanent(status):
			id, reason := rec.ID, fmt.Sprintf("status %d", status)
			if err := c.bounded(ctx, func(ctx context.Context) error { return s.Bury(ctx, id, reason) }); err != nil {
				c.opts.Logger.Error("failed to bury request", zap.Int64("id", id), zap.Error(err))
				res.Failed++
				c.replayed.WithLabelValues("failed").Inc()
				continue
			}
			res.Dead++
			c.replayed.WithLabelValues("dead").Inc()
			c.opts.Logger.Warn("request failed permanently", zap.Int64("id", id), zap.String("url", rec.URL), zap.Int("status", status))
		default:
			res.Failed++
			c.replayed.WithLabelValues("failed").Inc()
			c.opts.Logger.Debug("replay failed", zap.Int64("id", rec.ID), zap.Int("status", status), zap.Error(err))
		}
	}

	err = c.bounded(ctx, func(ctx context.Context) error {
		var err error
		res.Remaining, err = s.Count(ctx)
		return err
	})
	if err != nil {
		c.opts.Logger.Error("failed to count queue", zap.Error(err))
	}
	return res
}

// bounded runs a queue call with its own FetchTimeout deadline.
func (c *Coordinator) bounded(ctx context.Context, f func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()
	return f(ctx)
}

func (c *Coordinator) stopped() bool {
	if c.stop == nil {
		return false
	}
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Coordinator) replay(ctx context.Context, rec *queue.Record) (int, error) {
	req, err := fetch.NewRequest(rec.Method, rec.URL, nil, rec.HTTPHeader(), rec.ReplayBody())
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()
	r, err := c.opts.Fetcher.Fetch(ctx, req)
	if err != nil {
		return 0, err
	}
	return r.Status, nil
}

// Pending returns the number of queued requests, 0 if the queue cannot
// be read.
func (c *Coordinator) Pending(ctx context.Context) int {
	var n int
	err := c.opts.Queue.With(ctx, func(s queue.Store) error {
		var err error
		n, err = s.Count(ctx)
		return err
	})
	if err != nil {
		c.opts.Logger.Warn("failed to count queue", zap.Error(err))
		return 0
	}
	c.pending.Set(float64(n))
	return n
}

// Start ties the coordinator to sc: a running pass stops between two
// replays once sc is closed. If Interval is set it also runs periodic
// sync passes until then. Call it before the first Sync.
func (c *Coordinator) Start(sc *safe_close.SafeClose) {
	c.stop = sc.ReceiveCloseSignal()
	if c.opts.Interval <= 0 {
		return
	}
	sc.Go(func(ctx context.Context) {
		ticker := time.NewTicker(c.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sync(ctx)
			case <-ctx.Done():
				return
			}
		}
	})
}
