package coremain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pmkol/swcache-x/mlog"
	"github.com/pmkol/swcache-x/pkg/cache"
	"github.com/pmkol/swcache-x/pkg/cache/mem_cache"
	"github.com/pmkol/swcache-x/pkg/cache/redis_cache"
	"github.com/pmkol/swcache-x/pkg/notifier"
	"github.com/pmkol/swcache-x/pkg/queue"
	"github.com/pmkol/swcache-x/pkg/queue/mem_queue"
	"github.com/pmkol/swcache-x/pkg/queue/sqlite_queue"
	"github.com/pmkol/swcache-x/pkg/safe_close"
	"github.com/pmkol/swcache-x/pkg/upstream"
	"github.com/pmkol/swcache-x/pkg/worker"
)

// installTimeout bounds the first install at startup.
const installTimeout = time.Minute

type Swcache struct {
	logger *zap.Logger
	origin *url.URL

	cache    cache.Backend
	queue    *queue.Manager
	upstream upstream.Upstream
	hub      *notifier.Hub
	worker   *worker.Worker

	httpAPIMux *http.ServeMux
	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

// RunSwcache runs the gateway until it receives a close signal or one of
// its servers fails. cfgFile is watched for version changes if it is not
// empty.
func RunSwcache(cfg *Config, cfgFile string) error {
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	if err := cfg.init(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	m := &Swcache{
		logger:     lg,
		httpAPIMux: http.NewServeMux(),
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}
	defer m.close()
	running.Store(m)
	defer running.CompareAndSwap(m, nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		select {
		case sig := <-sigCh:
			m.logger.Info("signal received", zap.Stringer("signal", sig))
			m.sc.SendCloseSignal(nil)
		case <-closeSignal:
		}
	})

	m.httpAPIMux.Handle("/metrics", promhttp.HandlerFor(m.metricsReg, promhttp.HandlerOpts{}))
	m.httpAPIMux.HandleFunc("/debug/pprof/", pprof.Index)
	m.httpAPIMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	m.httpAPIMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	m.httpAPIMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	m.httpAPIMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if err := m.initWorker(cfg); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(context.Background(), installTimeout)
	err = m.worker.Start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	if len(cfg.Servers) == 0 {
		return errors.New("no server is configured")
	}
	for i, sc := range cfg.Servers {
		if err := m.startServer(&sc, &cfg.Worker); err != nil {
			return fmt.Errorf("failed to start server #%d, %w", i, err)
		}
	}

	if httpAddr := cfg.API.HTTP; len(httpAddr) > 0 {
		h, err := m.apiHandler(cfg.API.Allow)
		if err != nil {
			return fmt.Errorf("failed to init api handler, %w", err)
		}
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: h,
		}
		m.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() {
				m.logger.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				m.sc.SendCloseSignal(err)
			case <-closeSignal:
				httpServer.Close()
			}
		})
	}

	if len(cfgFile) > 0 {
		m.watchConfig(cfgFile)
	}

	<-m.sc.ReceiveCloseSignal()
	m.sc.Done()
	m.sc.CloseWait()
	return m.sc.Err()
}

func (m *Swcache) initWorker(cfg *Config) error {
	lg := m.logger
	var err error
	m.origin, err = cfg.Worker.originURL()
	if err != nil {
		return err
	}
	upstreamURL, err := cfg.Worker.upstreamURL()
	if err != nil {
		return err
	}

	m.cache, err = newCacheBackend(&cfg.Cache, lg)
	if err != nil {
		return fmt.Errorf("failed to init cache backend, %w", err)
	}
	m.queue = newQueueManager(&cfg.Queue, lg)

	m.upstream, err = upstream.New(upstream.Opts{
		URL:      upstreamURL,
		Protocol: cfg.Worker.UpstreamProtocol,
	})
	if err != nil {
		return fmt.Errorf("failed to init upstream, %w", err)
	}

	// The hub delivers page messages to the worker, the worker talks
	// back through the hub.
	var w *worker.Worker
	m.hub = notifier.NewHub(notifier.HubOpts{
		OnMessage:   func(clientID string, msg []byte) { w.Dispatch(clientID, msg) },
		CheckOrigin: m.checkOrigin,
		Logger:      lg.Named("clients"),
	})

	w, err = worker.New(worker.Opts{
		Origin:           m.origin,
		Version:          cfg.Worker.Version,
		CachePrefix:      cfg.Worker.CachePrefix,
		Fetcher:          m.upstream,
		Cache:            m.cache,
		Queue:            m.queue,
		Clients:          m.hub,
		CacheSize:        cfg.Cache.Size,
		DynamicCacheSize: cfg.Cache.DynamicSize,
		Rules:            cfg.Worker.Rules,
		ShellAssets:      cfg.Worker.ShellAssets,
		FetchTimeout:     cfg.Worker.fetchTimeout(),
		SyncInterval:     cfg.Worker.syncInterval(),
		DeadLetter:       boolOr(cfg.Queue.DeadLetter, true),
		KeepRawBodies:    boolOr(cfg.Queue.KeepRawBodies, true),
		Metrics:          m.GetMetricsReg(),
		Logger:           lg.Named("worker"),
	})
	if err != nil {
		return fmt.Errorf("failed to init worker, %w", err)
	}
	m.worker = w

	w.RegisterAPI(m.httpAPIMux)
	m.httpAPIMux.Handle("/sw/clients", m.hub)
	return nil
}

// checkOrigin accepts page connections from the worker origin and
// connections without an Origin header.
func (m *Swcache) checkOrigin(r *http.Request) bool {
	o := r.Header.Get("Origin")
	if len(o) == 0 {
		return true
	}
	u, err := url.Parse(o)
	if err != nil {
		return false
	}
	return u.Scheme == m.origin.Scheme && u.Host == m.origin.Host
}

func newCacheBackend(cfg *CacheConfig, lg *zap.Logger) (cache.Backend, error) {
	switch cfg.Backend {
	case "memory":
		return mem_cache.NewMemCache(cfg.Size), nil
	case "redis":
		opt, err := redis.ParseURL(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url, %w", err)
		}
		opt.MaxRetries = -1
		c := redis.NewClient(opt)
		return redis_cache.NewRedisCache(redis_cache.RedisCacheOpts{
			Client:        c,
			ClientCloser:  c,
			ClientTimeout: time.Duration(cfg.RedisTimeout) * time.Millisecond,
			Logger:        lg.Named("redis_cache"),
		})
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func newQueueManager(cfg *QueueConfig, lg *zap.Logger) *queue.Manager {
	if cfg.Backend == "memory" {
		return queue.NewStaticManager(mem_queue.New())
	}
	path := cfg.Path
	return queue.NewManager(func(ctx context.Context) (queue.Store, error) {
		return sqlite_queue.Open(ctx, path)
	}, lg.Named("queue"))
}

func (m *Swcache) close() {
	m.sc.SendCloseSignal(nil)
	m.sc.Done()
	m.sc.CloseWait()

	if m.worker != nil {
		m.worker.Close()
	}
	if m.hub != nil {
		m.hub.Close()
	}
	if m.upstream != nil {
		m.upstream.Close()
	}
	if m.queue != nil {
		if err := m.queue.Close(); err != nil {
			m.logger.Error("failed to close queue store", zap.Error(err))
		}
	}
	if m.cache != nil {
		m.cache.Close()
	}
}

func (m *Swcache) GetSafeClose() *safe_close.SafeClose {
	return m.sc
}

func (m *Swcache) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("swcache_", m.metricsReg)
}

func (m *Swcache) GetHTTPAPIMux() *http.ServeMux {
	return m.httpAPIMux
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
