package coremain

import (
	"fmt"
	"net/url"
	"time"

	"github.com/pmkol/swcache-x/mlog"
	"github.com/pmkol/swcache-x/pkg/classifier"
	"github.com/pmkol/swcache-x/pkg/utils"
)

// Config is the swcache config file.
type Config struct {
	Log     mlog.LogConfig `yaml:"log"`
	Include []string       `yaml:"include"`
	Worker  WorkerConfig   `yaml:"worker"`
	Cache   CacheConfig    `yaml:"cache"`
	Queue   QueueConfig    `yaml:"queue"`
	Servers []ServerConfig `yaml:"servers"`
	API     APIConfig      `yaml:"api"`
}

type WorkerConfig struct {
	// Origin is the page visible origin.
	Origin string `yaml:"origin"`

	// Upstream is where network fetches go. Default is Origin.
	Upstream         string `yaml:"upstream"`
	UpstreamProtocol string `yaml:"upstream_protocol"`

	Version      string            `yaml:"version"`
	CachePrefix  string            `yaml:"cache_prefix"`
	FetchTimeout int               `yaml:"fetch_timeout"` // (sec)
	SyncInterval int               `yaml:"sync_interval"` // (sec)
	ShellAssets  []string          `yaml:"shell_assets"`
	Rules        []classifier.Rule `yaml:"rules"`

	// MaxBodySize limits request bodies in bytes.
	MaxBodySize int64 `yaml:"max_body_size"`
}

type CacheConfig struct {
	// Backend is "memory" (default) or "redis".
	Backend      string `yaml:"backend"`
	Size         int    `yaml:"size"`
	DynamicSize  int    `yaml:"dynamic_size"`
	Redis        string `yaml:"redis"`
	RedisTimeout int    `yaml:"redis_timeout"` // (ms)
}

type QueueConfig struct {
	// Backend is "sqlite" (default) or "memory".
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	DeadLetter    *bool  `yaml:"dead_letter"`
	KeepRawBodies *bool  `yaml:"keep_raw_bodies"`
}

type ServerConfig struct {
	// Protocol is "http" (default), "https" or "h3".
	Protocol      string `yaml:"protocol"`
	Addr          string `yaml:"addr"`
	ProxyProtocol bool   `yaml:"proxy_protocol"`
	Cert          string `yaml:"cert"`
	Key           string `yaml:"key"`
	KernelTX      bool   `yaml:"kernel_tx"`
	KernelRX      bool   `yaml:"kernel_rx"`
	AllowedSNI    string `yaml:"allowed_sni"`
	SrcIPHeader   string `yaml:"src_ip_header"`
	IdleTimeout   int    `yaml:"idle_timeout"` // (sec)
}

type APIConfig struct {
	HTTP  string   `yaml:"http"`
	Allow []string `yaml:"allow"`
}

const (
	defaultCacheBackend = "memory"
	defaultQueueBackend = "sqlite"
	defaultQueuePath    = "./data/queue.db"
	defaultCachePrefix  = "tg-showcase"
	defaultCacheSize    = 8192
	defaultDynamicSize  = 512
)

func boolOr(p *bool, d bool) bool {
	if p == nil {
		return d
	}
	return *p
}

func (c *Config) init() error {
	w := &c.Worker
	if len(w.Origin) == 0 {
		return fmt.Errorf("worker.origin is required")
	}
	if len(w.Version) == 0 {
		return fmt.Errorf("worker.version is required")
	}
	utils.SetDefaultString(&w.Upstream, w.Origin)
	utils.SetDefaultString(&w.CachePrefix, defaultCachePrefix)
	utils.SetDefaultNum(&w.FetchTimeout, 10)

	utils.SetDefaultString(&c.Cache.Backend, defaultCacheBackend)
	utils.SetDefaultNum(&c.Cache.Size, defaultCacheSize)
	utils.SetDefaultNum(&c.Cache.DynamicSize, defaultDynamicSize)

	utils.SetDefaultString(&c.Queue.Backend, defaultQueueBackend)
	utils.SetDefaultString(&c.Queue.Path, defaultQueuePath)
	return nil
}

func (w *WorkerConfig) originURL() (*url.URL, error) {
	return parseAbsURL("worker.origin", w.Origin)
}

func (w *WorkerConfig) upstreamURL() (*url.URL, error) {
	return parseAbsURL("worker.upstream", w.Upstream)
}

func parseAbsURL(field, s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	if len(u.Scheme) == 0 || len(u.Host) == 0 {
		return nil, fmt.Errorf("invalid %s %q: not an absolute url", field, s)
	}
	return u, nil
}

func (w *WorkerConfig) fetchTimeout() time.Duration {
	return utils.Seconds(w.FetchTimeout)
}

func (w *WorkerConfig) syncInterval() time.Duration {
	return utils.Seconds(w.SyncInterval)
}
