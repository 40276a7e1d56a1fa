package strategy

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requests      *prometheus.CounterVec
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	offline       *prometheus.CounterVec
	queued        prometheus.Counter
	refreshErrors prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetch_requests_total",
			Help: "The total number of fetch events by strategy",
		}, []string{"strategy"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "The total number of cache hits by cache kind",
		}, []string{"cache"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "The total number of cache misses by cache kind",
		}, []string{"cache"}),
		offline: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offline_responses_total",
			Help: "The total number of synthetic offline responses by strategy",
		}, []string{"strategy"}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mutations_queued_total",
			Help: "The total number of mutations queued for background sync",
		}),
		refreshErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refresh_errors_total",
			Help: "The total number of failed background cache refreshes",
		}),
	}
}

func (m *metrics) register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.requests, m.cacheHits, m.cacheMisses, m.offline, m.queued, m.refreshErrors} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
