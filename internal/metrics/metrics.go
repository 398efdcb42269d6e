// Package metrics exposes Prometheus instruments for the proxy's core
// subsystems: request outcomes, cache hit/miss/eviction counts, cache
// occupancy, and worker pool utilisation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus instruments for one proxy instance. Each
// instance owns a private registry rather than registering against the
// global default registry, so multiple instances (as in tests) never
// collide with a duplicate-registration panic.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	cacheEvictions  prometheus.Counter
	cacheBytes      prometheus.Gauge
	queueDepth      prometheus.Gauge
	activeWorkers   prometheus.Gauge
}

// New creates a metrics collector registered against its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_requests_total",
				Help: "Total number of forward-proxy requests handled, by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_request_duration_seconds",
				Help:    "End-to-end handler duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "outcome"},
		),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_cache_hits_total",
			Help: "Number of cache probes that hit",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_cache_misses_total",
			Help: "Number of cache probes that missed",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_cache_evictions_total",
			Help: "Number of cache entries evicted from the tail to make room",
		}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_cache_bytes",
			Help: "Current total bytes held by the object cache",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_queue_depth",
			Help: "Current number of connections buffered in the hand-off queue",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_active_workers",
			Help: "Number of workers currently handling a connection",
		}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.cacheHits,
		m.cacheMisses,
		m.cacheEvictions,
		m.cacheBytes,
		m.queueDepth,
		m.activeWorkers,
	)

	return m
}

// RecordRequest records one handled connection's method, outcome
// ("hit", "miss", "not_implemented", "unavailable", "client_error"), and
// duration.
func (m *Metrics) RecordRequest(method, outcome string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, outcome).Inc()
	m.requestDuration.WithLabelValues(method, outcome).Observe(duration.Seconds())
}

// RecordCacheHit increments the cache hit counter.
func (m *Metrics) RecordCacheHit() { m.cacheHits.Inc() }

// RecordCacheMiss increments the cache miss counter.
func (m *Metrics) RecordCacheMiss() { m.cacheMisses.Inc() }

// RecordCacheEviction increments the eviction counter.
func (m *Metrics) RecordCacheEviction() { m.cacheEvictions.Inc() }

// SetCacheBytes sets the current cache occupancy gauge.
func (m *Metrics) SetCacheBytes(n int) { m.cacheBytes.Set(float64(n)) }

// SetQueueDepth sets the current hand-off queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) { m.queueDepth.Set(float64(n)) }

// IncrementActiveWorkers marks one more worker as busy.
func (m *Metrics) IncrementActiveWorkers() { m.activeWorkers.Inc() }

// DecrementActiveWorkers marks one worker as idle again.
func (m *Metrics) DecrementActiveWorkers() { m.activeWorkers.Dec() }

// Handler returns the HTTP handler exposing this instance's metrics in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
