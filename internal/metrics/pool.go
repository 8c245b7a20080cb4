package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/matt-riley/flagsync/internal/cache"
)

// PoolSource is a cache backend that reports its connection pool.
type PoolSource interface {
	PoolStats() cache.PoolStats
}

type cachePoolCollector struct {
	source PoolSource

	acquired *prometheus.Desc
	idle     *prometheus.Desc
	total    *prometheus.Desc
	max      *prometheus.Desc
	timeouts *prometheus.Desc
}

// RegisterCachePool registers gauges that read the connection pool of a
// shared cache backend on every scrape. Series carry a "backend" label, so
// the Postgres and Redis stores can report into one registry.
func RegisterCachePool(reg prometheus.Registerer, backend string, source PoolSource) {
	labels := prometheus.Labels{"backend": backend}
	reg.MustRegister(&cachePoolCollector{
		source: source,
		acquired: prometheus.NewDesc(
			"flagsync_cache_pool_acquired",
			"Cache backend connections currently in use.",
			nil, labels,
		),
		idle: prometheus.NewDesc(
			"flagsync_cache_pool_idle",
			"Idle cache backend connections.",
			nil, labels,
		),
		total: prometheus.NewDesc(
			"flagsync_cache_pool_total",
			"Open cache backend connections.",
			nil, labels,
		),
		max: prometheus.NewDesc(
			"flagsync_cache_pool_max",
			"Configured cache backend pool size; 0 when unknown.",
			nil, labels,
		),
		timeouts: prometheus.NewDesc(
			"flagsync_cache_pool_wait_timeouts_total",
			"Cache operations that gave up waiting for a free connection.",
			nil, labels,
		),
	})
}

func (c *cachePoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquired
	ch <- c.idle
	ch <- c.total
	ch <- c.max
	ch <- c.timeouts
}

func (c *cachePoolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.source.PoolStats()

	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(stat.Acquired))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(stat.Idle))
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(stat.Total))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(stat.Max))
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(stat.WaitTimeouts))
}
