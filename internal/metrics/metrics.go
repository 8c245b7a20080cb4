// Package metrics provides Prometheus instrumentation for the sync engine.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that an embedding application decides whether and where to
// expose them. Every recording method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch sources.
const (
	SourceRemote = "remote"
	SourceCache  = "cache"
	SourceNone   = "none"
)

// Fetch operations.
const (
	OperationAll = "all"
	OperationOne = "one"
)

// Metrics holds all Prometheus collectors used by the sync engine.
type Metrics struct {
	Registry *prometheus.Registry

	Mode                 *prometheus.GaugeVec
	ModeTransitionsTotal *prometheus.CounterVec
	FetchesTotal         *prometheus.CounterVec
	FetchDuration        *prometheus.HistogramVec
	CacheWriteFailures   prometheus.Counter
	StreamEventsTotal    *prometheus.CounterVec
	SyncEventsTotal      *prometheus.CounterVec
	PollsTotal           prometheus.Counter
}

// New creates and registers all sync metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		Mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flagsync_delivery_mode",
			Help: "1 for the current delivery mode, 0 otherwise.",
		}, []string{"mode"}),

		ModeTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsync_mode_transitions_total",
			Help: "Total number of delivery mode transitions.",
		}, []string{"from", "to"}),

		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsync_fetches_total",
			Help: "Total number of evaluation fetches by operation and answering source.",
		}, []string{"operation", "source"}),

		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagsync_fetch_duration_seconds",
			Help:    "Evaluation fetch latency in seconds, cache fallback included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		CacheWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagsync_cache_write_failures_total",
			Help: "Total number of failed cache writes.",
		}),

		StreamEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsync_stream_events_total",
			Help: "Total number of stream callbacks received.",
		}, []string{"kind"}),

		SyncEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsync_sync_events_total",
			Help: "Total number of sync events published to subscribers.",
		}, []string{"kind"}),

		PollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagsync_polls_total",
			Help: "Total number of polling timer ticks.",
		}),
	}

	reg.MustRegister(
		m.Mode,
		m.ModeTransitionsTotal,
		m.FetchesTotal,
		m.FetchDuration,
		m.CacheWriteFailures,
		m.StreamEventsTotal,
		m.SyncEventsTotal,
		m.PollsTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordModeTransition counts a transition and moves the mode gauge.
func (m *Metrics) RecordModeTransition(from, to string) {
	if m == nil {
		return
	}
	m.ModeTransitionsTotal.WithLabelValues(from, to).Inc()
	m.Mode.WithLabelValues(from).Set(0)
	m.Mode.WithLabelValues(to).Set(1)
}

func (m *Metrics) RecordFetch(operation, source string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(operation, source).Inc()
	m.FetchDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) AddCacheWriteFailures(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheWriteFailures.Add(float64(n))
}

func (m *Metrics) RecordStreamEvent(kind string) {
	if m == nil {
		return
	}
	m.StreamEventsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordSyncEvent(kind string) {
	if m == nil {
		return
	}
	m.SyncEventsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncPolls() {
	if m == nil {
		return
	}
	m.PollsTotal.Inc()
}
