// Package metrics exposes Prometheus metrics for the ingestion pipeline.
//
// It implements queue.Listener so drop and backpressure counters update as
// the events fire; gauges read live values from the queue and registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pointsink/pointsink/internal/ingest"
	"github.com/pointsink/pointsink/internal/queue"
	"github.com/pointsink/pointsink/internal/registry"
)

// Metrics holds all collectors and the registry they are registered with.
type Metrics struct {
	reg *prometheus.Registry

	scansDropped       *prometheus.CounterVec
	backpressureEvents prometheus.Counter
	scansStored        prometheus.Counter
	scanFailures       prometheus.Counter
	drainDuration      prometheus.Histogram
}

// New creates and registers all collectors. q and conns feed the gauges.
func New(q *queue.Queue, conns *registry.Registry) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		reg: reg,
		scansDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pointsink_scans_dropped_total",
			Help: "Scans rejected by the admission queue, by overflow category.",
		}, []string{"category"}),
		backpressureEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pointsink_backpressure_events_total",
			Help: "Admissions that left the queue at or above the backpressure ratio.",
		}),
		scansStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pointsink_scans_stored_total",
			Help: "Scans fully persisted (blob and metadata).",
		}),
		scanFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pointsink_scan_failures_total",
			Help: "Scans lost to storage failures during drain.",
		}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pointsink_drain_duration_seconds",
			Help:    "Per-scan drain processing time.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.scansDropped,
		m.backpressureEvents,
		m.scansStored,
		m.scanFailures,
		m.drainDuration,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pointsink_queue_depth",
			Help: "Scans currently queued.",
		}, func() float64 { return float64(q.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pointsink_queue_bytes",
			Help: "Estimated bytes currently queued.",
		}, func() float64 { return float64(q.Bytes()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pointsink_queue_fill_ratio",
			Help: "Queue count fill ratio.",
		}, q.FillRatio),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pointsink_active_connections",
			Help: "Connected devices.",
		}, func() float64 { return float64(conns.Count()) }),
	)

	return m
}

// QueueOverflow implements queue.Listener.
func (m *Metrics) QueueOverflow(ev queue.OverflowEvent) {
	m.scansDropped.WithLabelValues(string(ev.Category)).Inc()
}

// QueueBackpressure implements queue.Listener.
func (m *Metrics) QueueBackpressure(ev queue.BackpressureEvent) {
	m.backpressureEvents.Inc()
}

// ObserveResult records the outcome and duration of one drained scan.
// Chain it into the ingest result callback.
func (m *Metrics) ObserveResult(res ingest.Result) {
	if res.Stored {
		m.scansStored.Inc()
	} else if res.Err != nil {
		m.scanFailures.Inc()
	}
	m.drainDuration.Observe(res.Duration.Seconds())
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
