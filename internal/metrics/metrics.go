// Package metrics exposes Prometheus counters for trigger traffic.
//
// Metrics:
//
//	runrelay_requests_rejected_total{reason}      inputs refused before any network call
//	runrelay_dispatches_total{outcome}            ok, rejected, unavailable, not_configured
//	runrelay_dispatch_duration_seconds            latency of the trigger call
//	runrelay_correlations_total{status}           matched, ambiguous, not_yet_visible, lookup_failed
//	runrelay_correlation_attempts                 listing queries per correlation
//	runrelay_correlation_duration_seconds         wall time spent correlating
//
// Useful queries:
//
//	# share of triggers whose run could not be pinned down
//	sum(rate(runrelay_correlations_total{status!="matched"}[15m])) / sum(rate(runrelay_correlations_total[15m]))
//
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "runrelay"

type Collector struct {
	registry *prometheus.Registry

	rejectedInputs      *prometheus.CounterVec
	dispatches          *prometheus.CounterVec
	dispatchLatency     prometheus.Histogram
	correlations        *prometheus.CounterVec
	correlationAttempts prometheus.Histogram
	correlationLatency  prometheus.Histogram
}

// NewCollector creates a collector on its own registry, so several can coexist in tests.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		rejectedInputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Trigger requests refused during normalization",
		}, []string{"reason"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Workflow dispatch calls by outcome",
		}, []string{"outcome"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Latency of workflow dispatch calls",
			Buckets:   prometheus.DefBuckets,
		}),
		correlations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlations_total",
			Help:      "Correlation results by status",
		}, []string{"status"}),
		correlationAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "correlation_attempts",
			Help:      "Run listing queries per correlation",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 8, 13},
		}),
		correlationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "correlation_duration_seconds",
			Help:      "Wall time spent correlating a dispatch with its run",
			Buckets:   []float64{1, 5, 10, 15, 20, 30, 45, 60},
		}),
	}
	c.registry.MustRegister(
		c.rejectedInputs,
		c.dispatches,
		c.dispatchLatency,
		c.correlations,
		c.correlationAttempts,
		c.correlationLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordRejectedInput(reason string) {
	if c == nil {
		return
	}
	c.rejectedInputs.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordDispatch(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.dispatches.WithLabelValues(outcome).Inc()
	c.dispatchLatency.Observe(d.Seconds())
}

func (c *Collector) RecordCorrelation(status string, attempts int, d time.Duration) {
	if c == nil {
		return
	}
	c.correlations.WithLabelValues(status).Inc()
	c.correlationAttempts.Observe(float64(attempts))
	c.correlationLatency.Observe(d.Seconds())
}
