// Package observability registers the Prometheus metrics surface carried as
// ambient infrastructure even though the spec treats the HTTP transport
// itself as an external collaborator (spec.md §1): observability is never
// scoped out by a Non-goal. Grounded on the teacher's MetricsRegistry
// (internal/interfaces/http/metrics.go), generalized from scan-pipeline
// metrics to backfill/vendor/candle-quality metrics and giving the
// teacher's otherwise-unwired prometheus/client_golang dependency a
// concrete home.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Registry holds every Prometheus collector the warehouse exposes on /metrics.
type Registry struct {
	BackfillUnitsTotal   *prometheus.CounterVec
	VendorRequestsTotal  *prometheus.CounterVec
	VendorRateLimited    *prometheus.CounterVec
	CandleQualityScore   prometheus.Histogram
	JobDuration          prometheus.Histogram
	SchedulerTickTotal   *prometheus.CounterVec
	ActiveSchedulerTicks prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewRegistry constructs and registers the warehouse's metric collectors
// against reg (pass prometheus.NewRegistry() for an isolated registry, or
// nil to use the default global one).
func NewRegistry(reg *prometheus.Registry) *Registry {
	factory := promauto(reg)

	r := &Registry{
		BackfillUnitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warehouse_backfill_units_total",
			Help: "Total backfill units processed, labeled by outcome (completed|failed).",
		}, []string{"outcome"}),

		VendorRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warehouse_vendor_requests_total",
			Help: "Total HTTP requests issued to upstream vendor sources.",
		}, []string{"provider"}),

		VendorRateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warehouse_vendor_rate_limited_total",
			Help: "Total 429 responses observed per vendor source.",
		}, []string{"provider"}),

		CandleQualityScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "warehouse_candle_quality_score",
			Help:    "Distribution of quality scores assigned by the Validator.",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 1.0},
		}),

		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "warehouse_backfill_job_duration_seconds",
			Help:    "Duration of completed backfill jobs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		SchedulerTickTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warehouse_scheduler_ticks_total",
			Help: "Total scheduler ticks, labeled by outcome (completed|failed|skipped).",
		}, []string{"outcome"}),

		ActiveSchedulerTicks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "warehouse_scheduler_ticks_in_flight",
			Help: "1 while a scheduler tick is running, 0 otherwise.",
		}),
	}
	r.gatherer = prometheus.DefaultGatherer
	if reg != nil {
		r.gatherer = reg
	}
	return r
}

// Handler returns the promhttp handler for mounting on /metrics, serving the
// registry the collectors were registered against.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// factory wraps prometheus.NewCounterVec/... with a registerer so callers
// don't have to repeat the must-register boilerplate per metric.
type factoryShim struct {
	reg prometheus.Registerer
}

func promauto(reg *prometheus.Registry) factoryShim {
	if reg == nil {
		return factoryShim{reg: prometheus.DefaultRegisterer}
	}
	return factoryShim{reg: reg}
}

func (f factoryShim) NewCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	f.reg.MustRegister(c)
	return c
}

func (f factoryShim) NewHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	h := prometheus.NewHistogram(opts)
	f.reg.MustRegister(h)
	return h
}

func (f factoryShim) NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	f.reg.MustRegister(g)
	return g
}
