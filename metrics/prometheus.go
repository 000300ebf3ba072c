package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mailbox"

// Prometheus is a Collector backed by prometheus counters and histograms.
type Prometheus struct {
	duration *prometheus.HistogramVec
	items    *prometheus.CounterVec
	errors   *prometheus.CounterVec
	stored   *prometheus.CounterVec
	removed  prometheus.Counter
	gatherer prometheus.Gatherer
}

// NewPrometheus registers the mailbox metrics with reg. A nil reg uses a
// fresh registry.
func NewPrometheus(reg *prometheus.Registry) *Prometheus {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p := &Prometheus{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of sync cycles and relay requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_items_total",
			Help:      "Items moved by sync cycles.",
		}, []string{"direction"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Failed operations by error code.",
		}, []string{"operation", "code"}),
		stored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blobs_received_total",
			Help:      "Blobs received by the relay.",
		}, []string{"result"}),
		removed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blobs_expired_total",
			Help:      "Blobs removed by retention cleanup.",
		}),
		gatherer: reg,
	}
	reg.MustRegister(p.duration, p.items, p.errors, p.stored, p.removed)
	return p
}

func (p *Prometheus) RecordSyncDuration(operation string, duration time.Duration) {
	p.duration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (p *Prometheus) RecordSyncItems(pulled, pushed int) {
	p.items.WithLabelValues("pulled").Add(float64(pulled))
	p.items.WithLabelValues("pushed").Add(float64(pushed))
}

func (p *Prometheus) RecordSyncErrors(operation string, errorType string) {
	if errorType == "" {
		errorType = "unknown"
	}
	p.errors.WithLabelValues(operation, errorType).Inc()
}

func (p *Prometheus) RecordStored(stored, skipped int) {
	p.stored.WithLabelValues("stored").Add(float64(stored))
	p.stored.WithLabelValues("duplicate").Add(float64(skipped))
}

func (p *Prometheus) RecordCleanup(removed int) {
	p.removed.Add(float64(removed))
}

// Handler serves the registry in the prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}
