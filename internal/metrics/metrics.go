// Package metrics exposes pipeline counters in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/imagefilter/internal/model"
	"github.com/sells-group/imagefilter/internal/resilience"
)

const namespace = "imagefilter"

// Batch outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeAborted   = "aborted"
)

// Image outcomes beyond the gate's reject reasons.
const (
	ImageAccepted  = "accepted"
	ImageSkipped   = "skipped"
	ImageDuplicate = "duplicate"
)

// Metrics owns a registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	batches      *prometheus.CounterVec
	images       *prometheus.CounterVec
	placeholders prometheus.Counter
	records      prometheus.Counter
	duration     prometheus.Histogram
	watermark    prometheus.Gauge
	breakers     *prometheus.GaugeVec
}

// New creates and registers the pipeline collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches processed by outcome",
		}, []string{"outcome"}),
		images: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_total",
			Help:      "Candidate images by outcome",
		}, []string{"outcome"}),
		placeholders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "placeholder_substitutions_total",
			Help:      "Images replaced by the placeholder after a fetch or decode failure",
		}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_written_total",
			Help:      "Output records created or merged",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of a pipeline run",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		watermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark_timestamp_seconds",
			Help:      "Unix time of the committed watermark",
		}),
		breakers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fetch_breaker_state",
			Help:      "Per-host fetch breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"host"}),
	}
	m.registry.MustRegister(
		m.batches, m.images, m.placeholders, m.records,
		m.duration, m.watermark, m.breakers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveBatch records a committed run.
func (m *Metrics) ObserveBatch(res *model.BatchResult, elapsed time.Duration) {
	if m == nil || res == nil {
		return
	}
	m.batches.WithLabelValues(OutcomeCommitted).Inc()
	m.duration.Observe(elapsed.Seconds())
	m.records.Add(float64(res.RecordsWritten))
	if !res.WatermarkAfter.IsZero() {
		m.watermark.Set(float64(res.WatermarkAfter.UnixNano()) / 1e9)
	}

	for _, ev := range res.Events {
		m.images.WithLabelValues(ImageAccepted).Add(float64(ev.Accepted))
		m.images.WithLabelValues(string(model.RejectOffTopic)).Add(float64(ev.OffTopic))
		m.images.WithLabelValues(string(model.RejectTypeMismatch)).Add(float64(ev.TypeMismatch))
		m.images.WithLabelValues(ImageSkipped).Add(float64(ev.Skipped))
		m.images.WithLabelValues(ImageDuplicate).Add(float64(ev.Duplicates))
		m.placeholders.Add(float64(ev.Placeholders))
	}
}

// ObserveAbort records a run that committed nothing.
func (m *Metrics) ObserveAbort(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(OutcomeAborted).Inc()
	m.duration.Observe(elapsed.Seconds())
}

// BreakerObserver returns an OnStateChange hook that tracks breaker state
// and then calls next, which may be nil.
func (m *Metrics) BreakerObserver(next func(name string, from, to resilience.BreakerState)) func(string, resilience.BreakerState, resilience.BreakerState) {
	return func(name string, from, to resilience.BreakerState) {
		if m != nil {
			m.breakers.WithLabelValues(name).Set(float64(to))
		}
		if next != nil {
			next(name, from, to)
		}
	}
}
