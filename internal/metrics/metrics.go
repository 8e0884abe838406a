// Package metrics exposes Prometheus instrumentation for prepare runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deepmath_pipeline"

// Metrics holds the collectors updated by the prepare workflow.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	runs          *prometheus.CounterVec
	stageFailures *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	fetchedBytes  prometheus.Counter
	extracted     prometheus.Counter
	gatherer      prometheus.Gatherer
}

// New registers the collectors with reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Prepare runs by mode and outcome.",
		}, []string{"mode", "outcome"}),
		stageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Failed pipeline stages by stage name.",
		}, []string{"stage"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"stage"}),
		fetchedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetched_bytes_total",
			Help:      "Bytes received from dataset sources.",
		}),
		extracted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extracted_files_total",
			Help:      "Files written by archive extraction.",
		}),
		gatherer: reg,
	}
}

// ObserveStage records the duration of a stage and whether it failed.
func (m *Metrics) ObserveStage(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		m.stageFailures.WithLabelValues(stage).Inc()
	}
}

// ObserveRun records the outcome of a whole run.
func (m *Metrics) ObserveRun(mode string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.runs.WithLabelValues(mode, outcome).Inc()
}

// AddFetchedBytes counts bytes received from the network.
func (m *Metrics) AddFetchedBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.fetchedBytes.Add(float64(n))
}

// AddExtractedFiles counts files written by extraction.
func (m *Metrics) AddExtractedFiles(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.extracted.Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
