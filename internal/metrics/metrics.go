// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Scans              *prometheus.CounterVec
	ReconcileRuns      *prometheus.CounterVec
	ReconcileBackfill  prometheus.Counter
	ReconcileFailures  prometheus.Counter
	ReconcileDuration  prometheus.Histogram
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
	QueuePublishErrors prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "scans_total",
			Help:      "Scan requests by outcome.",
		}, []string{"result"}),
		ReconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "reconcile_runs_total",
			Help:      "Reconciler runs by outcome.",
		}, []string{"result"}),
		ReconcileBackfill: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "reconcile_backfilled_entries_total",
			Help:      "Absence entries appended by the reconciler.",
		}),
		ReconcileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "reconcile_member_failures_total",
			Help:      "Members skipped by a reconciler run because of an error.",
		}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "attendance",
			Name:      "reconcile_duration_seconds",
			Help:      "Wall time of reconciler runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		QueuePublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "queue",
			Name:      "publish_errors_total",
			Help:      "Messages that could not be published.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Scans, m.ReconcileRuns, m.ReconcileBackfill, m.ReconcileFailures,
			m.ReconcileDuration, m.HTTPRequests, m.HTTPDuration, m.QueuePublishErrors,
		)
	}
	return m
}

// ScanResult counts one scan outcome: accepted, already_scanned, not_found or error.
func (m *Metrics) ScanResult(result string) {
	if m == nil {
		return
	}
	m.Scans.WithLabelValues(result).Inc()
}

// ReconcileRun records a finished reconciler run.
func (m *Metrics) ReconcileRun(result string, backfilled, failed int, took time.Duration) {
	if m == nil {
		return
	}
	m.ReconcileRuns.WithLabelValues(result).Inc()
	m.ReconcileBackfill.Add(float64(backfilled))
	m.ReconcileFailures.Add(float64(failed))
	m.ReconcileDuration.Observe(took.Seconds())
}

// PublishFailed counts a queue publish error.
func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.QueuePublishErrors.Inc()
}
