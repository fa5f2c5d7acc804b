// Package telemetry records storage and sync metrics in a local Prometheus
// registry. Nothing is pushed anywhere; an embedding process may choose to
// expose the registry.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/omarels/haaq/backend/internal/models"
)

const namespace = "haaq"

// Metrics holds the collectors. All methods are safe on a nil receiver so
// components can run without telemetry.
type Metrics struct {
	registry *prometheus.Registry

	usedBytes  prometheus.Gauge
	totalBytes prometheus.Gauge
	usagePct   prometheus.Gauge

	drains        *prometheus.CounterVec
	drainDuration prometheus.Histogram
	drainedKeys   prometheus.Counter

	merges *prometheus.CounterVec

	cleanups       *prometheus.CounterVec
	bytesReclaimed *prometheus.CounterVec
}

// New creates Metrics registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		usedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "storage", Name: "used_bytes",
			Help: "Estimated bytes used in the storage medium.",
		}),
		totalBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "storage", Name: "total_bytes",
			Help: "Estimated total capacity of the storage medium.",
		}),
		usagePct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "storage", Name: "usage_percent",
			Help: "Used share of the storage medium, 0-100.",
		}),
		drains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "drains_total",
			Help: "Pending-change drains by result.",
		}, []string{"result"}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sync", Name: "drain_duration_seconds",
			Help:    "Duration of drains that reached the remote store.",
			Buckets: prometheus.DefBuckets,
		}),
		drainedKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "drained_keys_total",
			Help: "Collection keys uploaded by successful drains.",
		}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "merges_total",
			Help: "Cloud-to-local reconciliations by outcome.",
		}, []string{"outcome"}),
		cleanups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "storage", Name: "cleanups_total",
			Help: "Cleanup runs by tier.",
		}, []string{"tier"}),
		bytesReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "storage", Name: "reclaimed_bytes_total",
			Help: "Bytes reclaimed by cleanup, by tier.",
		}, []string{"tier"}),
	}

	m.registry.MustRegister(
		m.usedBytes, m.totalBytes, m.usagePct,
		m.drains, m.drainDuration, m.drainedKeys,
		m.merges, m.cleanups, m.bytesReclaimed,
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordUsage publishes a usage estimate.
func (m *Metrics) RecordUsage(info models.UsageInfo) {
	if m == nil {
		return
	}
	m.usedBytes.Set(float64(info.UsedBytes))
	m.totalBytes.Set(float64(info.TotalBytes))
	m.usagePct.Set(info.UsagePercentage)
}

// RecordDrain counts a drain. keys and duration only matter on success.
func (m *Metrics) RecordDrain(result string, keys int, duration time.Duration) {
	if m == nil {
		return
	}
	m.drains.WithLabelValues(result).Inc()
	if result == DrainSuccess {
		m.drainedKeys.Add(float64(keys))
		m.drainDuration.Observe(duration.Seconds())
	}
}

// RecordMerge counts a reconciliation outcome.
func (m *Metrics) RecordMerge(outcome string) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(outcome).Inc()
}

// RecordCleanup counts a cleanup run and the bytes it reclaimed.
func (m *Metrics) RecordCleanup(tier string, reclaimed int64) {
	if m == nil {
		return
	}
	m.cleanups.WithLabelValues(tier).Inc()
	if reclaimed > 0 {
		m.bytesReclaimed.WithLabelValues(tier).Add(float64(reclaimed))
	}
}

// Label values.
const (
	DrainSuccess = "success"
	DrainFailed  = "failed"
	DrainSkipped = "skipped"

	MergeApplied  = "applied"
	MergeUpToDate = "up_to_date"
	MergeManual   = "manual_review"
	MergeFailed   = "failed"

	TierDisposable = "disposable"
	TierEmergency  = "emergency"
)
