// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records the engine's Prometheus metrics.
type Collector struct {
	assemblyTotal    *prometheus.CounterVec
	assemblyDuration prometheus.Histogram
	assemblyTokens   prometheus.Histogram

	repairDropped *prometheus.CounterVec
	repairSpliced prometheus.Counter

	compressionsTotal   *prometheus.CounterVec
	compressionDuration prometheus.Histogram
	compressedMessages  prometheus.Counter

	recallTotal    *prometheus.CounterVec
	recallDuration prometheus.Histogram

	storeErrors *prometheus.CounterVec

	lockTableSize prometheus.Gauge

	logger *zap.Logger
}

// NewCollector creates a Collector registered on reg. A nil reg selects
// the default registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.assemblyTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assembly_total",
			Help:      "Total number of context assemblies",
		},
		[]string{"status"},
	)
	c.assemblyDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assembly_duration_seconds",
			Help:      "Context assembly duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)
	c.assemblyTokens = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assembly_tokens",
			Help:      "Estimated token count of assembled contexts",
			Buckets:   prometheus.ExponentialBuckets(128, 2, 10),
		},
	)

	c.repairDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repair_dropped_total",
			Help:      "Messages dropped during window repair",
		},
		[]string{"reason"}, // orphan, dangling_call
	)
	c.repairSpliced = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repair_spliced_total",
			Help:      "Messages pulled in from history during window repair",
		},
	)

	c.compressionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compressions_total",
			Help:      "Total number of compression attempts",
		},
		[]string{"status"}, // committed, failed, deferred
	)
	c.compressionDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compression_duration_seconds",
			Help:      "Compression cycle duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)
	c.compressedMessages = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compressed_messages_total",
			Help:      "Messages condensed into memory summaries",
		},
	)

	c.recallTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recall_requests_total",
			Help:      "Total number of recall queries",
		},
		[]string{"status"}, // hit, empty, error
	)
	c.recallDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recall_duration_seconds",
			Help:      "Recall query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.storeErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_store_errors_total",
			Help:      "Session store operation failures",
		},
		[]string{"operation"},
	)

	c.lockTableSize = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_locks",
			Help:      "Entries in the per-session lock table",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordAssembly records one context assembly.
func (c *Collector) RecordAssembly(status string, duration time.Duration, tokens int) {
	c.assemblyTotal.WithLabelValues(status).Inc()
	c.assemblyDuration.Observe(duration.Seconds())
	if tokens > 0 {
		c.assemblyTokens.Observe(float64(tokens))
	}
}

// RecordRepairDrop records a message dropped during window repair.
func (c *Collector) RecordRepairDrop(reason string) {
	c.repairDropped.WithLabelValues(reason).Inc()
}

// RecordRepairSplice records a message recovered from history.
func (c *Collector) RecordRepairSplice() {
	c.repairSpliced.Inc()
}

// RecordCompression records one compression attempt.
func (c *Collector) RecordCompression(status string, duration time.Duration, condensed int) {
	c.compressionsTotal.WithLabelValues(status).Inc()
	c.compressionDuration.Observe(duration.Seconds())
	if condensed > 0 {
		c.compressedMessages.Add(float64(condensed))
	}
}

// RecordRecall records one recall query.
func (c *Collector) RecordRecall(status string, duration time.Duration) {
	c.recallTotal.WithLabelValues(status).Inc()
	c.recallDuration.Observe(duration.Seconds())
}

// RecordStoreError records a session store failure.
func (c *Collector) RecordStoreError(operation string) {
	c.storeErrors.WithLabelValues(operation).Inc()
}

// SetLockTableSize reports the current per-session lock table size.
func (c *Collector) SetLockTableSize(n int) {
	c.lockTableSize.Set(float64(n))
}
