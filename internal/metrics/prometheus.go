// Package metrics provides Prometheus metrics for the buffer pool daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPActiveRequests  prometheus.Gauge

	// Buffer pool metrics
	PoolAcquired       *prometheus.CounterVec
	PoolReleased       *prometheus.CounterVec
	PoolHardwareDone   *prometheus.CounterVec
	PoolRejected       *prometheus.CounterVec
	PoolDeferred       *prometheus.CounterVec
	PoolOutstanding    *prometheus.GaugeVec
	PoolQueueDepth     *prometheus.GaugeVec
	PoolAcquireSeconds *prometheus.HistogramVec

	// Memory region metrics
	RegionTotalBytes *prometheus.GaugeVec
	RegionUsedBytes  *prometheus.GaugeVec
	RegionPeakBytes  *prometheus.GaugeVec
	RegionFailures   *prometheus.GaugeVec

	// Negotiation metrics
	Negotiations *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "hwbuffer"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	poolLabels := []string{"pool"}
	regionLabels := []string{"region"}

	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),

		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPActiveRequests: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_active_requests",
				Help:      "Number of active HTTP requests",
			},
		),

		PoolAcquired: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_buffers_acquired_total",
				Help:      "Total number of buffers handed out by a pool",
			},
			poolLabels,
		),

		PoolReleased: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_buffers_released_total",
				Help:      "Total number of buffers returned to a pool",
			},
			poolLabels,
		),

		PoolHardwareDone: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_hardware_returns_total",
				Help:      "Total number of buffers returned by the hardware component",
			},
			poolLabels,
		),

		PoolRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_hardware_rejections_total",
				Help:      "Total number of buffers the hardware component refused",
			},
			poolLabels,
		),

		PoolDeferred: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_deferred_recycles_total",
				Help:      "Total number of releases deferred until hardware completion",
			},
			poolLabels,
		),

		PoolOutstanding: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_buffers_outstanding",
				Help:      "Number of buffers currently held by callers",
			},
			poolLabels,
		),

		PoolQueueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_queue_depth",
				Help:      "Number of buffers waiting in the availability queue",
			},
			poolLabels,
		),

		PoolAcquireSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pool_acquire_wait_seconds",
				Help:      "Time spent waiting for a buffer",
				Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
			},
			poolLabels,
		),

		RegionTotalBytes: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "region_total_bytes",
				Help:      "Size of a memory region",
			},
			regionLabels,
		),

		RegionUsedBytes: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "region_used_bytes",
				Help:      "Bytes allocated from a memory region",
			},
			regionLabels,
		),

		RegionPeakBytes: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "region_peak_bytes",
				Help:      "Peak bytes allocated from a memory region",
			},
			regionLabels,
		),

		RegionFailures: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "region_failed_allocations",
				Help:      "Allocations a memory region could not satisfy",
			},
			regionLabels,
		),

		Negotiations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "negotiations_total",
				Help:      "Allocation negotiations by result",
			},
			[]string{"result"},
		),
	}
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, status string, durationSeconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// UpdateRegionStats updates memory region metrics.
func (m *Metrics) UpdateRegionStats(region string, total, used, peak int, failures uint64) {
	m.RegionTotalBytes.WithLabelValues(region).Set(float64(total))
	m.RegionUsedBytes.WithLabelValues(region).Set(float64(used))
	m.RegionPeakBytes.WithLabelValues(region).Set(float64(peak))
	m.RegionFailures.WithLabelValues(region).Set(float64(failures))
}

// RecordNegotiation counts a negotiation outcome.
func (m *Metrics) RecordNegotiation(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.Negotiations.WithLabelValues(result).Inc()
}

// Pool returns the metrics of one pool.
func (m *Metrics) Pool(name string) *PoolMetrics {
	return &PoolMetrics{
		acquired:    m.PoolAcquired.WithLabelValues(name),
		released:    m.PoolReleased.WithLabelValues(name),
		hwDone:      m.PoolHardwareDone.WithLabelValues(name),
		rejected:    m.PoolRejected.WithLabelValues(name),
		deferred:    m.PoolDeferred.WithLabelValues(name),
		outstanding: m.PoolOutstanding.WithLabelValues(name),
		queueDepth:  m.PoolQueueDepth.WithLabelValues(name),
		acquireWait: m.PoolAcquireSeconds.WithLabelValues(name),
	}
}

// PoolMetrics are the metrics of a single pool. A nil *PoolMetrics records nothing.
type PoolMetrics struct {
	acquired    prometheus.Counter
	released    prometheus.Counter
	hwDone      prometheus.Counter
	rejected    prometheus.Counter
	deferred    prometheus.Counter
	outstanding prometheus.Gauge
	queueDepth  prometheus.Gauge
	acquireWait prometheus.Observer
}

// Acquired records a buffer handed out after waiting seconds.
func (p *PoolMetrics) Acquired(seconds float64) {
	if p == nil {
		return
	}
	p.acquired.Inc()
	p.acquireWait.Observe(seconds)
}

// Released records a buffer returned by a caller.
func (p *PoolMetrics) Released() {
	if p == nil {
		return
	}
	p.released.Inc()
}

// HardwareDone records a completion from the hardware component.
func (p *PoolMetrics) HardwareDone() {
	if p == nil {
		return
	}
	p.hwDone.Inc()
}

// Rejected records a buffer refused by the hardware component.
func (p *PoolMetrics) Rejected() {
	if p == nil {
		return
	}
	p.rejected.Inc()
}

// Deferred records a release deferred until hardware completion.
func (p *PoolMetrics) Deferred() {
	if p == nil {
		return
	}
	p.deferred.Inc()
}

// SetLevels updates the outstanding and queue depth gauges.
func (p *PoolMetrics) SetLevels(outstanding, queued int) {
	if p == nil {
		return
	}
	p.outstanding.Set(float64(outstanding))
	p.queueDepth.Set(float64(queued))
}
