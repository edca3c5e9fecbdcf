// Package telemetry aggregates the pipeline's own runtime metrics and,
// when enabled, exports traces over OTLP gRPC. Nothing here touches the
// telemetry events the pipeline carries for its host; this is the
// pipeline watching itself.
package telemetry

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// maxSamples bounds the rolling latency window.
const maxSamples = 1000

// Metrics aggregates pipeline counters and a rolling latency window.
type Metrics struct {
	// Counters, updated atomically.
	EventsCaptured  int64
	EventsDelivered int64
	EventsFailed    int64
	BatchesSent     int64
	BytesSent       int64

	mu        sync.RWMutex
	latencies []time.Duration
}

// NewMetrics creates a metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		latencies: make([]time.Duration, 0, maxSamples),
	}
}

// RecordLatency records a processing latency sample. Only the most
// recent samples are kept.
func (m *Metrics) RecordLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.latencies) >= maxSamples {
		m.latencies = m.latencies[1:]
	}
	m.latencies = append(m.latencies, d)
}

// AddCaptured counts events accepted at the facade.
func (m *Metrics) AddCaptured(n int64) {
	atomic.AddInt64(&m.EventsCaptured, n)
}

// AddDelivered counts events acknowledged by the collector.
func (m *Metrics) AddDelivered(n int64) {
	atomic.AddInt64(&m.EventsDelivered, n)
}

// AddFailed counts events whose delivery attempt failed.
func (m *Metrics) AddFailed(n int64) {
	atomic.AddInt64(&m.EventsFailed, n)
}

// AddBatch counts one sent batch of the given encoded size.
func (m *Metrics) AddBatch(bytes int64) {
	atomic.AddInt64(&m.BatchesSent, 1)
	atomic.AddInt64(&m.BytesSent, bytes)
}

// Percentile returns the p-th percentile of the latency window, with p
// in [0,1]. Zero when no samples have been recorded.
func (m *Metrics) Percentile(p float64) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Average returns the mean of the latency window.
func (m *Metrics) Average() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range m.latencies {
		total += d
	}
	return total / time.Duration(len(m.latencies))
}

// Summary returns a point-in-time snapshot of all metrics.
func (m *Metrics) Summary() Summary {
	return Summary{
		EventsCaptured:  atomic.LoadInt64(&m.EventsCaptured),
		EventsDelivered: atomic.LoadInt64(&m.EventsDelivered),
		EventsFailed:    atomic.LoadInt64(&m.EventsFailed),
		BatchesSent:     atomic.LoadInt64(&m.BatchesSent),
		BytesSent:       atomic.LoadInt64(&m.BytesSent),
		AvgLatency:      m.Average(),
		P50Latency:      m.Percentile(0.50),
		P95Latency:      m.Percentile(0.95),
		P99Latency:      m.Percentile(0.99),
	}
}

// Summary is a snapshot of pipeline metrics.
type Summary struct {
	EventsCaptured  int64         `json:"events_captured"`
	EventsDelivered int64         `json:"events_delivered"`
	EventsFailed    int64         `json:"events_failed"`
	BatchesSent     int64         `json:"batches_sent"`
	BytesSent       int64         `json:"bytes_sent"`
	AvgLatency      time.Duration `json:"avg_latency_ns"`
	P50Latency      time.Duration `json:"p50_latency_ns"`
	P95Latency      time.Duration `json:"p95_latency_ns"`
	P99Latency      time.Duration `json:"p99_latency_ns"`
}

// ToJSON serializes the summary.
func (s Summary) ToJSON() ([]byte, error) {
	return json.Marshal(s)
}
