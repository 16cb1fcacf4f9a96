package eventbus

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promEventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_events_received_total",
		Help: "Events pulled from the broker.",
	}, []string{"service"})
	promEventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_events_processed_total",
		Help: "Events handled successfully.",
	}, []string{"service"})
	promEventsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_events_failed_total",
		Help: "Events that failed decoding, handler lookup, or exhausted retries.",
	}, []string{"service"})
	promEventsDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_events_skipped_duplicate_total",
		Help: "Redeliveries acked without re-running the handler.",
	}, []string{"service"})
	promEventsDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventbus_events_dead_lettered_total",
		Help: "Events routed to the dead-letter subject.",
	}, []string{"service"})
	promProcessingSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eventbus_processing_duration_seconds",
		Help:    "Handler execution time per successfully processed event.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5},
	}, []string{"service"})
)

// Subscription describes one active pull loop.
type Subscription struct {
	SubjectPattern string `json:"subject_pattern"`
	StreamName     string `json:"stream_name"`
	ConsumerName   string `json:"consumer_name"`
	QueueGroup     string `json:"queue_group,omitempty"`
}

// MetricsSnapshot is a point-in-time copy of the subscriber counters.
type MetricsSnapshot struct {
	EventsReceived           uint64         `json:"events_received"`
	EventsProcessed          uint64         `json:"events_processed"`
	EventsFailed             uint64         `json:"events_failed"`
	EventsSkippedDuplicate   uint64         `json:"events_skipped_duplicate"`
	AvgProcessingTimeSeconds float64        `json:"avg_processing_time_seconds"`
	Subscriptions            []Subscription `json:"subscriptions"`
}

// Health is the health_check response shape.
type Health struct {
	Service       string          `json:"service"`
	Status        string          `json:"status"`
	Subscriptions []Subscription  `json:"subscriptions"`
	Metrics       MetricsSnapshot `json:"metrics"`
}

// metrics holds the subscriber-local counters. Prometheus series are
// updated alongside so both surfaces agree; the atomic copies exist so
// GetMetrics can serve a snapshot without scraping.
type metrics struct {
	service string

	received        atomic.Uint64
	processed       atomic.Uint64
	failed          atomic.Uint64
	skippedDup      atomic.Uint64
	processingNanos atomic.Int64
}

func newMetrics(service string) *metrics {
	return &metrics{service: service}
}

func (m *metrics) markReceived() {
	m.received.Add(1)
	promEventsReceived.WithLabelValues(m.service).Inc()
}

func (m *metrics) markProcessed(elapsed time.Duration) {
	m.processed.Add(1)
	m.processingNanos.Add(int64(elapsed))
	promEventsProcessed.WithLabelValues(m.service).Inc()
	promProcessingSeconds.WithLabelValues(m.service).Observe(elapsed.Seconds())
}

func (m *metrics) markFailed() {
	m.failed.Add(1)
	promEventsFailed.WithLabelValues(m.service).Inc()
}

func (m *metrics) markDuplicate() {
	m.skippedDup.Add(1)
	promEventsDuplicate.WithLabelValues(m.service).Inc()
}

func (m *metrics) markDeadLettered() {
	promEventsDeadLettered.WithLabelValues(m.service).Inc()
}

func (m *metrics) snapshot(subs []Subscription) MetricsSnapshot {
	processed := m.processed.Load()
	avg := 0.0
	if processed > 0 {
		avg = time.Duration(m.processingNanos.Load()).Seconds() / float64(processed)
	}
	return MetricsSnapshot{
		EventsReceived:           m.received.Load(),
		EventsProcessed:          processed,
		EventsFailed:             m.failed.Load(),
		EventsSkippedDuplicate:   m.skippedDup.Load(),
		AvgProcessingTimeSeconds: avg,
		Subscriptions:            subs,
	}
}
