package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Producer side
	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockflow_events_published_total",
			Help: "Events handed to the broker, by type and result",
		},
		[]string{"type", "result"},
	)

	flushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stockflow_batch_flush_duration_seconds",
			Help:    "Duration of one worker call for a batch group",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"type", "transactional"},
	)

	flushSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stockflow_batch_flush_size",
			Help:    "Number of events in one worker call",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"type"},
	)

	pendingEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockflow_batch_pending_events",
		Help: "Events buffered and not yet flushed",
	})

	fallbackKeysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockflow_partition_key_fallback_total",
			Help: "Records keyed with the constant fallback partition key",
		},
		[]string{"type"},
	)

	// Consumer side
	messagesConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockflow_messages_consumed_total",
			Help: "Messages handled by a consumer, by outcome",
		},
		[]string{"consumer", "topic", "outcome"},
	)

	messageProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stockflow_message_processing_duration_seconds",
			Help:    "Sink processing duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"consumer", "topic"},
	)

	dedupOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockflow_dedup_checks_total",
			Help: "Dedup checks by verdict",
		},
		[]string{"verdict"},
	)

	deadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockflow_dead_letters_total",
			Help: "Messages moved to the dead-letter store",
		},
		[]string{"consumer", "topic"},
	)

	heartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockflow_consumer_heartbeats_total",
			Help: "Heartbeats issued during batch processing",
		},
		[]string{"consumer"},
	)

	// Connections
	brokerConnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockflow_broker_connect_attempts_total",
			Help: "Broker connect attempts by role and result",
		},
		[]string{"role", "result"},
	)

	// Aggregator
	aggregatorDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockflow_aggregator_dropped_total",
		Help: "Events dropped because the aggregator mailbox was full",
	})

	aggregatorEventsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockflow_aggregator_events",
		Help: "Total events folded into the running aggregates",
	})

	sseConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockflow_sse_connections",
		Help: "Active notification stream connections",
	})
)

func RecordPublished(eventType, result string, n int) {
	eventsPublishedTotal.WithLabelValues(eventType, result).Add(float64(n))
}

func RecordFlush(eventType string, transactional bool, size int, d time.Duration) {
	tx := "false"
	if transactional {
		tx = "true"
	}
	flushDuration.WithLabelValues(eventType, tx).Observe(d.Seconds())
	flushSize.WithLabelValues(eventType).Observe(float64(size))
}

func SetPendingEvents(n int) {
	pendingEvents.Set(float64(n))
}

func RecordFallbackKey(eventType string) {
	fallbackKeysTotal.WithLabelValues(eventType).Inc()
}

func RecordConsumed(consumer, topic, outcome string) {
	messagesConsumedTotal.WithLabelValues(consumer, topic, outcome).Inc()
}

func RecordProcessing(consumer, topic string, d time.Duration) {
	messageProcessingDuration.WithLabelValues(consumer, topic).Observe(d.Seconds())
}

func RecordDedup(verdict string) {
	dedupOutcomesTotal.WithLabelValues(verdict).Inc()
}

func RecordDeadLetter(consumer, topic string) {
	deadLettersTotal.WithLabelValues(consumer, topic).Inc()
}

func RecordHeartbeat(consumer string) {
	heartbeatsTotal.WithLabelValues(consumer).Inc()
}

func RecordConnectAttempt(role, result string) {
	brokerConnectAttemptsTotal.WithLabelValues(role, result).Inc()
}

func RecordAggregatorDrop() {
	aggregatorDroppedTotal.Inc()
}

func SetAggregatedEvents(n int64) {
	aggregatorEventsTotal.Set(float64(n))
}

func SetSSEConnections(n int) {
	sseConnections.Set(float64(n))
}

func Handler() http.Handler {
	return promhttp.Handler()
}
