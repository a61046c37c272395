package observability

import (
	"sync"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrors counts Redis errors by command name.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "closer_redis_errors_total",
		Help: "Total number of Redis errors by command",
	}, []string{"command"})

	// DatabaseQueryLatency records database query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "closer_db_query_duration_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// ActiveWebSockets is the gauge of open live-channel connections in this process.
	ActiveWebSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "closer_active_websockets",
		Help: "Number of active live channel connections",
	})

	// MessagesTotal counts persisted chat messages by origin (rest, live, ai).
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "closer_messages_total",
		Help: "Total number of persisted chat messages",
	}, []string{"origin"})

	// NotificationsTotal counts fan-out outcomes by type.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "closer_notifications_total",
		Help: "Notification fan-out outcomes by type",
	}, []string{"type", "outcome"})

	// LiveEventsTotal counts live channel deliveries by channel kind and outcome.
	LiveEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "closer_live_events_total",
		Help: "Live channel events by channel kind and outcome",
	}, []string{"channel", "outcome"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "closer_websocket_backpressure_drops_total",
		Help: "Total number of live channel messages dropped due to backpressure",
	}, []string{"reason"})
)

// Notification outcomes.
const (
	OutcomeCreated        = "created"
	OutcomeDeduplicated   = "deduplicated"
	OutcomeSelfSuppressed = "self_suppressed"
)

var (
	httpMetricsOnce sync.Once
	httpMetrics     *fiberprometheus.FiberPrometheus
)

// InitMetrics builds the HTTP metrics middleware. The collectors live in the
// default registry, so every server in the process shares the first instance.
func InitMetrics(serviceName string) *fiberprometheus.FiberPrometheus {
	httpMetricsOnce.Do(func() {
		httpMetrics = fiberprometheus.New(serviceName)
	})
	return httpMetrics
}
