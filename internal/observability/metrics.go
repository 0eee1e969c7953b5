package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hermod",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"instance", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hermod",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"instance", "method", "path", "status"},
	)
	sessionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hermod",
			Subsystem: "sessions",
			Name:      "open",
			Help:      "Sessions currently in the open state.",
		},
	)
	sessionsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hermod",
			Subsystem: "sessions",
			Name:      "tracked",
			Help:      "Sessions currently held by the registry in any state.",
		},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hermod",
			Subsystem: "sessions",
			Name:      "transitions_total",
			Help:      "Session state transitions by resulting state.",
		},
		[]string{"state"},
	)
	sessionReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hermod",
			Subsystem: "sessions",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled after recoverable closes.",
		},
	)
	sessionTeardowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hermod",
			Subsystem: "sessions",
			Name:      "teardowns_total",
			Help:      "Session teardowns by reason.",
		},
		[]string{"reason"},
	)
	webhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hermod",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook delivery attempts by event kind and outcome.",
		},
		[]string{"event", "outcome"},
	)
	webhookDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hermod",
			Subsystem: "webhook",
			Name:      "delivery_duration_seconds",
			Help:      "Webhook delivery duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"event"},
	)
	relayMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hermod",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Messages relayed by kind and direction.",
		},
		[]string{"kind", "direction"},
	)
	relayBackfillDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hermod",
			Subsystem: "relay",
			Name:      "backfill_dropped_total",
			Help:      "Backfill-class events discarded by the relay.",
		},
	)
	mediaUploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hermod",
			Subsystem: "relay",
			Name:      "media_uploads_total",
			Help:      "Media upload attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionsOpen,
			sessionsTracked,
			sessionTransitions,
			sessionReconnects,
			sessionTeardowns,
			webhookDeliveries,
			webhookDuration,
			relayMessages,
			relayBackfillDropped,
			mediaUploads,
		)
	})
}

func RecordHTTPRequest(instance, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(instance, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(instance, method, path, statusLabel).Observe(duration.Seconds())
}

func SetSessionGauges(open, tracked int) {
	RegisterMetrics()
	sessionsOpen.Set(float64(open))
	sessionsTracked.Set(float64(tracked))
}

func RecordSessionTransition(state string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(state).Inc()
}

func RecordReconnectAttempt() {
	RegisterMetrics()
	sessionReconnects.Inc()
}

func RecordSessionTeardown(reason string) {
	RegisterMetrics()
	sessionTeardowns.WithLabelValues(reason).Inc()
}

func RecordWebhookDelivery(event string, ok bool, duration time.Duration) {
	RegisterMetrics()
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	webhookDeliveries.WithLabelValues(event, outcome).Inc()
	webhookDuration.WithLabelValues(event).Observe(duration.Seconds())
}

func RecordRelayMessage(kind, direction string) {
	RegisterMetrics()
	relayMessages.WithLabelValues(kind, direction).Inc()
}

func RecordBackfillDrop() {
	RegisterMetrics()
	relayBackfillDropped.Inc()
}

func RecordMediaUpload(ok bool) {
	RegisterMetrics()
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	mediaUploads.WithLabelValues(outcome).Inc()
}
