package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Publish path
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskloop_events_published_total",
			Help: "Lifecycle events published to the broker, by event type",
		},
		[]string{"type"},
	)

	PublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskloop_publish_failures_total",
			Help: "Events that exhausted publish retries and were recorded for reconciliation",
		},
	)

	// Consumers
	ConsumerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskloop_consumer_events_total",
			Help: "Events handled per consumer, by triage outcome",
		},
		[]string{"consumer", "outcome"},
	)

	DeadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskloop_dead_letters_total",
			Help: "Events parked on the dead-letter stream, by consumer",
		},
		[]string{"consumer"},
	)

	// Reminders
	RemindersFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskloop_reminders_fired_total",
			Help: "Reminder delivery attempts, by result",
		},
		[]string{"result"},
	)

	// Live updates
	BroadcastPushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskloop_broadcast_pushes_total",
			Help: "Update payloads pushed to connected clients",
		},
	)

	LiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskloop_live_connections",
			Help: "Currently registered live-update connections",
		},
	)
)

func init() {
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(PublishFailures)
	prometheus.MustRegister(ConsumerEvents)
	prometheus.MustRegister(DeadLetters)
	prometheus.MustRegister(RemindersFired)
	prometheus.MustRegister(BroadcastPushes)
	prometheus.MustRegister(LiveConnections)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
