// Package metrics defines the Prometheus collectors for the
// orchestrator and the exposition handler serving them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Board metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskhive_tasks_total",
			Help: "Tasks on the board by status",
		},
		[]string{"status"},
	)

	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskhive_instances_total",
			Help: "Agent instances by role and status",
		},
		[]string{"role", "status"},
	)

	// Event metrics
	EventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhive_events_emitted_total",
			Help: "Bus events emitted by event name",
		},
		[]string{"event"},
	)

	TasksClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhive_tasks_claimed_total",
			Help: "Tasks claimed by role",
		},
		[]string{"role"},
	)

	// Runner metrics
	RunnerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "taskhive_runner_duration_seconds",
			Help: "Agent runner execution time by role and outcome",
			// LLM runs last seconds to minutes; DefBuckets tops out
			// at 10s. This spans 100ms to ~13min.
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"role", "outcome"},
	)

	// Scaler metrics
	ScalerActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhive_scaler_actions_total",
			Help: "Auto-scaler actions by role and direction",
		},
		[]string{"role", "direction"},
	)

	// Webhook metrics
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhive_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskhive_api_requests_total",
			Help: "API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskhive_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(EventsEmitted)
	prometheus.MustRegister(TasksClaimed)
	prometheus.MustRegister(RunnerDuration)
	prometheus.MustRegister(ScalerActions)
	prometheus.MustRegister(WebhookDeliveries)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
