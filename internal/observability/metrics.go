package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatcher metrics.
//
//nolint:gochecknoglobals // promauto collectors register once per process
var (
	// DispatchTotal counts ExecutePrompt outcomes.
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptgate",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Total prompt executions by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// DispatchDuration observes end-to-end dispatch latency.
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "promptgate",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Prompt execution latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	// RetriesTotal counts retries consumed per provider.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptgate",
			Subsystem: "dispatch",
			Name:      "retries_total",
			Help:      "Total retries performed against providers",
		},
		[]string{"provider"},
	)

	// CacheLookups counts response cache lookups by result.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptgate",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Response cache lookups by result",
		},
		[]string{"result"},
	)

	// CircuitState exposes the breaker state per provider (0 closed, 1 half-open, 2 open).
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "promptgate",
			Subsystem: "circuit",
			Name:      "state",
			Help:      "Circuit breaker state per provider",
		},
		[]string{"provider"},
	)

	// EventsTotal counts events published on the event bus by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptgate",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published on the event bus",
		},
		[]string{"type"},
	)

	// BulkheadInFlight exposes in-flight calls per provider.
	BulkheadInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "promptgate",
			Subsystem: "bulkhead",
			Name:      "in_flight",
			Help:      "In-flight provider calls",
		},
		[]string{"provider"},
	)
)

// CountEvents is an EventHandler feeding EventsTotal.
func CountEvents(_ context.Context, eventType string, _ map[string]interface{}) {
	EventsTotal.WithLabelValues(eventType).Inc()
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
