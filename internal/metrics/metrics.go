// Package metrics provides Prometheus instrumentation for the FoodFast
// realtime core. It exposes gauges for connection, subscription and stream
// counts, counters for event throughput, and a histogram for long-poll waits.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "foodfast_ws_connections",
		Help: "Current number of active WebSocket connections",
	})

	// Subscriptions tracks live topic subscriptions in the registry.
	Subscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "foodfast_subscriptions",
		Help: "Current number of topic subscriptions",
	})

	// EventsPublished counts events handed to the registry, labeled by event type.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "foodfast_events_published_total",
		Help: "Total number of events published",
	}, []string{"type"})

	// Deliveries counts events accepted by sinks.
	Deliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "foodfast_deliveries_total",
		Help: "Total number of events delivered to subscribers",
	})

	// DeliveryFailures counts subscribers dropped after a failed delivery,
	// labeled by reason: "overflow" or "sink".
	DeliveryFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "foodfast_delivery_failures_total",
		Help: "Total number of subscribers removed after a delivery failure",
	}, []string{"reason"})

	// OpenStreams tracks active push streams (SSE).
	OpenStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "foodfast_open_streams",
		Help: "Current number of open push streams",
	})

	// ActivePolls tracks in-flight long-poll requests.
	ActivePolls = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "foodfast_active_polls",
		Help: "Current number of in-flight long polls",
	})

	// PollWait records how long a long poll waited before returning.
	PollWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "foodfast_poll_wait_seconds",
		Help:    "Long-poll wait time in seconds",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"outcome"}) // outcome = "changed", "timeout", "cancelled", "error"

	// JobsProcessed counts background jobs, labeled by kind and result.
	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "foodfast_jobs_processed_total",
		Help: "Total number of background jobs processed",
	}, []string{"kind", "result"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		Subscriptions,
		EventsPublished,
		Deliveries,
		DeliveryFailures,
		OpenStreams,
		ActivePolls,
		PollWait,
		JobsProcessed,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
