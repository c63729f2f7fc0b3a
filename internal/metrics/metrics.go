// Package metrics provides Prometheus instrumentation for the Pulse
// gateway. It exposes gauges for connection counts and broker state,
// counters for publish/delivery throughput, and a histogram for publish
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of live WebSocket
	// connections, labeled by namespace.
	ConnectionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pulse_connections_active",
		Help: "Current number of active WebSocket connections",
	}, []string{"namespace"})

	// EventsPublished counts events accepted by the Publish API, labeled by
	// event name.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_events_published_total",
		Help: "Total number of events accepted for publishing",
	}, []string{"event"})

	// DeliveriesTotal counts per-connection deliveries of broadcast frames.
	DeliveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulse_deliveries_total",
		Help: "Total number of frames delivered to local room members",
	})

	// BackpressureDrops counts connections dropped because their outbound
	// queue saturated.
	BackpressureDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulse_backpressure_drops_total",
		Help: "Total number of connections dropped due to outbound queue saturation",
	})

	// AuthFailures counts rejected handshakes, labeled by reason.
	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulse_auth_failures_total",
		Help: "Total number of rejected connection handshakes",
	}, []string{"reason"}) // reason = "missing", "expired", "invalid", "revoked"

	// BrokerConnected is 1 while the broker connection is up, 0 while the
	// gateway is degraded to local-only delivery.
	BrokerConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulse_broker_connected",
		Help: "Whether the pub/sub broker connection is currently up",
	})

	// PublishLatency records Publish API round-trip latency in seconds
	// (broker hand-off only; delivery is fire-and-forget).
	PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulse_publish_latency_seconds",
		Help:    "Publish API hand-off latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		EventsPublished,
		DeliveriesTotal,
		BackpressureDrops,
		AuthFailures,
		BrokerConnected,
		PublishLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
