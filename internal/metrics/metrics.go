// Package metrics provides Prometheus instrumentation for the relay. It exposes
// gauges for connections and bound identities, counters for message and
// delivery outcomes, and a histogram for store latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery outcomes for DeliveriesTotal.
const (
	DeliveryPushed = "pushed"
	DeliveryMiss   = "miss"
	DeliveryFailed = "failed"
	DeliveryRemote = "remote"
)

var (
	// Connections tracks the current number of open WebSocket connections.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Current number of open WebSocket connections",
	})

	// RegisteredIdentities tracks how many identities are bound to a live
	// session on this instance.
	RegisteredIdentities = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_registered_identities",
		Help: "Identities currently bound to a live session",
	})

	// MessagesTotal counts send attempts, labeled by result: "saved",
	// "invalid" or "store_error".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of send attempts by result",
	}, []string{"result"})

	// DeliveriesTotal counts live delivery attempts after a message was saved.
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_deliveries_total",
		Help: "Live delivery attempts by outcome",
	}, []string{"outcome"}) // outcome = "pushed", "miss", "failed", "remote"

	// StoreLatency records message store call latency in seconds.
	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_store_latency_seconds",
		Help:    "Message store call latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		Connections,
		RegisteredIdentities,
		MessagesTotal,
		DeliveriesTotal,
		StoreLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
