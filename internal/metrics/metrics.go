// Package metrics exposes Prometheus collectors for the agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ibkr_agent"

var (
	// RequestsTotal counts correlated gateway requests by outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Correlated gateway requests by category and outcome.",
	}, []string{"category", "outcome"})

	// RequestLatency observes the time between send and completion.
	RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_latency_seconds",
		Help:      "Round trip latency of correlated gateway requests.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"category"})

	// EventsTotal counts inbound gateway events.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Inbound gateway events by type.",
	}, []string{"event"})

	// GatewayErrorsTotal counts gateway error notices by classification.
	GatewayErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gateway_errors_total",
		Help:      "Gateway error notices by classification.",
	}, []string{"class"})

	// OrdersTotal counts orders by outcome.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_total",
		Help:      "Orders by symbol, action and status.",
	}, []string{"symbol", "action", "status"})

	// ExecutionsTotal counts finished execution tasks.
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_total",
		Help:      "Execution tasks by symbol and final status.",
	}, []string{"symbol", "status"})

	// ExecutionSlicesTotal counts execution slices by outcome.
	ExecutionSlicesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "execution_slices_total",
		Help:      "Execution slices by symbol and outcome.",
	}, []string{"symbol", "outcome"})

	// ExecutionAttemptsTotal counts order attempts made inside slices.
	ExecutionAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "execution_attempts_total",
		Help:      "Order attempts made by the execution engine.",
	}, []string{"symbol"})

	// NetPosition is the last refreshed signed position per symbol.
	NetPosition = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "net_position",
		Help:      "Signed net position per symbol at last refresh.",
	}, []string{"symbol"})

	// LastPrice is the last observed trade price per symbol.
	LastPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_price",
		Help:      "Last observed trade price per symbol.",
	}, []string{"symbol"})

	// GatewayConnected is 1 while the gateway session is up.
	GatewayConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gateway_connected",
		Help:      "Gateway session status (1 connected, 0 disconnected).",
	})

	// ErrorsTotal counts internal errors by type.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Internal errors by type.",
	}, []string{"type"})
)
