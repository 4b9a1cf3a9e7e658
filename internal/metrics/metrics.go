package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ix_sessions_active",
			Help: "Currently registered sessions",
		},
	)

	Connections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ix_connections_total",
			Help: "Connection attempts by outcome",
		},
		[]string{"transport", "result"}, // result: "accepted" or an auth rejection code
	)

	Disconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ix_disconnects_total",
			Help: "Sessions ended by reason",
		},
		[]string{"reason"},
	)

	TransientFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ix_transient_failures_total",
			Help: "Recoverable transport faults on live sessions",
		},
	)

	// Routing metrics
	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ix_messages_routed_total",
			Help: "Messages routed by mode and delivery status",
		},
		[]string{"mode", "status"},
	)

	RouteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ix_route_duration_seconds",
			Help:    "Time spent routing one message",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"mode"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ix_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)
