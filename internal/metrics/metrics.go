// Package metrics provides Prometheus instrumentation for the anonchat
// server. It exposes gauges for connection, waiting-pool, and session
// counts, counters for relay outcomes, and a latency histogram for the
// relay hot path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anonchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// WaitingPoolSize tracks the current number of users waiting for a partner.
	WaitingPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anonchat_waiting_pool_size",
		Help: "Current number of users in the waiting pool",
	})

	// ActiveSessions tracks the current number of active chat sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anonchat_active_sessions",
		Help: "Current number of active chat sessions",
	})

	// MessagesTotal counts relay outcomes, labeled by result:
	// "delivered", "deduplicated", or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anonchat_messages_total",
		Help: "Total number of relay calls by outcome",
	}, []string{"result"})

	// RelayLatency records relay processing latency in seconds.
	RelayLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "anonchat_relay_latency_seconds",
		Help:    "Relay processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// SweepRecoveriesTotal counts sessions created by the corrective
	// safety-net sweep. Non-zero values indicate a matchmaker regression.
	SweepRecoveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anonchat_sweep_recoveries_total",
		Help: "Sessions force-paired by the safety-net sweep",
	})

	// ArchivedMessagesTotal counts messages written to the archive store.
	ArchivedMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anonchat_archived_messages_total",
		Help: "Messages persisted by the history archiver",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		WaitingPoolSize,
		ActiveSessions,
		MessagesTotal,
		RelayLatency,
		SweepRecoveriesTotal,
		ArchivedMessagesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
