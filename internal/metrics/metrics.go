// Package metrics provides Prometheus instrumentation for the chat engine.
// It exposes gauges for connection, presence and typing counts, counters for
// message and event throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts messages processed, labeled by outcome:
	// "appended", "edited", "deleted", or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"})

	// EventsDelivered counts realtime events handed to subscribers, labeled
	// by event type.
	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_events_delivered_total",
		Help: "Total number of realtime events delivered to subscribers",
	}, []string{"type"})

	// AppendLatency records message append latency in seconds, from request
	// to durable write plus publish.
	AppendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_append_latency_seconds",
		Help:    "Message append latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// OnlineUsers tracks the current number of users with at least one live
	// session.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_online_users",
		Help: "Current number of users online",
	})

	// TypingActive tracks the current number of open typing bursts.
	TypingActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_typing_active",
		Help: "Current number of active typing indicators",
	})

	// WatchedSockets tracks the sockets registered with the event loop.
	// It can briefly diverge from ConnectionsTotal while a connection is
	// being torn down.
	WatchedSockets = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_watched_sockets",
		Help: "Current number of sockets registered with the event loop",
	})

	// HeartbeatEvictions counts connections closed by the heartbeat monitor
	// because no frame arrived within the liveness deadline.
	HeartbeatEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_heartbeat_evictions_total",
		Help: "Total number of connections evicted by the heartbeat monitor",
	})

	// ConnectionsRejected counts upgrade attempts refused before the
	// WebSocket handshake, labeled by reason: "capacity" or "rate_limited".
	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_connections_rejected_total",
		Help: "Total number of rejected WebSocket upgrade attempts",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		EventsDelivered,
		AppendLatency,
		OnlineUsers,
		TypingActive,
		WatchedSockets,
		HeartbeatEvictions,
		ConnectionsRejected,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
