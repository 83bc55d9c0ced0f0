// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for connection counts, counters for notification
// throughput, and histograms for fanout latency.
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

	// NotificationsTotal counts delivered notifications, labeled by type.
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_notifications_total",
		Help: "Total number of notifications dispatched",
	}, []string{"type"})

	// FanoutLatency records the time to fan one message out to a room.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_fanout_latency_seconds",
		Help:    "Room fanout latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ConversationsPersisted counts conversation rows written per fanout recipient.
	ConversationsPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_conversations_persisted_total",
		Help: "Total number of conversation rows recorded",
	})

	// OnlineUsers tracks the size of the presence registry.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_online_users",
		Help: "Current number of users with a presence entry",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		NotificationsTotal,
		FanoutLatency,
		ConversationsPersisted,
		OnlineUsers,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
