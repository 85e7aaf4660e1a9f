package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Number of live websocket connections.",
	})

	roomsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_rooms",
		Help: "Number of rooms with at least one member.",
	})

	messagesCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Envelopes received from clients.",
	})

	droppedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_dropped_total",
		Help: "Envelopes or deliveries dropped (routing miss, full buffer, unparseable).",
	})
)
