// Package metrics exposes the relay's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons for DeliveriesDroppedTotal and EnvelopesDroppedTotal.
const (
	ReasonTransportClosed = "transport_closed"
	ReasonBufferFull      = "buffer_full"
	ReasonNoRoom          = "no_room"
	ReasonMalformed       = "malformed"
)

// Gauges
var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peerlink_relay_active_connections",
		Help: "Number of open signaling connections",
	})
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peerlink_relay_active_rooms",
		Help: "Number of rooms with at least one member",
	})
)

// Counters
var (
	JoinsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peerlink_relay_joins_total",
		Help: "Total room join envelopes accepted",
	})
	EnvelopesRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerlink_relay_envelopes_relayed_total",
		Help: "Total signaling envelopes broadcast to a room, by kind",
	}, []string{"kind"})
	EnvelopesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerlink_relay_envelopes_dropped_total",
		Help: "Total inbound envelopes dropped before broadcast, by reason",
	}, []string{"reason"})
	DeliveriesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerlink_relay_deliveries_dropped_total",
		Help: "Total per-member deliveries skipped during broadcast, by reason",
	}, []string{"reason"})
)
