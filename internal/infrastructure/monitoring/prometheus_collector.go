package monitoring

import (
	"jamlink/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exposes registry and relay counters. Construct it once
// per process; promauto registers on the default registry.
type PrometheusCollector struct {
	roomsActive    prometheus.Gauge
	peersConnected prometheus.Gauge
	roomOccupancy  *prometheus.GaugeVec

	joinsTotal        prometheus.Counter
	joinRejectedTotal prometheus.Counter
	signalsRelayed    *prometheus.CounterVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "jamlink_rooms_active",
			Help: "Number of live rooms in the registry",
		}),

		peersConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "jamlink_peers_connected",
			Help: "Number of peers currently joined to any room",
		}),

		roomOccupancy: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jamlink_room_occupancy",
			Help: "Number of peers per room",
		}, []string{"slug"}),

		joinsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jamlink_joins_total",
			Help: "Total successful room joins",
		}),

		joinRejectedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jamlink_join_rejected_total",
			Help: "Total rejected room joins (unknown slug)",
		}),

		signalsRelayed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jamlink_signals_relayed_total",
			Help: "Total signaling envelopes relayed, by negotiation kind",
		}, []string{"kind"}),
	}
}

func (c *PrometheusCollector) RoomCreated() { c.roomsActive.Inc() }
func (c *PrometheusCollector) RoomDeleted() { c.roomsActive.Dec() }

func (c *PrometheusCollector) PeerJoined(slug domain.Slug) {
	c.peersConnected.Inc()
	c.joinsTotal.Inc()
	c.roomOccupancy.WithLabelValues(string(slug)).Inc()
}

func (c *PrometheusCollector) PeerLeft(slug domain.Slug) {
	c.peersConnected.Dec()
	c.roomOccupancy.WithLabelValues(string(slug)).Dec()
}

func (c *PrometheusCollector) JoinRejected() { c.joinRejectedTotal.Inc() }

func (c *PrometheusCollector) SignalRelayed(kind string) {
	c.signalsRelayed.WithLabelValues(kind).Inc()
}
