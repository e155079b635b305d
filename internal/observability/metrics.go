package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors. Each instance owns its own
// registry so tests and multiple relays in one process never collide.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ConnectedClients  prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	AcceptErrorsTotal prometheus.Counter
	FramesReceived    prometheus.Counter
	BroadcastsTotal   prometheus.Counter
	DeliveriesTotal   prometheus.Counter
	DeliveriesDropped prometheus.Counter
}

// NewMetrics creates and registers the relay collectors on a fresh registry.
//
// Postcondition: Returns a Metrics whose Handler serves every collector.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_connected_clients",
			Help: "Number of clients currently registered for broadcast",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_connections_total",
			Help: "Total accepted client connections",
		}),
		AcceptErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_accept_errors_total",
			Help: "Total failed accept calls that were skipped",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_frames_received_total",
			Help: "Total complete frames read from clients",
		}),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_broadcasts_total",
			Help: "Total broadcast events processed by the registry",
		}),
		DeliveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_deliveries_total",
			Help: "Total payloads enqueued onto client outbound queues",
		}),
		DeliveriesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_deliveries_dropped_total",
			Help: "Total payloads dropped because a client outbound queue was full",
		}),
	}
	reg.MustRegister(
		m.ConnectedClients,
		m.ConnectionsTotal,
		m.AcceptErrorsTotal,
		m.FramesReceived,
		m.BroadcastsTotal,
		m.DeliveriesTotal,
		m.DeliveriesDropped,
	)
	return m
}

// Handler returns an HTTP handler exposing this instance's collectors.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetConnected(n int) {
	if m != nil {
		m.ConnectedClients.Set(float64(n))
	}
}

func (m *Metrics) IncConnections() {
	if m != nil {
		m.ConnectionsTotal.Inc()
	}
}

func (m *Metrics) IncAcceptErrors() {
	if m != nil {
		m.AcceptErrorsTotal.Inc()
	}
}

func (m *Metrics) IncFrames() {
	if m != nil {
		m.FramesReceived.Inc()
	}
}

// ObserveBroadcast records one broadcast and its per-recipient outcome.
func (m *Metrics) ObserveBroadcast(delivered, dropped int) {
	if m == nil {
		return
	}
	m.BroadcastsTotal.Inc()
	m.DeliveriesTotal.Add(float64(delivered))
	m.DeliveriesDropped.Add(float64(dropped))
}
