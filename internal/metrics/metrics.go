// Package metrics holds the Prometheus collectors of the sync core. A nil
// *Metrics is valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	connectionState   *prometheus.GaugeVec
	reconnectAttempts prometheus.Counter
	sendsDropped      *prometheus.CounterVec
	locationsSent     *prometheus.CounterVec
	refreshes         *prometheus.CounterVec
	events            *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "driverlink_connection_state",
			Help: "1 for the current live channel state, 0 for the others",
		}, []string{"state"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driverlink_reconnect_attempts_total",
			Help: "Total number of automatic live channel reconnection attempts",
		}),
		sendsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driverlink_sends_dropped_total",
			Help: "Outbound live channel messages dropped, by event",
		}, []string{"event"}),
		locationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driverlink_location_updates_total",
			Help: "Location samples forwarded, by path (live, seed, rest, fallback)",
		}, []string{"path"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driverlink_notification_refreshes_total",
			Help: "Notification cache refreshes triggered by push events, by result",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driverlink_inbound_events_total",
			Help: "Inbound live channel events, by name",
		}, []string{"event"}),
	}
	reg.MustRegister(m.connectionState, m.reconnectAttempts, m.sendsDropped, m.locationsSent, m.refreshes, m.events)
	return m
}

// ConnectionState marks state as the current one out of all.
func (m *Metrics) ConnectionState(state string, all ...string) {
	if m == nil {
		return
	}
	for _, s := range all {
		m.connectionState.WithLabelValues(s).Set(0)
	}
	m.connectionState.WithLabelValues(state).Set(1)
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) SendDropped(event string) {
	if m == nil {
		return
	}
	m.sendsDropped.WithLabelValues(event).Inc()
}

func (m *Metrics) LocationSent(path string) {
	if m == nil {
		return
	}
	m.locationsSent.WithLabelValues(path).Inc()
}

func (m *Metrics) Refresh(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) Event(name string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Inc()
}
