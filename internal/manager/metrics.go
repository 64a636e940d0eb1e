package manager

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	connectedDevices    prometheus.Gauge
	reconnectAttempts   prometheus.Counter
	associationsStarted prometheus.Counter
	sendFailures        prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connectedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "companionlink_manager_connected_devices",
			Help: "Devices currently in the live connection table.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "companionlink_manager_reconnect_attempts_total",
			Help: "Attempts to connect the active user's paired device.",
		}),
		associationsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "companionlink_manager_associations_started_total",
			Help: "Pairing flows started.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "companionlink_manager_send_failures_total",
			Help: "Message sends rejected or failed at the transport.",
		}),
	}

	reg.MustRegister(
		m.connectedDevices,
		m.reconnectAttempts,
		m.associationsStarted,
		m.sendFailures,
	)
	return m
}

func (m *Metrics) SetConnectedDevices(n int) {
	if m == nil {
		return
	}
	m.connectedDevices.Set(float64(n))
}

func (m *Metrics) RecordReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) RecordAssociationStarted() {
	if m == nil {
		return
	}
	m.associationsStarted.Inc()
}

func (m *Metrics) RecordSendFailure() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}
