package transport

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	activeLinks       prometheus.Gauge
	handshakeSuccess  prometheus.Counter
	handshakeFailure  prometheus.Counter
	associations      prometheus.Counter
	messagesSent      prometheus.Counter
	messagesReceived  prometheus.Counter
	messageRecvErrors prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		activeLinks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "companionlink_transport_active_links",
			Help: "Physical connections currently open.",
		}),
		handshakeSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "companionlink_transport_handshake_success_total",
			Help: "Secure channels established.",
		}),
		handshakeFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "companionlink_transport_handshake_failure_total",
			Help: "Handshakes that ended in channel teardown.",
		}),
		associations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "companionlink_transport_associations_total",
			Help: "Completed device associations.",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "companionlink_transport_messages_sent_total",
			Help: "Application messages written to the link.",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "companionlink_transport_messages_received_total",
			Help: "Application messages delivered off the link.",
		}),
		messageRecvErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "companionlink_transport_message_receive_errors_total",
			Help: "Inbound frames dropped after decode or decrypt failure.",
		}),
	}

	reg.MustRegister(
		m.activeLinks,
		m.handshakeSuccess,
		m.handshakeFailure,
		m.associations,
		m.messagesSent,
		m.messagesReceived,
		m.messageRecvErrors,
	)
	return m
}

func (m *Metrics) LinkOpened() {
	if m == nil {
		return
	}
	m.activeLinks.Inc()
}

func (m *Metrics) LinkClosed() {
	if m == nil {
		return
	}
	m.activeLinks.Dec()
}

func (m *Metrics) RecordHandshakeSuccess() {
	if m == nil {
		return
	}
	m.handshakeSuccess.Inc()
}

func (m *Metrics) RecordHandshakeFailure() {
	if m == nil {
		return
	}
	m.handshakeFailure.Inc()
}

func (m *Metrics) RecordAssociation() {
	if m == nil {
		return
	}
	m.associations.Inc()
}

func (m *Metrics) RecordMessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) RecordMessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

func (m *Metrics) RecordMessageReceiveError() {
	if m == nil {
		return
	}
	m.messageRecvErrors.Inc()
}
