package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "relaychat"

// Drop reasons recorded by MessagesDropped.
const (
	dropMalformed   = "malformed"
	dropUnknownType = "unknown_type"
	dropRateLimited = "rate_limited"
	dropUnexpected  = "unexpected_type"
)

// Metrics groups the server's Prometheus collectors.
type Metrics struct {
	ActiveConnections   prometheus.Gauge
	RegisteredUsers     prometheus.Gauge
	Logins              *prometheus.CounterVec
	MessagesReceived    prometheus.Counter
	MessagesDropped     *prometheus.CounterVec
	Broadcasts          prometheus.Counter
	BroadcastRecipients prometheus.Histogram
	SlowConsumers       prometheus.Counter
	WriteErrors         prometheus.Counter
	AcceptErrors        prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_active",
			Help:      "Number of open WebSocket connections, including ones still logging in.",
		}),
		RegisteredUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "users_registered",
			Help:      "Number of connections that completed login and receive broadcasts.",
		}),
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Inbound frames read from clients.",
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound frames discarded without being broadcast, by reason.",
		}, []string{"reason"}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcasts_total",
			Help:      "Messages fanned out to the registry, including join and leave notices.",
		}),
		BroadcastRecipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "broadcast_recipients",
			Help:      "Number of connections each broadcast was delivered to.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		SlowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "slow_consumers_total",
			Help:      "Connections closed because their outbound queue overflowed.",
		}),
		WriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "write_errors_total",
			Help:      "Failed frame writes.",
		}),
		AcceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "accept_errors_total",
			Help:      "Listener accept failures that were retried.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ActiveConnections,
			m.RegisteredUsers,
			m.Logins,
			m.MessagesReceived,
			m.MessagesDropped,
			m.Broadcasts,
			m.BroadcastRecipients,
			m.SlowConsumers,
			m.WriteErrors,
			m.AcceptErrors,
		)
	}
	return m
}

func (m *Metrics) observeBroadcast(recipients int) {
	m.Broadcasts.Inc()
	m.BroadcastRecipients.Observe(float64(recipients))
}
