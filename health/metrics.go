package health

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rustyeddy/copytrader/broker"
)

// Metrics exports health state to Prometheus. A nil *Metrics is a no-op.
type Metrics struct {
	status      *prometheus.GaugeVec
	failures    *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "copytrader_account_health_status",
			Help: "1 for the current health status of an account, 0 otherwise.",
		}, []string{"kind", "account", "broker", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "copytrader_account_failures_total",
			Help: "Failures recorded per account and failure kind.",
		}, []string{"kind", "account", "broker", "failure_kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "copytrader_circuit_transitions_total",
			Help: "Health state transitions.",
		}, []string{"from", "to"}),
	}
	reg.MustRegister(m.status, m.failures, m.transitions)
	return m
}

func (m *Metrics) setStatus(ref broker.AccountRef, s Status) {
	if m == nil {
		return
	}
	for _, st := range Statuses {
		v := 0.0
		if st == s {
			v = 1
		}
		m.status.WithLabelValues(string(ref.Kind), ref.AccountID, ref.BrokerID, string(st)).Set(v)
	}
}

func (m *Metrics) failure(ref broker.AccountRef, kind FailureKind) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(string(ref.Kind), ref.AccountID, ref.BrokerID, string(kind)).Inc()
}

func (m *Metrics) transition(ref broker.AccountRef, from, to Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
	m.setStatus(ref, to)
}
