package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rustyeddy/copytrader/broker"
)

// Metrics counts unit cycles. A nil *Metrics is a no-op.
type Metrics struct {
	cycles   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "copytrader_unit_cycles_total",
			Help: "Execution unit cycles by result.",
		}, []string{"kind", "broker", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "copytrader_unit_cycle_seconds",
			Help:    "Execution unit cycle duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "broker"}),
	}
	reg.MustRegister(m.cycles, m.duration)
	return m
}

func (m *Metrics) cycle(ref broker.AccountRef, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(string(ref.Kind), ref.BrokerID, result).Inc()
	m.duration.WithLabelValues(string(ref.Kind), ref.BrokerID).Observe(d.Seconds())
}
