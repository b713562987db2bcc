package replication

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rustyeddy/copytrader/journal"
)

// Metrics counts copy outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "copytrader_copy_outcomes_total",
			Help: "Copy execution records by broker and outcome.",
		}, []string{"broker", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "copytrader_replication_seconds",
			Help:    "Time to replicate one master fill to every subscriber.",
			Buckets: prometheus.DefBuckets,
		}, []string{"broker"}),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes, m.duration)
	}
	return m
}

func (m *Metrics) outcome(brokerID string, o journal.Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(brokerID, string(o)).Inc()
}

func (m *Metrics) observe(brokerID string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(brokerID).Observe(d.Seconds())
}
