package settle

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes settlement queue counters. A nil *Metrics is a no-op, so
// callers can leave observability off in tests.
type Metrics struct {
	enqueued prometheus.Counter
	attempts *prometheus.CounterVec
	depth    prometheus.Gauge
}

// NewMetrics registers the queue metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "x402_settlement_jobs_enqueued_total",
			Help: "Settlement jobs accepted by the queue.",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "x402_settlement_attempts_total",
			Help: "Settlement attempts by outcome.",
		}, []string{"outcome"}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "x402_settlement_queue_depth",
			Help: "Jobs currently pending or running.",
		}),
	}
	reg.MustRegister(m.enqueued, m.attempts, m.depth)
	return m
}

func (m *Metrics) jobEnqueued() {
	if m != nil {
		m.enqueued.Inc()
	}
}

func (m *Metrics) attempt(outcome string) {
	if m != nil {
		m.attempts.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) setDepth(depth int) {
	if m != nil {
		m.depth.Set(float64(depth))
	}
}
