package queue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the queue's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	enqueuedTotal     prometheus.Counter
	executionsTotal   *prometheus.CounterVec
	deadLetteredTotal prometheus.Counter
	passDuration      prometheus.Histogram
	pending           *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline_queue_enqueued_total",
			Help: "Operations appended to an offline queue.",
		}),
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offline_queue_executions_total",
			Help: "Executor calls made while replaying queued operations.",
		}, []string{"result"}),
		deadLetteredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline_queue_dead_lettered_total",
			Help: "Operations moved to the dead-letter list after exceeding the attempt limit.",
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "offline_queue_pass_duration_seconds",
			Help:    "Duration of queue replay passes.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "offline_queue_pending",
			Help: "Operations waiting in the offline queue.",
		}, []string{"store"}),
	}
	if reg != nil {
		reg.MustRegister(m.enqueuedTotal, m.executionsTotal, m.deadLetteredTotal, m.passDuration, m.pending)
	}
	return m
}

func (m *Metrics) enqueued() {
	if m == nil {
		return
	}
	m.enqueuedTotal.Inc()
}

func (m *Metrics) executed(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.executionsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) deadLettered(n int) {
	if m == nil || n == 0 {
		return
	}
	m.deadLetteredTotal.Add(float64(n))
}

func (m *Metrics) observePass(d time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.Observe(d.Seconds())
}

func (m *Metrics) setPending(storeID string, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(storeID).Set(float64(n))
}
