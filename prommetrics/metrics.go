// Package prommetrics records durable runtime telemetry with Prometheus.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/velmie/durable"
)

const namespace = "durable"

// Metrics implements durable.Metrics.
type Metrics struct {
	envelopes     *prometheus.CounterVec
	sendErrors    prometheus.Counter
	batchDuration *prometheus.HistogramVec
	dutyHeld      *prometheus.GaugeVec
	pending       prometheus.Gauge
}

var _ durable.Metrics = (*Metrics)(nil)

// New registers the collectors with reg. A nil reg uses the default registerer.
// Registering twice with the same registerer panics.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		envelopes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_total",
			Help:      "Total number of envelopes by processing outcome.",
		}, []string{"outcome"}),
		sendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Total number of failed send attempts.",
		}),
		batchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Duration of relay and scheduler batches.",
			Buckets: []float64{
				0.001, 0.005,
				0.01, 0.05,
				0.1, 0.5,
				1, 5, 10,
			},
		}, []string{"agent"}),
		dutyHeld: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "duty_held",
			Help:      "Whether this node holds the duty (1/0).",
		}, []string{"duty"}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outgoing_pending",
			Help:      "Current number of outgoing envelopes.",
		}),
	}
}

// ObserveBatchDuration implements durable.Metrics.
func (m *Metrics) ObserveBatchDuration(agent string, duration time.Duration) {
	m.batchDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// AddReceived implements durable.Metrics.
func (m *Metrics) AddReceived(count int) {
	m.add("received", count)
}

// AddHandled implements durable.Metrics.
func (m *Metrics) AddHandled(count int) {
	m.add("handled", count)
}

// AddDuplicates implements durable.Metrics.
func (m *Metrics) AddDuplicates(count int) {
	m.add("duplicate", count)
}

// AddRetries implements durable.Metrics.
func (m *Metrics) AddRetries(count int) {
	m.add("retried", count)
}

// AddDead implements durable.Metrics.
func (m *Metrics) AddDead(count int) {
	m.add("dead", count)
}

// AddDiscarded implements durable.Metrics.
func (m *Metrics) AddDiscarded(count int) {
	m.add("discarded", count)
}

// AddSent implements durable.Metrics.
func (m *Metrics) AddSent(count int) {
	m.add("sent", count)
}

// AddSendErrors implements durable.Metrics.
func (m *Metrics) AddSendErrors(count int) {
	if count > 0 {
		m.sendErrors.Add(float64(count))
	}
}

// SetDutyHeld implements durable.Metrics.
func (m *Metrics) SetDutyHeld(duty string, held bool) {
	v := 0.0
	if held {
		v = 1
	}
	m.dutyHeld.WithLabelValues(duty).Set(v)
}

// SetPending implements durable.Metrics.
func (m *Metrics) SetPending(count int) {
	m.pending.Set(float64(count))
}

func (m *Metrics) add(outcome string, count int) {
	if count > 0 {
		m.envelopes.WithLabelValues(outcome).Add(float64(count))
	}
}
