package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/durable"
)

func TestMetricsRecordOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.AddReceived(3)
	m.AddHandled(2)
	m.AddDead(1)
	m.AddRetries(0)
	m.AddSendErrors(4)
	m.SetPending(7)
	m.SetDutyHeld(durable.DutyScheduledJobs, true)
	m.ObserveBatchDuration("relay", 20*time.Millisecond)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.envelopes.WithLabelValues("received")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.envelopes.WithLabelValues("handled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.envelopes.WithLabelValues("dead")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.sendErrors))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.pending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dutyHeld.WithLabelValues(durable.DutyScheduledJobs)))

	m.SetDutyHeld(durable.DutyScheduledJobs, false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.dutyHeld.WithLabelValues(durable.DutyScheduledJobs)))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "durable_batch_duration_seconds")
	assert.Contains(t, names, "durable_envelopes_total")
}

func TestNewPanicsOnDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	assert.Panics(t, func() { New(reg) })
}
