package durable

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeValidate(t *testing.T) {
	var nilEnv *Envelope
	require.ErrorIs(t, nilEnv.Validate(), ErrNilEnvelope)

	env := newTestEnvelope(t, "local://orders")
	require.NoError(t, env.Validate())

	noID := env.Clone()
	noID.ID = uuid.Nil
	require.ErrorIs(t, noID.Validate(), ErrIDRequired)

	noType := env.Clone()
	noType.MessageType = ""
	require.ErrorIs(t, noType.Validate(), ErrMessageTypeRequired)

	noDest := env.Clone()
	noDest.Destination = ""
	require.ErrorIs(t, noDest.Validate(), ErrDestinationRequired)
}

func TestEnvelopeTiming(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	env := &Envelope{}

	assert.False(t, env.IsScheduledAfter(now))
	assert.False(t, env.IsExpired(now))

	env.ScheduledTime = now.Add(time.Second)
	assert.True(t, env.IsScheduledAfter(now))
	assert.False(t, env.IsScheduledAfter(now.Add(time.Second)))

	env.DeliverBy = now
	assert.True(t, env.IsExpired(now), "deadline is inclusive")
	assert.False(t, env.IsExpired(now.Add(-time.Nanosecond)))
}

func TestEnvelopeCloneIsDeep(t *testing.T) {
	env := newTestEnvelope(t, "local://orders")
	env.SetHeader("tenant", "a")

	clone := env.Clone()
	clone.Data[0] = 'X'
	clone.SetHeader("tenant", "b")

	assert.Equal(t, byte('{'), env.Data[0])
	assert.Equal(t, "a", env.Header("tenant"))
	assert.Equal(t, env.Key(), clone.Key())

	var nilEnv *Envelope
	assert.Nil(t, nilEnv.Clone())
}

func TestEnvelopeHeaders(t *testing.T) {
	env := &Envelope{}
	assert.Empty(t, env.Header("missing"))

	env.SetHeader("k", "v")
	assert.Equal(t, "v", env.Header("k"))
}

func TestStatus(t *testing.T) {
	tests := []struct {
		status   Status
		name     string
		terminal bool
	}{
		{StatusOutgoing, "outgoing", false},
		{StatusScheduled, "scheduled", false},
		{StatusIncoming, "incoming", false},
		{StatusHandled, "handled", true},
		{StatusMovedToErrorQueue, "moved-to-error-queue", true},
		{StatusDiscarded, "discarded", true},
		{Status(42), "unknown", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.name, tt.status.String())
		assert.Equal(t, tt.terminal, tt.status.Terminal(), tt.name)
	}
}
