package durable

import "time"

// Metrics captures runtime telemetry.
type Metrics interface {
	// ObserveBatchDuration records the time to process a relay or scheduler batch.
	ObserveBatchDuration(agent string, duration time.Duration)
	// AddReceived counts envelopes accepted by a receiver.
	AddReceived(count int)
	// AddHandled counts envelopes handled successfully.
	AddHandled(count int)
	// AddDuplicates counts envelopes dropped by inbox dedupe.
	AddDuplicates(count int)
	// AddRetries counts retry decisions.
	AddRetries(count int)
	// AddDead counts envelopes moved to the error queue.
	AddDead(count int)
	// AddDiscarded counts envelopes dropped by policy or expiration.
	AddDiscarded(count int)
	// AddSent counts envelopes transmitted by senders.
	AddSent(count int)
	// AddSendErrors counts failed send attempts.
	AddSendErrors(count int)
	// SetDutyHeld reports whether this node holds the named duty.
	SetDutyHeld(duty string, held bool)
	// SetPending updates the current outgoing backlog.
	SetPending(count int)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// ObserveBatchDuration implements Metrics.
func (NopMetrics) ObserveBatchDuration(string, time.Duration) {}

// AddReceived implements Metrics.
func (NopMetrics) AddReceived(int) {}

// AddHandled implements Metrics.
func (NopMetrics) AddHandled(int) {}

// AddDuplicates implements Metrics.
func (NopMetrics) AddDuplicates(int) {}

// AddRetries implements Metrics.
func (NopMetrics) AddRetries(int) {}

// AddDead implements Metrics.
func (NopMetrics) AddDead(int) {}

// AddDiscarded implements Metrics.
func (NopMetrics) AddDiscarded(int) {}

// AddSent implements Metrics.
func (NopMetrics) AddSent(int) {}

// AddSendErrors implements Metrics.
func (NopMetrics) AddSendErrors(int) {}

// SetDutyHeld implements Metrics.
func (NopMetrics) SetDutyHeld(string, bool) {}

// SetPending implements Metrics.
func (NopMetrics) SetPending(int) {}
