package durable

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

type sequenceClock struct {
	mu    sync.Mutex
	times []time.Time
	idx   int
}

func (c *sequenceClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.times) == 0 {
		return time.Time{}
	}
	if c.idx >= len(c.times) {
		return c.times[len(c.times)-1]
	}
	t := c.times[c.idx]
	c.idx++

	return t
}

// fakeTransport records sent envelopes. send decides the outcome of each send.
type fakeTransport struct {
	scheme string
	send   func(ctx context.Context, env *Envelope) error

	mu   sync.Mutex
	sent []*Envelope
}

func (t *fakeTransport) Scheme() string { return t.scheme }

func (t *fakeTransport) Init(context.Context) error { return nil }

func (t *fakeTransport) Send(ctx context.Context, env *Envelope) error {
	if t.send != nil {
		if err := t.send(ctx, env); err != nil {
			return err
		}
	}
	t.mu.Lock()
	t.sent = append(t.sent, env)
	t.mu.Unlock()

	return nil
}

func (t *fakeTransport) Receive(context.Context, string, ReceiveFunc) (Listener, error) {
	return nil, ErrUnknownTransport
}

func (t *fakeTransport) Drain(context.Context) error { return nil }

func (t *fakeTransport) Sent() []*Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]*Envelope(nil), t.sent...)
}

type captureMetrics struct {
	NopMetrics
	sent, sendErrors, retries, dead, discarded atomic.Int64
	handled, received, duplicates              atomic.Int64
	pending, pendingCalls                      atomic.Int64
}

func (m *captureMetrics) AddSent(n int)       { m.sent.Add(int64(n)) }
func (m *captureMetrics) AddSendErrors(n int) { m.sendErrors.Add(int64(n)) }
func (m *captureMetrics) AddRetries(n int)    { m.retries.Add(int64(n)) }
func (m *captureMetrics) AddDead(n int)       { m.dead.Add(int64(n)) }
func (m *captureMetrics) AddDiscarded(n int)  { m.discarded.Add(int64(n)) }
func (m *captureMetrics) AddHandled(n int)    { m.handled.Add(int64(n)) }
func (m *captureMetrics) AddReceived(n int)   { m.received.Add(int64(n)) }
func (m *captureMetrics) AddDuplicates(n int) { m.duplicates.Add(int64(n)) }

func (m *captureMetrics) SetPending(count int) {
	m.pending.Store(int64(count))
	m.pendingCalls.Add(1)
}

func newTestEnvelope(t *testing.T, destination string) *Envelope {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)

	return &Envelope{
		ID:          id,
		MessageType: "order.placed",
		Data:        []byte(`{"id":1}`),
		ContentType: ContentTypeJSON,
		Destination: destination,
		SentAt:      time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Durable:     true,
	}
}
