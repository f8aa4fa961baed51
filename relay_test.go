package durable

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var relayNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type staticOutbox struct {
	batch OutgoingBatch
	err   error
}

func (o staticOutbox) StoreOutgoing(context.Context, *Envelope, int) error { return nil }

func (o staticOutbox) FetchOutgoing(context.Context, FetchOptions) (OutgoingBatch, error) {
	return o.batch, o.err
}

type captureOutbox struct {
	staticOutbox
	opts FetchOptions
}

func (o *captureOutbox) FetchOutgoing(_ context.Context, opts FetchOptions) (OutgoingBatch, error) {
	o.opts = opts

	return nil, ErrNoEnvelopes
}

type pendingOutbox struct {
	staticOutbox
	count int
	calls int
}

func (o *pendingOutbox) PendingCount(context.Context) (int, error) {
	o.calls++

	return o.count, nil
}

type fakeBatch struct {
	envs      []*Envelope
	deleted   []uuid.UUID
	retried   []Failure
	dead      []Failure
	committed bool
	rolled    bool
	deleteErr error
	retryErr  error
	deadErr   error
	commitErr error
}

func (b *fakeBatch) Envelopes() []*Envelope { return b.envs }

func (b *fakeBatch) Delete(_ context.Context, ids []uuid.UUID) error {
	b.deleted = append(b.deleted, ids...)

	return b.deleteErr
}

func (b *fakeBatch) Retry(_ context.Context, failures []Failure) error {
	b.retried = append(b.retried, failures...)

	return b.retryErr
}

func (b *fakeBatch) Dead(_ context.Context, failures []Failure) error {
	b.dead = append(b.dead, failures...)

	return b.deadErr
}

func (b *fakeBatch) Commit() error {
	b.committed = true

	return b.commitErr
}

func (b *fakeBatch) Rollback() error {
	b.rolled = true

	return nil
}

func newTestRelay(outbox Outbox, tr *fakeTransport, policy *Policy, metrics Metrics) *Relay {
	return NewRelay(outbox, NewTransports(tr), policy, RelayConfig{
		Clock:   fixedClock{now: relayNow},
		Metrics: metrics,
	})
}

func failing(target uuid.UUID, err error) func(context.Context, *Envelope) error {
	return func(_ context.Context, env *Envelope) error {
		if env.ID == target {
			return err
		}

		return nil
	}
}

func TestRelayProcessOnce(t *testing.T) {
	envs := []*Envelope{
		newTestEnvelope(t, "test://a"),
		newTestEnvelope(t, "test://b"),
		newTestEnvelope(t, "test://c"),
	}
	batch := &fakeBatch{envs: envs}
	tr := &fakeTransport{scheme: "test", send: failing(envs[1].ID, errors.New("broker said no"))}
	metrics := &captureMetrics{}

	ok, err := newTestRelay(staticOutbox{batch: batch}, tr, nil, metrics).ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ElementsMatch(t, []uuid.UUID{envs[0].ID, envs[2].ID}, batch.deleted)
	require.Len(t, batch.retried, 1)
	assert.Equal(t, envs[1].ID, batch.retried[0].ID)
	assert.Equal(t, 1, batch.retried[0].Attempts)
	assert.Equal(t, relayNow, batch.retried[0].RetryAt)
	assert.True(t, batch.committed)
	assert.False(t, batch.rolled)

	assert.EqualValues(t, 2, metrics.sent.Load())
	assert.EqualValues(t, 1, metrics.sendErrors.Load())
	assert.EqualValues(t, 1, metrics.retries.Load())
}

func TestRelayTransientFailureBacksOff(t *testing.T) {
	env := newTestEnvelope(t, "test://a")
	batch := &fakeBatch{envs: []*Envelope{env}}
	tr := &fakeTransport{scheme: "test", send: failing(env.ID, &TransportError{
		Destination: env.Destination,
		Transient:   true,
		Err:         errors.New("connection refused"),
	})}

	policy := NewPolicy(WithBackoff(Backoff{Base: 2 * time.Second})).MustBuild()
	_, err := newTestRelay(staticOutbox{batch: batch}, tr, policy, nil).ProcessOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, batch.retried, 1)
	assert.Equal(t, relayNow.Add(2*time.Second), batch.retried[0].RetryAt)
	assert.Empty(t, batch.deleted)
}

func TestRelayPolicyOutcomes(t *testing.T) {
	errFatal := errors.New("rejected")

	tests := []struct {
		name        string
		policy      *Policy
		wantDead    int
		wantDeleted int
	}{
		{name: "error queue", policy: NewPolicy().OnAny(MoveToErrorQueue()).MustBuild(), wantDead: 1},
		{name: "discard", policy: NewPolicy().OnError(errFatal, Discard()).MustBuild(), wantDeleted: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnvelope(t, "test://a")
			batch := &fakeBatch{envs: []*Envelope{env}}
			tr := &fakeTransport{scheme: "test", send: failing(env.ID, errFatal)}

			_, err := newTestRelay(staticOutbox{batch: batch}, tr, tt.policy, nil).ProcessOnce(context.Background())
			require.NoError(t, err)
			assert.Len(t, batch.dead, tt.wantDead)
			assert.Len(t, batch.deleted, tt.wantDeleted)
			assert.Empty(t, batch.retried)
			assert.True(t, batch.committed)
		})
	}
}

func TestRelayDropsExpiredWithoutSending(t *testing.T) {
	env := newTestEnvelope(t, "test://a")
	env.DeliverBy = relayNow.Add(-time.Second)
	batch := &fakeBatch{envs: []*Envelope{env}}
	tr := &fakeTransport{scheme: "test"}
	metrics := &captureMetrics{}

	_, err := newTestRelay(staticOutbox{batch: batch}, tr, nil, metrics).ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tr.Sent())
	assert.Equal(t, []uuid.UUID{env.ID}, batch.deleted)
	assert.EqualValues(t, 1, metrics.discarded.Load())
}

func TestRelayUnknownTransportIsRetried(t *testing.T) {
	env := newTestEnvelope(t, "kafka://orders")
	batch := &fakeBatch{envs: []*Envelope{env}}

	_, err := newTestRelay(staticOutbox{batch: batch}, &fakeTransport{scheme: "test"}, nil, nil).
		ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.retried, 1)
	assert.ErrorIs(t, batch.retried[0].Err, ErrUnknownTransport)
}

func TestRelayStoreErrorsRollBack(t *testing.T) {
	storeErr := errors.New("lock wait timeout")

	tests := []struct {
		name  string
		batch func(env *Envelope) *fakeBatch
		send  error
	}{
		{name: "delete", batch: func(env *Envelope) *fakeBatch {
			return &fakeBatch{envs: []*Envelope{env}, deleteErr: storeErr}
		}},
		{name: "retry", send: errors.New("boom"), batch: func(env *Envelope) *fakeBatch {
			return &fakeBatch{envs: []*Envelope{env}, retryErr: storeErr}
		}},
		{name: "commit", batch: func(env *Envelope) *fakeBatch {
			return &fakeBatch{envs: []*Envelope{env}, commitErr: storeErr}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnvelope(t, "test://a")
			batch := tt.batch(env)
			tr := &fakeTransport{scheme: "test"}
			if tt.send != nil {
				tr.send = failing(env.ID, tt.send)
			}

			_, err := newTestRelay(staticOutbox{batch: batch}, tr, nil, nil).ProcessOnce(context.Background())
			require.ErrorIs(t, err, storeErr)
			assert.True(t, batch.rolled)
		})
	}
}

func TestRelayDeadLetterErrorRollsBack(t *testing.T) {
	env := newTestEnvelope(t, "test://a")
	deadErr := errors.New("dead letter insert failed")
	batch := &fakeBatch{envs: []*Envelope{env}, deadErr: deadErr}
	tr := &fakeTransport{scheme: "test", send: failing(env.ID, errors.New("boom"))}
	policy := NewPolicy().OnAny(MoveToErrorQueue()).MustBuild()

	_, err := newTestRelay(staticOutbox{batch: batch}, tr, policy, nil).ProcessOnce(context.Background())
	require.ErrorIs(t, err, deadErr)
	assert.True(t, batch.rolled)
	assert.False(t, batch.committed)
}

func TestRelayContextCanceledRollsBack(t *testing.T) {
	env := newTestEnvelope(t, "test://a")
	batch := &fakeBatch{envs: []*Envelope{env}}
	tr := &fakeTransport{scheme: "test", send: func(ctx context.Context, _ *Envelope) error {
		return ctx.Err()
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newTestRelay(staticOutbox{}, tr, nil, nil).processBatch(ctx, batch)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, batch.rolled)
	assert.False(t, batch.committed)
	assert.Empty(t, batch.deleted)
	assert.Empty(t, batch.retried)
}

func TestRelaySendTimeoutApplied(t *testing.T) {
	env := newTestEnvelope(t, "test://a")
	deadlines := make(chan time.Time, 1)
	tr := &fakeTransport{scheme: "test", send: func(ctx context.Context, _ *Envelope) error {
		deadline, _ := ctx.Deadline()
		deadlines <- deadline

		return nil
	}}
	relay := NewRelay(staticOutbox{batch: &fakeBatch{envs: []*Envelope{env}}}, NewTransports(tr), nil,
		RelayConfig{SendTimeout: 50 * time.Millisecond})

	_, err := relay.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, (<-deadlines).IsZero())
}

func TestRelayEmptyAndNilBatch(t *testing.T) {
	relay := newTestRelay(staticOutbox{}, &fakeTransport{scheme: "test"}, nil, nil)

	batch := &fakeBatch{}
	require.ErrorIs(t, relay.processBatch(context.Background(), batch), ErrEmptyBatch)
	assert.True(t, batch.rolled)

	require.ErrorIs(t, relay.processBatch(context.Background(), nil), ErrNilBatch)
}

func TestRelayProcessOnceNoEnvelopes(t *testing.T) {
	ok, err := newTestRelay(staticOutbox{err: ErrNoEnvelopes}, &fakeTransport{scheme: "test"}, nil, nil).
		ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRelayFetchOptions(t *testing.T) {
	outbox := &captureOutbox{}
	relay := newTestRelay(outbox, &fakeTransport{scheme: "test"}, nil, nil)
	relay.node.set(7)

	_, err := relay.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FetchOptions{Owner: 7, IncludeOrphans: true, BatchSize: defaultRelayBatchSize, Now: relayNow}, outbox.opts)
}

func TestRelayRunContextCancel(t *testing.T) {
	relay := newTestRelay(staticOutbox{err: ErrNoEnvelopes}, &fakeTransport{scheme: "test"}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, relay.Run(ctx))
}

type flakyOutbox struct {
	staticOutbox
	calls  atomic.Int32
	cancel context.CancelFunc
}

func (o *flakyOutbox) FetchOutgoing(context.Context, FetchOptions) (OutgoingBatch, error) {
	if o.calls.Add(1) >= 3 {
		o.cancel()
	}

	return nil, Unavailable(errors.New("connection reset"))
}

func TestRelayRunSurvivesStoreOutage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	outbox := &flakyOutbox{cancel: cancel}
	relay := NewRelay(outbox, NewTransports(&fakeTransport{scheme: "test"}), nil,
		RelayConfig{PollInterval: time.Millisecond})

	require.NoError(t, relay.Run(ctx))
	assert.GreaterOrEqual(t, outbox.calls.Load(), int32(3))
}

func TestRelayRunStopsOnFetchError(t *testing.T) {
	boom := errors.New("boom")
	relay := NewRelay(staticOutbox{err: boom}, NewTransports(&fakeTransport{scheme: "test"}), nil,
		RelayConfig{Workers: 2})

	require.ErrorIs(t, relay.Run(context.Background()), boom)
}

func TestRelayNotifyWakesIdleWorker(t *testing.T) {
	relay := NewRelay(staticOutbox{err: ErrNoEnvelopes}, NewTransports(&fakeTransport{scheme: "test"}), nil,
		RelayConfig{PollInterval: time.Hour})
	relay.Notify()
	relay.Notify()

	done := make(chan error, 1)
	go func() { done <- relay.idle(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("idle did not return after Notify")
	}
}

func TestRelayPendingCountDisabledByDefault(t *testing.T) {
	outbox := &pendingOutbox{count: 10}
	metrics := &captureMetrics{}
	relay := newTestRelay(outbox, &fakeTransport{scheme: "test"}, nil, metrics)

	relay.maybeRecordPending(context.Background())

	assert.Zero(t, outbox.calls)
	assert.Zero(t, metrics.pendingCalls.Load())
}

func TestRelayPendingCountSampled(t *testing.T) {
	clock := &sequenceClock{times: []time.Time{relayNow, relayNow, relayNow.Add(time.Second)}}
	outbox := &pendingOutbox{count: 42}
	metrics := &captureMetrics{}
	relay := NewRelay(outbox, NewTransports(&fakeTransport{scheme: "test"}), nil, RelayConfig{
		Clock:           clock,
		Metrics:         metrics,
		PendingInterval: time.Second,
	})

	relay.maybeRecordPending(context.Background())
	relay.maybeRecordPending(context.Background())
	relay.maybeRecordPending(context.Background())

	assert.Equal(t, 2, outbox.calls)
	assert.EqualValues(t, 2, metrics.pendingCalls.Load())
	assert.EqualValues(t, 42, metrics.pending.Load())
}
