package durable_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/durable"
	"github.com/velmie/durable/memory"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// blockingDuty runs until its context is cancelled and counts its starts.
type blockingDuty struct {
	name   string
	starts atomic.Int32
}

func (d *blockingDuty) Duty() durable.Duty {
	return durable.Duty{
		Name: d.name,
		Run: func(ctx context.Context, lease *durable.Lease) error {
			d.starts.Add(1)
			<-ctx.Done()

			return ctx.Err()
		},
	}
}

func newAgent(t *testing.T, store durable.Store, clock durable.Clock, duties ...durable.Duty) *durable.NodeAgent {
	t.Helper()
	agent := durable.NewNodeAgent(store, durable.NodeAgentConfig{
		ServiceName:       "orders",
		HeartbeatInterval: time.Second,
		LeaseTTL:          30 * time.Second,
		Clock:             clock,
	}, duties...)
	require.NoError(t, agent.Register(context.Background()))
	t.Cleanup(func() { _ = agent.Stop(context.Background()) })

	return agent
}

func TestNodeAgentElectsSingleHolder(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := newManualClock()
	duty := &blockingDuty{name: durable.DutyScheduledJobs}

	first := newAgent(t, store, clock, duty.Duty())
	second := newAgent(t, store, clock, duty.Duty())
	assert.NotEqual(t, first.Number(), second.Number())

	require.NoError(t, first.Tick(ctx))
	require.NoError(t, second.Tick(ctx))
	assert.True(t, first.Held(durable.DutyScheduledJobs))
	assert.False(t, second.Held(durable.DutyScheduledJobs))
	require.Eventually(t, func() bool { return duty.starts.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, first.Tick(ctx))
	assert.Equal(t, int32(1), duty.starts.Load(), "renewal must not restart the duty")

	require.NoError(t, first.Stop(ctx))
	require.NoError(t, second.Tick(ctx))
	assert.True(t, second.Held(durable.DutyScheduledJobs))
	require.Eventually(t, func() bool { return duty.starts.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestNodeAgentExpiredLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := newManualClock()
	duty := &blockingDuty{name: durable.DutyNodeHealth}

	first := newAgent(t, store, clock, duty.Duty())
	second := newAgent(t, store, clock, duty.Duty())

	require.NoError(t, first.Tick(ctx))
	require.True(t, first.Held(durable.DutyNodeHealth))

	clock.Advance(31 * time.Second)
	assert.False(t, first.Held(durable.DutyNodeHealth), "lease is invalid past its expiry")

	require.NoError(t, second.Tick(ctx))
	assert.True(t, second.Held(durable.DutyNodeHealth))

	require.NoError(t, first.Tick(ctx))
	assert.False(t, first.Held(durable.DutyNodeHealth))

	assignments, err := store.LoadAssignments(ctx)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, second.Number(), assignments[0].NodeNumber)
}

func TestNodeAgentReRegistersAfterEviction(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	agent := newAgent(t, store, newManualClock())

	before := agent.Number()
	require.NoError(t, store.DeleteNode(ctx, before))

	require.NoError(t, agent.Tick(ctx))
	assert.NotEqual(t, before, agent.Number())

	nodes, err := store.LoadNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, agent.Number(), nodes[0].Number)
	assert.Equal(t, "orders", nodes[0].ServiceName)
}

func TestNodeAgentStopReleasesOwnership(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	duty := &blockingDuty{name: durable.DutyExpiredEnvelopes}
	agent := newAgent(t, store, newManualClock(), duty.Duty())
	require.NoError(t, agent.Tick(ctx))

	env := &durable.Envelope{
		ID:          uuid.New(),
		MessageType: "order.placed",
		Destination: "redis://orders",
		Data:        []byte(`{}`),
	}
	require.NoError(t, store.StoreOutgoing(ctx, env, agent.Number()))

	require.NoError(t, agent.Stop(ctx))
	assert.False(t, agent.Held(durable.DutyExpiredEnvelopes))

	out := store.Outgoing()
	require.Len(t, out, 1)
	assert.Equal(t, durable.AnyNode, out[0].OwnerID)

	nodes, err := store.LoadNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)

	assignments, err := store.LoadAssignments(ctx)
	require.NoError(t, err)
	assert.Empty(t, assignments)
}

func TestNodeAgentRunStopsDutiesOnCancel(t *testing.T) {
	store := memory.New()
	duty := &blockingDuty{name: durable.DutyScheduledJobs}
	agent := newAgent(t, store, durable.SystemClock{}, duty.Duty())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	require.Eventually(t, func() bool { return agent.Held(durable.DutyScheduledJobs) }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
	assert.False(t, agent.Held(durable.DutyScheduledJobs))
}
