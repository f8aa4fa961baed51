// Package storetest is a conformance suite for durable.Store implementations.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/durable"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) durable.Store

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s durable.Store)
	}{
		{"IncomingDedupe", testIncomingDedupe},
		{"HandledStaysDeduped", testHandledStaysDeduped},
		{"ScheduleAndRelease", testScheduleAndRelease},
		{"ConcurrentRelease", testConcurrentRelease},
		{"ClaimIncoming", testClaimIncoming},
		{"LoadIncomingFilters", testLoadIncomingFilters},
		{"OutgoingFetchCommit", testOutgoingFetchCommit},
		{"OutgoingRetryAndDead", testOutgoingRetryAndDead},
		{"OutgoingRollback", testOutgoingRollback},
		{"OutgoingOrphans", testOutgoingOrphans},
		{"DeadLetterReplay", testDeadLetterReplay},
		{"OutgoingDeadLetterReplay", testOutgoingDeadLetterReplay},
		{"ReassignOwnership", testReassignOwnership},
		{"DeleteExpired", testDeleteExpired},
		{"TransactionRollback", testTransactionRollback},
		{"Nodes", testNodes},
		{"DutyExclusive", testDutyExclusive},
		{"ConcurrentClaimDuty", testConcurrentClaimDuty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func newEnvelope(t *testing.T, destination string) *durable.Envelope {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)

	return &durable.Envelope{
		ID:            id,
		MessageType:   "order.placed",
		Data:          []byte(`{"id":1}`),
		ContentType:   durable.ContentTypeJSON,
		Destination:   destination,
		CorrelationID: id.String(),
		Source:        "storetest",
		SentAt:        now(),
		Durable:       true,
		Headers:       map[string]string{"tenant": "a"},
	}
}

func incoming(t *testing.T, s durable.Store, env *durable.Envelope, owner int) {
	t.Helper()
	env.Status = durable.StatusIncoming
	env.OwnerID = owner
	require.NoError(t, s.StoreIncoming(context.Background(), env))
}

func loadIncoming(t *testing.T, s durable.Store, owner int) []*durable.Envelope {
	t.Helper()
	envs, err := s.LoadIncoming(context.Background(), durable.IncomingQuery{Owner: owner, Limit: 100})
	require.NoError(t, err)

	return envs
}

func ids(envs []*durable.Envelope) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.ID)
	}

	return out
}

func testIncomingDedupe(t *testing.T, s durable.Store) {
	ctx := context.Background()
	env := newEnvelope(t, "local://orders")
	incoming(t, s, env, 1)

	dup := env.Clone()
	err := s.StoreIncoming(ctx, dup)
	require.ErrorIs(t, err, durable.ErrDuplicateEnvelope)

	other := env.Clone()
	other.Destination = "local://billing"
	require.NoError(t, s.StoreIncoming(ctx, other))

	got := loadIncoming(t, s, 1)
	require.Len(t, got, 2)
	assert.Equal(t, env.ID, got[0].ID)
	assert.Equal(t, env.MessageType, got[0].MessageType)
	assert.Equal(t, env.Data, got[0].Data)
	assert.Equal(t, "a", got[0].Header("tenant"))
	assert.True(t, got[0].Durable)
}

func testHandledStaysDeduped(t *testing.T, s durable.Store) {
	ctx := context.Background()
	env := newEnvelope(t, "local://orders")
	incoming(t, s, env, 1)
	env.Attempts = 1
	require.NoError(t, s.MarkHandled(ctx, env))

	assert.Empty(t, loadIncoming(t, s, 1))
	require.ErrorIs(t, s.StoreIncoming(ctx, env.Clone()), durable.ErrDuplicateEnvelope)
}

func testScheduleAndRelease(t *testing.T, s durable.Store) {
	ctx := context.Background()
	at := now().Add(time.Minute)

	env := newEnvelope(t, "local://orders")
	incoming(t, s, env, 1)
	env.Attempts = 2
	require.NoError(t, s.ScheduleRetry(ctx, env, at))

	due, err := s.LoadScheduled(ctx, at.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.LoadScheduled(ctx, at, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, durable.StatusScheduled, due[0].Status)
	assert.Equal(t, durable.AnyNode, due[0].OwnerID)
	assert.Equal(t, 2, due[0].Attempts)

	ok, err := s.ReleaseScheduled(ctx, due[0], 7)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ReleaseScheduled(ctx, due[0], 8)
	require.NoError(t, err)
	assert.False(t, ok)

	got := loadIncoming(t, s, 7)
	require.Len(t, got, 1)
	assert.Equal(t, env.ID, got[0].ID)
}

func testConcurrentRelease(t *testing.T, s durable.Store) {
	ctx := context.Background()
	env := newEnvelope(t, "local://orders")
	env.Status = durable.StatusScheduled
	env.ScheduledTime = now().Add(-time.Second)
	require.NoError(t, s.StoreIncoming(ctx, env))

	var (
		wg       sync.WaitGroup
		released atomic.Int32
	)
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(node int) {
			defer wg.Done()
			ok, err := s.ReleaseScheduled(ctx, env, node)
			assert.NoError(t, err)
			if ok {
				released.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), released.Load())
}

func testClaimIncoming(t *testing.T, s durable.Store) {
	ctx := context.Background()
	env := newEnvelope(t, "local://orders")
	incoming(t, s, env, durable.AnyNode)

	ok, err := s.ClaimIncoming(ctx, env, 3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimIncoming(ctx, env, 4)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Len(t, loadIncoming(t, s, 3), 1)
	assert.Empty(t, loadIncoming(t, s, durable.AnyNode))
}

func testLoadIncomingFilters(t *testing.T, s durable.Store) {
	ctx := context.Background()
	a := newEnvelope(t, "local://orders")
	b := newEnvelope(t, "local://billing")
	c := newEnvelope(t, "local://orders")
	incoming(t, s, a, durable.AnyNode)
	incoming(t, s, b, durable.AnyNode)
	incoming(t, s, c, 2)

	got, err := s.LoadIncoming(ctx, durable.IncomingQuery{
		Owner:        durable.AnyNode,
		Destinations: []string{"local://orders"},
		Limit:        10,
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a.ID}, ids(got))

	got, err = s.LoadIncoming(ctx, durable.IncomingQuery{Owner: durable.AnyNode, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = s.LoadIncoming(ctx, durable.IncomingQuery{Owner: durable.AnyNode})
	require.ErrorIs(t, err, durable.ErrInvalidBatchSize)
}

func fetch(t *testing.T, s durable.Store, owner int, at time.Time) durable.OutgoingBatch {
	t.Helper()
	b, err := s.FetchOutgoing(context.Background(), durable.FetchOptions{
		Owner:          owner,
		IncludeOrphans: true,
		BatchSize:      10,
		Now:            at,
	})
	if errors.Is(err, durable.ErrNoEnvelopes) {
		return nil
	}
	require.NoError(t, err)

	return b
}

func testOutgoingFetchCommit(t *testing.T, s durable.Store) {
	ctx := context.Background()
	a := newEnvelope(t, "redis://orders")
	b := newEnvelope(t, "redis://orders")
	require.NoError(t, s.StoreOutgoing(ctx, a, 1))
	require.NoError(t, s.StoreOutgoing(ctx, b, 1))
	require.ErrorIs(t, s.StoreOutgoing(ctx, a.Clone(), 1), durable.ErrDuplicateEnvelope)

	assert.Nil(t, fetch(t, s, 2, now()))

	batch := fetch(t, s, 1, now())
	require.NotNil(t, batch)
	require.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, ids(batch.Envelopes()))
	require.NoError(t, batch.Delete(ctx, []uuid.UUID{a.ID}))
	require.NoError(t, batch.Commit())

	next := fetch(t, s, 1, now())
	require.NotNil(t, next)
	assert.Equal(t, []uuid.UUID{b.ID}, ids(next.Envelopes()))
	require.NoError(t, next.Rollback())
}

func testOutgoingRetryAndDead(t *testing.T, s durable.Store) {
	ctx := context.Background()
	a := newEnvelope(t, "redis://orders")
	b := newEnvelope(t, "redis://orders")
	require.NoError(t, s.StoreOutgoing(ctx, a, 1))
	require.NoError(t, s.StoreOutgoing(ctx, b, 1))

	retryAt := now().Add(time.Minute)
	batch := fetch(t, s, 1, now())
	require.NotNil(t, batch)
	require.NoError(t, batch.Retry(ctx, []durable.Failure{{ID: a.ID, Err: errors.New("broker down"), Attempts: 1, RetryAt: retryAt}}))
	require.NoError(t, batch.Dead(ctx, []durable.Failure{{ID: b.ID, Err: errors.New("rejected"), Attempts: 4}}))
	require.NoError(t, batch.Commit())

	assert.Nil(t, fetch(t, s, 1, now()))

	later := fetch(t, s, 1, retryAt)
	require.NotNil(t, later)
	require.Len(t, later.Envelopes(), 1)
	assert.Equal(t, a.ID, later.Envelopes()[0].ID)
	assert.Equal(t, 1, later.Envelopes()[0].Attempts)
	require.NoError(t, later.Rollback())

	dead, err := s.LoadDeadLetters(ctx, durable.DeadLetterQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, b.ID, dead[0].Envelope.ID)
	assert.Equal(t, "rejected", dead[0].ExceptionMessage)
	assert.Equal(t, 4, dead[0].Envelope.Attempts)
}

func testOutgoingRollback(t *testing.T, s durable.Store) {
	ctx := context.Background()
	env := newEnvelope(t, "redis://orders")
	require.NoError(t, s.StoreOutgoing(ctx, env, 1))

	batch := fetch(t, s, 1, now())
	require.NotNil(t, batch)
	require.NoError(t, batch.Delete(ctx, []uuid.UUID{env.ID}))
	require.NoError(t, batch.Rollback())

	again := fetch(t, s, 1, now())
	require.NotNil(t, again)
	assert.Equal(t, []uuid.UUID{env.ID}, ids(again.Envelopes()))
	require.NoError(t, again.Rollback())
}

func testOutgoingOrphans(t *testing.T, s durable.Store) {
	ctx := context.Background()
	env := newEnvelope(t, "redis://orders")
	require.NoError(t, s.StoreOutgoing(ctx, env, durable.AnyNode))

	b, err := s.FetchOutgoing(ctx, durable.FetchOptions{Owner: 5, BatchSize: 10, Now: now()})
	require.ErrorIs(t, err, durable.ErrNoEnvelopes)
	require.Nil(t, b)

	batch := fetch(t, s, 5, now())
	require.NotNil(t, batch)
	require.NoError(t, batch.Commit())

	moved, err := s.ReassignOwnership(ctx, 5, durable.AnyNode, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)
}

func testDeadLetterReplay(t *testing.T, s durable.Store) {
	ctx := context.Background()
	env := newEnvelope(t, "local://orders")
	incoming(t, s, env, 1)
	env.Attempts = 5
	require.NoError(t, s.MarkAsError(ctx, env, errors.New("boom")))

	assert.Empty(t, loadIncoming(t, s, 1))
	dead, err := s.LoadDeadLetters(ctx, durable.DeadLetterQuery{MessageType: "order.placed", Limit: 10})
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "boom", dead[0].ExceptionMessage)
	assert.NotEmpty(t, dead[0].ExceptionType)
	assert.True(t, dead[0].KeepUntil.After(dead[0].FailedAt))
	assert.False(t, dead[0].Outgoing)

	none, err := s.LoadDeadLetters(ctx, durable.DeadLetterQuery{MessageType: "other", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, s.ReplayDeadLetter(ctx, env.ID))
	got := loadIncoming(t, s, durable.AnyNode)
	require.Len(t, got, 1)
	assert.Equal(t, env.ID, got[0].ID)
	assert.Equal(t, 0, got[0].Attempts)

	require.ErrorIs(t, s.ReplayDeadLetter(ctx, env.ID), durable.ErrDeadLetterNotFound)
	require.ErrorIs(t, s.DeleteDeadLetter(ctx, uuid.New()), durable.ErrDeadLetterNotFound)
}

func testOutgoingDeadLetterReplay(t *testing.T, s durable.Store) {
	ctx := context.Background()
	env := newEnvelope(t, "redis://orders")
	require.NoError(t, s.StoreOutgoing(ctx, env, 1))

	batch := fetch(t, s, 1, now())
	require.NotNil(t, batch)
	require.NoError(t, batch.Dead(ctx, []durable.Failure{{ID: env.ID, Err: errors.New("rejected"), Attempts: 4}}))
	require.NoError(t, batch.Commit())

	dead, err := s.LoadDeadLetters(ctx, durable.DeadLetterQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.True(t, dead[0].Outgoing)

	require.NoError(t, s.ReplayDeadLetter(ctx, env.ID))
	assert.Empty(t, loadIncoming(t, s, durable.AnyNode), "a send failure must not land in the inbox")

	// Any node's relay adopts the replayed row.
	replayed := fetch(t, s, 7, now())
	require.NotNil(t, replayed)
	require.Len(t, replayed.Envelopes(), 1)
	got := replayed.Envelopes()[0]
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, env.Destination, got.Destination)
	require.NoError(t, replayed.Rollback())

	dead, err = s.LoadDeadLetters(ctx, durable.DeadLetterQuery{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func testReassignOwnership(t *testing.T, s durable.Store) {
	ctx := context.Background()
	a := newEnvelope(t, "local://orders")
	b := newEnvelope(t, "local://orders")
	incoming(t, s, a, 1)
	incoming(t, s, b, 1)
	out := newEnvelope(t, "redis://orders")
	require.NoError(t, s.StoreOutgoing(ctx, out, 1))

	moved, err := s.ReassignOwnership(ctx, 1, durable.AnyNode, []durable.Key{a.Key()})
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)
	assert.Equal(t, []uuid.UUID{a.ID}, ids(loadIncoming(t, s, durable.AnyNode)))

	moved, err = s.ReassignOwnership(ctx, 1, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved)
	assert.Equal(t, []uuid.UUID{b.ID}, ids(loadIncoming(t, s, 2)))
}

func testDeleteExpired(t *testing.T, s durable.Store) {
	ctx := context.Background()
	handled := newEnvelope(t, "local://orders")
	incoming(t, s, handled, 1)
	require.NoError(t, s.MarkHandled(ctx, handled))

	pending := newEnvelope(t, "local://orders")
	incoming(t, s, pending, 1)

	failed := newEnvelope(t, "local://orders")
	incoming(t, s, failed, 1)
	require.NoError(t, s.MarkAsError(ctx, failed, errors.New("boom")))

	stale := newEnvelope(t, "redis://orders")
	stale.DeliverBy = now().Add(time.Minute)
	require.NoError(t, s.StoreOutgoing(ctx, stale, 1))
	fresh := newEnvelope(t, "redis://orders")
	require.NoError(t, s.StoreOutgoing(ctx, fresh, 1))

	res, err := s.DeleteExpired(ctx, now().Add(365*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Incoming)
	assert.Equal(t, int64(1), res.Outgoing)
	assert.Equal(t, int64(1), res.DeadLetters)

	assert.Equal(t, []uuid.UUID{pending.ID}, ids(loadIncoming(t, s, 1)))
	require.NoError(t, s.StoreIncoming(ctx, handled.Clone()), "expired dedupe rows are gone")
}

func testTransactionRollback(t *testing.T, s durable.Store) {
	ctx := context.Background()
	env := newEnvelope(t, "redis://orders")
	in := newEnvelope(t, "local://orders")
	boom := errors.New("boom")

	err := s.InTx(ctx, func(ctx context.Context) error {
		if err := s.StoreOutgoing(ctx, env, 1); err != nil {
			return err
		}
		in.Status = durable.StatusIncoming
		if err := s.StoreIncoming(ctx, in); err != nil {
			return err
		}

		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Nil(t, fetch(t, s, 1, now()))
	assert.Empty(t, loadIncoming(t, s, durable.AnyNode))

	require.NoError(t, s.InTx(ctx, func(ctx context.Context) error {
		return s.StoreOutgoing(ctx, env, 1)
	}))
	batch := fetch(t, s, 1, now())
	require.NotNil(t, batch)
	require.NoError(t, batch.Rollback())
}

func testNodes(t *testing.T, s durable.Store) {
	ctx := context.Background()
	at := now()

	first, err := s.RegisterNode(ctx, durable.Node{ID: uuid.New(), ServiceName: "svc", StartedAt: at, HeartbeatAt: at})
	require.NoError(t, err)
	second, err := s.RegisterNode(ctx, durable.Node{ID: uuid.New(), ServiceName: "svc", StartedAt: at, HeartbeatAt: at})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.NotEqual(t, durable.AnyNode, first)

	require.NoError(t, s.Heartbeat(ctx, first, at.Add(time.Second)))
	ok, err := s.ClaimDuty(ctx, durable.DutyScheduledJobs, first, at, at.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	nodes, err := s.LoadNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, first, nodes[0].Number)
	assert.Equal(t, []string{durable.DutyScheduledJobs}, nodes[0].Duties)
	assert.True(t, nodes[0].HeartbeatAt.Equal(at.Add(time.Second)))

	require.NoError(t, s.DeleteNode(ctx, first))
	require.ErrorIs(t, s.Heartbeat(ctx, first, at), durable.ErrNodeNotFound)

	assignments, err := s.LoadAssignments(ctx)
	require.NoError(t, err)
	assert.Empty(t, assignments)
}

func testDutyExclusive(t *testing.T, s durable.Store) {
	ctx := context.Background()
	at := now()
	duty := durable.DutyNodeHealth

	ok, err := s.ClaimDuty(ctx, duty, 1, at, at.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ClaimDuty(ctx, duty, 2, at.Add(time.Second), at.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.RenewDuty(ctx, duty, 2, at.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.RenewDuty(ctx, duty, 1, at.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimDuty(ctx, duty, 2, at.Add(3*time.Minute), at.Add(4*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "expired lease must be claimable")

	ok, err = s.RenewDuty(ctx, duty, 1, at.Add(5*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseDuty(ctx, duty, 1))
	assignments, err := s.LoadAssignments(ctx)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, 2, assignments[0].NodeNumber)

	require.NoError(t, s.ReleaseDuties(ctx, 2))
	assignments, err = s.LoadAssignments(ctx)
	require.NoError(t, err)
	assert.Empty(t, assignments)
}

func testConcurrentClaimDuty(t *testing.T, s durable.Store) {
	ctx := context.Background()
	at := now()

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for node := 1; node <= 8; node++ {
		wg.Add(1)
		go func(node int) {
			defer wg.Done()
			ok, err := s.ClaimDuty(ctx, durable.DutyExpiredEnvelopes, node, at, at.Add(time.Minute))
			assert.NoError(t, err)
			if ok {
				winners.Add(1)
			}
		}(node)
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}
