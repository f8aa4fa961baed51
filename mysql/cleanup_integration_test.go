//go:build integration

package mysql_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velmie/durable"
	"github.com/velmie/durable/mysql"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

func TestCleanupMaintainerIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	store := mysql.MustNewStore(mysqlDB(t, ctx), mysql.WithKeepHandled(time.Minute))
	require.NoError(t, store.Migrate(ctx))

	handled := outgoingEnvelope(t)
	handled.Destination = "local://orders"
	handled.Status = durable.StatusIncoming
	require.NoError(t, store.StoreIncoming(ctx, handled))
	require.NoError(t, store.MarkHandled(ctx, handled))

	dead := outgoingEnvelope(t)
	dead.Destination = "local://orders"
	dead.Status = durable.StatusIncoming
	require.NoError(t, store.StoreIncoming(ctx, dead))
	require.NoError(t, store.MarkAsError(ctx, dead, errors.New("boom")))

	stale := outgoingEnvelope(t)
	stale.DeliverBy = time.Now().UTC().Add(time.Minute)
	require.NoError(t, store.StoreOutgoing(ctx, stale, 1))

	maintainer, err := mysql.NewCleanupMaintainer(store, mysql.CleanupMaintainerConfig{
		Clock: fixedClock{now: time.Now().UTC().Add(time.Hour)},
	})
	require.NoError(t, err)

	res, err := maintainer.Ensure(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, res.Incoming)
	require.EqualValues(t, 1, res.Outgoing)
	require.Zero(t, res.DeadLetters, "dead letters outlive handled rows")

	res, err = maintainer.Ensure(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Total())
}
