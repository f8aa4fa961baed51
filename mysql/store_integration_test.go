//go:build integration

package mysql_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"github.com/velmie/durable"
	"github.com/velmie/durable/mysql"
	"github.com/velmie/durable/storetest"
)

// TestStoreIntegration shares one MySQL server between subtests; each subtest
// migrates its own table prefix.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := mysqlDB(t, ctx)

	var seq int
	fresh := func(t *testing.T) *mysql.Store {
		t.Helper()
		seq++
		store := mysql.MustNewStore(db, mysql.WithPrefix(fmt.Sprintf("it_%d", seq)))
		require.NoError(t, store.Migrate(ctx))

		return store
	}

	t.Run("conformance", func(t *testing.T) {
		storetest.Run(t, func(t *testing.T) durable.Store { return fresh(t) })
	})

	t.Run("fetch skips locked rows", func(t *testing.T) {
		store := fresh(t)
		for range 2 {
			require.NoError(t, store.StoreOutgoing(ctx, outgoingEnvelope(t), 1))
		}

		opts := durable.FetchOptions{Owner: 1, BatchSize: 1, Now: time.Now().UTC()}
		first, err := store.FetchOutgoing(ctx, opts)
		require.NoError(t, err)
		defer first.Rollback()
		second, err := store.FetchOutgoing(ctx, opts)
		require.NoError(t, err)
		defer second.Rollback()

		require.Len(t, first.Envelopes(), 1)
		require.Len(t, second.Envelopes(), 1)
		assert.NotEqual(t, first.Envelopes()[0].ID, second.Envelopes()[0].ID)
	})

	t.Run("outgoing joins the caller transaction", func(t *testing.T) {
		store := fresh(t)
		_, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS orders (id INT PRIMARY KEY)")
		require.NoError(t, err)

		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		_, err = tx.ExecContext(ctx, "INSERT INTO orders (id) VALUES (1)")
		require.NoError(t, err)
		require.NoError(t, store.StoreOutgoing(durable.WithTransaction(ctx, tx), outgoingEnvelope(t), 1))

		count, err := store.PendingCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, count, "uncommitted envelope must stay invisible")

		require.NoError(t, tx.Rollback())
		count, err = store.PendingCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("concurrent duty claims elect one node", func(t *testing.T) {
		store := fresh(t)
		now := time.Now().UTC()

		var winners atomic.Int32
		var g errgroup.Group
		for node := 1; node <= 8; node++ {
			g.Go(func() error {
				ok, err := store.ClaimDuty(ctx, durable.DutyScheduledJobs, node, now, now.Add(time.Minute))
				if ok {
					winners.Add(1)
				}

				return err
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int32(1), winners.Load())

		assignments, err := store.LoadAssignments(ctx)
		require.NoError(t, err)
		require.Len(t, assignments, 1)
	})

	t.Run("concurrent incoming claims", func(t *testing.T) {
		store := fresh(t)
		env := outgoingEnvelope(t)
		env.Destination = "local://orders"
		env.Status = durable.StatusIncoming
		env.OwnerID = durable.AnyNode
		require.NoError(t, store.StoreIncoming(ctx, env))

		var winners atomic.Int32
		var g errgroup.Group
		for node := 1; node <= 4; node++ {
			g.Go(func() error {
				ok, err := store.ClaimIncoming(ctx, env.Clone(), node)
				if ok {
					winners.Add(1)
				}

				return err
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int32(1), winners.Load())
	})
}

func outgoingEnvelope(t *testing.T) *durable.Envelope {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)

	return &durable.Envelope{
		ID:          id,
		MessageType: "order.placed",
		Data:        []byte(`{"order_id":1}`),
		ContentType: durable.ContentTypeJSON,
		Destination: "redis://orders",
		SentAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
}

// mysqlDB starts a disposable MySQL server and returns a pool bound to it.
// The test is skipped when no container runtime is reachable.
func mysqlDB(t *testing.T, ctx context.Context) *sql.DB {
	t.Helper()
	const port = nat.Port("3306/tcp")
	dsn := func(host string, p nat.Port) string {
		return fmt.Sprintf("root:secret@tcp(%s:%s)/durable?parseTime=true", host, p.Port())
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mysql:8.0.36",
			ExposedPorts: []string{string(port)},
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD": "secret",
				"MYSQL_DATABASE":      "durable",
			},
			WaitingFor: wait.ForSQL(port, "mysql", dsn).WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("mysql container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, port)
	require.NoError(t, err)

	db, err := sql.Open("mysql", dsn(host, mapped))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}
