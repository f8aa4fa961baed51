//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/velmie/durable"
	"github.com/velmie/durable/postgres"
	"github.com/velmie/durable/storetest"
)

func TestStoreConformanceIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	pool := startPostgresContainer(t, ctx)

	var n int
	storetest.Run(t, func(t *testing.T) durable.Store {
		n++
		store := postgres.MustNewStore(pool, postgres.WithPrefix(fmt.Sprintf("conformance_%d", n)))
		require.NoError(t, store.Migrate(ctx))

		return store
	})
}

func TestStoreSkipLockedIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	pool := startPostgresContainer(t, ctx)

	store := postgres.MustNewStore(pool)
	require.NoError(t, store.Migrate(ctx))

	for i := 0; i < 2; i++ {
		require.NoError(t, store.StoreOutgoing(ctx, newEnvelope(t), 1))
	}

	opts := durable.FetchOptions{Owner: 1, BatchSize: 1, Now: time.Now().UTC()}
	batch1, err := store.FetchOutgoing(ctx, opts)
	require.NoError(t, err)
	batch2, err := store.FetchOutgoing(ctx, opts)
	require.NoError(t, err)

	require.NotEqual(t, batch1.Envelopes()[0].ID, batch2.Envelopes()[0].ID)

	require.NoError(t, batch1.Rollback())
	require.NoError(t, batch2.Rollback())
}

func TestStoreAmbientTransactionIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	pool := startPostgresContainer(t, ctx)

	store := postgres.MustNewStore(pool)
	require.NoError(t, store.Migrate(ctx))
	_, err := pool.Exec(ctx, "CREATE TABLE orders (id INT PRIMARY KEY)")
	require.NoError(t, err)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, "INSERT INTO orders (id) VALUES (1)")
	require.NoError(t, err)

	env := newEnvelope(t)
	txCtx := durable.WithTransaction(ctx, tx)
	require.NoError(t, store.StoreOutgoing(txCtx, env, 1))
	require.ErrorIs(t, store.StoreOutgoing(txCtx, env, 1), durable.ErrDuplicateEnvelope)

	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count, "uncommitted envelope must stay invisible")

	require.NoError(t, tx.Commit(ctx))
	count, err = store.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count, "duplicate insert must not abort the caller transaction")
}

func newEnvelope(t *testing.T) *durable.Envelope {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)

	return &durable.Envelope{
		ID:          id,
		MessageType: "order.placed",
		Data:        []byte(`{"id":1}`),
		ContentType: durable.ContentTypeJSON,
		Destination: "redis://orders",
		SentAt:      time.Now().UTC().Truncate(time.Microsecond),
	}
}

func startPostgresContainer(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "durable",
			"POSTGRES_PASSWORD": "secret",
			"POSTGRES_DB":       "durable",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, fmt.Sprintf("postgres://durable:secret@%s:%s/durable?sslmode=disable", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}
