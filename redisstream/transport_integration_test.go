//go:build integration

package redisstream_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/velmie/durable"
	"github.com/velmie/durable/redisstream"
)

func TestSendReceiveAckIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	cfg := redisstream.Defaults()
	cfg.Addr = startRedisContainer(t, ctx)
	cfg.Block = 200 * time.Millisecond

	tr, err := redisstream.New(cfg)
	require.NoError(t, err)
	require.NoError(t, tr.Init(ctx))
	t.Cleanup(func() { _ = tr.Drain(ctx) })

	received := make(chan *durable.Envelope, 1)
	l, err := tr.Receive(ctx, "redis://orders", func(ctx context.Context, d durable.Delivery) {
		received <- d.Envelope()
		assert.NoError(t, d.Ack(ctx))
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, l.Stop(ctx)) }()

	env := newEnvelope(t, "redis://orders")
	require.NoError(t, tr.Send(ctx, env))

	select {
	case got := <-received:
		assert.Equal(t, env.ID, got.ID)
		assert.Equal(t, env.Data, got.Data)
		assert.Equal(t, "redis://orders", got.Destination)
		assert.Equal(t, "a", got.Header("tenant"))
	case <-time.After(5 * time.Second):
		t.Fatal("envelope not received")
	}
}

func TestNackedEntryIsClaimedAgainIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	cfg := redisstream.Defaults()
	cfg.Addr = startRedisContainer(t, ctx)
	cfg.Block = 100 * time.Millisecond
	cfg.ClaimMinIdle = 200 * time.Millisecond
	cfg.ClaimInterval = 100 * time.Millisecond

	tr, err := redisstream.New(cfg)
	require.NoError(t, err)
	require.NoError(t, tr.Init(ctx))
	t.Cleanup(func() { _ = tr.Drain(ctx) })

	var calls atomic.Int32
	acked := make(chan uuid.UUID, 1)
	_, err = tr.Receive(ctx, "redis://payments", func(ctx context.Context, d durable.Delivery) {
		if calls.Add(1) == 1 {
			assert.NoError(t, d.Nack(ctx, errors.New("store down")))

			return
		}
		assert.NoError(t, d.Ack(ctx))
		acked <- d.Envelope().ID
	})
	require.NoError(t, err)

	env := newEnvelope(t, "redis://payments")
	require.NoError(t, tr.Send(ctx, env))

	select {
	case id := <-acked:
		assert.Equal(t, env.ID, id)
		assert.GreaterOrEqual(t, calls.Load(), int32(2))
	case <-time.After(10 * time.Second):
		t.Fatal("nacked envelope was not redelivered")
	}
}

func newEnvelope(t *testing.T, destination string) *durable.Envelope {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)

	return &durable.Envelope{
		ID:          id,
		MessageType: "order.placed",
		Data:        []byte(`{"id":1}`),
		ContentType: durable.ContentTypeJSON,
		Destination: destination,
		SentAt:      time.Now().UTC(),
		Headers:     map[string]string{"tenant": "a"},
	}
}

func startRedisContainer(t *testing.T, ctx context.Context) string {
	t.Helper()
	port := nat.Port("6379/tcp")
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{string(port)},
			WaitingFor:   wait.ForListeningPort(port).WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("start redis container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, port)
	require.NoError(t, err)

	return fmt.Sprintf("%s:%s", host, mapped.Port())
}
