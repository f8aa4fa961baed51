package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/durable"
)

const routingYAML = `
routes:
  - type: order.placed
    destination: redis://orders
conventions:
  - prefix: billing.
    destination: local://billing
  - queue_per_type: local
default_endpoint:
  durable: true
endpoints:
  redis://orders:
    durable: true
    workers: 4
listen: [redis://orders]
publishes: [order.placed]
policy:
  max_attempts: 5
  backoff:
    base: 2s
    max: 1m
  rules:
    - error: transport
      action: retry-after
      delay: 5s
      up_to: 3
    - error: out-of-stock
      action: discard
  any:
    action: move-to-error-queue
`

var errOutOfStock = errors.New("out of stock")

func TestParseRouting(t *testing.T) {
	r, err := ParseRouting([]byte(routingYAML))
	require.NoError(t, err)

	require.Len(t, r.Routes, 1)
	assert.Equal(t, "redis://orders", r.Routes[0].Destination)
	assert.Equal(t, 4, r.Endpoints["redis://orders"].Workers)
	require.NotNil(t, r.Policy)
	assert.Equal(t, 5*time.Second, r.Policy.Rules[0].Delay)
	assert.Equal(t, 2*time.Second, r.Policy.Backoff.Base)
}

func TestParseRoutingRejectsUnknownKeys(t *testing.T) {
	_, err := ParseRouting([]byte("routes:\n  - type: a\n    target: local://a\n"))
	require.ErrorIs(t, err, ErrInvalidRouting)
}

func TestRuntimeOptions(t *testing.T) {
	r, err := ParseRouting([]byte(routingYAML))
	require.NoError(t, err)

	opts, err := r.RuntimeOptions(map[string]ErrorRule{"out-of-stock": Sentinel(errOutOfStock)})
	require.NoError(t, err)

	var cfg durable.Config
	for _, opt := range opts {
		opt(&cfg)
	}
	assert.Equal(t, []durable.Route{{MessageType: "order.placed", Destination: "redis://orders"}}, cfg.Routes)
	assert.Len(t, cfg.Conventions, 2)
	assert.True(t, cfg.DefaultEndpoint.Durable)
	assert.Equal(t, durable.EndpointOptions{Durable: true, Workers: 4}, cfg.Endpoints["redis://orders"])
	assert.Equal(t, []string{"redis://orders"}, cfg.Listen)
	require.NotNil(t, cfg.Policy)

	env := &durable.Envelope{Attempts: 1}
	now := time.Now()

	d := cfg.Policy.Decide(env, &durable.TransportError{Destination: "redis://orders", Err: errors.New("eof")}, now)
	assert.Equal(t, durable.ActionRetryAfter, d.Action)
	assert.Equal(t, now.Add(5*time.Second), d.At)

	d = cfg.Policy.Decide(env, fmt.Errorf("reserve: %w", errOutOfStock), now)
	assert.Equal(t, durable.ActionDiscard, d.Action)

	d = cfg.Policy.Decide(env, errors.New("boom"), now)
	assert.Equal(t, durable.ActionMoveToErrorQueue, d.Action)
}

func TestPolicyUnknownError(t *testing.T) {
	spec := &PolicySpec{Rules: []RuleSpec{{Error: "nope", ContinuationSpec: ContinuationSpec{Action: "discard"}}}}

	_, err := spec.Build(nil)
	require.ErrorIs(t, err, ErrInvalidRouting)
}

func TestPolicyUnknownAction(t *testing.T) {
	spec := &PolicySpec{Any: &ContinuationSpec{Action: "explode"}}

	_, err := spec.Build(nil)
	require.ErrorIs(t, err, ErrInvalidRouting)
}

func TestConventionNeedsShape(t *testing.T) {
	r := &Routing{Conventions: []ConventionSpec{{Prefix: "a."}}}

	_, err := r.RuntimeOptions(nil)
	require.ErrorIs(t, err, ErrInvalidRouting)
}

func TestLoadRoutingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(routingYAML), 0o600))

	r, err := LoadRouting(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"order.placed"}, r.Publishes)

	_, err = LoadRouting(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestRoutingUses(t *testing.T) {
	r, err := ParseRouting([]byte(routingYAML))
	require.NoError(t, err)
	assert.True(t, r.Uses("redis"))
	assert.True(t, r.Uses("local"))
	assert.False(t, r.Uses("kafka"))

	assert.False(t, (&Routing{}).Uses("redis"))
	assert.True(t, (&Routing{Conventions: []ConventionSpec{{QueuePerType: "redis"}}}).Uses("redis"))
}
