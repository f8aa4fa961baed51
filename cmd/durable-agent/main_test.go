package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/durable"
	"github.com/velmie/durable/config"
	"github.com/velmie/durable/memory"
	"github.com/velmie/durable/prommetrics"
	"github.com/velmie/durable/redisstream"
)

func testConfig() config.Config {
	return config.Config{
		ServiceName:       "agent-test",
		Engine:            config.EngineMemory,
		HeartbeatInterval: time.Second,
		LeaseTTL:          3 * time.Second,
		NodeTimeout:       5 * time.Second,
		CleanupInterval:   time.Minute,
		ShutdownGrace:     time.Second,
		RelayBatchSize:    10,
		RelayPollInterval: 100 * time.Millisecond,
		RelayWorkers:      2,
		Redis:             redisstream.Defaults(),
	}
}

func TestRuntimeOptionsWithoutRouting(t *testing.T) {
	opts, err := runtimeOptions(testConfig(), durable.NopLogger{}, durable.NopMetrics{})
	require.NoError(t, err)

	rt, err := durable.New(memory.New(), opts...)
	require.NoError(t, err)
	assert.NotNil(t, rt.Router())
}

func TestRuntimeOptionsRegistersRedis(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
routes:
  - type: order.placed
    destination: redis://orders
publishes: [order.placed]
`), 0o600))

	cfg := testConfig()
	cfg.RoutingFile = path
	opts, err := runtimeOptions(cfg, durable.NopLogger{}, prommetrics.New(prometheus.NewRegistry()))
	require.NoError(t, err)

	var built durable.Config
	for _, opt := range opts {
		opt(&built)
	}
	require.Len(t, built.Transports, 1)
	assert.Equal(t, redisstream.Scheme, built.Transports[0].Scheme())
	assert.Equal(t, []string{"order.placed"}, built.Publishes)
	assert.Equal(t, 10, built.Relay.BatchSize)
}

func TestRuntimeOptionsRejectsBadRouting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routez: []\n"), 0o600))

	cfg := testConfig()
	cfg.RoutingFile = path
	_, err := runtimeOptions(cfg, durable.NopLogger{}, durable.NopMetrics{})
	require.ErrorIs(t, err, config.ErrInvalidRouting)
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	prommetrics.New(reg).AddSent(2)
	srv := httptest.NewServer(metricsHandler(reg))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
