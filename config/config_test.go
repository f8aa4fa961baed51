package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DURABLE_ENGINE", "postgres")
	t.Setenv("DURABLE_DSN", "postgres://localhost/durable")
	t.Setenv("DURABLE_LEASE_TTL", "45s")
	t.Setenv("DURABLE_REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnginePostgres, cfg.Engine)
	assert.Equal(t, "durable", cfg.TablePrefix)
	assert.Equal(t, 45*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 5*time.Minute, cfg.KeepHandled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "durable", cfg.Redis.Group, "redis defaults survive parsing")
	assert.Equal(t, 8, cfg.Redis.Concurrency)
}

func TestLoadDotenvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "durable.env")
	require.NoError(t, os.WriteFile(path, []byte("DURABLE_ENGINE=memory\nDURABLE_SERVICE_NAME=billing\n"), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv("DURABLE_ENGINE")
		_ = os.Unsetenv("DURABLE_SERVICE_NAME")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, EngineMemory, cfg.Engine)
	assert.Equal(t, "billing", cfg.ServiceName)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.ErrorIs(t, Config{Engine: EngineMySQL}.Validate(), ErrDSNRequired)
	require.ErrorIs(t, Config{Engine: "sqlite"}.Validate(), ErrUnknownEngine)
	require.NoError(t, Config{Engine: EngineMemory}.Validate())
}

func TestParseSkipsValidation(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DURABLE_ENGINE", "mysql")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Empty(t, cfg.DSN)

	_, err = Load()
	require.ErrorIs(t, err, ErrDSNRequired)
}
