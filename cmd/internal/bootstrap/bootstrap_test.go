package bootstrap

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/durable/config"
)

func TestMySQLDSNEnablesParseTime(t *testing.T) {
	dsn, err := mysqlDSN("root:secret@tcp(db:3306)/durable")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")

	_, err = mysqlDSN("not a dsn")
	require.Error(t, err)
}

func TestOpenMemory(t *testing.T) {
	store, err := Open(context.Background(), config.Config{Engine: config.EngineMemory})
	require.NoError(t, err)
	defer store.Close()

	assert.Nil(t, store.MySQL)
	require.NoError(t, Migrate(context.Background(), store.Store))
}

func TestOpenUnknownEngine(t *testing.T) {
	_, err := Open(context.Background(), config.Config{Engine: "sqlite"})
	require.ErrorIs(t, err, config.ErrUnknownEngine)
}

func TestLoggerLevel(t *testing.T) {
	entry := Logger(config.Config{ServiceName: "svc", LogLevel: "debug"}, "ctl")
	assert.Equal(t, logrus.DebugLevel, entry.Logger.GetLevel())
	assert.Equal(t, "ctl", entry.Data["component"])

	entry = Logger(config.Config{LogLevel: "loud"}, "ctl")
	assert.Equal(t, logrus.InfoLevel, entry.Logger.GetLevel())
}
