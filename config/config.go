// Package config loads process configuration from the environment and routing
// and error policy from YAML files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/velmie/durable/redisstream"
)

// Storage engines.
const (
	EngineMySQL    = "mysql"
	EnginePostgres = "postgres"
	EngineMemory   = "memory"
)

var (
	// ErrUnknownEngine is returned for an unsupported storage engine.
	ErrUnknownEngine = errors.New("durable config: unknown engine")
	// ErrDSNRequired is returned when a database engine has no DSN.
	ErrDSNRequired = errors.New("durable config: dsn is required")
)

// Config is the process configuration of durable binaries.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"durable"`
	Engine      string `env:"ENGINE" envDefault:"mysql"`
	DSN         string `env:"DSN"`
	TablePrefix string `env:"TABLE_PREFIX" envDefault:"durable"`
	RoutingFile string `env:"ROUTING_FILE"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	KeepHandled     time.Duration `env:"KEEP_HANDLED" envDefault:"5m"`
	KeepDeadLetters time.Duration `env:"KEEP_DEAD_LETTERS" envDefault:"240h"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	LeaseTTL          time.Duration `env:"LEASE_TTL" envDefault:"30s"`
	NodeTimeout       time.Duration `env:"NODE_TIMEOUT" envDefault:"1m"`
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL" envDefault:"10m"`
	ShutdownGrace     time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`

	RelayBatchSize     int           `env:"RELAY_BATCH_SIZE" envDefault:"100"`
	RelayPollInterval  time.Duration `env:"RELAY_POLL_INTERVAL" envDefault:"1s"`
	RelayWorkers       int           `env:"RELAY_WORKERS" envDefault:"4"`
	SchedulerBatchSize int           `env:"SCHEDULER_BATCH_SIZE" envDefault:"100"`

	Redis redisstream.Config `envPrefix:"REDIS_"`
}

// Load is Parse followed by Validate.
func Load(files ...string) (Config, error) {
	cfg, err := Parse(files...)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Parse reads optional dotenv files, then parses variables prefixed with DURABLE_.
// Without files, a ".env" in the working directory is used when present.
// Variables already set in the environment win over dotenv values.
func Parse(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && (len(files) > 0 || !errors.Is(err, fs.ErrNotExist)) {
		return Config{}, fmt.Errorf("durable config: load dotenv: %w", err)
	}

	cfg := Config{Redis: redisstream.Defaults()}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "DURABLE_"}); err != nil {
		return Config{}, fmt.Errorf("durable config: parse env: %w", err)
	}

	return cfg, nil
}

// Validate checks the storage settings.
func (c Config) Validate() error {
	switch c.Engine {
	case EngineMySQL, EnginePostgres:
		if c.DSN == "" {
			return fmt.Errorf("%w for engine %s", ErrDSNRequired, c.Engine)
		}
	case EngineMemory:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEngine, c.Engine)
	}

	return nil
}
