package redisstream

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

var (
	// ErrAddrRequired is returned when no Redis address is configured.
	ErrAddrRequired = errors.New("durable redis: addr is required")
	// ErrGroupRequired is returned when no consumer group is configured.
	ErrGroupRequired = errors.New("durable redis: group is required")
	// ErrConsumerRequired is returned when no consumer name is configured.
	ErrConsumerRequired = errors.New("durable redis: consumer is required")
	// ErrInvalidConfig is returned for non-positive sizes or intervals.
	ErrInvalidConfig = errors.New("durable redis: invalid config")
)

// Config for the Redis Streams transport.
type Config struct {
	// Connection
	Addr          string `env:"ADDR"`
	Username      string `env:"USERNAME"`
	Password      string `env:"PASSWORD"`
	DB            int    `env:"DB"`
	TLS           bool   `env:"TLS"`
	TLSServerName string `env:"TLS_SERVER_NAME"`

	// Consumer group
	Group       string        `env:"GROUP"`
	Consumer    string        `env:"CONSUMER"`
	Concurrency int           `env:"CONCURRENCY"`
	BatchSize   int           `env:"BATCH_SIZE"`
	Block       time.Duration `env:"BLOCK"`

	// MaxLenApprox trims streams with MAXLEN ~ when positive.
	MaxLenApprox int64 `env:"MAX_LEN_APPROX"`

	// Pending entry recovery
	ClaimMinIdle  time.Duration `env:"CLAIM_MIN_IDLE"`
	ClaimBatch    int           `env:"CLAIM_BATCH"`
	ClaimInterval time.Duration `env:"CLAIM_INTERVAL"`
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "durable"
	}

	return Config{
		Addr:          "127.0.0.1:6379",
		Group:         "durable",
		Consumer:      fmt.Sprintf("durable-%s-%d", hostname, os.Getpid()),
		Concurrency:   8,
		BatchSize:     64,
		Block:         5 * time.Second,
		ClaimMinIdle:  time.Minute,
		ClaimBatch:    64,
		ClaimInterval: 15 * time.Second,
	}
}

// FromEnv reads the config from environment variables named prefix+tag,
// on top of Defaults.
func FromEnv(prefix string) (Config, error) {
	cfg := Defaults()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: prefix}); err != nil {
		return Config{}, fmt.Errorf("durable redis: parse env: %w", err)
	}

	return cfg, nil
}

// Validate checks the config before the transport connects.
func (c Config) Validate() error {
	if c.Addr == "" {
		return ErrAddrRequired
	}
	if c.Group == "" {
		return ErrGroupRequired
	}
	if c.Consumer == "" {
		return ErrConsumerRequired
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be >= 1, got %d", ErrInvalidConfig, c.Concurrency)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be >= 1, got %d", ErrInvalidConfig, c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("%w: block must be > 0, got %v", ErrInvalidConfig, c.Block)
	}
	if c.ClaimMinIdle < 0 || c.ClaimInterval < 0 || c.ClaimBatch < 0 {
		return fmt.Errorf("%w: claim settings must not be negative", ErrInvalidConfig)
	}

	return nil
}

func (c Config) claimEnabled() bool {
	return c.ClaimMinIdle > 0 && c.ClaimInterval > 0 && c.ClaimBatch > 0
}
