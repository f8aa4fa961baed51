package mysql

import (
	"time"

	"github.com/velmie/durable"
)

const (
	defaultPrefix          = "durable"
	defaultKeepHandled     = 5 * time.Minute
	defaultKeepDeadLetters = 10 * 24 * time.Hour
	defaultClaimRetries    = 3
)

// Config defines MySQL store behavior.
type Config struct {
	// Prefix names the tables: <prefix>_incoming, <prefix>_outgoing and so on.
	Prefix string
	// KeepHandled is how long finished incoming rows stay for deduplication.
	KeepHandled time.Duration
	// KeepDeadLetters is how long dead letters are retained.
	KeepDeadLetters time.Duration
	Clock           durable.Clock
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.KeepHandled <= 0 {
		c.KeepHandled = defaultKeepHandled
	}
	if c.KeepDeadLetters <= 0 {
		c.KeepDeadLetters = defaultKeepDeadLetters
	}
	if c.Clock == nil {
		c.Clock = durable.SystemClock{}
	}

	return c
}

// Option configures the MySQL store.
type Option func(*Config)

// WithPrefix sets the table name prefix. Use schema.prefix for a non-default schema.
func WithPrefix(prefix string) Option {
	return func(c *Config) {
		c.Prefix = prefix
	}
}

// WithKeepHandled sets the dedupe retention of finished incoming rows.
func WithKeepHandled(d time.Duration) Option {
	return func(c *Config) {
		c.KeepHandled = d
	}
}

// WithKeepDeadLetters sets the dead letter retention.
func WithKeepDeadLetters(d time.Duration) Option {
	return func(c *Config) {
		c.KeepDeadLetters = d
	}
}

// WithClock sets the time source used by the store.
func WithClock(clock durable.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}
