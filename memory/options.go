package memory

import (
	"time"

	"github.com/velmie/durable"
)

const (
	defaultKeepHandled     = 5 * time.Minute
	defaultKeepDeadLetters = 10 * 24 * time.Hour
)

// Config defines in-memory store behavior.
type Config struct {
	// KeepHandled is how long handled and discarded incoming rows stay for dedupe.
	KeepHandled time.Duration
	// KeepDeadLetters is how long dead letters are retained.
	KeepDeadLetters time.Duration
	Clock           durable.Clock
}

func (c Config) withDefaults() Config {
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

// Option configures the in-memory store.
type Option func(*Config)

// WithKeepHandled sets the dedupe retention of handled rows.
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
