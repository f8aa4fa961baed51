package durable

import (
	"math/rand/v2"
	"time"
)

const (
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 5 * time.Minute
)

// Backoff computes exponential delays: Base*2^(attempt-1), capped at Max, plus up to Jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = defaultBackoffBase
	}
	if b.Max <= 0 {
		b.Max = defaultBackoffMax
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}

	return b
}

// Delay returns the wait before the attempt following attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := b.Base
	for i := 1; i < attempt; i++ {
		if delay >= b.Max/2 {
			delay = b.Max

			break
		}
		delay *= 2
	}
	if delay > b.Max {
		delay = b.Max
	}
	if b.Jitter > 0 {
		delay += time.Duration(rand.Int64N(int64(b.Jitter)))
	}

	return delay
}
