package durable

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultSchedulerPollInterval = time.Second
	defaultSchedulerBatchSize    = 100
)

var errAlreadyReleased = errors.New("durable scheduled envelope already released")

// SchedulerConfig configures the scheduled-jobs duty.
type SchedulerConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultSchedulerPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultSchedulerBatchSize
	}

	return c
}

// Scheduler releases due Scheduled envelopes. It runs only on the node holding
// the scheduled-jobs duty.
type Scheduler struct {
	store   MessageStore
	node    *nodeRef
	cfg     SchedulerConfig
	clock   Clock
	logger  Logger
	metrics Metrics

	wakeRelay    func()
	wakeRecovery func()
}

// Duty returns the scheduled-jobs duty.
func (s *Scheduler) Duty() Duty {
	return Duty{Name: DutyScheduledJobs, Run: s.run}
}

func (s *Scheduler) run(ctx context.Context, lease *Lease) error {
	for {
		n, err := s.ReleaseDue(ctx, lease)
		switch {
		case errors.Is(err, ErrLeaseLost):
			return err
		case err != nil && ctx.Err() == nil:
			s.logger.Warn("durable scheduler poll failed", "err", err)
		}
		if n >= s.cfg.BatchSize {
			continue
		}
		if err := sleep(ctx, s.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// ReleaseDue releases one batch of due envelopes and returns how many were released.
// It stops with ErrLeaseLost as soon as the lease is no longer held.
func (s *Scheduler) ReleaseDue(ctx context.Context, lease *Lease) (int, error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveBatchDuration("scheduler", time.Since(start))
	}()

	envs, err := s.store.LoadScheduled(ctx, s.clock.Now(), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("durable load scheduled: %w", err)
	}

	var (
		released           int
		toRelay, toRecover bool
	)
	defer func() {
		if toRelay && s.wakeRelay != nil {
			s.wakeRelay()
		}
		if toRecover && s.wakeRecovery != nil {
			s.wakeRecovery()
		}
	}()

	for _, env := range envs {
		if err := lease.Check(); err != nil {
			return released, err
		}

		if env.Header(HeaderScheduledSend) == "true" && !IsLocal(env.Destination) {
			err := s.releaseSend(ctx, env)
			if errors.Is(err, errAlreadyReleased) {
				continue
			}
			if err != nil {
				return released, err
			}
			toRelay = true
			released++

			continue
		}

		ok, err := s.store.ReleaseScheduled(ctx, env, AnyNode)
		if err != nil {
			return released, fmt.Errorf("durable release %s: %w", env.ID, err)
		}
		if ok {
			toRecover = true
			released++
		}
	}

	return released, nil
}

// releaseSend turns a scheduled send into an outgoing envelope in one transaction.
func (s *Scheduler) releaseSend(ctx context.Context, env *Envelope) error {
	me := s.node.Get()

	return s.store.InTx(ctx, func(ctx context.Context) error {
		ok, err := s.store.ReleaseScheduled(ctx, env, me)
		if err != nil {
			return fmt.Errorf("durable release %s: %w", env.ID, err)
		}
		if !ok {
			return errAlreadyReleased
		}

		out := env.Clone()
		delete(out.Headers, HeaderScheduledSend)
		out.Status = StatusOutgoing
		out.ScheduledTime = time.Time{}
		out.OwnerID = me
		if err := s.store.StoreOutgoing(ctx, out, me); err != nil {
			if errors.Is(err, ErrDuplicateEnvelope) {
				return errAlreadyReleased
			}

			return fmt.Errorf("durable store outgoing %s: %w", env.ID, err)
		}

		return s.store.MarkHandled(ctx, env)
	})
}
