package durable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultRelayBatchSize    = 50
	defaultRelayPollInterval = 500 * time.Millisecond
	defaultRelayWorkers      = 1
	defaultSendTimeout       = 30 * time.Second
)

// RelayConfig defines how the Relay polls and sends outgoing envelopes.
type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	Workers      int
	SendTimeout  time.Duration
	// PendingInterval enables backlog sampling when positive.
	PendingInterval time.Duration
	Clock           Clock
	Logger          Logger
	Metrics         Metrics
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultRelayBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultRelayPollInterval
	}
	if c.Workers <= 0 {
		c.Workers = defaultRelayWorkers
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}

	return c
}

// Relay drains the outbox: it fetches due outgoing envelopes owned by this node
// or orphaned, sends them and records the outcome.
type Relay struct {
	outbox     Outbox
	transports *Transports
	cfg        RelayConfig
	policy     *atomic.Pointer[Policy]
	node       *nodeRef
	wake       chan struct{}

	pendingMu sync.Mutex
	pendingAt time.Time
}

type sendOutcome struct {
	sent    []uuid.UUID
	dropped []uuid.UUID
	retry   []Failure
	dead    []Failure
}

// NewRelay constructs a Relay that sends through transports and applies policy to failures.
func NewRelay(outbox Outbox, transports *Transports, policy *Policy, cfg RelayConfig) *Relay {
	if outbox == nil {
		panic("durable: nil Outbox")
	}
	if transports == nil {
		panic("durable: nil Transports")
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	ref := &atomic.Pointer[Policy]{}
	ref.Store(policy)

	return newRelay(outbox, transports, ref, &nodeRef{}, cfg)
}

func newRelay(outbox Outbox, transports *Transports, policy *atomic.Pointer[Policy], node *nodeRef, cfg RelayConfig) *Relay {
	return &Relay{
		outbox:     outbox,
		transports: transports,
		cfg:        cfg.withDefaults(),
		policy:     policy,
		node:       node,
		wake:       make(chan struct{}, 1),
	}
}

// Notify wakes one idle worker.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run starts the polling loop with the configured number of workers.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, r.cfg.Workers)
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		workerID := i
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					err := fmt.Errorf("%w: %v", ErrWorkerPanic, rec)
					r.cfg.Logger.Error("durable relay worker panic", "worker", workerID, "panic", rec)
					errCh <- err
					cancel()
				}
			}()

			if err := r.runWorker(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.cfg.Logger.Error("durable relay worker error", "worker", workerID, "err", err)
				errCh <- err
				cancel()
			}
		}()
	}

	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		return err
	}

	return nil
}

// ProcessOnce fetches and sends a single batch. It reports whether a batch was found.
func (r *Relay) ProcessOnce(ctx context.Context) (bool, error) {
	batch, err := r.fetchBatch(ctx)
	if err != nil {
		if errors.Is(err, ErrNoEnvelopes) {
			r.maybeRecordPending(ctx)

			return false, nil
		}

		return false, err
	}

	if err := r.processBatch(ctx, batch); err != nil {
		return false, err
	}

	return true, nil
}

func (r *Relay) runWorker(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		found, err := r.ProcessOnce(ctx)
		switch {
		case err == nil && found:
			continue
		case errors.Is(err, ErrPersistenceUnavailable):
			r.cfg.Logger.Warn("durable relay store unavailable", "err", err)
		case err != nil:
			return err
		}

		if err := r.idle(ctx); err != nil {
			return err
		}
	}
}

func (r *Relay) idle(ctx context.Context) error {
	timer := time.NewTimer(r.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.wake:
		return nil
	case <-timer.C:
		return nil
	}
}

func (r *Relay) fetchBatch(ctx context.Context) (OutgoingBatch, error) {
	return r.outbox.FetchOutgoing(ctx, FetchOptions{
		Owner:          r.node.Get(),
		IncludeOrphans: true,
		BatchSize:      r.cfg.BatchSize,
		Now:            r.cfg.Clock.Now(),
	})
}

func (r *Relay) processBatch(ctx context.Context, batch OutgoingBatch) error {
	start := time.Now()
	defer func() {
		r.cfg.Metrics.ObserveBatchDuration("relay", time.Since(start))
	}()

	if batch == nil {
		return ErrNilBatch
	}

	envs := batch.Envelopes()
	if len(envs) == 0 {
		rollbackErr := batch.Rollback()

		return errors.Join(ErrEmptyBatch, rollbackErr)
	}

	outcome, err := r.sendAll(ctx, envs)
	if err != nil {
		return r.rollbackWith(batch, err)
	}

	return r.applyOutcome(ctx, batch, outcome)
}

func (r *Relay) sendAll(ctx context.Context, envs []*Envelope) (sendOutcome, error) {
	outcome := sendOutcome{sent: make([]uuid.UUID, 0, len(envs))}
	policy := r.policy.Load()

	for _, env := range envs {
		now := r.cfg.Clock.Now()
		if env.IsExpired(now) {
			r.cfg.Logger.Debug("durable expired envelope dropped", "envelope", env.ID, "destination", env.Destination)
			outcome.dropped = append(outcome.dropped, env.ID)

			continue
		}

		err := r.send(ctx, env)
		if err == nil {
			outcome.sent = append(outcome.sent, env.ID)

			continue
		}
		if ctx.Err() != nil {
			return outcome, ctx.Err()
		}

		r.cfg.Metrics.AddSendErrors(1)
		env.Attempts++
		decision := policy.Decide(env, err, now)
		r.cfg.Logger.Warn("durable send failed",
			"envelope", env.ID,
			"destination", env.Destination,
			"attempt", env.Attempts,
			"action", decision.Action.String(),
			"err", err,
		)

		switch {
		case decision.Action.Retries():
			at := decision.At
			if at.IsZero() {
				at = now
			}
			outcome.retry = append(outcome.retry, Failure{ID: env.ID, Err: err, Attempts: env.Attempts, RetryAt: at})
		case decision.Action == ActionDiscard:
			outcome.dropped = append(outcome.dropped, env.ID)
		default:
			outcome.dead = append(outcome.dead, Failure{ID: env.ID, Err: err, Attempts: env.Attempts})
		}
	}

	return outcome, nil
}

func (r *Relay) send(ctx context.Context, env *Envelope) error {
	tr, err := r.transports.For(env.Destination)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()

	return tr.Send(sendCtx, env)
}

func (r *Relay) applyOutcome(ctx context.Context, batch OutgoingBatch, outcome sendOutcome) error {
	if done := append(outcome.sent, outcome.dropped...); len(done) > 0 {
		if err := batch.Delete(ctx, done); err != nil {
			return r.rollbackWith(batch, fmt.Errorf("durable relay delete failed: %w", err))
		}
	}
	if len(outcome.retry) > 0 {
		if err := batch.Retry(ctx, outcome.retry); err != nil {
			return r.rollbackWith(batch, fmt.Errorf("durable relay retry update failed: %w", err))
		}
	}
	if len(outcome.dead) > 0 {
		if err := batch.Dead(ctx, outcome.dead); err != nil {
			return r.rollbackWith(batch, fmt.Errorf("durable relay dead-letter update failed: %w", err))
		}
	}

	if err := batch.Commit(); err != nil {
		return r.rollbackWith(batch, fmt.Errorf("durable relay commit failed: %w", err))
	}

	r.cfg.Metrics.AddSent(len(outcome.sent))
	r.cfg.Metrics.AddDiscarded(len(outcome.dropped))
	r.cfg.Metrics.AddRetries(len(outcome.retry))
	r.cfg.Metrics.AddDead(len(outcome.dead))

	return nil
}

func (r *Relay) rollbackWith(batch OutgoingBatch, err error) error {
	rollbackErr := batch.Rollback()
	if rollbackErr == nil {
		return err
	}

	return errors.Join(err, fmt.Errorf("durable relay rollback failed: %w", rollbackErr))
}

func (r *Relay) maybeRecordPending(ctx context.Context) {
	counter, ok := r.outbox.(PendingCounter)
	if !ok {
		return
	}
	if r.cfg.PendingInterval <= 0 {
		return
	}
	if ctx.Err() != nil {
		return
	}

	now := r.cfg.Clock.Now()
	r.pendingMu.Lock()
	nextAllowed := r.pendingAt.Add(r.cfg.PendingInterval)
	if !r.pendingAt.IsZero() && now.Before(nextAllowed) {
		r.pendingMu.Unlock()

		return
	}
	r.pendingAt = now
	r.pendingMu.Unlock()

	count, err := counter.PendingCount(ctx)
	if err != nil {
		r.cfg.Logger.Warn("durable pending count failed", "err", err)

		return
	}

	r.cfg.Metrics.SetPending(count)
}
