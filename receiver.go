package durable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Receiver runs received envelopes through the pipeline and records their disposition.
type Receiver struct {
	store      MessageStore
	pipeline   Pipeline
	encode     func(env *Envelope) error
	policy     *atomic.Pointer[Policy]
	dispatcher *dispatcher
	node       *nodeRef
	clock      Clock
	logger     Logger
	metrics    Metrics
	// requeued is called after an envelope was handed back to AnyNode.
	requeued func()

	mu       sync.Mutex
	inflight map[Key]int
}

// Receive handles one delivery. On a durable endpoint the envelope is stored in the
// inbox before the pipeline runs and the delivery is acknowledged only after the
// disposition is recorded. Any persistence failure nacks the delivery.
func (r *Receiver) Receive(ctx context.Context, d Delivery, durable bool) error {
	env := d.Envelope()
	if err := env.Validate(); err != nil {
		r.logger.Error("durable invalid envelope dropped", "err", err)

		return errors.Join(err, d.Ack(ctx))
	}
	r.metrics.AddReceived(1)

	now := r.clock.Now()
	if env.IsExpired(now) {
		r.metrics.AddDiscarded(1)
		r.logger.Debug("durable expired envelope dropped", "envelope", env.ID, "deliver_by", env.DeliverBy)

		return d.Ack(ctx)
	}
	if env.IsScheduledAfter(now) {
		return r.postpone(ctx, d, env)
	}
	if !durable {
		return r.receiveTransient(ctx, d, env)
	}

	env.Durable = true
	env.Status = StatusIncoming
	env.OwnerID = r.node.Get()
	done := r.track(env.Key())
	defer done()
	if err := r.store.StoreIncoming(ctx, env); err != nil {
		if errors.Is(err, ErrDuplicateEnvelope) {
			return r.duplicate(ctx, d, env)
		}

		return r.nack(ctx, d, fmt.Errorf("durable store incoming %s: %w", env.ID, err))
	}

	if err := r.Process(ctx, env); err != nil {
		r.Requeue(env)

		return r.nack(ctx, d, err)
	}

	return d.Ack(ctx)
}

// duplicate settles a redelivered envelope. A copy whose stored row is still
// Incoming on this node with nobody working on it was stranded by an earlier
// failure: the row goes back to AnyNode for recovery before the copy is acked.
func (r *Receiver) duplicate(ctx context.Context, d Delivery, env *Envelope) error {
	r.metrics.AddDuplicates(1)
	if r.busy(env.Key()) {
		r.logger.Debug("durable duplicate envelope dropped", "envelope", env.ID, "destination", env.Destination)

		return d.Ack(ctx)
	}

	moved, err := r.store.ReassignOwnership(ctx, r.node.Get(), AnyNode, []Key{env.Key()})
	if err != nil {
		return r.nack(ctx, d, fmt.Errorf("durable release stranded %s: %w", env.ID, err))
	}
	if moved > 0 {
		r.logger.Info("durable stranded envelope handed to recovery", "envelope", env.ID, "destination", env.Destination)
		r.notifyRequeued()
	} else {
		r.logger.Debug("durable duplicate envelope dropped", "envelope", env.ID, "destination", env.Destination)
	}

	return d.Ack(ctx)
}

// Requeue hands an envelope this node could not finish back to AnyNode so that
// recovery on any node picks it up again.
func (r *Receiver) Requeue(env *Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultReleaseTimeout)
	defer cancel()
	if _, err := r.store.ReassignOwnership(ctx, r.node.Get(), AnyNode, []Key{env.Key()}); err != nil {
		r.logger.Error("durable requeue failed", "envelope", env.ID, "err", err)

		return
	}
	r.notifyRequeued()
}

func (r *Receiver) notifyRequeued() {
	if r.requeued != nil {
		r.requeued()
	}
}

// track marks key as being worked on by this node until the returned func runs.
func (r *Receiver) track(key Key) func() {
	r.mu.Lock()
	if r.inflight == nil {
		r.inflight = make(map[Key]int)
	}
	r.inflight[key]++
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		if r.inflight[key]--; r.inflight[key] <= 0 {
			delete(r.inflight, key)
		}
		r.mu.Unlock()
	}
}

// busy reports whether another call on this node is working on key.
func (r *Receiver) busy(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.inflight[key] > 1
}

// postpone stores an envelope that arrived before its scheduled time.
func (r *Receiver) postpone(ctx context.Context, d Delivery, env *Envelope) error {
	env.Status = StatusScheduled
	env.OwnerID = AnyNode
	if err := r.store.StoreIncoming(ctx, env); err != nil && !errors.Is(err, ErrDuplicateEnvelope) {
		return r.nack(ctx, d, fmt.Errorf("durable store scheduled %s: %w", env.ID, err))
	}

	return d.Ack(ctx)
}

// Process runs a stored Incoming envelope until it reaches a recorded disposition.
// An error means the disposition was not recorded: the row stays Incoming.
func (r *Receiver) Process(ctx context.Context, env *Envelope) error {
	done := r.track(env.Key())
	defer done()

	for {
		env.Attempts++
		cascades, err := r.pipeline.Invoke(ctx, env)
		if err == nil {
			return r.complete(ctx, env, cascades)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		decision := r.policy.Load().Decide(env, err, r.clock.Now())
		r.logger.Warn("durable handler failed",
			"envelope", env.ID,
			"message_type", env.MessageType,
			"attempt", env.Attempts,
			"action", decision.Action.String(),
			"rule", decision.Rule,
			"err", err,
		)

		switch {
		case decision.Action == ActionRetryNow:
			r.metrics.AddRetries(1)
			if err := r.store.SaveAttempts(ctx, env); err != nil {
				return fmt.Errorf("durable save attempts %s: %w", env.ID, err)
			}

			continue
		case decision.Action.Delayed():
			r.metrics.AddRetries(1)
			if err := r.store.ScheduleRetry(ctx, env, decision.At); err != nil {
				return fmt.Errorf("durable schedule retry %s: %w", env.ID, err)
			}
		case decision.Action == ActionDiscard:
			r.metrics.AddDiscarded(1)
			if err := r.store.MarkDiscarded(ctx, env); err != nil {
				return fmt.Errorf("durable discard %s: %w", env.ID, err)
			}
		default:
			r.metrics.AddDead(1)
			if err := r.store.MarkAsError(ctx, env, err); err != nil {
				return fmt.Errorf("durable move to error queue %s: %w", env.ID, err)
			}
		}

		return nil
	}
}

// complete records the handled disposition together with the cascading envelopes.
func (r *Receiver) complete(ctx context.Context, env *Envelope, cascades []*Envelope) error {
	err := r.store.InTx(ctx, func(ctx context.Context) error {
		if err := r.dispatcher.Enlist(ctx, cascades); err != nil {
			return err
		}

		return r.store.MarkHandled(ctx, env)
	})
	if err != nil {
		return fmt.Errorf("durable mark handled %s: %w", env.ID, err)
	}
	r.metrics.AddHandled(1)
	r.release(ctx, cascades)

	return nil
}

func (r *Receiver) release(ctx context.Context, cascades []*Envelope) {
	if len(cascades) == 0 {
		return
	}
	r.dispatcher.Flush(ctx, cascades)
	if err := r.dispatcher.Deliver(ctx, cascades); err != nil {
		r.logger.Warn("durable cascade delivery failed", "err", err)
	}
}

// receiveTransient handles an envelope from a non-durable endpoint. Immediate retries
// happen in memory; only delayed retries and dead letters touch the store.
func (r *Receiver) receiveTransient(ctx context.Context, d Delivery, env *Envelope) error {
	for {
		env.Attempts++
		cascades, err := r.pipeline.Invoke(ctx, env)
		if err == nil {
			if len(cascades) > 0 {
				if err := r.store.InTx(ctx, func(ctx context.Context) error {
					return r.dispatcher.Enlist(ctx, cascades)
				}); err != nil {
					return r.nack(ctx, d, fmt.Errorf("durable enlist cascades of %s: %w", env.ID, err))
				}
			}
			r.metrics.AddHandled(1)
			r.release(ctx, cascades)

			return d.Ack(ctx)
		}
		if ctx.Err() != nil {
			return r.nack(ctx, d, ctx.Err())
		}

		decision := r.policy.Load().Decide(env, err, r.clock.Now())
		r.logger.Warn("durable handler failed",
			"envelope", env.ID,
			"message_type", env.MessageType,
			"attempt", env.Attempts,
			"action", decision.Action.String(),
			"err", err,
		)

		switch {
		case decision.Action == ActionRetryNow:
			r.metrics.AddRetries(1)

			continue
		case decision.Action.Delayed():
			r.metrics.AddRetries(1)
			retry := env.Clone()
			retry.Status = StatusScheduled
			retry.ScheduledTime = decision.At
			retry.OwnerID = AnyNode
			retry.Durable = true
			if err := r.encode(retry); err != nil {
				r.logger.Error("durable retry dropped", "envelope", env.ID, "err", err)

				return d.Ack(ctx)
			}
			if err := r.store.StoreIncoming(ctx, retry); err != nil && !errors.Is(err, ErrDuplicateEnvelope) {
				return r.nack(ctx, d, fmt.Errorf("durable schedule retry %s: %w", env.ID, err))
			}
		case decision.Action == ActionDiscard:
			r.metrics.AddDiscarded(1)
		default:
			r.metrics.AddDead(1)
			if eerr := r.encode(env); eerr != nil {
				err = errors.Join(err, eerr)
			}
			if err := r.store.MarkAsError(ctx, env, err); err != nil {
				return r.nack(ctx, d, fmt.Errorf("durable move to error queue %s: %w", env.ID, err))
			}
		}

		return d.Ack(ctx)
	}
}

func (r *Receiver) nack(ctx context.Context, d Delivery, err error) error {
	if nerr := d.Nack(ctx, err); nerr != nil {
		return errors.Join(err, fmt.Errorf("durable nack failed: %w", nerr))
	}

	return err
}
