package durable

import (
	"context"
	"errors"
	"fmt"
)

// dispatcher moves new envelopes into the store or onto transports.
//
// Enlist runs inside the unit of work that produced the envelopes, Flush runs after
// it commits and Deliver sends what needs no persistence at all.
type dispatcher struct {
	store      MessageStore
	transports *Transports
	node       *nodeRef
	notify     func()
	logger     Logger
	metrics    Metrics
}

// persisted reports whether env is written to the store before delivery.
func persisted(env *Envelope) bool {
	return env.Status == StatusScheduled || env.Durable
}

// Enlist persists durable and scheduled envelopes with the transaction carried by ctx.
func (d *dispatcher) Enlist(ctx context.Context, envs []*Envelope) error {
	for _, env := range envs {
		if err := env.Validate(); err != nil {
			return err
		}
		if !persisted(env) {
			continue
		}

		switch {
		case env.Status == StatusScheduled:
			if !IsLocal(env.Destination) {
				env.SetHeader(HeaderScheduledSend, "true")
			}
			env.OwnerID = AnyNode
			if err := d.store.StoreIncoming(ctx, env); err != nil {
				return fmt.Errorf("durable schedule %s: %w", env.ID, err)
			}
		case IsLocal(env.Destination):
			env.Status = StatusIncoming
			env.OwnerID = AnyNode
			if err := d.store.StoreIncoming(ctx, env); err != nil {
				return fmt.Errorf("durable store local %s: %w", env.ID, err)
			}
		default:
			env.Status = StatusOutgoing
			env.OwnerID = d.node.Get()
			if err := d.store.StoreOutgoing(ctx, env, env.OwnerID); err != nil {
				return fmt.Errorf("durable store outgoing %s: %w", env.ID, err)
			}
		}
	}

	return nil
}

// Flush hands committed durable envelopes to their consumers. Failures are logged:
// the rows stay in the store and recovery picks them up.
func (d *dispatcher) Flush(ctx context.Context, envs []*Envelope) {
	wake := false
	for _, env := range envs {
		if !env.Durable || env.Status == StatusScheduled {
			continue
		}
		if !IsLocal(env.Destination) {
			wake = true

			continue
		}
		d.handoff(ctx, env)
	}
	if wake && d.notify != nil {
		d.notify()
	}
}

// handoff claims an AnyNode incoming row and enqueues it locally.
func (d *dispatcher) handoff(ctx context.Context, env *Envelope) {
	me := d.node.Get()
	claimed, err := d.store.ClaimIncoming(ctx, env, me)
	if err != nil {
		d.logger.Warn("durable claim failed", "envelope", env.ID, "destination", env.Destination, "err", err)

		return
	}
	if !claimed {
		return
	}
	env.OwnerID = me

	tr, err := d.transports.For(env.Destination)
	if err == nil {
		err = tr.Send(ctx, env)
	}
	if err == nil {
		return
	}

	d.logger.Warn("durable local handoff failed", "envelope", env.ID, "destination", env.Destination, "err", err)
	if _, rerr := d.store.ReassignOwnership(ctx, me, AnyNode, []Key{env.Key()}); rerr != nil {
		d.logger.Error("durable release after failed handoff", "envelope", env.ID, "err", rerr)
	}
}

// Deliver sends envelopes that are neither durable nor scheduled.
func (d *dispatcher) Deliver(ctx context.Context, envs []*Envelope) error {
	var errs []error
	for _, env := range envs {
		if persisted(env) {
			continue
		}
		tr, err := d.transports.For(env.Destination)
		if err != nil {
			errs = append(errs, err)

			continue
		}
		if err := tr.Send(ctx, env); err != nil {
			d.metrics.AddSendErrors(1)
			errs = append(errs, fmt.Errorf("durable send %s to %s: %w", env.ID, env.Destination, err))

			continue
		}
		d.metrics.AddSent(1)
	}

	return errors.Join(errs...)
}
