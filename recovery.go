package durable

import (
	"context"
	"fmt"
	"time"
)

const (
	defaultRecoveryInterval = 5 * time.Second
	defaultRecoveryBatch    = 100
	defaultNodeTimeout      = time.Minute
	defaultCleanupInterval  = 10 * time.Minute
)

// IncomingRecovery claims unowned Incoming envelopes for the destinations this node
// listens on and hands them to the pipeline. Every node runs it.
type IncomingRecovery struct {
	store        MessageStore
	node         *nodeRef
	destinations []string
	handoff      func(ctx context.Context, env *Envelope)
	interval     time.Duration
	batchSize    int
	logger       Logger
	wake         chan struct{}
}

func newIncomingRecovery(store MessageStore, node *nodeRef, destinations []string,
	handoff func(ctx context.Context, env *Envelope), interval time.Duration, batchSize int, logger Logger,
) *IncomingRecovery {
	if interval <= 0 {
		interval = defaultRecoveryInterval
	}
	if batchSize <= 0 {
		batchSize = defaultRecoveryBatch
	}

	return &IncomingRecovery{
		store:        store,
		node:         node,
		destinations: destinations,
		handoff:      handoff,
		interval:     interval,
		batchSize:    batchSize,
		logger:       logger,
		wake:         make(chan struct{}, 1),
	}
}

// Notify wakes the recovery loop.
func (r *IncomingRecovery) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run recovers envelopes until ctx is done.
func (r *IncomingRecovery) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-r.wake:
		}

		for {
			n, err := r.RecoverOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Warn("durable incoming recovery failed", "err", err)
			}
			if err != nil || n < r.batchSize {
				break
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(r.interval)
	}
}

// RecoverOnce claims one batch and returns how many envelopes were handed off.
func (r *IncomingRecovery) RecoverOnce(ctx context.Context) (int, error) {
	envs, err := r.store.LoadIncoming(ctx, IncomingQuery{
		Owner:        AnyNode,
		Destinations: r.destinations,
		Limit:        r.batchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("durable load incoming: %w", err)
	}

	me := r.node.Get()
	claimed := 0
	for _, env := range envs {
		ok, err := r.store.ClaimIncoming(ctx, env, me)
		if err != nil {
			return claimed, fmt.Errorf("durable claim %s: %w", env.ID, err)
		}
		if !ok {
			continue
		}
		env.OwnerID = me
		claimed++
		r.handoff(ctx, env)
	}
	if claimed > 0 {
		r.logger.Debug("durable incoming recovered", "count", claimed, "node", me)
	}

	return claimed, nil
}

// NodeReaper evicts nodes whose heartbeat is older than the timeout and returns
// their envelopes and duties to the pool.
type NodeReaper struct {
	store   Store
	node    *nodeRef
	timeout time.Duration
	clock   Clock
	logger  Logger
	onEvict func()
}

// Duty returns the node-health duty.
func (r *NodeReaper) Duty() Duty {
	return Duty{Name: DutyNodeHealth, Run: func(ctx context.Context, lease *Lease) error {
		interval := r.timeout / 2
		for {
			if _, err := r.ReapOnce(ctx, lease); err != nil {
				if err := lease.Check(); err != nil {
					return err
				}
				if ctx.Err() == nil {
					r.logger.Warn("durable node reaping failed", "err", err)
				}
			}
			if err := sleep(ctx, interval); err != nil {
				return err
			}
		}
	}}
}

// ReapOnce evicts stale nodes and returns how many were removed.
func (r *NodeReaper) ReapOnce(ctx context.Context, lease *Lease) (int, error) {
	nodes, err := r.store.LoadNodes(ctx)
	if err != nil {
		return 0, fmt.Errorf("durable load nodes: %w", err)
	}

	now := r.clock.Now()
	me := r.node.Get()
	evicted := 0
	for _, n := range nodes {
		if n.Number == me || now.Sub(n.HeartbeatAt) <= r.timeout {
			continue
		}
		if err := lease.Check(); err != nil {
			return evicted, err
		}

		moved, err := r.store.ReassignOwnership(ctx, n.Number, AnyNode, nil)
		if err != nil {
			return evicted, fmt.Errorf("durable reassign node %d: %w", n.Number, err)
		}
		if err := r.store.ReleaseDuties(ctx, n.Number); err != nil {
			return evicted, fmt.Errorf("durable release duties of node %d: %w", n.Number, err)
		}
		if err := r.store.DeleteNode(ctx, n.Number); err != nil {
			return evicted, fmt.Errorf("durable delete node %d: %w", n.Number, err)
		}
		evicted++
		r.logger.Warn("durable stale node evicted",
			"node", n.Number,
			"service", n.ServiceName,
			"heartbeat_at", n.HeartbeatAt,
			"released", moved,
		)
	}
	if evicted > 0 && r.onEvict != nil {
		r.onEvict()
	}

	return evicted, nil
}

// ExpirationCleaner deletes rows past their retention on the node holding
// the expired-envelopes duty.
type ExpirationCleaner struct {
	store    Maintenance
	interval time.Duration
	clock    Clock
	logger   Logger
	metrics  Metrics
}

// Duty returns the expired-envelopes duty.
func (c *ExpirationCleaner) Duty() Duty {
	return Duty{Name: DutyExpiredEnvelopes, Run: func(ctx context.Context, lease *Lease) error {
		for {
			if err := lease.Check(); err != nil {
				return err
			}
			if _, err := c.CleanOnce(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("durable cleanup failed", "err", err)
			}
			if err := sleep(ctx, c.interval); err != nil {
				return err
			}
		}
	}}
}

// CleanOnce removes expired rows once.
func (c *ExpirationCleaner) CleanOnce(ctx context.Context) (ExpiredResult, error) {
	start := time.Now()
	res, err := c.store.DeleteExpired(ctx, c.clock.Now())
	c.metrics.ObserveBatchDuration("cleanup", time.Since(start))
	if err != nil {
		return res, fmt.Errorf("durable delete expired: %w", err)
	}
	if res.Outgoing > 0 {
		c.metrics.AddDiscarded(int(res.Outgoing))
	}
	if res.Total() > 0 {
		c.logger.Info("durable expired rows deleted",
			"incoming", res.Incoming,
			"outgoing", res.Outgoing,
			"dead_letters", res.DeadLetters,
		)
	}

	return res, nil
}
