package durable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Duty names elected across the cluster.
const (
	DutyScheduledJobs    = "scheduled-jobs"
	DutyNodeHealth       = "node-health"
	DutyExpiredEnvelopes = "expired-envelopes"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultLeaseTTL          = 30 * time.Second
	defaultReleaseTimeout    = 5 * time.Second
)

// Duty is work that at most one live node performs at a time.
// Run must return promptly once ctx is cancelled.
type Duty struct {
	Name string
	Run  func(ctx context.Context, lease *Lease) error
}

// NodeAgentConfig configures a NodeAgent.
type NodeAgentConfig struct {
	ServiceName       string
	HeartbeatInterval time.Duration
	// LeaseTTL bounds how long a duty survives without renewal. It must exceed
	// the heartbeat interval and the expected clock skew between nodes.
	LeaseTTL       time.Duration
	ReleaseTimeout time.Duration
	Clock          Clock
	Logger         Logger
	Metrics        Metrics
	IDs            IDGenerator
}

func (c NodeAgentConfig) withDefaults() NodeAgentConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.LeaseTTL <= c.HeartbeatInterval {
		c.LeaseTTL = 3 * c.HeartbeatInterval
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = defaultReleaseTimeout
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
	if c.IDs == nil {
		c.IDs = UUIDv7Generator{}
	}

	return c
}

type dutyRun struct {
	lease  *Lease
	cancel context.CancelFunc
	done   chan struct{}
}

// NodeAgent registers this process, keeps it alive and runs the duties it wins.
type NodeAgent struct {
	store  Store
	cfg    NodeAgentConfig
	duties []Duty
	node   *nodeRef
	id     uuid.UUID

	mu      sync.Mutex
	running map[string]*dutyRun
}

// NewNodeAgent creates an agent for duties.
func NewNodeAgent(store Store, cfg NodeAgentConfig, duties ...Duty) *NodeAgent {
	if store == nil {
		panic("durable: nil Store")
	}

	return &NodeAgent{
		store:   store,
		cfg:     cfg.withDefaults(),
		duties:  duties,
		node:    &nodeRef{},
		running: make(map[string]*dutyRun),
	}
}

// Number returns the registered node number or AnyNode before registration.
func (a *NodeAgent) Number() int {
	return a.node.Get()
}

// Register inserts the node row.
func (a *NodeAgent) Register(ctx context.Context) error {
	if a.id == uuid.Nil {
		id, err := a.cfg.IDs.New()
		if err != nil {
			return err
		}
		a.id = id
	}
	now := a.cfg.Clock.Now()
	number, err := a.store.RegisterNode(ctx, Node{
		ID:          a.id,
		ServiceName: a.cfg.ServiceName,
		StartedAt:   now,
		HeartbeatAt: now,
	})
	if err != nil {
		return fmt.Errorf("durable register node: %w", err)
	}
	a.node.set(number)
	a.cfg.Logger.Info("durable node registered", "node", number, "id", a.id, "service", a.cfg.ServiceName)

	return nil
}

// Run heartbeats and manages duties until ctx is done. Duties are stopped on return;
// call Stop to release them in the store.
func (a *NodeAgent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	defer a.stopAll()

	for {
		if err := a.Tick(ctx); err != nil && ctx.Err() == nil {
			a.cfg.Logger.Warn("durable node tick failed", "node", a.node.Get(), "err", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick performs one heartbeat, renews held duties and claims free ones.
func (a *NodeAgent) Tick(ctx context.Context) error {
	now := a.cfg.Clock.Now()
	err := a.store.Heartbeat(ctx, a.node.Get(), now)
	switch {
	case errors.Is(err, ErrNodeNotFound):
		a.cfg.Logger.Warn("durable node evicted, re-registering", "node", a.node.Get())
		a.stopAll()
		if err := a.Register(ctx); err != nil {
			return err
		}
		now = a.cfg.Clock.Now()
	case err != nil:
		a.expire()

		return fmt.Errorf("durable heartbeat: %w", err)
	}

	var errs []error
	for _, duty := range a.duties {
		if err := a.tickDuty(ctx, duty, now); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (a *NodeAgent) tickDuty(ctx context.Context, duty Duty, now time.Time) error {
	number := a.node.Get()
	expiresAt := now.Add(a.cfg.LeaseTTL)

	a.mu.Lock()
	run := a.running[duty.Name]
	a.mu.Unlock()

	if run != nil {
		select {
		case <-run.done:
			a.forget(duty.Name, run)
			run = nil
		default:
		}
	}

	if run != nil {
		ok, err := a.store.RenewDuty(ctx, duty.Name, number, expiresAt)
		if err != nil {
			if !run.lease.Held() {
				a.stopDuty(duty.Name)
			}

			return fmt.Errorf("durable renew %s: %w", duty.Name, err)
		}
		if !ok {
			a.cfg.Logger.Warn("durable duty lost", "duty", duty.Name, "node", number)
			a.stopDuty(duty.Name)

			return nil
		}
		run.lease.grant(expiresAt)

		return nil
	}

	ok, err := a.store.ClaimDuty(ctx, duty.Name, number, now, expiresAt)
	if err != nil {
		return fmt.Errorf("durable claim %s: %w", duty.Name, err)
	}
	if ok {
		a.startDuty(ctx, duty, expiresAt)
	}

	return nil
}

func (a *NodeAgent) startDuty(ctx context.Context, duty Duty, expiresAt time.Time) {
	lease := newLease(duty.Name, a.cfg.Clock)
	lease.grant(expiresAt)

	dutyCtx, cancel := context.WithCancel(ctx)
	run := &dutyRun{lease: lease, cancel: cancel, done: make(chan struct{})}

	a.mu.Lock()
	a.running[duty.Name] = run
	a.mu.Unlock()

	a.cfg.Metrics.SetDutyHeld(duty.Name, true)
	a.cfg.Logger.Info("durable duty acquired", "duty", duty.Name, "node", a.node.Get())

	go func() {
		defer close(run.done)
		defer func() {
			if rec := recover(); rec != nil {
				a.cfg.Logger.Error("durable duty panic", "duty", duty.Name, "panic", rec)
			}
		}()

		err := duty.Run(dutyCtx, lease)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrLeaseLost) {
			a.cfg.Logger.Error("durable duty failed", "duty", duty.Name, "err", err)
		}
	}()
}

// stopDuty revokes the lease, cancels the duty and waits for it to return.
func (a *NodeAgent) stopDuty(name string) {
	a.mu.Lock()
	run := a.running[name]
	delete(a.running, name)
	a.mu.Unlock()
	if run == nil {
		return
	}

	run.lease.revoke()
	run.cancel()
	<-run.done
	a.cfg.Metrics.SetDutyHeld(name, false)
}

func (a *NodeAgent) forget(name string, run *dutyRun) {
	a.mu.Lock()
	if a.running[name] == run {
		delete(a.running, name)
	}
	a.mu.Unlock()
	run.cancel()
	a.cfg.Metrics.SetDutyHeld(name, false)
}

// expire stops duties whose lease ran out without a successful renewal.
func (a *NodeAgent) expire() {
	a.mu.Lock()
	var lost []string
	for name, run := range a.running {
		if !run.lease.Held() {
			lost = append(lost, name)
		}
	}
	a.mu.Unlock()

	for _, name := range lost {
		a.stopDuty(name)
	}
}

func (a *NodeAgent) stopAll() {
	a.mu.Lock()
	names := make([]string, 0, len(a.running))
	for name := range a.running {
		names = append(names, name)
	}
	a.mu.Unlock()

	for _, name := range names {
		a.stopDuty(name)
	}
}

// Held reports whether this node currently holds duty.
func (a *NodeAgent) Held(duty string) bool {
	a.mu.Lock()
	run := a.running[duty]
	a.mu.Unlock()

	return run != nil && run.lease.Held()
}

// Stop stops duties, releases them, hands owned rows back to AnyNode and deletes the node row.
// The store calls use a context detached from ctx cancellation, bounded by ReleaseTimeout.
func (a *NodeAgent) Stop(ctx context.Context) error {
	a.stopAll()

	number := a.node.Get()
	if number == AnyNode {
		return nil
	}

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ReleaseTimeout)
	defer cancel()

	var errs []error
	if err := a.store.ReleaseDuties(releaseCtx, number); err != nil {
		errs = append(errs, fmt.Errorf("durable release duties: %w", err))
	}
	moved, err := a.store.ReassignOwnership(releaseCtx, number, AnyNode, nil)
	if err != nil {
		errs = append(errs, fmt.Errorf("durable release envelopes: %w", err))
	}
	if err := a.store.DeleteNode(releaseCtx, number); err != nil {
		errs = append(errs, fmt.Errorf("durable delete node: %w", err))
	}
	a.cfg.Logger.Info("durable node stopped", "node", number, "released", moved)

	return errors.Join(errs...)
}
