package durable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Runtime wires the store, transports, pipeline and background agents of one node.
type Runtime struct {
	store Store
	cfg   Config

	router      *Router
	endpoints   *Endpoints
	serializers *Serializers
	transports  *Transports
	local       *LocalTransport
	policy      atomic.Pointer[Policy]

	factory    *envelopeFactory
	dispatcher *dispatcher
	receiver   *Receiver
	relay      *Relay
	recovery   *IncomingRecovery
	agent      *NodeAgent

	mu        sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
	listeners []Listener
}

// New assembles a runtime over store.
func New(store Store, opts ...Option) (*Runtime, error) {
	if store == nil {
		panic("durable: nil Store")
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	router, err := NewRouter(cfg.Routes, cfg.Conventions...)
	if err != nil {
		return nil, err
	}
	endpoints := NewEndpoints(cfg.DefaultEndpoint)
	for dest, eo := range cfg.Endpoints {
		if _, _, err := ParseDestination(dest); err != nil {
			return nil, err
		}
		endpoints.Set(dest, eo)
	}

	local := NewLocalTransport(cfg.LocalWorkers, cfg.Logger)
	for dest, eo := range cfg.Endpoints {
		if !IsLocal(dest) {
			continue
		}
		_, name, _ := ParseDestination(dest)
		local.Configure(name, LocalQueueConfig{Workers: eo.Workers, Sequential: eo.Sequential})
	}
	transports := NewTransports(local)
	for _, tr := range cfg.Transports {
		transports.Add(tr)
	}

	r := &Runtime{
		store:       store,
		cfg:         cfg,
		router:      router,
		endpoints:   endpoints,
		serializers: NewSerializers(cfg.Serializers...),
		transports:  transports,
		local:       local,
	}
	r.policy.Store(cfg.Policy)

	r.factory = &envelopeFactory{
		router:      router,
		endpoints:   endpoints,
		types:       cfg.Types,
		serializers: r.serializers,
		ids:         cfg.IDs,
		clock:       cfg.Clock,
		source:      cfg.ServiceName,
	}

	var pipeline Pipeline = PipelineFunc(func(_ context.Context, env *Envelope) ([]*Envelope, error) {
		return nil, &HandlerError{MessageType: env.MessageType, Err: ErrNoHandler}
	})
	if cfg.Handlers != nil {
		cfg.Handlers.bind(r.factory, r.serializers)
		pipeline = cfg.Handlers
	}

	scheduler := &Scheduler{
		store:   store,
		cfg:     cfg.Scheduler,
		clock:   cfg.Clock,
		logger:  LoggerWith(cfg.Logger, "component", "scheduler"),
		metrics: cfg.Metrics,
	}
	reaper := &NodeReaper{
		store:   store,
		timeout: cfg.NodeTimeout,
		clock:   cfg.Clock,
		logger:  LoggerWith(cfg.Logger, "component", "reaper"),
	}
	cleaner := &ExpirationCleaner{
		store:    store,
		interval: cfg.CleanupInterval,
		clock:    cfg.Clock,
		logger:   LoggerWith(cfg.Logger, "component", "cleaner"),
		metrics:  cfg.Metrics,
	}
	r.agent = NewNodeAgent(store, NodeAgentConfig{
		ServiceName:       cfg.ServiceName,
		HeartbeatInterval: cfg.HeartbeatInterval,
		LeaseTTL:          cfg.LeaseTTL,
		Clock:             cfg.Clock,
		Logger:            LoggerWith(cfg.Logger, "component", "node"),
		Metrics:           cfg.Metrics,
		IDs:               cfg.IDs,
	}, scheduler.Duty(), reaper.Duty(), cleaner.Duty())
	node := r.agent.node

	r.relay = newRelay(store, transports, &r.policy, node, cfg.Relay)
	r.dispatcher = &dispatcher{
		store:      store,
		transports: transports,
		node:       node,
		notify:     r.relay.Notify,
		logger:     LoggerWith(cfg.Logger, "component", "dispatcher"),
		metrics:    cfg.Metrics,
	}
	r.receiver = &Receiver{
		store:      store,
		pipeline:   pipeline,
		encode:     r.serializers.Encode,
		policy:     &r.policy,
		dispatcher: r.dispatcher,
		node:       node,
		clock:      cfg.Clock,
		logger:     LoggerWith(cfg.Logger, "component", "receiver"),
		metrics:    cfg.Metrics,
	}
	r.recovery = newIncomingRecovery(store, node, cfg.Listen, r.handoff,
		cfg.RecoveryInterval, cfg.RecoveryBatchSize, LoggerWith(cfg.Logger, "component", "recovery"))

	scheduler.node = node
	scheduler.wakeRelay = r.relay.Notify
	scheduler.wakeRecovery = r.recovery.Notify
	r.receiver.requeued = r.recovery.Notify
	reaper.node = node
	reaper.onEvict = func() {
		r.relay.Notify()
		r.recovery.Notify()
	}

	return r, nil
}

// Start validates routes, initializes transports, registers the node and starts
// listeners, the relay, incoming recovery and the node agent.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrRuntimeStarted
	}

	if err := r.router.Validate(r.publishedTypes()); err != nil {
		return err
	}
	for _, tr := range r.transports.All() {
		if err := tr.Init(ctx); err != nil {
			return fmt.Errorf("durable init transport %s: %w", tr.Scheme(), err)
		}
	}
	if err := r.agent.Register(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	for _, endpoint := range r.cfg.Listen {
		l, err := r.listen(runCtx, endpoint)
		if err != nil {
			cancel()
			r.stopListeners(ctx)

			return errors.Join(err, r.agent.Stop(ctx))
		}
		r.listeners = append(r.listeners, l)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return r.relay.Run(gctx) })
	g.Go(func() error { return r.agent.Run(gctx) })
	if len(r.cfg.Listen) > 0 && r.cfg.Handlers != nil {
		g.Go(func() error { return r.recovery.Run(gctx) })
	}

	r.cancel = cancel
	r.done = make(chan struct{})
	r.started = true
	go func() {
		err := g.Wait()
		r.mu.Lock()
		r.runErr = err
		r.mu.Unlock()
		close(r.done)
	}()

	r.cfg.Logger.Info("durable runtime started",
		"service", r.cfg.ServiceName,
		"node", r.agent.Number(),
		"listen", r.cfg.Listen,
	)

	return nil
}

func (r *Runtime) listen(ctx context.Context, endpoint string) (Listener, error) {
	tr, err := r.transports.For(endpoint)
	if err != nil {
		return nil, err
	}
	durable := r.endpoints.Options(endpoint).Durable
	local := IsLocal(endpoint)

	return tr.Receive(ctx, endpoint, func(ctx context.Context, d Delivery) {
		env := d.Envelope()
		if local && env.Durable {
			if err := r.receiver.Process(ctx, env); err != nil {
				r.cfg.Logger.Warn("durable processing failed", "envelope", env.ID, "endpoint", endpoint, "err", err)
				r.receiver.Requeue(env)
			}

			return
		}
		if err := r.receiver.Receive(ctx, d, durable); err != nil {
			r.cfg.Logger.Warn("durable receive failed", "envelope", env.ID, "endpoint", endpoint, "err", err)
		}
	})
}

// publishedTypes lists the message types that must have a route: every registered
// type no local handler consumes, plus the declared Publishes.
func (r *Runtime) publishedTypes() []string {
	handled := make(map[string]bool)
	if r.cfg.Handlers != nil {
		for _, mt := range r.cfg.Handlers.MessageTypes() {
			handled[mt] = true
		}
	}

	seen := make(map[string]bool)
	var out []string
	add := func(mt string) {
		if !seen[mt] {
			seen[mt] = true
			out = append(out, mt)
		}
	}
	for _, mt := range r.cfg.Types.Names() {
		if !handled[mt] {
			add(mt)
		}
	}
	for _, mt := range r.cfg.Publishes {
		add(mt)
	}

	return out
}

// handoff delivers a claimed Incoming envelope to this node's pipeline.
func (r *Runtime) handoff(ctx context.Context, env *Envelope) {
	if IsLocal(env.Destination) {
		if err := r.local.Send(ctx, env); err != nil {
			r.cfg.Logger.Warn("durable local handoff failed", "envelope", env.ID, "err", err)
			r.receiver.Requeue(env)
		}

		return
	}
	if err := r.receiver.Process(ctx, env); err != nil {
		r.cfg.Logger.Warn("durable processing failed", "envelope", env.ID, "err", err)
		r.receiver.Requeue(env)
	}
}

// Done is closed when the background agents stop.
func (r *Runtime) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.done
}

// Shutdown stops listeners within the grace period, stops the background agents,
// releases duties and owned envelopes and drains transports.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()

		return ErrRuntimeNotStarted
	}
	if r.stopped {
		r.mu.Unlock()

		return nil
	}
	r.stopped = true
	r.mu.Unlock()

	graceCtx, cancel := context.WithTimeout(ctx, r.cfg.ShutdownGrace)
	defer cancel()

	errs := []error{r.stopListeners(graceCtx)}

	r.cancel()
	select {
	case <-r.done:
	case <-graceCtx.Done():
		errs = append(errs, fmt.Errorf("durable background agents did not stop: %w", graceCtx.Err()))
	}

	errs = append(errs, r.agent.Stop(ctx))
	for _, tr := range r.transports.All() {
		if err := tr.Drain(graceCtx); err != nil {
			errs = append(errs, fmt.Errorf("durable drain %s: %w", tr.Scheme(), err))
		}
	}

	r.mu.Lock()
	if r.runErr != nil && !errors.Is(r.runErr, context.Canceled) {
		errs = append(errs, r.runErr)
	}
	r.mu.Unlock()

	r.cfg.Logger.Info("durable runtime stopped", "service", r.cfg.ServiceName)

	return errors.Join(errs...)
}

func (r *Runtime) stopListeners(ctx context.Context) error {
	var errs []error
	for _, l := range r.listeners {
		if err := l.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.listeners = nil

	return errors.Join(errs...)
}

// Publish routes msg to every destination and returns one envelope per destination.
// Durable envelopes are persisted in the transaction carried by ctx, or in one
// opened for this call.
func (r *Runtime) Publish(ctx context.Context, msg any, opts ...SendOption) ([]*Envelope, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	envs, err := r.factory.route(msg, opts...)
	if err != nil {
		return nil, err
	}

	return envs, r.dispatch(ctx, envs)
}

// SendTo sends msg to destination, bypassing routing.
func (r *Runtime) SendTo(ctx context.Context, destination string, msg any, opts ...SendOption) (*Envelope, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	env, err := r.factory.to(destination, msg, opts...)
	if err != nil {
		return nil, err
	}

	return env, r.dispatch(ctx, []*Envelope{env})
}

// Schedule publishes msg for execution at the given time.
func (r *Runtime) Schedule(ctx context.Context, msg any, at time.Time, opts ...SendOption) ([]*Envelope, error) {
	return r.Publish(ctx, msg, append(opts, WithScheduledTime(at))...)
}

// ScheduleAfter publishes msg for execution after delay.
func (r *Runtime) ScheduleAfter(ctx context.Context, msg any, delay time.Duration, opts ...SendOption) ([]*Envelope, error) {
	return r.Publish(ctx, msg, append(opts, WithDelay(delay))...)
}

// Flush hands durable envelopes published inside a caller transaction to their
// consumers. Call it after that transaction commits.
func (r *Runtime) Flush(ctx context.Context, envs []*Envelope) {
	r.dispatcher.Flush(ctx, envs)
}

func (r *Runtime) dispatch(ctx context.Context, envs []*Envelope) error {
	needsTx := false
	for _, env := range envs {
		if persisted(env) {
			needsTx = true

			break
		}
	}
	if needsTx {
		if err := r.store.InTx(ctx, func(ctx context.Context) error {
			return r.dispatcher.Enlist(ctx, envs)
		}); err != nil {
			return err
		}
		if _, ambient := TransactionFrom(ctx); !ambient {
			r.dispatcher.Flush(ctx, envs)
		}
	}

	return r.dispatcher.Deliver(ctx, envs)
}

func (r *Runtime) ready() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.stopped {
		return ErrRuntimeNotStarted
	}

	return nil
}

// ReloadRoutes replaces the routing table. A table that leaves a registered type
// without a route is rejected and the current one is kept.
func (r *Runtime) ReloadRoutes(routes []Route, conventions ...Convention) error {
	next, err := NewRouter(routes, conventions...)
	if err != nil {
		return err
	}
	if err := next.Validate(r.publishedTypes()); err != nil {
		return err
	}

	return r.router.Reload(routes, conventions...)
}

// ReloadPolicy replaces the error policy for subsequent failures.
func (r *Runtime) ReloadPolicy(policy *Policy) {
	if policy == nil {
		return
	}
	r.policy.Store(policy)
}

// Node returns the registered node number.
func (r *Runtime) Node() int {
	return r.agent.Number()
}

// HoldsDuty reports whether this node currently holds duty.
func (r *Runtime) HoldsDuty(duty string) bool {
	return r.agent.Held(duty)
}

// Store returns the storage engine.
func (r *Runtime) Store() Store {
	return r.store
}

// Router returns the router.
func (r *Runtime) Router() *Router {
	return r.router
}

// Local returns the in-process transport.
func (r *Runtime) Local() *LocalTransport {
	return r.local
}
