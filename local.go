package durable

import (
	"context"
	"fmt"
	"sync"
)

// LocalScheme is the scheme of in-process destinations.
const LocalScheme = "local"

const (
	defaultLocalWorkers = 4
	defaultLocalBuffer  = 256
)

// LocalQueueConfig configures one in-process queue.
type LocalQueueConfig struct {
	// Workers is the number of concurrent callbacks.
	Workers int
	// Sequential forces a single worker so envelopes are handled in arrival order.
	Sequential bool
	// Buffer is the number of envelopes accepted before Send blocks.
	Buffer int
}

func (c LocalQueueConfig) withDefaults(workers int) LocalQueueConfig {
	if c.Workers <= 0 {
		c.Workers = workers
	}
	if c.Sequential {
		c.Workers = 1
	}
	if c.Buffer <= 0 {
		c.Buffer = defaultLocalBuffer
	}

	return c
}

// LocalTransport hands envelopes to in-process worker pools without serialization.
type LocalTransport struct {
	workers int
	logger  Logger

	mu     sync.Mutex
	queues map[string]*localQueue
}

var _ Transport = (*LocalTransport)(nil)

// NewLocalTransport creates a local transport with the given default worker count per queue.
func NewLocalTransport(workers int, logger Logger) *LocalTransport {
	if workers <= 0 {
		workers = defaultLocalWorkers
	}
	if logger == nil {
		logger = NopLogger{}
	}

	return &LocalTransport{
		workers: workers,
		logger:  logger,
		queues:  make(map[string]*localQueue),
	}
}

// Configure sets the options of queue name. It must be called before the queue is used.
func (t *LocalTransport) Configure(name string, cfg LocalQueueConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.queues[name]; ok {
		return
	}
	t.queues[name] = newLocalQueue(name, cfg.withDefaults(t.workers))
}

// Scheme implements Transport.
func (t *LocalTransport) Scheme() string {
	return LocalScheme
}

// Init implements Transport.
func (t *LocalTransport) Init(context.Context) error {
	return nil
}

// Send enqueues a copy of env on its queue. The deserialized message is shared.
func (t *LocalTransport) Send(ctx context.Context, env *Envelope) error {
	_, name, err := ParseDestination(env.Destination)
	if err != nil {
		return err
	}

	return t.queue(name).enqueue(ctx, env.Clone())
}

// Receive starts the worker pool of endpoint.
func (t *LocalTransport) Receive(ctx context.Context, endpoint string, fn ReceiveFunc) (Listener, error) {
	_, name, err := ParseDestination(endpoint)
	if err != nil {
		return nil, err
	}
	q := t.queue(name)
	if err := q.start(ctx, fn, t.logger); err != nil {
		return nil, err
	}

	return q, nil
}

// Drain implements Transport.
func (t *LocalTransport) Drain(ctx context.Context) error {
	t.mu.Lock()
	queues := make([]*localQueue, 0, len(t.queues))
	for _, q := range t.queues {
		queues = append(queues, q)
	}
	t.mu.Unlock()

	for _, q := range queues {
		if err := q.Stop(ctx); err != nil {
			return err
		}
	}

	return nil
}

// Depth returns the number of envelopes buffered on queue name.
func (t *LocalTransport) Depth(name string) int {
	return len(t.queue(name).ch)
}

func (t *LocalTransport) queue(name string) *localQueue {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[name]
	if !ok {
		q = newLocalQueue(name, LocalQueueConfig{}.withDefaults(t.workers))
		t.queues[name] = q
	}

	return q
}

type localQueue struct {
	name string
	cfg  LocalQueueConfig
	ch   chan *Envelope
	done chan struct{}

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newLocalQueue(name string, cfg LocalQueueConfig) *localQueue {
	return &localQueue{
		name: name,
		cfg:  cfg,
		ch:   make(chan *Envelope, cfg.Buffer),
		done: make(chan struct{}),
	}
}

func (q *localQueue) enqueue(ctx context.Context, env *Envelope) error {
	select {
	case <-q.done:
		return fmt.Errorf("%w: %s", ErrQueueStopped, q.name)
	default:
	}

	select {
	case q.ch <- env:
		return nil
	case <-q.done:
		return fmt.Errorf("%w: %s", ErrQueueStopped, q.name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *localQueue) start(ctx context.Context, fn ReceiveFunc, logger Logger) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return fmt.Errorf("%w: %s", ErrQueueStopped, q.name)
	}
	if q.started {
		return fmt.Errorf("durable local queue %s already has a listener", q.name)
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.work(ctx, fn, logger)
		}()
	}

	return nil
}

func (q *localQueue) work(ctx context.Context, fn ReceiveFunc, logger Logger) {
	for {
		select {
		case <-q.done:
			return
		case <-ctx.Done():
			return
		case env := <-q.ch:
			q.invoke(ctx, fn, logger, env)
		}
	}
}

func (q *localQueue) invoke(ctx context.Context, fn ReceiveFunc, logger Logger, env *Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("durable local worker panic", "queue", q.name, "envelope", env.ID, "panic", rec)
		}
	}()
	fn(ctx, localDelivery{env: env})
}

// Stop closes intake, lets in-flight callbacks finish and cancels them when ctx expires.
// Buffered envelopes that were not started are left behind: durable ones stay in the store.
func (q *localQueue) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		q.mu.Unlock()
		close(q.done)
	})

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		if q.cancel != nil {
			q.cancel()
		}
		q.mu.Unlock()

		return ctx.Err()
	}
}

type localDelivery struct {
	env *Envelope
}

func (d localDelivery) Envelope() *Envelope {
	return d.env
}

func (d localDelivery) Ack(context.Context) error {
	return nil
}

func (d localDelivery) Nack(context.Context, error) error {
	return nil
}
