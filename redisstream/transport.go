package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/velmie/durable"
)

// Scheme is the destination scheme served by the transport.
const Scheme = "redis"

const (
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Transport implements durable.Transport over Redis Streams.
type Transport struct {
	cfg    Config
	client redis.UniversalClient
	owned  bool
	logger durable.Logger

	mu        sync.Mutex
	listeners map[*listener]struct{}
}

var _ durable.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithClient uses an existing client instead of dialing Config.Addr.
// The caller keeps ownership of the client.
func WithClient(client redis.UniversalClient) Option {
	return func(t *Transport) {
		t.client = client
	}
}

// WithLogger sets the transport logger.
func WithLogger(logger durable.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New constructs a Redis Streams transport. It does not connect until Init.
func New(cfg Config, opts ...Option) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Transport{
		cfg:       cfg,
		logger:    durable.NopLogger{},
		listeners: make(map[*listener]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.client == nil {
		t.client = redis.NewClient(clientOptions(cfg))
		t.owned = true
	}

	return t, nil
}

func clientOptions(cfg Config) *redis.Options {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     cfg.Concurrency + 2,
		MinIdleConns: 1,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	return opts
}

// Scheme implements durable.Transport.
func (t *Transport) Scheme() string {
	return Scheme
}

// Init implements durable.Transport by pinging the server.
func (t *Transport) Init(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	res, err := t.client.Ping(ctx).Result()
	if err != nil {
		return transportError(t.cfg.Addr, err)
	}
	if !strings.EqualFold(res, "PONG") {
		return fmt.Errorf("durable redis: unexpected ping result %q", res)
	}

	return nil
}

// Send implements durable.Sender with one XADD.
func (t *Transport) Send(ctx context.Context, env *durable.Envelope) error {
	_, stream, err := durable.ParseDestination(env.Destination)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: encodeValues(env),
	}
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return transportError(env.Destination, err)
	}

	return nil
}

// Receive implements durable.Transport. It joins the configured consumer group,
// creating it at the start of the stream when missing.
func (t *Transport) Receive(ctx context.Context, endpoint string, fn durable.ReceiveFunc) (durable.Listener, error) {
	_, stream, err := durable.ParseDestination(endpoint)
	if err != nil {
		return nil, err
	}

	err = t.client.XGroupCreateMkStream(ctx, stream, t.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, transportError(endpoint, err)
	}

	l := t.startListener(ctx, endpoint, stream, fn)

	t.mu.Lock()
	t.listeners[l] = struct{}{}
	t.mu.Unlock()

	return l, nil
}

// Drain implements durable.Transport. It stops remaining listeners and closes an
// owned client.
func (t *Transport) Drain(ctx context.Context) error {
	t.mu.Lock()
	listeners := make([]*listener, 0, len(t.listeners))
	for l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		errs = append(errs, l.Stop(ctx))
	}
	if t.owned {
		errs = append(errs, t.client.Close())
	}

	return errors.Join(errs...)
}

func (t *Transport) forget(l *listener) {
	t.mu.Lock()
	delete(t.listeners, l)
	t.mu.Unlock()
}

type listener struct {
	t        *Transport
	endpoint string
	stream   string
	fn       durable.ReceiveFunc

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func (t *Transport) startListener(ctx context.Context, endpoint, stream string, fn durable.ReceiveFunc) *listener {
	innerCtx, cancel := context.WithCancel(ctx)
	l := &listener{
		t:        t,
		endpoint: endpoint,
		stream:   stream,
		fn:       fn,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	workCh := make(chan redis.XMessage, t.cfg.Concurrency*2)
	var workers, producers sync.WaitGroup

	for i := 0; i < t.cfg.Concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for msg := range workCh {
				l.deliver(context.WithoutCancel(innerCtx), msg)
			}
		}()
	}

	producers.Add(1)
	go func() {
		defer producers.Done()
		l.poll(innerCtx, workCh)
	}()
	if t.cfg.claimEnabled() {
		producers.Add(1)
		go func() {
			defer producers.Done()
			l.claim(innerCtx, workCh)
		}()
	}

	go func() {
		producers.Wait()
		close(workCh)
		workers.Wait()
		close(l.done)
	}()

	return l
}

// poll reads new entries for the consumer and feeds the workers.
func (l *listener) poll(ctx context.Context, workCh chan<- redis.XMessage) {
	cfg := l.t.cfg
	args := &redis.XReadGroupArgs{
		Group:    cfg.Group,
		Consumer: cfg.Consumer,
		Streams:  []string{l.stream, ">"},
		Count:    int64(cfg.BatchSize),
		Block:    cfg.Block,
	}

	backoff := initialBackoff
	for ctx.Err() == nil {
		res, err := l.t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				backoff = initialBackoff

				continue
			}

			l.t.logger.Warn("durable redis read failed", "stream", l.stream, "err", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}

			continue
		}
		backoff = initialBackoff

		for _, str := range res {
			for _, msg := range str.Messages {
				select {
				case workCh <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// claim periodically takes over entries left pending longer than ClaimMinIdle,
// which covers nacked deliveries and crashed consumers.
func (l *listener) claim(ctx context.Context, workCh chan<- redis.XMessage) {
	cfg := l.t.cfg
	ticker := time.NewTicker(cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := "0-0"
		for {
			msgs, next, err := l.t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   l.stream,
				Group:    cfg.Group,
				Consumer: cfg.Consumer,
				MinIdle:  cfg.ClaimMinIdle,
				Start:    start,
				Count:    int64(cfg.ClaimBatch),
			}).Result()
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
					l.t.logger.Warn("durable redis claim failed", "stream", l.stream, "err", err)
				}

				break
			}
			for _, msg := range msgs {
				select {
				case workCh <- msg:
				case <-ctx.Done():
					return
				}
			}
			if next == "0-0" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}
}

func (l *listener) deliver(ctx context.Context, msg redis.XMessage) {
	d := &delivery{client: l.t.client, stream: l.stream, group: l.t.cfg.Group, id: msg.ID}

	env, err := decodeEnvelope(msg.Values)
	if err != nil {
		// A malformed entry can never be processed; drop it from the pending list.
		l.t.logger.Error("durable redis entry dropped", "stream", l.stream, "entry", msg.ID, "err", err)
		if ackErr := d.Ack(ctx); ackErr != nil {
			l.t.logger.Warn("durable redis ack failed", "stream", l.stream, "entry", msg.ID, "err", ackErr)
		}

		return
	}
	env.Destination = l.endpoint
	d.env = env

	l.fn(ctx, d)
}

// Stop implements durable.Listener. Deliveries not yet handed to a worker stay
// pending in the group.
func (l *listener) Stop(ctx context.Context) error {
	l.stopOnce.Do(l.cancel)
	defer l.t.forget(l)

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func transportError(destination string, err error) error {
	return &durable.TransportError{Destination: destination, Transient: true, Err: err}
}
