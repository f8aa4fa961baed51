package durable

import (
	"fmt"
	"time"
)

const (
	// HeaderScheduledSend marks a Scheduled envelope that must be sent to a remote
	// destination on release instead of being handled locally.
	HeaderScheduledSend = "durable-scheduled-send"
)

type sendConfig struct {
	correlationID string
	replyTo       string
	deliverBy     time.Time
	deliverWithin time.Duration
	scheduled     time.Time
	delay         time.Duration
	contentType   string
	headers       map[string]string
}

// SendOption customizes outgoing envelopes.
type SendOption func(*sendConfig)

// WithCorrelationID sets the correlation id shared by every fanned-out copy.
func WithCorrelationID(id string) SendOption {
	return func(c *sendConfig) {
		c.correlationID = id
	}
}

// WithReplyTo sets the reply destination.
func WithReplyTo(destination string) SendOption {
	return func(c *sendConfig) {
		c.replyTo = destination
	}
}

// WithDeliverBy discards the envelope when it is not delivered before t.
func WithDeliverBy(t time.Time) SendOption {
	return func(c *sendConfig) {
		c.deliverBy = t
	}
}

// WithDeliverWithin discards the envelope when it is not delivered within d.
func WithDeliverWithin(d time.Duration) SendOption {
	return func(c *sendConfig) {
		c.deliverWithin = d
	}
}

// WithScheduledTime delays delivery until t.
func WithScheduledTime(t time.Time) SendOption {
	return func(c *sendConfig) {
		c.scheduled = t
	}
}

// WithDelay delays delivery by d.
func WithDelay(d time.Duration) SendOption {
	return func(c *sendConfig) {
		c.delay = d
	}
}

// WithContentType selects the serializer by content type.
func WithContentType(contentType string) SendOption {
	return func(c *sendConfig) {
		c.contentType = contentType
	}
}

// WithHeader adds a header to the envelope.
func WithHeader(key, value string) SendOption {
	return func(c *sendConfig) {
		if c.headers == nil {
			c.headers = make(map[string]string)
		}
		c.headers[key] = value
	}
}

// envelopeFactory turns messages into envelopes, one per destination.
type envelopeFactory struct {
	router      *Router
	endpoints   *Endpoints
	types       *TypeRegistry
	serializers *Serializers
	ids         IDGenerator
	clock       Clock
	source      string
}

// route builds one envelope per routed destination. The copies share a correlation id.
func (f *envelopeFactory) route(msg any, opts ...SendOption) ([]*Envelope, error) {
	name, err := f.types.NameOf(msg)
	if err != nil {
		return nil, err
	}
	destinations := f.router.RouteFor(name)
	if len(destinations) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRoutes, name)
	}

	cfg := applySendOptions(opts)
	if cfg.correlationID == "" {
		id, err := f.ids.New()
		if err != nil {
			return nil, err
		}
		cfg.correlationID = id.String()
	}

	envs := make([]*Envelope, 0, len(destinations))
	for _, dest := range destinations {
		env, err := f.build(name, msg, dest, cfg)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}

	return envs, nil
}

// to builds an envelope for an explicit destination.
func (f *envelopeFactory) to(destination string, msg any, opts ...SendOption) (*Envelope, error) {
	if _, _, err := ParseDestination(destination); err != nil {
		return nil, err
	}
	name, err := f.types.NameOf(msg)
	if err != nil {
		return nil, err
	}
	cfg := applySendOptions(opts)
	if cfg.correlationID == "" {
		id, err := f.ids.New()
		if err != nil {
			return nil, err
		}
		cfg.correlationID = id.String()
	}

	return f.build(name, msg, destination, cfg)
}

func (f *envelopeFactory) build(name string, msg any, destination string, cfg sendConfig) (*Envelope, error) {
	id, err := f.ids.New()
	if err != nil {
		return nil, err
	}
	now := f.clock.Now()

	env := &Envelope{
		ID:            id,
		MessageType:   name,
		ContentType:   cfg.contentType,
		Message:       msg,
		Destination:   destination,
		ReplyURI:      cfg.replyTo,
		CorrelationID: cfg.correlationID,
		Source:        f.source,
		SentAt:        now,
		DeliverBy:     cfg.deliverBy,
		Durable:       f.endpoints.Options(destination).Durable,
		Status:        StatusOutgoing,
	}
	if cfg.deliverWithin > 0 {
		env.DeliverBy = now.Add(cfg.deliverWithin)
	}
	switch {
	case !cfg.scheduled.IsZero():
		env.ScheduledTime = cfg.scheduled
	case cfg.delay > 0:
		env.ScheduledTime = now.Add(cfg.delay)
	}
	if env.IsScheduledAfter(now) {
		env.Status = StatusScheduled
	} else {
		env.ScheduledTime = time.Time{}
	}
	for k, v := range cfg.headers {
		env.SetHeader(k, v)
	}

	if !IsLocal(destination) || env.Durable || env.Status == StatusScheduled {
		if err := f.serializers.Encode(env); err != nil {
			return nil, err
		}
	}

	return env, nil
}

func applySendOptions(opts []SendOption) sendConfig {
	var cfg sendConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg
}
