package durable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Pipeline invokes application handlers for an envelope. It returns the cascading
// envelopes produced by the handler; the caller enlists them in the same unit of work
// that records the handled disposition.
type Pipeline interface {
	Invoke(ctx context.Context, env *Envelope) ([]*Envelope, error)
}

// PipelineFunc adapts a function to Pipeline.
type PipelineFunc func(ctx context.Context, env *Envelope) ([]*Envelope, error)

// Invoke implements Pipeline.
func (fn PipelineFunc) Invoke(ctx context.Context, env *Envelope) ([]*Envelope, error) {
	return fn(ctx, env)
}

// HandlerFunc handles one message.
type HandlerFunc func(ctx context.Context, c *Context) error

// Middleware wraps a handler.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares around h; the first middleware is the outermost.
func Chain(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}

	return h
}

// Recovery converts handler panics into errors.
func Recovery() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, c *Context) (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("durable handler panic: %v", rec)
				}
			}()

			return next(ctx, c)
		}
	}
}

// Timeout bounds handler execution. Handlers must observe ctx.
func Timeout(d time.Duration) Middleware {
	if d <= 0 {
		return func(next HandlerFunc) HandlerFunc { return next }
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, c *Context) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			err := next(ctx, c)
			if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ctx.Err()
			}

			return err
		}
	}
}

// Context is passed to handlers. It collects cascading messages.
type Context struct {
	env     *Envelope
	factory *envelopeFactory
	out     []*Envelope
}

// Envelope returns the envelope being handled.
func (c *Context) Envelope() *Envelope {
	return c.env
}

// Message returns the deserialized message.
func (c *Context) Message() any {
	return c.env.Message
}

// Publish routes msg to its destinations once the current envelope is handled.
func (c *Context) Publish(msg any, opts ...SendOption) error {
	envs, err := c.factory.route(msg, c.inherit(opts)...)
	if err != nil {
		return err
	}
	c.adopt(envs...)

	return nil
}

// SendTo sends msg to destination once the current envelope is handled.
func (c *Context) SendTo(destination string, msg any, opts ...SendOption) error {
	env, err := c.factory.to(destination, msg, c.inherit(opts)...)
	if err != nil {
		return err
	}
	c.adopt(env)

	return nil
}

// Respond sends msg to the reply destination of the current envelope.
func (c *Context) Respond(msg any, opts ...SendOption) error {
	if c.env.ReplyURI == "" {
		return fmt.Errorf("%w: envelope %s has no reply destination", ErrDestinationRequired, c.env.ID)
	}

	return c.SendTo(c.env.ReplyURI, msg, opts...)
}

// Cascaded returns the envelopes collected so far.
func (c *Context) Cascaded() []*Envelope {
	return c.out
}

func (c *Context) inherit(opts []SendOption) []SendOption {
	return append([]SendOption{WithCorrelationID(c.env.CorrelationID)}, opts...)
}

func (c *Context) adopt(envs ...*Envelope) {
	for _, env := range envs {
		env.CausationID = c.env.ID.String()
		c.out = append(c.out, env)
	}
}

// Handlers is the concrete Pipeline: handlers registered by message type name.
type Handlers struct {
	types       *TypeRegistry
	middlewares []Middleware

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	factory  *envelopeFactory
	decode   func(env *Envelope) error
}

var _ Pipeline = (*Handlers)(nil)

// NewHandlers creates a handler registry. Middlewares wrap every handler.
func NewHandlers(types *TypeRegistry, mws ...Middleware) *Handlers {
	if types == nil {
		types = NewTypeRegistry()
	}

	return &Handlers{
		types:       types,
		middlewares: append([]Middleware{Recovery()}, mws...),
		handlers:    make(map[string]HandlerFunc),
	}
}

// Types returns the type registry used by the handlers.
func (h *Handlers) Types() *TypeRegistry {
	return h.types
}

// HandleFunc registers fn for messageType without registering a Go type.
func (h *Handlers) HandleFunc(messageType string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[messageType] = Chain(fn, h.middlewares...)
}

// Handle registers T under name and a typed handler for it.
func Handle[T any](h *Handlers, name string, fn func(ctx context.Context, msg T, c *Context) error) {
	Register[T](h.types, name)
	h.HandleFunc(name, func(ctx context.Context, c *Context) error {
		msg, ok := c.Message().(T)
		if !ok {
			if ptr, isPtr := c.Message().(*T); isPtr && ptr != nil {
				msg, ok = *ptr, true
			}
		}
		if !ok {
			return &SerializationError{
				MessageType: name,
				ContentType: c.env.ContentType,
				Err:         fmt.Errorf("unexpected message type %T", c.Message()),
			}
		}

		return fn(ctx, msg, c)
	})
}

// MessageTypes returns the names with a registered handler.
func (h *Handlers) MessageTypes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.handlers))
	for name := range h.handlers {
		out = append(out, name)
	}

	return out
}

func (h *Handlers) bind(factory *envelopeFactory, serializers *Serializers) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.factory = factory
	h.decode = serializers.Decode
}

// Invoke implements Pipeline.
func (h *Handlers) Invoke(ctx context.Context, env *Envelope) ([]*Envelope, error) {
	h.mu.RLock()
	handler, ok := h.handlers[env.MessageType]
	factory, decode := h.factory, h.decode
	h.mu.RUnlock()

	if !ok {
		return nil, &HandlerError{MessageType: env.MessageType, Err: ErrNoHandler}
	}
	if decode != nil {
		if err := decode(env); err != nil {
			return nil, err
		}
	}

	c := &Context{env: env, factory: factory}
	if err := handler(ctx, c); err != nil {
		var serr *SerializationError
		var herr *HandlerError
		if errors.As(err, &serr) || errors.As(err, &herr) {
			return nil, err
		}

		return nil, &HandlerError{MessageType: env.MessageType, Err: err}
	}

	return c.out, nil
}
