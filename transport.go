package durable

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Sender delivers one envelope to its destination. It performs a single attempt;
// retries are decided by the caller.
type Sender interface {
	Send(ctx context.Context, env *Envelope) error
}

// Delivery is one envelope received from a transport.
type Delivery interface {
	// Envelope returns the received envelope.
	Envelope() *Envelope
	// Ack removes the delivery from the source.
	Ack(ctx context.Context) error
	// Nack leaves the delivery at the source for redelivery.
	Nack(ctx context.Context, reason error) error
}

// ReceiveFunc is invoked once per delivery. Calls may run concurrently.
type ReceiveFunc func(ctx context.Context, d Delivery)

// Listener accepts deliveries from one endpoint.
type Listener interface {
	// Stop stops accepting deliveries and waits for in-flight callbacks.
	Stop(ctx context.Context) error
}

// Transport is the capability set of a transport plugin.
type Transport interface {
	Sender
	// Scheme returns the URI scheme served by the transport.
	Scheme() string
	// Init prepares connections. It is called once before use.
	Init(ctx context.Context) error
	// Receive starts a listener on endpoint.
	Receive(ctx context.Context, endpoint string, fn ReceiveFunc) (Listener, error)
	// Drain releases transport resources after all listeners stopped.
	Drain(ctx context.Context) error
}

// Transports resolves destinations to transports by URI scheme.
type Transports struct {
	mu     sync.RWMutex
	byName map[string]Transport
}

// NewTransports builds a transport table.
func NewTransports(transports ...Transport) *Transports {
	t := &Transports{byName: make(map[string]Transport, len(transports))}
	for _, tr := range transports {
		t.Add(tr)
	}

	return t
}

// Add registers tr under its scheme, replacing any previous transport.
func (t *Transports) Add(tr Transport) {
	if tr == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byName[strings.ToLower(tr.Scheme())] = tr
}

// For returns the transport serving destination.
func (t *Transports) For(destination string) (Transport, error) {
	scheme, _, err := ParseDestination(destination)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	tr, ok := t.byName[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, destination)
	}

	return tr, nil
}

// All returns every registered transport.
func (t *Transports) All() []Transport {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Transport, 0, len(t.byName))
	for _, tr := range t.byName {
		out = append(out, tr)
	}

	return out
}

// ParseDestination splits a destination URI into its scheme and endpoint name.
// "local://orders" yields ("local", "orders"); "redis://events/orders" yields ("redis", "events/orders").
func ParseDestination(destination string) (string, string, error) {
	u, err := url.Parse(destination)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s: %v", ErrInvalidDestination, destination, err)
	}
	if u.Scheme == "" {
		return "", "", fmt.Errorf("%w: %s: missing scheme", ErrInvalidDestination, destination)
	}
	name := u.Host + u.Path
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		name = u.Opaque
	}
	if name == "" {
		return "", "", fmt.Errorf("%w: %s: missing endpoint", ErrInvalidDestination, destination)
	}

	return strings.ToLower(u.Scheme), name, nil
}

// IsLocal reports whether destination is served in-process.
func IsLocal(destination string) bool {
	scheme, _, err := ParseDestination(destination)

	return err == nil && scheme == LocalScheme
}
