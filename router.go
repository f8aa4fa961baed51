package durable

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// AnyMessageType matches every message type in a static route.
const AnyMessageType = "*"

// Route is a static publish rule.
type Route struct {
	MessageType string
	Destination string
}

// Convention derives destinations from a message type name. Conventions are
// evaluated after static routes.
type Convention interface {
	Destinations(messageType string) []string
}

// ConventionFunc adapts a function to Convention.
type ConventionFunc func(messageType string) []string

// Destinations implements Convention.
func (fn ConventionFunc) Destinations(messageType string) []string {
	return fn(messageType)
}

// QueuePerType routes every message type to a queue of the same name on scheme.
func QueuePerType(scheme string) Convention {
	return ConventionFunc(func(messageType string) []string {
		return []string{scheme + "://" + messageType}
	})
}

// PrefixConvention routes message types starting with prefix to destination.
func PrefixConvention(prefix, destination string) Convention {
	return ConventionFunc(func(messageType string) []string {
		if strings.HasPrefix(messageType, prefix) {
			return []string{destination}
		}

		return nil
	})
}

type routingTable struct {
	exact       map[string][]string
	wildcard    []string
	conventions []Convention
}

func newRoutingTable(routes []Route, conventions []Convention) (*routingTable, error) {
	t := &routingTable{
		exact:       make(map[string][]string),
		conventions: append([]Convention(nil), conventions...),
	}
	for _, route := range routes {
		if route.MessageType == "" {
			return nil, fmt.Errorf("%w: route to %s", ErrMessageTypeRequired, route.Destination)
		}
		if _, _, err := ParseDestination(route.Destination); err != nil {
			return nil, err
		}
		if route.MessageType == AnyMessageType {
			t.wildcard = append(t.wildcard, route.Destination)

			continue
		}
		t.exact[route.MessageType] = append(t.exact[route.MessageType], route.Destination)
	}

	return t, nil
}

func (t *routingTable) routeFor(messageType string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(dests []string) {
		for _, d := range dests {
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}

	add(t.exact[messageType])
	add(t.wildcard)
	for _, c := range t.conventions {
		add(c.Destinations(messageType))
	}

	return out
}

// Router maps message types to destinations. Its table is immutable; Reload swaps it.
type Router struct {
	table atomic.Pointer[routingTable]
}

// NewRouter builds a router from static routes and conventions.
func NewRouter(routes []Route, conventions ...Convention) (*Router, error) {
	r := &Router{}
	if err := r.Reload(routes, conventions...); err != nil {
		return nil, err
	}

	return r, nil
}

// Reload replaces the routing table atomically.
func (r *Router) Reload(routes []Route, conventions ...Convention) error {
	table, err := newRoutingTable(routes, conventions)
	if err != nil {
		return err
	}
	r.table.Store(table)

	return nil
}

// RouteFor returns the ordered destinations of messageType: static routes first,
// then conventions, without duplicates.
func (r *Router) RouteFor(messageType string) []string {
	table := r.table.Load()
	if table == nil {
		return nil
	}

	return table.routeFor(messageType)
}

// Validate reports every message type without a destination.
func (r *Router) Validate(messageTypes []string) error {
	var missing []string
	for _, mt := range messageTypes {
		if len(r.RouteFor(mt)) == 0 {
			missing = append(missing, mt)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)

	return fmt.Errorf("%w: %s", ErrNoRoutes, strings.Join(missing, ", "))
}

// EndpointOptions configures one destination.
type EndpointOptions struct {
	// Durable requires persistence: outbox on send, inbox on receive.
	Durable bool
	// Sequential restricts a listener to one consumer at a time.
	Sequential bool
	// Workers overrides the listener concurrency.
	Workers int
}

// Endpoints holds per-destination options with a default for unknown destinations.
type Endpoints struct {
	mu       sync.RWMutex
	defaults EndpointOptions
	byDest   map[string]EndpointOptions
}

// NewEndpoints creates an endpoint table.
func NewEndpoints(defaults EndpointOptions) *Endpoints {
	return &Endpoints{defaults: defaults, byDest: make(map[string]EndpointOptions)}
}

// Set configures destination.
func (e *Endpoints) Set(destination string, opts EndpointOptions) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byDest[destination] = opts
}

// Options returns the options of destination.
func (e *Endpoints) Options(destination string) EndpointOptions {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if opts, ok := e.byDest[destination]; ok {
		return opts
	}

	return e.defaults
}
