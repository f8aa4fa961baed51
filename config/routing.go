package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/velmie/durable"
)

// ErrInvalidRouting is returned for a routing file that cannot be applied.
var ErrInvalidRouting = errors.New("durable config: invalid routing")

// Routing is the YAML routing, endpoint and error policy file.
//
//	routes:
//	  - type: order.placed
//	    destination: redis://orders
//	conventions:
//	  - prefix: billing.
//	    destination: redis://billing
//	endpoints:
//	  redis://orders: {durable: true, workers: 4}
//	listen: [redis://orders]
//	policy:
//	  max_attempts: 5
//	  rules:
//	    - error: transport
//	      action: retry-after
//	      delay: 5s
//	      up_to: 3
//	  any: {action: move-to-error-queue}
type Routing struct {
	Routes          []RouteSpec             `yaml:"routes"`
	Conventions     []ConventionSpec        `yaml:"conventions"`
	DefaultEndpoint EndpointSpec            `yaml:"default_endpoint"`
	Endpoints       map[string]EndpointSpec `yaml:"endpoints"`
	Listen          []string                `yaml:"listen"`
	Publishes       []string                `yaml:"publishes"`
	Policy          *PolicySpec             `yaml:"policy"`
}

// RouteSpec is one static route.
type RouteSpec struct {
	MessageType string `yaml:"type"`
	Destination string `yaml:"destination"`
}

// ConventionSpec is either a prefix rule or a queue-per-type scheme.
type ConventionSpec struct {
	Prefix       string `yaml:"prefix"`
	Destination  string `yaml:"destination"`
	QueuePerType string `yaml:"queue_per_type"`
}

// EndpointSpec configures one destination.
type EndpointSpec struct {
	Durable    bool `yaml:"durable"`
	Sequential bool `yaml:"sequential"`
	Workers    int  `yaml:"workers"`
}

// PolicySpec configures the error policy.
type PolicySpec struct {
	MaxImmediateRetries int               `yaml:"max_immediate_retries"`
	MaxAttempts         int               `yaml:"max_attempts"`
	Backoff             BackoffSpec       `yaml:"backoff"`
	Rules               []RuleSpec        `yaml:"rules"`
	Any                 *ContinuationSpec `yaml:"any"`
}

// BackoffSpec configures exponential backoff.
type BackoffSpec struct {
	Base   time.Duration `yaml:"base"`
	Max    time.Duration `yaml:"max"`
	Jitter time.Duration `yaml:"jitter"`
}

// RuleSpec binds a named error to a continuation.
type RuleSpec struct {
	Error            string `yaml:"error"`
	ContinuationSpec `yaml:",inline"`
}

// ContinuationSpec is the reaction of a rule.
type ContinuationSpec struct {
	Action string        `yaml:"action"`
	Delay  time.Duration `yaml:"delay"`
	At     time.Time     `yaml:"at"`
	UpTo   int           `yaml:"up_to"`
}

// ErrorRule registers a policy rule for a named error.
type ErrorRule func(b *durable.PolicyBuilder, c durable.Continuation) *durable.PolicyBuilder

// Sentinel returns an ErrorRule matching target with errors.Is.
func Sentinel(target error) ErrorRule {
	return func(b *durable.PolicyBuilder, c durable.Continuation) *durable.PolicyBuilder {
		return b.OnError(target, c)
	}
}

// OfType returns an ErrorRule matching T with errors.As.
func OfType[T error]() ErrorRule {
	return func(b *durable.PolicyBuilder, c durable.Continuation) *durable.PolicyBuilder {
		return durable.OnType[T](b, c)
	}
}

// BuiltinErrors are the error names every routing file may use.
func BuiltinErrors() map[string]ErrorRule {
	return map[string]ErrorRule{
		"serialization": OfType[*durable.SerializationError](),
		"transport":     OfType[*durable.TransportError](),
		"handler":       OfType[*durable.HandlerError](),
		"no-handler":    Sentinel(durable.ErrNoHandler),
		"persistence":   Sentinel(durable.ErrPersistenceUnavailable),
		"timeout":       Sentinel(context.DeadlineExceeded),
	}
}

// LoadRouting reads and decodes a routing file.
func LoadRouting(path string) (*Routing, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("durable config: read routing: %w", err)
	}

	return ParseRouting(raw)
}

// ParseRouting decodes a routing document. Unknown keys are rejected.
func ParseRouting(raw []byte) (*Routing, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var r Routing
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRouting, err)
	}

	return &r, nil
}

// RuntimeOptions converts the routing file into runtime options. errs extends
// BuiltinErrors with application error names.
func (r *Routing) RuntimeOptions(errs map[string]ErrorRule) ([]durable.Option, error) {
	routes := make([]durable.Route, 0, len(r.Routes))
	for _, spec := range r.Routes {
		if spec.MessageType == "" || spec.Destination == "" {
			return nil, fmt.Errorf("%w: route needs type and destination", ErrInvalidRouting)
		}
		routes = append(routes, durable.Route{MessageType: spec.MessageType, Destination: spec.Destination})
	}

	conventions, err := r.conventions()
	if err != nil {
		return nil, err
	}

	opts := []durable.Option{
		durable.WithRoutes(routes...),
		durable.WithConventions(conventions...),
		durable.WithDefaultEndpoint(r.DefaultEndpoint.options()),
		durable.WithListen(r.Listen...),
		durable.WithPublishes(r.Publishes...),
	}

	destinations := make([]string, 0, len(r.Endpoints))
	for dest := range r.Endpoints {
		destinations = append(destinations, dest)
	}
	sort.Strings(destinations)
	for _, dest := range destinations {
		opts = append(opts, durable.WithEndpoint(dest, r.Endpoints[dest].options()))
	}

	if r.Policy != nil {
		policy, err := r.Policy.Build(errs)
		if err != nil {
			return nil, err
		}
		opts = append(opts, durable.WithPolicy(policy))
	}

	return opts, nil
}

// Uses reports whether any route, convention, endpoint or listened destination
// uses the transport scheme.
func (r *Routing) Uses(scheme string) bool {
	dests := append([]string{}, r.Listen...)
	for _, spec := range r.Routes {
		dests = append(dests, spec.Destination)
	}
	for _, spec := range r.Conventions {
		if spec.QueuePerType == scheme {
			return true
		}
		dests = append(dests, spec.Destination)
	}
	for dest := range r.Endpoints {
		dests = append(dests, dest)
	}
	for _, dest := range dests {
		if s, _, err := durable.ParseDestination(dest); err == nil && s == scheme {
			return true
		}
	}

	return false
}

func (r *Routing) conventions() ([]durable.Convention, error) {
	out := make([]durable.Convention, 0, len(r.Conventions))
	for _, spec := range r.Conventions {
		switch {
		case spec.QueuePerType != "" && spec.Prefix == "":
			out = append(out, durable.QueuePerType(spec.QueuePerType))
		case spec.Prefix != "" && spec.Destination != "" && spec.QueuePerType == "":
			out = append(out, durable.PrefixConvention(spec.Prefix, spec.Destination))
		default:
			return nil, fmt.Errorf("%w: convention needs prefix and destination, or queue_per_type", ErrInvalidRouting)
		}
	}

	return out, nil
}

func (s EndpointSpec) options() durable.EndpointOptions {
	return durable.EndpointOptions{Durable: s.Durable, Sequential: s.Sequential, Workers: s.Workers}
}

// Build compiles the policy. Ambiguous rules fail as in durable.PolicyBuilder.Build.
func (p *PolicySpec) Build(errs map[string]ErrorRule) (*durable.Policy, error) {
	known := BuiltinErrors()
	for name, rule := range errs {
		known[name] = rule
	}

	b := durable.NewPolicy(
		durable.WithMaxImmediateRetries(p.MaxImmediateRetries),
		durable.WithMaxAttempts(p.MaxAttempts),
		durable.WithBackoff(durable.Backoff{Base: p.Backoff.Base, Max: p.Backoff.Max, Jitter: p.Backoff.Jitter}),
	)
	for _, spec := range p.Rules {
		rule, ok := known[spec.Error]
		if !ok {
			return nil, fmt.Errorf("%w: unknown error %q", ErrInvalidRouting, spec.Error)
		}
		c, err := spec.continuation()
		if err != nil {
			return nil, err
		}
		b = rule(b, c)
	}
	if p.Any != nil {
		c, err := p.Any.continuation()
		if err != nil {
			return nil, err
		}
		b = b.OnAny(c)
	}

	return b.Build()
}

func (s ContinuationSpec) continuation() (durable.Continuation, error) {
	var c durable.Continuation
	switch s.Action {
	case durable.ActionRetryNow.String():
		c = durable.RetryNow()
	case durable.ActionRetryAfter.String():
		c = durable.RetryAfter(s.Delay)
	case durable.ActionExponentialBackoff.String():
		c = durable.RetryWithExponentialBackoff(s.UpTo)
	case durable.ActionScheduleRetryAt.String():
		c = durable.ScheduleRetryAt(s.At)
	case durable.ActionMoveToErrorQueue.String():
		return durable.MoveToErrorQueue(), nil
	case durable.ActionDiscard.String():
		return durable.Discard(), nil
	default:
		return c, fmt.Errorf("%w: unknown action %q", ErrInvalidRouting, s.Action)
	}
	if s.UpTo > 0 {
		c = c.UpTo(s.UpTo)
	}

	return c, nil
}
