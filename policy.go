package durable

import (
	"fmt"
	"reflect"
	"time"
)

const (
	defaultMaxImmediateRetries = 3
	defaultMaxAttempts         = 10
)

// Action is the fate of a failed envelope.
type Action int

const (
	// ActionRetryNow invokes the pipeline again immediately.
	ActionRetryNow Action = iota
	// ActionRetryAfter re-persists the envelope as Scheduled after a delay.
	ActionRetryAfter
	// ActionExponentialBackoff re-persists the envelope as Scheduled after a growing delay.
	ActionExponentialBackoff
	// ActionScheduleRetryAt re-persists the envelope as Scheduled at a fixed time.
	ActionScheduleRetryAt
	// ActionMoveToErrorQueue records the envelope as a dead letter.
	ActionMoveToErrorQueue
	// ActionDiscard drops the envelope.
	ActionDiscard
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionRetryNow:
		return "retry-now"
	case ActionRetryAfter:
		return "retry-after"
	case ActionExponentialBackoff:
		return "exponential-backoff"
	case ActionScheduleRetryAt:
		return "schedule-retry-at"
	case ActionMoveToErrorQueue:
		return "move-to-error-queue"
	case ActionDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// Retries reports whether the action keeps the envelope in active processing.
func (a Action) Retries() bool {
	return a == ActionRetryNow || a.Delayed()
}

// Delayed reports whether the action goes through scheduled release.
func (a Action) Delayed() bool {
	return a == ActionRetryAfter || a == ActionExponentialBackoff || a == ActionScheduleRetryAt
}

// Continuation is the configured reaction of one policy rule.
type Continuation struct {
	action      Action
	delay       time.Duration
	at          time.Time
	maxAttempts int
}

// RetryNow retries immediately.
func RetryNow() Continuation {
	return Continuation{action: ActionRetryNow}
}

// RetryAfter retries after delay through the scheduler.
func RetryAfter(delay time.Duration) Continuation {
	return Continuation{action: ActionRetryAfter, delay: delay}
}

// RetryWithExponentialBackoff retries with the policy backoff until maxAttempts
// attempts were made, then moves the envelope to the error queue.
func RetryWithExponentialBackoff(maxAttempts int) Continuation {
	return Continuation{action: ActionExponentialBackoff, maxAttempts: maxAttempts}
}

// ScheduleRetryAt retries at a fixed time.
func ScheduleRetryAt(at time.Time) Continuation {
	return Continuation{action: ActionScheduleRetryAt, at: at}
}

// MoveToErrorQueue dead-letters the envelope.
func MoveToErrorQueue() Continuation {
	return Continuation{action: ActionMoveToErrorQueue}
}

// Discard drops the envelope.
func Discard() Continuation {
	return Continuation{action: ActionDiscard}
}

// UpTo limits a retrying continuation to attempts; later failures go to the error queue.
func (c Continuation) UpTo(attempts int) Continuation {
	c.maxAttempts = attempts

	return c
}

// Action returns the configured action.
func (c Continuation) Action() Action {
	return c.action
}

// Decision is the outcome of Policy.Decide.
type Decision struct {
	Action Action
	// At is the release time of delayed actions.
	At time.Time
	// Rule names the rule that produced the decision.
	Rule string
}

type policyRule struct {
	name     string
	sentinel error
	typ      reflect.Type
	match    func(error) bool
	cont     Continuation
}

// Policy decides the fate of failed envelopes. It is immutable once built.
type Policy struct {
	rules        []policyRule
	any          *Continuation
	maxImmediate int
	maxAttempts  int
	backoff      Backoff
}

// PolicyConfig holds policy limits.
type PolicyConfig struct {
	// MaxImmediateRetries is the number of immediate retries when no rule matches.
	MaxImmediateRetries int
	// MaxAttempts caps every retrying action.
	MaxAttempts int
	// Backoff drives exponential and transient transport retries.
	Backoff Backoff
}

func (c PolicyConfig) withDefaults() PolicyConfig {
	if c.MaxImmediateRetries < 0 {
		c.MaxImmediateRetries = 0
	} else if c.MaxImmediateRetries == 0 {
		c.MaxImmediateRetries = defaultMaxImmediateRetries
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	c.Backoff = c.Backoff.withDefaults()

	return c
}

// PolicyOption configures a PolicyBuilder.
type PolicyOption func(*PolicyConfig)

// WithMaxImmediateRetries sets the default number of immediate retries.
// A negative value disables them.
func WithMaxImmediateRetries(n int) PolicyOption {
	return func(c *PolicyConfig) {
		c.MaxImmediateRetries = n
	}
}

// WithMaxAttempts caps the attempts of every retrying action.
func WithMaxAttempts(n int) PolicyOption {
	return func(c *PolicyConfig) {
		c.MaxAttempts = n
	}
}

// WithBackoff sets the exponential backoff.
func WithBackoff(b Backoff) PolicyOption {
	return func(c *PolicyConfig) {
		c.Backoff = b
	}
}

// PolicyBuilder collects rules. Build rejects overlapping rules.
type PolicyBuilder struct {
	cfg   PolicyConfig
	rules []policyRule
	anys  []Continuation
	err   error
}

// NewPolicy starts a policy.
func NewPolicy(opts ...PolicyOption) *PolicyBuilder {
	var cfg PolicyConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return &PolicyBuilder{cfg: cfg.withDefaults()}
}

// OnError applies c when target appears in the error chain.
func (b *PolicyBuilder) OnError(target error, c Continuation) *PolicyBuilder {
	if target == nil {
		b.err = fmt.Errorf("durable policy rule: nil error target")

		return b
	}
	b.rules = append(b.rules, policyRule{
		name:     fmt.Sprintf("error %q", target),
		sentinel: target,
		match: func(link error) bool {
			return linkIs(link, target)
		},
		cont: c,
	})

	return b
}

// OnType applies c when an error of type T appears in the error chain.
func OnType[T error](b *PolicyBuilder, c Continuation) *PolicyBuilder {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	b.rules = append(b.rules, policyRule{
		name: "type " + typ.String(),
		typ:  typ,
		match: func(link error) bool {
			_, ok := link.(T)

			return ok
		},
		cont: c,
	})

	return b
}

// OnAny applies c when no specific rule matches.
func (b *PolicyBuilder) OnAny(c Continuation) *PolicyBuilder {
	b.anys = append(b.anys, c)

	return b
}

// Build validates the rules and returns an immutable policy.
func (b *PolicyBuilder) Build() (*Policy, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.cfg.MaxAttempts <= b.cfg.MaxImmediateRetries {
		return nil, fmt.Errorf("%w: max attempts %d must exceed immediate retries %d",
			ErrAmbiguousPolicy, b.cfg.MaxAttempts, b.cfg.MaxImmediateRetries)
	}
	if len(b.anys) > 1 {
		return nil, fmt.Errorf("%w: %d catch-all rules", ErrAmbiguousPolicy, len(b.anys))
	}
	for i := range b.rules {
		if err := validateContinuation(b.rules[i].name, b.rules[i].cont); err != nil {
			return nil, err
		}
		for j := i + 1; j < len(b.rules); j++ {
			if rulesOverlap(b.rules[i], b.rules[j]) {
				return nil, fmt.Errorf("%w: %s overlaps %s", ErrAmbiguousPolicy, b.rules[i].name, b.rules[j].name)
			}
		}
	}

	p := &Policy{
		rules:        append([]policyRule(nil), b.rules...),
		maxImmediate: b.cfg.MaxImmediateRetries,
		maxAttempts:  b.cfg.MaxAttempts,
		backoff:      b.cfg.Backoff,
	}
	if len(b.anys) == 1 {
		if err := validateContinuation("any", b.anys[0]); err != nil {
			return nil, err
		}
		c := b.anys[0]
		p.any = &c
	}

	return p, nil
}

// MustBuild is like Build but panics on error.
func (b *PolicyBuilder) MustBuild() *Policy {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}

	return p
}

// DefaultPolicy retries immediately three times, then moves to the error queue.
func DefaultPolicy() *Policy {
	return NewPolicy().MustBuild()
}

func validateContinuation(name string, c Continuation) error {
	switch c.action {
	case ActionRetryAfter:
		if c.delay <= 0 {
			return fmt.Errorf("durable policy rule %s: retry delay must be positive", name)
		}
	case ActionExponentialBackoff:
		if c.maxAttempts <= 0 {
			return fmt.Errorf("durable policy rule %s: backoff max attempts must be positive", name)
		}
	case ActionScheduleRetryAt:
		if c.at.IsZero() {
			return fmt.Errorf("durable policy rule %s: retry time is required", name)
		}
	}

	return nil
}

func rulesOverlap(a, b policyRule) bool {
	switch {
	case a.sentinel != nil && b.sentinel != nil:
		return sameSentinel(a.sentinel, b.sentinel)
	case a.typ != nil && b.typ != nil:
		return typesOverlap(a.typ, b.typ)
	case a.sentinel != nil:
		return sentinelHasType(a.sentinel, b.typ)
	default:
		return sentinelHasType(b.sentinel, a.typ)
	}
}

func sameSentinel(a, b error) bool {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) {
		return false
	}
	if ta.Comparable() {
		return a == b
	}

	return false
}

func typesOverlap(a, b reflect.Type) bool {
	if a == b {
		return true
	}
	if a.Kind() == reflect.Interface && b.Implements(a) {
		return true
	}
	if b.Kind() == reflect.Interface && a.Implements(b) {
		return true
	}

	return false
}

func sentinelHasType(sentinel error, typ reflect.Type) bool {
	st := reflect.TypeOf(sentinel)
	if st == typ {
		return true
	}

	return typ.Kind() == reflect.Interface && st.Implements(typ)
}

func linkIs(link, target error) bool {
	if reflect.TypeOf(link).Comparable() && link == target {
		return true
	}
	if x, ok := link.(interface{ Is(error) bool }); ok && x.Is(target) {
		return true
	}

	return false
}

// walkChain visits err and its wrapped errors, outermost first, depth first through joins.
func walkChain(err error, visit func(error) bool) bool {
	for err != nil {
		if visit(err) {
			return true
		}
		switch x := err.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				if walkChain(inner, visit) {
					return true
				}
			}

			return false
		case interface{ Unwrap() error }:
			err = x.Unwrap()
		default:
			return false
		}
	}

	return false
}

// match returns the rule of the outermost chain link matched by any rule.
// A link matched by several rules with different actions is ambiguous.
func (p *Policy) match(err error) (*policyRule, bool) {
	var (
		found     *policyRule
		ambiguous bool
	)
	walkChain(err, func(link error) bool {
		for i := range p.rules {
			rule := &p.rules[i]
			if !rule.match(link) {
				continue
			}
			if found == nil {
				found = rule

				continue
			}
			if found.cont != rule.cont {
				ambiguous = true
			}
		}

		return found != nil
	})

	return found, ambiguous
}

// Decide returns the fate of env after err. env.Attempts counts the attempt that failed.
func (p *Policy) Decide(env *Envelope, err error, now time.Time) Decision {
	attempts := env.Attempts

	if Classify(err) == FailureSerialization {
		return Decision{Action: ActionMoveToErrorQueue, Rule: "serialization"}
	}

	var (
		cont Continuation
		rule string
	)
	matched, ambiguous := p.match(err)
	switch {
	case ambiguous:
		return Decision{Action: ActionMoveToErrorQueue, Rule: "ambiguous"}
	case matched != nil:
		cont, rule = matched.cont, matched.name
	case p.any != nil:
		cont, rule = *p.any, "any"
	case Classify(err) == FailureTransientTransport:
		cont, rule = RetryWithExponentialBackoff(p.maxAttempts), "transient-transport"
	default:
		if attempts <= p.maxImmediate {
			return Decision{Action: ActionRetryNow, Rule: "default"}
		}

		return Decision{Action: ActionMoveToErrorQueue, Rule: "default"}
	}

	d := p.apply(cont, attempts, now)
	d.Rule = rule
	if d.Action.Retries() && attempts >= p.maxAttempts {
		d.Action = ActionMoveToErrorQueue
		d.At = time.Time{}
	}

	return d
}

func (p *Policy) apply(c Continuation, attempts int, now time.Time) Decision {
	if c.action.Retries() && c.maxAttempts > 0 && attempts >= c.maxAttempts {
		return Decision{Action: ActionMoveToErrorQueue}
	}

	switch c.action {
	case ActionRetryAfter:
		return Decision{Action: ActionRetryAfter, At: now.Add(c.delay)}
	case ActionExponentialBackoff:
		return Decision{Action: ActionExponentialBackoff, At: now.Add(p.backoff.Delay(attempts))}
	case ActionScheduleRetryAt:
		at := c.at
		if at.Before(now) {
			at = now
		}

		return Decision{Action: ActionScheduleRetryAt, At: at}
	default:
		return Decision{Action: c.action}
	}
}

// MaxAttempts returns the attempt cap.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}
