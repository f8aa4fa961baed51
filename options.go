package durable

import "time"

const (
	defaultServiceName   = "durable"
	defaultShutdownGrace = 30 * time.Second
)

// Config defines how a Runtime is assembled.
type Config struct {
	ServiceName string
	Clock       Clock
	Logger      Logger
	Metrics     Metrics
	IDs         IDGenerator

	Transports  []Transport
	Routes      []Route
	Conventions []Convention
	// DefaultEndpoint applies to destinations without explicit options.
	DefaultEndpoint EndpointOptions
	Endpoints       map[string]EndpointOptions
	// Listen lists the endpoints this node consumes.
	Listen []string
	// Publishes lists message types that must have a route at Start in addition to
	// the registered types that no local handler consumes.
	Publishes []string

	Policy      *Policy
	Handlers    *Handlers
	Types       *TypeRegistry
	Serializers []Serializer

	LocalWorkers int
	Relay        RelayConfig
	Scheduler    SchedulerConfig

	HeartbeatInterval time.Duration
	LeaseTTL          time.Duration
	NodeTimeout       time.Duration
	RecoveryInterval  time.Duration
	RecoveryBatchSize int
	CleanupInterval   time.Duration
	ShutdownGrace     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = defaultServiceName
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
	if c.Policy == nil {
		c.Policy = DefaultPolicy()
	}
	if c.Types == nil {
		if c.Handlers != nil {
			c.Types = c.Handlers.Types()
		} else {
			c.Types = NewTypeRegistry()
		}
	}
	if len(c.Serializers) == 0 {
		c.Serializers = []Serializer{JSONSerializer{Types: c.Types}, BytesSerializer{}}
	}
	if c.LocalWorkers <= 0 {
		c.LocalWorkers = defaultLocalWorkers
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.NodeTimeout <= 0 {
		c.NodeTimeout = defaultNodeTimeout
	}
	if c.NodeTimeout <= c.HeartbeatInterval {
		c.NodeTimeout = 3 * c.HeartbeatInterval
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = defaultRecoveryInterval
	}
	if c.RecoveryBatchSize <= 0 {
		c.RecoveryBatchSize = defaultRecoveryBatch
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	c.Scheduler = c.Scheduler.withDefaults()

	relay := c.Relay
	if relay.Clock == nil {
		relay.Clock = c.Clock
	}
	if relay.Logger == nil {
		relay.Logger = LoggerWith(c.Logger, "component", "relay")
	}
	if relay.Metrics == nil {
		relay.Metrics = c.Metrics
	}
	c.Relay = relay.withDefaults()

	return c
}

// Option configures a Runtime.
type Option func(*Config)

// WithServiceName sets the service name recorded on the node row and as envelope source.
func WithServiceName(name string) Option {
	return func(c *Config) {
		c.ServiceName = name
	}
}

// WithClock sets the runtime clock.
func WithClock(clock Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithLogger sets the runtime logger.
func WithLogger(logger Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithIDGenerator sets the envelope id generator.
func WithIDGenerator(ids IDGenerator) Option {
	return func(c *Config) {
		c.IDs = ids
	}
}

// WithTransport registers a transport. The local transport is always present.
func WithTransport(tr Transport) Option {
	return func(c *Config) {
		c.Transports = append(c.Transports, tr)
	}
}

// WithRoutes adds static publish routes.
func WithRoutes(routes ...Route) Option {
	return func(c *Config) {
		c.Routes = append(c.Routes, routes...)
	}
}

// WithConventions adds routing conventions, evaluated after static routes.
func WithConventions(conventions ...Convention) Option {
	return func(c *Config) {
		c.Conventions = append(c.Conventions, conventions...)
	}
}

// WithDefaultEndpoint sets the options of destinations without explicit options.
func WithDefaultEndpoint(opts EndpointOptions) Option {
	return func(c *Config) {
		c.DefaultEndpoint = opts
	}
}

// WithEndpoint sets the options of destination.
func WithEndpoint(destination string, opts EndpointOptions) Option {
	return func(c *Config) {
		if c.Endpoints == nil {
			c.Endpoints = make(map[string]EndpointOptions)
		}
		c.Endpoints[destination] = opts
	}
}

// WithListen makes this node consume endpoints.
func WithListen(endpoints ...string) Option {
	return func(c *Config) {
		c.Listen = append(c.Listen, endpoints...)
	}
}

// WithPublishes declares extra message types whose routes are validated at Start.
// Registered types without a local handler are always validated.
func WithPublishes(messageTypes ...string) Option {
	return func(c *Config) {
		c.Publishes = append(c.Publishes, messageTypes...)
	}
}

// WithPolicy sets the error policy.
func WithPolicy(policy *Policy) Option {
	return func(c *Config) {
		c.Policy = policy
	}
}

// WithHandlers sets the handler pipeline.
func WithHandlers(handlers *Handlers) Option {
	return func(c *Config) {
		c.Handlers = handlers
	}
}

// WithTypes sets the message type registry used when no handlers are configured.
func WithTypes(types *TypeRegistry) Option {
	return func(c *Config) {
		c.Types = types
	}
}

// WithSerializers replaces the serializers. The first one encodes new envelopes.
func WithSerializers(serializers ...Serializer) Option {
	return func(c *Config) {
		c.Serializers = serializers
	}
}

// WithLocalWorkers sets the default worker count of local queues.
func WithLocalWorkers(n int) Option {
	return func(c *Config) {
		c.LocalWorkers = n
	}
}

// WithRelay sets the relay configuration. Clock, logger and metrics default to the runtime ones.
func WithRelay(cfg RelayConfig) Option {
	return func(c *Config) {
		c.Relay = cfg
	}
}

// WithScheduler sets the scheduler configuration.
func WithScheduler(cfg SchedulerConfig) Option {
	return func(c *Config) {
		c.Scheduler = cfg
	}
}

// WithHeartbeatInterval sets how often the node heartbeats and renews duties.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatInterval = d
	}
}

// WithLeaseTTL sets the duty lease duration.
func WithLeaseTTL(d time.Duration) Option {
	return func(c *Config) {
		c.LeaseTTL = d
	}
}

// WithNodeTimeout sets the heartbeat age after which a node is evicted.
func WithNodeTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.NodeTimeout = d
	}
}

// WithRecovery sets the incoming recovery poll interval and batch size.
func WithRecovery(interval time.Duration, batchSize int) Option {
	return func(c *Config) {
		c.RecoveryInterval = interval
		c.RecoveryBatchSize = batchSize
	}
}

// WithCleanupInterval sets how often expired rows are deleted.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *Config) {
		c.CleanupInterval = d
	}
}

// WithShutdownGrace bounds how long Shutdown waits for in-flight envelopes.
func WithShutdownGrace(d time.Duration) Option {
	return func(c *Config) {
		c.ShutdownGrace = d
	}
}
