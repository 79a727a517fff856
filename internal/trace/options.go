package trace

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/dshills/tracecore/internal/trace/dispatch"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxTrackedActivities bounds each activity filter's active set.
const DefaultMaxTrackedActivities = 100000

// Option configures a Registry.
type Option func(*registryConfig)

// registryConfig contains configuration for the registry.
type registryConfig struct {
	// logger receives diagnostics and command traces.
	logger *zap.Logger

	// clock supplies activity timestamps.
	clock clock.Clock

	// maxTracked is the active-activity ceiling per filter.
	maxTracked int

	// validate runs Validate after every attach and detach.
	validate bool

	// observer is notified of writes, failures and commands.
	observer Observer

	// locker serializes the control plane.
	locker sync.Locker

	// panicHandler is called when a listener panics.
	panicHandler dispatch.PanicHandler
}

// defaultRegistryConfig returns sensible default configuration.
func defaultRegistryConfig() registryConfig {
	return registryConfig{
		logger:     zap.NewNop(),
		clock:      clock.New(),
		maxTracked: DefaultMaxTrackedActivities,
		observer:   nopObserver{},
		locker:     &sync.Mutex{},
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *registryConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock sets the clock used for activity ages.
func WithClock(clk clock.Clock) Option {
	return func(c *registryConfig) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithMaxTrackedActivities sets the active-activity ceiling per filter.
func WithMaxTrackedActivities(n int) Option {
	return func(c *registryConfig) {
		if n > 2 {
			c.maxTracked = n
		}
	}
}

// WithValidation enables attachment checks after every attach and detach.
func WithValidation(enabled bool) Option {
	return func(c *registryConfig) {
		c.validate = enabled
	}
}

// WithObserver installs an observer for metrics.
func WithObserver(o Observer) Option {
	return func(c *registryConfig) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithLocker replaces the control-plane lock.
func WithLocker(l sync.Locker) Option {
	return func(c *registryConfig) {
		if l != nil {
			c.locker = l
		}
	}
}

// WithPanicHandler sets the handler called when a listener panics.
func WithPanicHandler(h dispatch.PanicHandler) Option {
	return func(c *registryConfig) {
		c.panicHandler = h
	}
}

// SourceOption configures a Source.
type SourceOption func(*sourceConfig)

type sourceConfig struct {
	transport Transport
	strict    bool
	mirror    bool
	handler   CommandHandler
	guid      uuid.UUID
}

// WithTransport attaches the out-of-process transport.
func WithTransport(t Transport) SourceOption {
	return func(c *sourceConfig) {
		c.transport = t
	}
}

// WithStrictWrites makes transport failures surface as *WriteError.
func WithStrictWrites() SourceOption {
	return func(c *sourceConfig) {
		c.strict = true
	}
}

// WithTransportMirror forwards every event enabled for a listener to the
// transport as well, with the all-sessions mask.
func WithTransportMirror() SourceOption {
	return func(c *sourceConfig) {
		c.mirror = true
	}
}

// WithCommandHandler installs the source's command callback.
func WithCommandHandler(h CommandHandler) SourceOption {
	return func(c *sourceConfig) {
		c.handler = h
	}
}

// WithGUID overrides the GUID derived from the source name.
func WithGUID(id uuid.UUID) SourceOption {
	return func(c *sourceConfig) {
		c.guid = id
	}
}

// ListenerOption configures a Listener.
type ListenerOption func(*listenerConfig)

type listenerConfig struct {
	name string
}

// WithListenerName names the listener in logs and errors.
func WithListenerName(name string) ListenerOption {
	return func(c *listenerConfig) {
		c.name = name
	}
}
