package core

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/drvkit/drvkit-go/pkg/device"
	"github.com/drvkit/drvkit-go/pkg/driver"
	"github.com/drvkit/drvkit-go/pkg/log"
	"github.com/drvkit/drvkit-go/pkg/metrics"
	"github.com/drvkit/drvkit-go/pkg/module"
	"github.com/drvkit/drvkit-go/pkg/natsbridge"
	"github.com/drvkit/drvkit-go/pkg/persistence"
)

// DriverFactory builds the implementation of a driver declared in a module
// manifest.
type DriverFactory func(moduleID string, spec module.DriverSpec) (driver.Driver, error)

// Option customizes Initialize.
type Option func(*options)

type options struct {
	buses          []device.Bus
	backend        module.Backend
	factory        DriverFactory
	trace          log.Logger
	store          persistence.Store
	metrics        *metrics.Collector
	publisher      natsbridge.Publisher
	tracerProvider trace.TracerProvider
	logger         *slog.Logger
	now            func() time.Time
}

// WithBuses attaches buses for discovery and hot-plug detection. Each bus
// takes its section from the configuration, or the defaults of its kind.
func WithBuses(buses ...device.Bus) Option {
	return func(o *options) { o.buses = append(o.buses, buses...) }
}

// WithBackend sets the module backend. Without one, modules link in-process
// and export their declared symbols.
func WithBackend(b module.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithDriverFactory builds drivers for modules that declare them in their
// descriptor instead of passing implementations to RegisterModule.
func WithDriverFactory(f DriverFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithTraceLogger adds a structured trace sink. It is combined with the
// sinks named in the trace configuration.
func WithTraceLogger(l log.Logger) Option {
	return func(o *options) { o.trace = l }
}

// WithStore sets the state store, overriding the state configuration. The
// caller keeps ownership and closes it.
func WithStore(s persistence.Store) Option {
	return func(o *options) { o.store = s }
}

// WithMetrics sets the metrics collector, overriding the metrics
// configuration.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithPublisher forwards lifecycle events to a NATS connection or any other
// publisher. Events are published while Run is active.
func WithPublisher(p natsbridge.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithTracerProvider sets the OpenTelemetry provider for module and
// recovery spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the clock for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// inProcessBackend links modules whose code is already part of the process.
type inProcessBackend struct{}

func (inProcessBackend) Link(_ context.Context, desc module.Descriptor) (module.Exports, error) {
	exports := make(module.Exports, len(desc.Symbols))
	for _, s := range desc.Symbols {
		exports[s] = module.QualifiedName(desc.ID, s)
	}
	return exports, nil
}

func (inProcessBackend) Init(context.Context, module.Descriptor) error   { return nil }
func (inProcessBackend) Unlink(context.Context, module.Descriptor) error { return nil }
