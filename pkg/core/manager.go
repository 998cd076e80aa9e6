package core

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/drvkit/drvkit-go/internal/keylock"
	"github.com/drvkit/drvkit-go/pkg/config"
	"github.com/drvkit/drvkit-go/pkg/device"
	"github.com/drvkit/drvkit-go/pkg/driver"
	"github.com/drvkit/drvkit-go/pkg/events"
	"github.com/drvkit/drvkit-go/pkg/hotplug"
	"github.com/drvkit/drvkit-go/pkg/log"
	"github.com/drvkit/drvkit-go/pkg/metrics"
	"github.com/drvkit/drvkit-go/pkg/module"
	"github.com/drvkit/drvkit-go/pkg/natsbridge"
	"github.com/drvkit/drvkit-go/pkg/persistence"
	"github.com/drvkit/drvkit-go/pkg/recovery"
	"github.com/drvkit/drvkit-go/pkg/resource"
)

// Manager is the driver manager.
type Manager struct {
	cfg    config.Config
	logger *slog.Logger
	trace  *log.Session
	now    func() time.Time

	buses       []device.Bus
	scanTimeout time.Duration

	registry  *driver.Registry
	binder    *driver.Binder
	resources *resource.Manager
	hotplug   *hotplug.Manager
	loader    *module.Loader
	recovery  *recovery.Manager
	events    *events.Bus
	metrics   *metrics.Collector
	bridge    *natsbridge.Bridge
	store     persistence.Store
	factory   DriverFactory

	// closers are resources Initialize opened itself.
	closers []io.Closer

	// locks serializes operations per device.
	locks keylock.Map

	mu            sync.Mutex
	devices       map[string]device.Device
	isolated      map[string]persistence.IsolatedDevice
	moduleDrivers map[string][]driver.Descriptor
	activeOrder   []string
	restoreOrder  []string
	closed        bool
}

// Initialize builds a driver manager from cfg. State persisted by a
// previous run (learned recovery patterns, isolated devices) is restored;
// modules that were active are re-activated by RestoreModules.
func Initialize(cfg config.Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := o.now
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		cfg:           cfg,
		logger:        logger,
		now:           now,
		buses:         o.buses,
		metrics:       o.metrics,
		store:         o.store,
		factory:       o.factory,
		devices:       make(map[string]device.Device),
		isolated:      make(map[string]persistence.IsolatedDevice),
		moduleDrivers: make(map[string][]driver.Descriptor),
	}

	if err := m.openSinks(o.trace); err != nil {
		m.closeAll()
		return nil, err
	}
	m.events = events.NewBus(events.Config{Logger: logger, Now: now})

	m.registry = driver.NewRegistry()
	m.resources = resource.NewManager(resource.Config{
		StaleAfter: cfg.Resources.StaleAfter,
		Logger:     logger.With("component", "resource"),
		Now:        now,
	})
	m.binder = driver.NewBinder(driver.BinderConfig{
		Registry:  m.registry,
		Resources: m.resources,
		Logger:    logger.With("component", "binder"),
	})
	m.resources.SetOwnerChecker(m.binder.OwnerBound)

	hp, err := m.newHotplug()
	if err != nil {
		m.closeAll()
		return nil, err
	}
	m.hotplug = hp

	backend := o.backend
	if backend == nil {
		backend = inProcessBackend{}
	}
	m.loader, err = module.NewLoader(module.Config{
		Backend:        backend,
		LoadTimeout:    cfg.Modules.LoadTimeout,
		TracerProvider: o.tracerProvider,
		Logger:         logger.With("component", "module"),
		Now:            now,
	})
	if err != nil {
		m.closeAll()
		return nil, err
	}
	m.loader.OnStateChange(m.moduleStateChanged)

	rc := cfg.Recovery
	m.recovery, err = recovery.NewManager(recovery.Config{
		Actions:          recoveryActions{m},
		EscalationWindow: rc.EscalationWindow,
		MaxRetries:       rc.MaxRetries,
		InitialRetries:   rc.InitialRetries,
		HalfLife:         rc.HalfLife,
		MaxPatterns:      rc.MaxPatterns,
		PatternTTL:       rc.PatternTTL,
		OnClose:          m.recordClosed,
		TracerProvider:   o.tracerProvider,
		Logger:           logger.With("component", "recovery"),
		Now:              now,
	})
	if err != nil {
		m.closeAll()
		return nil, err
	}

	if o.publisher != nil {
		m.bridge, err = natsbridge.New(natsbridge.Config{
			Publisher:     o.publisher,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Logger:        logger.With("component", "nats"),
		})
		if err == nil {
			err = m.bridge.Attach(m.events, events.Filter{})
		}
		if err != nil {
			m.closeAll()
			return nil, err
		}
	}

	if err := m.loadState(context.Background()); err != nil {
		m.closeAll()
		return nil, err
	}
	if dir := cfg.Modules.ManifestDir; dir != "" {
		descs, err := module.LoadManifests(dir)
		if err != nil {
			m.closeAll()
			return nil, err
		}
		for _, desc := range descs {
			if err := m.RegisterModule(desc); err != nil {
				m.closeAll()
				return nil, err
			}
		}
	}

	m.trace.Log(log.Event{
		Component: log.ComponentCore,
		Category:  log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityDevice,
			NewState: "INITIALIZED",
			Reason:   fmt.Sprintf("%d buses", len(m.buses)),
		},
	})
	logger.Info("driver manager initialized", "session", m.trace.ID, "buses", len(m.buses))
	return m, nil
}

// openSinks sets up the trace session, state store and metrics named by the
// configuration unless options already supplied them.
func (m *Manager) openSinks(extra log.Logger) error {
	var sinks []log.Logger
	if extra != nil {
		sinks = append(sinks, extra)
	}
	if m.cfg.Trace.File != "" {
		fl, err := log.NewFileLogger(m.cfg.Trace.File)
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		m.closers = append(m.closers, fl)
		sinks = append(sinks, fl)
	}
	if m.cfg.Trace.Console {
		sinks = append(sinks, log.NewSlogAdapter(m.logger))
	}
	var sink log.Logger
	switch len(sinks) {
	case 0:
	case 1:
		sink = sinks[0]
	default:
		sink = log.NewMultiLogger(sinks...)
	}
	m.trace = log.NewSession(sink, m.now)

	if m.store == nil {
		switch m.cfg.State.Backend {
		case "file":
			m.store = persistence.NewFileStore(m.cfg.State.Path)
			m.closers = append(m.closers, m.store)
		case "badger":
			s, err := persistence.NewBadgerStore(m.cfg.State.Path)
			if err != nil {
				return fmt.Errorf("open state store: %w", err)
			}
			m.store = s
			m.closers = append(m.closers, s)
		}
	}

	if m.metrics == nil && m.cfg.Metrics.Enabled {
		m.metrics = metrics.New(m.cfg.Metrics.Namespace)
	}
	return nil
}

func (m *Manager) newHotplug() (*hotplug.Manager, error) {
	hc := m.cfg.Hotplug
	hp, err := hotplug.NewManager(hotplug.Config{
		Handler: hotplug.HandlerFuncs{
			Arrived: m.deviceArrived,
			Removed: m.deviceRemoved,
		},
		DebounceWindow:    hc.DebounceWindow,
		AdaptiveThreshold: hc.AdaptiveThreshold,
		FailureThreshold:  hc.FailureThreshold,
		HistorySize:       hc.HistorySize,
		Logger:            m.logger.With("component", "hotplug"),
		Now:               m.now,
	})
	if err != nil {
		return nil, err
	}

	for _, bus := range m.buses {
		kind := bus.Kind()
		section, ok := m.cfg.Bus(kind)
		if !ok {
			section = config.BusConfig{Kind: kind.String()}
		}
		bc, err := section.HotplugBus(bus)
		if err != nil {
			return nil, err
		}
		if err := hp.AddBus(bc); err != nil {
			return nil, err
		}
		timeout := bc.ScanTimeout
		if timeout <= 0 {
			timeout = hotplug.CapabilitiesOf(kind).ScanTimeout
		}
		m.scanTimeout = max(m.scanTimeout, timeout)
	}
	return hp, nil
}

// Shutdown saves state, unbinds every device, unloads resident modules
// dependents first and runs pending cleanup. Calling it again is a no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var errs []error
	if err := m.SaveState(ctx); err != nil {
		errs = append(errs, err)
	}

	for _, bnd := range m.binder.Bindings() {
		if _, err := m.unbindDevice(ctx, bnd.DeviceID, false); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, m.unloadAll(ctx)...)

	stats := m.resources.ExecuteCleanup(ctx)
	m.metrics.Cleanup(stats)
	if leaks := m.resources.DetectLeaks(m.now()); len(leaks) > 0 {
		m.logger.Warn("resources leaked at shutdown", "count", len(leaks))
		m.trace.Log(log.Event{
			Component: log.ComponentResource,
			Category:  log.CategoryResource,
			Resource:  &log.ResourceEvent{Leaks: len(leaks)},
		})
	}

	if m.bridge != nil {
		m.bridge.Detach()
	}
	m.events.ClearAll()
	errs = append(errs, m.closeAll()...)

	m.logger.Info("driver manager shut down", "session", m.trace.ID)
	return errors.Join(errs...)
}

func (m *Manager) closeAll() []error {
	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.closers = nil
	return errs
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SessionID returns the trace session id of this manager instance.
func (m *Manager) SessionID() string {
	return m.trace.ID
}

// Devices returns a snapshot of the device table sorted by id.
func (m *Manager) Devices() []device.Device {
	m.mu.Lock()
	out := make([]device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b device.Device) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Device returns a snapshot of one device.
func (m *Manager) Device(id string) (device.Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	return d, ok
}

// Isolated returns the quarantined devices sorted by id.
func (m *Manager) Isolated() []persistence.IsolatedDevice {
	m.mu.Lock()
	out := make([]persistence.IsolatedDevice, 0, len(m.isolated))
	for _, iso := range m.isolated {
		out = append(out, iso)
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b persistence.IsolatedDevice) int { return cmp.Compare(a.DeviceID, b.DeviceID) })
	return out
}

// Bindings returns the binding table.
func (m *Manager) Bindings() []driver.Binding {
	return m.binder.Bindings()
}

// Drivers returns the registered drivers in binding order.
func (m *Manager) Drivers() []driver.Entry {
	return m.registry.List()
}

// Modules returns the registered modules.
func (m *Manager) Modules() []module.Info {
	return m.loader.List()
}

// ModuleStats returns loader statistics.
func (m *Manager) ModuleStats() module.Stats {
	return m.loader.Stats()
}

// ResolveSymbol looks up a qualified module::symbol name.
func (m *Manager) ResolveSymbol(name string) (module.Symbol, error) {
	return m.loader.ResolveSymbol(name)
}

// Resources returns the resource manager drivers register through.
func (m *Manager) Resources() *resource.Manager {
	return m.resources
}

// Leaks reports live resources whose owner is gone or that went stale.
func (m *Manager) Leaks() []resource.Leak {
	return m.resources.DetectLeaks(m.now())
}

// Records returns the open and retained closed error records.
func (m *Manager) Records() []recovery.Record {
	return m.recovery.Records()
}

// Record returns one error record.
func (m *Manager) Record(id string) (recovery.Record, bool) {
	return m.recovery.Record(id)
}

// Hints returns contextual hints for an error record.
func (m *Manager) Hints(id string) ([]string, error) {
	rec, ok := m.recovery.Record(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", recovery.ErrUnknownRecord, id)
	}
	return m.recovery.ContextualHints(rec), nil
}

// RecoveryStats returns error recovery statistics.
func (m *Manager) RecoveryStats() recovery.Stats {
	return m.recovery.Stats()
}

// HotplugStatistics returns detection counters.
func (m *Manager) HotplugStatistics() hotplug.Statistics {
	return m.hotplug.Statistics()
}

// HotplugHistory returns recent hot-plug events, oldest first.
func (m *Manager) HotplugHistory() []hotplug.Event {
	return m.hotplug.History()
}

// Notify requests a rescan of an event-driven bus.
func (m *Manager) Notify(kind device.BusKind) error {
	return m.hotplug.Notify(kind)
}

// Subscribe registers handler for lifecycle events matching filter.
// Handlers run synchronously on the publishing goroutine and must not
// block.
func (m *Manager) Subscribe(filter events.Filter, handler events.Handler) (uint32, error) {
	return m.events.Subscribe(filter, handler)
}

// Unsubscribe removes a subscription.
func (m *Manager) Unsubscribe(id uint32) error {
	return m.events.Unsubscribe(id)
}

// BridgeStats returns NATS bridge counters, or zero without a publisher.
func (m *Manager) BridgeStats() natsbridge.Stats {
	if m.bridge == nil {
		return natsbridge.Stats{}
	}
	return m.bridge.Stats()
}

func (m *Manager) publish(ev events.Event) {
	m.events.Publish(ev)
}
