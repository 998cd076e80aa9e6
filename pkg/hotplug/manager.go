package hotplug

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drvkit/drvkit-go/pkg/backoff"
	"github.com/drvkit/drvkit-go/pkg/device"
)

// Manager errors.
var (
	ErrUnknownBus   = errors.New("bus not managed")
	ErrDuplicateBus = errors.New("bus kind already managed")
	ErrNotRunning   = errors.New("bus has no running detector")
)

// Defaults.
const (
	DefaultDebounceWindow    = 50 * time.Millisecond
	DefaultAdaptiveThreshold = 3
	DefaultFailureThreshold  = 2
	DefaultHistorySize       = 128
)

// BusConfig configures detection for one bus. Zero durations and
// StrategyAuto take the defaults of the bus kind.
type BusConfig struct {
	Bus          device.Bus
	Strategy     Strategy
	PollInterval time.Duration
	ScanTimeout  time.Duration
	Budget       device.Budget
}

// Config configures a Manager.
type Config struct {
	Buses   []BusConfig
	Handler Handler

	// DebounceWindow collapses repeated events of the same kind for the same
	// device.
	DebounceWindow time.Duration

	// AdaptiveThreshold is the number of consecutive clean polls after
	// which an adaptive bus with change notification moves to interrupt
	// mode.
	AdaptiveThreshold int

	// FailureThreshold is the number of consecutive failures after which an
	// adaptive bus falls back to polling.
	FailureThreshold int

	// HistorySize bounds the event history.
	HistorySize int

	Logger *slog.Logger
	Now    func() time.Time
}

type busState struct {
	cfg       BusConfig
	caps      Capabilities
	effective Strategy
	known     []device.Device

	cleanPolls          int
	consecutiveFailures int
	scans               uint64
	failures            uint64
	timeouts            uint64

	backoff  *backoff.Backoff
	interval time.Duration
	notify   chan struct{}
	scanMu   sync.Mutex
}

// Manager runs hot-plug detection over a set of buses.
type Manager struct {
	mu     sync.Mutex
	buses  map[device.BusKind]*busState
	order  []device.BusKind
	recent map[string]lastEvent

	history     []Event
	historySize int

	scans      uint64
	insertions uint64
	removals   uint64
	failures   uint64
	timeouts   uint64
	debounced  uint64

	handler           Handler
	debounce          time.Duration
	adaptiveThreshold int
	failureThreshold  int

	logger *slog.Logger
	now    func() time.Time
}

type lastEvent struct {
	kind EventKind
	at   time.Time
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.AdaptiveThreshold <= 0 {
		cfg.AdaptiveThreshold = DefaultAdaptiveThreshold
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		buses:             make(map[device.BusKind]*busState),
		recent:            make(map[string]lastEvent),
		historySize:       cfg.HistorySize,
		handler:           cfg.Handler,
		debounce:          cfg.DebounceWindow,
		adaptiveThreshold: cfg.AdaptiveThreshold,
		failureThreshold:  cfg.FailureThreshold,
		logger:            logger,
		now:               now,
	}
	for _, bc := range cfg.Buses {
		if err := m.AddBus(bc); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// AddBus starts managing a bus. Buses added after Run started are picked up
// by the next Run call only.
func (m *Manager) AddBus(bc BusConfig) error {
	if bc.Bus == nil {
		return fmt.Errorf("%w: nil bus", device.ErrUnsupportedBus)
	}
	kind := bc.Bus.Kind()
	if !kind.Valid() {
		return fmt.Errorf("%w: %s", device.ErrUnsupportedBus, kind)
	}

	caps := CapabilitiesOf(kind)
	if bc.Strategy == StrategyAuto {
		bc.Strategy = caps.DefaultStrategy
	}
	if bc.PollInterval <= 0 {
		bc.PollInterval = caps.PollInterval
	}
	if bc.ScanTimeout <= 0 {
		bc.ScanTimeout = caps.ScanTimeout
	}

	effective := bc.Strategy
	switch effective {
	case StrategyAdaptive:
		effective = StrategyPolling
	case StrategyInterrupt:
		if _, ok := bc.Bus.(device.ChangeNotifier); !ok {
			m.logger.Warn("bus has no change notification, polling instead", "bus", kind.String())
			effective = StrategyPolling
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buses[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateBus, kind)
	}
	m.buses[kind] = &busState{
		cfg:       bc,
		caps:      caps,
		effective: effective,
		backoff: backoff.New(backoff.Config{
			Initial: bc.PollInterval,
			Max:     bc.PollInterval * 16,
			Jitter:  -1,
		}),
		interval: bc.PollInterval,
		notify:   make(chan struct{}, 1),
	}
	m.order = append(m.order, kind)
	return nil
}

// SetHandler replaces the event handler.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Buses returns the managed bus kinds in registration order.
func (m *Manager) Buses() []device.BusKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]device.BusKind(nil), m.order...)
}

// Known returns the current device set of a bus.
func (m *Manager) Known(kind device.BusKind) []device.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bs, ok := m.buses[kind]; ok {
		return append([]device.Device(nil), bs.known...)
	}
	return nil
}

// Seed replaces the known device set of a bus without emitting events. It
// is used after a full discovery so the next scan diffs against the
// devices the caller already holds.
func (m *Manager) Seed(kind device.BusKind, devs []device.Device) error {
	m.mu.Lock()
	bs, ok := m.buses[kind]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBus, kind)
	}

	bs.scanMu.Lock()
	defer bs.scanMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	known := make([]device.Device, 0, len(devs))
	for _, d := range devs {
		if d.Bus() == kind {
			known = append(known, d)
		}
	}
	bs.known = known
	return nil
}

// Notify requests a rescan of an event-driven bus. It never blocks;
// requests arriving while one is pending coalesce.
func (m *Manager) Notify(kind device.BusKind) error {
	m.mu.Lock()
	bs, ok := m.buses[kind]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBus, kind)
	}
	select {
	case bs.notify <- struct{}{}:
	default:
	}
	return nil
}

// ScanAllBuses rescans every bus concurrently and reports the changes.
// Handlers are called after all scans complete.
func (m *Manager) ScanAllBuses(ctx context.Context) ScanResult {
	start := m.now()
	kinds := m.Buses()

	results := make([]ScanResult, len(kinds))
	var g errgroup.Group
	for i, kind := range kinds {
		g.Go(func() error {
			results[i] = m.scan(ctx, kind, false)
			return nil
		})
	}
	_ = g.Wait()

	merged := ScanResult{Admission: make(map[string]device.Admission)}
	for _, r := range results {
		merged.Events = append(merged.Events, r.Events...)
		merged.Warnings = append(merged.Warnings, r.Warnings...)
		for id, a := range r.Admission {
			merged.Admission[id] = a
		}
		merged.Devices += r.Devices
	}
	m.dispatch(ctx, merged.Events)
	merged.Duration = m.now().Sub(start)
	return merged
}

// ScanBus rescans one bus and dispatches its changes.
func (m *Manager) ScanBus(ctx context.Context, kind device.BusKind) (ScanResult, error) {
	m.mu.Lock()
	_, ok := m.buses[kind]
	m.mu.Unlock()
	if !ok {
		return ScanResult{}, fmt.Errorf("%w: %s", ErrUnknownBus, kind)
	}

	start := m.now()
	r := m.scan(ctx, kind, false)
	m.dispatch(ctx, r.Events)
	r.Duration = m.now().Sub(start)
	return r, nil
}

// scan runs one bus scan and applies the diff. Scans of the same bus are
// serialized so diffs never interleave.
func (m *Manager) scan(ctx context.Context, kind device.BusKind, polled bool) ScanResult {
	m.mu.Lock()
	bs := m.buses[kind]
	m.mu.Unlock()

	bs.scanMu.Lock()
	defer bs.scanMu.Unlock()

	devs, err := device.ScanBus(ctx, bs.cfg.Bus, bs.cfg.ScanTimeout)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.scans++
	bs.scans++
	res := ScanResult{}

	if err != nil && ctx.Err() != nil {
		// Shutting down; not a bus failure.
		res.Devices = len(bs.known)
		return res
	}
	if err != nil {
		m.recordFailure(bs, kind, err)
		res.Warnings = append(res.Warnings, device.ScanWarning{Bus: kind, Err: err})
		res.Devices = len(bs.known)
		res.Admission = device.Classify(bs.known, bs.cfg.Budget)
		return res
	}

	m.recordSuccess(bs, kind, polled)

	if limit := bs.caps.MaxDevices; limit > 0 && len(devs) > limit {
		m.logger.Warn("bus reports more devices than supported",
			"bus", kind.String(), "devices", len(devs), "max", limit)
	}

	now := m.now()
	prev := bs.known
	for _, d := range devs {
		if !containsAddress(prev, d.Address) {
			res.Events = m.emitLocked(res.Events, Event{Kind: EventNewDevice, Bus: kind, Device: d, At: now})
		}
	}
	for _, d := range prev {
		if !containsAddress(devs, d.Address) {
			d.State = device.StateRemoved
			d.DriverID = ""
			res.Events = m.emitLocked(res.Events, Event{Kind: EventRemovedDevice, Bus: kind, Device: d, At: now})
		}
	}

	// Devices that stayed keep their original discovery time.
	next := make([]device.Device, 0, len(devs))
	for _, d := range devs {
		for _, p := range prev {
			if device.AddressEqual(p.Address, d.Address) {
				d.DiscoveredAt = p.DiscoveredAt
				break
			}
		}
		next = append(next, d)
	}
	bs.known = next

	res.Devices = len(next)
	res.Admission = device.Classify(next, bs.cfg.Budget)
	return res
}

// Deliver applies an arrival or removal reported by an external detection
// source. Repeats of the device's last event within the debounce window
// collapse, as do events that do not change the known set. It reports
// whether the event was dispatched.
func (m *Manager) Deliver(ctx context.Context, ev Event) (bool, error) {
	if ev.Device.Address == nil {
		return false, fmt.Errorf("%w: event without address", device.ErrInvalidAddress)
	}
	kind := ev.Device.Address.Bus()

	m.mu.Lock()
	bs, ok := m.buses[kind]
	m.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownBus, kind)
	}

	bs.scanMu.Lock()
	m.mu.Lock()

	ev.Bus = kind
	ev.Device.ID = ev.Device.Address.String()
	if ev.At.IsZero() {
		ev.At = m.now()
	}

	if m.duplicateLocked(ev) {
		m.debounced++
		m.mu.Unlock()
		bs.scanMu.Unlock()
		return false, nil
	}

	idx := -1
	for i, d := range bs.known {
		if device.AddressEqual(d.Address, ev.Device.Address) {
			idx = i
			break
		}
	}

	switch ev.Kind {
	case EventNewDevice:
		if idx >= 0 {
			ok = false
			break
		}
		ev.Device.State = device.StateDiscovered
		ev.Device.DriverID = ""
		if ev.Device.DiscoveredAt.IsZero() {
			ev.Device.DiscoveredAt = ev.At
		}
		bs.known = append(bs.known, ev.Device)
	case EventRemovedDevice:
		if idx < 0 {
			ok = false
			break
		}
		ev.Device = bs.known[idx]
		ev.Device.State = device.StateRemoved
		ev.Device.DriverID = ""
		bs.known = append(bs.known[:idx], bs.known[idx+1:]...)
	default:
		ok = false
	}

	if ok {
		m.recordLocked(ev)
	}
	m.mu.Unlock()
	bs.scanMu.Unlock()

	if ok {
		m.dispatch(ctx, []Event{ev})
	}
	return ok, nil
}

func containsAddress(devs []device.Device, addr device.Address) bool {
	for _, d := range devs {
		if device.AddressEqual(d.Address, addr) {
			return true
		}
	}
	return false
}

// emitLocked appends ev unless it duplicates the last event of the device
// within the debounce window.
func (m *Manager) emitLocked(events []Event, ev Event) []Event {
	if m.duplicateLocked(ev) {
		m.debounced++
		return events
	}
	m.recordLocked(ev)
	return append(events, ev)
}

func (m *Manager) duplicateLocked(ev Event) bool {
	last, ok := m.recent[ev.Device.ID]
	return ok && last.kind == ev.Kind && ev.At.Sub(last.at) < m.debounce
}

func (m *Manager) recordLocked(ev Event) {
	m.recent[ev.Device.ID] = lastEvent{kind: ev.Kind, at: ev.At}

	switch ev.Kind {
	case EventNewDevice:
		m.insertions++
	case EventRemovedDevice:
		m.removals++
	}
	m.history = append(m.history, ev)
	if over := len(m.history) - m.historySize; over > 0 {
		m.history = append(m.history[:0], m.history[over:]...)
	}
	m.pruneRecentLocked(ev.At)
}

func (m *Manager) pruneRecentLocked(now time.Time) {
	if len(m.recent) < 2*m.historySize {
		return
	}
	for k, v := range m.recent {
		if now.Sub(v.at) >= m.debounce {
			delete(m.recent, k)
		}
	}
}

func (m *Manager) recordFailure(bs *busState, kind device.BusKind, err error) {
	m.failures++
	bs.failures++
	bs.consecutiveFailures++
	bs.cleanPolls = 0
	if errors.Is(err, device.ErrScanTimeout) {
		m.timeouts++
		bs.timeouts++
	}

	if bs.cfg.Strategy == StrategyAdaptive && bs.consecutiveFailures >= m.failureThreshold {
		if bs.effective != StrategyPolling {
			m.logger.Info("adaptive detection falling back to polling", "bus", kind.String())
		}
		bs.effective = StrategyPolling
		bs.backoff.Next()
		bs.interval = bs.backoff.Current()
	}
	m.logger.Warn("bus scan failed",
		"bus", kind.String(),
		"consecutive", bs.consecutiveFailures,
		"error", err)
}

func (m *Manager) recordSuccess(bs *busState, kind device.BusKind, polled bool) {
	bs.consecutiveFailures = 0
	if bs.cfg.Strategy != StrategyAdaptive {
		return
	}

	bs.backoff.Reset()
	bs.interval = bs.cfg.PollInterval

	if bs.effective != StrategyPolling || !polled {
		return
	}
	bs.cleanPolls++
	if bs.cleanPolls < m.adaptiveThreshold {
		return
	}
	if _, ok := bs.cfg.Bus.(device.ChangeNotifier); ok && bs.caps.SupportsInterrupt {
		bs.effective = StrategyInterrupt
		m.logger.Info("adaptive detection switched to interrupt mode",
			"bus", kind.String(), "clean_polls", bs.cleanPolls)
	}
}

func (m *Manager) dispatch(ctx context.Context, events []Event) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		return
	}
	for _, ev := range events {
		switch ev.Kind {
		case EventNewDevice:
			h.DeviceArrived(ctx, ev.Device)
		case EventRemovedDevice:
			h.DeviceRemoved(ctx, ev.Device)
		}
	}
}

// History returns the most recent events, oldest first.
func (m *Manager) History() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.history...)
}

// Statistics returns detection counters.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Statistics{
		Scans:      m.scans,
		Insertions: m.insertions,
		Removals:   m.removals,
		Failures:   m.failures,
		Timeouts:   m.timeouts,
		Debounced:  m.debounced,
		Buses:      make(map[device.BusKind]BusStats, len(m.buses)),
	}
	for kind, bs := range m.buses {
		s.Buses[kind] = BusStats{
			Configured:          bs.cfg.Strategy,
			Effective:           bs.effective,
			Scans:               bs.scans,
			Failures:            bs.failures,
			Timeouts:            bs.timeouts,
			ConsecutiveFailures: bs.consecutiveFailures,
			Devices:             len(bs.known),
			PollInterval:        bs.interval,
		}
	}
	return s
}
