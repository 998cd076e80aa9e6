package core_test

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drvkit/drvkit-go/pkg/config"
	"github.com/drvkit/drvkit-go/pkg/core"
	"github.com/drvkit/drvkit-go/pkg/device"
	"github.com/drvkit/drvkit-go/pkg/driver"
	"github.com/drvkit/drvkit-go/pkg/events"
	"github.com/drvkit/drvkit-go/pkg/log"
	"github.com/drvkit/drvkit-go/pkg/metrics"
	"github.com/drvkit/drvkit-go/pkg/module"
	"github.com/drvkit/drvkit-go/pkg/persistence"
	"github.com/drvkit/drvkit-go/pkg/recovery"
)

func usbhidModule() module.Descriptor {
	return module.Descriptor{ID: "usbhid", Version: "v1.0.0", Symbols: []string{"hid_input_report"}}
}

func hidDriver(impl driver.Driver) driver.Descriptor {
	return driver.Descriptor{
		ID:       "hid",
		Priority: 10,
		Match:    driver.MatchCapabilities(device.CapInput),
		Driver:   impl,
	}
}

func TestRecurringTimeoutEscalates(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	bus := newTestBus(device.BusUSB, usbInput("2"))
	m, evs := newManager(t, core.WithBuses(bus), core.WithClock(clock.Now))

	hid := &testDriver{}
	require.NoError(t, m.RegisterModule(usbhidModule(), hidDriver(hid)))
	require.NoError(t, m.LoadModule(ctx, "usbhid", module.DefaultLoadOptions()))
	require.NoError(t, m.ActivateModule(ctx, "usbhid"))

	devs, warnings := m.DiscoverAllDevices(ctx)
	require.Empty(t, warnings)
	require.Len(t, devs, 1)
	assert.Equal(t, device.StateReady, devs[0].State)
	assert.Equal(t, "hid", devs[0].DriverID)

	want := []recovery.Strategy{
		recovery.StrategyRetry,
		recovery.StrategyResetDevice,
		recovery.StrategyReloadModule,
	}
	var rec recovery.Record
	for i, s := range want {
		var err error
		rec, err = m.ReportError(ctx, "usb:1-2", "timeout", "interrupt transfer timed out")
		require.NoError(t, err)
		assert.Equal(t, recovery.StatusOpen, rec.Status)
		assert.Equal(t, i+1, rec.Occurrences)

		last, ok := rec.LastAttempt()
		require.True(t, ok)
		assert.Equal(t, s, last.Strategy, "report %d", i+1)
		assert.Equal(t, recovery.OutcomeSucceeded, last.Outcome)

		dev, _ := m.Device("usb:1-2")
		assert.Equal(t, device.StateReady, dev.State)
	}
	assert.Equal(t, recovery.CategoryTimeout, rec.Category)

	clock.Advance(2 * time.Second)
	res := m.Maintain(ctx)
	require.Len(t, res.Closed, 1)
	closed := res.Closed[0]
	assert.Equal(t, rec.ID, closed.ID)
	assert.Equal(t, recovery.StatusResolved, closed.Status)
	assert.Len(t, closed.Attempts, 3)
	assert.Equal(t, recovery.OutcomeFailed, closed.Attempts[0].Outcome)
	assert.Equal(t, recovery.OutcomeFailed, closed.Attempts[1].Outcome)

	binds, unbinds, _ := hid.counts()
	assert.Equal(t, 3, binds)
	assert.Equal(t, 2, unbinds)

	assert.Equal(t, 3, evs.count(events.ErrorReported))
	assert.Equal(t, 1, evs.count(events.RecoveryCompleted))
	assert.Equal(t, 1, evs.count(events.ModuleUnloaded))
	assert.Equal(t, 2, evs.count(events.ModuleActivated))
	assert.Empty(t, m.Isolated())
}

func flakyDriver(impl driver.Driver) driver.Descriptor {
	return driver.Descriptor{
		ID:       "flaky",
		Priority: 20,
		Match:    driver.MatchVendor(0xdead, 0),
		Driver:   impl,
	}
}

func flakyDevice(port string) device.Device {
	return device.Device{
		Address:      device.USBAddress{RootBus: 1, Ports: port},
		Capabilities: device.CapBlock,
		VendorID:     0xdead,
		ProductID:    0x0001,
		Description:  "card reader",
	}
}

// breakDevice makes every strategy fail for the flaky driver so recovery
// ends in isolation.
func breakDevice(t *testing.T, m *core.Manager, d *testDriver, id string) recovery.Record {
	t.Helper()
	d.mu.Lock()
	d.recoverErr = errors.New("controller wedged")
	d.mu.Unlock()
	d.setFailBind(true)

	rec, err := m.ReportError(context.Background(), id, "hardware", "parity error")
	require.NoError(t, err)
	return rec
}

func TestExhaustedRecoveryIsolatesAndReinstates(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(device.BusUSB, flakyDevice("3"))
	m, evs := newManager(t, core.WithBuses(bus))

	flaky := &testDriver{allocate: 2}
	require.NoError(t, m.RegisterDriver(ctx, flakyDriver(flaky)))
	m.DiscoverAllDevices(ctx)

	rec := breakDevice(t, m, flaky, "usb:1-3")
	assert.Equal(t, recovery.StatusFatal, rec.Status)

	var strategies []recovery.Strategy
	for _, a := range rec.Attempts {
		strategies = append(strategies, a.Strategy)
	}
	assert.Equal(t, []recovery.Strategy{
		recovery.StrategyRetry,
		recovery.StrategyResetDevice,
		recovery.StrategyReloadModule,
		recovery.StrategyFallbackDriver,
		recovery.StrategyIsolateDevice,
	}, strategies)
	assert.Equal(t, recovery.OutcomeSkipped, rec.Attempts[2].Outcome)
	assert.Equal(t, recovery.OutcomeSkipped, rec.Attempts[3].Outcome)

	dev, ok := m.Device("usb:1-3")
	require.True(t, ok)
	assert.Equal(t, device.StateRemoved, dev.State)
	assert.False(t, dev.HasDriver())

	iso := m.Isolated()
	require.Len(t, iso, 1)
	assert.Equal(t, "usb:1-3", iso[0].DeviceID)
	assert.Equal(t, rec.ID, iso[0].ErrorID)
	assert.Equal(t, 1, evs.count(events.DeviceIsolated))
	assert.Equal(t, 0, m.Resources().Stats().Live)

	hints, err := m.Hints(rec.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, hints)

	// A rescan does not rebind an isolated device.
	m.ScanHotplug(ctx)
	dev, _ = m.Device("usb:1-3")
	assert.Equal(t, device.StateRemoved, dev.State)

	flaky.setFailBind(false)
	require.NoError(t, m.Reinstate(ctx, "usb:1-3"))
	dev, _ = m.Device("usb:1-3")
	assert.Equal(t, device.StateReady, dev.State)
	assert.Equal(t, "flaky", dev.DriverID)
	assert.Empty(t, m.Isolated())

	err = m.Reinstate(ctx, "usb:1-3")
	assert.ErrorIs(t, err, core.ErrNotIsolated)
	assert.Equal(t, core.ClassRecoverableLocal, core.Class(err))
}

func TestRemovalDuringRecoveryCancelsRecord(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(device.BusUSB, flakyDevice("3"))
	m, evs := newManager(t, core.WithBuses(bus))

	flaky := &testDriver{allocate: 2}
	require.NoError(t, m.RegisterDriver(ctx, flakyDriver(flaky)))
	m.DiscoverAllDevices(ctx)

	// The card is pulled right after the reset strategy unbinds it.
	var pulled sync.Once
	_, err := m.Subscribe(events.Filter{Types: []events.Type{events.DeviceUnbound}}, func(events.Event) {
		pulled.Do(func() {
			bus.set()
			m.ScanHotplug(ctx)
		})
	})
	require.NoError(t, err)

	rec := breakDevice(t, m, flaky, "usb:1-3")
	assert.Equal(t, recovery.StatusCancelled, rec.Status)
	require.Len(t, rec.Attempts, 2)
	assert.Equal(t, recovery.StrategyRetry, rec.Attempts[0].Strategy)
	assert.Equal(t, recovery.OutcomeFailed, rec.Attempts[0].Outcome)
	assert.Equal(t, recovery.StrategyResetDevice, rec.Attempts[1].Strategy)
	assert.Equal(t, recovery.OutcomeAborted, rec.Attempts[1].Outcome)

	_, ok := m.Device("usb:1-3")
	assert.False(t, ok, "removed device left the table")
	assert.Empty(t, m.Isolated())
	assert.Equal(t, 0, evs.count(events.DeviceIsolated))
	assert.Equal(t, 0, m.Resources().Stats().Live)

	st := m.RecoveryStats()
	assert.Equal(t, uint64(1), st.Cancelled)
	assert.Equal(t, uint64(0), st.Fatal)

	// Plugged back in, the card binds normally.
	flaky.setFailBind(false)
	bus.set(flakyDevice("3"))
	m.ScanHotplug(ctx)
	dev, ok := m.Device("usb:1-3")
	require.True(t, ok)
	assert.Equal(t, device.StateReady, dev.State)
}

func TestHotplugRemovalReleasesResources(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(device.BusUSB, usbInput("2"))
	m, evs := newManager(t, core.WithBuses(bus))

	hid := &testDriver{allocate: 3}
	require.NoError(t, m.RegisterDriver(ctx, hidDriver(hid)))
	m.DiscoverAllDevices(ctx)
	assert.Equal(t, 3, m.Resources().Stats().Live)

	m.ScanHotplug(ctx)
	_, ok := m.Device("usb:1-2")
	require.True(t, ok, "rescan keeps a present device")

	bus.set()
	res := m.ScanHotplug(ctx)
	require.Len(t, res.Events, 1)

	_, ok = m.Device("usb:1-2")
	assert.False(t, ok)
	_, unbinds, cleaned := hid.counts()
	assert.Equal(t, 1, unbinds)
	assert.Equal(t, 3, cleaned)
	assert.Equal(t, 1, evs.count(events.DeviceRemoved))

	stats := m.Resources().Stats()
	assert.Equal(t, 0, stats.Live)
	assert.EqualValues(t, 3*4096, stats.BytesReclaimed)
	assert.Empty(t, m.Maintain(ctx).Leaks)

	// The device comes back and binds again.
	bus.set(usbInput("2"))
	m.ScanHotplug(ctx)
	dev, ok := m.Device("usb:1-2")
	require.True(t, ok)
	assert.Equal(t, device.StateReady, dev.State)
}

func TestModuleDependenciesGuardUnload(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(device.BusUSB, usbInput("2"))
	m, _ := newManager(t, core.WithBuses(bus))

	require.NoError(t, m.RegisterModule(module.Descriptor{
		ID: "usbcore", Version: "v1.2.0", Symbols: []string{"usb_submit_urb"},
	}))
	hidMod := usbhidModule()
	hidMod.Dependencies = []module.Dependency{
		{ID: "usbcore", Constraint: module.MustParseConstraint(">=v1.0.0,<v2.0.0")},
	}
	hid := &testDriver{}
	require.NoError(t, m.RegisterModule(hidMod, hidDriver(hid)))
	m.DiscoverAllDevices(ctx)

	dev, _ := m.Device("usb:1-2")
	assert.Equal(t, device.StateDiscovered, dev.State, "no driver before activation")

	require.NoError(t, m.LoadModule(ctx, "usbhid", module.DefaultLoadOptions()))
	require.NoError(t, m.ActivateModule(ctx, "usbhid"))

	dev, _ = m.Device("usb:1-2")
	assert.Equal(t, device.StateReady, dev.State)
	entry := findDriver(t, m, "hid")
	assert.Equal(t, "usbhid", entry.ModuleID)

	sym, err := m.ResolveSymbol("usbcore::usb_submit_urb")
	require.NoError(t, err)
	assert.Equal(t, "usbcore", sym.Module)

	err = m.UnloadModule(ctx, "usbcore")
	require.ErrorIs(t, err, module.ErrModuleInUse)
	assert.Equal(t, core.ClassRecoverableLocal, core.Class(err))
	for _, info := range m.Modules() {
		assert.Equal(t, module.StateActive, info.State, info.Descriptor.ID)
	}

	require.NoError(t, m.UnloadModule(ctx, "usbhid"))
	dev, _ = m.Device("usb:1-2")
	assert.Equal(t, device.StateDiscovered, dev.State)
	assert.Empty(t, m.Drivers())
	require.NoError(t, m.UnloadModule(ctx, "usbcore"))

	_, err = m.ResolveSymbol("usbcore::usb_submit_urb")
	assert.ErrorIs(t, err, module.ErrSymbolNotFound)

	err = m.UnloadModule(ctx, "nvme")
	assert.ErrorIs(t, err, module.ErrUnknownModule)
	assert.Equal(t, core.ClassStructural, core.Class(err))
}

func findDriver(t *testing.T, m *core.Manager, id string) driver.Entry {
	t.Helper()
	for _, e := range m.Drivers() {
		if e.ID == id {
			return e
		}
	}
	t.Fatalf("driver %s not registered", id)
	return driver.Entry{}
}

func TestModuleDriversFromFactory(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(device.BusUSB, usbInput("2"))

	built := map[string]*testDriver{}
	factory := func(moduleID string, spec module.DriverSpec) (driver.Driver, error) {
		d := &testDriver{}
		built[moduleID+"/"+spec.ID] = d
		return d, nil
	}
	m, _ := newManager(t, core.WithBuses(bus), core.WithDriverFactory(factory))

	desc := usbhidModule()
	desc.Drivers = []module.DriverSpec{
		{ID: "hid-generic", Priority: 5, Bus: "usb", Capabilities: []string{"input"}},
	}
	require.NoError(t, m.RegisterModule(desc))
	require.Contains(t, built, "usbhid/hid-generic")

	m.DiscoverAllDevices(ctx)
	require.NoError(t, m.LoadModule(ctx, "usbhid", module.DefaultLoadOptions()))
	require.NoError(t, m.ActivateModule(ctx, "usbhid"))

	dev, _ := m.Device("usb:1-2")
	assert.Equal(t, "hid-generic", dev.DriverID)

	bad := module.Descriptor{ID: "serial", Version: "v1.0.0", Drivers: []module.DriverSpec{
		{ID: "uart", Capabilities: []string{"teleport"}},
	}}
	err := m.RegisterModule(bad)
	assert.ErrorIs(t, err, module.ErrInvalidDescriptor)
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	bus := newTestBus(device.BusUSB, usbInput("2"), flakyDevice("3"))

	m1, err := core.Initialize(config.Default(), core.WithBuses(bus), core.WithStore(store))
	require.NoError(t, err)
	require.NoError(t, m1.RegisterModule(usbhidModule(), hidDriver(&testDriver{})))
	require.NoError(t, m1.LoadModule(ctx, "usbhid", module.DefaultLoadOptions()))
	require.NoError(t, m1.ActivateModule(ctx, "usbhid"))
	flaky := &testDriver{}
	require.NoError(t, m1.RegisterDriver(ctx, flakyDriver(flaky)))
	m1.DiscoverAllDevices(ctx)

	rec := breakDevice(t, m1, flaky, "usb:1-3")
	require.Equal(t, recovery.StatusFatal, rec.Status)
	require.NoError(t, m1.Shutdown(ctx))
	assert.NoError(t, m1.Shutdown(ctx), "second shutdown is a no-op")

	m2, _ := newManager(t, core.WithBuses(bus), core.WithStore(store))
	assert.Positive(t, m2.RecoveryStats().Patterns)

	hid := &testDriver{}
	require.NoError(t, m2.RegisterModule(usbhidModule(), hidDriver(hid)))
	require.NoError(t, m2.RestoreModules(ctx))
	require.NoError(t, m2.RegisterDriver(ctx, flakyDriver(&testDriver{})))

	mods := m2.Modules()
	require.Len(t, mods, 1)
	assert.Equal(t, module.StateActive, mods[0].State)

	m2.DiscoverAllDevices(ctx)
	dev, _ := m2.Device("usb:1-3")
	assert.Equal(t, device.StateRemoved, dev.State, "isolation survives restart")
	dev, _ = m2.Device("usb:1-2")
	assert.Equal(t, device.StateReady, dev.State)

	iso := m2.Isolated()
	require.Len(t, iso, 1)
	assert.Equal(t, rec.ID, iso[0].ErrorID)
}

func TestInterruptFaultIsReported(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(device.BusUSB, usbInput("2"))
	m, evs := newManager(t, core.WithBuses(bus))

	hid := &testDriver{}
	require.NoError(t, m.RegisterDriver(ctx, hidDriver(hid)))
	m.DiscoverAllDevices(ctx)

	require.NoError(t, m.Interrupt(ctx, "usb:1-2"))

	hid.mu.Lock()
	hid.irqErr = errors.New("spurious interrupt")
	hid.mu.Unlock()
	err := m.Interrupt(ctx, "usb:1-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spurious interrupt")

	recs := m.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "interrupt", recs[0].Kind)
	assert.Equal(t, "hid", recs[0].DriverID)
	assert.Equal(t, 1, evs.count(events.ErrorReported))

	dev, _ := m.Device("usb:1-2")
	assert.Equal(t, device.StateReady, dev.State, "retry recovered the device")

	assert.ErrorIs(t, m.Interrupt(ctx, "usb:9-9"), core.ErrUnknownDevice)
}

func TestSuspendResume(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(device.BusUSB, usbInput("2"))
	m, evs := newManager(t, core.WithBuses(bus))
	require.NoError(t, m.RegisterDriver(ctx, hidDriver(&testDriver{})))
	m.DiscoverAllDevices(ctx)

	require.NoError(t, m.Suspend(ctx, "usb:1-2"))
	dev, _ := m.Device("usb:1-2")
	assert.Equal(t, device.StateSuspended, dev.State)

	var te *device.TransitionError
	require.ErrorAs(t, m.Suspend(ctx, "usb:1-2"), &te)

	require.NoError(t, m.Resume(ctx, "usb:1-2"))
	dev, _ = m.Device("usb:1-2")
	assert.Equal(t, device.StateReady, dev.State)

	assert.ErrorIs(t, m.Resume(ctx, "usb:1-2"), device.ErrInvalidTransition)
	assert.ErrorIs(t, m.Suspend(ctx, "usb:9-9"), core.ErrUnknownDevice)
	assert.GreaterOrEqual(t, evs.count(events.DeviceStateChanged), 2)
}

type captureLogger struct {
	mu     sync.Mutex
	events []log.Event
}

func (c *captureLogger) Log(ev log.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureLogger) snapshot() []log.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]log.Event(nil), c.events...)
}

func TestTraceEventsCarrySession(t *testing.T) {
	ctx := context.Background()
	capture := &captureLogger{}
	bus := newTestBus(device.BusUSB, usbInput("2"))
	m, _ := newManager(t, core.WithBuses(bus), core.WithTraceLogger(capture))
	require.NoError(t, m.RegisterDriver(ctx, hidDriver(&testDriver{})))
	m.DiscoverAllDevices(ctx)

	evs := capture.snapshot()
	require.NotEmpty(t, evs)

	var ready, discover bool
	for _, ev := range evs {
		assert.Equal(t, m.SessionID(), ev.SessionID)
		if sc := ev.StateChange; sc != nil && ev.DeviceID == "usb:1-2" && sc.NewState == device.StateReady.String() {
			ready = true
		}
		if op := ev.Operation; op != nil && op.Name == "discover" {
			discover = true
			assert.Equal(t, "1", op.Detail["found"])
		}
	}
	assert.True(t, ready, "device reached Ready in the trace")
	assert.True(t, discover, "discovery operation traced")
}

func TestMetricsExposition(t *testing.T) {
	ctx := context.Background()
	collector := metrics.New("drvkit")
	bus := newTestBus(device.BusUSB, usbInput("2"), flakyDevice("3"))
	m, _ := newManager(t, core.WithBuses(bus), core.WithMetrics(collector))
	require.NoError(t, m.RegisterDriver(ctx, hidDriver(&testDriver{})))
	m.DiscoverAllDevices(ctx)

	srv := httptest.NewServer(collector.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `drvkit_binds_total{result="ok"} 1`)
	assert.Contains(t, text, `drvkit_binds_total{result="error"} 1`)
	assert.Contains(t, text, `drvkit_devices{state="READY"} 1`)
	assert.Contains(t, text, `drvkit_devices{state="DISCOVERED"} 1`)
}

func TestClass(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want core.ErrorClass
	}{
		{"nil", nil, core.ClassNone},
		{"no driver", driver.ErrNoDriver, core.ClassRecoverableLocal},
		{"wrapped in use", errors.Join(errors.New("unload"), module.ErrModuleInUse), core.ClassRecoverableLocal},
		{"cycle", module.ErrDependencyCycle, core.ClassStructural},
		{"config", &config.Error{Field: "hotplug.poll_interval", Message: "must be positive"}, core.ClassStructural},
		{"checksum", module.ErrChecksumMismatch, core.ClassFatal},
		{"shutdown", core.ErrShutdown, core.ClassFatal},
		{"driver fault", errors.New("device did not respond"), core.ClassRecoverableManaged},
		{"cancelled", context.Canceled, core.ClassRecoverableLocal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, core.Class(tt.err))
		})
	}
	assert.Equal(t, "RECOVERABLE_MANAGED", core.ClassRecoverableManaged.String())
}

func TestOperationsAfterShutdown(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	require.NoError(t, m.Shutdown(ctx))

	_, err := m.ReportError(ctx, "usb:1-2", "timeout", "late")
	assert.ErrorIs(t, err, core.ErrShutdown)
	assert.ErrorIs(t, m.LoadModule(ctx, "usbhid", module.DefaultLoadOptions()), core.ErrShutdown)
	assert.ErrorIs(t, m.RegisterDriver(ctx, hidDriver(&testDriver{})), core.ErrShutdown)
	devs, _ := m.DiscoverAllDevices(ctx)
	assert.Empty(t, devs)
}
