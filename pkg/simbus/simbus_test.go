package simbus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drvkit/drvkit-go/pkg/config"
	"github.com/drvkit/drvkit-go/pkg/core"
	"github.com/drvkit/drvkit-go/pkg/device"
	"github.com/drvkit/drvkit-go/pkg/module"
	"github.com/drvkit/drvkit-go/pkg/recovery"
	"github.com/drvkit/drvkit-go/pkg/resource"
	"github.com/drvkit/drvkit-go/pkg/simbus"
)

const keyboardScenario = `
name: keyboard
buses:
  - kind: usb
    devices:
      - address: "usb:1-2"
        capabilities: [input, hotplug]
        vendor: 0x046d
        product: 0xc31c
        description: keyboard
  - kind: pci
    devices:
      - address: "pci:0000:00:1f.2"
        capabilities: [block, dma]
        description: sata controller
modules:
  - id: usbcore
    version: v1.2.0
    symbols: [usb_submit_urb]
  - id: usbhid
    version: v1.0.0
    depends:
      - {id: usbcore, version: ">=v1.0.0,<v2.0.0"}
    drivers:
      - {id: hid-generic, priority: 10, bus: usb, capabilities: [input]}
drivers:
  hid-generic:
    allocations:
      - {kind: dma_buffer, size: 4096, label: report ring}
      - {kind: interrupt, size: 0}
steps:
  - {action: discover}
  - {action: load, target: usbhid}
  - {action: activate, target: usbhid}
  - {action: unload, target: usbcore, expect_error: true}
  - {action: irq, target: "usb:1-2"}
  - {action: fault, target: "usb:1-2", kind: timeout, repeat: 3}
  - {action: unplug, target: "usb:1-2"}
  - {action: maintain}
`

func newSim(t *testing.T, yamlText string) (*simbus.Sim, *core.Manager) {
	t.Helper()
	sc, err := simbus.ParseScenario([]byte(yamlText))
	require.NoError(t, err)
	sim, err := simbus.Build(sc)
	require.NoError(t, err)

	m, err := core.Initialize(config.Default(), sim.Options()...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	require.NoError(t, sim.Register(m))
	return sim, m
}

func TestScenarioRun(t *testing.T) {
	ctx := context.Background()
	sim, m := newSim(t, keyboardScenario)

	results, err := sim.Run(ctx, m, nil)
	require.NoError(t, err)
	require.Len(t, results, 8)
	assert.Contains(t, results[5].Output, "RELOAD_MODULE")

	_, ok := m.Device("usb:1-2")
	assert.False(t, ok, "unplugged device left the table")
	sata, ok := m.Device("pci:0000:00:1f.2")
	require.True(t, ok)
	assert.Equal(t, device.StateDiscovered, sata.State, "no driver for the controller")

	hid, ok := sim.Factory.Driver("hid-generic")
	require.True(t, ok)
	st := hid.Stats()
	assert.Equal(t, 3, st.Binds, "initial bind, reset and reload")
	assert.Equal(t, 6, st.Released)
	assert.Equal(t, 1, st.Interrupts)
	assert.Empty(t, st.Bound)

	assert.Equal(t, []string{"usbcore", "usbhid"}, sim.Backend.Resident())
	assert.Equal(t, 0, m.Resources().Stats().Live)
	assert.Empty(t, m.Leaks())

	recs := m.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, recovery.CategoryTimeout, recs[0].Category)
	assert.Equal(t, 3, recs[0].Occurrences)
}

func TestScenarioLinkFaultRollsBack(t *testing.T) {
	ctx := context.Background()
	sim, m := newSim(t, `
buses:
  - kind: usb
modules:
  - {id: usbcore, version: v1.2.0}
  - id: usbhid
    version: v1.0.0
    depends: [{id: usbcore}]
steps:
  - {action: link-fault, target: usbhid}
  - {action: load, target: usbhid, expect_error: true}
  - {action: load, target: usbhid}
`)
	_, err := sim.Run(ctx, m, nil)
	require.NoError(t, err)

	for _, info := range m.Modules() {
		assert.Equal(t, module.StateLoaded, info.State, info.Descriptor.ID)
	}
	assert.Equal(t, uint64(1), m.ModuleStats().Rollbacks)
	links, unlinks := sim.Backend.Counts()
	assert.Equal(t, 4, links)
	assert.Equal(t, 2, unlinks, "usbcore rolled back and failed usbhid unlinked")
}

func TestScenarioUnexpectedPassStopsRun(t *testing.T) {
	sim, m := newSim(t, `
buses:
  - kind: usb
modules:
  - {id: usbcore, version: v1.2.0}
steps:
  - {action: load, target: usbcore, expect_error: true}
  - {action: activate, target: usbcore}
`)
	results, err := sim.Run(context.Background(), m, nil)
	require.ErrorIs(t, err, simbus.ErrUnexpectedPass)
	assert.Len(t, results, 1)
}

func TestScenarioValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown bus", "buses: [{kind: firewire}]"},
		{"duplicate bus", "buses: [{kind: usb}, {kind: usb}]"},
		{"device on other bus", `buses: [{kind: usb, devices: [{address: "pci:0000:00:1f.2"}]}]`},
		{"bad capability", `buses: [{kind: usb, devices: [{address: "usb:1-2", capabilities: [teleport]}]}]`},
		{"bad module", "modules: [{id: usbhid, version: banana}]"},
		{"bad allocation", "drivers: {hid: {allocations: [{kind: gpu, size: 1}]}}"},
		{"unknown action", "steps: [{action: reboot}]"},
		{"missing target", "steps: [{action: fault}]"},
		{"plug without device", "steps: [{action: plug}]"},
		{"inject without fail", "steps: [{action: inject, target: hid}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := simbus.ParseScenario([]byte(tt.yaml))
			var se *simbus.ScenarioError
			assert.ErrorAs(t, err, &se)
		})
	}
}

func TestBusPopulation(t *testing.T) {
	kbd := device.New(device.USBAddress{RootBus: 1, Ports: "2"}, device.CapInput)
	bus, err := simbus.NewBus(device.BusUSB, kbd)
	require.NoError(t, err)

	devs, err := bus.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, "usb:1-2", devs[0].ID)

	err = bus.Plug(device.New(device.PCIAddress{Device: 2}, device.CapDisplay))
	assert.ErrorIs(t, err, simbus.ErrWrongBus)

	mouse := device.New(device.USBAddress{RootBus: 1, Ports: "3"}, device.CapInput)
	require.NoError(t, bus.Plug(mouse))
	select {
	case <-bus.Changes():
	default:
		t.Fatal("plug did not signal a change")
	}
	assert.Len(t, bus.Devices(), 2)

	require.NoError(t, bus.Unplug(kbd.Address))
	assert.ErrorIs(t, bus.Unplug(kbd.Address), simbus.ErrDeviceNotFound)
	assert.Len(t, bus.Devices(), 1)

	bus.SetFault(errors.New("hub reset"))
	_, err = bus.Scan(context.Background())
	assert.EqualError(t, err, "hub reset")
	bus.SetFault(nil)

	bus.SetDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = bus.Scan(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 3, bus.Scans())
}

func TestDriverFaultInjection(t *testing.T) {
	d := simbus.NewDriver("uart", simbus.Behavior{FailBinds: 1})
	dev := device.New(device.PortAddress{Base: 0x3f8}, device.CapSerial)

	rm := resource.NewManager(resource.Config{})
	scope := rm.Scope(resource.Owner{DriverID: "uart", DeviceID: dev.ID})

	assert.ErrorIs(t, d.Bind(context.Background(), dev, scope), simbus.ErrBindFault)
	require.NoError(t, d.Bind(context.Background(), dev, scope))

	d.Inject(simbus.Behavior{FailInterrupts: 2, FailRecovers: 1})
	assert.ErrorIs(t, d.HandleInterrupt(dev), simbus.ErrInterruptFault)
	assert.ErrorIs(t, d.Recover(context.Background(), dev), simbus.ErrRecoverFault)
	d.Heal()
	assert.NoError(t, d.HandleInterrupt(dev))
	assert.NoError(t, d.Recover(context.Background(), dev))

	st := d.Stats()
	assert.Equal(t, 2, st.Binds)
	assert.Equal(t, 1, st.BindErrors)
	assert.Equal(t, []string{dev.ID}, st.Bound)
}
