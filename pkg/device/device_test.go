package device_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/drvkit/drvkit-go/pkg/device"
	"github.com/drvkit/drvkit-go/pkg/device/mocks"
)

func TestAddressRoundTrip(t *testing.T) {
	tests := []struct {
		text string
		addr device.Address
	}{
		{"port:0x3f8", device.PortAddress{Base: 0x3f8}},
		{"port:0x3f8+0x8", device.PortAddress{Base: 0x3f8, Count: 8}},
		{"mmio:0xfed00000", device.MMIOAddress{Base: 0xfed00000}},
		{"mmio:0xfed00000+0x400", device.MMIOAddress{Base: 0xfed00000, Size: 0x400}},
		{"pci:0000:00:1f.2", device.PCIAddress{Device: 0x1f, Function: 2}},
		{"usb:1-2", device.USBAddress{RootBus: 1, Ports: "2"}},
		{"usb:3-1.4.2", device.USBAddress{RootBus: 3, Ports: "1.4.2"}},
		{"i2c:1-0x50", device.I2CAddress{Adapter: 1, Target: 0x50}},
		{"spi:0.1", device.SPIAddress{Controller: 0, ChipSelect: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.text, tt.addr.String())

			parsed, err := device.ParseAddress(tt.text)
			require.NoError(t, err)
			assert.True(t, device.AddressEqual(tt.addr, parsed))
		})
	}
}

func TestParseAddressRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "usb", "usb:", "floppy:0", "pci:0000:00:20.0", "usb:1-x", "i2c:1-0x400", "spi:0",
		"port:0x3f8+", "port:0x3f8+0x0", "port:0x3f8+0x10000", "mmio:0x1000+x"} {
		_, err := device.ParseAddress(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestAddressEqual(t *testing.T) {
	a := device.USBAddress{RootBus: 1, Ports: "2"}
	b := device.USBAddress{RootBus: 1, Ports: "2"}
	c := device.USBAddress{RootBus: 1, Ports: "3"}

	assert.True(t, device.AddressEqual(a, b))
	assert.False(t, device.AddressEqual(a, c))
	assert.False(t, device.AddressEqual(a, device.SPIAddress{}))
	assert.False(t, device.AddressEqual(a, nil))
	assert.True(t, device.AddressEqual(nil, nil))
}

func TestRangeExtentIsPartOfID(t *testing.T) {
	wide := device.PortAddress{Base: 0x3f8, Count: 8}
	narrow := device.PortAddress{Base: 0x3f8, Count: 1}
	assert.False(t, device.AddressEqual(wide, narrow))
	assert.NotEqual(t, wide.String(), narrow.String())
	assert.NotEqual(t, device.New(wide, 0).ID, device.New(narrow, 0).ID)

	win := device.MMIOAddress{Base: 0xfed00000, Size: 0x400}
	bare := device.MMIOAddress{Base: 0xfed00000}
	assert.False(t, device.AddressEqual(win, bare))
	assert.NotEqual(t, device.New(win, 0).ID, device.New(bare, 0).ID)
}

func TestCapabilityClass(t *testing.T) {
	assert.Equal(t, device.ClassStorage, device.ClassOf(device.CapBlock|device.CapDMA))
	assert.Equal(t, device.ClassNetwork, device.ClassOf(device.CapNetwork|device.CapInterrupt))
	assert.Equal(t, device.ClassGeneric, device.ClassOf(device.CapDMA))
	assert.Equal(t, "block|dma", (device.CapBlock | device.CapDMA).String())

	caps, err := device.ParseCapabilities([]string{"input", "hotplug"})
	require.NoError(t, err)
	assert.True(t, caps.Has(device.CapInput|device.CapHotPlug))

	_, err = device.ParseCapabilities([]string{"teleport"})
	assert.Error(t, err)
}

func TestStateMachine(t *testing.T) {
	allowed := []struct{ from, to device.State }{
		{device.StateDiscovered, device.StateProbing},
		{device.StateProbing, device.StateBound},
		{device.StateProbing, device.StateDiscovered},
		{device.StateBound, device.StateReady},
		{device.StateReady, device.StateSuspended},
		{device.StateSuspended, device.StateReady},
		{device.StateReady, device.StateError},
		{device.StateBound, device.StateError},
		{device.StateError, device.StateReady},
		{device.StateError, device.StateRemoved},
		{device.StateProbing, device.StateRemoved},
		{device.StateRemoved, device.StateDiscovered},
	}
	for _, tr := range allowed {
		assert.True(t, device.CanTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}

	rejected := []struct{ from, to device.State }{
		{device.StateDiscovered, device.StateBound},
		{device.StateDiscovered, device.StateReady},
		{device.StateSuspended, device.StateBound},
		{device.StateRemoved, device.StateRemoved},
		{device.StateRemoved, device.StateReady},
		{device.StateError, device.StateSuspended},
	}
	for _, tr := range rejected {
		assert.False(t, device.CanTransition(tr.from, tr.to), "%s -> %s", tr.from, tr.to)
	}
}

func TestTransitionMaintainsDriverInvariant(t *testing.T) {
	d := device.New(device.USBAddress{RootBus: 1, Ports: "2"}, device.CapInput)
	assert.Equal(t, "usb:1-2", d.ID)

	require.NoError(t, d.Transition(device.StateProbing, ""))
	assert.ErrorIs(t, d.Transition(device.StateBound, ""), device.ErrDriverRequired)

	require.NoError(t, d.Transition(device.StateBound, "hid"))
	require.NoError(t, d.Transition(device.StateReady, ""))
	assert.Equal(t, "hid", d.DriverID)

	require.NoError(t, d.Transition(device.StateError, ""))
	assert.False(t, d.HasDriver(), "driver must be cleared outside Bound/Ready/Suspended")

	// Recovery restores the driver from the binding table.
	require.NoError(t, d.Transition(device.StateReady, "hid"))
	assert.Equal(t, "hid", d.DriverID)

	err := d.Transition(device.StateProbing, "")
	var te *device.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, device.StateReady, te.From)
	assert.ErrorIs(t, err, device.ErrInvalidTransition)

	require.NoError(t, d.Transition(device.StateRemoved, ""))
	assert.Empty(t, d.DriverID)
}

func TestScanAllReturnsPartialResults(t *testing.T) {
	usb := mocks.NewMockBus(t)
	usb.EXPECT().Kind().Return(device.BusUSB)
	usb.EXPECT().Scan(mock.Anything).Return([]device.Device{
		{Address: device.USBAddress{RootBus: 1, Ports: "2"}, Capabilities: device.CapInput},
		{Address: device.PCIAddress{}}, // wrong bus, dropped
		{},                             // no address, dropped
	}, nil)

	pci := mocks.NewMockBus(t)
	pci.EXPECT().Kind().Return(device.BusPCI)
	pci.EXPECT().Scan(mock.Anything).Return(nil, errors.New("config space unreadable"))

	devs, warnings := device.ScanAll(context.Background(), time.Second, usb, pci)

	require.Len(t, devs, 1)
	assert.Equal(t, "usb:1-2", devs[0].ID)
	assert.Equal(t, device.StateDiscovered, devs[0].State)
	assert.False(t, devs[0].DiscoveredAt.IsZero())

	require.Len(t, warnings, 1)
	assert.Equal(t, device.BusPCI, warnings[0].Bus)
	assert.Contains(t, warnings[0].Error(), "config space unreadable")
}

func TestScanBusTimeout(t *testing.T) {
	hang := mocks.NewMockBus(t)
	hang.EXPECT().Kind().Return(device.BusI2C)
	release := make(chan struct{})
	defer close(release)
	hang.EXPECT().Scan(mock.Anything).RunAndReturn(func(context.Context) ([]device.Device, error) {
		<-release // ignores cancellation
		return nil, nil
	}).Maybe()

	start := time.Now()
	_, err := device.ScanBus(context.Background(), hang, 30*time.Millisecond)
	assert.ErrorIs(t, err, device.ErrScanTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestScanBusUnsupportedKind(t *testing.T) {
	bad := mocks.NewMockBus(t)
	bad.EXPECT().Kind().Return(device.BusUnknown)

	_, err := device.ScanBus(context.Background(), bad, 0)
	assert.ErrorIs(t, err, device.ErrUnsupportedBus)
}

func TestClassifyAdmission(t *testing.T) {
	devs := []device.Device{
		{ID: "usb:1-1", PowerMW: 500, BandwidthMbps: 100},
		{ID: "usb:1-2", PowerMW: 400, BandwidthMbps: 200},
		{ID: "usb:1-3", PowerMW: 50},
		{ID: "usb:1-4"},
	}

	got := device.Classify(devs, device.Budget{PowerMW: 900, BandwidthMbps: 480})

	assert.Equal(t, device.AdmissionWithinBudget, got["usb:1-1"])
	assert.Equal(t, device.AdmissionWithinBudget, got["usb:1-2"])
	assert.Equal(t, device.AdmissionOverBudget, got["usb:1-3"])
	assert.Equal(t, device.AdmissionUnknown, got["usb:1-4"])
}
