package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drvkit/drvkit-go/pkg/config"
	"github.com/drvkit/drvkit-go/pkg/core"
	"github.com/drvkit/drvkit-go/pkg/device"
	"github.com/drvkit/drvkit-go/pkg/events"
	"github.com/drvkit/drvkit-go/pkg/resource"
)

type testBus struct {
	kind device.BusKind

	mu   sync.Mutex
	devs []device.Device
}

func newTestBus(kind device.BusKind, devs ...device.Device) *testBus {
	return &testBus{kind: kind, devs: devs}
}

func (b *testBus) Kind() device.BusKind { return b.kind }

func (b *testBus) Scan(context.Context) ([]device.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]device.Device(nil), b.devs...), nil
}

func (b *testBus) set(devs ...device.Device) {
	b.mu.Lock()
	b.devs = devs
	b.mu.Unlock()
}

// testDriver is a configurable driver that allocates resources on bind.
type testDriver struct {
	mu         sync.Mutex
	binds      int
	unbinds    int
	failBind   bool
	recoverErr error
	irqErr     error
	allocate   int
	cleaned    int
}

func (d *testDriver) Probe(device.Device) bool { return true }

func (d *testDriver) Bind(ctx context.Context, _ device.Device, scope resource.Scope) error {
	d.mu.Lock()
	d.binds++
	fail, n := d.failBind, d.allocate
	d.mu.Unlock()

	if fail {
		return errors.New("device did not respond to reset")
	}
	for range n {
		_, err := scope.Register(ctx, resource.KindDMABuffer, 4096, "ring buffer", func(context.Context) error {
			d.mu.Lock()
			d.cleaned++
			d.mu.Unlock()
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *testDriver) Unbind(device.Device) {
	d.mu.Lock()
	d.unbinds++
	d.mu.Unlock()
}

func (d *testDriver) Recover(context.Context, device.Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recoverErr
}

func (d *testDriver) HandleInterrupt(device.Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.irqErr
}

func (d *testDriver) counts() (binds, unbinds, cleaned int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.binds, d.unbinds, d.cleaned
}

func (d *testDriver) setFailBind(v bool) {
	d.mu.Lock()
	d.failBind = v
	d.mu.Unlock()
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// eventLog records published events.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) handle(ev events.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(t events.Type) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func usbInput(port string) device.Device {
	return device.Device{
		Address:      device.USBAddress{RootBus: 1, Ports: port},
		Capabilities: device.CapInput | device.CapHotPlug,
		Description:  "keyboard",
	}
}

func newManager(t *testing.T, opts ...core.Option) (*core.Manager, *eventLog) {
	t.Helper()
	m, err := core.Initialize(config.Default(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	log := &eventLog{}
	_, err = m.Subscribe(events.Filter{}, log.handle)
	require.NoError(t, err)
	return m, log
}
