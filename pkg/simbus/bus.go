package simbus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/drvkit/drvkit-go/pkg/device"
)

// Bus errors.
var (
	ErrWrongBus       = errors.New("address belongs to another bus")
	ErrDeviceNotFound = errors.New("no device at address")
)

// Bus is a simulated bus. It implements device.Bus and
// device.ChangeNotifier.
type Bus struct {
	kind    device.BusKind
	changes chan struct{}

	mu      sync.Mutex
	devices []device.Device
	fault   error
	delay   time.Duration
	scans   int
}

// NewBus returns a bus populated with devs.
func NewBus(kind device.BusKind, devs ...device.Device) (*Bus, error) {
	b := &Bus{kind: kind, changes: make(chan struct{}, 1)}
	for _, d := range devs {
		if err := b.put(d); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Bus) Kind() device.BusKind { return b.kind }

// Scan returns the current population after the configured delay. An
// injected fault fails the scan.
func (b *Bus) Scan(ctx context.Context) ([]device.Device, error) {
	b.mu.Lock()
	delay, fault := b.delay, b.fault
	b.scans++
	b.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fault != nil {
		return nil, fault
	}
	return b.Devices(), nil
}

// Changes signals population changes.
func (b *Bus) Changes() <-chan struct{} {
	return b.changes
}

// Devices returns the current population in plug order.
func (b *Bus) Devices() []device.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.devices)
}

// Scans returns the number of Scan calls.
func (b *Bus) Scans() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scans
}

// Plug inserts dev, replacing a device at the same address.
func (b *Bus) Plug(dev device.Device) error {
	if err := b.put(dev); err != nil {
		return err
	}
	b.signal()
	return nil
}

func (b *Bus) put(dev device.Device) error {
	if dev.Address == nil || dev.Address.Bus() != b.kind {
		return fmt.Errorf("%w: %v on %s", ErrWrongBus, dev.Address, b.kind)
	}
	dev.ID = dev.Address.String()

	b.mu.Lock()
	defer b.mu.Unlock()
	i := slices.IndexFunc(b.devices, func(d device.Device) bool {
		return device.AddressEqual(d.Address, dev.Address)
	})
	if i >= 0 {
		b.devices[i] = dev
	} else {
		b.devices = append(b.devices, dev)
	}
	return nil
}

// Unplug removes the device at addr.
func (b *Bus) Unplug(addr device.Address) error {
	b.mu.Lock()
	n := len(b.devices)
	b.devices = slices.DeleteFunc(b.devices, func(d device.Device) bool {
		return device.AddressEqual(d.Address, addr)
	})
	removed := len(b.devices) < n
	b.mu.Unlock()

	if !removed {
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, addr)
	}
	b.signal()
	return nil
}

// SetFault makes every scan fail with err until cleared with nil.
func (b *Bus) SetFault(err error) {
	b.mu.Lock()
	b.fault = err
	b.mu.Unlock()
}

// SetDelay delays every scan by d.
func (b *Bus) SetDelay(d time.Duration) {
	b.mu.Lock()
	b.delay = d
	b.mu.Unlock()
}

// signal never blocks; pending signals coalesce.
func (b *Bus) signal() {
	select {
	case b.changes <- struct{}{}:
	default:
	}
}
