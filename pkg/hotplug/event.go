package hotplug

import (
	"context"
	"time"

	"github.com/drvkit/drvkit-go/pkg/device"
)

// EventKind distinguishes arrivals from removals.
type EventKind uint8

const (
	EventNewDevice EventKind = iota + 1
	EventRemovedDevice
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventNewDevice:
		return "NEW_DEVICE"
	case EventRemovedDevice:
		return "REMOVED_DEVICE"
	default:
		return "UNKNOWN"
	}
}

// Event is a detected change of the device population.
type Event struct {
	Kind   EventKind
	Bus    device.BusKind
	Device device.Device
	At     time.Time
}

// Handler receives detected changes. Calls for one bus are sequential;
// calls for different buses may be concurrent.
type Handler interface {
	DeviceArrived(ctx context.Context, dev device.Device)
	DeviceRemoved(ctx context.Context, dev device.Device)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Arrived func(ctx context.Context, dev device.Device)
	Removed func(ctx context.Context, dev device.Device)
}

func (h HandlerFuncs) DeviceArrived(ctx context.Context, dev device.Device) {
	if h.Arrived != nil {
		h.Arrived(ctx, dev)
	}
}

func (h HandlerFuncs) DeviceRemoved(ctx context.Context, dev device.Device) {
	if h.Removed != nil {
		h.Removed(ctx, dev)
	}
}

// ScanResult is the outcome of a rescan.
type ScanResult struct {
	// Events lists the changes in detection order.
	Events []Event

	// Warnings lists buses whose scan failed. Their previous device set is
	// kept.
	Warnings []device.ScanWarning

	// Admission classifies each present device of the scanned buses against
	// its bus budget.
	Admission map[string]device.Admission

	// Devices is the number of known devices on the scanned buses.
	Devices int

	// Duration is the wall time of the scan.
	Duration time.Duration
}

// NewDevices returns the arrivals in r.
func (r ScanResult) NewDevices() []device.Device {
	return r.filter(EventNewDevice)
}

// RemovedDevices returns the removals in r.
func (r ScanResult) RemovedDevices() []device.Device {
	return r.filter(EventRemovedDevice)
}

func (r ScanResult) filter(kind EventKind) []device.Device {
	var out []device.Device
	for _, ev := range r.Events {
		if ev.Kind == kind {
			out = append(out, ev.Device)
		}
	}
	return out
}

// BusStats is the detection state of one bus.
type BusStats struct {
	Configured          Strategy
	Effective           Strategy
	Scans               uint64
	Failures            uint64
	Timeouts            uint64
	ConsecutiveFailures int
	Devices             int
	PollInterval        time.Duration
}

// Statistics aggregates detection counters.
type Statistics struct {
	Scans      uint64
	Insertions uint64
	Removals   uint64
	Failures   uint64
	Timeouts   uint64
	Debounced  uint64
	Buses      map[device.BusKind]BusStats
}
