package events

import (
	"time"

	"github.com/drvkit/drvkit-go/pkg/device"
)

// Type identifies an event.
type Type uint8

const (
	DeviceDiscovered Type = iota + 1
	DeviceBound
	DeviceUnbound
	DeviceRemoved
	DeviceIsolated
	DeviceStateChanged
	ModuleLoaded
	ModuleActivated
	ModuleUnloaded
	ErrorReported
	RecoveryCompleted
)

// String returns the event type name.
func (t Type) String() string {
	switch t {
	case DeviceDiscovered:
		return "DEVICE_DISCOVERED"
	case DeviceBound:
		return "DEVICE_BOUND"
	case DeviceUnbound:
		return "DEVICE_UNBOUND"
	case DeviceRemoved:
		return "DEVICE_REMOVED"
	case DeviceIsolated:
		return "DEVICE_ISOLATED"
	case DeviceStateChanged:
		return "DEVICE_STATE_CHANGED"
	case ModuleLoaded:
		return "MODULE_LOADED"
	case ModuleActivated:
		return "MODULE_ACTIVATED"
	case ModuleUnloaded:
		return "MODULE_UNLOADED"
	case ErrorReported:
		return "ERROR_REPORTED"
	case RecoveryCompleted:
		return "RECOVERY_COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// Event is a lifecycle notification.
type Event struct {
	// ID is unique per event.
	ID string

	Type Type

	DeviceID string
	DriverID string
	ModuleID string

	// ErrorID links ErrorReported, DeviceIsolated and RecoveryCompleted to
	// the error record.
	ErrorID string

	// From and To are set for DeviceStateChanged.
	From device.State
	To   device.State

	// Message carries a short human-readable detail.
	Message string

	Timestamp time.Time
}

// Filter selects events for a subscription.
type Filter struct {
	// Types to deliver. Empty delivers all types.
	Types []Type

	// DeviceID restricts delivery to one device. Empty delivers all.
	DeviceID string
}

// Matches reports whether ev passes the filter.
func (f Filter) Matches(ev Event) bool {
	if f.DeviceID != "" && f.DeviceID != ev.DeviceID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == ev.Type {
			return true
		}
	}
	return false
}

// Handler receives events.
type Handler func(Event)
