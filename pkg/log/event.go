package log

import (
	"time"

	"github.com/google/uuid"
)

// Event is a trace record. CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the manager instance (UUID).
	SessionID string `cbor:"2,keyasint"`

	// Component that emitted the event.
	Component Component `cbor:"3,keyasint"`

	// Category classifies the event.
	Category Category `cbor:"4,keyasint"`

	DeviceID string `cbor:"5,keyasint,omitempty"`
	DriverID string `cbor:"6,keyasint,omitempty"`
	ModuleID string `cbor:"7,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	StateChange *StateChangeEvent `cbor:"8,keyasint,omitempty"`
	Operation   *OperationEvent   `cbor:"9,keyasint,omitempty"`
	Hotplug     *HotplugEvent     `cbor:"10,keyasint,omitempty"`
	Resource    *ResourceEvent    `cbor:"11,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"12,keyasint,omitempty"`
}

// NewSessionID returns a fresh session id.
func NewSessionID() string {
	return uuid.NewString()
}

// Component identifies the emitting subsystem.
type Component uint8

const (
	ComponentCore     Component = 0
	ComponentDevice   Component = 1
	ComponentBinder   Component = 2
	ComponentResource Component = 3
	ComponentHotplug  Component = 4
	ComponentModule   Component = 5
	ComponentRecovery Component = 6
)

// String returns the component name.
func (c Component) String() string {
	switch c {
	case ComponentCore:
		return "CORE"
	case ComponentDevice:
		return "DEVICE"
	case ComponentBinder:
		return "BINDER"
	case ComponentResource:
		return "RESOURCE"
	case ComponentHotplug:
		return "HOTPLUG"
	case ComponentModule:
		return "MODULE"
	case ComponentRecovery:
		return "RECOVERY"
	default:
		return "UNKNOWN"
	}
}

// ParseComponent returns the component with the given name.
func ParseComponent(s string) (Component, bool) {
	for c := ComponentCore; c <= ComponentRecovery; c++ {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryState indicates a lifecycle state change.
	CategoryState Category = 0
	// CategoryOperation indicates a completed operation (bind, load, scan).
	CategoryOperation Category = 1
	// CategoryHotplug indicates an arrival or removal.
	CategoryHotplug Category = 2
	// CategoryResource indicates resource accounting activity.
	CategoryResource Category = 3
	// CategoryError indicates a fault or failed operation.
	CategoryError Category = 4
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryState:
		return "STATE"
	case CategoryOperation:
		return "OPERATION"
	case CategoryHotplug:
		return "HOTPLUG"
	case CategoryResource:
		return "RESOURCE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseCategory returns the category with the given name.
func ParseCategory(s string) (Category, bool) {
	for c := CategoryState; c <= CategoryError; c++ {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// StateEntity indicates what changed state.
type StateEntity uint8

const (
	StateEntityDevice StateEntity = 0
	StateEntityModule StateEntity = 1
	StateEntityRecord StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityDevice:
		return "DEVICE"
	case StateEntityModule:
		return "MODULE"
	case StateEntityRecord:
		return "RECORD"
	default:
		return "UNKNOWN"
	}
}

// StateChangeEvent captures a lifecycle transition.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`
}

// OperationEvent captures a completed operation.
type OperationEvent struct {
	// Name of the operation ("bind", "unbind", "load", "scan").
	Name string `cbor:"1,keyasint"`

	// Duration stored as nanoseconds.
	Duration time.Duration `cbor:"2,keyasint,omitempty"`

	// Success is false when the operation returned an error.
	Success bool `cbor:"3,keyasint"`

	// Detail carries operation-specific key/value pairs.
	Detail map[string]string `cbor:"4,keyasint,omitempty"`
}

// HotplugKind distinguishes arrivals and removals.
type HotplugKind uint8

const (
	HotplugArrival HotplugKind = 0
	HotplugRemoval HotplugKind = 1
)

// String returns the hotplug kind name.
func (k HotplugKind) String() string {
	switch k {
	case HotplugArrival:
		return "ARRIVAL"
	case HotplugRemoval:
		return "REMOVAL"
	default:
		return "UNKNOWN"
	}
}

// HotplugEvent captures a device arrival or removal.
type HotplugEvent struct {
	Bus  string      `cbor:"1,keyasint"`
	Kind HotplugKind `cbor:"2,keyasint"`
}

// ResourceEvent captures cleanup activity for an owner.
type ResourceEvent struct {
	Cleaned        int    `cbor:"1,keyasint"`
	BytesReclaimed uint64 `cbor:"2,keyasint,omitempty"`
	Failures       int    `cbor:"3,keyasint,omitempty"`
	Leaks          int    `cbor:"4,keyasint,omitempty"`
}

// ErrorEventData captures a fault.
type ErrorEventData struct {
	// Message is the error message.
	Message string `cbor:"1,keyasint"`

	// Class is the error class (RECOVERABLE_LOCAL, STRUCTURAL, ...).
	Class string `cbor:"2,keyasint,omitempty"`

	// ErrorID links to a recovery error record.
	ErrorID string `cbor:"3,keyasint,omitempty"`

	// Hints are advisory recovery hints.
	Hints []string `cbor:"4,keyasint,omitempty"`
}
