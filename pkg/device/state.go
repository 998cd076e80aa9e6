package device

import (
	"errors"
	"fmt"
)

// State errors.
var (
	ErrInvalidTransition = errors.New("invalid device state transition")
	ErrDriverRequired    = errors.New("state requires a bound driver")
)

// State is the device lifecycle state.
type State uint8

const (
	// StateDiscovered - present on a bus, no driver bound.
	StateDiscovered State = iota

	// StateProbing - candidate drivers are being probed.
	StateProbing

	// StateBound - a driver accepted the device.
	StateBound

	// StateReady - the bound driver finished bring-up.
	StateReady

	// StateSuspended - powered down by the bound driver.
	StateSuspended

	// StateError - a fault was reported and recovery is in progress.
	StateError

	// StateRemoved - physically gone or isolated. Terminal unless reinstated.
	StateRemoved
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "DISCOVERED"
	case StateProbing:
		return "PROBING"
	case StateBound:
		return "BOUND"
	case StateReady:
		return "READY"
	case StateSuspended:
		return "SUSPENDED"
	case StateError:
		return "ERROR"
	case StateRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// HoldsDriver reports whether a device in this state has a bound driver.
func (s State) HoldsDriver() bool {
	return s == StateBound || s == StateReady || s == StateSuspended
}

// transitions lists the allowed edges. Removal from any state is handled
// separately in CanTransition.
var transitions = map[State][]State{
	StateDiscovered: {StateProbing},
	StateProbing:    {StateBound, StateDiscovered},
	StateBound:      {StateReady, StateError, StateDiscovered},
	StateReady:      {StateSuspended, StateError, StateDiscovered},
	StateSuspended:  {StateReady, StateError, StateDiscovered},
	StateError:      {StateReady, StateDiscovered, StateProbing},
	StateRemoved:    {StateDiscovered}, // reinstatement only
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	if to == StateRemoved {
		return from != StateRemoved
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected transition.
type TransitionError struct {
	DeviceID string
	From     State
	To       State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("device %s: %s -> %s: %v", e.DeviceID, e.From, e.To, ErrInvalidTransition)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
