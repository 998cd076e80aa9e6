package device

import (
	"time"
)

// Device is a discovered hardware endpoint.
//
// Device values are snapshots. The orchestrator owns the live copy and
// serializes mutations through a per-device lock; callers receive copies.
type Device struct {
	// ID is the canonical address string ("usb:1-2", "pci:0000:00:1f.2").
	ID string

	// Address is the hardware address.
	Address Address

	// Capabilities is populated by the bus at scan time.
	Capabilities Capability

	// State is the lifecycle state.
	State State

	// DriverID names the bound driver. It is a weak reference: the binder's
	// binding table is authoritative. Empty unless State.HoldsDriver().
	DriverID string

	// VendorID and ProductID identify the hardware when the bus exposes them.
	VendorID  uint16
	ProductID uint16

	// Description is a human-readable label.
	Description string

	// PowerMW is the estimated power draw in milliwatts (0 = unknown).
	PowerMW uint32

	// BandwidthMbps is the estimated bus bandwidth need (0 = unknown).
	BandwidthMbps uint32

	// DiscoveredAt is when the device first appeared.
	DiscoveredAt time.Time
}

// New returns a Discovered device for the given address.
func New(addr Address, caps Capability) Device {
	return Device{
		ID:           addr.String(),
		Address:      addr,
		Capabilities: caps,
		State:        StateDiscovered,
	}
}

// Bus returns the bus kind of the device address.
func (d *Device) Bus() BusKind {
	if d.Address == nil {
		return BusUnknown
	}
	return d.Address.Bus()
}

// Class returns the capability class of the device.
func (d *Device) Class() Class {
	return ClassOf(d.Capabilities)
}

// HasDriver reports whether a driver is attached.
func (d *Device) HasDriver() bool {
	return d.DriverID != ""
}

// Transition moves the device to state to. driverID is required when
// entering Bound (and when returning to Ready from Error); it is ignored
// otherwise. Leaving the driver-holding states clears DriverID.
func (d *Device) Transition(to State, driverID string) error {
	if !CanTransition(d.State, to) {
		return &TransitionError{DeviceID: d.ID, From: d.State, To: to}
	}

	if to.HoldsDriver() {
		if driverID == "" {
			driverID = d.DriverID
		}
		if driverID == "" {
			return ErrDriverRequired
		}
		d.DriverID = driverID
	} else {
		d.DriverID = ""
	}

	d.State = to
	return nil
}
