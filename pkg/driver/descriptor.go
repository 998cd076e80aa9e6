package driver

import (
	"fmt"

	"github.com/drvkit/drvkit-go/pkg/device"
)

// MatchFunc is a capability predicate deciding whether a driver is a
// candidate for a device.
type MatchFunc func(dev device.Device) bool

// MatchCapabilities matches devices that have every capability in mask.
func MatchCapabilities(mask device.Capability) MatchFunc {
	return func(dev device.Device) bool {
		return dev.Capabilities.Has(mask)
	}
}

// MatchBus matches devices on the given bus kind.
func MatchBus(kind device.BusKind) MatchFunc {
	return func(dev device.Device) bool {
		return dev.Bus() == kind
	}
}

// MatchVendor matches a vendor and product id. A zero product matches any
// product of the vendor.
func MatchVendor(vendor, product uint16) MatchFunc {
	return func(dev device.Device) bool {
		return dev.VendorID == vendor && (product == 0 || dev.ProductID == product)
	}
}

// MatchAll matches when every predicate matches.
func MatchAll(fns ...MatchFunc) MatchFunc {
	return func(dev device.Device) bool {
		for _, fn := range fns {
			if fn != nil && !fn(dev) {
				return false
			}
		}
		return true
	}
}

// Descriptor describes a driver to the registry.
type Descriptor struct {
	// ID is the unique driver name.
	ID string

	// Priority orders candidates; higher binds first.
	Priority int

	// Match selects candidate devices. Nil matches every device.
	Match MatchFunc

	// Driver is the implementation.
	Driver Driver

	// ModuleID names the module that provides the driver, if any.
	ModuleID string
}

// Validate checks the descriptor.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidDescriptor)
	}
	if d.Driver == nil {
		return fmt.Errorf("%w: %s: nil driver", ErrInvalidDescriptor, d.ID)
	}
	return nil
}

// Matches reports whether the descriptor's predicate accepts dev.
func (d Descriptor) Matches(dev device.Device) bool {
	return d.Match == nil || d.Match(dev)
}

// Entry is a registered descriptor. Enabled is the only field that changes
// after registration.
type Entry struct {
	Descriptor
	Enabled bool
	Seq     uint64
}
