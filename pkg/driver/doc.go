// Package driver holds the driver registry and the binder that attaches
// registered drivers to discovered devices.
//
// Descriptors are kept in descending priority order. Drivers with equal
// priority keep their registration order, so binding is deterministic.
//
// The binder owns the binding table. A device has at most one bound driver,
// and the table, not Device.DriverID, is the authoritative record of it.
package driver
