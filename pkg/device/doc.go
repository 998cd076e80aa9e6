// Package device defines the canonical device representation and the bus
// scanning abstraction used to discover devices.
//
// A Device is identified by its hardware Address, a closed set of variants
// (port I/O, memory-mapped, PCI bus/device/function, USB port path, I2C
// adapter address and SPI chip select). Addresses are comparable values, so
// identity comparison for hot-plug diffing is plain equality (AddressEqual).
//
// # Lifecycle
//
// Devices returned from a bus scan start in StateDiscovered. The binder and
// hot-plug manager move them through the authoritative state machine:
//
//	Discovered -> Probing -> Bound -> Ready <-> Suspended
//	Ready/Bound/Suspended -> Error -> Ready   (successful recovery)
//	Error -> Removed                          (exhausted recovery, isolation)
//	any -> Removed                            (physical removal)
//
// Transition enforces the edges and keeps the invariant that DriverID is
// set only while the device is Bound, Ready or Suspended.
//
// # Scanning
//
// Buses implement Bus. ScanAll enumerates several buses concurrently and
// returns partial results: a failing bus contributes a ScanWarning instead
// of aborting the other buses.
package device
