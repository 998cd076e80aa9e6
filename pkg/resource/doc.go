// Package resource tracks resources acquired by bound drivers and reclaims
// them deterministically.
//
// Every resource is owned by a (driver, device) pair and carries a reference
// count that starts at one. When the count reaches zero the resource moves to
// a pending queue; ExecuteCleanup drains the queue in LIFO registration order
// and runs each cleanup callback exactly once.
//
// Drivers never see the Manager directly. The binder hands them a Scope bound
// to their owner identity, and unbinding a driver releases everything the
// scope registered.
//
// Cleanup callbacks must not register new resources. The context passed to a
// callback is marked, and Register rejects it with ErrReentrantRegistration.
package resource
