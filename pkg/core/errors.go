package core

import (
	"context"
	"errors"

	"github.com/drvkit/drvkit-go/pkg/config"
	"github.com/drvkit/drvkit-go/pkg/device"
	"github.com/drvkit/drvkit-go/pkg/driver"
	"github.com/drvkit/drvkit-go/pkg/events"
	"github.com/drvkit/drvkit-go/pkg/hotplug"
	"github.com/drvkit/drvkit-go/pkg/module"
	"github.com/drvkit/drvkit-go/pkg/recovery"
	"github.com/drvkit/drvkit-go/pkg/resource"
)

// Manager errors.
var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrNotIsolated   = errors.New("device is not isolated")
	ErrShutdown      = errors.New("driver manager shut down")
)

// ErrorClass is the handling class of an error.
type ErrorClass uint8

const (
	// ClassNone - no error.
	ClassNone ErrorClass = iota

	// ClassRecoverableLocal - handled in place by the caller (probe
	// mismatch, resource busy, overlapping load).
	ClassRecoverableLocal

	// ClassRecoverableManaged - routed through error recovery.
	ClassRecoverableManaged

	// ClassStructural - rejected with no side effects (cycle, duplicate id,
	// invalid descriptor).
	ClassStructural

	// ClassFatal - the operation is aborted, the manager keeps running
	// (unsupported bus, corrupted symbol table).
	ClassFatal
)

// String returns the class name.
func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "NONE"
	case ClassRecoverableLocal:
		return "RECOVERABLE_LOCAL"
	case ClassRecoverableManaged:
		return "RECOVERABLE_MANAGED"
	case ClassStructural:
		return "STRUCTURAL"
	case ClassFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

var (
	fatalErrors = []error{
		device.ErrUnsupportedBus,
		device.ErrUnknownBus,
		module.ErrSymbolTableCorrupt,
		module.ErrChecksumMismatch,
		ErrShutdown,
	}
	structuralErrors = []error{
		module.ErrDependencyCycle,
		module.ErrDuplicateModule,
		module.ErrInvalidDescriptor,
		module.ErrDependencyUnsatisfied,
		module.ErrUnknownModule,
		module.ErrInvalidVersion,
		driver.ErrDuplicateDriver,
		driver.ErrInvalidDescriptor,
		driver.ErrUnknownDriver,
		hotplug.ErrDuplicateBus,
		resource.ErrReentrantRegistration,
		resource.ErrInvalidOwner,
		device.ErrInvalidAddress,
	}
	localErrors = []error{
		driver.ErrNoDriver,
		driver.ErrAlreadyBound,
		driver.ErrNotBound,
		driver.ErrNoInterruptHandler,
		driver.ErrDriverInUse,
		module.ErrLoadInProgress,
		module.ErrModuleInUse,
		module.ErrDependencyNotActive,
		module.ErrInvalidState,
		module.ErrSymbolNotFound,
		resource.ErrRefCountUnderflow,
		resource.ErrResourceReleased,
		resource.ErrUnknownResource,
		device.ErrInvalidTransition,
		device.ErrDriverRequired,
		events.ErrResourceExhausted,
		events.ErrSubscriptionNotFound,
		recovery.ErrRecordClosed,
		recovery.ErrUnknownRecord,
		ErrUnknownDevice,
		ErrNotIsolated,
	}
)

// Class maps err to its handling class. Errors outside the known taxonomy
// (driver faults, timeouts, backend failures) are routed through recovery.
func Class(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	var ce *config.Error
	switch {
	case isAny(err, fatalErrors):
		return ClassFatal
	case isAny(err, structuralErrors), errors.As(err, &ce):
		return ClassStructural
	case isAny(err, localErrors), errors.Is(err, context.Canceled):
		return ClassRecoverableLocal
	default:
		return ClassRecoverableManaged
	}
}

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
