package driver

import (
	"context"
	"errors"

	"github.com/drvkit/drvkit-go/pkg/device"
	"github.com/drvkit/drvkit-go/pkg/resource"
)

// Registry and binder errors.
var (
	ErrDuplicateDriver    = errors.New("driver already registered")
	ErrUnknownDriver      = errors.New("unknown driver")
	ErrInvalidDescriptor  = errors.New("invalid driver descriptor")
	ErrNoDriver           = errors.New("no driver matched device")
	ErrAlreadyBound       = errors.New("device already bound")
	ErrNotBound           = errors.New("device not bound")
	ErrNoInterruptHandler = errors.New("bound driver has no interrupt handler")
	ErrDriverInUse        = errors.New("driver has bound devices")
)

// Driver is the capability interface every concrete driver implements.
type Driver interface {
	// Probe reports whether the driver can handle dev. It must not keep
	// state or acquire resources.
	Probe(dev device.Device) bool

	// Bind attaches the driver to dev. Everything the driver acquires is
	// registered through scope so it is reclaimed on unbind.
	Bind(ctx context.Context, dev device.Device, scope resource.Scope) error

	// Unbind detaches the driver. Resources registered through the bind
	// scope are released by the caller afterwards.
	Unbind(dev device.Device)
}

// InterruptHandler is implemented by drivers that service device
// interrupts.
type InterruptHandler interface {
	HandleInterrupt(dev device.Device) error
}

// Recoverer is implemented by drivers that can re-issue their last failed
// operation in place. Drivers without it are resumed as-is on retry.
type Recoverer interface {
	Recover(ctx context.Context, dev device.Device) error
}

// PowerManager is implemented by drivers that take part in suspend and
// resume.
type PowerManager interface {
	Suspend(dev device.Device) error
	Resume(dev device.Device) error
}
