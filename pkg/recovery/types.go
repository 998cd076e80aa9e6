package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drvkit/drvkit-go/pkg/device"
)

// Recovery errors.
var (
	ErrRecordClosed          = errors.New("error record closed")
	ErrUnknownRecord         = errors.New("unknown error record")
	ErrMissingDevice         = errors.New("error report without device")
	ErrStrategyNotApplicable = errors.New("recovery strategy not applicable")

	// ErrDeviceGone is returned by an action when the device left its bus.
	// The run stops and the record closes Cancelled.
	ErrDeviceGone = errors.New("device removed during recovery")
)

// Category classifies a fault.
type Category uint8

const (
	CategoryUnknown Category = iota
	CategoryHardware
	CategoryTimeout
	CategoryResourceExhaustion
	CategoryProtocolViolation
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryHardware:
		return "HARDWARE"
	case CategoryTimeout:
		return "TIMEOUT"
	case CategoryResourceExhaustion:
		return "RESOURCE_EXHAUSTION"
	case CategoryProtocolViolation:
		return "PROTOCOL_VIOLATION"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the category name.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes a category name.
func (c *Category) UnmarshalText(b []byte) error {
	for _, cand := range []Category{CategoryUnknown, CategoryHardware, CategoryTimeout, CategoryResourceExhaustion, CategoryProtocolViolation} {
		if cand.String() == strings.ToUpper(string(b)) {
			*c = cand
			return nil
		}
	}
	return fmt.Errorf("unknown error category %q", b)
}

var categoryKeywords = []struct {
	cat   Category
	words []string
}{
	{CategoryTimeout, []string{"timeout", "timed out", "deadline", "no response", "stall"}},
	{CategoryResourceExhaustion, []string{"resource", "memory", "nomem", "exhaust", "busy", "quota", "no space", "out of"}},
	{CategoryProtocolViolation, []string{"protocol", "crc", "checksum", "malformed", "unexpected", "sequence", "framing"}},
	{CategoryHardware, []string{"hardware", "parity", "power", "bus error", "ecc", "fault", "overcurrent", "thermal"}},
}

// Classify maps a free-form error kind to a category.
func Classify(kind string) Category {
	k := strings.ToLower(kind)
	for _, entry := range categoryKeywords {
		for _, w := range entry.words {
			if strings.Contains(k, w) {
				return entry.cat
			}
		}
	}
	return CategoryUnknown
}

// Severity grades a record.
type Severity uint8

const (
	SeverityWarning Severity = iota
	SeverityError
	SeverityCritical
	SeverityFatal
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	case SeverityFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// SeverityOf returns the initial severity of a category.
func SeverityOf(c Category) Severity {
	switch c {
	case CategoryTimeout:
		return SeverityWarning
	case CategoryHardware:
		return SeverityCritical
	default:
		return SeverityError
	}
}

// Strategy is a recovery action.
type Strategy uint8

const (
	StrategyRetry Strategy = iota
	StrategyResetDevice
	StrategyReloadModule
	StrategyFallbackDriver
	StrategyIsolateDevice
)

// rankedStrategies are the strategies subject to learning, in prior order.
var rankedStrategies = []Strategy{
	StrategyRetry,
	StrategyResetDevice,
	StrategyReloadModule,
	StrategyFallbackDriver,
}

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case StrategyRetry:
		return "RETRY"
	case StrategyResetDevice:
		return "RESET_DEVICE"
	case StrategyReloadModule:
		return "RELOAD_MODULE"
	case StrategyFallbackDriver:
		return "FALLBACK_DRIVER"
	case StrategyIsolateDevice:
		return "ISOLATE_DEVICE"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the strategy name.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a strategy name.
func (s *Strategy) UnmarshalText(b []byte) error {
	for _, cand := range append(rankedStrategies, StrategyIsolateDevice) {
		if cand.String() == strings.ToUpper(string(b)) {
			*s = cand
			return nil
		}
	}
	return fmt.Errorf("unknown recovery strategy %q", b)
}

// Outcome is the result of an attempt.
type Outcome uint8

const (
	// OutcomeSucceeded - the action completed. Provisional while the record
	// is open.
	OutcomeSucceeded Outcome = iota + 1

	// OutcomeFailed - the action failed or the fault recurred.
	OutcomeFailed

	// OutcomeSkipped - the strategy did not apply to the device.
	OutcomeSkipped

	// OutcomeAborted - the device went away under the action.
	OutcomeAborted
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "SUCCEEDED"
	case OutcomeFailed:
		return "FAILED"
	case OutcomeSkipped:
		return "SKIPPED"
	case OutcomeAborted:
		return "ABORTED"
	default:
		return "PENDING"
	}
}

// Attempt is one recovery action taken for a record.
type Attempt struct {
	Strategy   Strategy
	Outcome    Outcome
	StartedAt  time.Time
	FinishedAt time.Time
	Err        string
}

// Status is the lifecycle position of a record.
type Status uint8

const (
	StatusOpen Status = iota
	StatusResolved
	StatusFatal

	// StatusCancelled closes the record of a device removed mid-recovery.
	// Nothing is learned from it.
	StatusCancelled
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusResolved:
		return "RESOLVED"
	case StatusFatal:
		return "FATAL"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Record is an error record. Snapshots returned by the manager are copies.
type Record struct {
	ID          string
	DeviceID    string
	DriverID    string
	Class       device.Class
	Category    Category
	Severity    Severity
	Kind        string
	Description string
	Timestamp   time.Time
	LastSeen    time.Time
	Occurrences int
	Attempts    []Attempt
	Status      Status
	ClosedAt    time.Time
}

// Closed reports whether the record is immutable.
func (r Record) Closed() bool {
	return r.Status != StatusOpen
}

// LastAttempt returns the most recent attempt.
func (r Record) LastAttempt() (Attempt, bool) {
	if len(r.Attempts) == 0 {
		return Attempt{}, false
	}
	return r.Attempts[len(r.Attempts)-1], true
}

func (r Record) clone() Record {
	r.Attempts = append([]Attempt(nil), r.Attempts...)
	return r
}

// Report describes a fault.
type Report struct {
	DeviceID string
	DriverID string
	Class    device.Class

	// Category overrides classification of Kind when not Unknown.
	Category    Category
	Kind        string
	Description string
}

// Actions executes recovery strategies. Execute returns
// ErrStrategyNotApplicable for strategies that cannot apply to the device.
type Actions interface {
	Execute(ctx context.Context, s Strategy, rec Record) error
}

// ActionsFunc adapts a function to Actions.
type ActionsFunc func(ctx context.Context, s Strategy, rec Record) error

func (f ActionsFunc) Execute(ctx context.Context, s Strategy, rec Record) error {
	return f(ctx, s, rec)
}
