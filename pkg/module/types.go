package module

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Loader errors.
var (
	ErrDuplicateModule       = errors.New("module already registered")
	ErrUnknownModule         = errors.New("unknown module")
	ErrInvalidDescriptor     = errors.New("invalid module descriptor")
	ErrDependencyCycle       = errors.New("dependency cycle")
	ErrDependencyUnsatisfied = errors.New("dependency unsatisfied")
	ErrDependencyNotActive   = errors.New("dependency not active")
	ErrLoadInProgress        = errors.New("overlapping load in progress")
	ErrModuleInUse           = errors.New("module has loaded dependents")
	ErrInvalidState          = errors.New("operation not valid in module state")
	ErrChecksumMismatch      = errors.New("module image checksum mismatch")
	ErrMissingSymbol         = errors.New("module did not export declared symbol")
	ErrSymbolNotFound        = errors.New("symbol not found")
	ErrSymbolTableCorrupt    = errors.New("symbol table corrupt")
	ErrLoadTimeout           = errors.New("module load timed out")
)

// State is the module lifecycle state.
type State uint8

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateActive
	StateFailed
	StateRollingBack
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "UNLOADED"
	case StateLoading:
		return "LOADING"
	case StateLoaded:
		return "LOADED"
	case StateActive:
		return "ACTIVE"
	case StateFailed:
		return "FAILED"
	case StateRollingBack:
		return "ROLLING_BACK"
	default:
		return "UNKNOWN"
	}
}

// Resident reports whether the module occupies the backend.
func (s State) Resident() bool {
	return s == StateLoading || s == StateLoaded || s == StateActive
}

// Dependency names a required module and the versions it accepts.
type Dependency struct {
	ID         string
	Constraint Constraint
}

func (d Dependency) String() string {
	return d.ID + " " + d.Constraint.String()
}

// Descriptor describes a module.
type Descriptor struct {
	ID           string
	Version      string
	Dependencies []Dependency

	// Symbols lists the names the module must export.
	Symbols []string

	// Image is the module binary, if the backend needs one.
	Image []byte

	// Checksum is the hex BLAKE2b-256 digest Image must match. Empty skips
	// verification.
	Checksum string

	// Drivers lists the drivers the module provides.
	Drivers []DriverSpec
}

// DriverSpec is declarative metadata about a driver a module provides.
type DriverSpec struct {
	ID           string   `yaml:"id"`
	Priority     int      `yaml:"priority"`
	Bus          string   `yaml:"bus,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	Vendor       uint16   `yaml:"vendor,omitempty"`
	Product      uint16   `yaml:"product,omitempty"`
}

// Validate checks the descriptor and canonicalizes its version.
func (d *Descriptor) Validate() error {
	if d.ID == "" || strings.Contains(d.ID, SymbolSeparator) {
		return fmt.Errorf("%w: bad id %q", ErrInvalidDescriptor, d.ID)
	}
	v, err := CanonicalVersion(d.Version)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidDescriptor, d.ID, err)
	}
	d.Version = v

	seen := make(map[string]bool, len(d.Dependencies))
	for _, dep := range d.Dependencies {
		if dep.ID == "" || dep.ID == d.ID || seen[dep.ID] {
			return fmt.Errorf("%w: %s: bad dependency %q", ErrInvalidDescriptor, d.ID, dep.ID)
		}
		seen[dep.ID] = true
	}
	for _, s := range d.Symbols {
		if s == "" || strings.Contains(s, SymbolSeparator) {
			return fmt.Errorf("%w: %s: bad symbol %q", ErrInvalidDescriptor, d.ID, s)
		}
	}
	return nil
}

// Exports maps exported symbol names to their values.
type Exports map[string]any

// Backend performs the actual link, initialization and unlink of module
// code. Calls for one module are never concurrent.
type Backend interface {
	// Link makes the module's code resident and returns its exports.
	Link(ctx context.Context, desc Descriptor) (Exports, error)

	// Init runs the module's initialization when it is activated.
	Init(ctx context.Context, desc Descriptor) error

	// Unlink releases everything Link acquired. It is also called for a
	// module whose Link failed or was abandoned, and must tolerate that.
	Unlink(ctx context.Context, desc Descriptor) error
}

// Info is a snapshot of a registered module.
type Info struct {
	Descriptor Descriptor
	State      State
	LoadedAt   time.Time
	LoadTime   time.Duration
	LastError  error
}

// LoadOptions tunes one Load call.
type LoadOptions struct {
	// Timeout bounds the whole load. Zero uses the loader default.
	Timeout time.Duration

	// RollbackOnFailure unloads everything the call loaded when it fails.
	// Timeouts always roll back.
	RollbackOnFailure bool

	// PreloadDependencies loads unloaded dependencies first. Without it,
	// every dependency must already be loaded.
	PreloadDependencies bool

	// FailFast returns ErrLoadInProgress immediately instead of waiting for
	// an overlapping load.
	FailFast bool
}

// DefaultLoadOptions returns rollback and preloading enabled.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		RollbackOnFailure:   true,
		PreloadDependencies: true,
	}
}

// LoadError describes a failed load.
type LoadError struct {
	Module     string
	Failed     string
	Err        error
	RolledBack []string
}

func (e *LoadError) Error() string {
	msg := fmt.Sprintf("load %s: %s: %v", e.Module, e.Failed, e.Err)
	if len(e.RolledBack) > 0 {
		msg += fmt.Sprintf(" (rolled back %s)", strings.Join(e.RolledBack, ", "))
	}
	return msg
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Stats summarizes loader activity.
type Stats struct {
	Total       int
	Loaded      int
	Active      int
	Failed      int
	Loads       uint64
	LoadErrors  uint64
	Rollbacks   uint64
	AvgLoadTime time.Duration
}

// StateChangeFunc observes module state transitions.
type StateChangeFunc func(id string, from, to State)
