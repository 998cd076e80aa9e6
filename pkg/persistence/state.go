package persistence

import (
	"context"
	"time"

	"github.com/drvkit/drvkit-go/pkg/recovery"
)

// StateVersion is the current version of the state format.
const StateVersion = 1

// State is the persisted runtime state of a driver manager.
type State struct {
	// Version is the state format version.
	Version int `json:"version"`

	// SavedAt is when the state was last saved.
	SavedAt time.Time `json:"saved_at"`

	// Patterns is the learned recovery pattern table.
	Patterns []recovery.Pattern `json:"patterns,omitempty"`

	// Isolated lists devices quarantined by recovery. They stay isolated
	// across restarts until reinstated.
	Isolated []IsolatedDevice `json:"isolated,omitempty"`

	// ActiveModules lists modules that were Active, in activation order.
	ActiveModules []string `json:"active_modules,omitempty"`
}

// IsolatedDevice records a quarantined device.
type IsolatedDevice struct {
	DeviceID   string    `json:"device_id"`
	ErrorID    string    `json:"error_id,omitempty"`
	IsolatedAt time.Time `json:"isolated_at"`
}

// Store persists State.
type Store interface {
	// Save replaces the stored state.
	Save(ctx context.Context, state *State) error

	// Load returns the stored state, or nil, nil when nothing is stored.
	Load(ctx context.Context) (*State, error)

	// Clear removes the stored state.
	Clear(ctx context.Context) error

	Close() error
}

func stamp(state *State) {
	state.Version = StateVersion
	if state.SavedAt.IsZero() {
		state.SavedAt = time.Now()
	}
}
