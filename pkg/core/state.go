package core

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/drvkit/drvkit-go/pkg/persistence"
)

func isolatedEntry(deviceID, errorID string, at time.Time) persistence.IsolatedDevice {
	return persistence.IsolatedDevice{DeviceID: deviceID, ErrorID: errorID, IsolatedAt: at}
}

// loadState restores learned patterns and isolated devices from the store.
func (m *Manager) loadState(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	state, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if state == nil {
		return nil
	}
	if state.Version > persistence.StateVersion {
		m.logger.Warn("state saved by a newer version, ignoring",
			"version", state.Version, "supported", persistence.StateVersion)
		return nil
	}

	m.recovery.Restore(state.Patterns)

	m.mu.Lock()
	for _, iso := range state.Isolated {
		m.isolated[iso.DeviceID] = iso
	}
	m.restoreOrder = slices.Clone(state.ActiveModules)
	m.mu.Unlock()

	m.logger.Info("state restored",
		"saved_at", state.SavedAt,
		"patterns", len(state.Patterns),
		"isolated", len(state.Isolated),
		"modules", len(state.ActiveModules))
	return nil
}

// SaveState writes learned patterns, isolated devices and active modules to
// the store. It is a no-op without a store.
func (m *Manager) SaveState(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	state := &persistence.State{
		SavedAt:  m.now(),
		Patterns: m.recovery.Snapshot(),
		Isolated: m.Isolated(),
	}
	m.mu.Lock()
	state.ActiveModules = slices.Clone(m.activeOrder)
	m.mu.Unlock()

	if err := m.store.Save(ctx, state); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	m.logger.Debug("state saved", "patterns", len(state.Patterns), "isolated", len(state.Isolated))
	return nil
}
