package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drvkit/drvkit-go/pkg/device"
	"github.com/drvkit/drvkit-go/pkg/driver"
	"github.com/drvkit/drvkit-go/pkg/events"
	"github.com/drvkit/drvkit-go/pkg/log"
	"github.com/drvkit/drvkit-go/pkg/module"
	"github.com/drvkit/drvkit-go/pkg/recovery"
)

// isolateTimeout bounds the isolation of a device whose record was closed
// Fatal outside a recovery attempt.
const isolateTimeout = 5 * time.Second

// ReportError reports a fault of a bound device. The device moves to Error
// and recovery runs before ReportError returns. The returned record is a
// snapshot taken after the recovery attempt; a record with status Fatal
// means the device was isolated.
func (m *Manager) ReportError(ctx context.Context, deviceID, kind, description string) (recovery.Record, error) {
	if m.isClosed() {
		return recovery.Record{}, ErrShutdown
	}

	var (
		driverID string
		class    device.Class
	)
	err := m.withDevice(ctx, deviceID, "fault: "+kind, func(dev *device.Device) error {
		class = dev.Class()
		if bnd, ok := m.binder.Binding(dev.ID); ok {
			driverID = bnd.DriverID
		}
		if dev.State == device.StateError {
			return nil
		}
		return dev.Transition(device.StateError, "")
	})
	if err != nil {
		return recovery.Record{}, err
	}

	cat := recovery.Classify(kind)
	m.metrics.ErrorReported(cat.String())

	// The device lock is not held here; recovery actions take it.
	rec, err := m.recovery.Report(ctx, recovery.Report{
		DeviceID:    deviceID,
		DriverID:    driverID,
		Class:       class,
		Category:    cat,
		Kind:        kind,
		Description: description,
	})
	if err != nil {
		return rec, err
	}

	m.publish(events.Event{
		Type:     events.ErrorReported,
		DeviceID: deviceID,
		DriverID: driverID,
		ErrorID:  rec.ID,
		Message:  description,
	})
	m.trace.Log(log.Event{
		Component: log.ComponentRecovery,
		Category:  log.CategoryError,
		DeviceID:  deviceID,
		DriverID:  driverID,
		Error: &log.ErrorEventData{
			Message: fmt.Sprintf("%s: %s", kind, description),
			Class:   ClassRecoverableManaged.String(),
			ErrorID: rec.ID,
		},
	})
	return rec, nil
}

// recordClosed observes every closed error record. A record closed Fatal
// by Sweep rather than by an isolate attempt still isolates its device.
func (m *Manager) recordClosed(rec recovery.Record) {
	m.publish(events.Event{
		Type:     events.RecoveryCompleted,
		DeviceID: rec.DeviceID,
		DriverID: rec.DriverID,
		ErrorID:  rec.ID,
		Message:  rec.Status.String(),
	})
	m.trace.Log(log.Event{
		Component: log.ComponentRecovery,
		Category:  log.CategoryState,
		DeviceID:  rec.DeviceID,
		DriverID:  rec.DriverID,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityRecord,
			OldState: recovery.StatusOpen.String(),
			NewState: rec.Status.String(),
			Reason:   fmt.Sprintf("%d attempts", len(rec.Attempts)),
		},
	})
	if rec.Status != recovery.StatusFatal {
		return
	}

	hints := m.recovery.ContextualHints(rec)
	m.trace.Log(log.Event{
		Component: log.ComponentRecovery,
		Category:  log.CategoryError,
		DeviceID:  rec.DeviceID,
		DriverID:  rec.DriverID,
		Error: &log.ErrorEventData{
			Message: rec.Description,
			Class:   ClassFatal.String(),
			ErrorID: rec.ID,
			Hints:   hints,
		},
	})

	if last, ok := rec.LastAttempt(); ok && last.Strategy == recovery.StrategyIsolateDevice {
		return
	}
	m.logger.Error("error record closed fatal, isolating device",
		"error_id", rec.ID, "device_id", rec.DeviceID, "hints", hints)
	ctx, cancel := context.WithTimeout(context.Background(), isolateTimeout)
	defer cancel()
	if err := m.isolate(ctx, rec.DeviceID, rec.ID); err != nil {
		m.logger.Error("isolation failed", "error_id", rec.ID, "device_id", rec.DeviceID, "error", err)
	}
}

// recoveryActions executes recovery strategies against the device table.
type recoveryActions struct {
	m *Manager
}

func (a recoveryActions) Execute(ctx context.Context, s recovery.Strategy, rec recovery.Record) error {
	m := a.m
	var err error
	if !m.present(rec.DeviceID) {
		err = fmt.Errorf("%w: %s before %s", recovery.ErrDeviceGone, rec.DeviceID, s)
	} else {
		err = m.executeStrategy(ctx, s, rec)
		// A hot-plug removal may run between the steps of an action.
		if err != nil && !m.present(rec.DeviceID) {
			err = fmt.Errorf("%w: %s during %s: %w", recovery.ErrDeviceGone, rec.DeviceID, s, err)
		}
	}

	outcome := recovery.OutcomeSucceeded
	switch {
	case errors.Is(err, recovery.ErrDeviceGone):
		outcome = recovery.OutcomeAborted
	case errors.Is(err, recovery.ErrStrategyNotApplicable):
		outcome = recovery.OutcomeSkipped
	case err != nil:
		outcome = recovery.OutcomeFailed
	}
	m.metrics.RecoveryAttempt(s.String(), outcome.String())
	m.trace.Log(log.Event{
		Component: log.ComponentRecovery,
		Category:  log.CategoryOperation,
		DeviceID:  rec.DeviceID,
		DriverID:  rec.DriverID,
		Operation: &log.OperationEvent{
			Name:    "recover",
			Success: err == nil,
			Detail: map[string]string{
				"error_id": rec.ID,
				"strategy": s.String(),
				"outcome":  outcome.String(),
			},
		},
	})
	return err
}

// present reports whether the device is still on its bus. Isolated devices
// parked in Removed count as present.
func (m *Manager) present(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.devices[id]
	return ok
}

func (m *Manager) executeStrategy(ctx context.Context, s recovery.Strategy, rec recovery.Record) error {
	switch s {
	case recovery.StrategyRetry:
		return m.retryDevice(ctx, rec)
	case recovery.StrategyResetDevice:
		return m.resetDevice(ctx, rec)
	case recovery.StrategyReloadModule:
		return m.reloadModule(ctx, rec)
	case recovery.StrategyFallbackDriver:
		return m.fallbackDriver(ctx, rec)
	case recovery.StrategyIsolateDevice:
		return m.isolate(ctx, rec.DeviceID, rec.ID)
	default:
		return fmt.Errorf("%w: %s", recovery.ErrStrategyNotApplicable, s)
	}
}

// retryDevice re-issues the failed operation through the bound driver.
func (m *Manager) retryDevice(ctx context.Context, rec recovery.Record) error {
	return m.withDevice(ctx, rec.DeviceID, "recovery: retry", func(dev *device.Device) error {
		switch dev.State {
		case device.StateReady:
			return nil
		case device.StateError:
			return m.binder.Recover(ctx, dev)
		default:
			return fmt.Errorf("%w: device %s is %s", recovery.ErrStrategyNotApplicable, dev.ID, dev.State)
		}
	})
}

// resetDevice unbinds and rebinds the device, preferring its driver.
func (m *Manager) resetDevice(ctx context.Context, rec recovery.Record) error {
	prefer := rec.DriverID
	if bnd, ok := m.binder.Binding(rec.DeviceID); ok {
		prefer = bnd.DriverID
	}
	if _, err := m.unbindDevice(ctx, rec.DeviceID, false); err != nil && !errors.Is(err, driver.ErrNotBound) {
		return err
	}
	_, err := m.bindDevice(ctx, rec.DeviceID, driver.BindOptions{Prefer: prefer})
	return err
}

// reloadModule unloads the module providing the failed driver, loads and
// activates it again. Activation rebinds the module's devices.
func (m *Manager) reloadModule(ctx context.Context, rec recovery.Record) error {
	moduleID := ""
	if e, ok := m.registry.Get(rec.DriverID); ok {
		moduleID = e.ModuleID
	}
	if moduleID == "" {
		return fmt.Errorf("%w: driver %q has no module", recovery.ErrStrategyNotApplicable, rec.DriverID)
	}
	if deps := m.loader.Dependents(moduleID); len(deps) > 0 {
		return fmt.Errorf("%w: %s required by %v", module.ErrModuleInUse, moduleID, deps)
	}

	if err := m.unloadModule(ctx, moduleID, false); err != nil {
		return err
	}
	if err := m.LoadModule(ctx, moduleID, module.DefaultLoadOptions()); err != nil {
		return err
	}
	if err := m.ActivateModule(ctx, moduleID); err != nil {
		return err
	}

	dev, ok := m.Device(rec.DeviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, rec.DeviceID)
	}
	if dev.State != device.StateReady {
		return fmt.Errorf("device %s is %s after reloading %s", dev.ID, dev.State, moduleID)
	}
	return nil
}

// fallbackDriver rebinds the device to the next candidate, excluding the
// driver that failed.
func (m *Manager) fallbackDriver(ctx context.Context, rec recovery.Record) error {
	failed := rec.DriverID
	if bnd, ok := m.binder.Binding(rec.DeviceID); ok {
		failed = bnd.DriverID
	}
	dev, ok := m.Device(rec.DeviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, rec.DeviceID)
	}
	if len(m.registry.Candidates(dev, failed)) == 0 {
		return fmt.Errorf("%w: no alternative to %q", recovery.ErrStrategyNotApplicable, failed)
	}

	if _, err := m.unbindDevice(ctx, rec.DeviceID, false); err != nil && !errors.Is(err, driver.ErrNotBound) {
		return err
	}
	_, err := m.bindDevice(ctx, rec.DeviceID, driver.BindOptions{Exclude: []string{failed}})
	return err
}
