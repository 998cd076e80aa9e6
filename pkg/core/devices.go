package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/drvkit/drvkit-go/pkg/device"
	"github.com/drvkit/drvkit-go/pkg/driver"
	"github.com/drvkit/drvkit-go/pkg/events"
	"github.com/drvkit/drvkit-go/pkg/hotplug"
	"github.com/drvkit/drvkit-go/pkg/log"
	"github.com/drvkit/drvkit-go/pkg/resource"
)

// withDevice runs fn on a copy of the device under the per-device lock and
// stores the result. State changes are published after the lock is
// released, so event handlers may call back into the manager.
func (m *Manager) withDevice(ctx context.Context, id string, reason string, fn func(dev *device.Device) error) error {
	dev, from, err := m.mutateDevice(ctx, id, fn)
	if dev.State != from {
		m.stateChanged(dev, from, reason)
	}
	return err
}

func (m *Manager) mutateDevice(ctx context.Context, id string, fn func(dev *device.Device) error) (device.Device, device.State, error) {
	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return device.Device{}, 0, err
	}
	defer unlock()

	m.mu.Lock()
	dev, ok := m.devices[id]
	m.mu.Unlock()
	if !ok {
		return device.Device{}, 0, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	from := dev.State
	err = fn(&dev)

	m.mu.Lock()
	if _, ok := m.devices[id]; ok {
		m.devices[id] = dev
	}
	m.mu.Unlock()
	return dev, from, err
}

func (m *Manager) stateChanged(dev device.Device, from device.State, reason string) {
	m.publish(events.Event{
		Type:     events.DeviceStateChanged,
		DeviceID: dev.ID,
		DriverID: dev.DriverID,
		From:     from,
		To:       dev.State,
		Message:  reason,
	})
	m.trace.Log(log.Event{
		Component: log.ComponentDevice,
		Category:  log.CategoryState,
		DeviceID:  dev.ID,
		DriverID:  dev.DriverID,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityDevice,
			OldState: from.String(),
			NewState: dev.State.String(),
			Reason:   reason,
		},
	})
	m.metrics.SetDevices(m.Devices())
}

// DiscoverAllDevices scans every bus, adds devices not yet known to the
// device table and binds them. Failing buses are reported as warnings; the
// other buses still contribute. It returns the device table after binding.
func (m *Manager) DiscoverAllDevices(ctx context.Context) ([]device.Device, []device.ScanWarning) {
	if m.isClosed() {
		return nil, nil
	}
	start := m.now()
	found, warnings := device.ScanAll(ctx, m.scanTimeout, m.buses...)
	failed := make(map[device.BusKind]bool, len(warnings))
	for _, w := range warnings {
		m.logger.Warn("bus scan failed", "bus", w.Bus.String(), "error", w.Err, "class", Class(w.Err).String())
		m.metrics.ScanFailure(w.Bus)
		failed[w.Bus] = true
	}
	// The hot-plug diff starts from what discovery saw.
	for _, bus := range m.buses {
		if !failed[bus.Kind()] {
			_ = m.hotplug.Seed(bus.Kind(), found)
		}
	}

	var added []string
	for _, dev := range found {
		if m.addDevice(dev) {
			added = append(added, dev.ID)
		}
	}
	for _, id := range added {
		_, _ = m.bindDevice(ctx, id, driver.BindOptions{})
	}

	m.trace.Log(log.Event{
		Component: log.ComponentCore,
		Category:  log.CategoryOperation,
		Operation: &log.OperationEvent{
			Name:     "discover",
			Duration: m.now().Sub(start),
			Success:  len(warnings) == 0,
			Detail: map[string]string{
				"found":    strconv.Itoa(len(found)),
				"added":    strconv.Itoa(len(added)),
				"warnings": strconv.Itoa(len(warnings)),
			},
		},
	})
	return m.Devices(), warnings
}

// addDevice inserts a newly seen device. Devices isolated by an earlier
// recovery, in this run or a previous one, enter the table as Removed.
func (m *Manager) addDevice(dev device.Device) bool {
	m.mu.Lock()
	if _, ok := m.devices[dev.ID]; ok {
		m.mu.Unlock()
		return false
	}
	_, isolated := m.isolated[dev.ID]
	if isolated {
		dev.State = device.StateRemoved
		dev.DriverID = ""
	}
	m.devices[dev.ID] = dev
	m.mu.Unlock()

	m.publish(events.Event{
		Type:     events.DeviceDiscovered,
		DeviceID: dev.ID,
		Message:  dev.Description,
	})
	if isolated {
		m.logger.Warn("isolated device present, not binding", "device_id", dev.ID)
		return false
	}
	m.logger.Debug("device discovered", "device_id", dev.ID, "class", string(dev.Class()))
	return true
}

// Bind binds an unbound device. It is exported for callers that register
// drivers after discovery.
func (m *Manager) Bind(ctx context.Context, deviceID string) (string, error) {
	if m.isClosed() {
		return "", ErrShutdown
	}
	return m.bindDevice(ctx, deviceID, driver.BindOptions{})
}

func (m *Manager) bindDevice(ctx context.Context, id string, opts driver.BindOptions) (string, error) {
	opts.Ready = true
	start := m.now()
	var driverID string
	err := m.withDevice(ctx, id, "bind", func(dev *device.Device) error {
		var err error
		driverID, err = m.binder.Bind(ctx, dev, opts)
		return err
	})
	m.metrics.Bind(err)

	detail := map[string]string{"driver": driverID}
	if err != nil {
		detail["error"] = err.Error()
	}
	m.trace.Log(log.Event{
		Component: log.ComponentBinder,
		Category:  log.CategoryOperation,
		DeviceID:  id,
		DriverID:  driverID,
		Operation: &log.OperationEvent{
			Name:     "bind",
			Duration: m.now().Sub(start),
			Success:  err == nil,
			Detail:   detail,
		},
	})

	switch {
	case err == nil:
		m.publish(events.Event{Type: events.DeviceBound, DeviceID: id, DriverID: driverID})
		m.logger.Info("device bound", "device_id", id, "driver_id", driverID)
	case errors.Is(err, driver.ErrNoDriver):
		m.logger.Debug("no driver for device", "device_id", id, "error", err)
	default:
		m.logger.Warn("bind failed", "device_id", id, "error", err, "class", Class(err).String())
	}
	return driverID, err
}

// bindPending tries to bind every unbound present device.
func (m *Manager) bindPending(ctx context.Context) int {
	bound := 0
	for _, dev := range m.Devices() {
		if dev.State != device.StateDiscovered {
			continue
		}
		if _, err := m.bindDevice(ctx, dev.ID, driver.BindOptions{}); err == nil {
			bound++
		}
	}
	return bound
}

// Unbind detaches the driver of a device and releases its resources. The
// device stays in the table as Discovered.
func (m *Manager) Unbind(ctx context.Context, deviceID string) (resource.CleanupStats, error) {
	if m.isClosed() {
		return resource.CleanupStats{}, ErrShutdown
	}
	return m.unbindDevice(ctx, deviceID, false)
}

func (m *Manager) unbindDevice(ctx context.Context, id string, removed bool) (resource.CleanupStats, error) {
	var (
		stats    resource.CleanupStats
		driverID string
	)
	reason := "unbind"
	if removed {
		reason = "removed"
	}
	err := m.withDevice(ctx, id, reason, func(dev *device.Device) error {
		bnd, ok := m.binder.Binding(dev.ID)
		if !ok {
			if removed && dev.State != device.StateRemoved {
				return dev.Transition(device.StateRemoved, "")
			}
			return fmt.Errorf("%w: %s", driver.ErrNotBound, dev.ID)
		}
		driverID = bnd.DriverID
		var err error
		stats, err = m.binder.Unbind(ctx, dev, removed)
		return err
	})
	if driverID == "" {
		return stats, err
	}

	m.metrics.Cleanup(stats)
	m.trace.Log(log.Event{
		Component: log.ComponentResource,
		Category:  log.CategoryResource,
		DeviceID:  id,
		DriverID:  driverID,
		Resource: &log.ResourceEvent{
			Cleaned:        stats.Cleaned,
			BytesReclaimed: stats.BytesReclaimed,
			Failures:       stats.Failures,
		},
	})
	m.publish(events.Event{
		Type:     events.DeviceUnbound,
		DeviceID: id,
		DriverID: driverID,
		Message:  fmt.Sprintf("released %d resources (%d bytes)", stats.Cleaned, stats.BytesReclaimed),
	})
	return stats, err
}

func (m *Manager) deviceArrived(ctx context.Context, dev device.Device) {
	m.traceHotplug(dev, log.HotplugArrival)
	m.metrics.Hotplug(dev.Bus(), hotplug.EventNewDevice.String())
	if m.isClosed() || !m.addDevice(dev) {
		return
	}
	_, _ = m.bindDevice(ctx, dev.ID, driver.BindOptions{})
}

func (m *Manager) deviceRemoved(ctx context.Context, dev device.Device) {
	m.traceHotplug(dev, log.HotplugRemoval)
	m.metrics.Hotplug(dev.Bus(), hotplug.EventRemovedDevice.String())
	m.removeDevice(ctx, dev.ID)
}

// removeDevice handles a device that physically left its bus: the driver
// is unbound, its resources are released and the device leaves the table.
// Isolated devices stay listed so they can be reinstated.
func (m *Manager) removeDevice(ctx context.Context, id string) {
	if _, ok := m.Device(id); !ok {
		return
	}
	stats, err := m.unbindDevice(ctx, id, true)
	if err != nil && !errors.Is(err, driver.ErrNotBound) {
		m.logger.Warn("unbind of removed device failed", "device_id", id, "error", err)
	}

	m.mu.Lock()
	_, isolated := m.isolated[id]
	if !isolated {
		delete(m.devices, id)
	}
	m.mu.Unlock()

	m.publish(events.Event{Type: events.DeviceRemoved, DeviceID: id})
	m.metrics.SetDevices(m.Devices())
	m.logger.Info("device removed",
		"device_id", id,
		"cleaned", stats.Cleaned,
		"bytes_reclaimed", stats.BytesReclaimed)
}

func (m *Manager) traceHotplug(dev device.Device, kind log.HotplugKind) {
	m.trace.Log(log.Event{
		Component: log.ComponentHotplug,
		Category:  log.CategoryHotplug,
		DeviceID:  dev.ID,
		Hotplug:   &log.HotplugEvent{Bus: dev.Bus().String(), Kind: kind},
	})
}

// ScanHotplug rescans every bus once and applies the arrivals and removals.
func (m *Manager) ScanHotplug(ctx context.Context) hotplug.ScanResult {
	if m.isClosed() {
		return hotplug.ScanResult{}
	}
	r := m.hotplug.ScanAllBuses(ctx)
	for _, w := range r.Warnings {
		m.metrics.ScanFailure(w.Bus)
	}
	return r
}

// RunHotplug runs hot-plug detection until ctx is done.
func (m *Manager) RunHotplug(ctx context.Context) error {
	if m.isClosed() {
		return ErrShutdown
	}
	return m.hotplug.Run(ctx)
}

// Suspend moves a Ready device to Suspended.
func (m *Manager) Suspend(ctx context.Context, deviceID string) error {
	return m.withDevice(ctx, deviceID, "suspend", m.binder.Suspend)
}

// Resume moves a Suspended device back to Ready.
func (m *Manager) Resume(ctx context.Context, deviceID string) error {
	return m.withDevice(ctx, deviceID, "resume", m.binder.Resume)
}

// Interrupt dispatches an interrupt to the bound driver. A handler error is
// reported to error recovery as an interrupt fault.
func (m *Manager) Interrupt(ctx context.Context, deviceID string) error {
	dev, ok := m.Device(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	err := m.binder.DispatchInterrupt(dev)
	if err == nil || errors.Is(err, driver.ErrNotBound) || errors.Is(err, driver.ErrNoInterruptHandler) {
		return err
	}
	if _, rerr := m.ReportError(ctx, deviceID, "interrupt", err.Error()); rerr != nil {
		m.logger.Warn("interrupt fault not reported", "device_id", deviceID, "error", rerr)
	}
	return fmt.Errorf("interrupt %s: %w", deviceID, err)
}

// Reinstate lifts the isolation of a device. A present device returns to
// Discovered and is bound again.
func (m *Manager) Reinstate(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	_, isolated := m.isolated[deviceID]
	_, present := m.devices[deviceID]
	m.mu.Unlock()
	if !isolated {
		return fmt.Errorf("%w: %s", ErrNotIsolated, deviceID)
	}

	if present {
		err := m.withDevice(ctx, deviceID, "reinstated", func(dev *device.Device) error {
			if dev.State != device.StateRemoved {
				return nil
			}
			return dev.Transition(device.StateDiscovered, "")
		})
		if err != nil {
			return err
		}
	}

	m.mu.Lock()
	delete(m.isolated, deviceID)
	m.mu.Unlock()
	m.logger.Info("device reinstated", "device_id", deviceID, "present", present)

	if present {
		if _, err := m.bindDevice(ctx, deviceID, driver.BindOptions{}); err != nil && !errors.Is(err, driver.ErrNoDriver) {
			return err
		}
	}
	return nil
}

// isolate quarantines a device: its driver is unbound, resources released
// and the device parked in Removed until reinstated.
func (m *Manager) isolate(ctx context.Context, id, errorID string) error {
	m.mu.Lock()
	_, already := m.isolated[id]
	m.isolated[id] = isolatedEntry(id, errorID, m.now())
	m.mu.Unlock()
	if already {
		return nil
	}

	_, err := m.unbindDevice(ctx, id, true)
	if err != nil && !errors.Is(err, driver.ErrNotBound) && !errors.Is(err, ErrUnknownDevice) {
		return err
	}

	m.metrics.Isolated()
	m.publish(events.Event{
		Type:     events.DeviceIsolated,
		DeviceID: id,
		ErrorID:  errorID,
		Message:  "device isolated after exhausted recovery",
	})
	return nil
}
