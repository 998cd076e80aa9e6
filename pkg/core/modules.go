package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/drvkit/drvkit-go/pkg/device"
	"github.com/drvkit/drvkit-go/pkg/driver"
	"github.com/drvkit/drvkit-go/pkg/events"
	"github.com/drvkit/drvkit-go/pkg/log"
	"github.com/drvkit/drvkit-go/pkg/module"
)

// RegisterDriver adds a driver that is not provided by a module and binds
// any unbound device it matches.
func (m *Manager) RegisterDriver(ctx context.Context, desc driver.Descriptor) error {
	if m.isClosed() {
		return ErrShutdown
	}
	if err := m.registry.Register(desc); err != nil {
		return err
	}
	m.logger.Info("driver registered", "driver_id", desc.ID, "priority", desc.Priority)
	m.bindPending(ctx)
	return nil
}

// SetDriverEnabled enables or disables a driver for future binding. Bound
// devices keep their driver.
func (m *Manager) SetDriverEnabled(ctx context.Context, driverID string, enabled bool) error {
	if err := m.registry.SetEnabled(driverID, enabled); err != nil {
		return err
	}
	if enabled {
		m.bindPending(ctx)
	}
	return nil
}

// RegisterModule registers a module and the drivers it provides. The
// drivers join the registry when the module becomes Active. Without
// explicit drivers, the descriptor's driver specs are built by the driver
// factory.
func (m *Manager) RegisterModule(desc module.Descriptor, drivers ...driver.Descriptor) error {
	if m.isClosed() {
		return ErrShutdown
	}
	if len(drivers) == 0 && len(desc.Drivers) > 0 {
		built, err := m.buildDrivers(desc)
		if err != nil {
			return err
		}
		drivers = built
	}
	for i := range drivers {
		if err := drivers[i].Validate(); err != nil {
			return err
		}
		drivers[i].ModuleID = desc.ID
	}
	if err := m.loader.Register(desc); err != nil {
		return err
	}

	m.mu.Lock()
	m.moduleDrivers[desc.ID] = drivers
	m.mu.Unlock()
	m.logger.Debug("module registered", "module_id", desc.ID, "version", desc.Version, "drivers", len(drivers))
	return nil
}

func (m *Manager) buildDrivers(desc module.Descriptor) ([]driver.Descriptor, error) {
	if m.factory == nil {
		return nil, fmt.Errorf("%w: %s declares drivers but no driver factory is set",
			module.ErrInvalidDescriptor, desc.ID)
	}
	out := make([]driver.Descriptor, 0, len(desc.Drivers))
	for _, spec := range desc.Drivers {
		match, err := specMatch(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: driver %s: %w", module.ErrInvalidDescriptor, desc.ID, spec.ID, err)
		}
		impl, err := m.factory(desc.ID, spec)
		if err != nil {
			return nil, fmt.Errorf("module %s: driver %s: %w", desc.ID, spec.ID, err)
		}
		out = append(out, driver.Descriptor{
			ID:       spec.ID,
			Priority: spec.Priority,
			Match:    match,
			Driver:   impl,
		})
	}
	return out, nil
}

// specMatch turns a declarative driver spec into a match predicate.
func specMatch(spec module.DriverSpec) (driver.MatchFunc, error) {
	var fns []driver.MatchFunc
	if spec.Bus != "" {
		kind, err := device.ParseBusKind(spec.Bus)
		if err != nil {
			return nil, err
		}
		fns = append(fns, driver.MatchBus(kind))
	}
	if len(spec.Capabilities) > 0 {
		caps, err := device.ParseCapabilities(spec.Capabilities)
		if err != nil {
			return nil, err
		}
		fns = append(fns, driver.MatchCapabilities(caps))
	}
	if spec.Vendor != 0 {
		fns = append(fns, driver.MatchVendor(spec.Vendor, spec.Product))
	}
	return driver.MatchAll(fns...), nil
}

// LoadModule loads a module and, as opts allow, its dependencies.
func (m *Manager) LoadModule(ctx context.Context, id string, opts module.LoadOptions) error {
	if m.isClosed() {
		return ErrShutdown
	}
	if m.cfg.Modules.FailFast {
		opts.FailFast = true
	}
	start := m.now()
	err := m.loader.Load(ctx, id, opts)
	elapsed := m.now().Sub(start)
	m.metrics.ModuleLoad(elapsed, err)

	detail := map[string]string{}
	var le *module.LoadError
	if errors.As(err, &le) {
		detail["failed"] = le.Failed
		if len(le.RolledBack) > 0 {
			detail["rolled_back"] = strings.Join(le.RolledBack, ",")
		}
	}
	m.trace.Log(log.Event{
		Component: log.ComponentModule,
		Category:  log.CategoryOperation,
		ModuleID:  id,
		Operation: &log.OperationEvent{
			Name:     "load",
			Duration: elapsed,
			Success:  err == nil,
			Detail:   detail,
		},
	})
	if err != nil {
		m.logger.Warn("module load failed", "module_id", id, "error", err, "class", Class(err).String())
	}
	return err
}

// ActivateModule activates a loaded module after its loaded dependencies,
// registers the drivers of every module it activated and binds unbound
// devices.
func (m *Manager) ActivateModule(ctx context.Context, id string) error {
	if m.isClosed() {
		return ErrShutdown
	}
	order, err := m.loader.Closure(id)
	if err != nil {
		return err
	}
	for _, mid := range order {
		info, ok := m.loader.Get(mid)
		if !ok || info.State == module.StateActive {
			continue
		}
		if err := m.loader.Activate(ctx, mid); err != nil {
			return err
		}
		if err := m.registerModuleDrivers(mid); err != nil {
			return err
		}
	}
	m.bindPending(ctx)
	return nil
}

func (m *Manager) registerModuleDrivers(id string) error {
	m.mu.Lock()
	drivers := slices.Clone(m.moduleDrivers[id])
	m.mu.Unlock()

	var errs []error
	for _, desc := range drivers {
		if _, ok := m.registry.Get(desc.ID); ok {
			continue
		}
		if err := m.registry.Register(desc); err != nil {
			errs = append(errs, err)
			continue
		}
		m.logger.Debug("module driver registered", "module_id", id, "driver_id", desc.ID)
	}
	return errors.Join(errs...)
}

// UnloadModule unbinds the devices of the module's drivers, removes the
// drivers and unloads the module. It is refused without side effects while
// a resident module depends on it. Unbound devices are offered to the
// remaining drivers.
func (m *Manager) UnloadModule(ctx context.Context, id string) error {
	if m.isClosed() {
		return ErrShutdown
	}
	return m.unloadModule(ctx, id, true)
}

func (m *Manager) unloadModule(ctx context.Context, id string, rebind bool) error {
	if _, ok := m.loader.Get(id); !ok {
		return fmt.Errorf("%w: %s", module.ErrUnknownModule, id)
	}
	if deps := m.loader.Dependents(id); len(deps) > 0 {
		return fmt.Errorf("%w: %s required by %s", module.ErrModuleInUse, id, strings.Join(deps, ", "))
	}

	var released []string
	for _, driverID := range m.registry.ByModule(id) {
		for _, devID := range m.binder.DevicesOf(driverID) {
			if _, err := m.unbindDevice(ctx, devID, false); err != nil && !errors.Is(err, driver.ErrNotBound) {
				m.logger.Warn("unbind during module unload failed",
					"module_id", id, "device_id", devID, "error", err)
			}
			released = append(released, devID)
		}
		if err := m.registry.Unregister(driverID); err != nil {
			m.logger.Warn("driver unregister failed", "driver_id", driverID, "error", err)
		}
	}

	if err := m.loader.Unload(ctx, id); err != nil {
		return err
	}

	if rebind {
		for _, devID := range released {
			_, _ = m.bindDevice(ctx, devID, driver.BindOptions{})
		}
	}
	return nil
}

// unloadAll unloads resident modules, dependents first.
func (m *Manager) unloadAll(ctx context.Context) []error {
	for {
		progress := false
		var errs []error
		for _, info := range m.loader.List() {
			if info.State == module.StateUnloaded {
				continue
			}
			id := info.Descriptor.ID
			if len(m.loader.Dependents(id)) > 0 {
				continue
			}
			if err := m.unloadModule(ctx, id, false); err != nil {
				errs = append(errs, err)
				continue
			}
			progress = true
		}
		if !progress {
			return errs
		}
	}
}

// RestoreModules loads and activates the modules that were active when
// state was last saved. Modules not registered by now are skipped.
func (m *Manager) RestoreModules(ctx context.Context) error {
	m.mu.Lock()
	ids := m.restoreOrder
	m.restoreOrder = nil
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		info, ok := m.loader.Get(id)
		if !ok {
			m.logger.Warn("persisted module not registered", "module_id", id)
			continue
		}
		if info.State != module.StateLoaded && info.State != module.StateActive {
			if err := m.LoadModule(ctx, id, module.DefaultLoadOptions()); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if err := m.ActivateModule(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// moduleStateChanged observes loader transitions.
func (m *Manager) moduleStateChanged(id string, from, to module.State) {
	m.trace.Log(log.Event{
		Component: log.ComponentModule,
		Category:  log.CategoryState,
		ModuleID:  id,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityModule,
			OldState: from.String(),
			NewState: to.String(),
		},
	})

	m.mu.Lock()
	if from == module.StateActive {
		m.activeOrder = slices.DeleteFunc(m.activeOrder, func(s string) bool { return s == id })
	}
	if to == module.StateActive {
		m.activeOrder = append(m.activeOrder, id)
	}
	m.mu.Unlock()

	var typ events.Type
	switch {
	case to == module.StateLoaded && from == module.StateLoading:
		typ = events.ModuleLoaded
	case to == module.StateActive:
		typ = events.ModuleActivated
	case to == module.StateUnloaded:
		typ = events.ModuleUnloaded
	default:
		return
	}
	m.publish(events.Event{Type: typ, ModuleID: id, Message: to.String()})
}
