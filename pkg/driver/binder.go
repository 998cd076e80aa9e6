package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/drvkit/drvkit-go/pkg/device"
	"github.com/drvkit/drvkit-go/pkg/resource"
)

// Binding is an entry of the binding table.
type Binding struct {
	DeviceID string
	DriverID string
	ModuleID string
	BoundAt  time.Time

	driver Driver
}

// Owner returns the resource owner identity of the binding.
func (b Binding) Owner() resource.Owner {
	return resource.Owner{DriverID: b.DriverID, DeviceID: b.DeviceID}
}

// BindOptions tunes one bind attempt.
type BindOptions struct {
	// Exclude lists driver ids that must not be tried.
	Exclude []string

	// Prefer is tried first when it is an enabled candidate.
	Prefer string

	// Ready moves the device to Ready once bound.
	Ready bool
}

// BinderConfig configures a Binder.
type BinderConfig struct {
	Registry  *Registry
	Resources *resource.Manager
	Logger    *slog.Logger
}

// Binder attaches drivers to devices and keeps the binding table.
//
// Binder methods mutate the *device.Device they are given. Callers must
// serialize operations on the same device.
type Binder struct {
	registry  *Registry
	resources *resource.Manager
	logger    *slog.Logger

	mu       sync.Mutex
	bindings map[string]Binding
}

// NewBinder creates a binder.
func NewBinder(cfg BinderConfig) *Binder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Binder{
		registry:  cfg.Registry,
		resources: cfg.Resources,
		logger:    logger,
		bindings:  make(map[string]Binding),
	}
}

// Bind probes candidates in priority order and binds the first driver that
// accepts dev. A driver whose Bind fails has its resources released and the
// next candidate is tried. Without a match the device returns to Discovered
// and ErrNoDriver is returned, joined with any bind failures.
func (b *Binder) Bind(ctx context.Context, dev *device.Device, opts BindOptions) (string, error) {
	if dev.HasDriver() || b.isBound(dev.ID) {
		return "", fmt.Errorf("%w: %s", ErrAlreadyBound, dev.ID)
	}
	if err := dev.Transition(device.StateProbing, ""); err != nil {
		return "", err
	}

	candidates := b.registry.Candidates(*dev, opts.Exclude...)
	if opts.Prefer != "" {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].ID == opts.Prefer && candidates[j].ID != opts.Prefer
		})
	}

	var failures []error
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		if !probe(c.Driver, *dev) {
			continue
		}

		owner := resource.Owner{DriverID: c.ID, DeviceID: dev.ID}
		if err := bindDriver(ctx, c.Driver, *dev, b.resources.Scope(owner)); err != nil {
			stats := b.resources.ReleaseOwner(ctx, owner)
			b.logger.Warn("driver bind failed",
				"device", dev.ID,
				"driver", c.ID,
				"released", stats.Cleaned,
				"error", err)
			failures = append(failures, fmt.Errorf("%s: %w", c.ID, err))
			continue
		}

		b.mu.Lock()
		b.bindings[dev.ID] = Binding{
			DeviceID: dev.ID,
			DriverID: c.ID,
			ModuleID: c.ModuleID,
			BoundAt:  time.Now(),
			driver:   c.Driver,
		}
		b.mu.Unlock()

		if err := dev.Transition(device.StateBound, c.ID); err != nil {
			return "", err
		}
		if opts.Ready {
			if err := dev.Transition(device.StateReady, c.ID); err != nil {
				return c.ID, err
			}
		}
		b.logger.Debug("device bound", "device", dev.ID, "driver", c.ID)
		return c.ID, nil
	}

	if err := dev.Transition(device.StateDiscovered, ""); err != nil {
		return "", err
	}
	if len(failures) > 0 {
		return "", fmt.Errorf("%w: %s: %w", ErrNoDriver, dev.ID, errors.Join(failures...))
	}
	return "", fmt.Errorf("%w: %s", ErrNoDriver, dev.ID)
}

// Unbind detaches the bound driver and releases every resource it owns for
// dev. The device moves to Removed when removed is set, otherwise back to
// Discovered.
func (b *Binder) Unbind(ctx context.Context, dev *device.Device, removed bool) (resource.CleanupStats, error) {
	b.mu.Lock()
	bnd, ok := b.bindings[dev.ID]
	delete(b.bindings, dev.ID)
	b.mu.Unlock()

	if !ok {
		return resource.CleanupStats{}, fmt.Errorf("%w: %s", ErrNotBound, dev.ID)
	}

	unbindDriver(bnd.driver, *dev)

	// Cleanup runs after the binding lock is released.
	stats := b.resources.ReleaseOwner(ctx, bnd.Owner())

	target := device.StateDiscovered
	if removed {
		target = device.StateRemoved
	}
	if dev.State != target {
		if err := dev.Transition(target, ""); err != nil {
			return stats, err
		}
	}
	b.logger.Debug("device unbound",
		"device", dev.ID,
		"driver", bnd.DriverID,
		"cleaned", stats.Cleaned,
		"failures", stats.Failures)
	return stats, nil
}

// MarkReady moves a Bound device, or an Error device whose binding
// survived recovery, to Ready.
func (b *Binder) MarkReady(dev *device.Device) error {
	bnd, ok := b.Binding(dev.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotBound, dev.ID)
	}
	return dev.Transition(device.StateReady, bnd.DriverID)
}

// Recover asks the bound driver to re-issue its failed operation and, on
// success, moves dev back to Ready. A driver without a Recoverer hook is
// resumed as-is.
func (b *Binder) Recover(ctx context.Context, dev *device.Device) error {
	bnd, ok := b.Binding(dev.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotBound, dev.ID)
	}
	if r, ok := bnd.driver.(Recoverer); ok {
		if err := safeCall(func() error { return r.Recover(ctx, *dev) }); err != nil {
			return fmt.Errorf("%s: %w", bnd.DriverID, err)
		}
	}
	return dev.Transition(device.StateReady, bnd.DriverID)
}

// Suspend moves a Ready device to Suspended, calling the driver's power hook
// when it has one.
func (b *Binder) Suspend(dev *device.Device) error {
	bnd, ok := b.Binding(dev.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotBound, dev.ID)
	}
	if !device.CanTransition(dev.State, device.StateSuspended) {
		return &device.TransitionError{DeviceID: dev.ID, From: dev.State, To: device.StateSuspended}
	}
	if pm, ok := bnd.driver.(PowerManager); ok {
		if err := safeCall(func() error { return pm.Suspend(*dev) }); err != nil {
			return fmt.Errorf("%s: suspend: %w", bnd.DriverID, err)
		}
	}
	return dev.Transition(device.StateSuspended, bnd.DriverID)
}

// Resume moves a Suspended device back to Ready.
func (b *Binder) Resume(dev *device.Device) error {
	bnd, ok := b.Binding(dev.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotBound, dev.ID)
	}
	if dev.State != device.StateSuspended {
		return &device.TransitionError{DeviceID: dev.ID, From: dev.State, To: device.StateReady}
	}
	if pm, ok := bnd.driver.(PowerManager); ok {
		if err := safeCall(func() error { return pm.Resume(*dev) }); err != nil {
			return fmt.Errorf("%s: resume: %w", bnd.DriverID, err)
		}
	}
	return dev.Transition(device.StateReady, bnd.DriverID)
}

// DispatchInterrupt routes an interrupt to the bound driver's handler.
func (b *Binder) DispatchInterrupt(dev device.Device) error {
	bnd, ok := b.Binding(dev.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotBound, dev.ID)
	}
	h, ok := bnd.driver.(InterruptHandler)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoInterruptHandler, bnd.DriverID)
	}
	return h.HandleInterrupt(dev)
}

// Binding returns the binding of deviceID.
func (b *Binder) Binding(deviceID string) (Binding, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bnd, ok := b.bindings[deviceID]
	return bnd, ok
}

// Bindings returns the binding table sorted by device id.
func (b *Binder) Bindings() []Binding {
	b.mu.Lock()
	out := make([]Binding, 0, len(b.bindings))
	for _, bnd := range b.bindings {
		out = append(out, bnd)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// DevicesOf returns the ids of devices bound to driverID.
func (b *Binder) DevicesOf(driverID string) []string {
	var ids []string
	for _, bnd := range b.Bindings() {
		if bnd.DriverID == driverID {
			ids = append(ids, bnd.DeviceID)
		}
	}
	return ids
}

// OwnerBound reports whether owner matches a current binding. It satisfies
// resource.OwnerChecker.
func (b *Binder) OwnerBound(owner resource.Owner) bool {
	bnd, ok := b.Binding(owner.DeviceID)
	return ok && bnd.DriverID == owner.DriverID
}

func (b *Binder) isBound(deviceID string) bool {
	_, ok := b.Binding(deviceID)
	return ok
}

func probe(d Driver, dev device.Device) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return d.Probe(dev)
}

func bindDriver(ctx context.Context, d Driver, dev device.Device, scope resource.Scope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bind panicked: %v", r)
		}
	}()
	return d.Bind(ctx, dev, scope)
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("driver panicked: %v", r)
		}
	}()
	return fn()
}

func unbindDriver(d Driver, dev device.Device) {
	defer func() { _ = recover() }()
	d.Unbind(dev)
}
