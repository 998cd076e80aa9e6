package simbus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/drvkit/drvkit-go/pkg/device"
	"github.com/drvkit/drvkit-go/pkg/resource"
)

// Injected driver failures.
var (
	ErrBindFault      = errors.New("simulated bind failure")
	ErrRecoverFault   = errors.New("simulated recovery failure")
	ErrInterruptFault = errors.New("simulated interrupt failure")
	ErrSuspendFault   = errors.New("simulated suspend failure")
)

// Allocation is a resource a simulated driver registers on bind.
type Allocation struct {
	Kind  resource.Kind
	Size  uint64
	Label string
}

// Behavior configures a simulated driver. The Fail counters are consumed
// one per call.
type Behavior struct {
	Allocations []Allocation

	FailBinds      int
	FailRecovers   int
	FailInterrupts int
	FailSuspends   int

	// LeakCleanup makes resource cleanups fail, leaving them counted as
	// cleanup failures.
	LeakCleanup bool
}

// DriverStats counts driver calls.
type DriverStats struct {
	Probes     int
	Binds      int
	BindErrors int
	Unbinds    int
	Recovers   int
	Interrupts int
	Suspends   int
	Resumes    int
	Released   int
	Bound      []string
}

// Driver is a simulated driver. It implements driver.Driver and the
// optional InterruptHandler, Recoverer and PowerManager hooks.
type Driver struct {
	id string

	mu       sync.Mutex
	behavior Behavior
	bound    map[string]bool
	stats    DriverStats
}

// NewDriver returns a driver with the given behavior.
func NewDriver(id string, b Behavior) *Driver {
	return &Driver{id: id, behavior: b, bound: make(map[string]bool)}
}

// ID returns the driver id.
func (d *Driver) ID() string { return d.id }

// Probe accepts every device; matching is the registry's job.
func (d *Driver) Probe(device.Device) bool {
	d.mu.Lock()
	d.stats.Probes++
	d.mu.Unlock()
	return true
}

func (d *Driver) Bind(ctx context.Context, dev device.Device, scope resource.Scope) error {
	d.mu.Lock()
	d.stats.Binds++
	if d.behavior.FailBinds > 0 {
		d.behavior.FailBinds--
		d.stats.BindErrors++
		d.mu.Unlock()
		return fmt.Errorf("%s on %s: %w", d.id, dev.ID, ErrBindFault)
	}
	allocs := d.behavior.Allocations
	leak := d.behavior.LeakCleanup
	d.mu.Unlock()

	for _, a := range allocs {
		_, err := scope.Register(ctx, a.Kind, a.Size, a.Label, func(context.Context) error {
			d.mu.Lock()
			defer d.mu.Unlock()
			if leak {
				return fmt.Errorf("%s: %s not released", d.id, a.Label)
			}
			d.stats.Released++
			return nil
		})
		if err != nil {
			return err
		}
	}

	d.mu.Lock()
	d.bound[dev.ID] = true
	d.mu.Unlock()
	return nil
}

func (d *Driver) Unbind(dev device.Device) {
	d.mu.Lock()
	d.stats.Unbinds++
	delete(d.bound, dev.ID)
	d.mu.Unlock()
}

func (d *Driver) Recover(_ context.Context, dev device.Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Recovers++
	if d.behavior.FailRecovers > 0 {
		d.behavior.FailRecovers--
		return fmt.Errorf("%s on %s: %w", d.id, dev.ID, ErrRecoverFault)
	}
	return nil
}

func (d *Driver) HandleInterrupt(dev device.Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Interrupts++
	if d.behavior.FailInterrupts > 0 {
		d.behavior.FailInterrupts--
		return fmt.Errorf("%s on %s: %w", d.id, dev.ID, ErrInterruptFault)
	}
	return nil
}

func (d *Driver) Suspend(dev device.Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Suspends++
	if d.behavior.FailSuspends > 0 {
		d.behavior.FailSuspends--
		return fmt.Errorf("%s on %s: %w", d.id, dev.ID, ErrSuspendFault)
	}
	return nil
}

func (d *Driver) Resume(device.Device) error {
	d.mu.Lock()
	d.stats.Resumes++
	d.mu.Unlock()
	return nil
}

// Inject adds failures to the pending counters.
func (d *Driver) Inject(f Behavior) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.behavior.FailBinds += f.FailBinds
	d.behavior.FailRecovers += f.FailRecovers
	d.behavior.FailInterrupts += f.FailInterrupts
	d.behavior.FailSuspends += f.FailSuspends
	if f.LeakCleanup {
		d.behavior.LeakCleanup = true
	}
}

// Heal clears pending failures and cleanup leaks.
func (d *Driver) Heal() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.behavior.FailBinds = 0
	d.behavior.FailRecovers = 0
	d.behavior.FailInterrupts = 0
	d.behavior.FailSuspends = 0
	d.behavior.LeakCleanup = false
}

// Stats returns call counters and the devices currently bound.
func (d *Driver) Stats() DriverStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	for id := range d.bound {
		s.Bound = append(s.Bound, id)
	}
	slices.Sort(s.Bound)
	return s
}
