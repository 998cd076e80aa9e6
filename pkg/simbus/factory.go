package simbus

import (
	"slices"
	"sync"

	"github.com/drvkit/drvkit-go/pkg/driver"
	"github.com/drvkit/drvkit-go/pkg/module"
)

// Factory builds simulated drivers for module driver specs. Its New
// method satisfies core.DriverFactory.
type Factory struct {
	mu        sync.Mutex
	behaviors map[string]Behavior
	drivers   map[string]*Driver
}

// NewFactory returns a factory. Drivers without an entry in behaviors get
// the zero Behavior.
func NewFactory(behaviors map[string]Behavior) *Factory {
	f := &Factory{
		behaviors: make(map[string]Behavior, len(behaviors)),
		drivers:   make(map[string]*Driver),
	}
	for id, b := range behaviors {
		f.behaviors[id] = b
	}
	return f
}

// New returns the driver for spec.ID, creating it on first use. A module
// registered again gets the same driver instance.
func (f *Factory) New(_ string, spec module.DriverSpec) (driver.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.drivers[spec.ID]; ok {
		return d, nil
	}
	d := NewDriver(spec.ID, f.behaviors[spec.ID])
	f.drivers[spec.ID] = d
	return d, nil
}

// Driver returns a driver built earlier.
func (f *Factory) Driver(id string) (*Driver, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.drivers[id]
	return d, ok
}

// Drivers returns the ids of the built drivers, sorted.
func (f *Factory) Drivers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.drivers))
	for id := range f.drivers {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
