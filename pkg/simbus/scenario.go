package simbus

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/drvkit/drvkit-go/pkg/core"
	"github.com/drvkit/drvkit-go/pkg/device"
	"github.com/drvkit/drvkit-go/pkg/module"
	"github.com/drvkit/drvkit-go/pkg/resource"
)

// Scenario is the YAML description of a simulated machine and the steps to
// play against it.
type Scenario struct {
	Name    string                  `yaml:"name"`
	Buses   []BusSpec               `yaml:"buses"`
	Modules []module.Manifest       `yaml:"modules,omitempty"`
	Drivers map[string]BehaviorSpec `yaml:"drivers,omitempty"`
	Steps   []Step                  `yaml:"steps,omitempty"`
}

// BusSpec describes one bus.
type BusSpec struct {
	Kind      string        `yaml:"kind"`
	ScanDelay time.Duration `yaml:"scan_delay,omitempty"`
	Devices   []DeviceSpec  `yaml:"devices,omitempty"`
}

// DeviceSpec describes one device.
type DeviceSpec struct {
	Address       string   `yaml:"address"`
	Capabilities  []string `yaml:"capabilities,omitempty"`
	Vendor        uint16   `yaml:"vendor,omitempty"`
	Product       uint16   `yaml:"product,omitempty"`
	Description   string   `yaml:"description,omitempty"`
	PowerMW       uint32   `yaml:"power_mw,omitempty"`
	BandwidthMbps uint32   `yaml:"bandwidth_mbps,omitempty"`
}

// BehaviorSpec is the YAML form of Behavior.
type BehaviorSpec struct {
	Allocations    []AllocationSpec `yaml:"allocations,omitempty"`
	FailBinds      int              `yaml:"fail_binds,omitempty"`
	FailRecovers   int              `yaml:"fail_recovers,omitempty"`
	FailInterrupts int              `yaml:"fail_interrupts,omitempty"`
	FailSuspends   int              `yaml:"fail_suspends,omitempty"`
	LeakCleanup    bool             `yaml:"leak_cleanup,omitempty"`
}

// AllocationSpec is the YAML form of Allocation.
type AllocationSpec struct {
	Kind  string `yaml:"kind"`
	Size  uint64 `yaml:"size"`
	Label string `yaml:"label,omitempty"`
}

// ScenarioError reports an invalid scenario.
type ScenarioError struct {
	File    string
	Field   string
	Message string
	Cause   error
}

func (e *ScenarioError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.File != "" {
		msg = e.File + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ScenarioError) Unwrap() error {
	return e.Cause
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Scenario{}, &ScenarioError{Message: "failed to parse YAML", Cause: err}
	}
	if err := s.Validate(); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

// LoadScenario reads a scenario file.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, &ScenarioError{File: path, Message: "failed to read file", Cause: err}
	}
	s, err := ParseScenario(data)
	if err != nil {
		var se *ScenarioError
		if errors.As(err, &se) {
			se.File = path
		}
		return Scenario{}, err
	}
	return s, nil
}

// Validate checks every section and step.
func (s Scenario) Validate() error {
	seen := make(map[device.BusKind]bool)
	for i, b := range s.Buses {
		kind, err := device.ParseBusKind(b.Kind)
		if err != nil {
			return &ScenarioError{Field: fmt.Sprintf("buses[%d].kind", i), Message: "unknown bus", Cause: err}
		}
		if seen[kind] {
			return &ScenarioError{Field: fmt.Sprintf("buses[%d].kind", i), Message: "duplicate bus " + b.Kind}
		}
		seen[kind] = true
		for j, d := range b.Devices {
			dev, err := d.Device()
			if err != nil {
				return &ScenarioError{Field: fmt.Sprintf("buses[%d].devices[%d]", i, j), Message: "invalid device", Cause: err}
			}
			if dev.Bus() != kind {
				return &ScenarioError{Field: fmt.Sprintf("buses[%d].devices[%d]", i, j), Message: dev.ID + " is not on " + b.Kind}
			}
		}
	}
	for i, m := range s.Modules {
		if _, err := m.Descriptor(); err != nil {
			return &ScenarioError{Field: fmt.Sprintf("modules[%d]", i), Message: "invalid module", Cause: err}
		}
	}
	for id, b := range s.Drivers {
		if _, err := b.Behavior(); err != nil {
			return &ScenarioError{Field: "drivers." + id, Message: "invalid behavior", Cause: err}
		}
	}
	for i, st := range s.Steps {
		if err := st.validate(); err != nil {
			return &ScenarioError{Field: fmt.Sprintf("steps[%d]", i), Message: "invalid step", Cause: err}
		}
	}
	return nil
}

// Device converts the spec into a device.
func (d DeviceSpec) Device() (device.Device, error) {
	addr, err := device.ParseAddress(d.Address)
	if err != nil {
		return device.Device{}, err
	}
	caps, err := device.ParseCapabilities(d.Capabilities)
	if err != nil {
		return device.Device{}, err
	}
	dev := device.New(addr, caps)
	dev.VendorID = d.Vendor
	dev.ProductID = d.Product
	dev.Description = d.Description
	dev.PowerMW = d.PowerMW
	dev.BandwidthMbps = d.BandwidthMbps
	return dev, nil
}

// Behavior converts the spec into a Behavior.
func (b BehaviorSpec) Behavior() (Behavior, error) {
	out := Behavior{
		FailBinds:      b.FailBinds,
		FailRecovers:   b.FailRecovers,
		FailInterrupts: b.FailInterrupts,
		FailSuspends:   b.FailSuspends,
		LeakCleanup:    b.LeakCleanup,
	}
	for _, a := range b.Allocations {
		kind, ok := resource.ParseKind(a.Kind)
		if !ok {
			return Behavior{}, fmt.Errorf("unknown resource kind %q", a.Kind)
		}
		label := a.Label
		if label == "" {
			label = kind.String()
		}
		out.Allocations = append(out.Allocations, Allocation{Kind: kind, Size: a.Size, Label: label})
	}
	return out, nil
}

// Sim is a scenario wired into live simulated components.
type Sim struct {
	Name    string
	Buses   map[device.BusKind]*Bus
	Backend *Backend
	Factory *Factory
	Modules []module.Descriptor
	Steps   []Step

	order []device.BusKind
}

// Build creates the buses, backend and driver factory of a scenario.
func Build(s Scenario) (*Sim, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	behaviors := make(map[string]Behavior, len(s.Drivers))
	for id, spec := range s.Drivers {
		b, _ := spec.Behavior()
		behaviors[id] = b
	}
	sim := &Sim{
		Name:    s.Name,
		Buses:   make(map[device.BusKind]*Bus, len(s.Buses)),
		Backend: NewBackend(),
		Factory: NewFactory(behaviors),
		Steps:   s.Steps,
	}

	for _, spec := range s.Buses {
		kind, _ := device.ParseBusKind(spec.Kind)
		var devs []device.Device
		for _, d := range spec.Devices {
			dev, _ := d.Device()
			devs = append(devs, dev)
		}
		bus, err := NewBus(kind, devs...)
		if err != nil {
			return nil, err
		}
		bus.SetDelay(spec.ScanDelay)
		sim.Buses[kind] = bus
		sim.order = append(sim.order, kind)
	}
	for _, m := range s.Modules {
		desc, _ := m.Descriptor()
		sim.Modules = append(sim.Modules, desc)
	}
	return sim, nil
}

// Options returns the core options that wire the simulation into a
// manager.
func (s *Sim) Options() []core.Option {
	buses := make([]device.Bus, 0, len(s.order))
	for _, k := range s.order {
		buses = append(buses, s.Buses[k])
	}
	return []core.Option{
		core.WithBuses(buses...),
		core.WithBackend(s.Backend),
		core.WithDriverFactory(s.Factory.New),
	}
}

// Register registers the scenario's modules with m. Their drivers are
// built by the factory.
func (s *Sim) Register(m *core.Manager) error {
	var errs []error
	for _, desc := range s.Modules {
		if err := m.RegisterModule(desc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Bus returns the simulated bus of kind.
func (s *Sim) Bus(kind device.BusKind) (*Bus, bool) {
	b, ok := s.Buses[kind]
	return b, ok
}
