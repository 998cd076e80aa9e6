package simbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/drvkit/drvkit-go/pkg/core"
	"github.com/drvkit/drvkit-go/pkg/device"
	"github.com/drvkit/drvkit-go/pkg/module"
)

// Step errors.
var (
	ErrUnknownAction  = errors.New("unknown action")
	ErrMissingTarget  = errors.New("action needs a target")
	ErrUnknownDriver  = errors.New("driver not built by the simulation")
	ErrUnexpectedPass = errors.New("step succeeded but was expected to fail")
)

// Action names a scenario step.
type Action string

const (
	ActionDiscover  Action = "discover"
	ActionScan      Action = "scan"
	ActionLoad      Action = "load"
	ActionActivate  Action = "activate"
	ActionUnload    Action = "unload"
	ActionPlug      Action = "plug"
	ActionUnplug    Action = "unplug"
	ActionFault     Action = "fault"
	ActionInterrupt Action = "irq"
	ActionInject    Action = "inject"
	ActionHeal      Action = "heal"
	ActionSuspend   Action = "suspend"
	ActionResume    Action = "resume"
	ActionReinstate Action = "reinstate"
	ActionBusFault  Action = "bus-fault"
	ActionBusHeal   Action = "bus-heal"
	ActionLinkFault Action = "link-fault"
	ActionWait      Action = "wait"
	ActionMaintain  Action = "maintain"
)

var targeted = map[Action]bool{
	ActionLoad: true, ActionActivate: true, ActionUnload: true,
	ActionUnplug: true, ActionFault: true, ActionInterrupt: true,
	ActionInject: true, ActionHeal: true, ActionSuspend: true,
	ActionResume: true, ActionReinstate: true, ActionBusFault: true,
	ActionBusHeal: true, ActionLinkFault: true,
}

// Step is one scenario action.
//
// Target is a module id (load, activate, unload, link-fault), a device id
// (unplug, fault, irq, suspend, resume, reinstate), a driver id (inject,
// heal) or a bus kind (bus-fault, bus-heal).
type Step struct {
	Action      Action        `yaml:"action"`
	Target      string        `yaml:"target,omitempty"`
	Kind        string        `yaml:"kind,omitempty"`
	Description string        `yaml:"description,omitempty"`
	Repeat      int           `yaml:"repeat,omitempty"`
	Duration    time.Duration `yaml:"duration,omitempty"`
	Device      *DeviceSpec   `yaml:"device,omitempty"`
	Fail        *BehaviorSpec `yaml:"fail,omitempty"`
	ExpectError bool          `yaml:"expect_error,omitempty"`
}

func (s Step) String() string {
	var b strings.Builder
	b.WriteString(string(s.Action))
	if s.Target != "" {
		b.WriteString(" " + s.Target)
	}
	if s.Kind != "" {
		b.WriteString(" " + s.Kind)
	}
	if s.Repeat > 1 {
		fmt.Fprintf(&b, " x%d", s.Repeat)
	}
	return b.String()
}

func (s Step) validate() error {
	switch s.Action {
	case ActionDiscover, ActionScan, ActionMaintain, ActionWait:
	case ActionPlug:
		if s.Device == nil {
			return fmt.Errorf("plug needs a device")
		}
		if _, err := s.Device.Device(); err != nil {
			return err
		}
		return nil
	case ActionInject:
		if s.Fail == nil {
			return fmt.Errorf("inject needs a fail section")
		}
		if _, err := s.Fail.Behavior(); err != nil {
			return err
		}
	case ActionLoad, ActionActivate, ActionUnload, ActionUnplug, ActionFault,
		ActionInterrupt, ActionHeal, ActionSuspend, ActionResume, ActionReinstate,
		ActionBusFault, ActionBusHeal, ActionLinkFault:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, s.Action)
	}
	if targeted[s.Action] && s.Target == "" {
		return fmt.Errorf("%w: %s", ErrMissingTarget, s.Action)
	}
	return nil
}

// StepResult is the outcome of one played step.
type StepResult struct {
	Step   Step
	Output string
	Err    error
}

// Run plays the scenario steps against m in order. A step failing
// unexpectedly stops the run; its result is the last one returned.
func (s *Sim) Run(ctx context.Context, m *core.Manager, logger *slog.Logger) ([]StepResult, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var results []StepResult
	for i, st := range s.Steps {
		out, err := s.Apply(ctx, m, st)
		switch {
		case st.ExpectError && err == nil:
			err = fmt.Errorf("step %d (%s): %w", i, st, ErrUnexpectedPass)
		case st.ExpectError:
			logger.Info("step failed as expected", "step", i, "action", st.String(), "error", err)
			err = nil
		case err != nil:
			err = fmt.Errorf("step %d (%s): %w", i, st, err)
		}
		results = append(results, StepResult{Step: st, Output: out, Err: err})
		if err != nil {
			return results, err
		}
		logger.Info("step done", "step", i, "action", st.String(), "output", out)
	}
	return results, nil
}

// Apply performs one step and returns a one-line summary.
func (s *Sim) Apply(ctx context.Context, m *core.Manager, st Step) (string, error) {
	if err := st.validate(); err != nil {
		return "", err
	}
	switch st.Action {
	case ActionDiscover:
		devs, warnings := m.DiscoverAllDevices(ctx)
		return fmt.Sprintf("%d devices, %d scan warnings", len(devs), len(warnings)), nil

	case ActionScan:
		r := m.ScanHotplug(ctx)
		return fmt.Sprintf("%d events, %d scan warnings", len(r.Events), len(r.Warnings)), nil

	case ActionLoad:
		if err := m.LoadModule(ctx, st.Target, module.DefaultLoadOptions()); err != nil {
			return "", err
		}
		return "loaded " + st.Target, nil

	case ActionActivate:
		if err := m.ActivateModule(ctx, st.Target); err != nil {
			return "", err
		}
		return "activated " + st.Target, nil

	case ActionUnload:
		if err := m.UnloadModule(ctx, st.Target); err != nil {
			return "", err
		}
		return "unloaded " + st.Target, nil

	case ActionPlug:
		dev, _ := st.Device.Device()
		bus, ok := s.Buses[dev.Bus()]
		if !ok {
			return "", fmt.Errorf("%w: no simulated %s bus", ErrWrongBus, dev.Bus())
		}
		if err := bus.Plug(dev); err != nil {
			return "", err
		}
		return s.rescan(ctx, m, dev.Bus(), "plugged "+dev.ID)

	case ActionUnplug:
		addr, err := device.ParseAddress(st.Target)
		if err != nil {
			return "", err
		}
		bus, ok := s.Buses[addr.Bus()]
		if !ok {
			return "", fmt.Errorf("%w: no simulated %s bus", ErrWrongBus, addr.Bus())
		}
		if err := bus.Unplug(addr); err != nil {
			return "", err
		}
		return s.rescan(ctx, m, addr.Bus(), "unplugged "+st.Target)

	case ActionFault:
		return s.fault(ctx, m, st)

	case ActionInterrupt:
		if err := m.Interrupt(ctx, st.Target); err != nil {
			return "", err
		}
		return "interrupt handled", nil

	case ActionInject, ActionHeal:
		d, ok := s.Factory.Driver(st.Target)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownDriver, st.Target)
		}
		if st.Action == ActionHeal {
			d.Heal()
			return "healed " + st.Target, nil
		}
		b, _ := st.Fail.Behavior()
		d.Inject(b)
		return "injected faults into " + st.Target, nil

	case ActionSuspend:
		if err := m.Suspend(ctx, st.Target); err != nil {
			return "", err
		}
		return "suspended " + st.Target, nil

	case ActionResume:
		if err := m.Resume(ctx, st.Target); err != nil {
			return "", err
		}
		return "resumed " + st.Target, nil

	case ActionReinstate:
		if err := m.Reinstate(ctx, st.Target); err != nil {
			return "", err
		}
		return "reinstated " + st.Target, nil

	case ActionBusFault, ActionBusHeal:
		kind, err := device.ParseBusKind(st.Target)
		if err != nil {
			return "", err
		}
		bus, ok := s.Buses[kind]
		if !ok {
			return "", fmt.Errorf("%w: no simulated %s bus", ErrWrongBus, kind)
		}
		if st.Action == ActionBusHeal {
			bus.SetFault(nil)
			return "bus " + kind.String() + " healthy", nil
		}
		msg := st.Description
		if msg == "" {
			msg = "controller not responding"
		}
		bus.SetFault(errors.New(msg))
		return "bus " + kind.String() + " failing", nil

	case ActionLinkFault:
		n := max(st.Repeat, 1)
		s.Backend.FailLink(st.Target, n)
		return fmt.Sprintf("next %d links of %s fail", n, st.Target), nil

	case ActionWait:
		t := time.NewTimer(st.Duration)
		defer t.Stop()
		select {
		case <-t.C:
			return "waited " + st.Duration.String(), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}

	case ActionMaintain:
		r := m.Maintain(ctx)
		return fmt.Sprintf("%d records closed, %d cleaned, %d leaks", len(r.Closed), r.Cleanup.Cleaned, len(r.Leaks)), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, st.Action)
}

// rescan applies a population change immediately rather than waiting for
// the hot-plug loop.
func (s *Sim) rescan(ctx context.Context, m *core.Manager, kind device.BusKind, msg string) (string, error) {
	r := m.ScanHotplug(ctx)
	for _, w := range r.Warnings {
		if w.Bus == kind {
			return "", &w
		}
	}
	return fmt.Sprintf("%s, %d events", msg, len(r.Events)), nil
}

func (s *Sim) fault(ctx context.Context, m *core.Manager, st Step) (string, error) {
	kind := st.Kind
	if kind == "" {
		kind = "unknown"
	}
	desc := st.Description
	if desc == "" {
		desc = "simulated " + kind + " fault"
	}
	n := max(st.Repeat, 1)

	var out []string
	for range n {
		rec, err := m.ReportError(ctx, st.Target, kind, desc)
		if err != nil {
			return strings.Join(out, "; "), err
		}
		summary := rec.Status.String()
		if last, ok := rec.LastAttempt(); ok {
			summary = fmt.Sprintf("%s %s -> %s", last.Strategy, last.Outcome, rec.Status)
		}
		out = append(out, summary)
	}
	return strings.Join(out, "; "), nil
}
