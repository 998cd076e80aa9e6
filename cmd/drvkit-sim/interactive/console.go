// Package interactive provides the interactive command-line interface
// for drvkit-sim.
package interactive

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"

	"github.com/drvkit/drvkit-go/pkg/core"
	"github.com/drvkit/drvkit-go/pkg/events"
	"github.com/drvkit/drvkit-go/pkg/simbus"
)

// Console drives a simulated machine from the keyboard.
type Console struct {
	m   *core.Manager
	sim *simbus.Sim
	rl  *readline.Instance

	sub uint32
}

// New creates a console for m. Events are printed as they are published.
func New(m *core.Manager, sim *simbus.Sim) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "drvkit> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	c := &Console{m: m, sim: sim, rl: rl}
	c.sub, err = m.Subscribe(events.Filter{}, c.handleEvent)
	if err != nil {
		rl.Close()
		return nil, err
	}
	return c, nil
}

// Stdout returns a writer that coordinates with the readline prompt. Use
// it for log output.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Run reads commands until quit, EOF or ctx is done.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()
	defer func() { _ = c.m.Unsubscribe(c.sub) }()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		parts := strings.Fields(strings.TrimSpace(line))
		if len(parts) == 0 {
			continue
		}
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			c.printHelp()
		case "devices", "d":
			c.cmdDevices()
		case "drivers":
			c.cmdDrivers()
		case "modules", "mod":
			c.cmdModules()
		case "records", "rec":
			c.cmdRecords()
		case "hints":
			c.cmdHints(args)
		case "stats":
			c.cmdStats()
		case "leaks":
			c.cmdLeaks()
		case "quit", "exit", "q":
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		default:
			st, err := parseStep(cmd, args)
			if err != nil {
				fmt.Fprintf(c.rl.Stdout(), "%v (type 'help' for commands)\n", err)
				continue
			}
			c.apply(ctx, st)
		}
	}
}

func (c *Console) apply(ctx context.Context, st simbus.Step) {
	out, err := c.sim.Apply(ctx, c.m, st)
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v [%s]\n", err, core.Class(err))
		return
	}
	fmt.Fprintln(c.rl.Stdout(), out)
}

// parseStep maps a command line onto a scenario step.
func parseStep(cmd string, args []string) (simbus.Step, error) {
	st := simbus.Step{Action: simbus.Action(cmd)}
	switch st.Action {
	case simbus.ActionDiscover, simbus.ActionScan, simbus.ActionMaintain:
		return st, nil

	case simbus.ActionWait:
		if len(args) != 1 {
			return st, fmt.Errorf("usage: wait <duration>")
		}
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return st, err
		}
		st.Duration = d
		return st, nil

	case simbus.ActionPlug:
		if len(args) < 1 {
			return st, fmt.Errorf("usage: plug <address> [capability...]")
		}
		st.Device = &simbus.DeviceSpec{Address: args[0], Capabilities: args[1:]}
		return st, nil

	case simbus.ActionFault:
		if len(args) < 1 {
			return st, fmt.Errorf("usage: fault <device> [kind] [repeat]")
		}
		st.Target = args[0]
		if len(args) > 1 {
			st.Kind = args[1]
		}
		if len(args) > 2 {
			n, err := strconv.Atoi(args[2])
			if err != nil {
				return st, fmt.Errorf("invalid repeat: %s", args[2])
			}
			st.Repeat = n
		}
		return st, nil

	case simbus.ActionInject:
		if len(args) < 2 {
			return st, fmt.Errorf("usage: inject <driver> bind|recover|irq|suspend|leak [count]")
		}
		st.Target = args[0]
		n := 1
		if len(args) > 2 {
			v, err := strconv.Atoi(args[2])
			if err != nil {
				return st, fmt.Errorf("invalid count: %s", args[2])
			}
			n = v
		}
		fail := &simbus.BehaviorSpec{}
		switch args[1] {
		case "bind":
			fail.FailBinds = n
		case "recover":
			fail.FailRecovers = n
		case "irq":
			fail.FailInterrupts = n
		case "suspend":
			fail.FailSuspends = n
		case "leak":
			fail.LeakCleanup = true
		default:
			return st, fmt.Errorf("unknown fault: %s", args[1])
		}
		st.Fail = fail
		return st, nil

	case simbus.ActionLoad, simbus.ActionActivate, simbus.ActionUnload,
		simbus.ActionUnplug, simbus.ActionInterrupt, simbus.ActionHeal,
		simbus.ActionSuspend, simbus.ActionResume, simbus.ActionReinstate,
		simbus.ActionBusFault, simbus.ActionBusHeal, simbus.ActionLinkFault:
		if len(args) < 1 {
			return st, fmt.Errorf("usage: %s <target>", cmd)
		}
		st.Target = args[0]
		st.Description = strings.Join(args[1:], " ")
		return st, nil
	}
	return st, fmt.Errorf("unknown command: %s", cmd)
}

func (c *Console) handleEvent(ev events.Event) {
	var b strings.Builder
	fmt.Fprintf(&b, "[EVENT] %s", ev.Type)
	if ev.DeviceID != "" {
		fmt.Fprintf(&b, " device=%s", ev.DeviceID)
	}
	if ev.DriverID != "" {
		fmt.Fprintf(&b, " driver=%s", ev.DriverID)
	}
	if ev.ModuleID != "" {
		fmt.Fprintf(&b, " module=%s", ev.ModuleID)
	}
	if ev.From != ev.To {
		fmt.Fprintf(&b, " %s -> %s", ev.From, ev.To)
	}
	if ev.Message != "" {
		fmt.Fprintf(&b, " (%s)", ev.Message)
	}
	fmt.Fprintln(c.rl.Stdout(), b.String())
}

func (c *Console) table() *tabwriter.Writer {
	return tabwriter.NewWriter(c.rl.Stdout(), 0, 4, 2, ' ', 0)
}

func (c *Console) cmdDevices() {
	devs := c.m.Devices()
	if len(devs) == 0 {
		fmt.Fprintln(c.rl.Stdout(), "No devices")
		return
	}
	w := c.table()
	fmt.Fprintln(w, "ID\tSTATE\tDRIVER\tCAPABILITIES\tDESCRIPTION")
	for _, d := range devs {
		drv := d.DriverID
		if drv == "" {
			drv = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.State, drv, d.Capabilities, d.Description)
	}
	_ = w.Flush()
}

func (c *Console) cmdDrivers() {
	w := c.table()
	fmt.Fprintln(w, "ID\tPRIORITY\tMODULE\tENABLED\tBINDS")
	for _, e := range c.m.Drivers() {
		binds := "-"
		if d, ok := c.sim.Factory.Driver(e.ID); ok {
			binds = strconv.Itoa(d.Stats().Binds)
		}
		mod := e.ModuleID
		if mod == "" {
			mod = "-"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%t\t%s\n", e.ID, e.Priority, mod, e.Enabled, binds)
	}
	_ = w.Flush()
}

func (c *Console) cmdModules() {
	w := c.table()
	fmt.Fprintln(w, "ID\tVERSION\tSTATE\tLOAD TIME\tERROR")
	for _, info := range c.m.Modules() {
		errText := ""
		if info.LastError != nil {
			errText = info.LastError.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			info.Descriptor.ID, info.Descriptor.Version, info.State, info.LoadTime, errText)
	}
	_ = w.Flush()
}

func (c *Console) cmdRecords() {
	recs := c.m.Records()
	if len(recs) == 0 {
		fmt.Fprintln(c.rl.Stdout(), "No error records")
		return
	}
	w := c.table()
	fmt.Fprintln(w, "ID\tDEVICE\tCATEGORY\tSEVERITY\tSEEN\tSTATUS\tATTEMPTS")
	for _, r := range recs {
		var steps []string
		for _, a := range r.Attempts {
			steps = append(steps, fmt.Sprintf("%s:%s", a.Strategy, a.Outcome))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(r.ID), r.DeviceID, r.Category, r.Severity, r.Occurrences, r.Status, strings.Join(steps, " "))
	}
	_ = w.Flush()
}

func (c *Console) cmdHints(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: hints <record-id>")
		return
	}
	id := args[0]
	for _, r := range c.m.Records() {
		if strings.HasPrefix(r.ID, id) {
			id = r.ID
			break
		}
	}
	hints, err := c.m.Hints(id)
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	for _, h := range hints {
		fmt.Fprintf(c.rl.Stdout(), "  - %s\n", h)
	}
}

func (c *Console) cmdStats() {
	out := c.rl.Stdout()
	rs := c.m.Resources().Stats()
	fmt.Fprintf(out, "Resources: %d live (%d bytes), %d pending, %d cleaned, %d bytes reclaimed, %d failures\n",
		rs.Live, rs.BytesLive, rs.Pending, rs.TotalCleaned, rs.BytesReclaimed, rs.Failures)

	hs := c.m.HotplugStatistics()
	fmt.Fprintf(out, "Hot-plug:  %d scans, %d insertions, %d removals, %d failures, %d debounced\n",
		hs.Scans, hs.Insertions, hs.Removals, hs.Failures, hs.Debounced)

	ms := c.m.ModuleStats()
	fmt.Fprintf(out, "Modules:   %d loads, %d rollbacks\n", ms.Loads, ms.Rollbacks)

	rec := c.m.RecoveryStats()
	fmt.Fprintf(out, "Recovery:  %d reports, %d open, %d resolved, %d fatal, %d cancelled, %.0f%% success, %d patterns\n",
		rec.Reports, rec.Open, rec.Resolved, rec.Fatal, rec.Cancelled, rec.SuccessRate*100, rec.Patterns)

	links, unlinks := c.sim.Backend.Counts()
	fmt.Fprintf(out, "Backend:   %d links, %d unlinks, resident %v\n", links, unlinks, c.sim.Backend.Resident())
}

func (c *Console) cmdLeaks() {
	leaks := c.m.Leaks()
	if len(leaks) == 0 {
		fmt.Fprintln(c.rl.Stdout(), "No leaks")
		return
	}
	w := c.table()
	fmt.Fprintln(w, "RESOURCE\tOWNER\tKIND\tREASON\tAGE")
	for _, l := range leaks {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			l.Record.ID, l.Record.Owner, l.Record.Kind, l.Reason, l.Age.Round(time.Millisecond))
	}
	_ = w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("devices"),
		readline.PcItem("drivers"),
		readline.PcItem("modules"),
		readline.PcItem("records"),
		readline.PcItem("hints"),
		readline.PcItem("stats"),
		readline.PcItem("leaks"),
		readline.PcItem("discover"),
		readline.PcItem("scan"),
		readline.PcItem("maintain"),
		readline.PcItem("plug"),
		readline.PcItem("unplug"),
		readline.PcItem("fault",
			readline.PcItem("timeout"),
			readline.PcItem("hardware"),
			readline.PcItem("resource"),
			readline.PcItem("protocol"),
		),
		readline.PcItem("irq"),
		readline.PcItem("inject"),
		readline.PcItem("heal"),
		readline.PcItem("load"),
		readline.PcItem("activate"),
		readline.PcItem("unload"),
		readline.PcItem("suspend"),
		readline.PcItem("resume"),
		readline.PcItem("reinstate"),
		readline.PcItem("bus-fault"),
		readline.PcItem("bus-heal"),
		readline.PcItem("link-fault"),
		readline.PcItem("wait"),
		readline.PcItem("quit"),
	)
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.rl.Stdout(), `
drvkit-sim Commands:
  Inspection:
    devices                 - List devices and their bindings
    drivers                 - List registered drivers
    modules                 - List modules and their states
    records                 - List error records and recovery attempts
    hints <record-id>       - Show diagnostic hints for a record
    stats                   - Show counters
    leaks                   - List suspected resource leaks

  Devices:
    discover                - Scan every bus and bind new devices
    scan                    - Run one hot-plug detection pass
    plug <addr> [caps...]   - Insert a device and rescan
    unplug <addr>           - Remove a device and rescan
    fault <dev> [kind] [n]  - Report a fault n times
    irq <dev>               - Deliver an interrupt
    suspend <dev>           - Suspend a device
    resume <dev>            - Resume a device
    reinstate <dev>         - Bring an isolated device back

  Drivers and modules:
    inject <drv> <fault> [n] - Make the next n calls fail (bind, recover, irq, suspend, leak)
    heal <drv>              - Clear injected driver faults
    load <mod>              - Load a module and its dependencies
    activate <mod>          - Activate a module and register its drivers
    unload <mod>            - Unload a module
    link-fault <mod>        - Fail the next link of a module

  Buses:
    bus-fault <bus> [msg]   - Make scans of a bus fail
    bus-heal <bus>          - Clear a bus fault

  Other:
    maintain                - Run a maintenance pass
    wait <duration>         - Sleep
    quit                    - Exit`)
}
