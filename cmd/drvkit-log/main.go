// Command drvkit-log is a tool for viewing and analyzing driver manager
// trace files.
//
// Trace files are written when the manager runs with trace.file set in its
// configuration, or with drvkit-sim -trace.
//
// Usage:
//
//	drvkit-log <command> [flags] <trace.cbor>
//
// Commands:
//
//	view     View trace in human-readable format
//	export   Export trace to JSON or CSV format
//	filter   Filter trace and write to new file
//	stats    Show statistics about the trace
//
// Examples:
//
//	# View all events
//	drvkit-log view trace.cbor
//
//	# View only recovery events of one device
//	drvkit-log view --component recovery --device usb:1-2 trace.cbor
//
//	# Export to JSONL
//	drvkit-log export --format jsonl trace.cbor
//
//	# Keep one session
//	drvkit-log filter --session 3f2a9c1e-... -o session.cbor trace.cbor
//
//	# Show statistics
//	drvkit-log stats trace.cbor
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/drvkit/drvkit-go/cmd/drvkit-log/commands"
)

const usage = `drvkit-log - Driver Manager Trace Analyzer

Usage:
  drvkit-log <command> [flags] <trace.cbor>

Commands:
  view     View trace in human-readable format
  export   Export trace to JSON or CSV format
  filter   Filter trace and write to new file
  stats    Show statistics about the trace

Use "drvkit-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "export":
		runExport(args)
	case "filter":
		runFilter(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// tracePath returns the single positional argument.
func tracePath(fs *flag.FlagSet) string {
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: trace file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

func newFlagSet(name, synopsis, args string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "drvkit-log %s - %s\n\nUsage:\n  drvkit-log %s %s\n\nFlags:\n", name, synopsis, name, args)
		fs.PrintDefaults()
	}
	return fs
}

func runView(args []string) {
	fs := newFlagSet("view", "View trace in human-readable format", "[flags] <trace.cbor>")
	component := fs.String("component", "", "Filter by component (core, device, binder, resource, hotplug, module, recovery)")
	category := fs.String("category", "", "Filter by category (state, operation, hotplug, resource, error)")
	deviceID := fs.String("device", "", "Filter by device ID")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := tracePath(fs)

	filter := commands.ViewFilter{DeviceID: *deviceID}
	if *component != "" {
		c, err := commands.ParseComponentFlag(*component)
		if err != nil {
			fail(err)
		}
		filter.Component = &c
	}
	if *category != "" {
		c, err := commands.ParseCategoryFlag(*category)
		if err != nil {
			fail(err)
		}
		filter.Category = &c
	}

	if err := commands.RunView(path, filter, os.Stdout); err != nil {
		fail(err)
	}
}

func runExport(args []string) {
	fs := newFlagSet("export", "Export trace to JSON or CSV format", "[flags] <trace.cbor>")
	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := tracePath(fs)

	if err := commands.RunExport(path, *format, *output); err != nil {
		fail(err)
	}
}

func runFilter(args []string) {
	fs := newFlagSet("filter", "Filter trace and write to new file", "[flags] <trace.cbor>")
	var opts commands.FilterOptions
	fs.StringVar(&opts.Output, "o", "", "Output file (required)")
	fs.StringVar(&opts.SessionID, "session", "", "Filter by session ID")
	fs.StringVar(&opts.DeviceID, "device", "", "Filter by device ID")
	fs.StringVar(&opts.DriverID, "driver", "", "Filter by driver ID")
	fs.StringVar(&opts.ModuleID, "module", "", "Filter by module ID")
	fs.StringVar(&opts.TimeStart, "time-start", "", "Filter by start time (RFC3339)")
	fs.StringVar(&opts.TimeEnd, "time-end", "", "Filter by end time (RFC3339)")
	fs.StringVar(&opts.Component, "component", "", "Filter by component")
	fs.StringVar(&opts.Category, "category", "", "Filter by category")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := tracePath(fs)
	if opts.Output == "" {
		fmt.Fprintln(os.Stderr, "Error: output file (-o) required")
		fs.Usage()
		os.Exit(1)
	}

	n, err := commands.RunFilter(path, opts)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Filtered %d events to %s\n", n, opts.Output)
}

func runStats(args []string) {
	fs := newFlagSet("stats", "Show statistics about the trace", "<trace.cbor>")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := tracePath(fs)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fail(err)
	}
}
