// Package commands implements the drvkit-log CLI commands.
package commands

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/drvkit/drvkit-go/pkg/log"
)

// ViewFilter specifies criteria for filtering events in the view command.
type ViewFilter struct {
	Component *log.Component
	Category  *log.Category
	DeviceID  string
}

func (f ViewFilter) trace() log.Filter {
	return log.Filter{
		Component: f.Component,
		Category:  f.Category,
		DeviceID:  f.DeviceID,
	}
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [session] COMPONENT Type subject
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")

	fmt.Fprintf(w, "%s [%s] %-8s %s", ts, shortenSessionID(event.SessionID), event.Component, typeLabel(event))
	if subject := subjectOf(event); subject != "" {
		fmt.Fprintf(w, " %s", subject)
	}
	fmt.Fprintln(w)

	switch {
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Operation != nil:
		formatOperationDetails(w, event.Operation)
	case event.Hotplug != nil:
		fmt.Fprintf(w, "  Bus: %s\n", event.Hotplug.Bus)
	case event.Resource != nil:
		formatResourceDetails(w, event.Resource)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

func typeLabel(event log.Event) string {
	switch {
	case event.StateChange != nil:
		return "State"
	case event.Operation != nil:
		return "Op:" + event.Operation.Name
	case event.Hotplug != nil:
		return "Hotplug:" + event.Hotplug.Kind.String()
	case event.Resource != nil:
		return "Resource"
	case event.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}

func subjectOf(event log.Event) string {
	var parts []string
	if event.DeviceID != "" {
		parts = append(parts, "device="+event.DeviceID)
	}
	if event.DriverID != "" {
		parts = append(parts, "driver="+event.DriverID)
	}
	if event.ModuleID != "" {
		parts = append(parts, "module="+event.ModuleID)
	}
	return strings.Join(parts, " ")
}

// shortenSessionID returns the first 8 characters of the session ID.
func shortenSessionID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity)
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatOperationDetails(w io.Writer, op *log.OperationEvent) {
	result := "ok"
	if !op.Success {
		result = "FAILED"
	}
	fmt.Fprintf(w, "  Result: %s", result)
	if op.Duration > 0 {
		fmt.Fprintf(w, " in %s", formatDuration(op.Duration))
	}
	fmt.Fprintln(w)
	keys := make([]string, 0, len(op.Detail))
	for k := range op.Detail {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %s\n", k, op.Detail[k])
	}
}

func formatResourceDetails(w io.Writer, r *log.ResourceEvent) {
	fmt.Fprintf(w, "  Cleaned: %d (%d bytes)\n", r.Cleaned, r.BytesReclaimed)
	if r.Failures > 0 {
		fmt.Fprintf(w, "  Failures: %d\n", r.Failures)
	}
	if r.Leaks > 0 {
		fmt.Fprintf(w, "  Leaks: %d\n", r.Leaks)
	}
}

func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Class != "" {
		fmt.Fprintf(w, "  Class: %s\n", err.Class)
	}
	if err.ErrorID != "" {
		fmt.Fprintf(w, "  Record: %s\n", err.ErrorID)
	}
	for _, h := range err.Hints {
		fmt.Fprintf(w, "  Hint: %s\n", h)
	}
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.3fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

// ParseComponentFlag parses a component name (case-insensitive).
func ParseComponentFlag(s string) (log.Component, error) {
	c, ok := log.ParseComponent(strings.ToUpper(s))
	if !ok {
		return 0, fmt.Errorf("invalid component: %s (must be core, device, binder, resource, hotplug, module or recovery)", s)
	}
	return c, nil
}

// ParseCategoryFlag parses a category name (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	c, ok := log.ParseCategory(strings.ToUpper(s))
	if !ok {
		return 0, fmt.Errorf("invalid category: %s (must be state, operation, hotplug, resource or error)", s)
	}
	return c, nil
}

// RunView executes the view command.
func RunView(path string, filter ViewFilter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter.trace())
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}
}
