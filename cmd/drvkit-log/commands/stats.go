package commands

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/drvkit/drvkit-go/pkg/log"
)

// RunStats summarizes the trace file and prints the result.
func RunStats(path string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	defer reader.Close()

	s, err := log.Summarize(reader)
	if err != nil {
		return fmt.Errorf("failed to read event: %w", err)
	}
	printStats(w, s)
	return nil
}

func printStats(w io.Writer, s log.Summary) {
	fmt.Fprintln(w, "=== Driver Manager Trace Statistics ===")
	fmt.Fprintln(w)

	if s.Events > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n", s.First.Format(time.RFC3339), s.Last.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", s.Last.Sub(s.First).Round(time.Millisecond))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", s.Events)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Component:")
	for c := log.ComponentCore; c <= log.ComponentRecovery; c++ {
		if n := s.Components[c]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", c.String()+":", n)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for c := log.CategoryState; c <= log.CategoryError; c++ {
		if n := s.Categories[c]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", c.String()+":", n)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Sessions: %d\n", len(s.Sessions))
	for _, id := range sortedKeys(s.Sessions) {
		fmt.Fprintf(w, "  [%s] %d events\n", shortenSessionID(id), s.Sessions[id])
	}

	if len(s.Devices) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Devices: %d\n", len(s.Devices))
		ids := sortedKeys(s.Devices)
		// Busiest first.
		slices.SortStableFunc(ids, func(a, b string) int {
			return cmp.Compare(s.Devices[b], s.Devices[a])
		})
		for _, id := range ids {
			fmt.Fprintf(w, "  %-24s %d\n", id, s.Devices[id])
		}
	}

	if s.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", s.Errors)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
