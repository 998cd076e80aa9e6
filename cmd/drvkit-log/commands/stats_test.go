package commands

import (
	"bytes"
	"strings"
	"testing"
)

func TestStats(t *testing.T) {
	path := createTestTraceFile(t, sampleTrace())

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"Total Events: 5",
		"Duration:   1s",
		"BINDER:      1",
		"HOTPLUG:     1",
		"Sessions: 2",
		"[sess-aaa] 4 events",
		"usb:1-2",
		"Errors: 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
}

func TestStatsEmptyFile(t *testing.T) {
	path := createTestTraceFile(t, nil)

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Total Events: 0") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
	if strings.Contains(buf.String(), "Time Range") {
		t.Error("empty trace should not print a time range")
	}
}
