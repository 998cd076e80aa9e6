package log

import (
	"io"
	"path/filepath"
	"testing"
	"time"
)

func writeTrace(t *testing.T, events []Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "core.dlog")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	if logger.Written() != uint64(len(events)) {
		t.Errorf("Written = %d, want %d", logger.Written(), len(events))
	}
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	logger.Log(Event{}) // ignored after close
	return path
}

func readAll(t *testing.T, r *Reader) []Event {
	t.Helper()
	var out []Event
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, ev)
	}
}

func sampleTrace() []Event {
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	return []Event{
		{Timestamp: base, SessionID: "s1", Component: ComponentHotplug, Category: CategoryHotplug, DeviceID: "usb:1-2",
			Hotplug: &HotplugEvent{Bus: "USB", Kind: HotplugArrival}},
		{Timestamp: base.Add(time.Second), SessionID: "s1", Component: ComponentBinder, Category: CategoryState, DeviceID: "usb:1-2", DriverID: "hid",
			StateChange: &StateChangeEvent{Entity: StateEntityDevice, OldState: "PROBING", NewState: "BOUND"}},
		{Timestamp: base.Add(2 * time.Second), SessionID: "s2", Component: ComponentModule, Category: CategoryOperation, ModuleID: "usbcore",
			Operation: &OperationEvent{Name: "load", Success: true}},
		{Timestamp: base.Add(3 * time.Second), SessionID: "s2", Component: ComponentRecovery, Category: CategoryError, DeviceID: "usb:1-2",
			Error: &ErrorEventData{Message: "timeout"}},
	}
}

func TestReaderIteratesEvents(t *testing.T) {
	path := writeTrace(t, sampleTrace())

	r, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	got := readAll(t, r)
	if len(got) != 4 {
		t.Fatalf("got %d events, want 4", len(got))
	}
	if got[1].StateChange == nil || got[1].StateChange.NewState != "BOUND" {
		t.Errorf("event order or payload wrong: %+v", got[1])
	}
}

func TestFilteredReader(t *testing.T) {
	path := writeTrace(t, sampleTrace())
	start := time.Date(2026, 2, 1, 9, 0, 1, 0, time.UTC)
	errCat := CategoryError

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"device", Filter{DeviceID: "usb:1-2"}, 3},
		{"session", Filter{SessionID: "s2"}, 2},
		{"category", Filter{Category: &errCat}, 1},
		{"module", Filter{ModuleID: "usbcore"}, 1},
		{"driver", Filter{DriverID: "hid"}, 1},
		{"time", Filter{TimeStart: &start}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewFilteredReader(path, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()
			if got := len(readAll(t, r)); got != tt.want {
				t.Errorf("got %d events, want %d", got, tt.want)
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	path := writeTrace(t, sampleTrace())
	r, err := NewReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	s, err := Summarize(r)
	if err != nil {
		t.Fatal(err)
	}
	if s.Events != 4 || s.Errors != 1 {
		t.Errorf("events=%d errors=%d", s.Events, s.Errors)
	}
	if len(s.Sessions) != 2 || s.Devices["usb:1-2"] != 3 {
		t.Errorf("sessions=%v devices=%v", s.Sessions, s.Devices)
	}
	if got := s.Last.Sub(s.First); got != 3*time.Second {
		t.Errorf("span = %v, want 3s", got)
	}
}

func TestNewReaderMissingFile(t *testing.T) {
	if _, err := NewReader(filepath.Join(t.TempDir(), "missing.dlog")); err == nil {
		t.Error("expected error for missing file")
	}
}
