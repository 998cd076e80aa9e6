package commands

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/drvkit/drvkit-go/pkg/log"
)

func createTestTraceFile(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.cbor")

	logger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	logger.Close()
	return path
}

// sampleTrace is a short session: a device is discovered, bound, faults
// and is recovered.
func sampleTrace() []log.Event {
	base := time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC)
	return []log.Event{
		{
			Timestamp: base,
			SessionID: "sess-aaaa1111",
			Component: log.ComponentHotplug,
			Category:  log.CategoryHotplug,
			DeviceID:  "usb:1-2",
			Hotplug:   &log.HotplugEvent{Bus: "USB", Kind: log.HotplugArrival},
		},
		{
			Timestamp: base.Add(10 * time.Millisecond),
			SessionID: "sess-aaaa1111",
			Component: log.ComponentBinder,
			Category:  log.CategoryOperation,
			DeviceID:  "usb:1-2",
			DriverID:  "hid-generic",
			Operation: &log.OperationEvent{
				Name:     "bind",
				Duration: 1500 * time.Microsecond,
				Success:  true,
				Detail:   map[string]string{"resources": "2"},
			},
		},
		{
			Timestamp: base.Add(20 * time.Millisecond),
			SessionID: "sess-aaaa1111",
			Component: log.ComponentRecovery,
			Category:  log.CategoryError,
			DeviceID:  "usb:1-2",
			Error: &log.ErrorEventData{
				Message: "transfer timed out",
				Class:   "RECOVERABLE_LOCAL",
				ErrorID: "rec-1",
				Hints:   []string{"check the cable"},
			},
		},
		{
			Timestamp: base.Add(30 * time.Millisecond),
			SessionID: "sess-aaaa1111",
			Component: log.ComponentDevice,
			Category:  log.CategoryState,
			DeviceID:  "usb:1-2",
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntityDevice,
				OldState: "ERROR",
				NewState: "READY",
				Reason:   "recovery: retry",
			},
		},
		{
			Timestamp: base.Add(time.Second),
			SessionID: "sess-bbbb2222",
			Component: log.ComponentResource,
			Category:  log.CategoryResource,
			Resource:  &log.ResourceEvent{Cleaned: 2, BytesReclaimed: 4096},
		},
	}
}
