package log

import (
	"bytes"
	"testing"
	"time"
)

func TestEventCBORRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 28, 10, 15, 32, 123456789, time.UTC)
	original := Event{
		Timestamp: ts,
		SessionID: "abc12345-def6-7890-abcd-ef1234567890",
		Component: ComponentRecovery,
		Category:  CategoryError,
		DeviceID:  "usb:1-2",
		DriverID:  "hid",
		Error: &ErrorEventData{
			Message: "recovery exhausted",
			Class:   "RECOVERABLE_MANAGED",
			ErrorID: "rec-1",
			Hints:   []string{"Check system load", "Verify hardware connectivity"},
		},
	}

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if !decoded.Timestamp.Equal(ts) {
		t.Errorf("Timestamp: got %v, want %v", decoded.Timestamp, ts)
	}
	if decoded.SessionID != original.SessionID || decoded.DeviceID != "usb:1-2" || decoded.DriverID != "hid" {
		t.Errorf("identifiers not preserved: %+v", decoded)
	}
	if decoded.Component != ComponentRecovery || decoded.Category != CategoryError {
		t.Errorf("component/category: got %v/%v", decoded.Component, decoded.Category)
	}
	if decoded.Error == nil || decoded.Error.ErrorID != "rec-1" || len(decoded.Error.Hints) != 2 {
		t.Errorf("Error payload: got %+v", decoded.Error)
	}
	if decoded.StateChange != nil || decoded.Operation != nil {
		t.Error("unset payloads should decode as nil")
	}
}

func TestEventUsesIntegerKeys(t *testing.T) {
	data, err := EncodeEvent(Event{Timestamp: time.Unix(0, 0).UTC(), SessionID: "s"})
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(data, []byte("SessionID")) {
		t.Error("encoded event should not contain field names")
	}
}

func TestOperationDurationRoundTrip(t *testing.T) {
	data, err := EncodeEvent(Event{
		Timestamp: time.Now(),
		Category:  CategoryOperation,
		Operation: &OperationEvent{Name: "load", Duration: 1500 * time.Microsecond, Success: true, Detail: map[string]string{"closure": "3"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	ev, err := DecodeEvent(data)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Operation.Duration != 1500*time.Microsecond {
		t.Errorf("Duration = %v", ev.Operation.Duration)
	}
	if ev.Operation.Detail["closure"] != "3" {
		t.Errorf("Detail = %v", ev.Operation.Detail)
	}
}
