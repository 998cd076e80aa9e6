package log

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Filter specifies criteria for trace events. Empty or nil fields match
// all events.
type Filter struct {
	SessionID string
	Component *Component
	Category  *Category

	// TimeStart filters events at or after this time.
	TimeStart *time.Time

	// TimeEnd filters events before this time.
	TimeEnd *time.Time

	DeviceID string
	DriverID string
	ModuleID string
}

func (f *Filter) matches(event Event) bool {
	if f.SessionID != "" && event.SessionID != f.SessionID {
		return false
	}
	if f.Component != nil && event.Component != *f.Component {
		return false
	}
	if f.Category != nil && event.Category != *f.Category {
		return false
	}
	if f.TimeStart != nil && event.Timestamp.Before(*f.TimeStart) {
		return false
	}
	if f.TimeEnd != nil && !event.Timestamp.Before(*f.TimeEnd) {
		return false
	}
	if f.DeviceID != "" && event.DeviceID != f.DeviceID {
		return false
	}
	if f.DriverID != "" && event.DriverID != f.DriverID {
		return false
	}
	if f.ModuleID != "" && event.ModuleID != f.ModuleID {
		return false
	}
	return true
}

// Reader streams trace events from a CBOR file.
type Reader struct {
	file    *os.File
	decoder *cbor.Decoder
	filter  Filter
}

// NewReader creates a Reader over all events of a trace file.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader creates a Reader returning events that match filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{
		file:    f,
		decoder: NewDecoder(f),
		filter:  filter,
	}, nil
}

// Next returns the next matching event, or io.EOF at the end of the file.
func (r *Reader) Next() (Event, error) {
	for {
		var event Event
		if err := r.decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return Event{}, io.EOF
			}
			return Event{}, err
		}
		if r.filter.matches(event) {
			return event, nil
		}
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Summary aggregates a trace.
type Summary struct {
	Events      int
	Sessions    map[string]int
	Components  map[Component]int
	Categories  map[Category]int
	Devices     map[string]int
	Errors      int
	First, Last time.Time
}

// Summarize reads every remaining event from r.
func Summarize(r *Reader) (Summary, error) {
	s := Summary{
		Sessions:   make(map[string]int),
		Components: make(map[Component]int),
		Categories: make(map[Category]int),
		Devices:    make(map[string]int),
	}
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return s, nil
		}
		if err != nil {
			return s, err
		}
		s.Events++
		s.Sessions[ev.SessionID]++
		s.Components[ev.Component]++
		s.Categories[ev.Category]++
		if ev.DeviceID != "" {
			s.Devices[ev.DeviceID]++
		}
		if ev.Category == CategoryError {
			s.Errors++
		}
		if s.First.IsZero() || ev.Timestamp.Before(s.First) {
			s.First = ev.Timestamp
		}
		if ev.Timestamp.After(s.Last) {
			s.Last = ev.Timestamp
		}
	}
}
