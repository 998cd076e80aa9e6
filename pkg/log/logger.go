package log

import "time"

// Logger receives trace events. Pass nil or NoopLogger to disable capture.
type Logger interface {
	// Log records an event. Implementations must be thread-safe and must
	// not block for long; the caller may hold a component lock.
	Log(event Event)
}

// NoopLogger discards all events. It is usable as a zero value.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

var _ Logger = NoopLogger{}

// Session stamps events with a session id and timestamp before forwarding
// them.
type Session struct {
	ID     string
	logger Logger
	now    func() time.Time
}

// NewSession wraps logger with a fresh session id. A nil logger yields a
// session that discards events.
func NewSession(logger Logger, now func() time.Time) *Session {
	if logger == nil {
		logger = NoopLogger{}
	}
	if now == nil {
		now = time.Now
	}
	return &Session{ID: NewSessionID(), logger: logger, now: now}
}

// Log forwards the event with SessionID and Timestamp filled in.
func (s *Session) Log(event Event) {
	event.SessionID = s.ID
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	s.logger.Log(event)
}

var _ Logger = (*Session)(nil)
