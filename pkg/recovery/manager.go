package recovery

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drvkit/drvkit-go/internal/keylock"
)

const tracerName = "github.com/drvkit/drvkit-go/pkg/recovery"

// Defaults.
const (
	DefaultEscalationWindow = time.Second
	DefaultMaxRetries       = 3
	DefaultInitialRetries   = 1
	DefaultHistorySize      = 256
)

// Config configures a Manager.
type Config struct {
	Actions Actions

	// EscalationWindow is how long after its last report a record stays
	// open. A report inside the window escalates the open record.
	EscalationWindow time.Duration

	// MaxRetries caps the adaptive retry budget.
	MaxRetries int

	// InitialRetries is the retry budget of a new pattern.
	InitialRetries int

	// HalfLife is the number of attempts after which an observation's
	// weight in the smoothed probability halves.
	HalfLife int

	MaxPatterns int
	PatternTTL  time.Duration

	// HistorySize bounds the number of closed records kept.
	HistorySize int

	// OnClose is called outside the manager lock for every record that
	// closes.
	OnClose func(Record)

	TracerProvider trace.TracerProvider
	Logger         *slog.Logger
	Now            func() time.Time
}

// Stats summarizes recovery activity.
type Stats struct {
	Reports     uint64
	Records     uint64
	Open        int
	Resolved    uint64
	Fatal       uint64
	Cancelled   uint64
	Attempts    uint64
	Successes   uint64
	SuccessRate float64
	Patterns    int
}

// Manager records faults and drives recovery.
type Manager struct {
	actions  Actions
	window   time.Duration
	patterns *patternTable
	history  int
	onClose  func(Record)
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time

	// locks serializes recovery per device.
	locks keylock.Map

	mu     sync.Mutex
	open   map[string]*Record // by device id
	byID   map[string]*Record
	closed []*Record
	busy   map[string]bool

	reports   uint64
	records   uint64
	resolved  uint64
	fatal     uint64
	cancelled uint64
	attempts  uint64
	successes uint64
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Actions == nil {
		return nil, errors.New("recovery manager requires actions")
	}
	if cfg.EscalationWindow <= 0 {
		cfg.EscalationWindow = DefaultEscalationWindow
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialRetries <= 0 {
		cfg.InitialRetries = DefaultInitialRetries
	}
	cfg.InitialRetries = min(cfg.InitialRetries, cfg.MaxRetries)
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = DefaultHalfLife
	}
	if cfg.MaxPatterns <= 0 {
		cfg.MaxPatterns = DefaultMaxPatterns
	}
	if cfg.PatternTTL == 0 {
		cfg.PatternTTL = DefaultPatternTTL
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		actions:  cfg.Actions,
		window:   cfg.EscalationWindow,
		patterns: newPatternTable(cfg.HalfLife, cfg.MaxPatterns, cfg.PatternTTL, cfg.InitialRetries, cfg.MaxRetries),
		history:  cfg.HistorySize,
		onClose:  cfg.OnClose,
		tracer:   tp.Tracer(tracerName),
		logger:   logger,
		now:      now,
		open:     make(map[string]*Record),
		byID:     make(map[string]*Record),
		busy:     make(map[string]bool),
	}, nil
}

// EscalationWindow returns the configured window.
func (m *Manager) EscalationWindow() time.Duration {
	return m.window
}

// Report records a fault and attempts recovery. It returns a snapshot of
// the record the report was folded into, taken after the attempt. Reports
// for the same device are serialized; at most one recovery attempt per
// device runs at a time.
func (m *Manager) Report(ctx context.Context, r Report) (Record, error) {
	if r.DeviceID == "" {
		return Record{}, ErrMissingDevice
	}
	cat := r.Category
	if cat == CategoryUnknown {
		cat = Classify(r.Kind)
	}

	ctx, span := m.tracer.Start(ctx, "recovery.Report", trace.WithAttributes(
		attribute.String("device.id", r.DeviceID),
		attribute.String("error.category", cat.String()),
	))
	defer span.End()

	unlock, err := m.locks.Lock(ctx, r.DeviceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Record{}, err
	}
	defer unlock()

	rec, settled := m.admit(r, cat)
	m.notifyClosed(settled)
	span.SetAttributes(attribute.String("error.id", rec.ID), attribute.Int("error.occurrences", rec.Occurrences))

	snap := m.recover(ctx, rec.ID)
	span.SetAttributes(attribute.String("recovery.status", snap.Status.String()))
	if snap.Status == StatusFatal {
		span.SetStatus(codes.Error, "device isolated")
	}
	return snap, nil
}

// admit folds the report into the open record of the device or opens a new
// one. A record outside the escalation window is settled first.
func (m *Manager) admit(r Report, cat Category) (Record, []Record) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.reports++
	var settled []Record

	if rec, ok := m.open[r.DeviceID]; ok {
		if now.Sub(rec.LastSeen) <= m.window {
			rec.Occurrences++
			rec.LastSeen = now
			if cat != CategoryUnknown && rec.Category == CategoryUnknown {
				rec.Category = cat
			}
			if n := len(rec.Attempts); n > 0 && rec.Attempts[n-1].Outcome == OutcomeSucceeded {
				last := &rec.Attempts[n-1]
				last.Outcome = OutcomeFailed
				last.Err = "fault recurred within escalation window"
				m.successes--
				m.patterns.observe(m.key(rec), last.Strategy, false, now)
			}
			m.logger.Debug("error report escalated",
				"error_id", rec.ID, "device_id", rec.DeviceID, "occurrences", rec.Occurrences)
			return rec.clone(), nil
		}
		settled = append(settled, m.closeLocked(rec, StatusResolved, now))
	}

	rec := &Record{
		ID:          uuid.NewString(),
		DeviceID:    r.DeviceID,
		DriverID:    r.DriverID,
		Class:       r.Class,
		Category:    cat,
		Severity:    SeverityOf(cat),
		Kind:        r.Kind,
		Description: r.Description,
		Timestamp:   now,
		LastSeen:    now,
		Occurrences: 1,
		Status:      StatusOpen,
	}
	m.open[r.DeviceID] = rec
	m.byID[rec.ID] = rec
	m.records++
	m.patterns.touch(m.key(rec), now)

	m.logger.Info("error reported",
		"error_id", rec.ID, "device_id", rec.DeviceID, "driver_id", rec.DriverID,
		"category", rec.Category, "severity", rec.Severity, "description", rec.Description)
	return rec.clone(), settled
}

func (m *Manager) key(rec *Record) PatternKey {
	return PatternKey{Category: rec.Category, Class: rec.Class}
}

// recover runs strategies until one succeeds or the device is isolated.
// Actions take the device lock themselves.
func (m *Manager) recover(ctx context.Context, id string) Record {
	m.mu.Lock()
	rec := m.byID[id]
	m.busy[rec.DeviceID] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.busy, rec.DeviceID)
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		s := m.nextLocked(rec)
		startedAt := m.now()
		rec.Attempts = append(rec.Attempts, Attempt{Strategy: s, StartedAt: startedAt})
		idx := len(rec.Attempts) - 1
		snap := rec.clone()
		m.attempts++
		m.mu.Unlock()

		err := m.execute(ctx, s, snap)

		now := m.now()
		m.mu.Lock()
		at := &rec.Attempts[idx]
		at.FinishedAt = now
		switch {
		case err == nil:
			at.Outcome = OutcomeSucceeded
		case errors.Is(err, ErrDeviceGone):
			at.Outcome = OutcomeAborted
			at.Err = err.Error()
			closed := m.closeLocked(rec, StatusCancelled, now)
			m.mu.Unlock()
			m.logger.Warn("device removed during recovery, record cancelled",
				"error_id", closed.ID, "device_id", closed.DeviceID, "strategy", s)
			m.notifyClosed([]Record{closed})
			return closed
		case errors.Is(err, ErrStrategyNotApplicable):
			at.Outcome = OutcomeSkipped
			at.Err = err.Error()
		default:
			at.Outcome = OutcomeFailed
			at.Err = err.Error()
			m.patterns.observe(m.key(rec), s, false, now)
		}

		if s == StrategyIsolateDevice {
			closed := m.closeLocked(rec, StatusFatal, now)
			m.mu.Unlock()
			m.logger.Error("recovery exhausted, device isolated",
				"error_id", closed.ID, "device_id", closed.DeviceID,
				"category", closed.Category, "attempts", len(closed.Attempts),
				"hints", m.ContextualHints(closed))
			m.notifyClosed([]Record{closed})
			return closed
		}
		if at.Outcome == OutcomeSucceeded {
			m.successes++
			out := rec.clone()
			m.mu.Unlock()
			m.logger.Info("recovery attempt succeeded",
				"error_id", out.ID, "device_id", out.DeviceID, "strategy", s)
			return out
		}
		m.mu.Unlock()
		m.logger.Warn("recovery attempt failed",
			"error_id", id, "device_id", snap.DeviceID, "strategy", s, "error", err)

		if ctx.Err() != nil {
			// Cancelled callers leave the record open; the next report or
			// Sweep decides its fate.
			return m.recordSnapshot(id)
		}
	}
}

func (m *Manager) execute(ctx context.Context, s Strategy, rec Record) (err error) {
	ctx, span := m.tracer.Start(ctx, "recovery.Attempt", trace.WithAttributes(
		attribute.String("error.id", rec.ID),
		attribute.String("recovery.strategy", s.String()),
	))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovery action %s panicked: %v", s, r)
		}
		if err != nil && !errors.Is(err, ErrStrategyNotApplicable) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return m.actions.Execute(ctx, s, rec)
}

// nextLocked picks the most probable strategy not yet used by the record.
// Retry may repeat up to the pattern's retry budget.
func (m *Manager) nextLocked(rec *Record) Strategy {
	p, ok := m.patterns.get(m.key(rec))
	if !ok {
		p = *newPattern(m.key(rec), m.patterns.budget, m.now())
	}

	used := make(map[Strategy]int, len(rec.Attempts))
	for _, a := range rec.Attempts {
		used[a.Strategy]++
	}

	var cands []Strategy
	for _, s := range rankedStrategies {
		if s == StrategyRetry {
			if used[s] < p.RetryBudget {
				cands = append(cands, s)
			}
			continue
		}
		if used[s] == 0 {
			cands = append(cands, s)
		}
	}
	if len(cands) == 0 {
		return StrategyIsolateDevice
	}
	// Stable sort keeps prior order among equal probabilities.
	slices.SortStableFunc(cands, func(a, b Strategy) int {
		return cmp.Compare(p.Probability(b), p.Probability(a))
	})
	return cands[0]
}

func (m *Manager) closeLocked(rec *Record, status Status, now time.Time) Record {
	rec.Status = status
	rec.ClosedAt = now
	switch status {
	case StatusFatal:
		rec.Severity = SeverityFatal
		m.fatal++
	case StatusCancelled:
		m.cancelled++
	default:
		m.resolved++
		if last, ok := rec.LastAttempt(); ok && last.Outcome == OutcomeSucceeded {
			key := m.key(rec)
			m.patterns.observe(key, last.Strategy, true, now)
			m.patterns.resolved(key)
		}
	}
	if m.open[rec.DeviceID] == rec {
		delete(m.open, rec.DeviceID)
	}

	m.closed = append(m.closed, rec)
	if len(m.closed) > m.history {
		drop := m.closed[0]
		m.closed = m.closed[1:]
		delete(m.byID, drop.ID)
	}
	return rec.clone()
}

func (m *Manager) notifyClosed(recs []Record) {
	if m.onClose == nil {
		return
	}
	for _, r := range recs {
		m.onClose(r)
	}
}

// Sweep closes open records whose device stayed quiet for the escalation
// window and expires idle patterns. Records of devices with a recovery in
// flight are left alone.
func (m *Manager) Sweep(now time.Time) []Record {
	m.mu.Lock()
	var out []Record
	for dev, rec := range m.open {
		if m.busy[dev] || now.Sub(rec.LastSeen) <= m.window {
			continue
		}
		status := StatusResolved
		if last, ok := rec.LastAttempt(); !ok || last.Outcome != OutcomeSucceeded {
			status = StatusFatal
		}
		out = append(out, m.closeLocked(rec, status, now))
	}
	m.mu.Unlock()

	if n := m.patterns.expire(now); n > 0 {
		m.logger.Debug("expired idle recovery patterns", "count", n)
	}
	slices.SortFunc(out, func(a, b Record) int { return a.Timestamp.Compare(b.Timestamp) })
	m.notifyClosed(out)
	return out
}

// Close closes an open record manually.
func (m *Manager) Close(id string, status Status) (Record, error) {
	if status == StatusOpen {
		return Record{}, fmt.Errorf("cannot close record %s with status %s", id, status)
	}
	m.mu.Lock()
	rec, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownRecord, id)
	}
	if rec.Closed() {
		m.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrRecordClosed, id)
	}
	if m.busy[rec.DeviceID] {
		m.mu.Unlock()
		return Record{}, fmt.Errorf("recovery in progress for %s", rec.DeviceID)
	}
	closed := m.closeLocked(rec, status, m.now())
	m.mu.Unlock()

	m.notifyClosed([]Record{closed})
	return closed, nil
}

// Annotate appends a note to the description of an open record.
func (m *Manager) Annotate(id, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRecord, id)
	}
	if rec.Closed() {
		return fmt.Errorf("%w: %s", ErrRecordClosed, id)
	}
	if rec.Description == "" {
		rec.Description = note
	} else {
		rec.Description += "; " + note
	}
	return nil
}

func (m *Manager) recordSnapshot(id string) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id].clone()
}

// Record returns a record by id.
func (m *Manager) Record(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// OpenRecord returns the open record of a device.
func (m *Manager) OpenRecord(deviceID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.open[deviceID]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Records returns closed records oldest first, followed by open records.
func (m *Manager) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.closed)+len(m.open))
	for _, r := range m.closed {
		out = append(out, r.clone())
	}
	var open []Record
	for _, r := range m.open {
		open = append(open, r.clone())
	}
	slices.SortFunc(open, func(a, b Record) int { return a.Timestamp.Compare(b.Timestamp) })
	return append(out, open...)
}

// DeviceHistory returns the records of a device reported since since.
func (m *Manager) DeviceHistory(deviceID string, since time.Time) []Record {
	var out []Record
	for _, r := range m.Records() {
		if r.DeviceID == deviceID && !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out
}

// Pattern returns the learned pattern for a signature.
func (m *Manager) Pattern(key PatternKey) (Pattern, bool) {
	return m.patterns.get(key)
}

// Snapshot returns a copy of the pattern table.
func (m *Manager) Snapshot() []Pattern {
	out := m.patterns.snapshot()
	slices.SortFunc(out, func(a, b Pattern) int { return cmp.Compare(a.Key.String(), b.Key.String()) })
	return out
}

// Restore merges persisted patterns into the table.
func (m *Manager) Restore(patterns []Pattern) {
	m.patterns.restore(patterns)
}

// Stats returns recovery statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		Reports:   m.reports,
		Records:   m.records,
		Open:      len(m.open),
		Resolved:  m.resolved,
		Fatal:     m.fatal,
		Cancelled: m.cancelled,
		Attempts:  m.attempts,
		Successes: m.successes,
	}
	m.mu.Unlock()
	if s.Attempts > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.Attempts)
	}
	s.Patterns = m.patterns.len()
	return s
}
