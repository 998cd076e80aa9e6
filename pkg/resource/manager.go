package resource

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
)

// Manager errors.
var (
	ErrUnknownResource       = errors.New("unknown resource")
	ErrRefCountUnderflow     = errors.New("reference count underflow")
	ErrResourceReleased      = errors.New("resource already released")
	ErrReentrantRegistration = errors.New("resource registration from cleanup callback")
	ErrInvalidOwner          = errors.New("resource owner requires driver and device")
	ErrDetachedScope         = errors.New("scope is not attached to a manager")
)

// DefaultStaleAfter is the staleness threshold suggested for long-running
// managers.
const DefaultStaleAfter = 5 * time.Minute

// OwnerChecker reports whether the owner is still bound. It is consulted
// by DetectLeaks.
type OwnerChecker func(owner Owner) bool

// Config configures a Manager.
type Config struct {
	// StaleAfter flags resources whose count stayed positive without any
	// reference activity for this long. Zero disables staleness checks.
	StaleAfter time.Duration

	// OwnerChecker, when set, flags resources whose owner is gone.
	OwnerChecker OwnerChecker

	// Logger receives cleanup failures. Nil disables logging.
	Logger *slog.Logger

	// Now overrides the clock for tests.
	Now func() time.Time
}

type entry struct {
	rec     Record
	cleanup CleanupFunc
}

// Manager tracks resources and runs their cleanup callbacks.
type Manager struct {
	mu      sync.Mutex
	entries map[ID]*entry
	pending []ID
	nextID  ID
	seq     uint64

	staleAfter time.Duration
	ownerCheck OwnerChecker

	totalRegistered uint64
	totalCleaned    uint64
	bytesReclaimed  uint64
	failures        uint64

	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a resource manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		entries:    make(map[ID]*entry),
		staleAfter: cfg.StaleAfter,
		ownerCheck: cfg.OwnerChecker,
		logger:     logger,
		now:        now,
	}
}

// SetOwnerChecker replaces the owner checker used by DetectLeaks.
func (m *Manager) SetOwnerChecker(fn OwnerChecker) {
	m.mu.Lock()
	m.ownerCheck = fn
	m.mu.Unlock()
}

type cleanupPhaseKey struct{}

// InCleanup reports whether ctx belongs to a running cleanup callback.
func InCleanup(ctx context.Context) bool {
	v, _ := ctx.Value(cleanupPhaseKey{}).(bool)
	return v
}

// Register starts tracking a resource with a reference count of one.
func (m *Manager) Register(ctx context.Context, owner Owner, kind Kind, size uint64, description string, cleanup CleanupFunc) (ID, error) {
	if InCleanup(ctx) {
		return 0, ErrReentrantRegistration
	}
	if owner.DriverID == "" || owner.DeviceID == "" {
		return 0, ErrInvalidOwner
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.seq++
	now := m.now()
	id := m.nextID
	m.entries[id] = &entry{
		rec: Record{
			ID:           id,
			Owner:        owner,
			Kind:         kind,
			RefCount:     1,
			Size:         size,
			Description:  description,
			Phase:        PhaseLive,
			Seq:          m.seq,
			HasCleanup:   cleanup != nil,
			RegisteredAt: now,
			TouchedAt:    now,
		},
		cleanup: cleanup,
	}
	m.totalRegistered++
	return id, nil
}

// AddReference increments the count of a live resource.
func (m *Manager) AddReference(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownResource, id)
	}
	if e.rec.Phase != PhaseLive {
		return fmt.Errorf("%w: %d", ErrResourceReleased, id)
	}
	e.rec.RefCount++
	e.rec.TouchedAt = m.now()
	return nil
}

// RemoveReference decrements the count. At zero the resource is queued for
// cleanup; further decrements fail with ErrRefCountUnderflow.
func (m *Manager) RemoveReference(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownResource, id)
	}
	if e.rec.Phase != PhaseLive || e.rec.RefCount == 0 {
		return fmt.Errorf("%w: %d", ErrRefCountUnderflow, id)
	}
	e.rec.RefCount--
	e.rec.TouchedAt = m.now()
	if e.rec.RefCount == 0 {
		e.rec.Phase = PhasePending
		m.pending = append(m.pending, id)
	}
	return nil
}

// Touch refreshes the staleness clock of a live resource.
func (m *Manager) Touch(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownResource, id)
	}
	e.rec.TouchedAt = m.now()
	return nil
}

// ExecuteCleanup runs the callbacks of all pending resources, newest first.
// Calling it again with nothing pending is a no-op.
func (m *Manager) ExecuteCleanup(ctx context.Context) CleanupStats {
	m.mu.Lock()
	batch := m.claimLocked(m.pending)
	m.pending = nil
	m.mu.Unlock()

	return m.run(ctx, batch)
}

// ReleaseOwner drops every reference held by owner and cleans the affected
// resources, newest first. Resources already claimed by another cleanup pass
// are skipped.
func (m *Manager) ReleaseOwner(ctx context.Context, owner Owner) CleanupStats {
	m.mu.Lock()
	var ids []ID
	for id, e := range m.entries {
		if e.rec.Owner == owner {
			ids = append(ids, id)
		}
	}
	batch := m.claimLocked(ids)
	m.dropPendingLocked(batch)
	m.mu.Unlock()

	return m.run(ctx, batch)
}

// ForceRelease cleans the given resources regardless of their count. It is
// the explicit opt-in path for reclaiming leaks.
func (m *Manager) ForceRelease(ctx context.Context, ids ...ID) CleanupStats {
	m.mu.Lock()
	batch := m.claimLocked(ids)
	m.dropPendingLocked(batch)
	m.mu.Unlock()

	if len(batch) > 0 {
		m.logger.Warn("force releasing resources", "count", len(batch))
	}
	return m.run(ctx, batch)
}

// claimLocked marks the live or pending entries among ids as cleaning and
// returns them sorted newest first.
func (m *Manager) claimLocked(ids []ID) []*entry {
	batch := make([]*entry, 0, len(ids))
	for _, id := range ids {
		e, ok := m.entries[id]
		if !ok || e.rec.Phase == PhaseCleaning {
			continue
		}
		e.rec.Phase = PhaseCleaning
		e.rec.RefCount = 0
		batch = append(batch, e)
	}
	slices.SortFunc(batch, func(a, b *entry) int {
		return cmp.Compare(b.rec.Seq, a.rec.Seq)
	})
	return batch
}

func (m *Manager) dropPendingLocked(batch []*entry) {
	if len(batch) == 0 || len(m.pending) == 0 {
		return
	}
	claimed := make(map[ID]struct{}, len(batch))
	for _, e := range batch {
		claimed[e.rec.ID] = struct{}{}
	}
	m.pending = slices.DeleteFunc(m.pending, func(id ID) bool {
		_, ok := claimed[id]
		return ok
	})
}

// run executes callbacks outside the lock, then forgets the entries.
func (m *Manager) run(ctx context.Context, batch []*entry) CleanupStats {
	var stats CleanupStats
	if len(batch) == 0 {
		return stats
	}

	cctx := context.WithValue(ctx, cleanupPhaseKey{}, true)
	failed := make([]bool, len(batch))
	for i, e := range batch {
		if e.cleanup == nil {
			continue
		}
		if err := invoke(cctx, e.cleanup); err != nil {
			failed[i] = true
			m.logger.Warn("resource cleanup failed",
				"resource", e.rec.ID,
				"kind", e.rec.Kind.String(),
				"owner", e.rec.Owner.String(),
				"error", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range batch {
		delete(m.entries, e.rec.ID)
		if failed[i] {
			stats.Failures++
			m.failures++
			continue
		}
		stats.Cleaned++
		stats.BytesReclaimed += e.rec.Size
		m.totalCleaned++
		m.bytesReclaimed += e.rec.Size
	}
	return stats
}

func invoke(ctx context.Context, fn CleanupFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// DetectLeaks returns live resources whose owner is gone or whose count has
// been idle past the staleness threshold. Nothing is freed.
func (m *Manager) DetectLeaks(now time.Time) []Leak {
	m.mu.Lock()
	check := m.ownerCheck
	var candidates []Record
	for _, e := range m.entries {
		if e.rec.Phase == PhaseLive {
			candidates = append(candidates, e.rec)
		}
	}
	m.mu.Unlock()

	// The checker may take other locks; it runs without ours.
	var leaks []Leak
	for _, rec := range candidates {
		age := now.Sub(rec.TouchedAt)
		switch {
		case check != nil && !check(rec.Owner):
			leaks = append(leaks, Leak{Record: rec, Reason: LeakOwnerGone, Age: age})
		case m.staleAfter > 0 && age > m.staleAfter:
			leaks = append(leaks, Leak{Record: rec, Reason: LeakStale, Age: age})
		}
	}
	slices.SortFunc(leaks, func(a, b Leak) int {
		return cmp.Compare(a.Record.Seq, b.Record.Seq)
	})
	return leaks
}

// Get returns a snapshot of a tracked resource.
func (m *Manager) Get(id ID) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

// ByOwner returns the resources of owner in registration order.
func (m *Manager) ByOwner(owner Owner) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, e := range m.entries {
		if e.rec.Owner == owner {
			out = append(out, e.rec)
		}
	}
	slices.SortFunc(out, func(a, b Record) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	return out
}

// Stats returns counters and current occupancy.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		TotalRegistered: m.totalRegistered,
		TotalCleaned:    m.totalCleaned,
		BytesReclaimed:  m.bytesReclaimed,
		Failures:        m.failures,
	}
	for _, e := range m.entries {
		switch e.rec.Phase {
		case PhaseLive:
			s.Live++
			s.BytesLive += e.rec.Size
		case PhasePending:
			s.Pending++
		}
	}
	return s
}
