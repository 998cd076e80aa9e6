package resource

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ID identifies a tracked resource. IDs are never reused.
type ID uint64

// Kind is the resource category.
type Kind uint8

const (
	KindMemory Kind = iota
	KindInterrupt
	KindDMABuffer
	KindHandle
	KindTimer
	KindLock
	KindThread
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindMemory:
		return "MEMORY"
	case KindInterrupt:
		return "INTERRUPT"
	case KindDMABuffer:
		return "DMA_BUFFER"
	case KindHandle:
		return "HANDLE"
	case KindTimer:
		return "TIMER"
	case KindLock:
		return "LOCK"
	case KindThread:
		return "THREAD"
	default:
		return "UNKNOWN"
	}
}

// ParseKind returns the kind with the given name, case-insensitively.
func ParseKind(s string) (Kind, bool) {
	for k := KindMemory; k <= KindThread; k++ {
		if strings.EqualFold(k.String(), s) {
			return k, true
		}
	}
	return 0, false
}

// Owner is the (driver, device) pair a resource belongs to.
type Owner struct {
	DriverID string
	DeviceID string
}

func (o Owner) String() string {
	return fmt.Sprintf("%s@%s", o.DriverID, o.DeviceID)
}

// CleanupFunc releases the underlying resource. It receives a context that
// marks the cleanup phase.
type CleanupFunc func(ctx context.Context) error

// Phase is the lifecycle position of a record.
type Phase uint8

const (
	// PhaseLive - reference count is positive.
	PhaseLive Phase = iota

	// PhasePending - count reached zero; waiting for ExecuteCleanup.
	PhasePending

	// PhaseCleaning - the cleanup callback is running.
	PhaseCleaning
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseLive:
		return "LIVE"
	case PhasePending:
		return "PENDING"
	case PhaseCleaning:
		return "CLEANING"
	default:
		return "UNKNOWN"
	}
}

// Record is a snapshot of a tracked resource.
type Record struct {
	ID           ID
	Owner        Owner
	Kind         Kind
	RefCount     uint32
	Size         uint64
	Description  string
	Phase        Phase
	Seq          uint64
	HasCleanup   bool
	RegisteredAt time.Time
	TouchedAt    time.Time
}

// CleanupStats summarizes one cleanup pass.
type CleanupStats struct {
	Cleaned        int
	BytesReclaimed uint64
	Failures       int
}

// Add accumulates other into s.
func (s *CleanupStats) Add(other CleanupStats) {
	s.Cleaned += other.Cleaned
	s.BytesReclaimed += other.BytesReclaimed
	s.Failures += other.Failures
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Live            int
	Pending         int
	BytesLive       uint64
	TotalRegistered uint64
	TotalCleaned    uint64
	BytesReclaimed  uint64
	Failures        uint64
}

// LeakReason says why a resource was flagged.
type LeakReason uint8

const (
	// LeakOwnerGone - the owning driver is no longer bound to the device.
	LeakOwnerGone LeakReason = iota + 1

	// LeakStale - the count stayed positive past the staleness threshold.
	LeakStale
)

// String returns the reason name.
func (r LeakReason) String() string {
	switch r {
	case LeakOwnerGone:
		return "OWNER_GONE"
	case LeakStale:
		return "STALE"
	default:
		return "UNKNOWN"
	}
}

// Leak is a suspected leak. Leaks are reported, never freed automatically.
type Leak struct {
	Record Record
	Reason LeakReason
	Age    time.Duration
}
