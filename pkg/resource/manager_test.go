package resource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var testOwner = Owner{DriverID: "hid", DeviceID: "usb:1-2"}

func mustRegister(t *testing.T, m *Manager, owner Owner, size uint64, cleanup CleanupFunc) ID {
	t.Helper()
	id, err := m.Register(context.Background(), owner, KindMemory, size, "buf", cleanup)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return id
}

func TestCleanupRunsOnceAtZero(t *testing.T) {
	m := NewManager(Config{})
	calls := 0
	id := mustRegister(t, m, testOwner, 4096, func(context.Context) error {
		calls++
		return nil
	})

	if err := m.AddReference(id); err != nil {
		t.Fatalf("AddReference: %v", err)
	}
	if err := m.RemoveReference(id); err != nil {
		t.Fatalf("RemoveReference: %v", err)
	}
	if got := m.ExecuteCleanup(context.Background()); got.Cleaned != 0 {
		t.Fatalf("cleaned %d with count 1, want 0", got.Cleaned)
	}

	if err := m.RemoveReference(id); err != nil {
		t.Fatalf("RemoveReference: %v", err)
	}
	stats := m.ExecuteCleanup(context.Background())
	if stats.Cleaned != 1 || stats.BytesReclaimed != 4096 {
		t.Errorf("stats = %+v, want 1 cleaned / 4096 bytes", stats)
	}

	// Idempotent.
	if again := m.ExecuteCleanup(context.Background()); again != (CleanupStats{}) {
		t.Errorf("second pass = %+v, want zero", again)
	}
	if calls != 1 {
		t.Errorf("cleanup ran %d times, want 1", calls)
	}
	if _, ok := m.Get(id); ok {
		t.Error("cleaned resource still tracked")
	}
}

func TestRefCountNeverNegative(t *testing.T) {
	m := NewManager(Config{})
	id := mustRegister(t, m, testOwner, 0, nil)

	if err := m.RemoveReference(id); err != nil {
		t.Fatalf("RemoveReference: %v", err)
	}
	if err := m.RemoveReference(id); !errors.Is(err, ErrRefCountUnderflow) {
		t.Errorf("second RemoveReference = %v, want ErrRefCountUnderflow", err)
	}
	if err := m.AddReference(id); !errors.Is(err, ErrResourceReleased) {
		t.Errorf("AddReference on pending = %v, want ErrResourceReleased", err)
	}
	rec, ok := m.Get(id)
	if !ok || rec.RefCount != 0 || rec.Phase != PhasePending {
		t.Errorf("record = %+v, want pending with zero count", rec)
	}

	m.ExecuteCleanup(context.Background())
	if err := m.RemoveReference(id); !errors.Is(err, ErrUnknownResource) {
		t.Errorf("RemoveReference after cleanup = %v, want ErrUnknownResource", err)
	}
}

func TestCleanupOrderIsLIFO(t *testing.T) {
	m := NewManager(Config{})
	var order []string
	record := func(name string) CleanupFunc {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	a := mustRegister(t, m, testOwner, 1, record("a"))
	b := mustRegister(t, m, testOwner, 1, record("b"))
	c := mustRegister(t, m, testOwner, 1, record("c"))

	// Release in registration order; cleanup still runs newest first.
	for _, id := range []ID{a, b, c} {
		if err := m.RemoveReference(id); err != nil {
			t.Fatal(err)
		}
	}
	m.ExecuteCleanup(context.Background())

	want := []string{"c", "b", "a"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestReentrantRegistrationRejected(t *testing.T) {
	m := NewManager(Config{})
	var inner error
	id := mustRegister(t, m, testOwner, 0, func(ctx context.Context) error {
		_, inner = m.Register(ctx, testOwner, KindHandle, 0, "nested", nil)
		return nil
	})

	_ = m.RemoveReference(id)
	m.ExecuteCleanup(context.Background())

	if !errors.Is(inner, ErrReentrantRegistration) {
		t.Errorf("nested Register = %v, want ErrReentrantRegistration", inner)
	}
	if s := m.Stats(); s.Live != 0 || s.TotalRegistered != 1 {
		t.Errorf("stats = %+v, nested resource must not be tracked", s)
	}
}

func TestReleaseOwner(t *testing.T) {
	m := NewManager(Config{})
	other := Owner{DriverID: "hid", DeviceID: "usb:1-3"}
	var order []ID
	var ids []ID
	for i := 0; i < 3; i++ {
		var id ID
		id = mustRegister(t, m, testOwner, 100, func(context.Context) error {
			order = append(order, id)
			return nil
		})
		ids = append(ids, id)
	}
	keep := mustRegister(t, m, other, 100, nil)

	// One resource already pending, one with extra references.
	_ = m.RemoveReference(ids[0])
	_ = m.AddReference(ids[1])

	stats := m.ReleaseOwner(context.Background(), testOwner)
	if stats.Cleaned != 3 || stats.BytesReclaimed != 300 {
		t.Errorf("stats = %+v, want 3 cleaned / 300 bytes", stats)
	}
	if len(order) != 3 || order[0] != ids[2] || order[2] != ids[0] {
		t.Errorf("order = %v, want reverse of %v", order, ids)
	}
	if len(m.ByOwner(testOwner)) != 0 {
		t.Error("owner still has resources")
	}
	if _, ok := m.Get(keep); !ok {
		t.Error("resource of another owner was released")
	}
	if got := m.ExecuteCleanup(context.Background()); got.Cleaned != 0 {
		t.Errorf("pending queue kept a released resource: %+v", got)
	}
}

func TestCleanupFailureCountedOnce(t *testing.T) {
	m := NewManager(Config{})
	calls := 0
	id := mustRegister(t, m, testOwner, 64, func(context.Context) error {
		calls++
		panic("device gone")
	})
	_ = m.RemoveReference(id)

	stats := m.ExecuteCleanup(context.Background())
	if stats.Failures != 1 || stats.Cleaned != 0 {
		t.Errorf("stats = %+v, want one failure", stats)
	}
	m.ExecuteCleanup(context.Background())
	if calls != 1 {
		t.Errorf("failing cleanup ran %d times, want 1", calls)
	}
	if s := m.Stats(); s.Failures != 1 || s.Live != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDetectLeaks(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	bound := map[Owner]bool{testOwner: true}

	m := NewManager(Config{
		StaleAfter: time.Minute,
		OwnerChecker: func(o Owner) bool {
			return bound[o]
		},
		Now: func() time.Time { return now },
	})

	orphan := Owner{DriverID: "storage", DeviceID: "pci:0000:00:1f.2"}
	fresh := mustRegister(t, m, testOwner, 1, nil)
	lost := mustRegister(t, m, orphan, 1, nil)

	now = start.Add(30 * time.Second)
	mustRegister(t, m, testOwner, 1, nil)
	if err := m.Touch(fresh); err != nil {
		t.Fatal(err)
	}

	leaks := m.DetectLeaks(start.Add(80 * time.Second))
	if len(leaks) != 1 || leaks[0].Record.ID != lost || leaks[0].Reason != LeakOwnerGone {
		t.Fatalf("leaks = %+v, want only the orphan", leaks)
	}

	leaks = m.DetectLeaks(start.Add(2 * time.Minute))
	if len(leaks) != 3 {
		t.Fatalf("got %d leaks, want 3", len(leaks))
	}
	if leaks[0].Reason != LeakStale || leaks[1].Reason != LeakOwnerGone {
		t.Errorf("reasons = %s, %s", leaks[0].Reason, leaks[1].Reason)
	}

	// Reported only.
	if s := m.Stats(); s.Live != 3 {
		t.Errorf("live = %d, want 3", s.Live)
	}

	stats := m.ForceRelease(context.Background(), lost)
	if stats.Cleaned != 1 {
		t.Errorf("ForceRelease = %+v", stats)
	}
}

func TestScope(t *testing.T) {
	m := NewManager(Config{})
	scope := m.Scope(testOwner)

	id, err := scope.Register(context.Background(), KindDMABuffer, 2048, "ring", nil)
	if err != nil {
		t.Fatal(err)
	}
	rec, _ := m.Get(id)
	if rec.Owner != testOwner || rec.Kind != KindDMABuffer {
		t.Errorf("record = %+v", rec)
	}

	var detached Scope
	if _, err := detached.Register(context.Background(), KindMemory, 0, "", nil); !errors.Is(err, ErrDetachedScope) {
		t.Errorf("detached Register = %v", err)
	}
	if _, err := m.Register(context.Background(), Owner{DriverID: "x"}, KindMemory, 0, "", nil); !errors.Is(err, ErrInvalidOwner) {
		t.Errorf("Register without device = %v", err)
	}
}

func TestConcurrentReferences(t *testing.T) {
	m := NewManager(Config{})
	calls := 0
	var mu sync.Mutex
	id := mustRegister(t, m, testOwner, 8, func(context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.AddReference(id); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 51; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.RemoveReference(id)
			m.ExecuteCleanup(context.Background())
		}()
	}
	wg.Wait()
	m.ExecuteCleanup(context.Background())

	if calls != 1 {
		t.Errorf("cleanup ran %d times, want 1", calls)
	}
}

func TestParseKind(t *testing.T) {
	for k := KindMemory; k <= KindThread; k++ {
		got, ok := ParseKind(k.String())
		if !ok || got != k {
			t.Errorf("ParseKind(%q) = %v, %v", k.String(), got, ok)
		}
	}
	if k, ok := ParseKind("dma_buffer"); !ok || k != KindDMABuffer {
		t.Errorf("ParseKind is case-sensitive")
	}
	if _, ok := ParseKind("gpu"); ok {
		t.Error("ParseKind accepted an unknown kind")
	}
}
