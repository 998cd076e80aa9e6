package recovery_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/drvkit/drvkit-go/pkg/device"
	"github.com/drvkit/drvkit-go/pkg/recovery"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// scriptedActions returns a configured error per strategy and logs calls.
type scriptedActions struct {
	mu    sync.Mutex
	errs  map[recovery.Strategy]error
	calls []recovery.Strategy
}

func (a *scriptedActions) Execute(_ context.Context, s recovery.Strategy, _ recovery.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, s)
	return a.errs[s]
}

func (a *scriptedActions) Calls() []recovery.Strategy {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]recovery.Strategy(nil), a.calls...)
}

func newManager(t *testing.T, actions recovery.Actions, clk *clock) *recovery.Manager {
	t.Helper()
	m, err := recovery.NewManager(recovery.Config{Actions: actions, Now: clk.Now})
	require.NoError(t, err)
	return m
}

func timeout(dev string) recovery.Report {
	return recovery.Report{DeviceID: dev, DriverID: "hid", Class: device.ClassInput, Kind: "transfer timeout"}
}

func strategies(rec recovery.Record) []recovery.Strategy {
	var out []recovery.Strategy
	for _, a := range rec.Attempts {
		out = append(out, a.Strategy)
	}
	return out
}

func TestRecurringFaultEscalates(t *testing.T) {
	clk := newClock()
	actions := &scriptedActions{}
	m := newManager(t, actions, clk)
	ctx := context.Background()

	first, err := m.Report(ctx, timeout("usb:1-2"))
	require.NoError(t, err)
	assert.Equal(t, recovery.CategoryTimeout, first.Category)
	assert.Equal(t, recovery.SeverityWarning, first.Severity)

	clk.Advance(300 * time.Millisecond)
	second, err := m.Report(ctx, timeout("usb:1-2"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	clk.Advance(300 * time.Millisecond)
	third, err := m.Report(ctx, timeout("usb:1-2"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)

	assert.Equal(t, []recovery.Strategy{
		recovery.StrategyRetry,
		recovery.StrategyResetDevice,
		recovery.StrategyReloadModule,
	}, actions.Calls())

	clk.Advance(2 * time.Second)
	closed := m.Sweep(clk.Now())
	require.Len(t, closed, 1)

	rec := closed[0]
	assert.Equal(t, first.ID, rec.ID)
	assert.Equal(t, recovery.StatusResolved, rec.Status)
	assert.Equal(t, 3, rec.Occurrences)
	require.Len(t, rec.Attempts, 3)
	assert.Equal(t, recovery.OutcomeFailed, rec.Attempts[0].Outcome)
	assert.Equal(t, recovery.OutcomeFailed, rec.Attempts[1].Outcome)
	assert.Equal(t, recovery.OutcomeSucceeded, rec.Attempts[2].Outcome)

	_, open := m.OpenRecord("usb:1-2")
	assert.False(t, open)

	p, ok := m.Pattern(recovery.PatternKey{Category: recovery.CategoryTimeout, Class: device.ClassInput})
	require.True(t, ok)
	assert.Less(t, p.Probability(recovery.StrategyRetry), 0.5)
	assert.Less(t, p.Probability(recovery.StrategyResetDevice), 0.45)
	assert.Greater(t, p.Probability(recovery.StrategyReloadModule), 0.4)
	assert.Equal(t, uint64(1), p.Strategies[recovery.StrategyReloadModule].Successes)
}

func TestFailingActionsIsolate(t *testing.T) {
	clk := newClock()
	boom := errors.New("boom")
	actions := &scriptedActions{errs: map[recovery.Strategy]error{
		recovery.StrategyRetry:          boom,
		recovery.StrategyResetDevice:    boom,
		recovery.StrategyReloadModule:   boom,
		recovery.StrategyFallbackDriver: recovery.ErrStrategyNotApplicable,
	}}
	var closedCount atomic.Int32
	m, err := recovery.NewManager(recovery.Config{
		Actions: actions,
		Now:     clk.Now,
		OnClose: func(recovery.Record) { closedCount.Add(1) },
	})
	require.NoError(t, err)

	rec, err := m.Report(context.Background(), recovery.Report{DeviceID: "pci:0000:00:1f.2", Kind: "parity error"})
	require.NoError(t, err)

	assert.Equal(t, recovery.CategoryHardware, rec.Category)
	assert.Equal(t, recovery.StatusFatal, rec.Status)
	assert.Equal(t, recovery.SeverityFatal, rec.Severity)
	assert.Equal(t, []recovery.Strategy{
		recovery.StrategyRetry,
		recovery.StrategyResetDevice,
		recovery.StrategyReloadModule,
		recovery.StrategyFallbackDriver,
		recovery.StrategyIsolateDevice,
	}, strategies(rec))
	assert.Equal(t, recovery.OutcomeSkipped, rec.Attempts[3].Outcome)
	assert.Equal(t, int32(1), closedCount.Load())

	assert.ErrorIs(t, m.Annotate(rec.ID, "late note"), recovery.ErrRecordClosed)
	_, err = m.Close(rec.ID, recovery.StatusResolved)
	assert.ErrorIs(t, err, recovery.ErrRecordClosed)

	p, ok := m.Pattern(recovery.PatternKey{Category: recovery.CategoryHardware, Class: ""})
	require.True(t, ok)
	assert.Equal(t, uint64(0), p.Strategies[recovery.StrategyFallbackDriver].Attempts)
	assert.Equal(t, 0, p.RetryBudget)

	hints := m.ContextualHints(rec)
	assert.Contains(t, hints, "Check hardware connections")
	assert.Contains(t, hints, "Retries are exhausted for this fault pattern")
}

func TestDeviceGoneCancelsRecord(t *testing.T) {
	clk := newClock()
	actions := &scriptedActions{errs: map[recovery.Strategy]error{
		recovery.StrategyRetry:       errors.New("still stalled"),
		recovery.StrategyResetDevice: fmt.Errorf("%w: usb:1-2 during RESET_DEVICE", recovery.ErrDeviceGone),
	}}
	var closed []recovery.Record
	m, err := recovery.NewManager(recovery.Config{
		Actions: actions,
		Now:     clk.Now,
		OnClose: func(rec recovery.Record) { closed = append(closed, rec) },
	})
	require.NoError(t, err)

	rec, err := m.Report(context.Background(), timeout("usb:1-2"))
	require.NoError(t, err)
	assert.Equal(t, recovery.StatusCancelled, rec.Status)
	assert.NotEqual(t, recovery.SeverityFatal, rec.Severity)
	assert.Equal(t, []recovery.Strategy{recovery.StrategyRetry, recovery.StrategyResetDevice}, actions.Calls())
	assert.Equal(t, recovery.OutcomeAborted, rec.Attempts[1].Outcome)
	require.Len(t, closed, 1)
	assert.Equal(t, recovery.StatusCancelled, closed[0].Status)

	_, open := m.OpenRecord("usb:1-2")
	assert.False(t, open)

	p, ok := m.Pattern(recovery.PatternKey{Category: recovery.CategoryTimeout, Class: device.ClassInput})
	require.True(t, ok)
	assert.Equal(t, uint64(1), p.Strategies[recovery.StrategyRetry].Attempts)
	assert.Equal(t, uint64(0), p.Strategies[recovery.StrategyResetDevice].Attempts, "aborted attempt is not learned")

	st := m.Stats()
	assert.Equal(t, uint64(1), st.Cancelled)
	assert.Equal(t, uint64(0), st.Fatal)
	assert.Equal(t, uint64(0), st.Resolved)
}

func TestRetryBudgetAdapts(t *testing.T) {
	clk := newClock()
	actions := &scriptedActions{errs: map[recovery.Strategy]error{
		recovery.StrategyRetry: errors.New("still stalled"),
	}}
	m := newManager(t, actions, clk)
	ctx := context.Background()
	key := recovery.PatternKey{Category: recovery.CategoryTimeout, Class: device.ClassInput}

	first, err := m.Report(ctx, timeout("usb:1-2"))
	require.NoError(t, err)
	assert.Equal(t, []recovery.Strategy{recovery.StrategyRetry, recovery.StrategyResetDevice}, strategies(first))

	p, _ := m.Pattern(key)
	assert.Equal(t, 0, p.RetryBudget)

	// The recurrence escalates without repeating Retry.
	clk.Advance(300 * time.Millisecond)
	second, err := m.Report(ctx, timeout("usb:1-2"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []recovery.Strategy{
		recovery.StrategyRetry,
		recovery.StrategyResetDevice,
		recovery.StrategyReloadModule,
	}, strategies(second))

	clk.Advance(2 * time.Second)
	require.Len(t, m.Sweep(clk.Now()), 1)

	p, _ = m.Pattern(key)
	assert.Equal(t, 1, p.RetryBudget, "resolution grows the budget")

	clk.Advance(5 * time.Second)
	third, err := m.Report(ctx, timeout("usb:1-2"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
	assert.Equal(t, recovery.StrategyRetry, third.Attempts[0].Strategy)
}

func TestReportsSerializedPerDevice(t *testing.T) {
	var inflight, peak atomic.Int32
	actions := recovery.ActionsFunc(func(context.Context, recovery.Strategy, recovery.Record) error {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inflight.Add(-1)
		return nil
	})
	m, err := recovery.NewManager(recovery.Config{Actions: actions})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Report(context.Background(), timeout("usb:1-2"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, uint64(8), m.Stats().Reports)
}

func TestReportWithoutDevice(t *testing.T) {
	m := newManager(t, &scriptedActions{}, newClock())
	_, err := m.Report(context.Background(), recovery.Report{Kind: "timeout"})
	assert.ErrorIs(t, err, recovery.ErrMissingDevice)
}

func TestPanickingActionCountsAsFailure(t *testing.T) {
	calls := 0
	actions := recovery.ActionsFunc(func(_ context.Context, s recovery.Strategy, _ recovery.Record) error {
		calls++
		if s == recovery.StrategyRetry {
			panic("driver exploded")
		}
		return nil
	})
	m := newManager(t, actions, newClock())

	rec, err := m.Report(context.Background(), timeout("usb:1-2"))
	require.NoError(t, err)
	require.Len(t, rec.Attempts, 2)
	assert.Contains(t, rec.Attempts[0].Err, "panicked")
	assert.Equal(t, recovery.OutcomeSucceeded, rec.Attempts[1].Outcome)
	assert.Equal(t, 2, calls)
}

func TestSnapshotRestore(t *testing.T) {
	clk := newClock()
	m := newManager(t, &scriptedActions{}, clk)
	_, err := m.Report(context.Background(), timeout("usb:1-2"))
	require.NoError(t, err)
	clk.Advance(2 * time.Second)
	m.Sweep(clk.Now())

	snap := m.Snapshot()
	require.Len(t, snap, 1)

	restored := newManager(t, &scriptedActions{}, clk)
	restored.Restore(snap)
	assert.Equal(t, snap, restored.Snapshot())
	assert.Equal(t, 1, restored.Stats().Patterns)
}

func TestStats(t *testing.T) {
	clk := newClock()
	m := newManager(t, &scriptedActions{}, clk)
	ctx := context.Background()

	_, err := m.Report(ctx, timeout("usb:1-2"))
	require.NoError(t, err)
	_, err = m.Report(ctx, timeout("usb:1-2"))
	require.NoError(t, err)

	s := m.Stats()
	assert.Equal(t, uint64(2), s.Reports)
	assert.Equal(t, uint64(1), s.Records)
	assert.Equal(t, 1, s.Open)
	assert.Equal(t, uint64(2), s.Attempts)
	assert.Equal(t, uint64(1), s.Successes)
	assert.InDelta(t, 0.5, s.SuccessRate, 1e-9)
}

func TestReportSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(rec))
	m, err := recovery.NewManager(recovery.Config{Actions: &scriptedActions{}, TracerProvider: tp})
	require.NoError(t, err)

	_, err = m.Report(context.Background(), timeout("usb:1-2"))
	require.NoError(t, err)

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"recovery.Attempt", "recovery.Report"}, names)
}

func TestClassify(t *testing.T) {
	tests := map[string]recovery.Category{
		"transfer timeout":       recovery.CategoryTimeout,
		"out of DMA buffers":     recovery.CategoryResourceExhaustion,
		"CRC mismatch":           recovery.CategoryProtocolViolation,
		"PCIe parity error":      recovery.CategoryHardware,
		"something odd happened": recovery.CategoryUnknown,
	}
	for kind, want := range tests {
		assert.Equal(t, want, recovery.Classify(kind), kind)
	}
}
