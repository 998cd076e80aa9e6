package recovery

import (
	"math"
	"testing"
	"time"

	"github.com/drvkit/drvkit-go/pkg/device"
)

func TestSmoothingHalfLife(t *testing.T) {
	now := time.Now()
	tbl := newPatternTable(50, 8, 0, 1, 3)
	key := PatternKey{Category: CategoryTimeout, Class: device.ClassInput}

	for range 50 {
		tbl.observe(key, StrategyResetDevice, false, now)
	}
	p, ok := tbl.get(key)
	if !ok {
		t.Fatal("pattern not created")
	}
	if got := p.Probability(StrategyResetDevice); math.Abs(got-0.225) > 1e-9 {
		t.Errorf("probability after one half-life = %v, want 0.225", got)
	}
	if got := p.Strategies[StrategyResetDevice].Attempts; got != 50 {
		t.Errorf("attempts = %d, want 50", got)
	}
}

func TestPatternTableLRU(t *testing.T) {
	start := time.Now()
	tbl := newPatternTable(50, 2, time.Hour, 1, 3)
	a := PatternKey{Category: CategoryTimeout}
	b := PatternKey{Category: CategoryHardware}
	c := PatternKey{Category: CategoryProtocolViolation}

	tbl.touch(a, start)
	tbl.touch(b, start.Add(time.Second))
	tbl.touch(a, start.Add(2*time.Second))
	tbl.touch(c, start.Add(40*time.Minute))

	if _, ok := tbl.get(b); ok {
		t.Error("least recently used pattern should be evicted")
	}
	if _, ok := tbl.get(a); !ok {
		t.Error("recently used pattern evicted")
	}
	if n := tbl.len(); n != 2 {
		t.Errorf("len = %d, want 2", n)
	}

	if n := tbl.expire(start.Add(90 * time.Minute)); n != 1 {
		t.Errorf("expired %d patterns, want 1", n)
	}
	if _, ok := tbl.get(c); !ok {
		t.Error("pattern used within TTL expired")
	}
}

func TestIsolateNotLearned(t *testing.T) {
	tbl := newPatternTable(50, 8, 0, 1, 3)
	key := PatternKey{Category: CategoryHardware}
	tbl.observe(key, StrategyIsolateDevice, true, time.Now())
	if _, ok := tbl.get(key); ok {
		t.Error("isolation must not create pattern state")
	}
}

func TestRestoreClampsBudget(t *testing.T) {
	tbl := newPatternTable(50, 8, 0, 1, 3)
	key := PatternKey{Category: CategoryTimeout}
	tbl.restore([]Pattern{{Key: key, RetryBudget: 9}})

	p, _ := tbl.get(key)
	if p.RetryBudget != 3 {
		t.Errorf("budget = %d, want 3", p.RetryBudget)
	}
	if p.Probability(StrategyRetry) != priors[StrategyRetry] {
		t.Error("missing strategies should start from priors")
	}
}
