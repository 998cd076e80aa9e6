package recovery

import (
	"math"
	"sync"
	"time"

	"github.com/drvkit/drvkit-go/pkg/device"
)

// Pattern defaults.
const (
	DefaultHalfLife    = 50
	DefaultMaxPatterns = 256
	DefaultPatternTTL  = 24 * time.Hour
)

// priors are the initial success probabilities, in ranking order.
var priors = map[Strategy]float64{
	StrategyRetry:          0.5,
	StrategyResetDevice:    0.45,
	StrategyReloadModule:   0.4,
	StrategyFallbackDriver: 0.35,
}

// PatternKey is the signature a pattern is learned for.
type PatternKey struct {
	Category Category
	Class    device.Class
}

func (k PatternKey) String() string {
	return k.Category.String() + "/" + string(k.Class)
}

// StrategyStats is the learned state of one strategy within a pattern.
type StrategyStats struct {
	Probability float64 `json:"probability"`
	Attempts    uint64  `json:"attempts"`
	Successes   uint64  `json:"successes"`
}

// Pattern is the learned recovery behavior for a signature.
type Pattern struct {
	Key         PatternKey                 `json:"key"`
	Strategies  map[Strategy]StrategyStats `json:"strategies"`
	RetryBudget int                        `json:"retry_budget"`
	Occurrences uint64                     `json:"occurrences"`
	LastUsed    time.Time                  `json:"last_used"`
}

func newPattern(key PatternKey, budget int, now time.Time) *Pattern {
	p := &Pattern{
		Key:         key,
		Strategies:  make(map[Strategy]StrategyStats, len(priors)),
		RetryBudget: budget,
		LastUsed:    now,
	}
	for s, prob := range priors {
		p.Strategies[s] = StrategyStats{Probability: prob}
	}
	return p
}

// Probability returns the learned success probability of s.
func (p *Pattern) Probability(s Strategy) float64 {
	return p.Strategies[s].Probability
}

// Best returns the strategy with the highest learned probability.
func (p *Pattern) Best() (Strategy, StrategyStats) {
	best := rankedStrategies[0]
	for _, s := range rankedStrategies[1:] {
		if p.Strategies[s].Probability > p.Strategies[best].Probability {
			best = s
		}
	}
	return best, p.Strategies[best]
}

func (p *Pattern) clone() Pattern {
	c := *p
	c.Strategies = make(map[Strategy]StrategyStats, len(p.Strategies))
	for s, st := range p.Strategies {
		c.Strategies[s] = st
	}
	return c
}

// smoothing returns the EWMA weight for a half-life measured in attempts.
func smoothing(halfLife int) float64 {
	return 1 - math.Pow(2, -1/float64(halfLife))
}

// patternTable is a bounded LRU of patterns with idle expiry.
type patternTable struct {
	mu       sync.Mutex
	alpha    float64
	max      int
	ttl      time.Duration
	budget   int
	maxRetry int
	entries  map[PatternKey]*Pattern
}

func newPatternTable(halfLife, max int, ttl time.Duration, budget, maxRetry int) *patternTable {
	return &patternTable{
		alpha:    smoothing(halfLife),
		max:      max,
		ttl:      ttl,
		budget:   budget,
		maxRetry: maxRetry,
		entries:  make(map[PatternKey]*Pattern),
	}
}

// touch returns the pattern for key, creating it and evicting the least
// recently used entry when the table is full.
func (t *patternTable) touch(key PatternKey, now time.Time) Pattern {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.entries[key]
	if !ok {
		if len(t.entries) >= t.max {
			t.evictLRULocked()
		}
		p = newPattern(key, t.budget, now)
		t.entries[key] = p
	}
	p.Occurrences++
	p.LastUsed = now
	return p.clone()
}

func (t *patternTable) evictLRULocked() {
	var (
		victim PatternKey
		oldest time.Time
		found  bool
	)
	for k, p := range t.entries {
		if !found || p.LastUsed.Before(oldest) {
			victim, oldest, found = k, p.LastUsed, true
		}
	}
	if found {
		delete(t.entries, victim)
	}
}

// observe folds one attempt outcome into the pattern.
func (t *patternTable) observe(key PatternKey, s Strategy, success bool, now time.Time) {
	if s == StrategyIsolateDevice {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.entries[key]
	if !ok {
		p = newPattern(key, t.budget, now)
		if len(t.entries) >= t.max {
			t.evictLRULocked()
		}
		t.entries[key] = p
	}
	st := p.Strategies[s]
	x := 0.0
	if success {
		x = 1
		st.Successes++
	}
	st.Attempts++
	st.Probability += t.alpha * (x - st.Probability)
	p.Strategies[s] = st
	p.LastUsed = now

	if s == StrategyRetry && !success && p.RetryBudget > 0 {
		p.RetryBudget--
	}
}

// resolved grows the retry budget of key after a record closes healthy.
func (t *patternTable) resolved(key PatternKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.entries[key]; ok && p.RetryBudget < t.maxRetry {
		p.RetryBudget++
	}
}

func (t *patternTable) get(key PatternKey) (Pattern, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[key]
	if !ok {
		return Pattern{}, false
	}
	return p.clone(), true
}

// expire drops patterns idle for longer than the TTL.
func (t *patternTable) expire(now time.Time) int {
	if t.ttl <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, p := range t.entries {
		if now.Sub(p.LastUsed) > t.ttl {
			delete(t.entries, k)
			n++
		}
	}
	return n
}

func (t *patternTable) snapshot() []Pattern {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Pattern, 0, len(t.entries))
	for _, p := range t.entries {
		out = append(out, p.clone())
	}
	return out
}

func (t *patternTable) restore(patterns []Pattern) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range patterns {
		c := p.clone()
		for s, prob := range priors {
			if _, ok := c.Strategies[s]; !ok {
				c.Strategies[s] = StrategyStats{Probability: prob}
			}
		}
		c.RetryBudget = min(max(c.RetryBudget, 0), t.maxRetry)
		if _, ok := t.entries[c.Key]; !ok && len(t.entries) >= t.max {
			t.evictLRULocked()
		}
		t.entries[c.Key] = &c
	}
}

func (t *patternTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
