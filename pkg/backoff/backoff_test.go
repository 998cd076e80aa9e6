package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	t.Run("GrowsToMax", func(t *testing.T) {
		b := New(Config{Initial: 100 * time.Millisecond, Max: time.Second, Jitter: -1})

		expected := []time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			400 * time.Millisecond,
			800 * time.Millisecond,
			time.Second,
			time.Second,
		}
		for i, exp := range expected {
			if got := b.Next(); got != exp {
				t.Errorf("attempt %d: got %v, want %v", i, got, exp)
			}
		}
		if b.Attempts() != len(expected) {
			t.Errorf("Attempts() = %d, want %d", b.Attempts(), len(expected))
		}
	})

	t.Run("JitterBounds", func(t *testing.T) {
		b := New(Config{Initial: time.Second, Jitter: 0.25, Seed: 7})

		for i := 0; i < 20; i++ {
			s := b.Peek()
			if s < time.Second || s > 1250*time.Millisecond {
				t.Fatalf("sample %d: %v outside [1s, 1.25s]", i, s)
			}
		}
	})

	t.Run("Reset", func(t *testing.T) {
		b := New(Config{Initial: 50 * time.Millisecond, Jitter: -1})
		b.Next()
		b.Next()

		b.Reset()
		if b.Current() != 50*time.Millisecond || b.Attempts() != 0 {
			t.Errorf("after Reset: current=%v attempts=%d", b.Current(), b.Attempts())
		}
	})

	t.Run("Defaults", func(t *testing.T) {
		b := New(Config{})
		if b.Current() != DefaultInitial {
			t.Errorf("Current() = %v, want %v", b.Current(), DefaultInitial)
		}
	})
}

func TestWaitHonorsContext(t *testing.T) {
	b := New(Config{Initial: time.Hour, Jitter: -1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := b.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() = %v, want context.Canceled", err)
	}
}

func TestSequence(t *testing.T) {
	seq := Sequence(Config{Initial: time.Second, Max: 60 * time.Second})

	if len(seq) != 7 {
		t.Errorf("Sequence has %d elements, want 7: %v", len(seq), seq)
	}
	if seq[0] != time.Second {
		t.Errorf("first = %v, want 1s", seq[0])
	}
	if seq[len(seq)-1] != 60*time.Second {
		t.Errorf("last = %v, want 60s", seq[len(seq)-1])
	}
}
