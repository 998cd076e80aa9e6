package keylock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSerializesPerKey(t *testing.T) {
	var m Map
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), "usb:1-2")
			require.NoError(t, err)
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestLockHonorsContext(t *testing.T) {
	var m Map
	unlock, err := m.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, ok := m.TryLock("b")
	require.True(t, ok)
	other()

	_, ok = m.TryLock("a")
	assert.False(t, ok)
}

func TestReleasedKeysAreDropped(t *testing.T) {
	var m Map
	unlock, err := m.Lock(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())

	unlock()
	unlock()
	assert.Equal(t, 0, m.Len())

	_, ok := m.TryLock("a")
	require.True(t, ok)
	_, ok = m.TryLock("a")
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())
}

func TestWaiterKeepsKeyAcrossRelease(t *testing.T) {
	var m Map
	unlock, err := m.Lock(context.Background(), "a")
	require.NoError(t, err)

	acquired := make(chan func())
	go func() {
		u, err := m.Lock(context.Background(), "a")
		if err != nil {
			close(acquired)
			return
		}
		acquired <- u
	}()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.locks["a"] != nil && m.locks["a"].refs == 2
	}, time.Second, time.Millisecond)

	// The holder leaves while the waiter has the entry but has not sent yet.
	unlock()
	waiter, ok := <-acquired
	require.True(t, ok)

	_, ok = m.TryLock("a")
	assert.False(t, ok, "a new caller must share the waiter's lock")

	waiter()
	assert.Equal(t, 0, m.Len())
}

func TestCancelledWaiterDropsItsReference(t *testing.T) {
	var m Map
	unlock, err := m.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Equal(t, 0, m.Len())
}
