// Package keylock provides mutual exclusion keyed by string, with waits that
// honor context cancellation.
package keylock

import (
	"context"
	"sync"
)

// Map hands out one lock per key. The zero value is ready to use.
// A key's entry lives while a caller holds or waits for it.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// Lock acquires the lock for key, or returns ctx.Err() if ctx is done first.
// The returned function releases the lock.
func (m *Map) Lock(ctx context.Context, key string) (func(), error) {
	e := m.ref(key)
	select {
	case e.ch <- struct{}{}:
		return m.releaser(key, e), nil
	case <-ctx.Done():
		m.unref(key, e)
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key without waiting.
func (m *Map) TryLock(key string) (func(), bool) {
	e := m.ref(key)
	select {
	case e.ch <- struct{}{}:
		return m.releaser(key, e), true
	default:
		m.unref(key, e)
		return nil, false
	}
}

// Len returns the number of keys held or waited for.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *Map) releaser(key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.unref(key, e)
		})
	}
}

func (m *Map) ref(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]*entry)
	}
	e, ok := m.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *Map) unref(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 && m.locks[key] == e {
		delete(m.locks, key)
	}
}
