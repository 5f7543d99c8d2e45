// Package locks provides mutual exclusion keyed by entity id.
package locks

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{} // holds one token while locked
	refs int
}

// MultiMutex is a set of mutexes keyed by id. Locking one key never blocks
// another. Entries are dropped once nobody holds or waits on them.
type MultiMutex struct {
	mu      sync.Mutex
	entries map[int64]*entry
}

// New creates an empty MultiMutex.
func New() *MultiMutex {
	return &MultiMutex{entries: make(map[int64]*entry)}
}

func (m *MultiMutex) acquire(key int64) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *MultiMutex) release(key int64, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// Lock blocks until the key is free or ctx is done. A second caller for the
// same key waits; it does not fail.
func (m *MultiMutex) Lock(ctx context.Context, key int64) error {
	e := m.acquire(key)
	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.release(key, e)
		return ctx.Err()
	}
}

// TryLock takes the key only if it is free.
func (m *MultiMutex) TryLock(key int64) bool {
	e := m.acquire(key)
	select {
	case e.ch <- struct{}{}:
		return true
	default:
		m.release(key, e)
		return false
	}
}

// Unlock releases a key taken by Lock or TryLock.
func (m *MultiMutex) Unlock(key int64) {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		panic("locks: unlock of unlocked key")
	}
	select {
	case <-e.ch:
	default:
		panic("locks: unlock of unlocked key")
	}
	m.release(key, e)
}

// IsLocked reports whether the key is currently held.
func (m *MultiMutex) IsLocked(key int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return ok && len(e.ch) > 0
}
