// ABOUTME: Per-session keyed locks so concurrent turns on one session serialize.
// ABOUTME: Idle lock entries are swept on a TTL to keep the table bounded.

package session

import (
	"sync"
	"time"
)

// lockEntry is one session's mutex plus bookkeeping for eviction.
type lockEntry struct {
	mu       sync.Mutex
	refs     int       // holders plus waiters; guarded by lockTable.mu
	lastUsed time.Time // guarded by lockTable.mu
}

// lockTable hands out one mutex per session id. Entries with no holders or
// waiters are evicted after sitting idle for the TTL, so the table stays
// proportional to recently-active sessions rather than all sessions ever
// seen.
type lockTable struct {
	mu     sync.Mutex
	locks  map[string]*lockEntry
	ttl    time.Duration
	done   chan struct{}
	closed bool
}

// newLockTable creates a lock table and starts its background sweeper.
func newLockTable(ttl time.Duration) *lockTable {
	t := &lockTable{
		locks: make(map[string]*lockEntry),
		ttl:   ttl,
		done:  make(chan struct{}),
	}
	go t.sweep()
	return t
}

// acquire blocks until the caller holds the lock for key and returns the
// release function. Entries are refcounted so the sweeper never evicts a
// lock somebody is holding or waiting on.
func (t *lockTable) acquire(key string) func() {
	t.mu.Lock()
	entry, ok := t.locks[key]
	if !ok {
		entry = &lockEntry{}
		t.locks[key] = entry
	}
	entry.refs++
	t.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		t.mu.Lock()
		entry.refs--
		entry.lastUsed = time.Now()
		t.mu.Unlock()
	}
}

// sweep periodically drops idle entries.
func (t *lockTable) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.runSweep()
		case <-t.done:
			return
		}
	}
}

// runSweep removes every entry with no holders or waiters that has been
// idle past the TTL.
func (t *lockTable) runSweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for key, entry := range t.locks {
		if entry.refs == 0 && now.Sub(entry.lastUsed) > t.ttl {
			delete(t.locks, key)
		}
	}
}

// size reports the current entry count. Used by tests.
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// close stops the background sweeper. Safe to call multiple times.
func (t *lockTable) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		close(t.done)
		t.closed = true
	}
}
