package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrTimeout means a lock could not be acquired within the wait bound; the
// event must fail closed.
var ErrTimeout = errors.New("session: lock wait timeout")

// lockTable is a registry of per-key mutual-exclusion domains. Entries are
// created on demand and removed when the last waiter releases, so lock
// lifetime never leaks into entity lifetime.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{entries: make(map[string]*lockEntry)}
}

func (t *lockTable) retain(key string) *lockEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		t.entries[key] = e
	}
	e.refs++
	return e
}

func (t *lockTable) release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

// acquire takes every key in sorted order within the timeout and returns a
// release function. Deterministic ordering prevents deadlock between two
// events referencing the same pair of resources in opposite order.
func (t *lockTable) acquire(ctx context.Context, timeout time.Duration, keys ...string) (func(), error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var held []string
	releaseHeld := func() {
		for i := len(held) - 1; i >= 0; i-- {
			key := held[i]
			t.mu.Lock()
			e := t.entries[key]
			t.mu.Unlock()
			<-e.sem
			t.release(key)
		}
	}

	for _, key := range sorted {
		e := t.retain(key)
		select {
		case e.sem <- struct{}{}:
			held = append(held, key)
		case <-deadline.C:
			t.release(key)
			releaseHeld()
			return nil, ErrTimeout
		case <-ctx.Done():
			t.release(key)
			releaseHeld()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(releaseHeld) }, nil
}
