package localnode

import (
	"sync"

	"github.com/volumerouter/volumerouter/pkg/scotypes"
)

// objectLock is one entry in the lock table: a shared-mode lock plus a
// reference count separate from the map's own reference, so the reaper
// can tell a lock that's only referenced by the map itself (safe to
// drop) from one a live caller is still holding.
type objectLock struct {
	mu  sync.RWMutex
	ref int
}

// lockTable is an empty-on-demand map from object id to a per-object
// rwlock. A reaper periodically rebuilds the map, keeping only locks
// whose reference count (callers holding or waiting, not counting the
// map itself) is above zero, so the map doesn't grow without bound
// across the lifetime of a busy node.
type lockTable struct {
	mu    sync.Mutex
	locks map[scotypes.ObjectID]*objectLock
}

func newLockTable() lockTable {
	return lockTable{locks: make(map[scotypes.ObjectID]*objectLock)}
}

func (t *lockTable) get(id scotypes.ObjectID) *objectLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = &objectLock{}
		t.locks[id] = l
	}
	l.ref++
	return l
}

func (t *lockTable) release(id scotypes.ObjectID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.locks[id]; ok {
		l.ref--
	}
}

// rlock acquires the object's lock in shared mode (data operations:
// read, write, sync, get-size) and returns a function that releases it.
func (t *lockTable) rlock(id scotypes.ObjectID) func() {
	l := t.get(id)
	l.mu.RLock()
	return func() {
		l.mu.RUnlock()
		t.release(id)
	}
}

// lock acquires the object's lock in exclusive mode (lifecycle
// operations: resize, unlink, create, clone, restart, transfer,
// set-as-template, snapshot-rollback, snapshot-delete).
func (t *lockTable) lock(id scotypes.ObjectID) func() {
	l := t.get(id)
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.release(id)
	}
}

// reap rebuilds the map, dropping every entry whose only remaining
// reference is the map's own - i.e. nothing is currently holding or
// waiting on that lock.
func (t *lockTable) reap() {
	t.mu.Lock()
	defer t.mu.Unlock()
	fresh := make(map[scotypes.ObjectID]*objectLock, len(t.locks))
	for id, l := range t.locks {
		if l.ref > 0 {
			fresh[id] = l
		}
	}
	t.locks = fresh
}
