package scocache

import (
	"sync/atomic"

	"github.com/volumerouter/volumerouter/pkg/scotypes"
)

// namespaceEntry pairs a cached SCO with its blocked state. An entry is
// blocked while it is reserved for an in-flight fetch from the blob
// backend; reads must treat a blocked entry as a transient failure
// rather than handing out a half-written file.
type namespaceEntry struct {
	sco     *CachedSCO
	blocked atomic.Bool
}

func (e *namespaceEntry) IsBlocked() bool    { return e.blocked.Load() }
func (e *namespaceEntry) SetBlocked(b bool)  { e.blocked.Store(b) }
func (e *namespaceEntry) SCO() *CachedSCO    { return e.sco }

// Namespace is the per-volume view inside the cache: the set of
// {sco-name -> entry}, the min-size and max-non-disposable reservation,
// and the choking flag consulted by the frontend's write-throttle path.
//
// Namespace is not safe for unsynchronized concurrent use; all access
// goes through SCOCache's map lock.
type Namespace struct {
	Name scotypes.NSpace

	minSize          uint64
	maxNonDisposable uint64
	choking          atomic.Bool

	entries map[scotypes.SCOName]*namespaceEntry
}

// NewNamespace creates an empty namespace with the given reservations.
func NewNamespace(name scotypes.NSpace, min, maxNonDisposable uint64) *Namespace {
	return &Namespace{
		Name:             name,
		minSize:          min,
		maxNonDisposable: maxNonDisposable,
		entries:          make(map[scotypes.SCOName]*namespaceEntry),
	}
}

func (n *Namespace) MinSize() uint64             { return n.minSize }
func (n *Namespace) MaxNonDisposableSize() uint64 { return n.maxNonDisposable }
func (n *Namespace) IsChoking() bool             { return n.choking.Load() }
func (n *Namespace) SetChoking(v bool)           { n.choking.Store(v) }

func (n *Namespace) SetLimits(min, max uint64) {
	n.minSize = min
	n.maxNonDisposable = max
}

// Find returns the entry for sco, or nil if absent.
func (n *Namespace) Find(sco scotypes.SCOName) *namespaceEntry {
	return n.entries[sco]
}

// Insert adds a new entry for sco, initially blocked per the caller's
// choice. Duplicate names within a namespace are rejected by the
// caller (SCOCache.CreateSCO / GetSCO) before reaching here.
func (n *Namespace) Insert(sco *CachedSCO, blocked bool) *namespaceEntry {
	e := &namespaceEntry{sco: sco}
	e.blocked.Store(blocked)
	n.entries[sco.Name] = e
	return e
}

// Erase removes the entry for name, if present.
func (n *Namespace) Erase(name scotypes.SCOName) {
	delete(n.entries, name)
}

// Len reports the number of entries.
func (n *Namespace) Len() int { return len(n.entries) }

// Entries iterates all entries; f returning false stops iteration.
func (n *Namespace) Entries(f func(*namespaceEntry) bool) {
	for _, e := range n.entries {
		if !f(e) {
			return
		}
	}
}
