package scocache

import (
	"math"
	"sync/atomic"

	"github.com/volumerouter/volumerouter/pkg/scotypes"
)

// CachedSCO is the entity owned by a mountpoint for one SCO: its path,
// namespace, size, disposability, and access weight. Size is fixed at
// creation; it never changes for the life of the object.
//
// The C++ original ties the disposable flag to the file's sticky bit so
// that a crash-restarted process can tell which SCOs are safely
// evictable just from a directory scan. This port keeps that invariant
// explicit (see SetDisposable) rather than deriving it implicitly,
// since the in-memory representation has no filesystem stat to fall
// back on.
type CachedSCO struct {
	Path       string
	NSpace     scotypes.NSpace
	Name       scotypes.SCOName
	Size       int64
	Mountpoint *Mountpoint

	disposable         atomic.Bool
	scheduledForUnlink atomic.Bool
	refCount           atomic.Int64
	weightBits         atomic.Uint64 // float64 bits, access weight (xval)
}

// NewCachedSCO creates a new cached SCO record. Size must be > 0.
func NewCachedSCO(path string, ns scotypes.NSpace, name scotypes.SCOName, size int64, mp *Mountpoint) *CachedSCO {
	sco := &CachedSCO{
		Path:       path,
		NSpace:     ns,
		Name:       name,
		Size:       size,
		Mountpoint: mp,
	}
	sco.refCount.Store(1)
	return sco
}

// IsDisposable reports whether the SCO is known to be persisted to the
// backend and is thus eligible for eviction.
func (s *CachedSCO) IsDisposable() bool {
	return s.disposable.Load()
}

// SetDisposable flips the disposable flag. Becoming disposable is
// one-way until the SCO is removed; calling this twice is a no-op,
// matching the idempotence property in the spec's testable properties.
func (s *CachedSCO) SetDisposable() {
	s.disposable.Store(true)
}

func (s *CachedSCO) ScheduledForUnlink() bool {
	return s.scheduledForUnlink.Load()
}

func (s *CachedSCO) ScheduleForUnlink() {
	s.scheduledForUnlink.Store(true)
}

// Weight (the original's "xval") is the access-probability weight used
// by eviction ordering.
func (s *CachedSCO) Weight() float64 {
	return math.Float64frombits(s.weightBits.Load())
}

func (s *CachedSCO) SetWeight(w float64) {
	s.weightBits.Store(math.Float64bits(w))
}

// RefCount mirrors the original's shared-pointer use_count: the cache's
// own map entry is one reference; open handles add more. A SCO is a
// cleanup candidate only while RefCount()==1 (nothing but the cache's
// own bookkeeping refers to it).
func (s *CachedSCO) RefCount() int64 {
	return s.refCount.Load()
}

func (s *CachedSCO) Acquire() {
	s.refCount.Add(1)
}

func (s *CachedSCO) Release() int64 {
	return s.refCount.Add(-1)
}
