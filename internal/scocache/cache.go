// Package scocache implements the SCO cache: a bounded, multi-mountpoint
// disk cache of fixed-size append-only SCO files, with per-namespace
// reservations, access-probability-weighted eviction, and backpressure
// via choking/transient errors.
package scocache

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	volerrors "github.com/volumerouter/volumerouter/pkg/errors"
	"github.com/volumerouter/volumerouter/pkg/scotypes"
)

// Config is the SCO cache's recognized configuration surface.
type Config struct {
	TriggerGap             int64 // bytes; below this, cleanup chokes the mountpoint
	BackoffGap             int64 // bytes > TriggerGap; cleanup target
	DiscountFactor         float64
	DatastoreThrottleUsecs int64
	MountPoints            []MountpointConfig
}

// DefaultConfig returns a sane non-zero configuration for local
// development and tests.
func DefaultConfig() Config {
	return Config{
		TriggerGap:             64 << 20,
		BackoffGap:             256 << 20,
		DiscountFactor:         0.1,
		DatastoreThrottleUsecs: 4000,
	}
}

// Fetcher retrieves a SCO's content from the blob backend into path,
// reporting whether the fetched SCO is disposable (already known-good
// on the backend) once persisted locally.
type Fetcher func(path string) (disposable bool, err error)

// SCOCache is the global engine managing mountpoints and namespaces.
//
// Lock discipline (strict outward order, never acquire inward):
//  1. nspaceMgmtLock - serializes namespace add/remove/enable/disable
//  2. cleanupLock    - excludes cleanup from namespace removal
//  3. mapLock        - guards the namespace map, mountpoint list, cursor
//  4. xvalLock       - guards weight rescaling
type SCOCache struct {
	log *slog.Logger

	nspaceMgmtLock sync.Mutex
	cleanupLock    sync.Mutex
	mapLock        sync.RWMutex
	xvalLock       sync.Mutex

	mountpoints []*Mountpoint
	cursor      int // index into mountpoints of the last mountpoint used for a write

	nsMap map[scotypes.NSpace]*Namespace

	cachedXValMin float64
	initialXVal   float64

	globalErrorEpoch uint64

	cfg     Config
	remover *Remover

	onMountpointOffline func(*Mountpoint)
}

// New constructs an empty SCO cache. Mountpoints must be added with
// AddMountpoint before any SCO operations succeed.
func New(cfg Config, log *slog.Logger) *SCOCache {
	if log == nil {
		log = slog.Default()
	}
	return &SCOCache{
		log:         log,
		nsMap:       make(map[scotypes.NSpace]*Namespace),
		cursor:      -1,
		cfg:         cfg,
		remover:     NewRemover(2, 4096, log),
		initialXVal: 1.0,
	}
}

// AddMountpoint registers a mountpoint directly, bypassing the
// lockfile/restart machinery in RestartMountpoints. It exists for
// tests and for growing a live cache with a single new mountpoint
// after initial startup; production startup should call
// RestartMountpoints instead, so a prior process's persisted error
// epoch is actually honored. Online reconfiguration to *remove* an
// existing mountpoint from the configured set is not supported (see
// DESIGN.md Open Questions); only addition is exposed here.
func (c *SCOCache) AddMountpoint(cfg MountpointConfig) *Mountpoint {
	c.mapLock.Lock()
	defer c.mapLock.Unlock()

	mp := NewMountpoint(cfg, newMountpointUUID(), c.globalErrorEpoch)
	c.mountpoints = append(c.mountpoints, mp)
	if c.cursor < 0 {
		c.cursor = 0
	}
	return mp
}

// Reconfigure validates a new mountpoint list against the currently
// applied one. Removing a mountpoint that is still configured is a
// rejected operation: the original source treats this as a
// configuration error rather than silently acting on it.
func (c *SCOCache) Reconfigure(newCfg []MountpointConfig) error {
	c.mapLock.RLock()
	defer c.mapLock.RUnlock()

	existing := make(map[string]bool, len(c.mountpoints))
	for _, mp := range c.mountpoints {
		existing[mp.Path()] = true
	}
	wanted := make(map[string]bool, len(newCfg))
	for _, m := range newCfg {
		wanted[m.Path] = true
	}
	for path := range existing {
		if !wanted[path] {
			return volerrors.NewError(volerrors.ErrCodeInvalidConfig,
				fmt.Sprintf("removal of mountpoint %s is not supported", path)).
				WithComponent("scocache").WithOperation("reconfigure")
		}
	}
	return nil
}

// AddNamespace registers a new namespace with the given reservations.
func (c *SCOCache) AddNamespace(ns scotypes.NSpace, min, maxNonDisposable uint64) error {
	c.nspaceMgmtLock.Lock()
	defer c.nspaceMgmtLock.Unlock()

	c.mapLock.Lock()
	defer c.mapLock.Unlock()

	if _, exists := c.nsMap[ns]; exists {
		return volerrors.NewError(volerrors.ErrCodeNamespaceExists, "namespace already exists").
			WithComponent("scocache").WithContext("namespace", string(ns))
	}
	c.nsMap[ns] = NewNamespace(ns, min, maxNonDisposable)
	return nil
}

// RemoveNamespace drops a namespace and every SCO file it owns.
func (c *SCOCache) RemoveNamespace(ns scotypes.NSpace) error {
	c.nspaceMgmtLock.Lock()
	defer c.nspaceMgmtLock.Unlock()

	c.cleanupLock.Lock()
	defer c.cleanupLock.Unlock()

	c.mapLock.Lock()
	defer c.mapLock.Unlock()

	n, ok := c.nsMap[ns]
	if !ok {
		return volerrors.NewError(volerrors.ErrCodeObjectNotRegistered, "namespace not found").
			WithComponent("scocache").WithContext("namespace", string(ns))
	}

	n.Entries(func(e *namespaceEntry) bool {
		sco := e.SCO()
		sco.Mountpoint.Release(sco.Size)
		sco.Mountpoint.removeNamespace(ns)
		c.remover.Schedule(sco.Path)
		return true
	})

	delete(c.nsMap, ns)
	return nil
}

// HasNamespace reports whether ns is currently registered.
func (c *SCOCache) HasNamespace(ns scotypes.NSpace) bool {
	c.mapLock.RLock()
	defer c.mapLock.RUnlock()
	_, ok := c.nsMap[ns]
	return ok
}

func (c *SCOCache) findNamespace(ns scotypes.NSpace) (*Namespace, error) {
	n, ok := c.nsMap[ns]
	if !ok {
		return nil, volerrors.NewError(volerrors.ErrCodeObjectNotRegistered, "namespace not found").
			WithComponent("scocache").WithContext("namespace", string(ns))
	}
	return n, nil
}

// getWriteMountpoint selects the mountpoint for a new SCO of the given
// size. It advances a cursor through the mountpoint list (wrap-around),
// skipping choking mountpoints on the first pass; if every mountpoint
// is choking, a second pass accepts any mountpoint with enough free
// capacity. Returns a transient "cache full" error if none qualify.
//
// Callers must hold mapLock (read or write).
func (c *SCOCache) getWriteMountpoint(scoSize int64) (*Mountpoint, error) {
	if len(c.mountpoints) == 0 {
		return nil, volerrors.NewError(volerrors.ErrCodeNoMountpoints, "no mountpoints available").
			WithComponent("scocache")
	}

	n := len(c.mountpoints)
	start := c.cursor
	if start < 0 {
		start = 0
	}

	idx := (start + 1) % n
	found := -1
	for i := 0; i < n; i++ {
		mp := c.mountpoints[idx]
		if !mp.IsOffline() && !mp.IsChoking() {
			found = idx
			break
		}
		idx = (idx + 1) % n
	}

	if found < 0 {
		// Every mountpoint is choking (or offline); second pass by capacity.
		idx = (start + 1) % n
		for i := 0; i < n; i++ {
			mp := c.mountpoints[idx]
			if !mp.IsOffline() && mp.WouldFit(scoSize) {
				found = idx
				break
			}
			idx = (idx + 1) % n
		}
	}

	if found < 0 {
		return nil, volerrors.NewError(volerrors.ErrCodeCacheTransient, "cache full").
			WithComponent("scocache").WithOperation("getWriteMountpoint")
	}

	mp := c.mountpoints[found]
	if !mp.Reserve(scoSize) {
		return nil, volerrors.NewError(volerrors.ErrCodeCacheTransient, "cache full").
			WithComponent("scocache").WithOperation("getWriteMountpoint")
	}
	c.cursor = found
	return mp, nil
}

func scoPath(mp *Mountpoint, ns scotypes.NSpace, name scotypes.SCOName) string {
	return fmt.Sprintf("%s/%s/%s", mp.Path(), ns, name)
}

// CreateSCO reserves space on a write mountpoint and registers a new,
// unblocked namespace entry for scoName. Duplicate names within a
// namespace are rejected.
func (c *SCOCache) CreateSCO(ns scotypes.NSpace, scoName scotypes.SCOName, scoSize int64) (*CachedSCO, error) {
	c.mapLock.Lock()
	defer c.mapLock.Unlock()

	n, err := c.findNamespace(ns)
	if err != nil {
		return nil, err
	}
	if n.Find(scoName) != nil {
		return nil, volerrors.NewError(volerrors.ErrCodeSCODuplicate, "SCO already exists in namespace").
			WithComponent("scocache").WithContext("sco", scoName.String())
	}

	mp, err := c.getWriteMountpoint(scoSize)
	if err != nil {
		return nil, err
	}

	sco := NewCachedSCO(scoPath(mp, ns, scoName), ns, scoName, scoSize, mp)
	sco.SetWeight(c.initialXValLocked())
	mp.addNamespace(ns)
	n.Insert(sco, false)
	return sco, nil
}

func (c *SCOCache) initialXValLocked() float64 {
	c.xvalLock.Lock()
	defer c.xvalLock.Unlock()
	return c.initialXVal
}

// FindSCO returns the cached SCO for name in ns, or nil if absent.
func (c *SCOCache) FindSCO(ns scotypes.NSpace, name scotypes.SCOName) (*CachedSCO, error) {
	c.mapLock.RLock()
	defer c.mapLock.RUnlock()

	n, err := c.findNamespace(ns)
	if err != nil {
		return nil, err
	}
	e := n.Find(name)
	if e == nil {
		return nil, nil
	}
	if e.IsBlocked() {
		return nil, volerrors.NewError(volerrors.ErrCodeCacheTransient, "SCO is blocked (fetch in progress)").
			WithComponent("scocache").WithContext("sco", name.String())
	}
	return e.SCO(), nil
}

// GetSCO returns the cached SCO for scoName, fetching it from the blob
// backend via fetch if not already present. cached reports whether the
// SCO was already resident.
func (c *SCOCache) GetSCO(ns scotypes.NSpace, scoName scotypes.SCOName, scoSize int64, fetch Fetcher) (sco *CachedSCO, cached bool, err error) {
	c.mapLock.Lock()

	n, err := c.findNamespace(ns)
	if err != nil {
		c.mapLock.Unlock()
		return nil, false, err
	}

	if e := n.Find(scoName); e != nil {
		if e.IsBlocked() {
			c.mapLock.Unlock()
			return nil, false, volerrors.NewError(volerrors.ErrCodeCacheTransient, "SCO is blocked (fetch in progress)").
				WithComponent("scocache").WithContext("sco", scoName.String())
		}
		c.mapLock.Unlock()
		return e.SCO(), true, nil
	}

	mp, err := c.getWriteMountpoint(scoSize)
	if err != nil {
		c.mapLock.Unlock()
		return nil, false, err
	}

	newSCO := NewCachedSCO(scoPath(mp, ns, scoName), ns, scoName, scoSize, mp)
	newSCO.SetWeight(c.initialXValLocked())
	mp.addNamespace(ns)
	entry := n.Insert(newSCO, true)
	c.mapLock.Unlock()

	disposable, fetchErr := fetch(newSCO.Path)
	if fetchErr != nil {
		c.mapLock.Lock()
		mp.Release(scoSize)
		n.Erase(scoName)
		c.mapLock.Unlock()

		if isMountpointIOError(fetchErr) {
			c.OfflineMountpoint(mp)
			return nil, false, volerrors.NewError(volerrors.ErrCodeCacheTransient, "fetch failed: mountpoint I/O error").
				WithComponent("scocache").WithCause(fetchErr)
		}
		return nil, false, fmt.Errorf("fetching SCO %s: %w", scoName, fetchErr)
	}

	c.mapLock.Lock()
	entry.SetBlocked(false)
	if disposable {
		newSCO.SetDisposable()
	}
	c.mapLock.Unlock()

	return newSCO, false, nil
}

// PrefetchSCO is advisory: when the cache is soft-full (every
// mountpoint's free space below the backoff gap) and the caller's
// access probability is below the cached minimum, it is skipped
// without error.
func (c *SCOCache) PrefetchSCO(ns scotypes.NSpace, scoName scotypes.SCOName, scoSize int64, accessProbability float64, fetch Fetcher) (accepted bool, err error) {
	if c.softCacheFull() {
		c.xvalLock.Lock()
		min := c.cachedXValMin
		c.xvalLock.Unlock()
		if accessProbability < min {
			return false, nil
		}
	}

	_, _, err = c.GetSCO(ns, scoName, scoSize, fetch)
	if err != nil {
		// Prefetch failures never propagate; the caller didn't ask for
		// this SCO synchronously.
		return false, nil
	}
	return true, nil
}

func (c *SCOCache) softCacheFull() bool {
	c.mapLock.RLock()
	defer c.mapLock.RUnlock()

	for _, mp := range c.mountpoints {
		if mp.IsOffline() {
			continue
		}
		if mp.FreeBytes() >= c.cfg.BackoffGap {
			return false
		}
	}
	return true
}

// SignalSCOAccessed increments a SCO's access weight by count *
// discount-factor. Rescaling keeps the sum of all weights at 1 and is
// performed during Cleanup.
func (c *SCOCache) SignalSCOAccessed(sco *CachedSCO, count uint32) {
	c.xvalLock.Lock()
	defer c.xvalLock.Unlock()
	sco.SetWeight(sco.Weight() + float64(count)*c.cfg.DiscountFactor)
}

func isMountpointIOError(err error) bool {
	var ofsErr *volerrors.VolumeRouterError
	if e, ok := err.(*volerrors.VolumeRouterError); ok {
		ofsErr = e
	} else {
		return false
	}
	return ofsErr.Code == volerrors.ErrCodeMountpointIO
}

// ReportIOError handles an I/O error observed against sco's file: it
// offlines the owning mountpoint, which is the only recovery the cache
// attempts for a misbehaving backing directory.
func (c *SCOCache) ReportIOError(sco *CachedSCO) {
	c.OfflineMountpoint(sco.Mountpoint)
}

// OfflineMountpoint removes mp from service: it is marked offline,
// dropped from the mountpoint list, every cached SCO referencing it is
// removed from its namespace (without attempting to unlink - the
// mountpoint is likely unreadable), and the global error epoch is
// bumped and pushed to every surviving mountpoint. A failure pushing
// the epoch to a surviving mountpoint recursively offlines that one
// too; this cascade is intentional, not a bug.
func (c *SCOCache) OfflineMountpoint(mp *Mountpoint) {
	c.mapLock.Lock()
	defer c.mapLock.Unlock()
	c.offlineMountpointLocked(mp)
}

func (c *SCOCache) offlineMountpointLocked(mp *Mountpoint) {
	if mp.IsOffline() {
		return
	}
	c.log.Warn("offlining mountpoint", "path", mp.Path())
	mp.SetOffline()

	idx := -1
	for i, m := range c.mountpoints {
		if m == mp {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	c.mountpoints = append(c.mountpoints[:idx], c.mountpoints[idx+1:]...)
	if c.cursor >= len(c.mountpoints) {
		c.cursor = 0
	}
	if len(c.mountpoints) == 0 {
		c.cursor = -1
	}

	for _, n := range c.nsMap {
		var toErase []scotypes.SCOName
		n.Entries(func(e *namespaceEntry) bool {
			if e.SCO().Mountpoint == mp {
				toErase = append(toErase, e.SCO().Name)
			}
			return true
		})
		for _, name := range toErase {
			n.Erase(name)
		}
	}

	if cb := c.onMountpointOffline; cb != nil {
		cb(mp)
	}

	c.bumpMountpointErrorEpochLocked()
}

func (c *SCOCache) bumpMountpointErrorEpochLocked() {
	c.globalErrorEpoch++
	epoch := c.globalErrorEpoch

	// Iterate a snapshot: offlineMountpointLocked may mutate c.mountpoints
	// recursively when a peer mountpoint also fails to take the epoch.
	mps := append([]*Mountpoint(nil), c.mountpoints...)
	for _, mp := range mps {
		if err := mp.SetErrorEpoch(epoch); err != nil {
			c.log.Error("failed to set error epoch, offlining", "path", mp.Path(), "error", err)
			c.offlineMountpointLocked(mp)
		}
	}
}

// OnMountpointOffline registers a callback invoked (under mapLock)
// whenever a mountpoint is taken offline, for telemetry wiring.
func (c *SCOCache) OnMountpointOffline(f func(*Mountpoint)) {
	c.onMountpointOffline = f
}

// scoWeightSort orders SCOs by ascending weight for eviction, mirroring
// the original's intrusive multiset ordered by xVal.
type scoWeightSort struct {
	entries []*namespaceEntry
}

func (s scoWeightSort) Len() int      { return len(s.entries) }
func (s scoWeightSort) Swap(i, j int) { s.entries[i], s.entries[j] = s.entries[j], s.entries[i] }
func (s scoWeightSort) Less(i, j int) bool {
	return s.entries[i].SCO().Weight() < s.entries[j].SCO().Weight()
}

// Cleanup runs one pass of namespace admission and mountpoint
// trimming: it chokes namespaces that exceed their non-disposable
// budget, evicts the lowest-weight disposable SCOs per mountpoint down
// to the backoff gap (preserving each namespace's minimum size first),
// chokes mountpoints still below the trigger gap afterward, and
// rescales access weights.
func (c *SCOCache) Cleanup() {
	c.cleanupLock.Lock()
	defer c.cleanupLock.Unlock()

	c.mapLock.Lock()

	c.maybeChokeNamespacesLocked()

	if c.checkForWorkLocked() {
		toDelete := c.prepareCleanupLocked()
		c.mapLock.Unlock()
		c.doCleanup(toDelete)
	} else {
		c.mapLock.Unlock()
	}

	c.mapLock.Lock()
	c.rescaleXValsLocked()
	c.mapLock.Unlock()
}

// checkForWorkLocked reports whether any online mountpoint's free
// space is below the trigger gap; clears choking on mountpoints that
// are no longer under pressure.
func (c *SCOCache) checkForWorkLocked() bool {
	work := false
	for _, mp := range c.mountpoints {
		if mp.IsOffline() {
			continue
		}
		if mp.FreeBytes() < c.cfg.TriggerGap {
			work = true
		} else {
			mp.SetChokeDelay(0)
		}
	}
	return work
}

func (c *SCOCache) maybeChokeNamespacesLocked() {
	for _, n := range c.nsMap {
		var nondisposable uint64
		n.Entries(func(e *namespaceEntry) bool {
			if !e.SCO().IsDisposable() {
				nondisposable += uint64(e.SCO().Size)
			}
			return true
		})
		n.SetChoking(nondisposable > n.MaxNonDisposableSize())
	}
}

// prepareCleanupLocked builds, per namespace, the set of
// disposable/unblocked/RefCount==1 candidate SCOs sorted by ascending
// weight, preserves each namespace's minimum size by protecting the
// highest-weight candidates, then groups remaining candidates by
// mountpoint and trims each mountpoint toward the backoff gap.
func (c *SCOCache) prepareCleanupLocked() []*CachedSCO {
	perMountpoint := make(map[*Mountpoint][]*namespaceEntry)

	for _, n := range c.nsMap {
		var candidates []*namespaceEntry
		var totalSize, disposableSize uint64
		n.Entries(func(e *namespaceEntry) bool {
			sco := e.SCO()
			totalSize += uint64(sco.Size)
			if sco.IsDisposable() && sco.RefCount() == 1 && !e.IsBlocked() {
				candidates = append(candidates, e)
				disposableSize += uint64(sco.Size)
			}
			return true
		})

		kept := c.ensureNamespaceMin(n, candidates, totalSize, disposableSize)
		for _, e := range kept {
			mp := e.SCO().Mountpoint
			perMountpoint[mp] = append(perMountpoint[mp], e)
		}
	}

	var toDelete []*CachedSCO
	for _, mp := range c.mountpoints {
		entries := perMountpoint[mp]
		toDelete = append(toDelete, c.trimMountpoint(mp, entries)...)
	}
	return toDelete
}

// ensureNamespaceMin enforces the namespace's min-size by preserving
// the highest-weight disposable candidates until the non-disposable
// size plus kept-disposable size covers min-size. Returns the
// remaining (evictable) candidates sorted ascending by weight.
func (c *SCOCache) ensureNamespaceMin(n *Namespace, candidates []*namespaceEntry, totalSize, disposableSize uint64) []*namespaceEntry {
	sort.Sort(scoWeightSort{entries: candidates})

	nonDisposableSize := totalSize - disposableSize
	min := n.MinSize()
	var preserve int64
	if nonDisposableSize < min {
		preserve = int64(min - nonDisposableSize)
	}

	// Highest weight first (end of ascending-sorted slice) is preserved.
	i := len(candidates)
	for i > 0 && preserve > 0 {
		i--
		preserve -= candidates[i].SCO().Size
	}
	return candidates[:i]
}

// trimMountpoint evicts the lowest-weight candidates on mp until free
// space reaches the backoff gap, then, if still below the trigger gap,
// sets the mountpoint's choke delay on a curve; otherwise clears it.
func (c *SCOCache) trimMountpoint(mp *Mountpoint, candidates []*namespaceEntry) []*CachedSCO {
	sort.Sort(scoWeightSort{entries: candidates})

	freeSpace := mp.FreeBytes()
	var toDelete []*CachedSCO

	if freeSpace < c.cfg.TriggerGap {
		i := 0
		for i < len(candidates) && freeSpace < c.cfg.BackoffGap {
			e := candidates[i]
			e.SetBlocked(true)
			toDelete = append(toDelete, e.SCO())
			freeSpace += e.SCO().Size
			i++
		}

		if freeSpace < c.cfg.TriggerGap {
			const maxThrottleUsecs = 1_000_000
			adapted := int64(maxThrottleUsecs)
			if freeSpace > 0 {
				factor := float64(c.cfg.TriggerGap) / float64(freeSpace)
				adapted = int64(math.Min(maxThrottleUsecs, float64(c.cfg.DatastoreThrottleUsecs)*factor))
			}
			mp.SetChokeDelay(adapted)
		} else {
			mp.SetChokeDelay(0)
		}
	}

	return toDelete
}

// doCleanup removes the queued SCOs from their namespaces and releases
// their reserved space; the actual unlink of the backing file is
// deferred to the remover.
func (c *SCOCache) doCleanup(toDelete []*CachedSCO) {
	c.mapLock.Lock()
	defer c.mapLock.Unlock()

	for _, sco := range toDelete {
		n, err := c.findNamespace(sco.NSpace)
		if err != nil {
			continue
		}
		n.Erase(sco.Name)
		sco.Mountpoint.Release(sco.Size)
		if sco.ScheduledForUnlink() || true {
			c.remover.Schedule(sco.Path)
		}
	}
}

// rescaleXValsLocked rescales every SCO's weight so that the sum over
// all namespaces equals 1, and records the minimum weight plus the
// initial weight assigned to newly-fetched SCOs.
func (c *SCOCache) rescaleXValsLocked() {
	c.xvalLock.Lock()
	defer c.xvalLock.Unlock()

	var sum float64
	count := 0
	for _, n := range c.nsMap {
		n.Entries(func(e *namespaceEntry) bool {
			sum += e.SCO().Weight()
			count++
			return true
		})
	}

	min := math.MaxFloat64
	for _, n := range c.nsMap {
		n.Entries(func(e *namespaceEntry) bool {
			sco := e.SCO()
			var newVal float64
			if sum > 0 {
				newVal = sco.Weight() / sum
			} else if count > 0 {
				newVal = 1.0 / float64(count)
			}
			if newVal < min {
				min = newVal
			}
			sco.SetWeight(newVal)
			return true
		})
	}

	if count > 0 {
		c.cachedXValMin = min
		c.initialXVal = 1.0 / float64(count)
	} else {
		c.cachedXValMin = 0
		c.initialXVal = 1.0
	}
}

// Stats summarizes current cache occupancy for telemetry/admin use.
type Stats struct {
	Mountpoints int
	Namespaces  int
	OnlineMPs   int
}

func (c *SCOCache) Stats() Stats {
	c.mapLock.RLock()
	defer c.mapLock.RUnlock()

	online := 0
	for _, mp := range c.mountpoints {
		if !mp.IsOffline() {
			online++
		}
	}
	return Stats{
		Mountpoints: len(c.mountpoints),
		Namespaces:  len(c.nsMap),
		OnlineMPs:   online,
	}
}

// Close stops background workers (the deferred remover).
func (c *SCOCache) Close() {
	c.remover.Stop()
}

// newMountpointUUID generates the identifier a fresh mountpoint
// persists into its lockfile on creation.
func newMountpointUUID() string {
	return uuid.NewString()
}

// newMountpointStage1 validates cfg's directory and resolves the
// mountpoint's identity without writing anything: a restart (lockfile
// present) reads back {uuid, error-epoch} and scans the tree for used
// bytes; a fresh mountpoint is checked for the lost+found/non-empty
// rejections and gets a freshly generated uuid with no persisted
// epoch yet (stage 2, run once the cache-wide epoch is known, writes
// its lockfile). Mirrors the original's newMountPointStage1_ split.
func newMountpointStage1(cfg MountpointConfig, log *slog.Logger) (mp *Mountpoint, isRestart bool, usedBytes int64, err error) {
	if mountpointLockfileExists(cfg.Path) {
		rec, err := readLockfile(cfg.Path)
		if err != nil {
			return nil, false, 0, fmt.Errorf("scocache: mountpoint %s: %w", cfg.Path, err)
		}
		used, err := scanMountpointTree(cfg.Path, log)
		if err != nil {
			return nil, false, 0, fmt.Errorf("scocache: mountpoint %s: %w", cfg.Path, err)
		}
		mp := NewMountpoint(cfg, rec.UUID, rec.ErrorEpoch)
		mp.addUsedBytesUnchecked(used)
		return mp, true, used, nil
	}

	if err := validateNewMountpointDir(cfg.Path); err != nil {
		return nil, false, 0, err
	}
	mp = NewMountpoint(cfg, newMountpointUUID(), 0)
	return mp, false, 0, nil
}

// RestartMountpoints is the sole entry point for bringing up a cache's
// configured mountpoints from disk, whether that disk state is a set
// of brand new empty directories or the surviving state of a prior
// process. It mirrors SCOCache::initMountPoints_: every configured
// mountpoint is resolved independently (restart or fresh), duplicate
// uuids are dropped, mountpoints whose persisted epoch doesn't match
// the cache-wide epoch computed from the survivors are dropped as
// previously offlined, fresh mountpoints then get their lockfile
// written with that epoch, and the whole cache fails fatally if
// nothing survives.
func (c *SCOCache) RestartMountpoints(cfgs []MountpointConfig) error {
	if len(cfgs) == 0 {
		return volerrors.NewError(volerrors.ErrCodeNoMountpoints, "no mountpoints configured").
			WithComponent("scocache").WithOperation("restart")
	}

	type resolved struct {
		mp        *Mountpoint
		isRestart bool
	}
	var all []resolved
	var maxEpoch uint64
	for _, cfg := range cfgs {
		mp, isRestart, _, err := newMountpointStage1(cfg, c.log)
		if err != nil {
			return fmt.Errorf("scocache: restarting mountpoint %s: %w", cfg.Path, err)
		}
		if isRestart && mp.ErrorEpoch() > maxEpoch {
			maxEpoch = mp.ErrorEpoch()
		}
		all = append(all, resolved{mp: mp, isRestart: isRestart})
	}

	seenUUID := make(map[string]bool, len(all))
	var survivors []resolved
	for _, r := range all {
		if seenUUID[r.mp.UUID()] {
			c.log.Warn("dropping mountpoint with duplicate uuid", "path", r.mp.Path(), "uuid", r.mp.UUID())
			continue
		}
		seenUUID[r.mp.UUID()] = true
		survivors = append(survivors, r)
	}

	var final []*Mountpoint
	for _, r := range survivors {
		if r.isRestart && r.mp.ErrorEpoch() != maxEpoch {
			c.log.Warn("dropping previously offlined mountpoint", "path", r.mp.Path(),
				"epoch", r.mp.ErrorEpoch(), "current_epoch", maxEpoch)
			continue
		}
		if !r.isRestart {
			if err := writeLockfile(r.mp.Path(), lockfileRecord{UUID: r.mp.UUID(), ErrorEpoch: maxEpoch}); err != nil {
				return fmt.Errorf("scocache: initializing mountpoint %s: %w", r.mp.Path(), err)
			}
		}
		final = append(final, r.mp)
	}

	if len(final) == 0 {
		return volerrors.NewError(volerrors.ErrCodeNoMountpoints, "no mountpoints survived restart").
			WithComponent("scocache").WithOperation("restart")
	}

	c.mapLock.Lock()
	c.mountpoints = final
	c.cursor = 0
	c.globalErrorEpoch = maxEpoch
	c.mapLock.Unlock()
	return nil
}

// ScanNamespace walks ns's subdirectory on every mountpoint, reconstructing
// a CachedSCO for each validly-named file found and inserting it
// unblocked into the namespace. It is the per-namespace counterpart to
// the mountpoint-wide used-bytes scan run during RestartMountpoints,
// mirroring the original's SCOCacheMountPoint::scanNamespace.
func (c *SCOCache) ScanNamespace(ns scotypes.NSpace) error {
	c.mapLock.Lock()
	defer c.mapLock.Unlock()

	n, err := c.findNamespace(ns)
	if err != nil {
		return err
	}

	for _, mp := range c.mountpoints {
		dir := filepath.Join(mp.Path(), string(ns))
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("scocache: scanning namespace %s on %s: %w", ns, mp.Path(), err)
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name, parseErr := scotypes.ParseSCOName(entry.Name())
			if parseErr != nil {
				c.log.Warn("ignoring non-SCO entry during namespace scan", "path", filepath.Join(dir, entry.Name()))
				continue
			}
			if n.Find(name) != nil {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				return fmt.Errorf("scocache: scanning namespace %s on %s: %w", ns, mp.Path(), err)
			}

			sco := NewCachedSCO(scoPath(mp, ns, name), ns, name, info.Size(), mp)
			sco.SetWeight(c.initialXValLocked())
			sco.SetDisposable()
			mp.addNamespace(ns)
			n.Insert(sco, false)
		}
	}
	return nil
}
