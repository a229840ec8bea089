package scocache

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	volerrors "github.com/volumerouter/volumerouter/pkg/errors"
	"github.com/volumerouter/volumerouter/pkg/scotypes"
)

// lockfileName is the small persisted record every mountpoint carries
// inside its own directory: {uuid, error-epoch}. Its presence is what
// distinguishes a restart (lockfile exists, directory may be nonempty)
// from a fresh mountpoint (no lockfile, directory must be empty).
const lockfileName = ".scocache"

type lockfileRecord struct {
	UUID       string `json:"uuid"`
	ErrorEpoch uint64 `json:"error_epoch"`
}

func lockFilePath(path string) string {
	return filepath.Join(path, lockfileName)
}

func mountpointLockfileExists(path string) bool {
	_, err := os.Stat(lockFilePath(path))
	return err == nil
}

func readLockfile(path string) (lockfileRecord, error) {
	data, err := os.ReadFile(lockFilePath(path))
	if err != nil {
		return lockfileRecord{}, fmt.Errorf("scocache: reading lockfile: %w", err)
	}
	var rec lockfileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return lockfileRecord{}, fmt.Errorf("scocache: parsing lockfile: %w", err)
	}
	return rec, nil
}

func writeLockfile(path string, rec lockfileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("scocache: encoding lockfile: %w", err)
	}
	tmp := lockFilePath(path) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("scocache: writing lockfile: %w", err)
	}
	if err := os.Rename(tmp, lockFilePath(path)); err != nil {
		return fmt.Errorf("scocache: committing lockfile: %w", err)
	}
	return nil
}

// validateNewMountpointDir enforces the two rejections a fresh
// mountpoint's directory must pass: it cannot be named "lost+found",
// and it must be empty (a lockfile-bearing directory is a restart, not
// a fresh mountpoint, and is never routed through this check).
func validateNewMountpointDir(path string) error {
	if filepath.Base(path) == "lost+found" {
		return volerrors.NewError(volerrors.ErrCodeInvalidConfig, "mountpoint path must not be named lost+found").
			WithComponent("scocache").WithContext("path", path)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("scocache: reading mountpoint directory %s: %w", path, err)
	}
	if len(entries) != 0 {
		return volerrors.NewError(volerrors.ErrCodeInvalidConfig, "mountpoint directory is not empty").
			WithComponent("scocache").WithContext("path", path)
	}
	return nil
}

// scanMountpointTree walks every file under path, summing the size of
// each entry whose name parses as a SCO name and warning on any regular
// file that doesn't (the lockfile and any *.tmp file are skipped
// silently). This is the restart-time used-bytes reconstruction; it
// does not rebuild per-SCO cache state, which the cache does
// separately per namespace (see SCOCache.ScanNamespace).
func scanMountpointTree(path string, log *slog.Logger) (int64, error) {
	lockPath := lockFilePath(path)
	var used int64
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if p == lockPath || filepath.Ext(p) == ".tmp" {
			return nil
		}
		if _, parseErr := scotypes.ParseSCOName(filepath.Base(p)); parseErr != nil {
			log.Warn("ignoring non-SCO entry during mountpoint scan", "path", p)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		used += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scocache: scanning %s: %w", path, err)
	}
	return used, nil
}

// MountpointConfig describes one configured backing directory.
type MountpointConfig struct {
	Path     string
	Capacity int64
}

// Mountpoint is one backing directory plus its capacity budget. It
// tracks used bytes and persisted identity (uuid, error epoch), and can
// be marked offline and choking independently.
//
// used-bytes is guarded by a dedicated mutex rather than the cache's
// map lock, mirroring the original's standalone "xValSpinLock"-style
// per-mountpoint accounting lock: updates happen far more often than
// structural changes to the mountpoint list.
type Mountpoint struct {
	path     string
	uuid     string
	capacity int64

	mu         sync.Mutex
	usedBytes  int64
	errorEpoch uint64
	offline    atomic.Bool
	chokeDelayUsecs atomic.Int64

	namespaces map[scotypes.NSpace]struct{}
}

// NewMountpoint creates a mountpoint record from an already-resolved
// identity (uuid, error-epoch). SCOCache.RestartMountpoints validates
// the directory (non-empty rejection for fresh mountpoints, lockfile
// read for restarts) before constructing one; SCOCache.AddMountpoint
// does not. NewMountpoint itself performs no filesystem I/O.
func NewMountpoint(cfg MountpointConfig, uuid string, errorEpoch uint64) *Mountpoint {
	mp := &Mountpoint{
		path:       cfg.Path,
		uuid:       uuid,
		capacity:   cfg.Capacity,
		errorEpoch: errorEpoch,
		namespaces: make(map[scotypes.NSpace]struct{}),
	}
	return mp
}

func (m *Mountpoint) Path() string     { return m.path }
func (m *Mountpoint) UUID() string     { return m.uuid }
func (m *Mountpoint) Capacity() int64  { return m.capacity }
func (m *Mountpoint) IsOffline() bool  { return m.offline.Load() }
func (m *Mountpoint) ErrorEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorEpoch
}

// SetErrorEpoch persists a new global error epoch to this mountpoint's
// lockfile. Any failure here is the caller's cue to offline the
// mountpoint.
func (m *Mountpoint) SetErrorEpoch(epoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := writeLockfile(m.path, lockfileRecord{UUID: m.uuid, ErrorEpoch: epoch}); err != nil {
		return err
	}
	m.errorEpoch = epoch
	return nil
}

func (m *Mountpoint) SetOffline() {
	m.offline.Store(true)
}

// IsChoking reports whether writes to this mountpoint are currently
// being throttled.
func (m *Mountpoint) IsChoking() bool {
	return m.chokeDelayUsecs.Load() > 0
}

// ChokeDelayUsecs returns the currently configured per-write delay, 0
// if not choking.
func (m *Mountpoint) ChokeDelayUsecs() int64 {
	return m.chokeDelayUsecs.Load()
}

// SetChokeDelay sets the per-write throttle delay, or clears it when
// usecs <= 0.
func (m *Mountpoint) SetChokeDelay(usecs int64) {
	if usecs < 0 {
		usecs = 0
	}
	m.chokeDelayUsecs.Store(usecs)
}

// UsedBytes returns the current accounted usage.
func (m *Mountpoint) UsedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usedBytes
}

// FreeBytes returns capacity - used, clamped to 0.
func (m *Mountpoint) FreeBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	free := m.capacity - m.usedBytes
	if free < 0 {
		return 0
	}
	return free
}

// Reserve attempts to account scoSize bytes of additional usage,
// failing if it would exceed capacity.
func (m *Mountpoint) Reserve(scoSize int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usedBytes+scoSize > m.capacity {
		return false
	}
	m.usedBytes += scoSize
	return true
}

// Release gives back previously reserved bytes, e.g. on SCO removal.
func (m *Mountpoint) Release(size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usedBytes -= size
	if m.usedBytes < 0 {
		m.usedBytes = 0
	}
}

// addUsedBytesUnchecked accounts for bytes already on disk when a
// mountpoint is reconstructed from an existing directory tree on
// restart; unlike Reserve, it never fails, since the files it accounts
// for already exist regardless of the configured capacity.
func (m *Mountpoint) addUsedBytesUnchecked(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usedBytes += n
}

// WouldFit reports whether scoSize additional bytes fit within
// capacity without reserving them.
func (m *Mountpoint) WouldFit(scoSize int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usedBytes+scoSize <= m.capacity
}

func (m *Mountpoint) addNamespace(ns scotypes.NSpace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.namespaces[ns] = struct{}{}
}

func (m *Mountpoint) removeNamespace(ns scotypes.NSpace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.namespaces, ns)
}

// String implements fmt.Stringer for logging.
func (m *Mountpoint) String() string {
	return fmt.Sprintf("mountpoint(%s uuid=%s)", m.path, m.uuid)
}
