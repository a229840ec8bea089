package localnode

import (
	"context"
	"time"

	volerrors "github.com/volumerouter/volumerouter/pkg/errors"
	"github.com/volumerouter/volumerouter/pkg/scotypes"
)

// CreateVolume registers {id, ns} in the registry, allocates an
// owner-tag by virtue of registration, creates the backend namespace
// and engine instance, and configures the failover cache. A failed
// engine create rolls back the registration; failover-cache
// configuration errors are logged but never undo the create.
func (e *Engine) CreateVolume(ctx context.Context, id scotypes.VolumeID, ns scotypes.NSpace, owner scotypes.NodeID, sizeBytes uint64) error {
	unlock := e.locks.lock(scotypes.ObjectID{Type: scotypes.ObjectTypeVolume, ID: string(id)})
	defer unlock()

	if err := e.registry.RegisterBase(id, ns, owner); err != nil {
		return err
	}

	if err := e.volumes.Create(ctx, id, ns, sizeBytes); err != nil {
		if unregErr := e.registry.Unregister(id); unregErr != nil {
			e.log.Error("create rollback: unregister failed", "volume", id, "error", unregErr)
		}
		return err
	}

	e.adjustFailoverCache(ctx, id)
	return nil
}

// CloneVolume registers the clone pointing at {parent, optional
// parent-snapshot}, and calls the engine's clone using the parent's
// namespace fetched from the registry bypassing the cache.
func (e *Engine) CloneVolume(ctx context.Context, id scotypes.VolumeID, ns scotypes.NSpace, owner scotypes.NodeID, parent scotypes.VolumeID, parentSnapshot string) error {
	unlock := e.locks.lock(scotypes.ObjectID{Type: scotypes.ObjectTypeVolume, ID: string(id)})
	defer unlock()

	parentReg, ok, err := e.registry.Find(parent, true)
	if err != nil {
		return err
	}
	if !ok {
		return &objectRouterNotRegistered{volume: parent}
	}

	tree := scotypes.TreeConfig{IsClone: true, ParentVolume: parent, ParentSnapshot: parentSnapshot}
	if err := e.registry.RegisterClone(id, ns, owner, tree); err != nil {
		return err
	}

	if err := e.volumes.Clone(ctx, id, ns, parentReg.NSpace, parentSnapshot); err != nil {
		if unregErr := e.registry.Unregister(id); unregErr != nil {
			e.log.Error("clone rollback: unregister failed", "volume", id, "error", unregErr)
		}
		return err
	}

	e.adjustFailoverCache(ctx, id)
	return nil
}

// VAAIFlags selects the VAAI-style copy variant.
type VAAIFlags struct {
	Lazy       bool
	Guarded    bool
	SkipZeroes bool
}

// VAAICopy snapshots src, waits for it to sync to the backend (bounded
// by syncTimeout, else the snapshot is deleted and the call fails),
// then either clones a new volume off that snapshot (Lazy|Guarded) or
// clones onto an existing destination after a size check
// (SkipZeroes). Any other flag combination fails validation and
// deletes the snapshot.
func (e *Engine) VAAICopy(ctx context.Context, src, dst scotypes.VolumeID, owner scotypes.NodeID, flags VAAIFlags, syncTimeout time.Duration) error {
	snapshot := "vaai-" + string(dst)

	if err := e.volumes.Snapshot(ctx, src, snapshot); err != nil {
		return err
	}

	syncCtx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	if err := e.volumes.WaitForSnapshotSynced(syncCtx, src, snapshot); err != nil {
		e.deleteSnapshotBestEffort(src, snapshot)
		return err
	}

	switch {
	case flags.Lazy && flags.Guarded && !flags.SkipZeroes:
		srcReg, ok, err := e.registry.Find(src, true)
		if err != nil || !ok {
			e.deleteSnapshotBestEffort(src, snapshot)
			if err != nil {
				return err
			}
			return &objectRouterNotRegistered{volume: src}
		}
		if err := e.CloneVolume(ctx, dst, srcReg.NSpace, owner, src, snapshot); err != nil {
			e.deleteSnapshotBestEffort(src, snapshot)
			return err
		}
		return nil

	case flags.SkipZeroes && !flags.Lazy && !flags.Guarded:
		srcSize, err := e.volumes.GetSize(ctx, src)
		if err != nil {
			e.deleteSnapshotBestEffort(src, snapshot)
			return err
		}
		dstSize, err := e.volumes.GetSize(ctx, dst)
		if err != nil {
			e.deleteSnapshotBestEffort(src, snapshot)
			return err
		}
		if srcSize != dstSize {
			e.deleteSnapshotBestEffort(src, snapshot)
			return volerrors.NewError(volerrors.ErrCodeInvalidOperation, "VAAI copy: source and destination sizes differ").
				WithComponent("localnode").WithOperation("vaai_copy")
		}
		srcReg, ok, err := e.registry.Find(src, true)
		if err != nil || !ok {
			e.deleteSnapshotBestEffort(src, snapshot)
			if err != nil {
				return err
			}
			return &objectRouterNotRegistered{volume: src}
		}
		if err := e.volumes.CloneOnto(ctx, dst, srcReg.NSpace, snapshot); err != nil {
			e.deleteSnapshotBestEffort(src, snapshot)
			return err
		}
		return nil

	default:
		e.deleteSnapshotBestEffort(src, snapshot)
		return volerrors.NewError(volerrors.ErrCodeInvalidOperation, "VAAI copy: unsupported flag combination").
			WithComponent("localnode").WithOperation("vaai_copy")
	}
}

func (e *Engine) deleteSnapshotBestEffort(id scotypes.VolumeID, snapshot string) {
	if err := e.volumes.DeleteSnapshot(context.Background(), id, snapshot); err != nil {
		e.log.Error("VAAI copy cleanup: failed to delete staging snapshot", "volume", id, "snapshot", snapshot, "error", err)
	}
}

// SnapshotRollback rejects the call if any still-referenced descendant
// snapshot is more recent than the target; otherwise the engine
// performs the rollback.
func (e *Engine) SnapshotRollback(ctx context.Context, id scotypes.VolumeID, snapshot string) error {
	unlock := e.locks.lock(scotypes.ObjectID{Type: scotypes.ObjectTypeVolume, ID: string(id)})
	defer unlock()

	newer, err := e.volumes.HasNewerDescendantSnapshot(ctx, id, snapshot)
	if err != nil {
		return err
	}
	if newer {
		return volerrors.NewError(volerrors.ErrCodeObjectHasChildren, "rollback blocked: a descendant has a more recent snapshot").
			WithComponent("localnode").WithOperation("snapshot_rollback")
	}
	return e.volumes.RollbackSnapshot(ctx, id, snapshot)
}

// SnapshotDelete rejects the call if any descendant still references
// the snapshot.
func (e *Engine) SnapshotDelete(ctx context.Context, id scotypes.VolumeID, snapshot string) error {
	unlock := e.locks.lock(scotypes.ObjectID{Type: scotypes.ObjectTypeVolume, ID: string(id)})
	defer unlock()

	referenced, err := e.volumes.HasDescendantReferencing(ctx, id, snapshot)
	if err != nil {
		return err
	}
	if referenced {
		return volerrors.NewError(volerrors.ErrCodeObjectHasChildren, "delete blocked: a descendant still references this snapshot").
			WithComponent("localnode").WithOperation("snapshot_delete")
	}
	return e.volumes.DeleteSnapshot(ctx, id, snapshot)
}

// GetScrubWork and ApplyScrubResult delegate to the engine under the
// shared lock; ApplyScrubResult also tallies the observable scrub
// counters. Neither checks whether the volume has descendants before
// delegating.
func (e *Engine) GetScrubWork(ctx context.Context, id scotypes.VolumeID) ([]byte, error) {
	unlock := e.locks.rlock(scotypes.ObjectID{Type: scotypes.ObjectTypeVolume, ID: string(id)})
	defer unlock()
	return e.volumes.GetScrubWork(ctx, id)
}

func (e *Engine) ApplyScrubResult(ctx context.Context, id scotypes.VolumeID, isClone bool, result []byte) error {
	unlock := e.locks.rlock(scotypes.ObjectID{Type: scotypes.ObjectTypeVolume, ID: string(id)})
	defer unlock()

	err := e.volumes.ApplyScrubResult(ctx, id, result)

	e.scrub.mu.Lock()
	switch {
	case isClone && err == nil:
		e.scrub.cloneScrubsOK++
	case isClone:
		e.scrub.cloneScrubsNOK++
	case err == nil:
		e.scrub.parentScrubsOK++
	default:
		e.scrub.parentScrubsNOK++
	}
	e.scrub.mu.Unlock()

	return err
}

// ScrubStats snapshots the observable scrub counters.
type ScrubStats struct {
	ParentScrubsOK  uint64
	ParentScrubsNOK uint64
	CloneScrubsOK   uint64
	CloneScrubsNOK  uint64
}

func (e *Engine) ScrubStats() ScrubStats {
	e.scrub.mu.Lock()
	defer e.scrub.mu.Unlock()
	return ScrubStats{
		ParentScrubsOK:  e.scrub.parentScrubsOK,
		ParentScrubsNOK: e.scrub.parentScrubsNOK,
		CloneScrubsOK:   e.scrub.cloneScrubsOK,
		CloneScrubsNOK:  e.scrub.cloneScrubsNOK,
	}
}

// adjustFailoverCache consults the configured topology for the
// "correct" DTL config and pushes it to the engine. This is the
// Automatic-mode path the original calls on every successful
// create/clone/restart; a volume explicitly pinned to Manual mode is
// configured through a separate administrative call that does not flow
// through create/clone/restart, so it never reaches this method.
// Errors are swallowed and logged: a failed DTL push never undoes the
// create/clone/restart that triggered it.
func (e *Engine) adjustFailoverCache(ctx context.Context, id scotypes.VolumeID) {
	if e.topology == nil {
		return
	}
	cfg, err := e.topology.AutomaticDTLConfig(id)
	if err != nil {
		e.log.Warn("failover cache adjustment: topology lookup failed", "volume", id, "error", err)
		return
	}
	if !cfg.Configured() {
		return
	}
	if err := e.volumes.SetFailoverCacheConfig(ctx, id, cfg); err != nil {
		e.log.Warn("failover cache adjustment: engine rejected config", "volume", id, "error", err)
	}
}

// Restart is conditional: if the registry says another node owns the
// volume, local data is removed and the volume is treated as "not
// restarted" here; otherwise the engine performs a local restart.
// ForceRestart (used after a steal or auto-migration, where ownership
// was just asserted) skips the ownership check. The signature matches
// objectrouter.RestartVolume so an *Engine can be passed directly as
// the router's restart callback.
func (e *Engine) Restart(ctx context.Context, id scotypes.VolumeID, ns scotypes.NSpace, forceRestart bool) error {
	unlock := e.locks.lock(scotypes.ObjectID{Type: scotypes.ObjectTypeVolume, ID: string(id)})
	defer unlock()

	if !forceRestart {
		reg, ok, err := e.registry.Find(id, false)
		if err == nil && ok && reg.Owner != e.cfg.SelfID {
			return e.volumes.Stop(ctx, id, true)
		}
	}

	if err := e.volumes.Restart(ctx, id, ns, forceRestart); err != nil {
		return err
	}
	e.adjustFailoverCache(ctx, id)
	return nil
}

// Ping round-trips a single message to verify liveness; the local
// node side only needs to respond, so there is nothing to check.
func (e *Engine) Ping(ctx context.Context) error {
	return nil
}

type objectRouterNotRegistered struct {
	volume scotypes.VolumeID
}

func (e *objectRouterNotRegistered) Error() string {
	return "localnode: volume " + string(e.volume) + " is not registered"
}
