// Package objectrouter implements the cluster's entry point for every
// block operation: it resolves a volume's current owner through the
// registry, dispatches to that owner (locally or over the wire),
// attempts ownership theft when the owner has gone offline, and
// migrates ownership toward whichever node is actually doing the work.
package objectrouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/volumerouter/volumerouter/internal/clusternode"
	volerrors "github.com/volumerouter/volumerouter/pkg/errors"
	"github.com/volumerouter/volumerouter/pkg/scotypes"
)

// Config is the router's recognized configuration surface.
type Config struct {
	ID        scotypes.NodeID
	ClusterID string

	VolumeReadThreshold             uint64
	VolumeWriteThreshold            uint64
	FileReadThreshold                uint64
	FileWriteThreshold                uint64
	CheckLocalVolumePotentialPeriod uint64

	BackendSyncTimeout time.Duration
	MigrateTimeout     time.Duration
	RedirectTimeout    time.Duration

	RedirectRetries        int
	RoutingRetries         int
	RegistryCacheCapacity  int
}

// DefaultConfig mirrors the thresholds the original ships with.
func DefaultConfig() Config {
	return Config{
		VolumeReadThreshold:              500,
		VolumeWriteThreshold:             500,
		FileReadThreshold:                500,
		FileWriteThreshold:               500,
		CheckLocalVolumePotentialPeriod:  100,
		BackendSyncTimeout:               30 * time.Second,
		MigrateTimeout:                   60 * time.Second,
		RedirectTimeout:                  5 * time.Second,
		RedirectRetries:                  3,
		RoutingRetries:                   3,
		RegistryCacheCapacity:            4096,
	}
}

// LocalVolumePotential reports whether this node is presently willing
// to take on ownership of another volume (disk headroom, SCO cache
// capacity, open-handle budget, etc.) - owned by the caller, not this
// package, since it depends on local-node and SCO cache state.
type LocalVolumePotential func() bool

// RestartVolume restarts the engine's in-memory state for a volume
// from the backend after a steal or migration (ForceRestart semantics:
// the DTL is known-empty since the prior owner never acknowledged
// writes past what's on the backend).
type RestartVolume func(ctx context.Context, id scotypes.VolumeID, ns scotypes.NSpace, forceRestart bool) error

// EventPublisher receives router lifecycle events for observability.
// Implementations typically just log; this exists as an interface so
// metrics wiring can also hook in without changing router internals.
type EventPublisher interface {
	RedirectTimeoutWhileOnline(volume scotypes.VolumeID, owner scotypes.NodeID)
	OwnershipStolen(volume scotypes.VolumeID, from, to scotypes.NodeID)
	OwnershipMigrated(volume scotypes.VolumeID, from, to scotypes.NodeID)
}

type slogEventPublisher struct{ log *slog.Logger }

func (p slogEventPublisher) RedirectTimeoutWhileOnline(volume scotypes.VolumeID, owner scotypes.NodeID) {
	p.log.Warn("redirect timed out while owner still online", "volume", volume, "owner", owner)
}
func (p slogEventPublisher) OwnershipStolen(volume scotypes.VolumeID, from, to scotypes.NodeID) {
	p.log.Warn("ownership stolen", "volume", volume, "from", from, "to", to)
}
func (p slogEventPublisher) OwnershipMigrated(volume scotypes.VolumeID, from, to scotypes.NodeID) {
	p.log.Info("ownership migrated", "volume", volume, "from", from, "to", to)
}

// opKind distinguishes read/write traffic (each with its own
// auto-migration threshold) from operations that never trigger
// migration (sync, get-size, resize, unlink).
type opKind int

const (
	opOther opKind = iota
	opKindRead
	opKindWrite
)

type volumeCounters struct {
	mu          sync.Mutex
	reads       uint64
	writes      uint64
	checksSince uint64
}

// Router is the per-cluster-node object router.
type Router struct {
	cfg      Config
	log      *slog.Logger
	registry *CachedRegistry
	events   EventPublisher

	nodesMu sync.RWMutex
	nodes   map[scotypes.NodeID]clusternode.ClusterNode

	countersMu sync.Mutex
	counters   map[scotypes.VolumeID]*volumeCounters

	localPotential LocalVolumePotential
	restart        RestartVolume
}

// New constructs a Router. local is this node's own ClusterNode (a
// clusternode.Local); additional peers are added with AddNode as the
// registry/gossip layer discovers them.
func New(cfg Config, registry Registry, local clusternode.ClusterNode, localPotential LocalVolumePotential, restart RestartVolume, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		cfg:            cfg,
		log:            log,
		registry:       NewCachedRegistry(registry, cfg.RegistryCacheCapacity),
		events:         slogEventPublisher{log: log},
		nodes:          make(map[scotypes.NodeID]clusternode.ClusterNode),
		counters:       make(map[scotypes.VolumeID]*volumeCounters),
		localPotential: localPotential,
		restart:        restart,
	}
	r.nodes[cfg.ID] = local
	return r
}

// AddNode registers (or replaces) the ClusterNode handle for a peer.
func (r *Router) AddNode(node clusternode.ClusterNode) {
	r.nodesMu.Lock()
	defer r.nodesMu.Unlock()
	r.nodes[node.NodeID()] = node
}

// RemoveNode drops a peer's handle, e.g. once it's confirmed offline.
func (r *Router) RemoveNode(id scotypes.NodeID) {
	r.nodesMu.Lock()
	defer r.nodesMu.Unlock()
	delete(r.nodes, id)
}

func (r *Router) nodeFor(id scotypes.NodeID) (clusternode.ClusterNode, bool) {
	r.nodesMu.RLock()
	defer r.nodesMu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

func (r *Router) countersFor(id scotypes.VolumeID) *volumeCounters {
	r.countersMu.Lock()
	defer r.countersMu.Unlock()
	c, ok := r.counters[id]
	if !ok {
		c = &volumeCounters{}
		r.counters[id] = c
	}
	return c
}

// routingBackoffUsecs is the fixed exponential-ish sleep table applied
// before every bypass-cache registration refetch following
// ObjectNotRunningHere, VolumeDoesNotExist, or WrongOwner. Attempts
// beyond the table's length reuse its last (longest) entry.
var routingBackoffUsecs = []int64{100, 200, 400, 800, 1600, 3200, 6400, 12800, 25600, 51200, 102400}

// sleepRoutingBackoff sleeps for the attempt'th entry of
// routingBackoffUsecs, returning false without sleeping the full
// duration if ctx is canceled first.
func sleepRoutingBackoff(ctx context.Context, attempt int) bool {
	idx := attempt
	if idx >= len(routingBackoffUsecs) {
		idx = len(routingBackoffUsecs) - 1
	}
	t := time.NewTimer(time.Duration(routingBackoffUsecs[idx]) * time.Microsecond)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// dispatch is the routing loop: resolve the owner, run fn against it
// (locally or remote), retry on ownership conflicts and optionally
// attempt theft on timeout, and drive auto-migration bookkeeping for
// data operations.
func (r *Router) dispatch(ctx context.Context, id scotypes.VolumeID, kind opKind, isVolume bool, attemptTheft bool, fn func(context.Context, clusternode.ClusterNode) error) error {
	ignoreCache := false

	for attempt := 0; attempt <= r.cfg.RoutingRetries; attempt++ {
		reg, ok, err := r.registry.Find(id, ignoreCache)
		if err != nil {
			return fmt.Errorf("objectrouter: looking up volume %s: %w", id, err)
		}
		if !ok {
			if attempt == r.cfg.RoutingRetries {
				return volerrors.NewError(volerrors.ErrCodeObjectNotRegistered, "volume is not registered").
					WithComponent("objectrouter").WithContext("volume", string(id))
			}
			if !sleepRoutingBackoff(ctx, attempt) {
				return ctx.Err()
			}
			ignoreCache = true
			continue
		}

		node, ok := r.nodeFor(reg.Owner)
		if !ok {
			if !sleepRoutingBackoff(ctx, attempt) {
				return ctx.Err()
			}
			ignoreCache = true
			continue
		}

		opCtx := ctx
		var cancel context.CancelFunc
		if node.NodeID() != r.cfg.ID && r.cfg.RedirectTimeout > 0 {
			opCtx, cancel = context.WithTimeout(ctx, r.cfg.RedirectTimeout)
		}
		err = fn(opCtx, node)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			if node.NodeID() != r.cfg.ID {
				r.maybeAutoMigrate(id, reg, kind, isVolume)
			}
			return nil
		}

		if isRerouteable(err) {
			if !sleepRoutingBackoff(ctx, attempt) {
				return ctx.Err()
			}
			ignoreCache = true
			continue
		}

		if errors.Is(opCtx.Err(), context.DeadlineExceeded) || isRequestTimeout(err) {
			online, known := r.registry.NodeState(reg.Owner)
			if known && online == scotypes.NodeOnline {
				r.events.RedirectTimeoutWhileOnline(id, reg.Owner)
			}
			if attemptTheft {
				if stealErr := r.steal(ctx, id, reg.Owner); stealErr == nil {
					ignoreCache = true
					continue
				}
			}
			return volerrors.NewError(volerrors.ErrCodeSyncTimeout, "redirect to owner timed out").
				WithComponent("objectrouter").WithContext("volume", string(id)).WithCause(err)
		}

		return err
	}

	return volerrors.NewError(volerrors.ErrCodeWrongOwner, "exhausted routing retries").
		WithComponent("objectrouter").WithContext("volume", string(id))
}

// isRerouteable reports whether err is one of ObjectNotRunningHere,
// VolumeDoesNotExist, or WrongOwner — the three outcomes that call for
// a backoff sleep and a bypass-cache registration refetch rather than
// surfacing the error to the caller.
func isRerouteable(err error) bool {
	var ofsErr *volerrors.VolumeRouterError
	if errors.As(err, &ofsErr) {
		switch ofsErr.Code {
		case volerrors.ErrCodeWrongOwner, volerrors.ErrCodeNotRunningHere, volerrors.ErrCodeObjectNotRegistered:
			return true
		}
	}
	return false
}

func isRequestTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// steal attempts a sequenced takeover of id's ownership from owner,
// asserting that the registry still considers owner offline. On
// success, the stale cache entry is dropped and steal restarts the
// volume from the backend with ForceRestart; a failed restart is
// logged and does not fail the steal.
func (r *Router) steal(ctx context.Context, id scotypes.VolumeID, owner scotypes.NodeID) error {
	if err := r.registry.PrepareNodeOfflineAssertion(0, owner); err != nil {
		return fmt.Errorf("objectrouter: steal of %s from %s refused: %w", id, owner, err)
	}

	if _, err := r.registry.Migrate(id, owner, r.cfg.ID); err != nil {
		return fmt.Errorf("objectrouter: steal of %s from %s failed: %w", id, owner, err)
	}

	r.events.OwnershipStolen(id, owner, r.cfg.ID)

	if r.restart != nil {
		reg, ok, err := r.registry.Find(id, true)
		if err == nil && ok {
			if err := r.restart(ctx, id, reg.NSpace, true); err != nil {
				r.log.Error("restart after steal failed", "volume", id, "error", err)
			}
		}
	}
	return nil
}

// maybeAutoMigrate increments the per-volume counter for kind and, if
// the configured threshold is crossed, periodically probes this
// node's willingness to host the volume; when willing, it performs a
// full migration (remote transfer + local restart + registry update).
func (r *Router) maybeAutoMigrate(id scotypes.VolumeID, reg scotypes.Registration, kind opKind, isVolume bool) {
	if kind == opOther || r.localPotential == nil {
		return
	}

	var threshold uint64
	switch {
	case isVolume && kind == opKindRead:
		threshold = r.cfg.VolumeReadThreshold
	case isVolume && kind == opKindWrite:
		threshold = r.cfg.VolumeWriteThreshold
	case !isVolume && kind == opKindRead:
		threshold = r.cfg.FileReadThreshold
	case !isVolume && kind == opKindWrite:
		threshold = r.cfg.FileWriteThreshold
	}
	if threshold == 0 {
		return
	}

	c := r.countersFor(id)
	c.mu.Lock()
	if kind == opKindRead {
		c.reads++
	} else {
		c.writes++
	}
	total := c.reads + c.writes
	c.mu.Unlock()

	if total < threshold {
		return
	}

	if isVolume {
		c.mu.Lock()
		c.checksSince++
		due := c.checksSince >= r.cfg.CheckLocalVolumePotentialPeriod
		if due {
			c.checksSince = 0
		}
		c.mu.Unlock()
		if !due {
			return
		}
	}

	if !r.localPotential() {
		return
	}

	go r.migrate(context.Background(), id, reg.Owner)
}

// migrate performs the full ownership transfer: the remote flushes
// its backend state, this node restarts the volume from the backend,
// and the registry is updated to reflect the new owner.
func (r *Router) migrate(ctx context.Context, id scotypes.VolumeID, from scotypes.NodeID) {
	node, ok := r.nodeFor(from)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.MigrateTimeout)
	defer cancel()

	syncCtx, syncCancel := context.WithTimeout(ctx, r.cfg.BackendSyncTimeout)
	defer syncCancel()

	reg, ok, err := r.registry.Find(id, true)
	if err != nil || !ok {
		return
	}

	if err := node.Transfer(syncCtx, clusternode.Object{ID: scotypes.ObjectID{Type: scotypes.ObjectTypeVolume, ID: string(id)}, NSpace: reg.NSpace}); err != nil {
		r.log.Warn("auto-migration transfer failed, will retry on next threshold crossing", "volume", id, "from", from, "error", err)
		return
	}

	if r.restart != nil {
		if err := r.restart(ctx, id, reg.NSpace, true); err != nil {
			r.log.Error("auto-migration restart failed", "volume", id, "error", err)
			return
		}
	}

	if _, err := r.registry.Migrate(id, from, r.cfg.ID); err != nil {
		r.log.Error("auto-migration registry update failed", "volume", id, "error", err)
		return
	}

	r.events.OwnershipMigrated(id, from, r.cfg.ID)
}

func (r *Router) object(id scotypes.VolumeID, ns scotypes.NSpace, isVolume bool) clusternode.Object {
	typ := scotypes.ObjectTypeVolume
	if !isVolume {
		typ = scotypes.ObjectTypeFile
	}
	return clusternode.Object{ID: scotypes.ObjectID{Type: typ, ID: string(id)}, NSpace: ns}
}

// Read routes a read to id's current owner.
func (r *Router) Read(ctx context.Context, id scotypes.VolumeID, ns scotypes.NSpace, isVolume bool, buf []byte, off int64) (int, error) {
	var n int
	err := r.dispatch(ctx, id, opKindRead, isVolume, true, func(ctx context.Context, node clusternode.ClusterNode) error {
		var e error
		n, e = node.Read(ctx, r.object(id, ns, isVolume), buf, off)
		return e
	})
	return n, err
}

// Write routes a write to id's current owner.
func (r *Router) Write(ctx context.Context, id scotypes.VolumeID, ns scotypes.NSpace, isVolume bool, buf []byte, off int64) (int, error) {
	var n int
	err := r.dispatch(ctx, id, opKindWrite, isVolume, true, func(ctx context.Context, node clusternode.ClusterNode) error {
		var e error
		n, e = node.Write(ctx, r.object(id, ns, isVolume), buf, off)
		return e
	})
	return n, err
}

// Sync routes a sync to id's current owner. Sync never triggers
// auto-migration or theft.
func (r *Router) Sync(ctx context.Context, id scotypes.VolumeID, ns scotypes.NSpace, isVolume bool) error {
	return r.dispatch(ctx, id, opOther, isVolume, false, func(ctx context.Context, node clusternode.ClusterNode) error {
		return node.Sync(ctx, r.object(id, ns, isVolume))
	})
}

// GetSize routes a size query to id's current owner.
func (r *Router) GetSize(ctx context.Context, id scotypes.VolumeID, ns scotypes.NSpace, isVolume bool) (uint64, error) {
	var size uint64
	err := r.dispatch(ctx, id, opOther, isVolume, true, func(ctx context.Context, node clusternode.ClusterNode) error {
		var e error
		size, e = node.GetSize(ctx, r.object(id, ns, isVolume))
		return e
	})
	return size, err
}

// Resize routes a resize to id's current owner.
func (r *Router) Resize(ctx context.Context, id scotypes.VolumeID, ns scotypes.NSpace, isVolume bool, newSize uint64) error {
	return r.dispatch(ctx, id, opOther, isVolume, true, func(ctx context.Context, node clusternode.ClusterNode) error {
		return node.Resize(ctx, r.object(id, ns, isVolume), newSize)
	})
}

// Unlink routes an unlink to id's current owner.
func (r *Router) Unlink(ctx context.Context, id scotypes.VolumeID, ns scotypes.NSpace, isVolume bool) error {
	return r.dispatch(ctx, id, opOther, isVolume, true, func(ctx context.Context, node clusternode.ClusterNode) error {
		return node.Unlink(ctx, r.object(id, ns, isVolume))
	})
}

// Locate reports the current registered owner of a volume, bypassing
// the per-call dispatch machinery. Admin/inspection use only.
func (r *Router) Locate(id scotypes.VolumeID) (scotypes.Registration, bool, error) {
	return r.registry.Find(id, false)
}

// NodeInfo summarizes one cluster-node handle known to this router.
type NodeInfo struct {
	ID     scotypes.NodeID
	Online bool
}

// Nodes lists every peer (including the local node) this router can
// currently dispatch to, along with the registry's last known state
// for each.
func (r *Router) Nodes() []NodeInfo {
	r.nodesMu.RLock()
	ids := make([]scotypes.NodeID, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	r.nodesMu.RUnlock()

	infos := make([]NodeInfo, 0, len(ids))
	for _, id := range ids {
		state, ok := r.registry.NodeState(id)
		online := !ok || state == scotypes.NodeOnline
		infos = append(infos, NodeInfo{ID: id, Online: online})
	}
	return infos
}
