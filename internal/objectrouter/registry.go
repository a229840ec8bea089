package objectrouter

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/volumerouter/volumerouter/pkg/scotypes"
)

// Registry is the consensus-backed registry consumer interface the
// router depends on. internal/distributed's consensus engine backs a
// concrete implementation (registry_consensus.go); tests substitute an
// in-memory fake.
type Registry interface {
	Find(id scotypes.VolumeID, ignoreCache bool) (scotypes.Registration, bool, error)
	RegisterBase(id scotypes.VolumeID, ns scotypes.NSpace, owner scotypes.NodeID) error
	RegisterClone(id scotypes.VolumeID, ns scotypes.NSpace, owner scotypes.NodeID, tree scotypes.TreeConfig) error
	RegisterFile(id scotypes.VolumeID, ns scotypes.NSpace, owner scotypes.NodeID) error
	Unregister(id scotypes.VolumeID) error
	Migrate(id scotypes.VolumeID, from, to scotypes.NodeID) (scotypes.OwnerTag, error)
	PrepareMigrate(seq uint64, id scotypes.VolumeID, from, to scotypes.NodeID) error
	SetNodeState(node scotypes.NodeID, state scotypes.NodeState) error
	PrepareNodeOfflineAssertion(seq uint64, node scotypes.NodeID) error
	ConvertBaseToClone(id scotypes.VolumeID, ns scotypes.NSpace, parent scotypes.VolumeID, snapshot string) error
	NodeState(node scotypes.NodeID) (scotypes.NodeState, bool)
}

// ErrNotRegistered indicates Find found no registration for a volume.
type ErrNotRegistered struct{ VolumeID scotypes.VolumeID }

func (e *ErrNotRegistered) Error() string {
	return fmt.Sprintf("objectrouter: volume %s is not registered", e.VolumeID)
}

// registryCacheEntry is one node of the "last known owner" LRU.
type registryCacheEntry struct {
	id  scotypes.VolumeID
	reg scotypes.Registration
}

// CachedRegistry wraps a Registry with a bounded "last known owner"
// cache so that the hot path (routing a read/write) doesn't take the
// registry's consensus round-trip on every call. It is a container/list
// + map LRU with an explicit capacity, keyed by volume id, since a
// registration is a small fixed-size struct, not a blob.
type CachedRegistry struct {
	backing  Registry
	capacity int

	mu    sync.Mutex
	order *list.List
	items map[scotypes.VolumeID]*list.Element
}

// NewCachedRegistry wraps backing with an LRU of the given capacity.
func NewCachedRegistry(backing Registry, capacity int) *CachedRegistry {
	if capacity <= 0 {
		capacity = 4096
	}
	return &CachedRegistry{
		backing:  backing,
		capacity: capacity,
		order:    list.New(),
		items:    make(map[scotypes.VolumeID]*list.Element),
	}
}

// Find consults the cache first unless ignoreCache is set (the router
// sets this when it retries after a failed lookup or a rerouteable
// dispatch error, and after a steal, to force a fresh lookup).
func (c *CachedRegistry) Find(id scotypes.VolumeID, ignoreCache bool) (scotypes.Registration, bool, error) {
	if !ignoreCache {
		if reg, ok := c.get(id); ok {
			return reg, true, nil
		}
	}

	reg, ok, err := c.backing.Find(id, true)
	if err != nil || !ok {
		return scotypes.Registration{}, ok, err
	}
	c.put(id, reg)
	return reg, true, nil
}

func (c *CachedRegistry) get(id scotypes.VolumeID) (scotypes.Registration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return scotypes.Registration{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*registryCacheEntry).reg, true
}

func (c *CachedRegistry) put(id scotypes.VolumeID, reg scotypes.Registration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[id]; ok {
		el.Value.(*registryCacheEntry).reg = reg
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&registryCacheEntry{id: id, reg: reg})
	c.items[id] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*registryCacheEntry).id)
	}
}

func (c *CachedRegistry) invalidate(id scotypes.VolumeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		c.order.Remove(el)
		delete(c.items, id)
	}
}

func (c *CachedRegistry) RegisterBase(id scotypes.VolumeID, ns scotypes.NSpace, owner scotypes.NodeID) error {
	return c.backing.RegisterBase(id, ns, owner)
}

func (c *CachedRegistry) RegisterClone(id scotypes.VolumeID, ns scotypes.NSpace, owner scotypes.NodeID, tree scotypes.TreeConfig) error {
	return c.backing.RegisterClone(id, ns, owner, tree)
}

func (c *CachedRegistry) RegisterFile(id scotypes.VolumeID, ns scotypes.NSpace, owner scotypes.NodeID) error {
	return c.backing.RegisterFile(id, ns, owner)
}

func (c *CachedRegistry) Unregister(id scotypes.VolumeID) error {
	c.invalidate(id)
	return c.backing.Unregister(id)
}

func (c *CachedRegistry) Migrate(id scotypes.VolumeID, from, to scotypes.NodeID) (scotypes.OwnerTag, error) {
	tag, err := c.backing.Migrate(id, from, to)
	if err == nil {
		c.invalidate(id)
	}
	return tag, err
}

func (c *CachedRegistry) PrepareMigrate(seq uint64, id scotypes.VolumeID, from, to scotypes.NodeID) error {
	return c.backing.PrepareMigrate(seq, id, from, to)
}

func (c *CachedRegistry) SetNodeState(node scotypes.NodeID, state scotypes.NodeState) error {
	return c.backing.SetNodeState(node, state)
}

func (c *CachedRegistry) PrepareNodeOfflineAssertion(seq uint64, node scotypes.NodeID) error {
	return c.backing.PrepareNodeOfflineAssertion(seq, node)
}

func (c *CachedRegistry) ConvertBaseToClone(id scotypes.VolumeID, ns scotypes.NSpace, parent scotypes.VolumeID, snapshot string) error {
	c.invalidate(id)
	return c.backing.ConvertBaseToClone(id, ns, parent, snapshot)
}

func (c *CachedRegistry) NodeState(node scotypes.NodeID) (scotypes.NodeState, bool) {
	return c.backing.NodeState(node)
}
