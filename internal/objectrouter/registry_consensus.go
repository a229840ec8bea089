package objectrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/volumerouter/volumerouter/internal/distributed"
	"github.com/volumerouter/volumerouter/pkg/scotypes"
)

// ConsensusRegistry is the Registry backed by the cluster's consensus
// engine: every mutation (migrate, register, convert) is only
// permitted while this node is the elected leader, and is assigned a
// proposal through the consensus engine so every follower observes the
// same total order of ownership changes. The resulting registration
// table itself is held locally on the node that made the change;
// nothing applies committed log entries to a follower's table.
type ConsensusRegistry struct {
	cluster   *distributed.ClusterManager
	consensus *distributed.ConsensusEngine

	mu   sync.RWMutex
	regs map[scotypes.VolumeID]scotypes.Registration

	seq atomic.Uint64
}

// NewConsensusRegistry wires a registry on top of an already-started
// cluster manager and consensus engine.
func NewConsensusRegistry(cluster *distributed.ClusterManager, consensus *distributed.ConsensusEngine) *ConsensusRegistry {
	return &ConsensusRegistry{
		cluster:   cluster,
		consensus: consensus,
		regs:      make(map[scotypes.VolumeID]scotypes.Registration),
	}
}

func (r *ConsensusRegistry) Find(id scotypes.VolumeID, _ bool) (scotypes.Registration, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[id]
	return reg, ok, nil
}

type registryMutation struct {
	Op       string                `json:"op"`
	VolumeID scotypes.VolumeID     `json:"volume_id"`
	NSpace   scotypes.NSpace       `json:"nspace"`
	Owner    scotypes.NodeID       `json:"owner"`
	Tree     scotypes.TreeConfig   `json:"tree,omitempty"`
	From     scotypes.NodeID       `json:"from,omitempty"`
	To       scotypes.NodeID       `json:"to,omitempty"`
	Parent   scotypes.VolumeID     `json:"parent,omitempty"`
	Snapshot string                `json:"snapshot,omitempty"`
}

// propose runs m through the consensus engine for sequencing, failing
// immediately if this node is not the leader (only the leader may
// originate registry mutations; followers learn of them by applying
// committed log entries, which is out of scope for this in-process
// registry and is a known simplification - see design notes).
func (r *ConsensusRegistry) propose(m registryMutation) error {
	if !r.cluster.IsLeader() {
		return fmt.Errorf("objectrouter: registry mutations must originate on the cluster leader")
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("objectrouter: encoding registry mutation: %w", err)
	}

	proposal := &distributed.ConsensusProposal{
		Type:     distributed.ProposalTypeOperation,
		Data:     data,
		Proposer: r.cluster.GetNodeID(),
	}
	if err := r.consensus.ProposeChange(context.Background(), proposal); err != nil {
		return fmt.Errorf("objectrouter: proposing registry mutation: %w", err)
	}

	return nil
}

func (r *ConsensusRegistry) RegisterBase(id scotypes.VolumeID, ns scotypes.NSpace, owner scotypes.NodeID) error {
	if err := r.propose(registryMutation{Op: "register_base", VolumeID: id, NSpace: ns, Owner: owner}); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[id] = scotypes.Registration{VolumeID: id, NSpace: ns, Owner: owner}
	return nil
}

func (r *ConsensusRegistry) RegisterClone(id scotypes.VolumeID, ns scotypes.NSpace, owner scotypes.NodeID, tree scotypes.TreeConfig) error {
	if err := r.propose(registryMutation{Op: "register_clone", VolumeID: id, NSpace: ns, Owner: owner, Tree: tree}); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[id] = scotypes.Registration{VolumeID: id, NSpace: ns, Owner: owner, Tree: tree}
	return nil
}

func (r *ConsensusRegistry) RegisterFile(id scotypes.VolumeID, ns scotypes.NSpace, owner scotypes.NodeID) error {
	return r.RegisterBase(id, ns, owner)
}

func (r *ConsensusRegistry) Unregister(id scotypes.VolumeID) error {
	if err := r.propose(registryMutation{Op: "unregister", VolumeID: id}); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.regs, id)
	return nil
}

// Migrate performs the sequenced compare-and-swap described by the
// consumer interface: it only commits if the registration's current
// owner is still from, bumping the owner-tag fencing token on success.
func (r *ConsensusRegistry) Migrate(id scotypes.VolumeID, from, to scotypes.NodeID) (scotypes.OwnerTag, error) {
	r.mu.Lock()
	reg, ok := r.regs[id]
	if !ok {
		r.mu.Unlock()
		return 0, &ErrNotRegistered{VolumeID: id}
	}
	if reg.Owner != from {
		r.mu.Unlock()
		return 0, fmt.Errorf("objectrouter: migrate assertion failed: volume %s owner is %s, not %s", id, reg.Owner, from)
	}
	r.mu.Unlock()

	if err := r.propose(registryMutation{Op: "migrate", VolumeID: id, From: from, To: to}); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	reg = r.regs[id]
	if reg.Owner != from {
		return 0, fmt.Errorf("objectrouter: migrate race lost on volume %s", id)
	}
	reg.Owner = to
	reg.OwnerTag++
	r.regs[id] = reg
	return reg.OwnerTag, nil
}

func (r *ConsensusRegistry) PrepareMigrate(seq uint64, id scotypes.VolumeID, from, to scotypes.NodeID) error {
	return r.propose(registryMutation{Op: "prepare_migrate", VolumeID: id, From: from, To: to})
}

func (r *ConsensusRegistry) SetNodeState(node scotypes.NodeID, state scotypes.NodeState) error {
	status := distributed.NodeStatusAlive
	if state == scotypes.NodeOffline {
		status = distributed.NodeStatusDead
	}
	r.cluster.UpdateNodeInfo(string(node), &distributed.NodeInfo{ID: string(node), Status: status})
	return nil
}

func (r *ConsensusRegistry) PrepareNodeOfflineAssertion(seq uint64, node scotypes.NodeID) error {
	state, ok := r.NodeState(node)
	if !ok {
		return fmt.Errorf("objectrouter: node %s unknown to registry", node)
	}
	if state != scotypes.NodeOffline {
		return fmt.Errorf("objectrouter: node %s is not offline", node)
	}
	return nil
}

func (r *ConsensusRegistry) ConvertBaseToClone(id scotypes.VolumeID, ns scotypes.NSpace, parent scotypes.VolumeID, snapshot string) error {
	if err := r.propose(registryMutation{Op: "convert_base_to_clone", VolumeID: id, NSpace: ns, Parent: parent, Snapshot: snapshot}); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	reg := r.regs[id]
	reg.Tree.IsClone = true
	reg.Tree.ParentVolume = parent
	reg.Tree.ParentSnapshot = snapshot
	r.regs[id] = reg
	return nil
}

func (r *ConsensusRegistry) NodeState(node scotypes.NodeID) (scotypes.NodeState, bool) {
	nodes := r.cluster.GetNodes()
	info, ok := nodes[string(node)]
	if !ok {
		return scotypes.NodeOffline, false
	}
	if info.Status == distributed.NodeStatusAlive {
		return scotypes.NodeOnline, true
	}
	return scotypes.NodeOffline, true
}

var _ Registry = (*ConsensusRegistry)(nil)
