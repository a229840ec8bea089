// Package clusternode provides the cluster-node abstraction: a single
// interface covering both objects hosted on this node (Local) and
// objects hosted on a peer (Remote), so the object router can dispatch
// an operation without caring where it ultimately runs.
package clusternode

import (
	"context"

	"github.com/volumerouter/volumerouter/pkg/scotypes"
)

// Object identifies the target of a cluster-node operation: a volume
// or a plain container file, by the object router's namespace scheme.
type Object struct {
	ID     scotypes.ObjectID
	NSpace scotypes.NSpace
}

// ClusterNode is implemented by Local (in-process dispatch to the
// local volume/file engine) and Remote (dispatch over the router
// transport to a peer). Every method takes a context so a caller can
// bound a remote round-trip without leaking goroutines.
type ClusterNode interface {
	Read(ctx context.Context, obj Object, buf []byte, off int64) (n int, err error)
	Write(ctx context.Context, obj Object, buf []byte, off int64) (n int, err error)
	Sync(ctx context.Context, obj Object) error
	GetSize(ctx context.Context, obj Object) (uint64, error)
	Resize(ctx context.Context, obj Object, newSize uint64) error
	Unlink(ctx context.Context, obj Object) error

	// Transfer asks the node currently hosting obj to sync its backend
	// and drop local state, as the last step before the router updates
	// the registry to point ownership elsewhere.
	Transfer(ctx context.Context, obj Object) error

	// NodeID identifies which cluster node this handle talks to.
	NodeID() scotypes.NodeID
}
