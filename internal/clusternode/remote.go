package clusternode

import (
	"context"
	"fmt"

	"github.com/volumerouter/volumerouter/internal/circuit"
	"github.com/volumerouter/volumerouter/pkg/scotypes"
)

// Transport is the wire-level client Remote dispatches operations
// through. internal/routertransport implements this over a pooled
// socket per peer; kept as a narrow interface here to avoid a circular
// import between clusternode and routertransport.
type Transport interface {
	Read(ctx context.Context, node scotypes.NodeID, obj Object, buf []byte, off int64) (int, error)
	Write(ctx context.Context, node scotypes.NodeID, obj Object, buf []byte, off int64) (int, error)
	Sync(ctx context.Context, node scotypes.NodeID, obj Object) error
	GetSize(ctx context.Context, node scotypes.NodeID, obj Object) (uint64, error)
	Resize(ctx context.Context, node scotypes.NodeID, obj Object, newSize uint64) error
	Unlink(ctx context.Context, node scotypes.NodeID, obj Object) error
	Transfer(ctx context.Context, node scotypes.NodeID, obj Object) error
}

// Remote dispatches to a peer node over Transport, wrapped in a
// per-node circuit breaker so a wedged peer doesn't stall every caller
// routing through it - it trips instead, giving the router a fast
// signal to reconsider ownership.
type Remote struct {
	node    scotypes.NodeID
	tp      Transport
	breaker *circuit.CircuitBreaker
}

// NewRemote wraps tp as a ClusterNode bound to node, using breakers
// from mgr keyed by the node id.
func NewRemote(node scotypes.NodeID, tp Transport, mgr *circuit.Manager) *Remote {
	return &Remote{
		node:    node,
		tp:      tp,
		breaker: mgr.GetBreaker(fmt.Sprintf("clusternode:%s", node)),
	}
}

func (r *Remote) NodeID() scotypes.NodeID { return r.node }

func (r *Remote) Read(ctx context.Context, obj Object, buf []byte, off int64) (n int, err error) {
	err = r.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		var e error
		n, e = r.tp.Read(ctx, r.node, obj, buf, off)
		return e
	})
	return n, err
}

func (r *Remote) Write(ctx context.Context, obj Object, buf []byte, off int64) (n int, err error) {
	err = r.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		var e error
		n, e = r.tp.Write(ctx, r.node, obj, buf, off)
		return e
	})
	return n, err
}

func (r *Remote) Sync(ctx context.Context, obj Object) error {
	return r.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return r.tp.Sync(ctx, r.node, obj)
	})
}

func (r *Remote) GetSize(ctx context.Context, obj Object) (size uint64, err error) {
	err = r.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		var e error
		size, e = r.tp.GetSize(ctx, r.node, obj)
		return e
	})
	return size, err
}

func (r *Remote) Resize(ctx context.Context, obj Object, newSize uint64) error {
	return r.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return r.tp.Resize(ctx, r.node, obj, newSize)
	})
}

func (r *Remote) Unlink(ctx context.Context, obj Object) error {
	return r.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return r.tp.Unlink(ctx, r.node, obj)
	})
}

func (r *Remote) Transfer(ctx context.Context, obj Object) error {
	return r.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return r.tp.Transfer(ctx, r.node, obj)
	})
}
