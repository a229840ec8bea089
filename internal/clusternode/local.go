package clusternode

import (
	"context"

	"github.com/volumerouter/volumerouter/pkg/scotypes"
)

// LocalEngine is the subset of the local volume/file engine that Local
// dispatches to. internal/localnode implements this; kept as a narrow
// interface here (rather than importing that package) so clusternode
// has no dependency on the engine's retry/locking internals.
type LocalEngine interface {
	Read(ctx context.Context, obj scotypes.ObjectID, ns scotypes.NSpace, buf []byte, off int64) (int, error)
	Write(ctx context.Context, obj scotypes.ObjectID, ns scotypes.NSpace, buf []byte, off int64) (int, error)
	Sync(ctx context.Context, obj scotypes.ObjectID, ns scotypes.NSpace) error
	GetSize(ctx context.Context, obj scotypes.ObjectID, ns scotypes.NSpace) (uint64, error)
	Resize(ctx context.Context, obj scotypes.ObjectID, ns scotypes.NSpace, newSize uint64) error
	Unlink(ctx context.Context, obj scotypes.ObjectID, ns scotypes.NSpace) error
	Transfer(ctx context.Context, obj scotypes.ObjectID, ns scotypes.NSpace) error
}

// Local dispatches straight to the engine hosting the object on this
// node; no network hop, no circuit breaker.
type Local struct {
	node   scotypes.NodeID
	engine LocalEngine
}

// NewLocal wraps engine as a ClusterNode bound to this node's id.
func NewLocal(node scotypes.NodeID, engine LocalEngine) *Local {
	return &Local{node: node, engine: engine}
}

func (l *Local) NodeID() scotypes.NodeID { return l.node }

func (l *Local) Read(ctx context.Context, obj Object, buf []byte, off int64) (int, error) {
	return l.engine.Read(ctx, obj.ID, obj.NSpace, buf, off)
}

func (l *Local) Write(ctx context.Context, obj Object, buf []byte, off int64) (int, error) {
	return l.engine.Write(ctx, obj.ID, obj.NSpace, buf, off)
}

func (l *Local) Sync(ctx context.Context, obj Object) error {
	return l.engine.Sync(ctx, obj.ID, obj.NSpace)
}

func (l *Local) GetSize(ctx context.Context, obj Object) (uint64, error) {
	return l.engine.GetSize(ctx, obj.ID, obj.NSpace)
}

func (l *Local) Resize(ctx context.Context, obj Object, newSize uint64) error {
	return l.engine.Resize(ctx, obj.ID, obj.NSpace, newSize)
}

func (l *Local) Unlink(ctx context.Context, obj Object) error {
	return l.engine.Unlink(ctx, obj.ID, obj.NSpace)
}

func (l *Local) Transfer(ctx context.Context, obj Object) error {
	return l.engine.Transfer(ctx, obj.ID, obj.NSpace)
}
