package clusternode

import (
	"context"
	"errors"
	"testing"

	"github.com/volumerouter/volumerouter/internal/circuit"
	"github.com/volumerouter/volumerouter/pkg/scotypes"
)

type fakeEngine struct {
	readN int
	err   error
}

func (f *fakeEngine) Read(ctx context.Context, obj scotypes.ObjectID, ns scotypes.NSpace, buf []byte, off int64) (int, error) {
	return f.readN, f.err
}
func (f *fakeEngine) Write(ctx context.Context, obj scotypes.ObjectID, ns scotypes.NSpace, buf []byte, off int64) (int, error) {
	return len(buf), f.err
}
func (f *fakeEngine) Sync(ctx context.Context, obj scotypes.ObjectID, ns scotypes.NSpace) error {
	return f.err
}
func (f *fakeEngine) GetSize(ctx context.Context, obj scotypes.ObjectID, ns scotypes.NSpace) (uint64, error) {
	return 42, f.err
}
func (f *fakeEngine) Resize(ctx context.Context, obj scotypes.ObjectID, ns scotypes.NSpace, newSize uint64) error {
	return f.err
}
func (f *fakeEngine) Unlink(ctx context.Context, obj scotypes.ObjectID, ns scotypes.NSpace) error {
	return f.err
}
func (f *fakeEngine) Transfer(ctx context.Context, obj scotypes.ObjectID, ns scotypes.NSpace) error {
	return f.err
}

func TestLocalDispatchesToEngine(t *testing.T) {
	eng := &fakeEngine{readN: 10}
	l := NewLocal("node-a", eng)
	if l.NodeID() != "node-a" {
		t.Fatalf("unexpected node id: %s", l.NodeID())
	}

	obj := Object{ID: scotypes.ObjectID{Type: scotypes.ObjectTypeVolume, ID: "vol1"}, NSpace: "ns1"}
	n, err := l.Read(context.Background(), obj, make([]byte, 10), 0)
	if err != nil || n != 10 {
		t.Fatalf("Read: n=%d err=%v", n, err)
	}

	size, err := l.GetSize(context.Background(), obj)
	if err != nil || size != 42 {
		t.Fatalf("GetSize: size=%d err=%v", size, err)
	}
}

type fakeTransport struct {
	err error
}

func (f *fakeTransport) Read(ctx context.Context, node scotypes.NodeID, obj Object, buf []byte, off int64) (int, error) {
	return 0, f.err
}
func (f *fakeTransport) Write(ctx context.Context, node scotypes.NodeID, obj Object, buf []byte, off int64) (int, error) {
	return 0, f.err
}
func (f *fakeTransport) Sync(ctx context.Context, node scotypes.NodeID, obj Object) error {
	return f.err
}
func (f *fakeTransport) GetSize(ctx context.Context, node scotypes.NodeID, obj Object) (uint64, error) {
	return 0, f.err
}
func (f *fakeTransport) Resize(ctx context.Context, node scotypes.NodeID, obj Object, newSize uint64) error {
	return f.err
}
func (f *fakeTransport) Unlink(ctx context.Context, node scotypes.NodeID, obj Object) error {
	return f.err
}
func (f *fakeTransport) Transfer(ctx context.Context, node scotypes.NodeID, obj Object) error {
	return f.err
}

func TestRemoteTripsBreakerOnRepeatedFailure(t *testing.T) {
	failing := errors.New("connection refused")
	tp := &fakeTransport{err: failing}
	mgr := circuit.NewManager(circuit.Config{})
	r := NewRemote("node-b", tp, mgr)

	obj := Object{ID: scotypes.ObjectID{Type: scotypes.ObjectTypeVolume, ID: "vol1"}, NSpace: "ns1"}

	var lastErr error
	for i := 0; i < 20; i++ {
		_, lastErr = r.Read(context.Background(), obj, make([]byte, 4), 0)
	}
	if lastErr == nil {
		t.Fatal("expected repeated remote failures to eventually surface an error")
	}
	if _, err := r.Read(context.Background(), obj, make([]byte, 4), 0); !errors.Is(err, circuit.ErrOpenState) {
		t.Fatalf("expected the breaker to be open after 20 failures, got %v", err)
	}
}
