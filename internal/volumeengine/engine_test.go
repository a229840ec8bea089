package volumeengine

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/volumerouter/volumerouter/internal/scocache"
	"github.com/volumerouter/volumerouter/internal/storage/blob"
	"github.com/volumerouter/volumerouter/pkg/scotypes"
)

type memBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBackend() *memBackend {
	return &memBackend{objects: make(map[string][]byte)}
}

func (m *memBackend) PutObject(ctx context.Context, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(io.LimitReader(r, size))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memBackend) GetObject(ctx context.Context, key string, w io.WriterAt, offset, size int64) error {
	m.mu.Lock()
	data, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return io.ErrUnexpectedEOF
	}
	_, err := w.WriteAt(data[:size], offset)
	return err
}

func (m *memBackend) DeleteObject(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memBackend) StatObject(ctx context.Context, key string) (blob.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return blob.ObjectInfo{}, io.ErrUnexpectedEOF
	}
	return blob.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cache := scocache.New(scocache.DefaultConfig(), nil)
	t.Cleanup(cache.Close)
	cache.AddMountpoint(scocache.MountpointConfig{Path: t.TempDir(), Capacity: 64 << 20})
	return New(DefaultConfig(), cache, newMemBackend())
}

func TestCreateReadWrite(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Create(ctx, "vol-1", "ns-1", 4096); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	payload := []byte("hello volume")
	if _, err := e.Write(ctx, "vol-1", payload, 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	buf := make([]byte, len(payload))
	if _, err := e.Read(ctx, "vol-1", buf, 0); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Errorf("Read returned %q, want %q", buf, payload)
	}
}

func TestSnapshotAndRollback(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Create(ctx, "vol-1", "ns-1", 16); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := e.Write(ctx, "vol-1", []byte("original16bytes!"), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := e.Snapshot(ctx, "vol-1", "snap-1"); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if _, err := e.Write(ctx, "vol-1", []byte("mutated1mutated!"), 0); err != nil {
		t.Fatalf("second Write failed: %v", err)
	}

	if err := e.RollbackSnapshot(ctx, "vol-1", "snap-1"); err != nil {
		t.Fatalf("RollbackSnapshot failed: %v", err)
	}

	buf := make([]byte, 16)
	if _, err := e.Read(ctx, "vol-1", buf, 0); err != nil {
		t.Fatalf("Read after rollback failed: %v", err)
	}
	if string(buf) != "original16bytes!" {
		t.Errorf("got %q after rollback, want original content", buf)
	}
}

func TestCloneSeedsFromParentSnapshot(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Create(ctx, "parent", "ns-1", 8); err != nil {
		t.Fatalf("Create parent failed: %v", err)
	}
	if _, err := e.Write(ctx, "parent", []byte("parentda"), 0); err != nil {
		t.Fatalf("Write parent failed: %v", err)
	}
	if err := e.Snapshot(ctx, "parent", "base"); err != nil {
		t.Fatalf("Snapshot parent failed: %v", err)
	}

	if err := e.Clone(ctx, "child", "ns-1", "ns-1", "base"); err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	e.RegisterDescendant("parent", "child")

	buf := make([]byte, 8)
	if _, err := e.Read(ctx, "child", buf, 0); err != nil {
		t.Fatalf("Read child failed: %v", err)
	}
	if string(buf) != "parentda" {
		t.Errorf("child content = %q, want parent snapshot content", buf)
	}

	has, err := e.HasDescendantReferencing(ctx, "parent", "base")
	if err != nil {
		t.Fatalf("HasDescendantReferencing failed: %v", err)
	}
	if !has {
		t.Error("expected parent to report a descendant after clone")
	}
}

func TestResizeUpdatesLogicalSize(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Create(ctx, "vol-1", "ns-1", 64); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := e.Resize(ctx, "vol-1", 128); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	size, err := e.GetSize(ctx, "vol-1")
	if err != nil {
		t.Fatalf("GetSize failed: %v", err)
	}
	if size != 128 {
		t.Errorf("size = %d, want 128", size)
	}
}

func TestStopWithDropDataRemovesState(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Create(ctx, "vol-1", "ns-1", 64); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := e.Stop(ctx, "vol-1", true); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := e.GetSize(ctx, "vol-1"); err == nil {
		t.Error("expected error reading size after dropping volume state")
	}
}
