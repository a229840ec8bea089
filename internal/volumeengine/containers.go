package volumeengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/volumerouter/volumerouter/internal/storage/blob"
	"github.com/volumerouter/volumerouter/pkg/scotypes"
)

// ContainerEngine implements localnode.ContainerManager for plain
// file-typed objects. Unlike volumes, container files are read/written
// whole through the blob backend with an in-process buffer rather than
// through the SCO cache: they're expected to be small metadata/config
// objects, not block-volume-scale data.
type ContainerEngine struct {
	backend blob.Backend

	mu    sync.Mutex
	files map[scotypes.ObjectID]*bytes.Buffer
}

// NewContainerEngine constructs a ContainerEngine over backend.
func NewContainerEngine(backend blob.Backend) *ContainerEngine {
	return &ContainerEngine{backend: backend, files: make(map[scotypes.ObjectID]*bytes.Buffer)}
}

func containerKey(ns scotypes.NSpace, id scotypes.ObjectID) string {
	return fmt.Sprintf("%s/container/%s", ns, id.ID)
}

func (c *ContainerEngine) load(ctx context.Context, id scotypes.ObjectID, ns scotypes.NSpace) (*bytes.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if buf, ok := c.files[id]; ok {
		return buf, nil
	}

	info, err := c.backend.StatObject(ctx, containerKey(ns, id))
	if err != nil {
		buf := &bytes.Buffer{}
		c.files[id] = buf
		return buf, nil
	}

	data := make([]byte, info.Size)
	if err := c.backend.GetObject(ctx, containerKey(ns, id), sliceWriter{data}, 0, info.Size); err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer(data)
	c.files[id] = buf
	return buf, nil
}

type sliceWriter struct{ data []byte }

func (w sliceWriter) WriteAt(p []byte, off int64) (int, error) {
	n := copy(w.data[off:], p)
	return n, nil
}

func (c *ContainerEngine) Read(ctx context.Context, id scotypes.ObjectID, ns scotypes.NSpace, buf []byte, off int64) (int, error) {
	b, err := c.load(ctx, id, ns)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	data := b.Bytes()
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	return copy(buf, data[off:]), nil
}

func (c *ContainerEngine) Write(ctx context.Context, id scotypes.ObjectID, ns scotypes.NSpace, buf []byte, off int64) (int, error) {
	b, err := c.load(ctx, id, ns)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	end := off + int64(len(buf))
	data := b.Bytes()
	if end > int64(len(data)) {
		grown := make([]byte, end)
		copy(grown, data)
		*b = *bytes.NewBuffer(grown)
	}
	copy(b.Bytes()[off:end], buf)
	return len(buf), nil
}

func (c *ContainerEngine) Sync(ctx context.Context, id scotypes.ObjectID, ns scotypes.NSpace) error {
	c.mu.Lock()
	b, ok := c.files[id]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.backend.PutObject(ctx, containerKey(ns, id), bytes.NewReader(b.Bytes()), int64(b.Len()))
}

func (c *ContainerEngine) GetSize(ctx context.Context, id scotypes.ObjectID, ns scotypes.NSpace) (uint64, error) {
	b, err := c.load(ctx, id, ns)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(b.Len()), nil
}

func (c *ContainerEngine) Resize(ctx context.Context, id scotypes.ObjectID, ns scotypes.NSpace, newSize uint64) error {
	b, err := c.load(ctx, id, ns)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	data := b.Bytes()
	resized := make([]byte, newSize)
	copy(resized, data)
	*b = *bytes.NewBuffer(resized)
	return nil
}

func (c *ContainerEngine) Delete(ctx context.Context, id scotypes.ObjectID, ns scotypes.NSpace) error {
	c.mu.Lock()
	delete(c.files, id)
	c.mu.Unlock()
	return c.backend.DeleteObject(ctx, containerKey(ns, id))
}
