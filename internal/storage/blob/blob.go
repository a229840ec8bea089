// Package blob narrows the storage backends under internal/storage to
// the small interface the SCO cache's fetch path and the local-node
// volume engine actually need: put, ranged get, delete, and stat.
package blob

import (
	"context"
	"io"

	"github.com/volumerouter/volumerouter/internal/storage/s3"
	"github.com/volumerouter/volumerouter/pkg/types"
)

// ObjectInfo is the subset of backend object metadata callers need.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified string
	ETag         string
}

// Backend is the blob store abstraction volume-data persistence
// depends on, independent of which object store backs it.
type Backend interface {
	PutObject(ctx context.Context, key string, r io.Reader, size int64) error
	GetObject(ctx context.Context, key string, w io.WriterAt, offset, size int64) error
	DeleteObject(ctx context.Context, key string) error
	StatObject(ctx context.Context, key string) (ObjectInfo, error)
}

// S3Backend adapts internal/storage/s3.Backend to Backend.
type S3Backend struct {
	backend *s3.Backend
}

// NewS3Backend wraps an already-constructed S3 backend.
func NewS3Backend(backend *s3.Backend) *S3Backend {
	return &S3Backend{backend: backend}
}

func (b *S3Backend) PutObject(ctx context.Context, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(io.LimitReader(r, size))
	if err != nil {
		return err
	}
	return b.backend.PutObject(ctx, key, data)
}

func (b *S3Backend) GetObject(ctx context.Context, key string, w io.WriterAt, offset, size int64) error {
	data, err := b.backend.GetObject(ctx, key, offset, size)
	if err != nil {
		return err
	}
	_, err = w.WriteAt(data, offset)
	return err
}

func (b *S3Backend) DeleteObject(ctx context.Context, key string) error {
	return b.backend.DeleteObject(ctx, key)
}

func (b *S3Backend) StatObject(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := b.backend.HeadObject(ctx, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	return objectInfoFrom(info), nil
}

func objectInfoFrom(info *types.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		LastModified: info.LastModified.String(),
		ETag:         info.ETag,
	}
}
