package blobstore

import (
	"bytes"
	"context"
	"io"

	"github.com/episim-labs/episim-go/internal/storage/objectstore"
)

const gzipContentType = "application/gzip"

// MinioBackend stores blobs as objects in a single bucket.
type MinioBackend struct {
	store objectstore.Store
}

var _ Backend = (*MinioBackend)(nil)

func NewMinioBackend(store objectstore.Store) *MinioBackend {
	return &MinioBackend{store: store}
}

func (b *MinioBackend) Write(ctx context.Context, key string, data []byte) error {
	return b.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), gzipContentType)
}

func (b *MinioBackend) Read(ctx context.Context, key string) ([]byte, error) {
	body, _, err := b.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

func (b *MinioBackend) Stat(ctx context.Context, key string) (Info, error) {
	info, err := b.store.Stat(ctx, key)
	if err != nil {
		return Info{}, err
	}
	return Info{Key: key, Size: info.Size, UpdatedAt: info.LastModified}, nil
}

func (b *MinioBackend) Remove(ctx context.Context, key string) error {
	return b.store.Delete(ctx, key)
}

func (b *MinioBackend) Ping(ctx context.Context) error {
	return b.store.Ping(ctx)
}
