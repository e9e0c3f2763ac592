package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"

	"github.com/episim-labs/episim-go/internal/domain"
	platformstore "github.com/episim-labs/episim-go/internal/platform/objectstore"
)

type MinioStore struct {
	client *minio.Client
	cfg    platformstore.Config
}

var _ Store = (*MinioStore)(nil)

// NewMinioStore connects to MinIO and creates the configured bucket if needed.
func NewMinioStore(ctx context.Context, cfg platformstore.Config) (*MinioStore, error) {
	client, err := platformstore.NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := platformstore.EnsureBucket(ctx, client, cfg); err != nil {
		return nil, err
	}
	return &MinioStore{client: client, cfg: cfg}, nil
}

func NewMinioStoreWithClient(client *minio.Client, cfg platformstore.Config) (*MinioStore, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MinioStore{client: client, cfg: cfg}, nil
}

func (s *MinioStore) ready() error {
	if s == nil || s.client == nil {
		return fmt.Errorf("minio store not initialized")
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if err := s.ready(); err != nil {
		return err
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, key, body, size, opts)
	return err
}

func (s *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	if err := s.ready(); err != nil {
		return nil, ObjectInfo{}, err
	}
	info, err := s.Stat(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, mapNotFound(err)
	}
	return obj, info, nil
}

func (s *MinioStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	if err := s.ready(); err != nil {
		return ObjectInfo{}, err
	}
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, mapNotFound(err)
	}
	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		ContentType:  info.ContentType,
		LastModified: info.LastModified.UTC(),
	}, nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.client.RemoveObject(ctx, s.cfg.Bucket, key, minio.RemoveObjectOptions{})
}

func (s *MinioStore) Ping(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return platformstore.CheckBucket(ctx, s.client, s.cfg)
}

func mapNotFound(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return domain.ErrNotFound
	}
	return err
}
