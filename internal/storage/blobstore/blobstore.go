// Package blobstore persists simulation outputs and parameter archives as
// gzip-compressed blobs on a pluggable medium.
//
// Put overwrites: writing an existing key replaces its content and bumps its
// modification time. Re-uploaded results rely on this. Callers that need
// write-once semantics must check Exists first.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/episim-labs/episim-go/internal/domain"
)

// Info is blob metadata. Size is the stored, compressed size.
type Info struct {
	Key       string
	Size      int64
	UpdatedAt time.Time
}

// Backend is a storage medium for compressed blobs. Read and Stat return
// domain.ErrNotFound for missing keys; Remove of a missing key succeeds.
type Backend interface {
	Write(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	Stat(ctx context.Context, key string) (Info, error)
	Remove(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

type Store struct {
	backend Backend
	level   int
}

func New(backend Backend) (*Store, error) {
	if backend == nil {
		return nil, errors.New("blob backend is required")
	}
	return &Store{backend: backend, level: gzip.DefaultCompression}, nil
}

// Put compresses raw and stores it under key, replacing any previous blob.
func (s *Store) Put(ctx context.Context, key string, raw []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	data, err := compress(raw, s.level)
	if err != nil {
		return domain.Storage("compress "+key, err)
	}
	return domain.Storage("put "+key, s.backend.Write(ctx, key, data))
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := s.backend.Read(ctx, key)
	if err != nil {
		return nil, domain.Storage("get "+key, err)
	}
	raw, err := decompress(data)
	if err != nil {
		return nil, &domain.DecodeError{Key: key, Err: err}
	}
	return raw, nil
}

// Exists reports whether key is stored without transferring its payload.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Stat(ctx context.Context, key string) (Info, error) {
	if err := ValidateKey(key); err != nil {
		return Info{}, err
	}
	info, err := s.backend.Stat(ctx, key)
	if err != nil {
		return Info{}, domain.Storage("stat "+key, err)
	}
	info.Key = key
	return info, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return domain.Storage("delete "+key, s.backend.Remove(ctx, key))
}

func (s *Store) Ping(ctx context.Context) error {
	return domain.Storage("ping", s.backend.Ping(ctx))
}

func compress(raw []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip header: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gzip body: %w", err)
	}
	return raw, nil
}
