package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/episim-labs/episim-go/internal/domain"
)

// FileBackend keeps one file per key below a root directory. Writes go to a
// temporary sibling first and are renamed into place, so readers never see
// a partial blob.
type FileBackend struct {
	root string
}

var _ Backend = (*FileBackend)(nil)

func NewFileBackend(root string) (*FileBackend, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("blob dir is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve blob dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FileBackend{root: abs}, nil
}

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

func (b *FileBackend) Write(_ context.Context, key string, data []byte) error {
	path := b.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

func (b *FileBackend) Read(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.ErrNotFound
	}
	return data, err
}

func (b *FileBackend) Stat(_ context.Context, key string) (Info, error) {
	fi, err := os.Stat(b.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, domain.ErrNotFound
	}
	if err != nil {
		return Info{}, err
	}
	if fi.IsDir() {
		return Info{}, domain.ErrNotFound
	}
	return Info{Key: key, Size: fi.Size(), UpdatedAt: fi.ModTime().UTC()}, nil
}

func (b *FileBackend) Remove(_ context.Context, key string) error {
	err := os.Remove(b.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (b *FileBackend) Ping(context.Context) error {
	fi, err := os.Stat(b.root)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("blob dir %s is not a directory", b.root)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
