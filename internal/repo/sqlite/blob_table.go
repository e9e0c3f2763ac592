package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/episim-labs/episim-go/internal/domain"
	"github.com/episim-labs/episim-go/internal/storage/blobstore"
)

const (
	upsertBlobQuery = `INSERT INTO blobs (key, data, size, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		data = excluded.data,
		size = excluded.size,
		updated_at = excluded.updated_at`

	selectBlobQuery     = `SELECT data FROM blobs WHERE key = ?`
	selectBlobInfoQuery = `SELECT size, updated_at FROM blobs WHERE key = ?`
	deleteBlobQuery     = `DELETE FROM blobs WHERE key = ?`
)

// BlobTable stores blobs in the blobs table. Stat reads only the size and
// timestamp columns.
type BlobTable struct {
	db *sql.DB
}

var _ blobstore.Backend = (*BlobTable)(nil)

func NewBlobTable(db *sql.DB) *BlobTable {
	if db == nil {
		return nil
	}
	return &BlobTable{db: db}
}

func (t *BlobTable) Write(ctx context.Context, key string, data []byte) error {
	now := toUnixNano(time.Now())
	if data == nil {
		data = []byte{}
	}
	_, err := t.db.ExecContext(ctx, upsertBlobQuery, key, data, int64(len(data)), now, now)
	return err
}

func (t *BlobTable) Read(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	if err := t.db.QueryRowContext(ctx, selectBlobQuery, key).Scan(&data); err != nil {
		return nil, handleNotFound(err)
	}
	return data, nil
}

func (t *BlobTable) Stat(ctx context.Context, key string) (blobstore.Info, error) {
	var size, updated int64
	if err := t.db.QueryRowContext(ctx, selectBlobInfoQuery, key).Scan(&size, &updated); err != nil {
		return blobstore.Info{}, handleNotFound(err)
	}
	return blobstore.Info{Key: key, Size: size, UpdatedAt: fromUnixNano(updated)}, nil
}

func (t *BlobTable) Remove(ctx context.Context, key string) error {
	_, err := t.db.ExecContext(ctx, deleteBlobQuery, key)
	return err
}

func (t *BlobTable) Ping(ctx context.Context) error {
	return domain.Storage("ping", t.db.PingContext(ctx))
}
