// Package storage turns the store configuration into the run ledger and blob
// store used by the rest of the service. Nothing here is process-global:
// every caller gets its own handles from Open and releases them with Close.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/episim-labs/episim-go/internal/platform/env"
	platformobjectstore "github.com/episim-labs/episim-go/internal/platform/objectstore"
	"github.com/episim-labs/episim-go/internal/platform/postgres"
	"github.com/episim-labs/episim-go/internal/repo"
	pgrepo "github.com/episim-labs/episim-go/internal/repo/postgres"
	"github.com/episim-labs/episim-go/internal/repo/sqlite"
	"github.com/episim-labs/episim-go/internal/storage/blobstore"
	"github.com/episim-labs/episim-go/internal/storage/objectstore"
)

const (
	LedgerPostgres = "postgres"
	LedgerSQLite   = "sqlite"

	BlobMinio  = "minio"
	BlobFS     = "fs"
	BlobSQLite = "sqlite"
)

type Config struct {
	Ledger     string
	BlobMedium string
	SQLitePath string
	BlobDir    string
	Postgres   postgres.Config
	Minio      platformobjectstore.Config
}

func ConfigFromEnv() (Config, error) {
	ledger, err := env.OneOf("EPISIM_LEDGER", LedgerSQLite, LedgerPostgres, LedgerSQLite)
	if err != nil {
		return Config{}, err
	}
	medium, err := env.OneOf("EPISIM_BLOB_BACKEND", BlobFS, BlobMinio, BlobFS, BlobSQLite)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Ledger:     ledger,
		BlobMedium: medium,
		SQLitePath: env.String("EPISIM_SQLITE_PATH", "episim.db"),
		BlobDir:    env.String("EPISIM_BLOB_DIR", "blobs"),
	}
	if ledger == LedgerPostgres {
		if cfg.Postgres, err = postgres.ConfigFromEnv(); err != nil {
			return Config{}, err
		}
	}
	if medium == BlobMinio {
		if cfg.Minio, err = platformobjectstore.ConfigFromEnv(); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Ledger {
	case LedgerPostgres:
		if err := c.Postgres.Validate(); err != nil {
			return err
		}
	case LedgerSQLite:
	default:
		return fmt.Errorf("EPISIM_LEDGER %q is not supported", c.Ledger)
	}
	switch c.BlobMedium {
	case BlobMinio:
		if err := c.Minio.Validate(); err != nil {
			return fmt.Errorf("minio: %w", err)
		}
	case BlobFS:
		if strings.TrimSpace(c.BlobDir) == "" {
			return errors.New("EPISIM_BLOB_DIR is required")
		}
	case BlobSQLite:
	default:
		return fmt.Errorf("EPISIM_BLOB_BACKEND %q is not supported", c.BlobMedium)
	}
	if c.usesSQLite() && strings.TrimSpace(c.SQLitePath) == "" {
		return errors.New("EPISIM_SQLITE_PATH is required")
	}
	return nil
}

func (c Config) usesSQLite() bool {
	return c.Ledger == LedgerSQLite || c.BlobMedium == BlobSQLite
}

// Stores are the opened ledger and blob store.
type Stores struct {
	Ledger repo.RunLedger
	Blobs  *blobstore.Store
	// Postgres is set when the ledger lives in Postgres; audit events are
	// written there.
	Postgres *sql.DB

	closers []func() error
}

func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Open connects every configured store. The SQLite file is shared when both
// the ledger and the blob table live there.
func Open(ctx context.Context, cfg Config) (*Stores, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stores := &Stores{}
	fail := func(err error) (*Stores, error) {
		_ = stores.Close()
		return nil, err
	}

	var sqliteDB *sql.DB
	if cfg.usesSQLite() {
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return fail(err)
		}
		sqliteDB = db
		stores.closers = append(stores.closers, db.Close)
	}

	switch cfg.Ledger {
	case LedgerPostgres:
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return fail(fmt.Errorf("postgres: %w", err))
		}
		stores.closers = append(stores.closers, db.Close)
		stores.Postgres = db
		stores.Ledger = pgrepo.NewRunLedger(db)
	case LedgerSQLite:
		stores.Ledger = sqlite.NewRunLedger(sqliteDB)
	}

	var backend blobstore.Backend
	switch cfg.BlobMedium {
	case BlobMinio:
		store, err := objectstore.NewMinioStore(ctx, cfg.Minio)
		if err != nil {
			return fail(fmt.Errorf("minio: %w", err))
		}
		backend = blobstore.NewMinioBackend(store)
	case BlobFS:
		fb, err := blobstore.NewFileBackend(cfg.BlobDir)
		if err != nil {
			return fail(err)
		}
		backend = fb
	case BlobSQLite:
		backend = sqlite.NewBlobTable(sqliteDB)
	}
	blobs, err := blobstore.New(backend)
	if err != nil {
		return fail(err)
	}
	stores.Blobs = blobs
	return stores, nil
}
