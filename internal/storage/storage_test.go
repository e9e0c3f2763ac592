package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/episim-labs/episim-go/internal/domain"
	"github.com/episim-labs/episim-go/internal/storage/blobstore"
)

func TestConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Ledger != LedgerSQLite || cfg.BlobMedium != BlobFS {
		t.Fatalf("defaults=%s/%s, want sqlite/fs", cfg.Ledger, cfg.BlobMedium)
	}
}

func TestConfigFromEnv_RejectsUnknownMedium(t *testing.T) {
	t.Setenv("EPISIM_BLOB_BACKEND", "tape")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error for unknown blob backend")
	}
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]Config{
		"unknown ledger": {Ledger: "mysql", BlobMedium: BlobFS, BlobDir: "b"},
		"empty blob dir": {Ledger: LedgerSQLite, BlobMedium: BlobFS, SQLitePath: "x.db"},
		"empty sqlite":   {Ledger: LedgerSQLite, BlobMedium: BlobFS, BlobDir: "b"},
		"postgres unset": {Ledger: LedgerPostgres, BlobMedium: BlobFS, BlobDir: "b"},
		"minio unset":    {Ledger: LedgerSQLite, BlobMedium: BlobMinio, SQLitePath: "x.db"},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestOpen_SQLiteLedgerWithBlobTable(t *testing.T) {
	dir := t.TempDir()
	stores, err := Open(context.Background(), Config{
		Ledger:     LedgerSQLite,
		BlobMedium: BlobSQLite,
		SQLitePath: filepath.Join(dir, "episim.db"),
	})
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	defer stores.Close()

	ctx := context.Background()
	var fp domain.Fingerprint
	fp[3] = 9
	if _, err := stores.Ledger.Record(ctx, domain.RunRecord{RunID: "run-1", Fingerprint: fp, Backend: domain.DefaultBackend}); err != nil {
		t.Fatalf("Record() err=%v", err)
	}
	if err := stores.Blobs.Put(ctx, blobstore.OutputKey("run-1"), []byte("output")); err != nil {
		t.Fatalf("Put() err=%v", err)
	}
	if err := stores.Ledger.Ping(ctx); err != nil {
		t.Fatalf("Ping() err=%v", err)
	}
	if stores.Postgres != nil {
		t.Fatalf("Postgres handle must be nil for the sqlite ledger")
	}
}

func TestOpen_FileBlobs(t *testing.T) {
	dir := t.TempDir()
	stores, err := Open(context.Background(), Config{
		Ledger:     LedgerSQLite,
		BlobMedium: BlobFS,
		SQLitePath: filepath.Join(dir, "episim.db"),
		BlobDir:    filepath.Join(dir, "blobs"),
	})
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	if err := stores.Blobs.Put(context.Background(), blobstore.OutputKey("r"), []byte("x")); err != nil {
		t.Fatalf("Put() err=%v", err)
	}
	if err := stores.Close(); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	if err := stores.Close(); err != nil {
		t.Fatalf("second Close() err=%v", err)
	}
}
