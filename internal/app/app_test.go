package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/episim-labs/episim-go/internal/domain"
	"github.com/episim-labs/episim-go/internal/runtimeexec"
	"github.com/episim-labs/episim-go/internal/storage"
)

func testBundle() domain.InputBundle {
	return domain.InputBundle{
		Config:            []byte(`{"start_date":"2024-03-01","end_date":"2024-03-03"}`),
		MobilityReduction: []byte("date,time,reduction\n2024-03-01,1,0.8\n"),
		MobilityMatrix:    []byte("source_idx,target_idx,ratio\n1,2,0.5\n"),
		Metapopulation:    []byte("id,area,Y,M,O,Total\n01001,10.0,100,200,50,350\n"),
		InitialConditions: []byte{0x43, 0x44, 0x46, 0x01, 0x00, 0x00},
	}
}

func testConfig(t *testing.T, binary string, args []string) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		Storage: storage.Config{
			Ledger:     storage.LedgerSQLite,
			BlobMedium: storage.BlobSQLite,
			SQLitePath: filepath.Join(dir, "episim.db"),
		},
		Runtime: runtimeexec.Config{
			Launcher:       runtimeexec.LauncherLocal,
			Binary:         binary,
			Args:           args,
			ScratchDir:     filepath.Join(dir, "scratch"),
			Timeout:        10 * time.Second,
			DiagnosticsMax: 4096,
			StaleAfter:     time.Hour,
		},
		ArchiveInputs: true,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpen_EndToEnd(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	script := `printf 'netcdf:%s' "$2" > "$1/output/simulation_output.nc"`
	cfg := testConfig(t, "/bin/sh", []string{"-c", script, "sh", "{workspace}", "{backend}"})
	ctx := context.Background()

	a, err := Open(ctx, cfg, quietLogger())
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	defer func() { _ = a.Close() }()
	if a.LauncherErr != nil {
		t.Fatalf("LauncherErr=%v", a.LauncherErr)
	}
	if err := a.Ping(ctx); err != nil {
		t.Fatalf("Ping() err=%v", err)
	}

	first, err := a.Simulations.GetOrRun(ctx, testBundle(), "")
	if err != nil {
		t.Fatalf("GetOrRun() err=%v", err)
	}
	second, err := a.Simulations.GetOrRun(ctx, testBundle(), "")
	if err != nil {
		t.Fatalf("GetOrRun() repeat err=%v", err)
	}
	if first.RunID != second.RunID || !second.CacheHit {
		t.Fatalf("repeat=%+v, want hit on %s", second, first.RunID)
	}
	out, err := a.Simulations.Output(ctx, first.RunID)
	if err != nil {
		t.Fatalf("Output() err=%v", err)
	}
	if string(out) != "netcdf:"+string(domain.DefaultBackend) {
		t.Fatalf("Output()=%q", out)
	}
	details, err := a.Simulations.Describe(ctx, first.RunID)
	if err != nil {
		t.Fatalf("Describe() err=%v", err)
	}
	if !details.ParamsArchived {
		t.Fatalf("expected archived parameters")
	}
}

func TestOpen_MissingBinaryKeepsReadPaths(t *testing.T) {
	cfg := testConfig(t, "episim-binary-that-does-not-exist", nil)
	ctx := context.Background()

	a, err := Open(ctx, cfg, quietLogger())
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	defer func() { _ = a.Close() }()
	if a.LauncherErr == nil {
		t.Fatalf("expected launcher error")
	}
	if _, err := a.Simulations.GetOrRun(ctx, testBundle(), ""); !errors.Is(err, domain.ErrExecutionFailed) {
		t.Fatalf("expected execution failure, got %v", err)
	}
	if _, err := a.Simulations.Output(ctx, "run-404"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSweepScratch(t *testing.T) {
	cfg := testConfig(t, "episim-binary-that-does-not-exist", nil)
	stale := filepath.Join(cfg.Runtime.ScratchDir, "episim-run-123")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	a := &App{Config: cfg}
	removed, err := a.SweepScratch(0, time.Now())
	if err != nil {
		t.Fatalf("SweepScratch() err=%v", err)
	}
	if len(removed) != 1 || removed[0] != stale {
		t.Fatalf("removed=%v, want [%s]", removed, stale)
	}
}

func TestSweepScratch_RefusesAgesWithinRunTimeout(t *testing.T) {
	cfg := testConfig(t, "episim-binary-that-does-not-exist", nil)
	live := filepath.Join(cfg.Runtime.ScratchDir, "episim-run-456")
	if err := os.MkdirAll(live, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(live, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	a := &App{Config: cfg}
	if _, err := a.SweepScratch(cfg.Runtime.Timeout, time.Now()); !errors.Is(err, ErrSweepTooEarly) {
		t.Fatalf("SweepScratch(timeout) err=%v, want ErrSweepTooEarly", err)
	}
	if _, err := os.Stat(live); err != nil {
		t.Fatalf("live workspace removed: %v", err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("EPISIM_LEDGER", "sqlite")
	t.Setenv("EPISIM_BLOB_BACKEND", "fs")
	t.Setenv("EPISIM_ARCHIVE_INPUTS", "false")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.ArchiveInputs {
		t.Fatalf("ArchiveInputs should be false")
	}
	t.Setenv("EPISIM_ARCHIVE_INPUTS", "maybe")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error for invalid bool")
	}
}
