// Package app wires storage, the simulation launcher and the result cache
// into one unit shared by the server and the operator CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/episim-labs/episim-go/internal/domain"
	"github.com/episim-labs/episim-go/internal/platform/env"
	pgrepo "github.com/episim-labs/episim-go/internal/repo/postgres"
	"github.com/episim-labs/episim-go/internal/runtimeexec"
	"github.com/episim-labs/episim-go/internal/service/simulations"
	"github.com/episim-labs/episim-go/internal/storage"
)

type Config struct {
	Storage       storage.Config
	Runtime       runtimeexec.Config
	ArchiveInputs bool
}

func ConfigFromEnv() (Config, error) {
	storeCfg, err := storage.ConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("storage config: %w", err)
	}
	runtimeCfg, err := runtimeexec.ConfigFromEnv()
	if err != nil {
		return Config{}, fmt.Errorf("runtime config: %w", err)
	}
	archive, err := env.Bool("EPISIM_ARCHIVE_INPUTS", true)
	if err != nil {
		return Config{}, err
	}
	return Config{Storage: storeCfg, Runtime: runtimeCfg, ArchiveInputs: archive}, nil
}

type App struct {
	Config      Config
	Stores      *storage.Stores
	Simulations *simulations.Service
	// LauncherErr is set when the simulation launcher could not be built.
	// Read paths keep working; GetOrRun misses fail with it.
	LauncherErr error
}

// Open connects the stores and builds the service. Audit events are written
// only when the ledger lives in Postgres.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	stores, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	var runner simulations.Runner
	launcher, launcherErr := runtimeexec.NewLauncher(cfg.Runtime)
	if launcherErr == nil {
		orch, err := runtimeexec.NewOrchestrator(cfg.Runtime, launcher, logger)
		if err != nil {
			launcherErr = err
		} else {
			runner = orch
		}
	}
	if launcherErr != nil {
		runner = unavailableRunner{err: launcherErr}
	}

	opts := simulations.Options{ArchiveInputs: cfg.ArchiveInputs, Logger: logger}
	if stores.Postgres != nil {
		opts.Audit = pgrepo.NewAuditAppender(stores.Postgres)
	}
	svc, err := simulations.New(stores.Ledger, stores.Blobs, runner, opts)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}
	return &App{Config: cfg, Stores: stores, Simulations: svc, LauncherErr: launcherErr}, nil
}

func (a *App) Close() error {
	if a == nil || a.Stores == nil {
		return nil
	}
	return a.Stores.Close()
}

// ErrSweepTooEarly rejects sweep ages that could match a live run.
var ErrSweepTooEarly = errors.New("sweep age must exceed the run timeout")

// SweepScratch removes workspaces left behind by crashed runs. olderThan <= 0
// falls back to the configured staleness. Ages within the run timeout are
// refused since such workspaces may still be in use.
func (a *App) SweepScratch(olderThan time.Duration, now time.Time) ([]string, error) {
	if olderThan <= 0 {
		olderThan = a.Config.Runtime.StaleAfter
	}
	if olderThan <= a.Config.Runtime.Timeout {
		return nil, fmt.Errorf("%w: %s <= %s", ErrSweepTooEarly, olderThan, a.Config.Runtime.Timeout)
	}
	return runtimeexec.SweepStale(a.Config.Runtime.ScratchDir, olderThan, now)
}

// Ping reports whether the ledger and the blob store are reachable.
func (a *App) Ping(ctx context.Context) error {
	return errors.Join(a.Stores.Ledger.Ping(ctx), a.Stores.Blobs.Ping(ctx))
}

type unavailableRunner struct {
	err error
}

func (r unavailableRunner) Run(_ context.Context, _ domain.InputBundle, backend domain.Backend) (runtimeexec.Result, error) {
	return runtimeexec.Result{}, &domain.ExecutionError{Backend: backend, Reason: "launcher unavailable", Err: r.err}
}
