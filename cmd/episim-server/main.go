package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/episim-labs/episim-go/internal/app"
	"github.com/episim-labs/episim-go/internal/platform/env"
	"github.com/episim-labs/episim-go/internal/platform/httpserver"
	pgrepo "github.com/episim-labs/episim-go/internal/repo/postgres"
)

const serviceName = "episim-server"

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpCfg, err := httpserver.ConfigFromEnv(serviceName)
	if err != nil {
		logger.Error("invalid http config", "error", err)
		os.Exit(2)
	}
	appCfg, err := app.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}
	uploadMiB, err := env.Int("EPISIM_UPLOAD_MAX_MIB", 512)
	if err != nil || uploadMiB <= 0 {
		logger.Error("invalid upload limit", "env", "EPISIM_UPLOAD_MAX_MIB", "error", err)
		os.Exit(2)
	}

	startupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	a, err := app.Open(startupCtx, appCfg, logger)
	cancel()
	if err != nil {
		logger.Error("stores unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = a.Close() }()
	if a.LauncherErr != nil {
		logger.Error("simulation launcher init failed", "launcher", appCfg.Runtime.Launcher, "error", a.LauncherErr)
		os.Exit(2)
	}

	removed, err := a.SweepScratch(0, time.Now())
	if err != nil {
		logger.Warn("scratch sweep failed", "error", err)
	} else if len(removed) > 0 {
		logger.Info("removed stale workspaces", "count", len(removed), "scratch_dir", appCfg.Runtime.ScratchDir)
	}

	api := newSimulationsAPI(logger, a.Simulations, int64(uploadMiB)<<20)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(serviceName,
		httpserver.ReadinessCheck{Name: "ledger", Check: a.Stores.Ledger.Ping},
		httpserver.ReadinessCheck{Name: "blobs", Check: a.Stores.Blobs.Ping},
	))
	api.register(mux)
	if a.Stores.Postgres != nil {
		audit := &auditAPI{logger: logger, events: pgrepo.NewAuditReader(a.Stores.Postgres)}
		audit.register(mux)
	}

	logger.Info("starting",
		"service", serviceName,
		"addr", httpCfg.Addr,
		"ledger", appCfg.Storage.Ledger,
		"blob_backend", appCfg.Storage.BlobMedium,
		"launcher", appCfg.Runtime.Launcher,
	)
	if err := httpserver.Run(ctx, logger, httpCfg, httpserver.Wrap(logger, serviceName, mux)); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
