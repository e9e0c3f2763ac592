// Package runtimeexec stages an input bundle into a private scratch
// workspace, runs the external simulation on it and harvests the declared
// output. The workspace is removed on every exit path.
package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/episim-labs/episim-go/internal/domain"
)

// Result is a finished run. RunID is fresh for every call.
type Result struct {
	RunID       string
	Output      []byte
	Duration    time.Duration
	Diagnostics string
}

type Orchestrator struct {
	launcher   Launcher
	scratchDir string
	timeout    time.Duration
	diagMax    int
	logger     *slog.Logger
	newRunID   func() string
}

func NewOrchestrator(cfg Config, launcher Launcher, logger *slog.Logger) (*Orchestrator, error) {
	if launcher == nil {
		return nil, errors.New("launcher is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		launcher:   launcher,
		scratchDir: cfg.ScratchDir,
		timeout:    cfg.Timeout,
		diagMax:    cfg.DiagnosticsMax,
		logger:     logger,
		newRunID:   uuid.NewString,
	}, nil
}

func (o *Orchestrator) Kind() string {
	return o.launcher.Kind()
}

// Run executes one simulation of bundle. Launch failures, timeouts,
// cancellation and a missing or unreadable output are *domain.ExecutionError;
// staging failures are storage errors. Nothing is retried.
func (o *Orchestrator) Run(ctx context.Context, bundle domain.InputBundle, backend domain.Backend) (Result, error) {
	if err := bundle.Validate(); err != nil {
		return Result{}, err
	}
	if !backend.Valid() {
		return Result{}, domain.Inputf("engine", "unsupported backend %q", backend)
	}

	workspace, err := os.MkdirTemp(o.scratchDir, workspacePattern)
	if err != nil {
		return Result{}, domain.Storage("create workspace", err)
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			o.logger.Warn("workspace cleanup failed", "workspace", workspace, "error", err)
		}
	}()

	inv, err := stage(workspace, bundle, backend)
	if err != nil {
		return Result{}, domain.Storage("stage inputs", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	diag := newTailBuffer(o.diagMax)
	start := time.Now()
	o.logger.Info("simulation started",
		"backend", backend,
		"launcher", o.launcher.Kind(),
		"workspace", workspace,
		"input_size", humanize.Bytes(uint64(bundle.Size())),
	)
	launchErr := o.launcher.Launch(runCtx, inv, diag)
	elapsed := time.Since(start)

	if launchErr != nil {
		execErr := &domain.ExecutionError{Backend: backend, Diagnostics: diag.String(), Err: launchErr}
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			execErr.Reason = "cancelled"
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			execErr.Reason = fmt.Sprintf("timed out after %s", o.timeout)
		case errors.As(launchErr, &exitErr):
			execErr.Reason = "non-zero exit status"
			execErr.ExitCode = exitErr.ExitCode()
		default:
			execErr.Reason = "could not run simulation"
		}
		o.logger.Error("simulation failed",
			"backend", backend,
			"reason", execErr.Reason,
			"exit_code", execErr.ExitCode,
			"duration_ms", elapsed.Milliseconds(),
		)
		return Result{}, execErr
	}

	output, err := os.ReadFile(filepath.Join(inv.OutputDir, OutputFile))
	if err != nil {
		reason := "output unreadable"
		if errors.Is(err, fs.ErrNotExist) {
			reason = fmt.Sprintf("declared output %s/%s missing", OutputDir, OutputFile)
		}
		o.logger.Error("simulation failed", "backend", backend, "reason", reason, "duration_ms", elapsed.Milliseconds())
		return Result{}, &domain.ExecutionError{Backend: backend, Reason: reason, Diagnostics: diag.String(), Err: err}
	}

	runID := o.newRunID()
	o.logger.Info("simulation finished",
		"run_id", runID,
		"backend", backend,
		"duration_ms", elapsed.Milliseconds(),
		"output_size", humanize.Bytes(uint64(len(output))),
	)
	return Result{RunID: runID, Output: output, Duration: elapsed, Diagnostics: diag.String()}, nil
}

// stage writes every bundle member under its contractual filename.
func stage(workspace string, bundle domain.InputBundle, backend domain.Backend) (Invocation, error) {
	for _, a := range bundle.Artifacts() {
		path := filepath.Join(workspace, a.Member.Filename())
		if err := os.WriteFile(path, a.Data, 0o644); err != nil {
			return Invocation{}, fmt.Errorf("write %s: %w", a.Member, err)
		}
	}
	outDir := filepath.Join(workspace, OutputDir)
	if err := os.Mkdir(outDir, 0o755); err != nil {
		return Invocation{}, fmt.Errorf("create output dir: %w", err)
	}
	return Invocation{
		Workspace:         workspace,
		Backend:           backend,
		ConfigPath:        filepath.Join(workspace, domain.MemberConfig.Filename()),
		InitialConditions: filepath.Join(workspace, domain.MemberInitialConditions.Filename()),
		OutputDir:         outDir,
	}, nil
}
