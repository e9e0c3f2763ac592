package runtimeexec

import (
	"context"
	"io"
	"strings"

	"github.com/episim-labs/episim-go/internal/domain"
)

const (
	// OutputDir is created inside every workspace before launch.
	OutputDir = "output"
	// OutputFile is the single artifact a successful run must leave in OutputDir.
	OutputFile = "simulation_output.nc"

	workspacePattern = "episim-run-*"
	workspacePrefix  = "episim-run-"
)

// Invocation tells a launcher where the staged inputs live.
type Invocation struct {
	Workspace         string
	Backend           domain.Backend
	ConfigPath        string
	InitialConditions string
	OutputDir         string
}

// Launcher runs the external simulation synchronously. Output and error
// streams go to diag. A non-zero exit is reported as *exec.ExitError.
type Launcher interface {
	Kind() string
	Launch(ctx context.Context, inv Invocation, diag io.Writer) error
}

// expandArgs substitutes the invocation placeholders in an argument template.
func expandArgs(template []string, inv Invocation) []string {
	r := strings.NewReplacer(
		"{workspace}", inv.Workspace,
		"{backend}", string(inv.Backend),
		"{config}", inv.ConfigPath,
		"{initial_conditions}", inv.InitialConditions,
		"{output}", inv.OutputDir,
	)
	out := make([]string, len(template))
	for i, arg := range template {
		out[i] = r.Replace(arg)
	}
	return out
}

func invocationEnv(inv Invocation) []string {
	return []string{
		"EPISIM_WORKSPACE=" + inv.Workspace,
		"EPISIM_BACKEND=" + string(inv.Backend),
	}
}
