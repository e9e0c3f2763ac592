package runtimeexec

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/episim-labs/episim-go/internal/platform/env"
)

const (
	LauncherLocal  = "local"
	LauncherDocker = "docker"
)

// DefaultArgs mirrors the episim command line: config file, data folder,
// instance folder, initial conditions and engine.
var DefaultArgs = []string{
	"run",
	"--config", "{config}",
	"--data-folder", "{workspace}",
	"--instance-folder", "{output}",
	"--initial-conditions", "{initial_conditions}",
	"--engine", "{backend}",
}

type Config struct {
	Launcher       string
	Binary         string
	Args           []string
	Image          string
	DockerBin      string
	ScratchDir     string
	Timeout        time.Duration
	DiagnosticsMax int
	StaleAfter     time.Duration
}

func ConfigFromEnv() (Config, error) {
	launcher, err := env.OneOf("EPISIM_SIM_LAUNCHER", LauncherLocal, LauncherLocal, LauncherDocker)
	if err != nil {
		return Config{}, err
	}
	timeout, err := env.Duration("EPISIM_RUN_TIMEOUT", 6*time.Hour)
	if err != nil {
		return Config{}, err
	}
	staleAfter, err := env.Duration("EPISIM_SCRATCH_STALE_AFTER", 24*time.Hour)
	if err != nil {
		return Config{}, err
	}
	diagKiB, err := env.Int("EPISIM_DIAGNOSTICS_KIB", 64)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Launcher:       launcher,
		Binary:         env.String("EPISIM_SIM_BIN", "episim"),
		Args:           env.Fields("EPISIM_SIM_ARGS", DefaultArgs),
		Image:          env.String("EPISIM_SIM_IMAGE", ""),
		DockerBin:      env.String("EPISIM_DOCKER_BIN", "docker"),
		ScratchDir:     env.String("EPISIM_SCRATCH_DIR", os.TempDir()),
		Timeout:        timeout,
		DiagnosticsMax: diagKiB << 10,
		StaleAfter:     staleAfter,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Launcher {
	case LauncherLocal:
		if strings.TrimSpace(c.Binary) == "" {
			return errors.New("EPISIM_SIM_BIN is required")
		}
	case LauncherDocker:
		if strings.TrimSpace(c.Image) == "" {
			return errors.New("EPISIM_SIM_IMAGE is required for the docker launcher")
		}
	default:
		return fmt.Errorf("EPISIM_SIM_LAUNCHER %q is not supported", c.Launcher)
	}
	if strings.TrimSpace(c.ScratchDir) == "" {
		return errors.New("EPISIM_SCRATCH_DIR is required")
	}
	if c.Timeout <= 0 {
		return errors.New("EPISIM_RUN_TIMEOUT must be positive")
	}
	if c.DiagnosticsMax <= 0 {
		return errors.New("EPISIM_DIAGNOSTICS_KIB must be positive")
	}
	// Workspaces younger than the run timeout may belong to a live run.
	if c.StaleAfter <= c.Timeout {
		return fmt.Errorf("EPISIM_SCRATCH_STALE_AFTER (%s) must exceed EPISIM_RUN_TIMEOUT (%s)", c.StaleAfter, c.Timeout)
	}
	return nil
}

// NewLauncher builds the launcher selected by cfg.
func NewLauncher(cfg Config) (Launcher, error) {
	switch cfg.Launcher {
	case LauncherDocker:
		return NewDockerLauncher(cfg.DockerBin, cfg.Image, cfg.Args)
	case LauncherLocal:
		return NewLocalLauncher(cfg.Binary, cfg.Args)
	default:
		return nil, fmt.Errorf("launcher %q is not supported", cfg.Launcher)
	}
}
