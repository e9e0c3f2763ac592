package runtimeexec

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/episim-labs/episim-go/internal/domain"
)

func TestExpandArgs(t *testing.T) {
	inv := Invocation{
		Workspace:         "/scratch/episim-run-1",
		Backend:           domain.BackendMMCACovid19Vac,
		ConfigPath:        "/scratch/episim-run-1/config.json",
		InitialConditions: "/scratch/episim-run-1/initial_conditions.nc",
		OutputDir:         "/scratch/episim-run-1/output",
	}
	got := expandArgs(DefaultArgs, inv)
	want := []string{
		"run",
		"--config", "/scratch/episim-run-1/config.json",
		"--data-folder", "/scratch/episim-run-1",
		"--instance-folder", "/scratch/episim-run-1/output",
		"--initial-conditions", "/scratch/episim-run-1/initial_conditions.nc",
		"--engine", "MMCACovid19Vac",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expandArgs()=%v, want %v", got, want)
	}
	if DefaultArgs[2] != "{config}" {
		t.Fatalf("expandArgs must not modify the template")
	}
}

func TestDockerRunArgs(t *testing.T) {
	d := &DockerLauncher{dockerBin: "docker", image: "episim:1.0", args: []string{"-c", "{config}", "-o", "{output}", "-e", "{backend}"}}
	ws := "/tmp/episim-run-42"
	inv := Invocation{
		Workspace:         ws,
		Backend:           domain.BackendMMCACovid19,
		ConfigPath:        filepath.Join(ws, "config.json"),
		InitialConditions: filepath.Join(ws, "initial_conditions.nc"),
		OutputDir:         filepath.Join(ws, "output"),
	}
	args := d.runArgs(containerName(ws), inv)
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"run --rm --name episim-run-42",
		"-v /tmp/episim-run-42:/workspace",
		"-e EPISIM_WORKSPACE=/workspace",
		"-e EPISIM_BACKEND=MMCACovid19",
		"episim:1.0 -c /workspace/config.json -o /workspace/output -e MMCACovid19",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("docker args %q missing %q", joined, want)
		}
	}
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(8)
	_, _ = tb.Write([]byte("abcd"))
	if got := tb.String(); got != "abcd" {
		t.Fatalf("String()=%q", got)
	}
	_, _ = tb.Write([]byte("efghij"))
	if got := tb.String(); got != "...cdefghij" {
		t.Fatalf("String()=%q, want ...cdefghij", got)
	}
	n, _ := tb.Write([]byte("0123456789"))
	if n != 10 {
		t.Fatalf("Write() n=%d, want 10", n)
	}
	if got := tb.String(); got != "...23456789" {
		t.Fatalf("String()=%q, want ...23456789", got)
	}
}

func TestSweepStale(t *testing.T) {
	base := t.TempDir()
	old := filepath.Join(base, "episim-run-old")
	fresh := filepath.Join(base, "episim-run-fresh")
	other := filepath.Join(base, "keep-me")
	for _, dir := range []string{old, fresh, other} {
		if err := os.MkdirAll(filepath.Join(dir, "output"), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	now := time.Now()
	past := now.Add(-48 * time.Hour)
	for _, dir := range []string{old, other} {
		if err := os.Chtimes(dir, past, past); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	removed, err := SweepStale(base, 24*time.Hour, now)
	if err != nil {
		t.Fatalf("SweepStale() err=%v", err)
	}
	if len(removed) != 1 || removed[0] != old {
		t.Fatalf("removed=%v, want [%s]", removed, old)
	}
	for _, dir := range []string{fresh, other} {
		if _, err := os.Stat(dir); err != nil {
			t.Fatalf("%s should survive: %v", dir, err)
		}
	}
	if removed, err := SweepStale(filepath.Join(base, "missing"), time.Hour, now); err != nil || len(removed) != 0 {
		t.Fatalf("SweepStale(missing)=%v,%v", removed, err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("EPISIM_SIM_ARGS", "-c {config} -e {backend}")
	t.Setenv("EPISIM_RUN_TIMEOUT", "90m")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Timeout != 90*time.Minute {
		t.Fatalf("Timeout=%s, want 90m", cfg.Timeout)
	}
	if !reflect.DeepEqual(cfg.Args, []string{"-c", "{config}", "-e", "{backend}"}) {
		t.Fatalf("Args=%v", cfg.Args)
	}

	t.Setenv("EPISIM_SIM_LAUNCHER", "docker")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected error: docker launcher without image")
	}
}

func TestConfigFromEnv_DefaultTimeout(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Timeout != 6*time.Hour {
		t.Fatalf("Timeout=%s, want 6h", cfg.Timeout)
	}
}

func TestConfigFromEnv_StaleAfterMustExceedTimeout(t *testing.T) {
	for _, stale := range []string{"0s", "30m", "90m"} {
		t.Setenv("EPISIM_RUN_TIMEOUT", "90m")
		t.Setenv("EPISIM_SCRATCH_STALE_AFTER", stale)
		if _, err := ConfigFromEnv(); err == nil {
			t.Fatalf("stale after %s accepted with a 90m timeout", stale)
		}
	}
	t.Setenv("EPISIM_SCRATCH_STALE_AFTER", "91m")
	if _, err := ConfigFromEnv(); err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
}
