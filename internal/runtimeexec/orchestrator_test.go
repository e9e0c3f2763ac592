package runtimeexec

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/episim-labs/episim-go/internal/domain"
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

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Launcher:       LauncherLocal,
		Binary:         "/bin/sh",
		ScratchDir:     t.TempDir(),
		Timeout:        10 * time.Second,
		DiagnosticsMax: 4096,
		StaleAfter:     time.Minute,
	}
}

// shOrchestrator runs script with $1 = workspace and $2 = backend.
func shOrchestrator(t *testing.T, cfg Config, script string) *Orchestrator {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	launcher, err := NewLocalLauncher("/bin/sh", []string{"-c", script, "sh", "{workspace}", "{backend}"})
	if err != nil {
		t.Fatalf("NewLocalLauncher() err=%v", err)
	}
	orch, err := NewOrchestrator(cfg, launcher, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewOrchestrator() err=%v", err)
	}
	return orch
}

func assertNoWorkspaces(t *testing.T, scratch string) {
	t.Helper()
	entries, err := os.ReadDir(scratch)
	if err != nil {
		t.Fatalf("read scratch: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch dir not empty: %d entries left", len(entries))
	}
}

func TestRun_Success(t *testing.T) {
	cfg := testConfig(t)
	script := `
for f in config.json kappa0_from_mitma.csv R_mobility_matrix.csv metapopulation_data.csv initial_conditions.nc; do
  test -f "$1/$f" || { echo "missing $f" >&2; exit 9; }
done
test "$EPISIM_WORKSPACE" = "$1" || exit 7
echo "running $EPISIM_BACKEND"
cat "$1/config.json" > "$1/output/simulation_output.nc"
printf '|%s' "$2" >> "$1/output/simulation_output.nc"
`
	orch := shOrchestrator(t, cfg, script)

	res, err := orch.Run(context.Background(), testBundle(), domain.BackendMMCACovid19)
	if err != nil {
		var execErr *domain.ExecutionError
		if errors.As(err, &execErr) {
			t.Fatalf("Run() err=%v diagnostics=%q", err, execErr.Diagnostics)
		}
		t.Fatalf("Run() err=%v", err)
	}
	want := `{"start_date":"2024-03-01","end_date":"2024-03-03"}|MMCACovid19`
	if string(res.Output) != want {
		t.Fatalf("Output=%q, want %q", res.Output, want)
	}
	if res.RunID == "" {
		t.Fatalf("expected a run id")
	}
	if !strings.Contains(res.Diagnostics, "running MMCACovid19") {
		t.Fatalf("Diagnostics=%q", res.Diagnostics)
	}
	assertNoWorkspaces(t, cfg.ScratchDir)
}

func TestRun_FreshRunIDAndWorkspaceEachCall(t *testing.T) {
	cfg := testConfig(t)
	orch := shOrchestrator(t, cfg, `echo "$1" > "$1/output/simulation_output.nc"`)

	a, err := orch.Run(context.Background(), testBundle(), domain.DefaultBackend)
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	b, err := orch.Run(context.Background(), testBundle(), domain.DefaultBackend)
	if err != nil {
		t.Fatalf("Run() err=%v", err)
	}
	if a.RunID == b.RunID {
		t.Fatalf("run ids must be unique")
	}
	if string(a.Output) == string(b.Output) {
		t.Fatalf("workspaces must be unique, both were %q", a.Output)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	cfg := testConfig(t)
	orch := shOrchestrator(t, cfg, `echo "model diverged" >&2; touch "$1/output/simulation_output.nc"; exit 3`)

	_, err := orch.Run(context.Background(), testBundle(), domain.DefaultBackend)
	var execErr *domain.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected execution error, got %v", err)
	}
	if execErr.ExitCode != 3 {
		t.Fatalf("ExitCode=%d, want 3", execErr.ExitCode)
	}
	if !strings.Contains(execErr.Diagnostics, "model diverged") {
		t.Fatalf("Diagnostics=%q, want stderr tail", execErr.Diagnostics)
	}
	if !errors.Is(err, domain.ErrExecutionFailed) {
		t.Fatalf("execution error must match ErrExecutionFailed")
	}
	assertNoWorkspaces(t, cfg.ScratchDir)
}

func TestRun_MissingOutput(t *testing.T) {
	cfg := testConfig(t)
	orch := shOrchestrator(t, cfg, `echo done`)

	_, err := orch.Run(context.Background(), testBundle(), domain.DefaultBackend)
	var execErr *domain.ExecutionError
	if !errors.As(err, &execErr) || !strings.Contains(execErr.Reason, "missing") {
		t.Fatalf("expected missing output error, got %v", err)
	}
	assertNoWorkspaces(t, cfg.ScratchDir)
}

func TestRun_TimeoutKillsProcessGroup(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timeout = 200 * time.Millisecond
	orch := shOrchestrator(t, cfg, `sleep 30 & sleep 30`)

	start := time.Now()
	_, err := orch.Run(context.Background(), testBundle(), domain.DefaultBackend)
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("Run() took %s, process group was not killed", elapsed)
	}
	var execErr *domain.ExecutionError
	if !errors.As(err, &execErr) || !strings.Contains(execErr.Reason, "timed out") {
		t.Fatalf("expected timeout execution error, got %v", err)
	}
	assertNoWorkspaces(t, cfg.ScratchDir)
}

func TestRun_CallerCancellation(t *testing.T) {
	cfg := testConfig(t)
	orch := shOrchestrator(t, cfg, `sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := orch.Run(ctx, testBundle(), domain.DefaultBackend)
	var execErr *domain.ExecutionError
	if !errors.As(err, &execErr) || execErr.Reason != "cancelled" {
		t.Fatalf("expected cancelled execution error, got %v", err)
	}
	assertNoWorkspaces(t, cfg.ScratchDir)
}

func TestRun_InvalidInputNeverLaunches(t *testing.T) {
	cfg := testConfig(t)
	marker := filepath.Join(t.TempDir(), "launched")
	orch := shOrchestrator(t, cfg, `touch `+marker)

	bundle := testBundle()
	bundle.MobilityMatrix = nil
	if _, err := orch.Run(context.Background(), bundle, domain.DefaultBackend); !errors.Is(err, domain.ErrInput) {
		t.Fatalf("expected input error, got %v", err)
	}
	if _, err := orch.Run(context.Background(), testBundle(), domain.Backend("Other")); !errors.Is(err, domain.ErrInput) {
		t.Fatalf("expected input error for backend, got %v", err)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Fatalf("process must not run for invalid input")
	}
	assertNoWorkspaces(t, cfg.ScratchDir)
}

type panicLauncher struct{}

func (panicLauncher) Kind() string { return "panic" }

func (panicLauncher) Launch(context.Context, Invocation, io.Writer) error {
	panic("launcher exploded")
}

func TestRun_WorkspaceRemovedOnPanic(t *testing.T) {
	cfg := testConfig(t)
	orch, err := NewOrchestrator(cfg, panicLauncher{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewOrchestrator() err=%v", err)
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_, _ = orch.Run(context.Background(), testBundle(), domain.DefaultBackend)
	}()
	assertNoWorkspaces(t, cfg.ScratchDir)
}

func TestNewOrchestrator_Validates(t *testing.T) {
	if _, err := NewOrchestrator(testConfig(t), nil, nil); err == nil {
		t.Fatalf("expected error for nil launcher")
	}
	cfg := testConfig(t)
	cfg.Timeout = 0
	if _, err := NewOrchestrator(cfg, panicLauncher{}, nil); err == nil {
		t.Fatalf("expected error for zero timeout")
	}
}
