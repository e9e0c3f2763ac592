package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// LocalLauncher runs the simulation binary on this host with the workspace
// as working directory.
type LocalLauncher struct {
	binary string
	args   []string
}

func NewLocalLauncher(binary string, args []string) (*LocalLauncher, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("simulation binary is required")
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("simulation binary not found: %w", err)
	}
	return &LocalLauncher{binary: path, args: append([]string(nil), args...)}, nil
}

func (l *LocalLauncher) Kind() string {
	return "local"
}

func (l *LocalLauncher) Launch(ctx context.Context, inv Invocation, diag io.Writer) error {
	cmd := exec.Command(l.binary, expandArgs(l.args, inv)...)
	cmd.Dir = inv.Workspace
	cmd.Env = append(os.Environ(), invocationEnv(inv)...)
	cmd.Stdout = diag
	cmd.Stderr = diag
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", l.binary, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}
