package runtimeexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const containerWorkspace = "/workspace"

// DockerLauncher runs the simulation image with the workspace bind-mounted
// at /workspace. The container runs as the calling user so the workspace
// stays removable afterwards.
type DockerLauncher struct {
	dockerBin string
	image     string
	args      []string
}

func NewDockerLauncher(dockerBin, image string, args []string) (*DockerLauncher, error) {
	dockerBin = strings.TrimSpace(dockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	image = strings.TrimSpace(image)
	if image == "" {
		return nil, errors.New("simulation image is required")
	}
	if _, err := exec.LookPath(dockerBin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	return &DockerLauncher{dockerBin: dockerBin, image: image, args: append([]string(nil), args...)}, nil
}

func (d *DockerLauncher) Kind() string {
	return "docker"
}

func (d *DockerLauncher) Launch(ctx context.Context, inv Invocation, diag io.Writer) error {
	name := containerName(inv.Workspace)
	cmd := exec.CommandContext(ctx, d.dockerBin, d.runArgs(name, inv)...)
	cmd.Stdout = diag
	cmd.Stderr = diag
	err := cmd.Run()
	if ctx.Err() != nil {
		// Killing the client leaves the container running.
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = exec.CommandContext(rmCtx, d.dockerBin, "rm", "--force", name).Run()
		return ctx.Err()
	}
	return err
}

func (d *DockerLauncher) runArgs(name string, inv Invocation) []string {
	inContainer := Invocation{
		Workspace:         containerWorkspace,
		Backend:           inv.Backend,
		ConfigPath:        containerPath(inv.Workspace, inv.ConfigPath),
		InitialConditions: containerPath(inv.Workspace, inv.InitialConditions),
		OutputDir:         containerPath(inv.Workspace, inv.OutputDir),
	}

	args := []string{
		"run",
		"--rm",
		"--name", name,
		"--network", "none",
		"-v", inv.Workspace + ":" + containerWorkspace,
		"-w", containerWorkspace,
	}
	if uid, gid := os.Getuid(), os.Getgid(); uid >= 0 && gid >= 0 {
		args = append(args, "--user", strconv.Itoa(uid)+":"+strconv.Itoa(gid))
	}
	for _, kv := range invocationEnv(inContainer) {
		args = append(args, "-e", kv)
	}
	args = append(args, d.image)
	return append(args, expandArgs(d.args, inContainer)...)
}

func containerName(workspace string) string {
	return strings.TrimSuffix(filepath.Base(workspace), string(filepath.Separator))
}

// containerPath maps a host path inside workspace to its mount point.
func containerPath(workspace, hostPath string) string {
	rel, err := filepath.Rel(workspace, hostPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return hostPath
	}
	return path.Join(containerWorkspace, filepath.ToSlash(rel))
}
