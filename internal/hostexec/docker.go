// SPDX-License-Identifier: AGPL-3.0-or-later

// Package hostexec holds the narrow adapters through which the engine
// touches the host: the container runtime, the service supervisor, HTTP
// reachability and machine vitals. The container runtime and service
// supervisor are interfaces with CLI-backed real implementations, and the
// HTTP prober is an interface over net/http, so tests can drive the full
// phase machine with in-process fakes; machine vitals are plain functions.
package hostexec

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// DockerClient is the container-runtime capability surface the action and
// check handlers need.
type DockerClient interface {
	// Ping reports whether the daemon answers.
	Ping(ctx context.Context) error
	// ComposeUp starts the services of a compose file.
	ComposeUp(ctx context.Context, composeFile string, detach, build bool) (string, error)
	// ComposeDown stops them with the given grace period in seconds.
	ComposeDown(ctx context.Context, composeFile string, timeoutSec int) (string, error)
	// LoadImage loads an image tarball and returns the runtime's output.
	LoadImage(ctx context.Context, tarPath string) (string, error)
	// PruneImages removes unused images.
	PruneImages(ctx context.Context, all, force bool) (string, error)
	// HealthStatus returns "healthy", "unhealthy", "starting" or "none"
	// (no health check configured) for a container.
	HealthStatus(ctx context.Context, container string) (string, error)
	// IsRunning reports whether a container is running.
	IsRunning(ctx context.Context, container string) (bool, error)
}

// dockerCommand is declared as a variable for test substitution.
var dockerCommand = func(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	return cmd.CombinedOutput()
}

// CLIDocker drives the docker CLI.
type CLIDocker struct{}

// NewCLIDocker returns the CLI-backed runtime adapter.
func NewCLIDocker() *CLIDocker { return &CLIDocker{} }

func (c *CLIDocker) run(ctx context.Context, args ...string) (string, error) {
	out, err := dockerCommand(ctx, args...)
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text != "" {
			return text, fmt.Errorf("docker %s: %w: %s", args[0], err, text)
		}
		return text, fmt.Errorf("docker %s: %w", args[0], err)
	}
	return text, nil
}

func (c *CLIDocker) Ping(ctx context.Context) error {
	_, err := c.run(ctx, "info", "--format", "{{.ServerVersion}}")
	return err
}

func (c *CLIDocker) ComposeUp(ctx context.Context, composeFile string, detach, build bool) (string, error) {
	args := []string{"compose", "-f", composeFile, "up"}
	if detach {
		args = append(args, "-d")
	}
	if build {
		args = append(args, "--build")
	}
	return c.run(ctx, args...)
}

func (c *CLIDocker) ComposeDown(ctx context.Context, composeFile string, timeoutSec int) (string, error) {
	if timeoutSec <= 0 {
		timeoutSec = 60
	}
	return c.run(ctx, "compose", "-f", composeFile, "down", "--timeout", strconv.Itoa(timeoutSec))
}

func (c *CLIDocker) LoadImage(ctx context.Context, tarPath string) (string, error) {
	return c.run(ctx, "load", "-i", tarPath)
}

func (c *CLIDocker) PruneImages(ctx context.Context, all, force bool) (string, error) {
	args := []string{"image", "prune"}
	if all {
		args = append(args, "--all")
	}
	if force {
		args = append(args, "--force")
	}
	return c.run(ctx, args...)
}

func (c *CLIDocker) HealthStatus(ctx context.Context, container string) (string, error) {
	out, err := c.run(ctx, "inspect", "--format", "{{.State.Health.Status}}", container)
	if err != nil {
		return "", err
	}
	if out == "" || out == "<no value>" {
		return "none", nil
	}
	return out, nil
}

func (c *CLIDocker) IsRunning(ctx context.Context, container string) (bool, error) {
	out, err := c.run(ctx, "inspect", "--format", "{{.State.Running}}", container)
	if err != nil {
		return false, err
	}
	return out == "true", nil
}
