// SPDX-License-Identifier: AGPL-3.0-or-later
package check

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/serkankas/offline-updater/internal/hostexec"
	"github.com/serkankas/offline-updater/internal/manifest"
)

func checkDiskSpace(_ context.Context, spec manifest.CheckSpec, env *Env) Result {
	if err := os.MkdirAll(spec.Path, 0o755); err != nil {
		return fail("disk_space: %v", err)
	}
	usage, err := hostexec.StatDisk(spec.Path)
	if err != nil {
		return fail("disk_space: stat %s: %v", spec.Path, err)
	}
	freeMB := usage.Free / (1 << 20)
	env.log(fmt.Sprintf("disk space at %s: %d MB free (%d MB required)", spec.Path, freeMB, spec.RequiredMB))
	if freeMB < uint64(spec.RequiredMB) {
		return fail("insufficient disk space at %s: %d MB free, %d MB required", spec.Path, freeMB, spec.RequiredMB)
	}
	return pass("%d MB free at %s", freeMB, spec.Path)
}

func checkDockerRunning(ctx context.Context, _ manifest.CheckSpec, env *Env) Result {
	if err := env.Docker.Ping(ctx); err != nil {
		return fail("docker daemon not reachable: %v", err)
	}
	return pass("docker daemon is running")
}

func checkFileExists(_ context.Context, spec manifest.CheckSpec, _ *Env) Result {
	if _, err := os.Stat(spec.Path); err != nil {
		if os.IsNotExist(err) {
			return fail("path does not exist: %s", spec.Path)
		}
		return fail("stat %s: %v", spec.Path, err)
	}
	return pass("path exists: %s", spec.Path)
}

func checkDockerHealth(ctx context.Context, spec manifest.CheckSpec, env *Env) Result {
	container := spec.Container()
	status, err := env.Docker.HealthStatus(ctx, container)
	if err != nil {
		return fail("container %s: %v", container, err)
	}
	switch status {
	case "healthy":
		return pass("container %s is healthy", container)
	case "none":
		// No health check configured: fall back to the running state.
		running, err := env.Docker.IsRunning(ctx, container)
		if err != nil {
			return fail("container %s: %v", container, err)
		}
		if running {
			return pass("container %s is running (no health check)", container)
		}
		return fail("container %s is not running", container)
	default:
		return fail("container %s health status: %s", container, status)
	}
}

func checkHTTP(ctx context.Context, spec manifest.CheckSpec, env *Env) Result {
	retries := spec.HTTPRetries()
	delay := time.Duration(spec.HTTPDelay()) * time.Second
	timeout := time.Duration(spec.HTTPTimeout()) * time.Second
	expected := spec.HTTPExpectedStatus()

	for attempt := 1; attempt <= retries; attempt++ {
		env.log(fmt.Sprintf("http check attempt %d/%d: %s", attempt, retries, spec.URL))
		status, err := env.Prober.Probe(ctx, spec.URL, timeout)
		switch {
		case err != nil:
			env.log(fmt.Sprintf("http check failed: %v", err))
		case status == expected:
			return pass("%s returned %d", spec.URL, status)
		default:
			env.log(fmt.Sprintf("http check: %s returned %d, expected %d", spec.URL, status, expected))
		}
		if attempt < retries {
			env.sleep(ctx, delay)
			if ctx.Err() != nil {
				return fail("http check cancelled: %v", ctx.Err())
			}
		}
	}
	return fail("endpoint not reachable after %d attempts: %s", retries, spec.URL)
}

func checkServiceRunning(ctx context.Context, spec manifest.CheckSpec, env *Env) Result {
	active, status, err := env.Services.IsActive(ctx, spec.ServiceName)
	if err != nil {
		return fail("service %s: %v", spec.ServiceName, err)
	}
	if !active {
		return fail("service %s is not running (status: %s)", spec.ServiceName, status)
	}
	return pass("service %s is running", spec.ServiceName)
}

func checkCommand(ctx context.Context, spec manifest.CheckSpec, env *Env) Result {
	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(spec.CommandTimeout())*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", spec.Command)
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if text != "" {
		env.log("check output: " + text)
	}
	if cmdCtx.Err() == context.DeadlineExceeded {
		return fail("command timed out after %ds", spec.CommandTimeout())
	}
	if err != nil {
		if text != "" {
			return fail("command failed: %v: %s", err, text)
		}
		return fail("command failed: %v", err)
	}
	return pass("command succeeded")
}
