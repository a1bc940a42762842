// SPDX-License-Identifier: AGPL-3.0-or-later
package action

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/serkankas/offline-updater/internal/events"
	"github.com/serkankas/offline-updater/internal/manifest"
)

// killGrace is how long a timed-out command gets between SIGTERM and
// SIGKILL.
const killGrace = 5 * time.Second

func runCommand(ctx context.Context, spec manifest.ActionSpec, env *Env) error {
	timeout := time.Duration(spec.CommandTimeout()) * time.Second
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", spec.Command)
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	} else {
		cmd.Dir = env.StagedRoot
	}

	stdout := events.NewLogWriter(env.Sink, env.JobID, "stdout", nil)
	stderr := events.NewLogWriter(env.Sink, env.JobID, "stderr", nil)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// On timeout or cancellation: terminate, then kill after the grace
	// period if the process ignores it.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	env.Logf("running command: %s", spec.Command)
	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("command timed out after %ds", spec.CommandTimeout())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command failed with exit code %d", exitErr.ExitCode())
		}
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}
